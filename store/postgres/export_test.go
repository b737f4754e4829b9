package postgres

import (
	"database/sql"
	"time"
)

// NewWithLockTimeout wraps db like NewFromDB but keeps a lock timeout.
func NewWithLockTimeout(db *sql.DB, d time.Duration) *Store {
	return &Store{db: db, lockTimeout: d}
}

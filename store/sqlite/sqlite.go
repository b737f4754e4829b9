/*
Package sqlite provides a SQLite-backed implementation of points.TxStore.

PURPOSE:
  Default durable backend for a single process. Implements the read
  queries, the transactional write view and the sync-run log.

INTERFACES IMPLEMENTED:
  points.TxStore:      Participants, ledger, catalog, redemptions
  points.SyncRunStore: Audit log of external imports

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries in this package
  - Triggers abort any UPDATE or DELETE that reaches the table anyway
  - Corrections via compensating entries only

KEY TABLES:
  participants:   Program members, email unique
  ledger_entries: Immutable log of balance changes
  rewards:        Catalog, stock NULL = unlimited
  redemptions:    Requests with denormalized cost_snapshot
  sync_runs:      One row per external import

CONCURRENCY:
  Every write transaction starts with BEGIN IMMEDIATE (_txlock=immediate),
  so SQLite holds the database write lock from the first statement and
  read-check-write sequences inside WithTx cannot interleave. A
  sync.RWMutex additionally serializes writers in this process, and the
  pool is limited to one connection. SQLITE_BUSY/LOCKED surface as
  points.ErrConcurrentModification and are retried by the engine.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := points.NewService(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - points/store.go: Interface definitions
  - store/postgres: Multi-process backend with row locks
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/points-engine/points"
)

// timeLayout is fixed-width so text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements points.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ points.TxStore      = (*Store)(nil)
	_ points.SyncRunStore = (*Store)(nil)
	_ points.Tx           = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and keeps writers in order.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('active', 'inactive')),
		role TEXT NOT NULL CHECK (role IN ('participant', 'operator')),
		external_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		participant_id TEXT NOT NULL REFERENCES participants(id),
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('checkin', 'manual', 'redeem', 'adjustment', 'refund')),
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Balance and history (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_participant_created
		ON ledger_entries(participant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		image_path TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		cost INTEGER NOT NULL CHECK (cost > 0),
		stock INTEGER CHECK (stock IS NULL OR stock >= 0),
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		participant_id TEXT NOT NULL REFERENCES participants(id),
		reward_id TEXT NOT NULL REFERENCES rewards(id),
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'fulfilled')),
		cost_snapshot INTEGER NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_participant
		ON redemptions(participant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_redemptions_status
		ON redemptions(status);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		records_synced INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// READER (points.Reader)
// =============================================================================

func (s *Store) GetParticipant(ctx context.Context, id points.ParticipantID) (*points.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.GetParticipant(ctx, id)
}

func (s *Store) GetParticipantByEmail(ctx context.Context, email string) (*points.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.GetParticipantByEmail(ctx, email)
}

func (s *Store) ListParticipants(ctx context.Context) ([]points.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.ListParticipants(ctx)
}

func (s *Store) Balance(ctx context.Context, id points.ParticipantID) (points.Points, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.Balance(ctx, id)
}

func (s *Store) History(ctx context.Context, id points.ParticipantID) ([]points.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.History(ctx, id)
}

func (s *Store) AllEntries(ctx context.Context) ([]points.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.AllEntries(ctx)
}

func (s *Store) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.EntryExists(ctx, idempotencyKey)
}

func (s *Store) GetReward(ctx context.Context, id points.RewardID) (*points.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.GetReward(ctx, id)
}

func (s *Store) ListRewards(ctx context.Context, activeOnly bool) ([]points.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.ListRewards(ctx, activeOnly)
}

func (s *Store) GetRedemption(ctx context.Context, id points.RedemptionID) (*points.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.GetRedemption(ctx, id)
}

func (s *Store) ListRedemptions(ctx context.Context, filter points.RedemptionFilter) ([]points.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queries{s.db}.ListRedemptions(ctx, filter)
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(err, "commit transaction")
	}
	return nil
}

// txStore is the view handed to WithTx callbacks. It must never touch the
// parent Store: the mutex is already held.
type txStore struct {
	queries
}

// LockParticipant loads the participant. BEGIN IMMEDIATE already holds
// the database write lock, so no row lock is needed.
func (ts *txStore) LockParticipant(ctx context.Context, id points.ParticipantID) (*points.Participant, error) {
	return ts.GetParticipant(ctx, id)
}

// LockReward loads the reward under the same write lock.
func (ts *txStore) LockReward(ctx context.Context, id points.RewardID) (*points.Reward, error) {
	return ts.GetReward(ctx, id)
}

// =============================================================================
// SYNC RUNS (points.SyncRunStore)
// =============================================================================

func (s *Store) SaveSyncRun(ctx context.Context, run points.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullString
	if run.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*run.CompletedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, kind, status, records_synced, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			records_synced = excluded.records_synced,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, run.ID, run.Kind, run.Status, run.RecordsSynced, nullString(run.Error),
		formatTime(run.StartedAt), completedAt)
	if err != nil {
		return mapError(err, "save sync run")
	}
	return nil
}

// ListSyncRuns returns the most recent runs first; limit <= 0 means all.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]points.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, records_synced, error, started_at, completed_at
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []points.SyncRun
	for rows.Next() {
		var (
			run         points.SyncRun
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Kind, &run.Status, &run.RecordsSynced,
			&errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.Error = errText.String
		run.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset drops and recreates every table (for testing/demo). The ledger
// triggers forbid DELETE, so the tables are dropped instead.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"redemptions", "ledger_entries", "rewards", "participants", "sync_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	return s.migrate(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// mapError converts driver errors into engine sentinels.
func mapError(err error, op string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w", op, points.ErrConcurrentModification)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			msg := sqliteErr.Error()
			if strings.Contains(msg, "participants.email") {
				return points.ErrDuplicateEmail
			}
			if strings.Contains(msg, "idempotency_key") {
				return points.ErrDuplicateIdempotencyKey
			}
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

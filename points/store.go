/*
store.go - Persistence contracts for the points engine

PURPOSE:
  Defines the interface between the domain logic and the database.
  Implementations: points/store (memory), store/sqlite, store/postgres.

KEY INTERFACES:
  Reader:       Read-side queries (balance, history, catalog, requests)
  Tx:           Read-modify-write operations inside one transaction
  TxStore:      Reader + WithTx, the only way to mutate
  SyncRunStore: Audit log of external imports

APPEND-ONLY CONTRACT:
  Tx exposes AppendEntry for the ledger and nothing else. There is no
  method that updates or deletes a ledger entry.

LOCK ORDER:
  Inside WithTx callers take locks in a fixed order so two transactions
  can never wait on each other:
    1. LockParticipant
    2. LockReward / ReserveStock / ReleaseStock
    3. UpdateRedemptionStatus
  Backends that serialize all writers (memory, SQLite) satisfy this
  trivially; PostgreSQL relies on it.

CONFLICTS:
  Backends report lost races as ErrConcurrentModification (conditional
  update that matched no rows, SQLite busy, Postgres serialization
  failure). The engine retries those.

SEE ALSO:
  - ledger.go: Higher-level ledger over TxStore
  - redemption.go: Uses the lock order above
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// READER - Read-side queries
// =============================================================================

// Reader answers queries. Each call reads the store afresh; nothing is cached.
type Reader interface {
	GetParticipant(ctx context.Context, id ParticipantID) (*Participant, error)
	GetParticipantByEmail(ctx context.Context, email string) (*Participant, error)
	ListParticipants(ctx context.Context) ([]Participant, error)

	// Balance returns the sum of all deltas for the participant, 0 if none.
	Balance(ctx context.Context, id ParticipantID) (Points, error)

	// History returns the participant's entries, newest first.
	History(ctx context.Context, id ParticipantID) ([]LedgerEntry, error)

	// AllEntries returns every ledger entry, newest first.
	AllEntries(ctx context.Context) ([]LedgerEntry, error)

	// EntryExists checks if an idempotency key is already used.
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)

	GetReward(ctx context.Context, id RewardID) (*Reward, error)
	ListRewards(ctx context.Context, activeOnly bool) ([]Reward, error)

	GetRedemption(ctx context.Context, id RedemptionID) (*Redemption, error)

	// ListRedemptions returns matching requests, newest first.
	ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, error)
}

// =============================================================================
// TX - Operations inside one atomic unit
// =============================================================================

// Tx is the transactional view handed to WithTx callbacks.
// Everything written through a Tx becomes visible together or not at all.
type Tx interface {
	Reader

	// LockParticipant loads the participant and serializes other
	// transactions touching its balance until commit.
	LockParticipant(ctx context.Context, id ParticipantID) (*Participant, error)

	InsertParticipant(ctx context.Context, p Participant) error
	UpdateParticipant(ctx context.Context, p Participant) error

	// AppendEntry persists a ledger entry. Returns ErrDuplicateIdempotencyKey
	// if the key exists. This is the ONLY ledger write.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// LockReward loads the reward and serializes other transactions that
	// change it (stock, cost, status) until commit. Read-modify-write of a
	// reward must go through it, never through GetReward.
	LockReward(ctx context.Context, id RewardID) (*Reward, error)

	InsertReward(ctx context.Context, r Reward) error
	UpdateReward(ctx context.Context, r Reward) error

	// ReserveStock takes one unit: ErrOutOfStock at zero, no-op when unlimited.
	ReserveStock(ctx context.Context, id RewardID) error

	// ReleaseStock returns one unit; no-op when unlimited.
	ReleaseStock(ctx context.Context, id RewardID) error

	InsertRedemption(ctx context.Context, r Redemption) error

	// UpdateRedemptionStatus moves a request from -> to. If the stored
	// status is no longer from, it returns ErrConcurrentModification.
	UpdateRedemptionStatus(ctx context.Context, id RedemptionID, from, to RedemptionStatus, notes string, at time.Time) error
}

// TxStore is a Reader that can run atomic units of work.
type TxStore interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// SYNC RUNS
// =============================================================================

// SyncRunStore keeps the audit trail of external imports.
type SyncRunStore interface {
	SaveSyncRun(ctx context.Context, run SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error)
}

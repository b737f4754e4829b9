/*
Package points provides the loyalty points engine.

PURPOSE:
  This package contains the domain types and algorithms for a points-based
  rewards program. Participants earn points through an append-only ledger,
  spend them on catalog rewards, and operators move redemption requests
  through an approval workflow.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: Integer quantity of loyalty points
  - LedgerEntry: An immutable ledger record of a balance change
  - Reward: A catalog item with cost and optional finite stock
  - Redemption: A participant's claim on a reward

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only compensated
  2. Derived balance: Balance is the sum of the ledger, never a stored field
  3. Type Safety: Strong typing for IDs prevents mixing participant/reward IDs
  4. Auditability: Every entry has reason, source, reference and idempotency key

USAGE:
  svc := points.NewService(store)
  req, err := svc.CreateRedemption(ctx, "p-123", "reward-9")
  if errors.Is(err, points.ErrInsufficientBalance) {
      ...
  }

SEE ALSO:
  - ledger.go: Append-only ledger
  - redemption.go: Redemption state machine
  - store.go: Persistence contracts
*/
package points

import (
	"strings"
	"time"
)

// =============================================================================
// POINTS
// =============================================================================

// Points is a signed quantity of loyalty points.
type Points int64

// MaxPoints bounds every balance, reward cost and single delta. It is the
// largest integer a JSON number holds exactly, and keeps balance+delta and
// balance+refund inside int64.
const MaxPoints Points = 1 << 53

func (p Points) IsNegative() bool { return p < 0 }
func (p Points) IsPositive() bool { return p > 0 }
func (p Points) Neg() Points      { return -p }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ParticipantID string
type RewardID string
type RedemptionID string
type EntryID string

// =============================================================================
// PARTICIPANT
// =============================================================================

type ParticipantStatus string

const (
	StatusActive   ParticipantStatus = "active"
	StatusInactive ParticipantStatus = "inactive"
)

func (s ParticipantStatus) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

type Role string

const (
	RoleParticipant Role = "participant"
	RoleOperator    Role = "operator"
)

func (r Role) Valid() bool {
	return r == RoleParticipant || r == RoleOperator
}

// Participant is a program member. Balance is never stored here;
// it is always derived from the ledger.
type Participant struct {
	ID         ParticipantID
	Name       string
	Email      string
	Status     ParticipantStatus
	Role       Role
	ExternalID string // ID in the external workspace, if synced
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p Participant) IsActive() bool { return p.Status == StatusActive }

// NormalizeEmail lowercases and trims an email so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// =============================================================================
// LEDGER ENTRY - Atomic change to a participant's balance
// =============================================================================

type Source string

const (
	SourceCheckin    Source = "checkin"    // Points earned by attending
	SourceManual     Source = "manual"     // Operator grant or CSV import
	SourceRedeem     Source = "redeem"     // Debit for a redemption request
	SourceAdjustment Source = "adjustment" // Operator correction
	SourceRefund     Source = "refund"     // Credit compensating a redeem debit
)

func (s Source) Valid() bool {
	switch s {
	case SourceCheckin, SourceManual, SourceRedeem, SourceAdjustment, SourceRefund:
		return true
	}
	return false
}

// LedgerEntry is an immutable record of a balance change.
type LedgerEntry struct {
	ID             EntryID
	ParticipantID  ParticipantID
	Delta          Points
	Reason         string
	Source         Source
	ReferenceID    string // Redemption ID for redeem/refund entries
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// REWARD
// =============================================================================

// Reward is a redeemable catalog item. A nil Stock means unlimited.
type Reward struct {
	ID          RewardID
	Title       string
	Description string
	ImagePath   string
	Category    string
	Cost        Points
	Stock       *int64
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r Reward) Unlimited() bool { return r.Stock == nil }

// =============================================================================
// REDEMPTION REQUEST
// =============================================================================

type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionApproved  RedemptionStatus = "approved"
	RedemptionRejected  RedemptionStatus = "rejected"
	RedemptionFulfilled RedemptionStatus = "fulfilled"
)

func (s RedemptionStatus) Valid() bool {
	switch s {
	case RedemptionPending, RedemptionApproved, RedemptionRejected, RedemptionFulfilled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves this status.
func (s RedemptionStatus) IsTerminal() bool {
	return s == RedemptionRejected || s == RedemptionFulfilled
}

// Redemption is a participant's claim on a reward. CostSnapshot is the
// reward cost at request time and never changes afterwards.
type Redemption struct {
	ID            RedemptionID
	ParticipantID ParticipantID
	RewardID      RewardID
	Status        RedemptionStatus
	CostSnapshot  Points
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RedemptionFilter scopes ListRedemptions. Zero values match everything.
type RedemptionFilter struct {
	ParticipantID ParticipantID
	Status        RedemptionStatus
}

func (f RedemptionFilter) Matches(r Redemption) bool {
	if f.ParticipantID != "" && r.ParticipantID != f.ParticipantID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// =============================================================================
// SYNC RUN - Audit record of an external import
// =============================================================================

type SyncKind string

const (
	SyncParticipants SyncKind = "participants"
	SyncLedger       SyncKind = "ledger"
	SyncFull         SyncKind = "full"
)

func (k SyncKind) Valid() bool {
	return k == SyncParticipants || k == SyncLedger || k == SyncFull
}

type SyncRunStatus string

const (
	SyncRunning SyncRunStatus = "running"
	SyncSuccess SyncRunStatus = "success"
	SyncError   SyncRunStatus = "error"
)

type SyncRun struct {
	ID            string
	Kind          SyncKind
	Status        SyncRunStatus
	RecordsSynced int
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

/*
ledger.go - Append-only points log

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every check-in, grant, redemption debit and refund is recorded here.
  Balance is always computed by summing entries - there's no separate
  "balance" field that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, entries cannot be modified
  3. IDEMPOTENT: Same idempotency key = same entry (no duplicates)

CORRECTIONS:
  If a mistake is made, you don't edit the entry. Instead append a
  compensating entry. A rejected redemption gets a `refund` entry with
  +cost mirroring the earlier `redeem` debit; both stay in the ledger.

EXAMPLE FLOW:
  1. Check-in: +100 (checkin)
  2. Redeem mug: -60 (redeem, ref req-1)
  3. Operator rejects req-1: +60 (refund, ref req-1)

  Ledger: [+100, -60, +60] = 100 points

IMPORTS:
  AppendIfAbsent de-duplicates entries pulled from an external workspace
  by a key derived from participant, delta, reason and calendar date.

SEE ALSO:
  - store.go: Low-level persistence interface
  - redemption.go: Writes redeem/refund entries inside its own transaction
*/
package points

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// importNamespace scopes name-based UUIDs used as import idempotency keys.
var importNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("points-engine/ledger-import"))

// Ledger is the source of truth for all balance changes.
type Ledger struct {
	*engine
}

// NewLedger creates a standalone ledger over the store.
func NewLedger(store TxStore, opts ...Option) *Ledger {
	return &Ledger{newEngine(store, opts...)}
}

// Append adds an entry. Credits are held to MaxPoints; debits are not
// checked, callers that debit go through Directory.Adjust or the
// redemption workflow.
func (l *Ledger) Append(ctx context.Context, participantID ParticipantID, delta Points, reason string, source Source) (*LedgerEntry, error) {
	if !source.Valid() {
		return nil, invalidInput("unknown ledger source %q", source)
	}
	if err := checkDelta(delta); err != nil {
		return nil, err
	}

	var appended LedgerEntry
	err := l.run(ctx, func(tx Tx) error {
		if _, err := tx.LockParticipant(ctx, participantID); err != nil {
			return err
		}
		if delta.IsPositive() {
			if err := guardBalance(ctx, tx, participantID, delta); err != nil {
				return err
			}
		}
		e, err := l.appendTx(ctx, tx, LedgerEntry{
			ParticipantID: participantID,
			Delta:         delta,
			Reason:        reason,
			Source:        source,
		})
		appended = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return &appended, nil
}

// ImportedEntry is a ledger row produced by an external source.
type ImportedEntry struct {
	ParticipantID ParticipantID
	Delta         Points
	Reason        string
	Source        Source
	Date          time.Time
}

// ImportKey derives the idempotency key for an imported entry.
// Two rows with the same participant, delta, reason and UTC day share a key.
func ImportKey(participantID ParticipantID, delta Points, reason string, date time.Time) string {
	name := fmt.Sprintf("%s|%d|%s|%s", participantID, delta, strings.TrimSpace(reason), date.UTC().Format("2006-01-02"))
	return "import:" + uuid.NewSHA1(importNamespace, []byte(name)).String()
}

// AppendIfAbsent appends the entry unless an entry with the same import key
// exists. Returns the entry and whether it was written. A debit that would
// take the balance below zero fails with ErrInsufficientBalance, a credit
// above MaxPoints with ErrBalanceLimit.
func (l *Ledger) AppendIfAbsent(ctx context.Context, in ImportedEntry) (*LedgerEntry, bool, error) {
	if !in.Source.Valid() {
		return nil, false, invalidInput("unknown ledger source %q", in.Source)
	}
	if err := checkDelta(in.Delta); err != nil {
		return nil, false, err
	}
	key := ImportKey(in.ParticipantID, in.Delta, in.Reason, in.Date)

	var (
		appended LedgerEntry
		written  bool
	)
	err := l.run(ctx, func(tx Tx) error {
		written = false
		if _, err := tx.LockParticipant(ctx, in.ParticipantID); err != nil {
			return err
		}
		exists, err := tx.EntryExists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := guardBalance(ctx, tx, in.ParticipantID, in.Delta); err != nil {
			return err
		}
		createdAt := in.Date
		if createdAt.IsZero() {
			createdAt = l.now()
		}
		appended, err = l.appendTx(ctx, tx, LedgerEntry{
			ParticipantID:  in.ParticipantID,
			Delta:          in.Delta,
			Reason:         in.Reason,
			Source:         in.Source,
			IdempotencyKey: key,
			CreatedAt:      createdAt.UTC(),
		})
		written = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !written {
		return nil, false, nil
	}
	return &appended, true, nil
}

// BalanceOf computes the balance as the sum of all deltas. Unknown
// participants have a zero balance.
func (l *Ledger) BalanceOf(ctx context.Context, participantID ParticipantID) (Points, error) {
	return l.store.Balance(ctx, participantID)
}

// HistoryOf returns entries newest first. Every call re-reads the store.
func (l *Ledger) HistoryOf(ctx context.Context, participantID ParticipantID) ([]LedgerEntry, error) {
	return l.store.History(ctx, participantID)
}

// AllEntries returns the global ledger, newest first.
func (l *Ledger) AllEntries(ctx context.Context) ([]LedgerEntry, error) {
	return l.store.AllEntries(ctx)
}

// checkDelta rejects deltas outside [-MaxPoints, MaxPoints].
func checkDelta(delta Points) error {
	if delta > MaxPoints || delta < -MaxPoints {
		return invalidInput("delta %d exceeds the limit of %d points", delta, MaxPoints)
	}
	return nil
}

// guardBalance keeps the participant's balance within [0, MaxPoints] after
// delta. It must run under the participant lock. With |delta| <= MaxPoints
// and a stored balance within bounds the sums below cannot overflow.
func guardBalance(ctx context.Context, tx Tx, participantID ParticipantID, delta Points) error {
	balance, err := tx.Balance(ctx, participantID)
	if err != nil {
		return err
	}
	switch {
	case delta.IsNegative() && balance+delta < 0:
		return &InsufficientBalanceError{
			ParticipantID: participantID,
			Available:     balance,
			Requested:     delta.Neg(),
		}
	case delta.IsPositive() && delta > MaxPoints-balance:
		return fmt.Errorf("%w: balance %d plus %d exceeds %d", ErrBalanceLimit, balance, delta, MaxPoints)
	}
	return nil
}

// appendTx fills ID and timestamp and writes the entry through tx.
func (e *engine) appendTx(ctx context.Context, tx Tx, entry LedgerEntry) (LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = EntryID(e.newID())
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now()
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

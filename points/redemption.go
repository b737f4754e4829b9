/*
redemption.go - Redemption request state machine

PURPOSE:
  Coordinates a participant's claim on a reward against the ledger and the
  catalog. Points and stock are both reserved when the request is created,
  so a pending request can never be oversold or overspent.

STATE MACHINE:

    pending ──approve──> approved ──fulfill──> fulfilled
       │                    │
       └──reject──┐  ┌──reject┘
                  v  v
                rejected

  rejected and fulfilled are terminal.

EFFECTS PER EDGE:
  create             -> stock -1, ledger -cost (redeem), request pending
  pending->approved  -> status only
  *->rejected        -> ledger +cost (refund), stock +1, status
  approved->fulfilled-> status only

ATOMICITY:
  Create and Transition each run as one store transaction. Either every
  effect above is visible or none is. Locks are taken participant first,
  then reward, then request.

IDEMPOTENCY:
  The debit carries key "redeem:<id>" and the refund "refund:<id>". A
  request can therefore be refunded at most once even if two operators
  reject it at the same moment; the loser sees InvalidTransition.

SEE ALSO:
  - ledger.go: Entry semantics
  - catalog.go: Stock semantics
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// transitions lists the legal edges out of each status.
var transitions = map[RedemptionStatus][]RedemptionStatus{
	RedemptionPending:  {RedemptionApproved, RedemptionRejected},
	RedemptionApproved: {RedemptionRejected, RedemptionFulfilled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to RedemptionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func redeemKey(id RedemptionID) string { return "redeem:" + string(id) }
func refundKey(id RedemptionID) string { return "refund:" + string(id) }

// Workflow runs redemption requests through their lifecycle.
type Workflow struct {
	*engine
}

// NewWorkflow creates a standalone workflow over the store.
func NewWorkflow(store TxStore, opts ...Option) *Workflow {
	return &Workflow{newEngine(store, opts...)}
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates the request, reserves stock, debits the cost and stores
// a pending request.
//
// Errors:
//   - ErrParticipantNotFound, ErrParticipantInactive
//   - ErrRewardNotFound, ErrRewardUnavailable
//   - *InsufficientBalanceError
//   - ErrOutOfStock
//   - *ConcurrencyConflictError when retries are exhausted
func (w *Workflow) Create(ctx context.Context, participantID ParticipantID, rewardID RewardID) (*Redemption, error) {
	var created Redemption
	err := w.run(ctx, func(tx Tx) error {
		participant, err := tx.LockParticipant(ctx, participantID)
		if err != nil {
			return err
		}
		if !participant.IsActive() {
			return ErrParticipantInactive
		}

		reward, err := tx.LockReward(ctx, rewardID)
		if err != nil {
			return err
		}
		if !reward.IsActive {
			return ErrRewardUnavailable
		}

		// Balance is read under the participant lock, never from a cache.
		balance, err := tx.Balance(ctx, participantID)
		if err != nil {
			return err
		}
		if balance < reward.Cost {
			return &InsufficientBalanceError{
				ParticipantID: participantID,
				Available:     balance,
				Requested:     reward.Cost,
			}
		}

		if err := tx.ReserveStock(ctx, rewardID); err != nil {
			return err
		}

		now := w.now()
		id := RedemptionID(w.newID())
		if _, err := w.appendTx(ctx, tx, LedgerEntry{
			ParticipantID:  participantID,
			Delta:          reward.Cost.Neg(),
			Reason:         fmt.Sprintf("Redeemed: %s", reward.Title),
			Source:         SourceRedeem,
			ReferenceID:    string(id),
			IdempotencyKey: redeemKey(id),
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		r := Redemption{
			ID:            id,
			ParticipantID: participantID,
			RewardID:      rewardID,
			Status:        RedemptionPending,
			CostSnapshot:  reward.Cost,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertRedemption(ctx, r); err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// =============================================================================
// TRANSITION
// =============================================================================

// Transition moves a request to the target status. Empty notes keep the
// existing notes.
//
// Errors:
//   - ErrRedemptionNotFound
//   - *InvalidTransitionError for any edge not in the state machine
//   - *ConcurrencyConflictError when retries are exhausted
func (w *Workflow) Transition(ctx context.Context, id RedemptionID, to RedemptionStatus, notes string) (*Redemption, error) {
	if !to.Valid() {
		return nil, invalidInput("unknown redemption status %q", to)
	}

	var updated Redemption
	err := w.run(ctx, func(tx Tx) error {
		r, err := tx.GetRedemption(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(r.Status, to) {
			return &InvalidTransitionError{RedemptionID: id, From: r.Status, To: to}
		}

		if _, err := tx.LockParticipant(ctx, r.ParticipantID); err != nil {
			return err
		}

		now := w.now()
		if to == RedemptionRejected {
			if _, err := w.appendTx(ctx, tx, LedgerEntry{
				ParticipantID:  r.ParticipantID,
				Delta:          r.CostSnapshot,
				Reason:         fmt.Sprintf("Refund for rejected request %s", id),
				Source:         SourceRefund,
				ReferenceID:    string(id),
				IdempotencyKey: refundKey(id),
				CreatedAt:      now,
			}); err != nil {
				if errors.Is(err, ErrDuplicateIdempotencyKey) {
					// Another operator rejected it first; the retry sees the new status.
					return ErrConcurrentModification
				}
				return err
			}
			if err := tx.ReleaseStock(ctx, r.RewardID); err != nil && !IsNotFound(err) {
				return err
			}
		}

		nextNotes := r.Notes
		if strings.TrimSpace(notes) != "" {
			nextNotes = notes
		}
		if err := tx.UpdateRedemptionStatus(ctx, id, r.Status, to, nextNotes, now); err != nil {
			return err
		}

		updated = *r
		updated.Status = to
		updated.Notes = nextNotes
		updated.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (w *Workflow) Get(ctx context.Context, id RedemptionID) (*Redemption, error) {
	return w.store.GetRedemption(ctx, id)
}

// List returns requests matching the filter, newest first.
func (w *Workflow) List(ctx context.Context, filter RedemptionFilter) ([]Redemption, error) {
	return w.store.ListRedemptions(ctx, filter)
}

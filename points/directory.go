/*
directory.go - Participant provisioning and adjustments

PURPOSE:
  Participants are created by operators (Provision) or by the external
  sync (Upsert). They are never deleted, only deactivated. Operator point
  grants and corrections go through Adjust, which refuses to drive a
  balance below zero.

SEE ALSO:
  - ledger.go: Adjust appends through the same path as every other write
  - importer/: Calls Upsert and Ledger.AppendIfAbsent
*/
package points

import (
	"context"
	"errors"
	"strings"
)

type Directory struct {
	*engine
}

// ProvisionInput describes a new participant.
type ProvisionInput struct {
	Name          string
	Email         string
	Role          Role
	InitialPoints Points
}

// Provision creates an active participant. Positive initial points are
// granted as a manual entry in the same transaction.
func (d *Directory) Provision(ctx context.Context, in ProvisionInput) (*Participant, error) {
	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)
	role := in.Role
	if role == "" {
		role = RoleParticipant
	}
	switch {
	case name == "":
		return nil, invalidInput("participant name is required")
	case !strings.Contains(email, "@"):
		return nil, invalidInput("invalid email %q", in.Email)
	case !role.Valid():
		return nil, invalidInput("unknown role %q", in.Role)
	case in.InitialPoints.IsNegative():
		return nil, invalidInput("initial points cannot be negative")
	case in.InitialPoints > MaxPoints:
		return nil, invalidInput("initial points cannot exceed %d", MaxPoints)
	}

	now := d.now()
	p := Participant{
		ID:        ParticipantID(d.newID()),
		Name:      name,
		Email:     email,
		Status:    StatusActive,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := d.run(ctx, func(tx Tx) error {
		if err := tx.InsertParticipant(ctx, p); err != nil {
			return err
		}
		if !in.InitialPoints.IsPositive() {
			return nil
		}
		_, err := d.appendTx(ctx, tx, LedgerEntry{
			ParticipantID: p.ID,
			Delta:         in.InitialPoints,
			Reason:        "Initial balance",
			Source:        SourceManual,
			CreatedAt:     now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Directory) Get(ctx context.Context, id ParticipantID) (*Participant, error) {
	return d.store.GetParticipant(ctx, id)
}

func (d *Directory) GetByEmail(ctx context.Context, email string) (*Participant, error) {
	return d.store.GetParticipantByEmail(ctx, NormalizeEmail(email))
}

func (d *Directory) List(ctx context.Context) ([]Participant, error) {
	return d.store.ListParticipants(ctx)
}

func (d *Directory) Deactivate(ctx context.Context, id ParticipantID) (*Participant, error) {
	return d.setStatus(ctx, id, StatusInactive)
}

func (d *Directory) Activate(ctx context.Context, id ParticipantID) (*Participant, error) {
	return d.setStatus(ctx, id, StatusActive)
}

func (d *Directory) setStatus(ctx context.Context, id ParticipantID, status ParticipantStatus) (*Participant, error) {
	var updated Participant
	err := d.run(ctx, func(tx Tx) error {
		p, err := tx.LockParticipant(ctx, id)
		if err != nil {
			return err
		}
		updated = *p
		if p.Status == status {
			return nil
		}
		updated.Status = status
		updated.UpdatedAt = d.now()
		return tx.UpdateParticipant(ctx, updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// =============================================================================
// SYNC UPSERT
// =============================================================================

// ParticipantRecord is a participant as described by an external source.
type ParticipantRecord struct {
	Name       string
	Email      string
	Status     ParticipantStatus
	Role       Role
	ExternalID string
}

// Upsert creates or updates the participant keyed by email. Applying the
// same record twice leaves the store unchanged the second time. Returns
// whether a new participant was created.
func (d *Directory) Upsert(ctx context.Context, rec ParticipantRecord) (*Participant, bool, error) {
	email := NormalizeEmail(rec.Email)
	if !strings.Contains(email, "@") {
		return nil, false, invalidInput("invalid email %q", rec.Email)
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.Role == "" {
		rec.Role = RoleParticipant
	}
	if !rec.Status.Valid() || !rec.Role.Valid() {
		return nil, false, invalidInput("invalid status %q or role %q", rec.Status, rec.Role)
	}
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		name = email
	}

	var (
		result  Participant
		created bool
	)
	err := d.run(ctx, func(tx Tx) error {
		created = false
		existing, err := tx.GetParticipantByEmail(ctx, email)
		if err != nil && !errors.Is(err, ErrParticipantNotFound) {
			return err
		}

		now := d.now()
		if existing == nil {
			p := Participant{
				ID:         ParticipantID(d.newID()),
				Name:       name,
				Email:      email,
				Status:     rec.Status,
				Role:       rec.Role,
				ExternalID: rec.ExternalID,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertParticipant(ctx, p); err != nil {
				if errors.Is(err, ErrDuplicateEmail) {
					// Lost an insert race; the retry takes the update path.
					return ErrConcurrentModification
				}
				return err
			}
			result, created = p, true
			return nil
		}

		next := *existing
		next.Name = name
		next.Status = rec.Status
		next.Role = rec.Role
		if rec.ExternalID != "" {
			next.ExternalID = rec.ExternalID
		}
		result = next
		if next == *existing {
			return nil
		}
		next.UpdatedAt = now
		result = next
		return tx.UpdateParticipant(ctx, next)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

// AdjustmentSources are the sources an operator may use in Adjust.
var AdjustmentSources = []Source{SourceManual, SourceAdjustment, SourceCheckin}

// Adjust appends an operator grant or correction. Under the participant
// lock, debits are checked against the balance and credits against
// MaxPoints.
func (d *Directory) Adjust(ctx context.Context, participantID ParticipantID, delta Points, reason string, source Source) (*LedgerEntry, error) {
	if delta == 0 {
		return nil, invalidInput("delta must not be zero")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalidInput("reason is required")
	}
	if source == "" {
		source = SourceManual
	}
	if !isAdjustmentSource(source) {
		return nil, invalidInput("source %q is not allowed for adjustments", source)
	}
	if err := checkDelta(delta); err != nil {
		return nil, err
	}

	var appended LedgerEntry
	err := d.run(ctx, func(tx Tx) error {
		if _, err := tx.LockParticipant(ctx, participantID); err != nil {
			return err
		}
		if err := guardBalance(ctx, tx, participantID, delta); err != nil {
			return err
		}
		e, err := d.appendTx(ctx, tx, LedgerEntry{
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

func isAdjustmentSource(s Source) bool {
	for _, allowed := range AdjustmentSources {
		if s == allowed {
			return true
		}
	}
	return false
}

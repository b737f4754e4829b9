/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the API layer maps them to
  HTTP status codes.

ERROR CATEGORIES:
  1. Not found - Participant, reward or redemption absent
  2. Business rule violations - Inactive reward, insufficient balance,
     out of stock, illegal state transition
  3. Concurrency - Conflicting writers; retried before surfacing
  4. Store errors - Constraint violations

SEE ALSO:
  - retry.go: Retries ErrConcurrentModification
  - api/handlers.go: Maps errors to status codes
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRewardNotFound      = errors.New("reward not found")
	ErrRedemptionNotFound  = errors.New("redemption request not found")

	// ErrParticipantInactive is returned when a deactivated participant
	// tries to redeem.
	ErrParticipantInactive = errors.New("participant is inactive")

	// ErrRewardUnavailable is returned when the reward exists but is not active.
	ErrRewardUnavailable = errors.New("reward is not available")

	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBalanceLimit is returned when a credit would take a balance above
	// MaxPoints.
	ErrBalanceLimit = errors.New("balance limit exceeded")
	ErrOutOfStock          = errors.New("reward is out of stock")
	ErrInvalidTransition   = errors.New("invalid status transition")

	// ErrConcurrentModification is returned by a store when a conflicting
	// writer won. It is retried by the engine.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConcurrencyConflict is surfaced once retries are exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrDuplicateEmail = errors.New("participant email already exists")
	ErrInvalidInput   = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ParticipantID ParticipantID
	Available     Points
	Requested     Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvalidTransitionError names the rejected edge of the state machine.
type InvalidTransitionError struct {
	RedemptionID RedemptionID
	From         RedemptionStatus
	To           RedemptionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for %s: %s -> %s", e.RedemptionID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ConcurrencyConflictError is returned after every attempt hit a conflict.
type ConcurrencyConflictError struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() []error {
	return []error{ErrConcurrencyConflict, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to a business rule or bad input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrBalanceLimit) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrRewardUnavailable) ||
		errors.Is(err, ErrParticipantInactive) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateEmail) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrRewardNotFound) ||
		errors.Is(err, ErrRedemptionNotFound)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

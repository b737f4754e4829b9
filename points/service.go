/*
service.go - Engine wiring and the public operations

PURPOSE:
  Service bundles the engine components over one TxStore and exposes the
  operations callers (HTTP, importer, scenarios) use:

    CreateRedemption(participant, reward)      -> Redemption
    TransitionRedemption(request, status, ...) -> Redemption
    GetBalance(participant)                    -> Points
    GetHistory(participant)                    -> []LedgerEntry
    ListRedemptions(filter)                    -> []Redemption

COMPONENTS:
  Ledger:       Append-only point log (ledger.go)
  Catalog:      Rewards and stock (catalog.go)
  Redemptions:  Request state machine (redemption.go)
  Participants: Provisioning, sync upserts, adjustments (directory.go)

OPTIONS:
  WithClock, WithIDGenerator and WithMaxAttempts exist mostly for tests.
*/
package points

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// engine holds what every component needs.
type engine struct {
	store    TxStore
	now      func() time.Time
	newID    func() string
	attempts int
}

func (e *engine) run(ctx context.Context, fn func(Tx) error) error {
	return inTx(ctx, e.store, e.attempts, fn)
}

// Option configures the engine.
type Option func(*engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *engine) { e.now = now }
}

// WithIDGenerator overrides ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *engine) { e.newID = newID }
}

// WithMaxAttempts bounds retries of conflicting transactions.
func WithMaxAttempts(n int) Option {
	return func(e *engine) { e.attempts = n }
}

func newEngine(store TxStore, opts ...Option) *engine {
	e := &engine{
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		attempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Ledger       *Ledger
	Catalog      *Catalog
	Redemptions  *Workflow
	Participants *Directory

	engine *engine
}

// NewService wires all components over the given store.
func NewService(store TxStore, opts ...Option) *Service {
	e := newEngine(store, opts...)
	return &Service{
		Ledger:       &Ledger{e},
		Catalog:      &Catalog{e},
		Redemptions:  &Workflow{e},
		Participants: &Directory{e},
		engine:       e,
	}
}

// Store returns the underlying store.
func (s *Service) Store() TxStore { return s.engine.store }

func (s *Service) CreateRedemption(ctx context.Context, participantID ParticipantID, rewardID RewardID) (*Redemption, error) {
	return s.Redemptions.Create(ctx, participantID, rewardID)
}

func (s *Service) TransitionRedemption(ctx context.Context, id RedemptionID, to RedemptionStatus, notes string) (*Redemption, error) {
	return s.Redemptions.Transition(ctx, id, to, notes)
}

func (s *Service) GetBalance(ctx context.Context, participantID ParticipantID) (Points, error) {
	return s.Ledger.BalanceOf(ctx, participantID)
}

func (s *Service) GetHistory(ctx context.Context, participantID ParticipantID) ([]LedgerEntry, error) {
	return s.Ledger.HistoryOf(ctx, participantID)
}

func (s *Service) ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, error) {
	return s.Redemptions.List(ctx, filter)
}

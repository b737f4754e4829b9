// Package store provides in-process implementations of points.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by one mutex. Transactions hold
// the write lock for their whole duration, so they are fully serialized.
type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

var (
	_ points.TxStore      = (*Memory)(nil)
	_ points.SyncRunStore = (*Memory)(nil)
	_ points.Tx           = (*txMemoryView)(nil)
)

type memoryState struct {
	participants map[points.ParticipantID]points.Participant
	byEmail      map[string]points.ParticipantID
	entries      []storedEntry
	idempotency  map[string]bool
	rewards      map[points.RewardID]points.Reward
	redemptions  map[points.RedemptionID]storedRedemption
	syncRuns     map[string]points.SyncRun
	seq          int64
}

// storedEntry and storedRedemption carry an insertion sequence used to
// break CreatedAt ties when ordering newest first.
type storedEntry struct {
	points.LedgerEntry
	seq int64
}

type storedRedemption struct {
	points.Redemption
	seq int64
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() memoryState {
	return memoryState{
		participants: make(map[points.ParticipantID]points.Participant),
		byEmail:      make(map[string]points.ParticipantID),
		idempotency:  make(map[string]bool),
		rewards:      make(map[points.RewardID]points.Reward),
		redemptions:  make(map[points.RedemptionID]storedRedemption),
		syncRuns:     make(map[string]points.SyncRun),
	}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetParticipant(ctx context.Context, id points.ParticipantID) (*points.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getParticipant(id)
}

func (m *Memory) GetParticipantByEmail(ctx context.Context, email string) (*points.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getParticipantByEmail(email)
}

func (m *Memory) ListParticipants(ctx context.Context) ([]points.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listParticipants(), nil
}

func (m *Memory) Balance(ctx context.Context, id points.ParticipantID) (points.Points, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.balance(id), nil
}

func (m *Memory) History(ctx context.Context, id points.ParticipantID) ([]points.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.history(id), nil
}

func (m *Memory) AllEntries(ctx context.Context) ([]points.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.history(""), nil
}

func (m *Memory) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.idempotency[idempotencyKey], nil
}

func (m *Memory) GetReward(ctx context.Context, id points.RewardID) (*points.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getReward(id)
}

func (m *Memory) ListRewards(ctx context.Context, activeOnly bool) ([]points.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listRewards(activeOnly), nil
}

func (m *Memory) GetRedemption(ctx context.Context, id points.RedemptionID) (*points.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getRedemption(id)
}

func (m *Memory) ListRedemptions(ctx context.Context, filter points.RedemptionFilter) ([]points.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listRedemptions(filter), nil
}

// =============================================================================
// SYNC RUNS
// =============================================================================

func (m *Memory) SaveSyncRun(ctx context.Context, run points.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.syncRuns[run.ID] = run
	return nil
}

// ListSyncRuns returns the most recent runs first; limit <= 0 means all.
func (m *Memory) ListSyncRuns(ctx context.Context, limit int) ([]points.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]points.SyncRun, 0, len(m.state.syncRuns))
	for _, r := range m.state.syncRuns {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txMemoryView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txMemoryView runs against the live state; the caller already holds the lock.
type txMemoryView struct {
	state *memoryState
}

func (tv *txMemoryView) GetParticipant(_ context.Context, id points.ParticipantID) (*points.Participant, error) {
	return tv.state.getParticipant(id)
}

func (tv *txMemoryView) GetParticipantByEmail(_ context.Context, email string) (*points.Participant, error) {
	return tv.state.getParticipantByEmail(email)
}

func (tv *txMemoryView) ListParticipants(_ context.Context) ([]points.Participant, error) {
	return tv.state.listParticipants(), nil
}

func (tv *txMemoryView) Balance(_ context.Context, id points.ParticipantID) (points.Points, error) {
	return tv.state.balance(id), nil
}

func (tv *txMemoryView) History(_ context.Context, id points.ParticipantID) ([]points.LedgerEntry, error) {
	return tv.state.history(id), nil
}

func (tv *txMemoryView) AllEntries(_ context.Context) ([]points.LedgerEntry, error) {
	return tv.state.history(""), nil
}

func (tv *txMemoryView) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.state.idempotency[idempotencyKey], nil
}

func (tv *txMemoryView) GetReward(_ context.Context, id points.RewardID) (*points.Reward, error) {
	return tv.state.getReward(id)
}

func (tv *txMemoryView) ListRewards(_ context.Context, activeOnly bool) ([]points.Reward, error) {
	return tv.state.listRewards(activeOnly), nil
}

func (tv *txMemoryView) GetRedemption(_ context.Context, id points.RedemptionID) (*points.Redemption, error) {
	return tv.state.getRedemption(id)
}

func (tv *txMemoryView) ListRedemptions(_ context.Context, filter points.RedemptionFilter) ([]points.Redemption, error) {
	return tv.state.listRedemptions(filter), nil
}

// LockParticipant only checks existence; the store lock already serializes.
func (tv *txMemoryView) LockParticipant(_ context.Context, id points.ParticipantID) (*points.Participant, error) {
	return tv.state.getParticipant(id)
}

func (tv *txMemoryView) LockReward(_ context.Context, id points.RewardID) (*points.Reward, error) {
	return tv.state.getReward(id)
}

func (tv *txMemoryView) InsertParticipant(_ context.Context, p points.Participant) error {
	email := points.NormalizeEmail(p.Email)
	if _, taken := tv.state.byEmail[email]; taken {
		return points.ErrDuplicateEmail
	}
	p.Email = email
	tv.state.participants[p.ID] = p
	tv.state.byEmail[email] = p.ID
	return nil
}

func (tv *txMemoryView) UpdateParticipant(_ context.Context, p points.Participant) error {
	old, ok := tv.state.participants[p.ID]
	if !ok {
		return points.ErrParticipantNotFound
	}
	email := points.NormalizeEmail(p.Email)
	if owner, taken := tv.state.byEmail[email]; taken && owner != p.ID {
		return points.ErrDuplicateEmail
	}
	delete(tv.state.byEmail, old.Email)
	p.Email = email
	tv.state.participants[p.ID] = p
	tv.state.byEmail[email] = p.ID
	return nil
}

func (tv *txMemoryView) AppendEntry(_ context.Context, e points.LedgerEntry) error {
	if _, ok := tv.state.participants[e.ParticipantID]; !ok {
		return points.ErrParticipantNotFound
	}
	if e.IdempotencyKey != "" {
		if tv.state.idempotency[e.IdempotencyKey] {
			return points.ErrDuplicateIdempotencyKey
		}
		tv.state.idempotency[e.IdempotencyKey] = true
	}
	tv.state.seq++
	tv.state.entries = append(tv.state.entries, storedEntry{LedgerEntry: e, seq: tv.state.seq})
	return nil
}

func (tv *txMemoryView) InsertReward(_ context.Context, r points.Reward) error {
	tv.state.rewards[r.ID] = cloneReward(r)
	return nil
}

func (tv *txMemoryView) UpdateReward(_ context.Context, r points.Reward) error {
	if _, ok := tv.state.rewards[r.ID]; !ok {
		return points.ErrRewardNotFound
	}
	tv.state.rewards[r.ID] = cloneReward(r)
	return nil
}

func (tv *txMemoryView) ReserveStock(_ context.Context, id points.RewardID) error {
	r, ok := tv.state.rewards[id]
	if !ok {
		return points.ErrRewardNotFound
	}
	if r.Unlimited() {
		return nil
	}
	if *r.Stock <= 0 {
		return points.ErrOutOfStock
	}
	left := *r.Stock - 1
	r.Stock = &left
	tv.state.rewards[id] = r
	return nil
}

func (tv *txMemoryView) ReleaseStock(_ context.Context, id points.RewardID) error {
	r, ok := tv.state.rewards[id]
	if !ok {
		return points.ErrRewardNotFound
	}
	if r.Unlimited() {
		return nil
	}
	left := *r.Stock + 1
	r.Stock = &left
	tv.state.rewards[id] = r
	return nil
}

func (tv *txMemoryView) InsertRedemption(_ context.Context, r points.Redemption) error {
	if _, ok := tv.state.participants[r.ParticipantID]; !ok {
		return points.ErrParticipantNotFound
	}
	if _, ok := tv.state.rewards[r.RewardID]; !ok {
		return points.ErrRewardNotFound
	}
	tv.state.seq++
	tv.state.redemptions[r.ID] = storedRedemption{Redemption: r, seq: tv.state.seq}
	return nil
}

func (tv *txMemoryView) UpdateRedemptionStatus(_ context.Context, id points.RedemptionID, from, to points.RedemptionStatus, notes string, at time.Time) error {
	r, ok := tv.state.redemptions[id]
	if !ok {
		return points.ErrRedemptionNotFound
	}
	if r.Status != from {
		return points.ErrConcurrentModification
	}
	r.Status = to
	r.Notes = notes
	r.UpdatedAt = at
	tv.state.redemptions[id] = r
	return nil
}

// =============================================================================
// STATE HELPERS - Callers hold the lock
// =============================================================================

func (s *memoryState) getParticipant(id points.ParticipantID) (*points.Participant, error) {
	p, ok := s.participants[id]
	if !ok {
		return nil, points.ErrParticipantNotFound
	}
	return &p, nil
}

func (s *memoryState) getParticipantByEmail(email string) (*points.Participant, error) {
	id, ok := s.byEmail[points.NormalizeEmail(email)]
	if !ok {
		return nil, points.ErrParticipantNotFound
	}
	return s.getParticipant(id)
}

func (s *memoryState) listParticipants() []points.Participant {
	result := make([]points.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *memoryState) balance(id points.ParticipantID) points.Points {
	var total points.Points
	for _, e := range s.entries {
		if e.ParticipantID == id {
			total += e.Delta
		}
	}
	return total
}

// history returns entries newest first; an empty id returns all entries.
func (s *memoryState) history(id points.ParticipantID) []points.LedgerEntry {
	var matched []storedEntry
	for _, e := range s.entries {
		if id == "" || e.ParticipantID == id {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})

	result := make([]points.LedgerEntry, len(matched))
	for i, e := range matched {
		result[i] = e.LedgerEntry
	}
	return result
}

func (s *memoryState) getReward(id points.RewardID) (*points.Reward, error) {
	r, ok := s.rewards[id]
	if !ok {
		return nil, points.ErrRewardNotFound
	}
	c := cloneReward(r)
	return &c, nil
}

func (s *memoryState) listRewards(activeOnly bool) []points.Reward {
	result := make([]points.Reward, 0, len(s.rewards))
	for _, r := range s.rewards {
		if activeOnly && !r.IsActive {
			continue
		}
		result = append(result, cloneReward(r))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Cost != result[j].Cost {
			return result[i].Cost < result[j].Cost
		}
		if result[i].Title != result[j].Title {
			return result[i].Title < result[j].Title
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *memoryState) getRedemption(id points.RedemptionID) (*points.Redemption, error) {
	r, ok := s.redemptions[id]
	if !ok {
		return nil, points.ErrRedemptionNotFound
	}
	out := r.Redemption
	return &out, nil
}

func (s *memoryState) listRedemptions(filter points.RedemptionFilter) []points.Redemption {
	var matched []storedRedemption
	for _, r := range s.redemptions {
		if filter.Matches(r.Redemption) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].seq > matched[j].seq
	})

	result := make([]points.Redemption, len(matched))
	for i, r := range matched {
		result[i] = r.Redemption
	}
	return result
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		participants: make(map[points.ParticipantID]points.Participant, len(s.participants)),
		byEmail:      make(map[string]points.ParticipantID, len(s.byEmail)),
		entries:      append([]storedEntry{}, s.entries...),
		idempotency:  make(map[string]bool, len(s.idempotency)),
		rewards:      make(map[points.RewardID]points.Reward, len(s.rewards)),
		redemptions:  make(map[points.RedemptionID]storedRedemption, len(s.redemptions)),
		syncRuns:     make(map[string]points.SyncRun, len(s.syncRuns)),
		seq:          s.seq,
	}
	for k, v := range s.participants {
		c.participants[k] = v
	}
	for k, v := range s.byEmail {
		c.byEmail[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = cloneReward(v)
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = v
	}
	for k, v := range s.syncRuns {
		c.syncRuns[k] = v
	}
	return c
}

// cloneReward copies the Stock pointer so callers cannot mutate stored state.
func cloneReward(r points.Reward) points.Reward {
	if r.Stock != nil {
		v := *r.Stock
		r.Stock = &v
	}
	return r
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
)

func seedParticipant(t *testing.T, m *Memory, id points.ParticipantID, email string) {
	t.Helper()
	err := m.WithTx(context.Background(), func(tx points.Tx) error {
		return tx.InsertParticipant(context.Background(), points.Participant{
			ID: id, Name: string(id), Email: email, Status: points.StatusActive, Role: points.RoleParticipant,
		})
	})
	require.NoError(t, err)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A participant with no entries
	// WHEN: A transaction appends an entry and then fails
	// THEN: Neither the entry nor its idempotency key survive

	ctx := context.Background()
	m := NewMemory()
	seedParticipant(t, m, "p-1", "a@example.com")

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx points.Tx) error {
		if err := tx.AppendEntry(ctx, points.LedgerEntry{
			ID: "e-1", ParticipantID: "p-1", Delta: 50, Source: points.SourceManual, IdempotencyKey: "k-1",
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := m.Balance(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, points.Points(0), balance)

	exists, err := m.EntryExists(ctx, "k-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_DuplicateKeysAndEmails(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedParticipant(t, m, "p-1", "a@example.com")

	err := m.WithTx(ctx, func(tx points.Tx) error {
		return tx.InsertParticipant(ctx, points.Participant{ID: "p-2", Email: " A@Example.com "})
	})
	assert.ErrorIs(t, err, points.ErrDuplicateEmail)

	entry := points.LedgerEntry{ID: "e-1", ParticipantID: "p-1", Delta: 5, IdempotencyKey: "k"}
	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error { return tx.AppendEntry(ctx, entry) }))
	err = m.WithTx(ctx, func(tx points.Tx) error { return tx.AppendEntry(ctx, entry) })
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
}

func TestMemory_ReserveStock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	one := int64(1)
	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error {
		return tx.InsertReward(ctx, points.Reward{ID: "r-1", Title: "Mug", Cost: 10, Stock: &one, IsActive: true})
	}))

	require.NoError(t, m.WithTx(ctx, func(tx points.Tx) error { return tx.ReserveStock(ctx, "r-1") }))
	err := m.WithTx(ctx, func(tx points.Tx) error { return tx.ReserveStock(ctx, "r-1") })
	assert.ErrorIs(t, err, points.ErrOutOfStock)

	r, err := m.GetReward(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), *r.Stock)

	// The returned copy does not alias stored stock.
	*r.Stock = 99
	again, err := m.GetReward(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), *again.Stock)
}

func TestMemory_SyncRunsAndReset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, m.SaveSyncRun(ctx, points.SyncRun{
			ID: id, Kind: points.SyncFull, Status: points.SyncSuccess, StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, err := m.ListSyncRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)

	seedParticipant(t, m, "p-1", "a@example.com")
	require.NoError(t, m.Reset(ctx))

	all, err := m.ListSyncRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
	_, err = m.GetParticipant(ctx, "p-1")
	assert.ErrorIs(t, err, points.ErrParticipantNotFound)
}

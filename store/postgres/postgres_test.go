package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/postgres"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var fixedNow = time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return postgres.NewFromDB(db), mock
}

// sequentialIDs returns id-1, id-2, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newService(store points.TxStore, opts ...points.Option) *points.Service {
	opts = append([]points.Option{
		points.WithClock(func() time.Time { return fixedNow }),
		points.WithIDGenerator(sequentialIDs()),
	}, opts...)
	return points.NewService(store, opts...)
}

var participantCols = []string{"id", "name", "email", "status", "role", "external_id", "created_at", "updated_at"}
var rewardCols = []string{"id", "title", "description", "image_path", "category", "cost", "stock", "is_active", "created_at", "updated_at"}
var redemptionCols = []string{"id", "participant_id", "reward_id", "status", "cost_snapshot", "notes", "created_at", "updated_at"}

func participantRow(id, status string) *sqlmock.Rows {
	return sqlmock.NewRows(participantCols).
		AddRow(id, "Alice", "alice@example.com", status, "participant", nil, fixedNow, fixedNow)
}

func rewardRow(id string, cost int64, stock any, active bool) *sqlmock.Rows {
	return sqlmock.NewRows(rewardCols).
		AddRow(id, "Mug", "", "", "merch", cost, stock, active, fixedNow, fixedNow)
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

// =============================================================================
// CREATE REDEMPTION
// =============================================================================

func TestCreateRedemption_Success(t *testing.T) {
	// GIVEN: Active participant with 100 points, active reward costing 60, stock 3
	// WHEN: Creating a redemption
	// THEN: Lock participant, lock reward, read balance, reserve stock,
	//       append the debit and insert the request in one transaction

	store, mock := newMockStore(t)
	svc := newService(store)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM participants WHERE id = $1 FOR UPDATE")).
		WithArgs("p1").
		WillReturnRows(participantRow("p1", "active"))
	mock.ExpectQuery(q("FROM rewards WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(rewardRow("r1", 60, int64(3), true))
	mock.ExpectQuery(q("SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE participant_id = $1")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(100)))
	mock.ExpectExec(q("UPDATE rewards SET stock = stock - 1 WHERE id = $1 AND stock IS NOT NULL AND stock > 0")).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO ledger_entries")).
		WithArgs("id-2", "p1", int64(-60), "Redeemed: Mug", "redeem", "id-1", "redeem:id-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO redemptions")).
		WithArgs("id-1", "p1", "r1", "pending", int64(60), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req, err := svc.CreateRedemption(context.Background(), "p1", "r1")
	require.NoError(t, err)
	assert.Equal(t, points.RedemptionID("id-1"), req.ID)
	assert.Equal(t, points.Points(60), req.CostSnapshot)
	assert.Equal(t, points.RedemptionPending, req.Status)
}

func TestCreateRedemption_InsufficientBalance_RollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	svc := newService(store)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("p1").
		WillReturnRows(participantRow("p1", "active"))
	mock.ExpectQuery(q("FROM rewards WHERE id = $1 FOR UPDATE")).WithArgs("r1").
		WillReturnRows(rewardRow("r1", 60, nil, true))
	mock.ExpectQuery(q("SELECT COALESCE(SUM(delta), 0)")).WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(50)))
	mock.ExpectRollback()

	_, err := svc.CreateRedemption(context.Background(), "p1", "r1")
	var balErr *points.InsufficientBalanceError
	require.True(t, errors.As(err, &balErr))
	assert.Equal(t, points.Points(50), balErr.Available)
}

func TestCreateRedemption_OutOfStock(t *testing.T) {
	store, mock := newMockStore(t)
	svc := newService(store)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("p1").
		WillReturnRows(participantRow("p1", "active"))
	mock.ExpectQuery(q("FROM rewards WHERE id = $1 FOR UPDATE")).WithArgs("r1").
		WillReturnRows(rewardRow("r1", 60, int64(0), true))
	mock.ExpectQuery(q("SELECT COALESCE(SUM(delta), 0)")).WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(500)))
	mock.ExpectExec(q("UPDATE rewards SET stock = stock - 1")).WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT stock FROM rewards WHERE id = $1")).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(int64(0)))
	mock.ExpectRollback()

	_, err := svc.CreateRedemption(context.Background(), "p1", "r1")
	assert.ErrorIs(t, err, points.ErrOutOfStock)
}

func TestCreateRedemption_InactiveParticipant(t *testing.T) {
	store, mock := newMockStore(t)
	svc := newService(store)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("p1").
		WillReturnRows(participantRow("p1", "inactive"))
	mock.ExpectRollback()

	_, err := svc.CreateRedemption(context.Background(), "p1", "r1")
	assert.ErrorIs(t, err, points.ErrParticipantInactive)
}

func TestCreateRedemption_DeactivatedUnderLock(t *testing.T) {
	// GIVEN: The reward was deactivated by a transaction that committed
	//        before this one obtained the reward row lock
	// WHEN: Creating a redemption
	// THEN: The locked read sees the deactivation; nothing is debited

	store, mock := newMockStore(t)
	svc := newService(store)

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("p1").
		WillReturnRows(participantRow("p1", "active"))
	mock.ExpectQuery(q("FROM rewards WHERE id = $1 FOR UPDATE")).WithArgs("r1").
		WillReturnRows(rewardRow("r1", 60, int64(3), false))
	mock.ExpectRollback()

	_, err := svc.CreateRedemption(context.Background(), "p1", "r1")
	assert.ErrorIs(t, err, points.ErrRewardUnavailable)
}

// =============================================================================
// CATALOG UPDATE
// =============================================================================

func TestCatalogUpdate_LocksRewardBeforeWrite(t *testing.T) {
	// GIVEN: A reward whose stock a concurrent redemption just took to 0
	// WHEN: An operator changes only the title
	// THEN: The reward is read FOR UPDATE and the stock written back is the
	//       locked value, not an earlier snapshot

	store, mock := newMockStore(t)
	svc := newService(store)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id, title, description, image_path, category, cost, stock, is_active, created_at, updated_at FROM rewards WHERE id = $1 FOR UPDATE")).
		WithArgs("r1").
		WillReturnRows(rewardRow("r1", 60, int64(0), true))
	mock.ExpectExec(q("UPDATE rewards")).
		WithArgs("Big Mug", "", "", "merch", int64(60), int64(0), true, fixedNow, "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	title := "Big Mug"
	updated, err := svc.Catalog.Update(context.Background(), "r1", points.RewardUpdate{Title: &title})
	require.NoError(t, err)
	require.NotNil(t, updated.Stock)
	assert.Equal(t, int64(0), *updated.Stock)
}

func TestCatalogUpdate_LockWaitTimeoutIsRetried(t *testing.T) {
	store, mock := newMockStore(t)
	svc := newService(store, points.WithMaxAttempts(1))

	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM rewards WHERE id = $1 FOR UPDATE")).WithArgs("r1").
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	title := "Big Mug"
	_, err := svc.Catalog.Update(context.Background(), "r1", points.RewardUpdate{Title: &title})
	assert.ErrorIs(t, err, points.ErrConcurrencyConflict)
}

// =============================================================================
// CONFLICTS
// =============================================================================

func TestSerializationFailure_RetriedThenSurfaced(t *testing.T) {
	// GIVEN: Every attempt hits a serialization failure
	// WHEN: Creating a redemption with two attempts allowed
	// THEN: Both attempts roll back and ConcurrencyConflict surfaces

	store, mock := newMockStore(t)
	svc := newService(store, points.WithMaxAttempts(2))

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(q("FOR UPDATE")).WithArgs("p1").
			WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
		mock.ExpectRollback()
	}

	_, err := svc.CreateRedemption(context.Background(), "p1", "r1")
	assert.ErrorIs(t, err, points.ErrConcurrencyConflict)
	assert.ErrorIs(t, err, points.ErrConcurrentModification)
}

func TestUpdateRedemptionStatus_StaleStatus(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE redemptions SET status = $1, notes = $2, updated_at = $3")).
		WithArgs("approved", "", sqlmock.AnyArg(), "req-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FROM redemptions WHERE id = $1")).WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(redemptionCols).
			AddRow("req-1", "p1", "r1", "rejected", int64(60), "", fixedNow, fixedNow))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx points.Tx) error {
		return tx.UpdateRedemptionStatus(ctx, "req-1", points.RedemptionPending, points.RedemptionApproved, "", fixedNow)
	})
	assert.ErrorIs(t, err, points.ErrConcurrentModification)
}

func TestLockTimeout_SetPerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := postgres.NewWithLockTimeout(db, 2*time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(q("SET LOCAL lock_timeout = '2000ms'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.WithTx(context.Background(), func(points.Tx) error { return nil }))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =============================================================================
// CONSTRAINT MAPPING
// =============================================================================

func TestInsertParticipant_DuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	svc := newService(store)

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO participants")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "participants_email_key"})
	mock.ExpectRollback()

	_, err := svc.Participants.Provision(context.Background(), points.ProvisionInput{
		Name:  "Alice",
		Email: "alice@example.com",
	})
	assert.ErrorIs(t, err, points.ErrDuplicateEmail)
}

func TestAppendEntry_DuplicateKey(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO ledger_entries")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ledger_entries_idempotency_key_key"})
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx points.Tx) error {
		return tx.AppendEntry(ctx, points.LedgerEntry{
			ID: "e1", ParticipantID: "p1", Delta: 5, Reason: "r",
			Source: points.SourceManual, IdempotencyKey: "k", CreatedAt: fixedNow,
		})
	})
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
}

// =============================================================================
// READS
// =============================================================================

func TestListRedemptions_FilterPlaceholders(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM redemptions WHERE participant_id = $1 AND status = $2 ORDER BY created_at DESC, seq DESC")).
		WithArgs("p1", "pending").
		WillReturnRows(sqlmock.NewRows(redemptionCols).
			AddRow("req-2", "p1", "r1", "pending", int64(60), "", fixedNow, fixedNow).
			AddRow("req-1", "p1", "r1", "pending", int64(60), "", fixedNow, fixedNow))

	got, err := store.ListRedemptions(context.Background(), points.RedemptionFilter{
		ParticipantID: "p1",
		Status:        points.RedemptionPending,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, points.RedemptionID("req-2"), got[0].ID)
}

func TestGetReward_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM rewards WHERE id = $1")).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(rewardCols))

	_, err := store.GetReward(context.Background(), "nope")
	assert.ErrorIs(t, err, points.ErrRewardNotFound)
}

func TestGetReward_UnlimitedStock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("FROM rewards WHERE id = $1")).WithArgs("r1").
		WillReturnRows(rewardRow("r1", 10, nil, true))

	r, err := store.GetReward(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, r.Unlimited())
	assert.Equal(t, points.Points(10), r.Cost)
}

func TestBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(q("SELECT COALESCE(SUM(delta), 0) FROM ledger_entries")).WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(140)))

	b, err := store.Balance(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, points.Points(140), b)
}

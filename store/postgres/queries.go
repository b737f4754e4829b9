package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/points-engine/points"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs against either the pool or an open transaction.
type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

const participantColumns = `id, name, email, status, role, external_id, created_at, updated_at`

func (qs queries) GetParticipant(ctx context.Context, id points.ParticipantID) (*points.Participant, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, string(id))
	return scanParticipant(row)
}

func (qs queries) GetParticipantByEmail(ctx context.Context, email string) (*points.Participant, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE email = $1`, points.NormalizeEmail(email))
	return scanParticipant(row)
}

func (qs queries) ListParticipants(ctx context.Context) ([]points.Participant, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var result []points.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (qs queries) InsertParticipant(ctx context.Context, p points.Participant) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, string(p.ID), p.Name, points.NormalizeEmail(p.Email), string(p.Status), string(p.Role),
		nullString(p.ExternalID), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return mapError(err, "insert participant")
	}
	return nil
}

func (qs queries) UpdateParticipant(ctx context.Context, p points.Participant) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE participants
		SET name = $1, email = $2, status = $3, role = $4, external_id = $5, updated_at = $6
		WHERE id = $7
	`, p.Name, points.NormalizeEmail(p.Email), string(p.Status), string(p.Role),
		nullString(p.ExternalID), p.UpdatedAt.UTC(), string(p.ID))
	if err != nil {
		return mapError(err, "update participant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return points.ErrParticipantNotFound
	}
	return nil
}

func scanParticipant(row scanner) (*points.Participant, error) {
	var (
		p          points.Participant
		externalID sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Status, &p.Role, &externalID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	p.ExternalID = externalID.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// =============================================================================
// LEDGER
// =============================================================================

const entryColumns = `id, participant_id, delta, reason, source, reference_id, idempotency_key, created_at`

func (qs queries) Balance(ctx context.Context, id points.ParticipantID) (points.Points, error) {
	var total int64
	err := qs.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE participant_id = $1`, string(id),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return points.Points(total), nil
}

func (qs queries) History(ctx context.Context, id points.ParticipantID) ([]points.LedgerEntry, error) {
	return qs.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE participant_id = $1
		ORDER BY created_at DESC, seq DESC
	`, string(id))
}

func (qs queries) AllEntries(ctx context.Context) ([]points.LedgerEntry, error) {
	return qs.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		ORDER BY created_at DESC, seq DESC
	`)
}

func (qs queries) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := qs.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)`, idempotencyKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

// AppendEntry is the only statement that writes ledger_entries.
func (qs queries) AppendEntry(ctx context.Context, e points.LedgerEntry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, string(e.ID), string(e.ParticipantID), int64(e.Delta), e.Reason, string(e.Source),
		nullString(e.ReferenceID), nullString(e.IdempotencyKey), e.CreatedAt.UTC())
	if err != nil {
		return mapError(err, "append ledger entry")
	}
	return nil
}

func (qs queries) queryEntries(ctx context.Context, query string, args ...any) ([]points.LedgerEntry, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []points.LedgerEntry
	for rows.Next() {
		var (
			e              points.LedgerEntry
			delta          int64
			referenceID    sql.NullString
			idempotencyKey sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ParticipantID, &delta, &e.Reason, &e.Source,
			&referenceID, &idempotencyKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Delta = points.Points(delta)
		e.ReferenceID = referenceID.String
		e.IdempotencyKey = idempotencyKey.String
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// REWARDS
// =============================================================================

const rewardColumns = `id, title, description, image_path, category, cost, stock, is_active, created_at, updated_at`

func (qs queries) GetReward(ctx context.Context, id points.RewardID) (*points.Reward, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, string(id))
	return scanReward(row)
}

func (qs queries) ListRewards(ctx context.Context, activeOnly bool) ([]points.Reward, error) {
	query := `SELECT ` + rewardColumns + ` FROM rewards`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY cost ASC, title ASC, id ASC`

	rows, err := qs.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var result []points.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (qs queries) InsertReward(ctx context.Context, r points.Reward) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO rewards (`+rewardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, string(r.ID), r.Title, r.Description, r.ImagePath, r.Category, int64(r.Cost),
		nullStock(r.Stock), r.IsActive, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return mapError(err, "insert reward")
	}
	return nil
}

func (qs queries) UpdateReward(ctx context.Context, r points.Reward) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE rewards
		SET title = $1, description = $2, image_path = $3, category = $4, cost = $5,
		    stock = $6, is_active = $7, updated_at = $8
		WHERE id = $9
	`, r.Title, r.Description, r.ImagePath, r.Category, int64(r.Cost),
		nullStock(r.Stock), r.IsActive, r.UpdatedAt.UTC(), string(r.ID))
	if err != nil {
		return mapError(err, "update reward")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return points.ErrRewardNotFound
	}
	return nil
}

// ReserveStock decrements under the row lock the UPDATE takes. Concurrent
// reservations on the same reward queue on that lock and re-check stock.
func (qs queries) ReserveStock(ctx context.Context, id points.RewardID) error {
	res, err := qs.q.ExecContext(ctx,
		`UPDATE rewards SET stock = stock - 1 WHERE id = $1 AND stock IS NOT NULL AND stock > 0`, string(id))
	if err != nil {
		return mapError(err, "reserve stock")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: missing, unlimited, or empty.
	var stock sql.NullInt64
	err = qs.q.QueryRowContext(ctx, `SELECT stock FROM rewards WHERE id = $1`, string(id)).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return points.ErrRewardNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read stock: %w", err)
	}
	if !stock.Valid {
		return nil
	}
	return points.ErrOutOfStock
}

func (qs queries) ReleaseStock(ctx context.Context, id points.RewardID) error {
	res, err := qs.q.ExecContext(ctx,
		`UPDATE rewards SET stock = stock + 1 WHERE id = $1 AND stock IS NOT NULL`, string(id))
	if err != nil {
		return mapError(err, "release stock")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	err = qs.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rewards WHERE id = $1)`, string(id)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to read reward: %w", err)
	}
	if !exists {
		return points.ErrRewardNotFound
	}
	return nil
}

func scanReward(row scanner) (*points.Reward, error) {
	var (
		r     points.Reward
		cost  int64
		stock sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.ImagePath, &r.Category,
		&cost, &stock, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrRewardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reward: %w", err)
	}
	r.Cost = points.Points(cost)
	if stock.Valid {
		v := stock.Int64
		r.Stock = &v
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func nullStock(s *int64) sql.NullInt64 {
	if s == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *s, Valid: true}
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

const redemptionColumns = `id, participant_id, reward_id, status, cost_snapshot, notes, created_at, updated_at`

func (qs queries) GetRedemption(ctx context.Context, id points.RedemptionID) (*points.Redemption, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1`, string(id))
	return scanRedemption(row)
}

func (qs queries) ListRedemptions(ctx context.Context, filter points.RedemptionFilter) ([]points.Redemption, error) {
	var (
		where []string
		args  []any
	)
	if filter.ParticipantID != "" {
		args = append(args, string(filter.ParticipantID))
		where = append(where, fmt.Sprintf("participant_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + redemptionColumns + ` FROM redemptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var result []points.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (qs queries) InsertRedemption(ctx context.Context, r points.Redemption) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO redemptions (`+redemptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, string(r.ID), string(r.ParticipantID), string(r.RewardID), string(r.Status),
		int64(r.CostSnapshot), r.Notes, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return mapError(err, "insert redemption")
	}
	return nil
}

// UpdateRedemptionStatus only matches the row while it is still in from.
func (qs queries) UpdateRedemptionStatus(ctx context.Context, id points.RedemptionID, from, to points.RedemptionStatus, notes string, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE redemptions SET status = $1, notes = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`, string(to), notes, at.UTC(), string(id), string(from))
	if err != nil {
		return mapError(err, "update redemption")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := qs.GetRedemption(ctx, id); err != nil {
		return err
	}
	return points.ErrConcurrentModification
}

func scanRedemption(row scanner) (*points.Redemption, error) {
	var (
		r    points.Redemption
		cost int64
	)
	err := row.Scan(&r.ID, &r.ParticipantID, &r.RewardID, &r.Status, &cost, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrRedemptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan redemption: %w", err)
	}
	r.CostSnapshot = points.Points(cost)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

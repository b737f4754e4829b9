package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/points-engine/points"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL shared by the Store (reads) and txStore (reads
// and writes inside a transaction).
type queries struct {
	q querier
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

const participantColumns = `id, name, email, status, role, external_id, created_at, updated_at`

func (qs queries) GetParticipant(ctx context.Context, id points.ParticipantID) (*points.Participant, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	return scanParticipant(row)
}

func (qs queries) GetParticipantByEmail(ctx context.Context, email string) (*points.Participant, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE email = ?`, points.NormalizeEmail(email))
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, points.NormalizeEmail(p.Email), p.Status, p.Role,
		nullString(p.ExternalID), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return mapError(err, "insert participant")
	}
	return nil
}

func (qs queries) UpdateParticipant(ctx context.Context, p points.Participant) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE participants
		SET name = ?, email = ?, status = ?, role = ?, external_id = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, points.NormalizeEmail(p.Email), p.Status, p.Role,
		nullString(p.ExternalID), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return mapError(err, "update participant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return points.ErrParticipantNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row scanner) (*points.Participant, error) {
	var (
		p          points.Participant
		externalID sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Status, &p.Role, &externalID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	p.ExternalID = externalID.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// =============================================================================
// LEDGER
// =============================================================================

const entryColumns = `id, participant_id, delta, reason, source, reference_id, idempotency_key, created_at`

func (qs queries) Balance(ctx context.Context, id points.ParticipantID) (points.Points, error) {
	var total int64
	err := qs.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE participant_id = ?`, id,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return points.Points(total), nil
}

func (qs queries) History(ctx context.Context, id points.ParticipantID) ([]points.LedgerEntry, error) {
	return qs.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE participant_id = ?
		ORDER BY created_at DESC, seq DESC
	`, id)
}

func (qs queries) AllEntries(ctx context.Context) ([]points.LedgerEntry, error) {
	return qs.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		ORDER BY created_at DESC, seq DESC
	`)
}

func (qs queries) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return count > 0, nil
}

// AppendEntry is the only statement that writes ledger_entries.
func (qs queries) AppendEntry(ctx context.Context, e points.LedgerEntry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ParticipantID, int64(e.Delta), e.Reason, e.Source,
		nullString(e.ReferenceID), nullString(e.IdempotencyKey), formatTime(e.CreatedAt))
	if err != nil {
		if isForeignKeyError(err) {
			return points.ErrParticipantNotFound
		}
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
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &e.ParticipantID, &delta, &e.Reason, &e.Source,
			&referenceID, &idempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Delta = points.Points(delta)
		e.ReferenceID = referenceID.String
		e.IdempotencyKey = idempotencyKey.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// REWARDS
// =============================================================================

const rewardColumns = `id, title, description, image_path, category, cost, stock, is_active, created_at, updated_at`

func (qs queries) GetReward(ctx context.Context, id points.RewardID) (*points.Reward, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, id)
	return scanReward(row)
}

func (qs queries) ListRewards(ctx context.Context, activeOnly bool) ([]points.Reward, error) {
	query := `SELECT ` + rewardColumns + ` FROM rewards`
	if activeOnly {
		query += ` WHERE is_active = 1`
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Title, r.Description, r.ImagePath, r.Category, int64(r.Cost),
		nullStock(r.Stock), r.IsActive, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return mapError(err, "insert reward")
	}
	return nil
}

func (qs queries) UpdateReward(ctx context.Context, r points.Reward) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE rewards
		SET title = ?, description = ?, image_path = ?, category = ?, cost = ?,
		    stock = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, r.Title, r.Description, r.ImagePath, r.Category, int64(r.Cost),
		nullStock(r.Stock), r.IsActive, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return mapError(err, "update reward")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return points.ErrRewardNotFound
	}
	return nil
}

// ReserveStock decrements with a conditional update so the check and the
// write are one statement.
func (qs queries) ReserveStock(ctx context.Context, id points.RewardID) error {
	res, err := qs.q.ExecContext(ctx,
		`UPDATE rewards SET stock = stock - 1 WHERE id = ? AND stock IS NOT NULL AND stock > 0`, id)
	if err != nil {
		return mapError(err, "reserve stock")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing updated: missing, unlimited, or empty.
	var stock sql.NullInt64
	err = qs.q.QueryRowContext(ctx, `SELECT stock FROM rewards WHERE id = ?`, id).Scan(&stock)
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
		`UPDATE rewards SET stock = stock + 1 WHERE id = ? AND stock IS NOT NULL`, id)
	if err != nil {
		return mapError(err, "release stock")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	err = qs.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM rewards WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to read reward: %w", err)
	}
	if exists == 0 {
		return points.ErrRewardNotFound
	}
	return nil
}

func scanReward(row scanner) (*points.Reward, error) {
	var (
		r         points.Reward
		cost      int64
		stock     sql.NullInt64
		createdAt string
		updatedAt string
	)
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.ImagePath, &r.Category,
		&cost, &stock, &r.IsActive, &createdAt, &updatedAt)
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
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
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
		`SELECT `+redemptionColumns+` FROM redemptions WHERE id = ?`, id)
	return scanRedemption(row)
}

func (qs queries) ListRedemptions(ctx context.Context, filter points.RedemptionFilter) ([]points.Redemption, error) {
	var (
		where []string
		args  []any
	)
	if filter.ParticipantID != "" {
		where = append(where, "participant_id = ?")
		args = append(args, filter.ParticipantID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ParticipantID, r.RewardID, r.Status, int64(r.CostSnapshot), r.Notes,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return mapError(err, "insert redemption")
	}
	return nil
}

// UpdateRedemptionStatus only matches the row while it is still in from.
func (qs queries) UpdateRedemptionStatus(ctx context.Context, id points.RedemptionID, from, to points.RedemptionStatus, notes string, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE redemptions SET status = ?, notes = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, notes, formatTime(at), id, from)
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
		r         points.Redemption
		cost      int64
		createdAt string
		updatedAt string
	)
	err := row.Scan(&r.ID, &r.ParticipantID, &r.RewardID, &r.Status, &cost, &r.Notes, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, points.ErrRedemptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan redemption: %w", err)
	}
	r.CostSnapshot = points.Points(cost)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

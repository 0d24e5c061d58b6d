package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"groupsave/internal/core"
)

const contributionColumns = `id, group_id, member_id, user_id, amount_cents, method, description,
	proof_ref, status, confirmed_by, confirmed_at, rejection_reason, created_at`

func scanContribution(row rowScanner) (core.GroupContribution, error) {
	var (
		c           core.GroupContribution
		confirmedAt sql.NullInt64
		createdAt   int64
	)
	err := row.Scan(&c.ID, &c.GroupID, &c.MemberID, &c.UserID, &c.Amount.Cents, &c.Method,
		&c.Description, &c.ProofRef, &c.Status, &c.ConfirmedBy, &confirmedAt, &c.RejectionReason,
		&createdAt)
	if err != nil {
		return core.GroupContribution{}, err
	}
	c.ConfirmedAt = fromNullNanos(confirmedAt)
	c.CreatedAt = fromNanos(createdAt)
	return c, nil
}

func (q *queries) CreateContribution(ctx context.Context, c core.GroupContribution) error {
	_, err := q.exec(ctx, `INSERT INTO group_contributions (`+contributionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.GroupID, c.MemberID, c.UserID, c.Amount.Cents, string(c.Method), c.Description,
		c.ProofRef, string(c.Status), c.ConfirmedBy, toNullNanos(c.ConfirmedAt), c.RejectionReason,
		toNanos(c.CreatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert contribution: %w", err)
	}
	return nil
}

func (q *queries) GetContribution(ctx context.Context, id string) (core.GroupContribution, error) {
	c, err := scanContribution(q.queryRow(ctx,
		`SELECT `+contributionColumns+` FROM group_contributions WHERE id = ?`, id))
	if err != nil {
		return core.GroupContribution{}, notFound(err)
	}
	return c, nil
}

func (q *queries) ListContributions(ctx context.Context, groupID string, status core.ContributionStatus) ([]core.GroupContribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM group_contributions WHERE group_id = ?`
	args := []any{groupID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	defer rows.Close()

	var out []core.GroupContribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) ResolveContribution(ctx context.Context, id string, to core.ContributionStatus, by, reason string, at time.Time) (bool, error) {
	moved, err := q.execMoved(ctx, `UPDATE group_contributions
		SET status = ?, confirmed_by = ?, confirmed_at = ?, rejection_reason = ?
		WHERE id = ? AND status = 'pending'`,
		string(to), by, toNanos(at), reason, id)
	if err != nil {
		return false, fmt.Errorf("resolve contribution: %w", err)
	}
	return moved, nil
}

func (q *queries) SumConfirmed(ctx context.Context, groupID string) (ConfirmedTotals, error) {
	totals := ConfirmedTotals{ByMember: make(map[string]int64)}
	rows, err := q.query(ctx, `SELECT member_id, CAST(SUM(amount_cents) AS BIGINT) FROM group_contributions
		WHERE group_id = ? AND status = 'confirmed'
		GROUP BY member_id`, groupID)
	if err != nil {
		return totals, fmt.Errorf("sum confirmed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			memberID string
			sum      int64
		)
		if err := rows.Scan(&memberID, &sum); err != nil {
			return totals, fmt.Errorf("scan sum: %w", err)
		}
		totals.ByMember[memberID] = sum
		totals.Group += sum
	}
	return totals, rows.Err()
}

func (q *queries) CountPending(ctx context.Context, groupID string) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM group_contributions
		WHERE group_id = ? AND status = 'pending'`, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (q *queries) HasContributionSince(ctx context.Context, memberID string, since time.Time) (bool, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM group_contributions
		WHERE member_id = ? AND status <> 'rejected' AND created_at >= ?`,
		memberID, toNanos(since)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check contributions: %w", err)
	}
	return n > 0, nil
}

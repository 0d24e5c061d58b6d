package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"groupsave/internal/core"
)

const groupColumns = `id, name, description, target_amount_cents, current_amount_cents, is_public,
	status, deadline, min_amount_cents, frequency, due_day, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (core.SavingsGroup, error) {
	var (
		g                    core.SavingsGroup
		deadline             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.TargetAmount.Cents, &g.CurrentAmount.Cents,
		&g.IsPublic, &g.Status, &deadline, &g.Rules.MinAmount.Cents, &g.Rules.Frequency,
		&g.Rules.DueDay, &g.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return core.SavingsGroup{}, err
	}
	g.Deadline = fromNullNanos(deadline)
	g.CreatedAt = fromNanos(createdAt)
	g.UpdatedAt = fromNanos(updatedAt)
	return g, nil
}

func (q *queries) CreateGroup(ctx context.Context, g core.SavingsGroup) error {
	_, err := q.exec(ctx, `INSERT INTO savings_groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.TargetAmount.Cents, g.CurrentAmount.Cents, g.IsPublic,
		string(g.Status), toNullNanos(g.Deadline), g.Rules.MinAmount.Cents, string(g.Rules.Frequency),
		g.Rules.DueDay, g.CreatedBy, toNanos(g.CreatedAt), toNanos(g.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (q *queries) GetGroup(ctx context.Context, id string) (core.SavingsGroup, error) {
	g, err := scanGroup(q.queryRow(ctx, `SELECT `+groupColumns+` FROM savings_groups WHERE id = ?`, id))
	if err != nil {
		return core.SavingsGroup{}, notFound(err)
	}
	return g, nil
}

func (q *queries) listGroups(ctx context.Context, query string, args ...any) ([]core.SavingsGroup, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []core.SavingsGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (q *queries) ListGroupsForUser(ctx context.Context, userID string) ([]core.SavingsGroup, error) {
	return q.listGroups(ctx, `SELECT `+prefixed("g", groupColumns)+`
		FROM savings_groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = ? AND m.status = 'active'
		ORDER BY g.created_at DESC`, userID)
}

func (q *queries) ListPublicGroups(ctx context.Context, limit int) ([]core.SavingsGroup, error) {
	return q.listGroups(ctx, `SELECT `+groupColumns+` FROM savings_groups
		WHERE is_public = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT ?`, true, limit)
}

func (q *queries) ListScheduledGroups(ctx context.Context) ([]core.SavingsGroup, error) {
	return q.listGroups(ctx, `SELECT `+groupColumns+` FROM savings_groups
		WHERE status = 'active' AND frequency <> 'flexible'
		ORDER BY created_at`)
}

func (q *queries) UpdateGroupRules(ctx context.Context, id string, rules core.ContributionRules, at time.Time) error {
	err := q.execOne(ctx, `UPDATE savings_groups
		SET min_amount_cents = ?, frequency = ?, due_day = ?, updated_at = ?
		WHERE id = ?`,
		rules.MinAmount.Cents, string(rules.Frequency), rules.DueDay, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("update group rules: %w", err)
	}
	return nil
}

func (q *queries) UpdateGroupStatus(ctx context.Context, id string, from, to core.GroupStatus, at time.Time) (bool, error) {
	moved, err := q.execMoved(ctx, `UPDATE savings_groups SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`, string(to), toNanos(at), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update group status: %w", err)
	}
	return moved, nil
}

func (q *queries) AddToGroupTotal(ctx context.Context, id string, delta int64, at time.Time) (int64, error) {
	var total int64
	err := q.queryRow(ctx, `UPDATE savings_groups
		SET current_amount_cents = current_amount_cents + ?, updated_at = ?
		WHERE id = ?
		RETURNING current_amount_cents`, delta, toNanos(at), id).Scan(&total)
	if err != nil {
		return 0, notFound(err)
	}
	return total, nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"groupsave/internal/core"
)

const memberColumns = `id, group_id, user_id, name, email, role, status, total_contributed_cents,
	joined_at, updated_at, last_reminded_at`

func scanMember(row rowScanner) (core.GroupMember, error) {
	var (
		m                   core.GroupMember
		joinedAt, updatedAt int64
		remindedAt          sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Name, &m.Email, &m.Role, &m.Status,
		&m.TotalContributed.Cents, &joinedAt, &updatedAt, &remindedAt)
	if err != nil {
		return core.GroupMember{}, err
	}
	m.JoinedAt = fromNanos(joinedAt)
	m.UpdatedAt = fromNanos(updatedAt)
	m.LastRemindedAt = fromNullNanos(remindedAt)
	return m, nil
}

func (q *queries) InsertMember(ctx context.Context, m core.GroupMember) error {
	_, err := q.exec(ctx, `INSERT INTO group_members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GroupID, m.UserID, m.Name, m.Email, string(m.Role), string(m.Status),
		m.TotalContributed.Cents, toNanos(m.JoinedAt), toNanos(m.UpdatedAt), toNullNanos(m.LastRemindedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (q *queries) GetMember(ctx context.Context, groupID, userID string) (core.GroupMember, error) {
	m, err := scanMember(q.queryRow(ctx, `SELECT `+memberColumns+` FROM group_members
		WHERE group_id = ? AND user_id = ?`, groupID, userID))
	if err != nil {
		return core.GroupMember{}, notFound(err)
	}
	return m, nil
}

func (q *queries) GetMemberByID(ctx context.Context, id string) (core.GroupMember, error) {
	m, err := scanMember(q.queryRow(ctx, `SELECT `+memberColumns+` FROM group_members WHERE id = ?`, id))
	if err != nil {
		return core.GroupMember{}, notFound(err)
	}
	return m, nil
}

func (q *queries) ListMembers(ctx context.Context, groupID string, status core.MemberStatus) ([]core.GroupMember, error) {
	query := `SELECT ` + memberColumns + ` FROM group_members WHERE group_id = ?`
	args := []any{groupID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY joined_at, id`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []core.GroupMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *queries) CountActiveMembers(ctx context.Context, groupID string) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM group_members WHERE group_id = ? AND status = 'active'`,
		groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (q *queries) UpdateMembership(ctx context.Context, id string, role core.Role, status core.MemberStatus, at time.Time) error {
	err := q.execOne(ctx, `UPDATE group_members SET role = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(role), string(status), toNanos(at), id)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	return nil
}

func (q *queries) AddToMemberTotal(ctx context.Context, id string, delta int64, at time.Time) (int64, error) {
	var total int64
	err := q.queryRow(ctx, `UPDATE group_members
		SET total_contributed_cents = total_contributed_cents + ?, updated_at = ?
		WHERE id = ?
		RETURNING total_contributed_cents`, delta, toNanos(at), id).Scan(&total)
	if err != nil {
		return 0, notFound(err)
	}
	return total, nil
}

func (q *queries) SetLastReminded(ctx context.Context, id string, at time.Time) error {
	err := q.execOne(ctx, `UPDATE group_members SET last_reminded_at = ? WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("set last reminded: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"groupsave/internal/core"
)

const invitationColumns = `id, group_id, token, invited_by, message, status, created_at, expires_at,
	resolved_by, resolved_at`

func scanInvitation(row rowScanner) (core.GroupInvitation, error) {
	var (
		inv                  core.GroupInvitation
		createdAt, expiresAt int64
		resolvedAt           sql.NullInt64
	)
	err := row.Scan(&inv.ID, &inv.GroupID, &inv.Token, &inv.InvitedBy, &inv.Message, &inv.Status,
		&createdAt, &expiresAt, &inv.ResolvedBy, &resolvedAt)
	if err != nil {
		return core.GroupInvitation{}, err
	}
	inv.CreatedAt = fromNanos(createdAt)
	inv.ExpiresAt = fromNanos(expiresAt)
	inv.ResolvedAt = fromNullNanos(resolvedAt)
	return inv, nil
}

func (q *queries) CreateInvitation(ctx context.Context, inv core.GroupInvitation) error {
	_, err := q.exec(ctx, `INSERT INTO group_invitations (`+invitationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.GroupID, inv.Token, inv.InvitedBy, inv.Message, string(inv.Status),
		toNanos(inv.CreatedAt), toNanos(inv.ExpiresAt), inv.ResolvedBy, toNullNanos(inv.ResolvedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (q *queries) GetInvitationByToken(ctx context.Context, token string) (core.GroupInvitation, error) {
	inv, err := scanInvitation(q.queryRow(ctx,
		`SELECT `+invitationColumns+` FROM group_invitations WHERE token = ?`, token))
	if err != nil {
		return core.GroupInvitation{}, notFound(err)
	}
	return inv, nil
}

func (q *queries) ListInvitations(ctx context.Context, groupID string) ([]core.GroupInvitation, error) {
	rows, err := q.query(ctx, `SELECT `+invitationColumns+` FROM group_invitations
		WHERE group_id = ? ORDER BY created_at DESC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query invitations: %w", err)
	}
	defer rows.Close()

	var out []core.GroupInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (q *queries) ResolveInvitation(ctx context.Context, id string, to core.InvitationStatus, by string, at time.Time) (bool, error) {
	moved, err := q.execMoved(ctx, `UPDATE group_invitations
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at >= ?`,
		string(to), by, toNanos(at), id, toNanos(at))
	if err != nil {
		return false, fmt.Errorf("resolve invitation: %w", err)
	}
	return moved, nil
}

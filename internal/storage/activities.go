package storage

import (
	"context"
	"fmt"

	"groupsave/internal/core"
)

func (q *queries) AppendActivity(ctx context.Context, a core.GroupActivity) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}
	_, err = q.exec(ctx, `INSERT INTO group_activities
		(id, group_id, type, user_id, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.GroupID, string(a.Type), a.UserID, a.Description, meta, toNanos(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (q *queries) ListActivity(ctx context.Context, groupID string, limit int) ([]core.GroupActivity, error) {
	rows, err := q.query(ctx, `SELECT id, group_id, type, user_id, description, metadata, created_at
		FROM group_activities
		WHERE group_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []core.GroupActivity
	for rows.Next() {
		var (
			a         core.GroupActivity
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.GroupID, &a.Type, &a.UserID, &a.Description, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if a.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("decode activity metadata: %w", err)
		}
		a.CreatedAt = fromNanos(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

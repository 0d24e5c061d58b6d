package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (q *queries) EnqueueOutbox(ctx context.Context, e OutboxEvent) error {
	status := e.Status
	if status == "" {
		status = OutboxPending
	}
	_, err := q.exec(ctx, `INSERT INTO outbox_events
		(id, event_type, payload, status, attempts, last_error, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, string(e.Payload), status, e.Attempts, e.LastError, toNanos(e.CreatedAt),
		toNullNanos(e.PublishedAt))
	if err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}

func (q *queries) PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := q.query(ctx, `SELECT id, event_type, payload, status, attempts, last_error, created_at, published_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var (
			e           OutboxEvent
			payload     string
			createdAt   int64
			publishedAt sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Type, &payload, &e.Status, &e.Attempts, &e.LastError,
			&createdAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = fromNanos(createdAt)
		e.PublishedAt = fromNullNanos(publishedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *queries) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	err := q.execOne(ctx, `UPDATE outbox_events SET status = 'published', published_at = ?, last_error = ''
		WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func (q *queries) MarkOutboxFailed(ctx context.Context, id, reason string, maxAttempts int) error {
	err := q.execOne(ctx, `UPDATE outbox_events
		SET attempts = attempts + 1,
			last_error = ?,
			status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END
		WHERE id = ?`, reason, maxAttempts, id)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (q *queries) CleanupOutbox(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM outbox_events WHERE status = 'published' AND published_at < ?`,
		toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return res.RowsAffected()
}

func (q *queries) RetryFailedOutbox(ctx context.Context) (int64, error) {
	res, err := q.exec(ctx, `UPDATE outbox_events SET status = 'pending', attempts = 0 WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("retry failed outbox: %w", err)
	}
	return res.RowsAffected()
}

func (q *queries) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var stats OutboxStats
	rows, err := q.query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch status {
		case OutboxPending:
			stats.Pending = n
		case OutboxPublished:
			stats.Published = n
		case OutboxFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

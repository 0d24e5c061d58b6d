package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"groupsave/internal/amqp"
	"groupsave/internal/core"
	"groupsave/internal/storage"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 200
)

// ActivityLog is the append-only history of a group. Entries are written in
// the transaction of the change they describe, together with an outbox row
// that the outbox processor later publishes when a publisher is configured.
type ActivityLog struct {
	*deps
}

func (l *ActivityLog) append(ctx context.Context, st storage.Stores, groupID string, typ core.ActivityType, userID, description string, meta map[string]string) (core.GroupActivity, error) {
	a := core.GroupActivity{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		Type:        typ,
		UserID:      userID,
		Description: description,
		Metadata:    meta,
		CreatedAt:   l.now(),
	}
	if err := st.Activities().AppendActivity(ctx, a); err != nil {
		return a, fmt.Errorf("append activity: %w", err)
	}

	if l.publisher == nil {
		return a, nil
	}

	payload, err := json.Marshal(amqp.NewActivityMessage(a))
	if err != nil {
		return a, fmt.Errorf("marshal activity: %w", err)
	}
	if err := st.Outbox().EnqueueOutbox(ctx, storage.OutboxEvent{
		ID:        a.ID,
		Type:      amqp.TypeActivityRecorded,
		Payload:   payload,
		CreatedAt: a.CreatedAt,
	}); err != nil {
		return a, fmt.Errorf("enqueue activity: %w", err)
	}
	return a, nil
}

// List returns the newest entries first. Members can read the history of
// their groups and anyone can read the history of a public group.
func (l *ActivityLog) List(ctx context.Context, actor core.Actor, groupID string, limit int) (out []core.GroupActivity, err error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	limit = min(limit, maxActivityLimit)

	g, err := loadGroup(ctx, l.store, groupID)
	if err != nil {
		return nil, err
	}
	if !g.IsPublic {
		if _, err := requireRole(ctx, l.store, groupID, actor.UserID, core.RoleMember); err != nil {
			return nil, err
		}
	}

	out, err = l.store.Activities().ListActivity(ctx, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return out, nil
}

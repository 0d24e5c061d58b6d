// Package worker consumes group events from the broker: activity entries are
// exported to the dashboard sheet and notifications are handed to a Deliverer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"groupsave/internal/amqp"
	"groupsave/internal/cache"
	"groupsave/internal/core"
	"groupsave/internal/sheets"
)

const (
	seenCacheSize = 10000
	seenCacheTTL  = 24 * time.Hour
)

// Consumer is the subscription side of the broker. *amqp.Client implements it.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, *amqp.Envelope) error) error
}

// Recorder receives consume outcomes. *metrics.Metrics implements it.
type Recorder interface {
	MessageConsumed(msgType string, err error)
}

type nopRecorder struct{}

func (nopRecorder) MessageConsumed(string, error) {}

// Dispatcher routes envelopes by type.
type Dispatcher struct {
	exporter  sheets.ActivityExporter
	deliverer Deliverer
	metrics   Recorder
	// seen holds envelope ids already handled; redeliveries are acked
	// without side effects.
	seen *cache.LRUCache[struct{}]
}

func NewDispatcher(exporter sheets.ActivityExporter, deliverer Deliverer, metrics Recorder) *Dispatcher {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if deliverer == nil {
		deliverer = LogDeliverer{}
	}
	return &Dispatcher{
		exporter:  exporter,
		deliverer: deliverer,
		metrics:   metrics,
		seen:      cache.NewLRUCache[struct{}](seenCacheSize, seenCacheTTL),
	}
}

// Run consumes until ctx is cancelled. A cancelled context is not an error.
func (d *Dispatcher) Run(ctx context.Context, consumer Consumer) error {
	err := consumer.Consume(ctx, d.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one envelope. Errors wrapping amqp.ErrDiscard drop the
// message; any other error asks for a redelivery.
func (d *Dispatcher) Handle(ctx context.Context, env *amqp.Envelope) (err error) {
	defer func() { d.metrics.MessageConsumed(env.Type, err) }()

	if _, dup := d.seen.Get(env.ID); dup {
		slog.DebugContext(ctx, "Skipping duplicate message", "id", env.ID, "type", env.Type)
		return nil
	}

	switch env.Type {
	case amqp.TypeActivityRecorded:
		err = d.handleActivity(ctx, env)
	case amqp.TypeInvitationCreated:
		var msg amqp.InvitationMessage
		if err = decode(env, &msg); err == nil {
			err = d.deliverer.DeliverInvitation(ctx, msg)
		}
	case amqp.TypeContributionReminder:
		var msg amqp.ReminderMessage
		if err = decode(env, &msg); err == nil {
			err = d.deliverer.DeliverReminder(ctx, msg)
		}
	default:
		err = fmt.Errorf("%w: unknown message type %q", amqp.ErrDiscard, env.Type)
	}

	if err == nil {
		d.seen.Set(env.ID, struct{}{})
	}
	return err
}

func (d *Dispatcher) handleActivity(ctx context.Context, env *amqp.Envelope) error {
	var msg amqp.ActivityMessage
	if err := decode(env, &msg); err != nil {
		return err
	}
	if d.exporter == nil {
		return nil
	}

	a := core.GroupActivity{
		ID:          msg.ActivityID,
		GroupID:     msg.GroupID,
		Type:        msg.Type,
		UserID:      msg.UserID,
		Description: msg.Description,
		Metadata:    msg.Metadata,
		CreatedAt:   msg.CreatedAt,
	}
	ref, err := d.exporter.ExportActivity(ctx, a)
	if err != nil {
		return fmt.Errorf("export activity %s: %w", a.ID, err)
	}

	slog.InfoContext(ctx, "Exported activity",
		"activity_id", a.ID,
		"group_id", a.GroupID,
		"type", a.Type,
		"sheets_ref", ref)
	return nil
}

// decode marks malformed payloads as discardable; a redelivery cannot fix them.
func decode(env *amqp.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", amqp.ErrDiscard, err)
	}
	return nil
}

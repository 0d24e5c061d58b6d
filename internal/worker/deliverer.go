package worker

import (
	"context"
	"log/slog"

	"groupsave/internal/amqp"
)

// Deliverer sends notifications to people. Email and push channels plug in here.
type Deliverer interface {
	DeliverInvitation(ctx context.Context, msg amqp.InvitationMessage) error
	DeliverReminder(ctx context.Context, msg amqp.ReminderMessage) error
}

// LogDeliverer writes notifications to the log.
type LogDeliverer struct {
	Logger *slog.Logger
}

func (d LogDeliverer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d LogDeliverer) DeliverInvitation(ctx context.Context, msg amqp.InvitationMessage) error {
	d.logger().InfoContext(ctx, "Invitation ready to share",
		"group_id", msg.GroupID,
		"group_name", msg.GroupName,
		"invitation_id", msg.InvitationID,
		"invited_by", msg.InvitedBy,
		"join_url", msg.JoinURL,
		"expires_at", msg.ExpiresAt)
	return nil
}

func (d LogDeliverer) DeliverReminder(ctx context.Context, msg amqp.ReminderMessage) error {
	d.logger().InfoContext(ctx, "Contribution reminder",
		"group_id", msg.GroupID,
		"group_name", msg.GroupName,
		"user_id", msg.UserID,
		"email", msg.Email,
		"frequency", msg.Frequency,
		"min_amount", msg.MinAmount.String(),
		"period_start", msg.PeriodStart)
	return nil
}

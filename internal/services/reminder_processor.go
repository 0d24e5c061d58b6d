package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"groupsave/internal/amqp"
	"groupsave/internal/core"
	"groupsave/internal/storage"
)

// ReminderProcessor nudges members of scheduled groups who have not
// contributed in the current period.
type ReminderProcessor struct {
	store     storage.Stores
	publisher Publisher
	metrics   Recorder
}

func NewReminderProcessor(store storage.Stores, publisher Publisher, metrics Recorder) *ReminderProcessor {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &ReminderProcessor{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
	}
}

// ProcessDueReminders sends every reminder that is due at now and returns
// how many were sent. Failures on one member are logged and do not stop the run.
func (p *ReminderProcessor) ProcessDueReminders(ctx context.Context, now time.Time) (int, error) {
	if p.store == nil || p.publisher == nil {
		return 0, fmt.Errorf("reminder processor not properly initialized")
	}
	now = now.UTC()

	groups, err := p.store.Groups().ListScheduledGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("list scheduled groups: %w", err)
	}

	slog.InfoContext(ctx, "Processing contribution reminders",
		"groups", len(groups),
		"processing_date", now.Format("2006-01-02"))

	sent := 0
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, err := p.processGroup(ctx, g, now)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to process group reminders",
				"group_id", g.ID,
				"error", err)
		}
		sent += n
	}

	slog.InfoContext(ctx, "Contribution reminder processing complete",
		"sent", sent,
		"groups_checked", len(groups))

	return sent, nil
}

func (p *ReminderProcessor) processGroup(ctx context.Context, g core.SavingsGroup, now time.Time) (int, error) {
	checker, err := GetDuenessChecker(g.Rules.Frequency)
	if err != nil {
		return 0, err
	}
	periodStart := checker.PeriodStart(now, g.Rules)

	members, err := p.store.Members().ListMembers(ctx, g.ID, core.MemberActive)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}

	sent := 0
	for _, m := range members {
		// Members who joined during the current period get a full period first.
		if m.JoinedAt.After(periodStart) {
			continue
		}
		var last time.Time
		if m.LastRemindedAt != nil {
			last = *m.LastRemindedAt
		}
		if !checker.IsDue(last, now, g.Rules) {
			continue
		}
		contributed, err := p.store.Contributions().HasContributionSince(ctx, m.ID, periodStart)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to check member contributions",
				"member_id", m.ID, "error", err)
			continue
		}
		if contributed {
			continue
		}

		env, err := amqp.NewEnvelope(amqp.TypeContributionReminder, amqp.ReminderMessage{
			GroupID:     g.ID,
			GroupName:   g.Name,
			MemberID:    m.ID,
			UserID:      m.UserID,
			Name:        m.Name,
			Email:       m.Email,
			Frequency:   g.Rules.Frequency,
			MinAmount:   g.Rules.MinAmount,
			PeriodStart: periodStart,
		})
		if err != nil {
			return sent, err
		}
		if err := p.publisher.Publish(ctx, env); err != nil {
			slog.ErrorContext(ctx, "Failed to publish contribution reminder",
				"group_id", g.ID,
				"member_id", m.ID,
				"error", err)
			continue
		}

		if err := p.store.Members().SetLastReminded(ctx, m.ID, now); err != nil {
			slog.ErrorContext(ctx, "Failed to record reminder time",
				"member_id", m.ID,
				"error", err)
			// Continue anyway - the reminder was sent
		}

		sent++
		p.metrics.ReminderSent()
		slog.InfoContext(ctx, "Sent contribution reminder",
			"group_id", g.ID,
			"member_id", m.ID,
			"frequency", g.Rules.Frequency)
	}
	return sent, nil
}

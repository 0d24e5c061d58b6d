package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"groupsave/internal/core"
	"groupsave/internal/storage"
)

// Ledger keeps group and member totals equal to the sum of confirmed
// contributions. Totals are only ever changed by Apply.
type Ledger struct {
	*deps
	activity *ActivityLog
}

// Apply adds a freshly confirmed contribution to the group and member totals
// inside the confirming transaction, and completes the group when the target
// is reached. Any inconsistency is an integrity error that rolls the whole
// transaction back.
func (l *Ledger) Apply(ctx context.Context, tx storage.Stores, c core.GroupContribution) (core.SavingsGroup, error) {
	if c.Status != core.ContributionConfirmed {
		return core.SavingsGroup{}, core.Integrityf("ledger apply on %s contribution %s", c.Status, c.ID)
	}
	if c.Amount.Cents <= 0 {
		return core.SavingsGroup{}, core.Integrityf("ledger apply with non-positive amount on contribution %s", c.ID)
	}
	now := l.now()

	total, err := tx.Groups().AddToGroupTotal(ctx, c.GroupID, c.Amount.Cents, now)
	if errors.Is(err, storage.ErrNotFound) {
		return core.SavingsGroup{}, core.Integrityf("contribution %s references missing group %s", c.ID, c.GroupID)
	}
	if err != nil {
		return core.SavingsGroup{}, fmt.Errorf("update group total: %w", err)
	}
	if total < 0 {
		return core.SavingsGroup{}, core.Integrityf("group %s total went negative (%d)", c.GroupID, total)
	}

	memberTotal, err := tx.Members().AddToMemberTotal(ctx, c.MemberID, c.Amount.Cents, now)
	if errors.Is(err, storage.ErrNotFound) {
		return core.SavingsGroup{}, core.Integrityf("contribution %s references missing member %s", c.ID, c.MemberID)
	}
	if err != nil {
		return core.SavingsGroup{}, fmt.Errorf("update member total: %w", err)
	}
	if memberTotal < 0 {
		return core.SavingsGroup{}, core.Integrityf("member %s total went negative (%d)", c.MemberID, memberTotal)
	}

	g, err := loadGroup(ctx, tx, c.GroupID)
	if err != nil {
		return g, err
	}
	if g.CurrentAmount.Cents != total {
		return g, core.Integrityf("group %s total reads %d after update to %d", g.ID, g.CurrentAmount.Cents, total)
	}

	if g.Status == core.GroupActive && total >= g.TargetAmount.Cents {
		moved, err := tx.Groups().UpdateGroupStatus(ctx, g.ID, core.GroupActive, core.GroupCompleted, now)
		if err != nil {
			return g, fmt.Errorf("complete group: %w", err)
		}
		if moved {
			g.Status = core.GroupCompleted
			g.UpdatedAt = now
			if _, err := l.activity.append(ctx, tx, g.ID, core.ActivityGroupCompleted, c.UserID,
				fmt.Sprintf("The group reached its target of %s", g.TargetAmount),
				map[string]string{
					"target_amount":  g.TargetAmount.String(),
					"current_amount": g.CurrentAmount.String(),
				}); err != nil {
				return g, err
			}
		}
	}

	l.metrics.LedgerApplied(c.Amount.Cents)
	return g, nil
}

// MemberDrift is a member whose recorded total disagrees with the
// confirmed contributions.
type MemberDrift struct {
	MemberID string     `json:"member_id"`
	UserID   string     `json:"user_id"`
	Recorded core.Money `json:"recorded"`
	Expected core.Money `json:"expected"`
}

type LedgerReport struct {
	GroupID    string        `json:"group_id"`
	Recorded   core.Money    `json:"recorded"`
	Expected   core.Money    `json:"expected"`
	Drift      []MemberDrift `json:"drift,omitempty"`
	Consistent bool          `json:"consistent"`
}

// Verify recomputes the ledger of a group from its confirmed contributions.
// The report is always returned; the error is an integrity error when any
// total drifted. Admins only.
func (l *Ledger) Verify(ctx context.Context, actor core.Actor, groupID string) (report LedgerReport, err error) {
	defer func() { l.observe(ctx, "ledger.verify", err) }()

	if err := requireActor(actor); err != nil {
		return report, err
	}
	if _, err := loadGroup(ctx, l.store, groupID); err != nil {
		return report, err
	}
	if _, err := requireRole(ctx, l.store, groupID, actor.UserID, core.RoleAdmin); err != nil {
		return report, err
	}
	return l.verify(ctx, groupID)
}

func (l *Ledger) verify(ctx context.Context, groupID string) (LedgerReport, error) {
	report := LedgerReport{GroupID: groupID}

	// Read everything in one transaction for a consistent snapshot.
	err := l.store.WithTx(ctx, func(tx storage.Stores) error {
		g, err := loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		totals, err := tx.Contributions().SumConfirmed(ctx, groupID)
		if err != nil {
			return fmt.Errorf("sum confirmed: %w", err)
		}
		members, err := tx.Members().ListMembers(ctx, groupID, "")
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}

		report.Recorded = g.CurrentAmount
		report.Expected = core.Money{Cents: totals.Group}
		for _, m := range members {
			expected := totals.ByMember[m.ID]
			if m.TotalContributed.Cents != expected {
				report.Drift = append(report.Drift, MemberDrift{
					MemberID: m.ID,
					UserID:   m.UserID,
					Recorded: m.TotalContributed,
					Expected: core.Money{Cents: expected},
				})
			}
		}
		sort.Slice(report.Drift, func(i, j int) bool { return report.Drift[i].MemberID < report.Drift[j].MemberID })
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Consistent = report.Recorded == report.Expected && len(report.Drift) == 0
	if !report.Consistent {
		return report, core.Integrityf("group %s ledger drift: recorded %s, expected %s, %d member(s) off",
			groupID, report.Recorded, report.Expected, len(report.Drift))
	}
	return report, nil
}

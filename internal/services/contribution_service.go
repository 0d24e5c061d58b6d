package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"groupsave/internal/core"
	"groupsave/internal/storage"
)

type SubmitContribution struct {
	GroupID     string
	Amount      core.Money
	Method      core.PaymentMethod
	Description string
	ProofRef    string
}

// ContributionService runs the contribution state machine:
// pending, then confirmed or rejected. Both outcomes are final.
type ContributionService struct {
	*deps
	activity *ActivityLog
	ledger   *Ledger
}

// Submit records a pending contribution. Group totals only move on Confirm.
func (s *ContributionService) Submit(ctx context.Context, actor core.Actor, in SubmitContribution) (c core.GroupContribution, err error) {
	defer func() { s.observe(ctx, "contribution.submit", err) }()

	if err := requireActor(actor); err != nil {
		return c, err
	}
	if err := in.Amount.Validate(); err != nil {
		return c, err
	}
	if !in.Method.IsValid() {
		return c, core.ErrInvalidMethod
	}
	proof := strings.TrimSpace(in.ProofRef)
	if proof == "" {
		return c, core.ErrProofRequired
	}
	description, err := boundedText("description", in.Description, core.MaxDescriptionLength)
	if err != nil {
		return c, err
	}

	err = s.store.WithTx(ctx, func(tx storage.Stores) error {
		g, err := loadGroup(ctx, tx, in.GroupID)
		if err != nil {
			return err
		}
		if g.Status == core.GroupArchived {
			return core.ErrGroupArchived
		}
		member, err := requireRole(ctx, tx, g.ID, actor.UserID, core.RoleMember)
		if err != nil {
			return err
		}
		if floor := g.Rules.MinAmount; floor.Cents > 0 && in.Amount.Cents < floor.Cents {
			return fmt.Errorf("%w: %s is less than %s", core.ErrBelowMinimum, in.Amount, floor)
		}

		c = core.GroupContribution{
			ID:          uuid.NewString(),
			GroupID:     g.ID,
			MemberID:    member.ID,
			UserID:      actor.UserID,
			Amount:      in.Amount,
			Method:      in.Method,
			Description: description,
			ProofRef:    proof,
			Status:      core.ContributionPending,
			CreatedAt:   s.now(),
		}
		if err := tx.Contributions().CreateContribution(ctx, c); err != nil {
			return fmt.Errorf("create contribution: %w", err)
		}
		_, err = s.activity.append(ctx, tx, g.ID, core.ActivityContributionMade, actor.UserID,
			fmt.Sprintf("%s submitted %s via %s", member.Name, c.Amount, c.Method),
			map[string]string{
				"contribution_id": c.ID,
				"amount":          c.Amount.String(),
				"method":          string(c.Method),
			})
		return err
	})
	if err != nil {
		return core.GroupContribution{}, err
	}

	slog.InfoContext(ctx, "Contribution submitted",
		"group_id", c.GroupID, "contribution_id", c.ID, "amount_cents", c.Amount.Cents)
	s.invalidate(c.GroupID)
	return c, nil
}

// Confirm accepts a pending contribution and applies it to the ledger in the
// same transaction. When two admins race, exactly one succeeds and the other
// gets core.ErrContributionResolved.
func (s *ContributionService) Confirm(ctx context.Context, actor core.Actor, contributionID string) (c core.GroupContribution, err error) {
	defer func() { s.observe(ctx, "contribution.confirm", err) }()

	if err := requireActor(actor); err != nil {
		return c, err
	}

	var completed bool
	err = s.store.WithTx(ctx, func(tx storage.Stores) error {
		var member core.GroupMember
		var err error
		if c, member, err = s.resolve(ctx, tx, actor, contributionID, core.ContributionConfirmed, ""); err != nil {
			return err
		}
		g, err := s.ledger.Apply(ctx, tx, c)
		if err != nil {
			return err
		}
		completed = g.Status == core.GroupCompleted
		_, err = s.activity.append(ctx, tx, c.GroupID, core.ActivityContributionConfirmed, actor.UserID,
			fmt.Sprintf("%s confirmed %s from %s", actor.DisplayName(), c.Amount, member.Name),
			map[string]string{
				"contribution_id": c.ID,
				"amount":          c.Amount.String(),
				"member_id":       c.MemberID,
			})
		return err
	})
	if err != nil {
		return core.GroupContribution{}, err
	}

	slog.InfoContext(ctx, "Contribution confirmed",
		"group_id", c.GroupID, "contribution_id", c.ID, "amount_cents", c.Amount.Cents,
		"group_completed", completed)
	s.invalidate(c.GroupID)
	return c, nil
}

// Reject closes a pending contribution without touching the ledger. The
// reason is required and is checked before any state is read.
func (s *ContributionService) Reject(ctx context.Context, actor core.Actor, contributionID, reason string) (c core.GroupContribution, err error) {
	defer func() { s.observe(ctx, "contribution.reject", err) }()

	if err := requireActor(actor); err != nil {
		return c, err
	}
	reason, err = boundedText("reason", reason, core.MaxReasonLength)
	if err != nil {
		return c, err
	}
	if reason == "" {
		return c, core.ErrReasonRequired
	}

	err = s.store.WithTx(ctx, func(tx storage.Stores) error {
		var member core.GroupMember
		var err error
		if c, member, err = s.resolve(ctx, tx, actor, contributionID, core.ContributionRejected, reason); err != nil {
			return err
		}
		_, err = s.activity.append(ctx, tx, c.GroupID, core.ActivityContributionRejected, actor.UserID,
			fmt.Sprintf("%s rejected %s from %s: %s", actor.DisplayName(), c.Amount, member.Name, reason),
			map[string]string{
				"contribution_id": c.ID,
				"amount":          c.Amount.String(),
				"reason":          reason,
			})
		return err
	})
	if err != nil {
		return core.GroupContribution{}, err
	}
	s.invalidate(c.GroupID)
	return c, nil
}

// resolve moves a pending contribution to a terminal status after checking
// that actor administers its group. It returns the updated contribution and
// the contributing member.
func (s *ContributionService) resolve(ctx context.Context, tx storage.Stores, actor core.Actor, id string, to core.ContributionStatus, reason string) (core.GroupContribution, core.GroupMember, error) {
	c, err := getContribution(ctx, tx, id)
	if err != nil {
		return c, core.GroupMember{}, err
	}
	if _, err := requireRole(ctx, tx, c.GroupID, actor.UserID, core.RoleAdmin); err != nil {
		return c, core.GroupMember{}, err
	}
	if c.Status.IsTerminal() {
		return c, core.GroupMember{}, core.ErrContributionResolved
	}

	now := s.now()
	moved, err := tx.Contributions().ResolveContribution(ctx, c.ID, to, actor.UserID, reason, now)
	if err != nil {
		return c, core.GroupMember{}, fmt.Errorf("resolve contribution: %w", err)
	}
	if !moved {
		return c, core.GroupMember{}, core.ErrContributionResolved
	}
	c.Status = to
	c.ConfirmedBy = actor.UserID
	c.ConfirmedAt = &now
	c.RejectionReason = reason

	member, err := tx.Members().GetMemberByID(ctx, c.MemberID)
	if errors.Is(err, storage.ErrNotFound) {
		return c, member, core.Integrityf("contribution %s references missing member %s", c.ID, c.MemberID)
	}
	if err != nil {
		return c, member, fmt.Errorf("load contributor: %w", err)
	}
	return c, member, nil
}

func getContribution(ctx context.Context, st storage.Stores, id string) (core.GroupContribution, error) {
	if id == "" {
		return core.GroupContribution{}, core.ErrMissingIdentifier
	}
	c, err := st.Contributions().GetContribution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return c, core.ErrContributionNotFound
	}
	if err != nil {
		return c, fmt.Errorf("load contribution: %w", err)
	}
	return c, nil
}

// Get returns a contribution to a member of its group.
func (s *ContributionService) Get(ctx context.Context, actor core.Actor, id string) (core.GroupContribution, error) {
	if err := requireActor(actor); err != nil {
		return core.GroupContribution{}, err
	}
	c, err := getContribution(ctx, s.store, id)
	if err != nil {
		return c, err
	}
	if _, err := requireRole(ctx, s.store, c.GroupID, actor.UserID, core.RoleMember); err != nil {
		return core.GroupContribution{}, err
	}
	return c, nil
}

// ListForGroup returns the contributions of a group, newest first,
// optionally filtered by status. Every member sees the full history.
func (s *ContributionService) ListForGroup(ctx context.Context, actor core.Actor, groupID string, status core.ContributionStatus) ([]core.GroupContribution, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	switch status {
	case "", core.ContributionPending, core.ContributionConfirmed, core.ContributionRejected:
	default:
		return nil, core.Validationf("unknown contribution status %q", status)
	}
	if _, err := loadGroup(ctx, s.store, groupID); err != nil {
		return nil, err
	}
	if _, err := requireRole(ctx, s.store, groupID, actor.UserID, core.RoleMember); err != nil {
		return nil, err
	}
	out, err := s.store.Contributions().ListContributions(ctx, groupID, status)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	return out, nil
}

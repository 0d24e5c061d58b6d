package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"groupsave/internal/core"
	"groupsave/internal/storage"
)

const defaultPublicLimit = 50

type NewGroup struct {
	Name         string
	Description  string
	TargetAmount core.Money
	IsPublic     bool
	Deadline     *time.Time
	Rules        core.ContributionRules
}

// GroupService owns the group lifecycle: active, completed, archived.
type GroupService struct {
	*deps
	activity *ActivityLog
}

// Create stores a new active group and makes the creator its first admin.
func (s *GroupService) Create(ctx context.Context, actor core.Actor, in NewGroup) (g core.SavingsGroup, err error) {
	defer func() { s.observe(ctx, "group.create", err) }()

	if err := requireActor(actor); err != nil {
		return g, err
	}
	name, err := boundedText("name", in.Name, core.MaxNameLength)
	if err != nil {
		return g, err
	}
	if name == "" {
		return g, core.ErrEmptyName
	}
	description, err := boundedText("description", in.Description, core.MaxDescriptionLength)
	if err != nil {
		return g, err
	}
	if err := in.TargetAmount.Validate(); err != nil {
		return g, err
	}
	now := s.now()
	if in.Deadline != nil && !in.Deadline.After(now) {
		return g, core.ErrDeadlineInPast
	}
	if err := in.Rules.Validate(); err != nil {
		return g, err
	}

	g = core.SavingsGroup{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  description,
		TargetAmount: in.TargetAmount,
		IsPublic:     in.IsPublic,
		Status:       core.GroupActive,
		Rules:        in.Rules.Normalized(),
		CreatedBy:    actor.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Deadline != nil {
		d := in.Deadline.UTC()
		g.Deadline = &d
	}

	err = s.store.WithTx(ctx, func(tx storage.Stores) error {
		if err := tx.Groups().CreateGroup(ctx, g); err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		creator := core.GroupMember{
			ID:        uuid.NewString(),
			GroupID:   g.ID,
			UserID:    actor.UserID,
			Name:      actor.DisplayName(),
			Email:     actor.Email,
			Role:      core.RoleAdmin,
			Status:    core.MemberActive,
			JoinedAt:  now,
			UpdatedAt: now,
		}
		if err := tx.Members().InsertMember(ctx, creator); err != nil {
			return fmt.Errorf("add creator: %w", err)
		}
		_, err := s.activity.append(ctx, tx, g.ID, core.ActivityGroupCreated, actor.UserID,
			fmt.Sprintf("%s created the group with a target of %s", actor.DisplayName(), g.TargetAmount),
			map[string]string{"target_amount": g.TargetAmount.String()})
		return err
	})
	if err != nil {
		return core.SavingsGroup{}, err
	}

	slog.InfoContext(ctx, "Group created", "group_id", g.ID, "created_by", actor.UserID)
	return g, nil
}

// Get returns a group visible to the actor: any group they are an active
// member of, or any public group.
func (s *GroupService) Get(ctx context.Context, actor core.Actor, groupID string) (core.SavingsGroup, error) {
	if err := requireActor(actor); err != nil {
		return core.SavingsGroup{}, err
	}
	g, err := loadGroup(ctx, s.store, groupID)
	if err != nil {
		return g, err
	}
	if g.IsPublic {
		return g, nil
	}
	if _, err := requireRole(ctx, s.store, groupID, actor.UserID, core.RoleMember); err != nil {
		return core.SavingsGroup{}, err
	}
	return g, nil
}

func (s *GroupService) ListForUser(ctx context.Context, actor core.Actor) ([]core.SavingsGroup, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	groups, err := s.store.Groups().ListGroupsForUser(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

func (s *GroupService) ListPublic(ctx context.Context, limit int) ([]core.SavingsGroup, error) {
	if limit <= 0 {
		limit = defaultPublicLimit
	}
	groups, err := s.store.Groups().ListPublicGroups(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list public groups: %w", err)
	}
	return groups, nil
}

func (s *GroupService) UpdateRules(ctx context.Context, actor core.Actor, groupID string, rules core.ContributionRules) (g core.SavingsGroup, err error) {
	defer func() { s.observe(ctx, "group.update_rules", err) }()

	if err := requireActor(actor); err != nil {
		return g, err
	}
	if err := rules.Validate(); err != nil {
		return g, err
	}
	rules = rules.Normalized()

	err = s.store.WithTx(ctx, func(tx storage.Stores) error {
		var err error
		if g, err = loadGroup(ctx, tx, groupID); err != nil {
			return err
		}
		if g.Status == core.GroupArchived {
			return core.ErrGroupArchived
		}
		if _, err := requireRole(ctx, tx, groupID, actor.UserID, core.RoleAdmin); err != nil {
			return err
		}
		now := s.now()
		if err := tx.Groups().UpdateGroupRules(ctx, groupID, rules, now); err != nil {
			return fmt.Errorf("update rules: %w", err)
		}
		g.Rules = rules
		g.UpdatedAt = now
		_, err = s.activity.append(ctx, tx, groupID, core.ActivityRulesUpdated, actor.UserID,
			fmt.Sprintf("%s updated the contribution rules", actor.DisplayName()),
			map[string]string{
				"frequency":  string(rules.Frequency),
				"min_amount": rules.MinAmount.String(),
			})
		return err
	})
	if err != nil {
		return core.SavingsGroup{}, err
	}
	s.invalidate(groupID)
	return g, nil
}

// Archive closes an active or completed group. Archived groups accept no new
// contributions or invitations.
func (s *GroupService) Archive(ctx context.Context, actor core.Actor, groupID string) (g core.SavingsGroup, err error) {
	defer func() { s.observe(ctx, "group.archive", err) }()
	return s.transition(ctx, actor, groupID, func(g core.SavingsGroup) (core.GroupStatus, core.ActivityType, error) {
		if g.Status == core.GroupArchived {
			return "", "", core.ErrGroupArchived
		}
		return core.GroupArchived, core.ActivityGroupArchived, nil
	})
}

// Reopen moves an archived group back to completed when its target is
// already reached, or to active otherwise.
func (s *GroupService) Reopen(ctx context.Context, actor core.Actor, groupID string) (g core.SavingsGroup, err error) {
	defer func() { s.observe(ctx, "group.reopen", err) }()
	return s.transition(ctx, actor, groupID, func(g core.SavingsGroup) (core.GroupStatus, core.ActivityType, error) {
		if g.Status != core.GroupArchived {
			return "", "", core.ErrGroupNotArchived
		}
		if g.CurrentAmount.Cents >= g.TargetAmount.Cents {
			return core.GroupCompleted, core.ActivityGroupReopened, nil
		}
		return core.GroupActive, core.ActivityGroupReopened, nil
	})
}

type transitionFunc func(core.SavingsGroup) (core.GroupStatus, core.ActivityType, error)

func (s *GroupService) transition(ctx context.Context, actor core.Actor, groupID string, next transitionFunc) (core.SavingsGroup, error) {
	if err := requireActor(actor); err != nil {
		return core.SavingsGroup{}, err
	}

	var g core.SavingsGroup
	err := s.store.WithTx(ctx, func(tx storage.Stores) error {
		var err error
		if g, err = loadGroup(ctx, tx, groupID); err != nil {
			return err
		}
		if _, err := requireRole(ctx, tx, groupID, actor.UserID, core.RoleAdmin); err != nil {
			return err
		}
		to, activity, err := next(g)
		if err != nil {
			return err
		}

		now := s.now()
		moved, err := tx.Groups().UpdateGroupStatus(ctx, groupID, g.Status, to, now)
		if err != nil {
			return fmt.Errorf("update group status: %w", err)
		}
		if !moved {
			return fmt.Errorf("%w: group status changed concurrently", core.ErrAlreadyResolved)
		}
		from := g.Status
		g.Status = to
		g.UpdatedAt = now

		verb := "archived"
		if activity == core.ActivityGroupReopened {
			verb = "reopened"
		}
		_, err = s.activity.append(ctx, tx, groupID, activity, actor.UserID,
			fmt.Sprintf("%s %s the group", actor.DisplayName(), verb),
			map[string]string{"from": string(from), "to": string(to)})
		return err
	})
	if err != nil {
		return core.SavingsGroup{}, err
	}
	s.invalidate(groupID)
	return g, nil
}

// Progress is the funded percentage of a visible group, capped at 100.
func (s *GroupService) Progress(ctx context.Context, actor core.Actor, groupID string) (float64, error) {
	g, err := s.Get(ctx, actor, groupID)
	if err != nil {
		return 0, err
	}
	return core.Progress(g.CurrentAmount, g.TargetAmount), nil
}

// Summary is the dashboard read model. It is cached briefly and dropped on
// every change to the group.
func (s *GroupService) Summary(ctx context.Context, actor core.Actor, groupID string) (core.GroupSummary, error) {
	if _, err := s.Get(ctx, actor, groupID); err != nil {
		return core.GroupSummary{}, err
	}
	return s.summaries.Get(ctx, groupID, func(ctx context.Context) (core.GroupSummary, error) {
		return s.buildSummary(ctx, groupID)
	})
}

func (s *GroupService) buildSummary(ctx context.Context, groupID string) (core.GroupSummary, error) {
	g, err := loadGroup(ctx, s.store, groupID)
	if err != nil {
		return core.GroupSummary{}, err
	}
	members, err := s.store.Members().CountActiveMembers(ctx, groupID)
	if err != nil {
		return core.GroupSummary{}, fmt.Errorf("count members: %w", err)
	}
	pending, err := s.store.Contributions().CountPending(ctx, groupID)
	if err != nil {
		return core.GroupSummary{}, fmt.Errorf("count pending contributions: %w", err)
	}
	return core.NewGroupSummary(g, members, pending, s.now()), nil
}

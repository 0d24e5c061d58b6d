package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"groupsave/internal/core"
	"groupsave/internal/storage"
)

// MembershipService keeps at most one record per user and group. Removal
// flips the record to removed, so a returning member keeps their history.
type MembershipService struct {
	*deps
	activity *ActivityLog
}

// NewMember identifies the user being added.
type NewMember struct {
	UserID string
	Name   string
	Email  string
	Role   core.Role
}

// AddMember adds a user to a group in its own transaction. Adding an active
// member again returns the existing record.
func (s *MembershipService) AddMember(ctx context.Context, groupID string, in NewMember) (m core.GroupMember, err error) {
	defer func() { s.observe(ctx, "member.add", err) }()

	err = withMemberRetry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx storage.Stores) error {
			g, err := loadGroup(ctx, tx, groupID)
			if err != nil {
				return err
			}
			var joined bool
			m, joined, err = s.addMember(ctx, tx, g, in)
			if err != nil || !joined {
				return err
			}
			_, err = s.activity.append(ctx, tx, g.ID, core.ActivityMemberJoined, m.UserID,
				fmt.Sprintf("%s joined the group", m.Name),
				map[string]string{"member_id": m.ID, "role": string(m.Role)})
			return err
		})
	})
	if err != nil {
		return core.GroupMember{}, err
	}
	s.invalidate(groupID)
	return m, nil
}

// errMemberRace means another transaction inserted the same user between
// our read and our insert. On Postgres the failed insert aborts the
// transaction, so callers rerun it through withMemberRetry.
var errMemberRace = errors.New("membership inserted concurrently")

// withMemberRetry runs fn once more when it lost a membership insert race.
// The second run reads the winner's record and returns it.
func withMemberRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, errMemberRace) {
		return err
	}
	slog.InfoContext(ctx, "Membership insert raced, retrying")
	if err = fn(); errors.Is(err, errMemberRace) {
		return fmt.Errorf("%w: membership changed concurrently", core.ErrAlreadyResolved)
	}
	return err
}

// addMember runs inside the caller's transaction. joined is false when the
// user already was an active member and nothing changed.
func (s *MembershipService) addMember(ctx context.Context, tx storage.Stores, g core.SavingsGroup, in NewMember) (core.GroupMember, bool, error) {
	if in.UserID == "" {
		return core.GroupMember{}, false, core.ErrMissingIdentifier
	}
	if in.Role == "" {
		in.Role = core.RoleMember
	}
	if !in.Role.IsValid() {
		return core.GroupMember{}, false, core.Validationf("unknown role %q", in.Role)
	}
	now := s.now()

	existing, err := tx.Members().GetMember(ctx, g.ID, in.UserID)
	switch {
	case err == nil && existing.IsActive():
		return existing, false, nil
	case err == nil:
		if err := tx.Members().UpdateMembership(ctx, existing.ID, in.Role, core.MemberActive, now); err != nil {
			return core.GroupMember{}, false, fmt.Errorf("reactivate member: %w", err)
		}
		existing.Role = in.Role
		existing.Status = core.MemberActive
		existing.UpdatedAt = now
		return existing, true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return core.GroupMember{}, false, fmt.Errorf("load membership: %w", err)
	}

	name := core.Actor{UserID: in.UserID, Name: in.Name, Email: in.Email}.DisplayName()
	m := core.GroupMember{
		ID:        uuid.NewString(),
		GroupID:   g.ID,
		UserID:    in.UserID,
		Name:      name,
		Email:     in.Email,
		Role:      in.Role,
		Status:    core.MemberActive,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	if err := tx.Members().InsertMember(ctx, m); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return core.GroupMember{}, false, errMemberRace
		}
		return core.GroupMember{}, false, fmt.Errorf("insert member: %w", err)
	}
	return m, true, nil
}

// MemberCount counts active members.
func (s *MembershipService) MemberCount(ctx context.Context, groupID string) (int, error) {
	if _, err := loadGroup(ctx, s.store, groupID); err != nil {
		return 0, err
	}
	n, err := s.store.Members().CountActiveMembers(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

// Role returns the role of an active member.
func (s *MembershipService) Role(ctx context.Context, groupID, userID string) (core.Role, error) {
	m, err := s.store.Members().GetMember(ctx, groupID, userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !m.IsActive()) {
		return "", core.ErrMemberNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load membership: %w", err)
	}
	return m.Role, nil
}

// RequireRole fails unless userID is an active member holding role. Any
// active member satisfies core.RoleMember.
func (s *MembershipService) RequireRole(ctx context.Context, groupID, userID string, role core.Role) (core.GroupMember, error) {
	return requireRole(ctx, s.store, groupID, userID, role)
}

// List returns the active members of a group the actor belongs to.
func (s *MembershipService) List(ctx context.Context, actor core.Actor, groupID string) ([]core.GroupMember, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := loadGroup(ctx, s.store, groupID); err != nil {
		return nil, err
	}
	if _, err := requireRole(ctx, s.store, groupID, actor.UserID, core.RoleMember); err != nil {
		return nil, err
	}
	members, err := s.store.Members().ListMembers(ctx, groupID, core.MemberActive)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// Remove deactivates a membership. Admins can remove anyone but the group
// creator; any member can remove themselves.
func (s *MembershipService) Remove(ctx context.Context, actor core.Actor, groupID, userID string) (err error) {
	defer func() { s.observe(ctx, "member.remove", err) }()

	if err := requireActor(actor); err != nil {
		return err
	}
	if userID == "" {
		return core.ErrMissingIdentifier
	}

	err = withMemberRetry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx storage.Stores) error {
			g, err := loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if userID != actor.UserID {
			if _, err := requireRole(ctx, tx, groupID, actor.UserID, core.RoleAdmin); err != nil {
				return err
			}
		}
		if userID == g.CreatedBy {
			return core.ErrCreatorRemoval
		}
		target, err := tx.Members().GetMember(ctx, groupID, userID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && !target.IsActive()) {
			return core.ErrMemberNotFound
		}
		if err != nil {
			return fmt.Errorf("load membership: %w", err)
		}

		if err := tx.Members().UpdateMembership(ctx, target.ID, target.Role, core.MemberRemoved, s.now()); err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
		description := fmt.Sprintf("%s removed %s", actor.DisplayName(), target.Name)
		if userID == actor.UserID {
			description = fmt.Sprintf("%s left the group", target.Name)
		}
		_, err = s.activity.append(ctx, tx, groupID, core.ActivityMemberRemoved, actor.UserID, description,
			map[string]string{"member_id": target.ID, "user_id": target.UserID})
		return err
		})
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "Member removed", "group_id", groupID, "user_id", userID, "removed_by", actor.UserID)
	s.invalidate(groupID)
	return nil
}

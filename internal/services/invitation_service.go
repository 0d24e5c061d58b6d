package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"groupsave/internal/amqp"
	"groupsave/internal/core"
	"groupsave/internal/storage"
)

const (
	tokenBytes         = 32
	maxTokenCollisions = 3
)

// InvitationService issues single-use join tokens. The token is the only
// handle to an invitation.
type InvitationService struct {
	*deps
	activity *ActivityLog
	members  *MembershipService
}

// Create issues an invitation valid for ttl and returns it with its join URL.
func (s *InvitationService) Create(ctx context.Context, actor core.Actor, groupID, message string, ttl time.Duration) (inv core.GroupInvitation, joinURL string, err error) {
	defer func() { s.observe(ctx, "invitation.create", err) }()

	if err := requireActor(actor); err != nil {
		return inv, "", err
	}
	if ttl <= 0 {
		return inv, "", core.ErrInvalidTTL
	}
	if ttl > core.MaxInviteTTL {
		return inv, "", core.Validationf("invitation expiry %v exceeds %v", ttl, core.MaxInviteTTL)
	}
	message, err = boundedText("message", message, core.MaxMessageLength)
	if err != nil {
		return inv, "", err
	}

	var g core.SavingsGroup
	// A token collision aborts the transaction on Postgres, so the whole
	// transaction is retried with a fresh token.
	for attempt := 1; ; attempt++ {
		token, err := newToken()
		if err != nil {
			return core.GroupInvitation{}, "", err
		}
		now := s.now()
		inv = core.GroupInvitation{
			ID:        uuid.NewString(),
			Token:     token,
			InvitedBy: actor.UserID,
			Message:   message,
			Status:    core.InvitationPending,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}

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
			inv.GroupID = g.ID
			if err := tx.Invitations().CreateInvitation(ctx, inv); err != nil {
				return fmt.Errorf("create invitation: %w", err)
			}
			_, err = s.activity.append(ctx, tx, g.ID, core.ActivityInvitationCreated, actor.UserID,
				fmt.Sprintf("%s invited a new member", actor.DisplayName()),
				map[string]string{
					"invitation_id": inv.ID,
					"expires_at":    inv.ExpiresAt.Format(time.RFC3339),
				})
			return err
		})
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt == maxTokenCollisions {
			return core.GroupInvitation{}, "", err
		}
		slog.WarnContext(ctx, "Invitation token collision, retrying", "attempt", attempt)
	}

	joinURL = s.joinURL(inv.Token)
	s.publish(ctx, amqp.TypeInvitationCreated, amqp.InvitationMessage{
		InvitationID: inv.ID,
		GroupID:      g.ID,
		GroupName:    g.Name,
		InvitedBy:    actor.DisplayName(),
		Message:      inv.Message,
		JoinURL:      joinURL,
		ExpiresAt:    inv.ExpiresAt,
	})
	slog.InfoContext(ctx, "Invitation created", "group_id", g.ID, "invitation_id", inv.ID, "expires_at", inv.ExpiresAt)
	return inv, joinURL, nil
}

func (s *InvitationService) joinURL(token string) string {
	return s.baseURL + "/join-group/" + token
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Resolve looks an invitation up by token. The stored status is returned
// as is; use Validate or EffectiveStatus to account for expiry.
func (s *InvitationService) Resolve(ctx context.Context, token string) (core.GroupInvitation, error) {
	return getInvitation(ctx, s.store, token)
}

func getInvitation(ctx context.Context, st storage.Stores, token string) (core.GroupInvitation, error) {
	if token == "" {
		return core.GroupInvitation{}, core.ErrMissingIdentifier
	}
	inv, err := st.Invitations().GetInvitationByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return inv, core.ErrInvitationNotFound
	}
	if err != nil {
		return inv, fmt.Errorf("load invitation: %w", err)
	}
	return inv, nil
}

// InvitationPreview is what an invitee sees before answering.
type InvitationPreview struct {
	Invitation core.GroupInvitation `json:"invitation"`
	GroupName  string               `json:"group_name"`
	Usable     bool                 `json:"usable"`
}

// Preview resolves a token for display. Invitation.Status is the effective
// status, so an expired invitation reads as expired.
func (s *InvitationService) Preview(ctx context.Context, token string) (InvitationPreview, error) {
	inv, err := getInvitation(ctx, s.store, token)
	if err != nil {
		return InvitationPreview{}, err
	}
	g, err := loadGroup(ctx, s.store, inv.GroupID)
	if errors.Is(err, core.ErrGroupNotFound) {
		return InvitationPreview{}, core.Integrityf("invitation %s references missing group %s", inv.ID, inv.GroupID)
	}
	if err != nil {
		return InvitationPreview{}, err
	}
	now := s.now()
	usable := validateInvitation(inv, now) == nil && g.Status != core.GroupArchived
	inv.Status = inv.EffectiveStatus(now)
	return InvitationPreview{Invitation: inv, GroupName: g.Name, Usable: usable}, nil
}

// Validate reports whether inv can still be used at now. Expiry is checked
// first, so an expired invitation reads as expired whatever its status.
func (s *InvitationService) Validate(inv core.GroupInvitation, now time.Time) error {
	return validateInvitation(inv, now)
}

func validateInvitation(inv core.GroupInvitation, now time.Time) error {
	if inv.Expired(now) {
		return core.ErrInvitationExpired
	}
	if inv.Status != core.InvitationPending {
		return core.ErrInvitationUsed
	}
	return nil
}

// Accept consumes the invitation and adds user to its group in one
// transaction. Only one of several concurrent accepts succeeds.
func (s *InvitationService) Accept(ctx context.Context, token string, user core.Actor) (m core.GroupMember, err error) {
	defer func() { s.observe(ctx, "invitation.accept", err) }()

	if err := requireActor(user); err != nil {
		return m, err
	}

	var groupID string
	// A lost membership race aborts the transaction, so it is rerun whole;
	// the rerun finds the user already active and still consumes the token.
	err = withMemberRetry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx storage.Stores) error {
			inv, err := getInvitation(ctx, tx, token)
			if err != nil {
				return err
			}
			now := s.now()
			if err := validateInvitation(inv, now); err != nil {
				return err
			}
			g, err := loadGroup(ctx, tx, inv.GroupID)
			if errors.Is(err, core.ErrGroupNotFound) {
				return core.Integrityf("invitation %s references missing group %s", inv.ID, inv.GroupID)
			}
			if err != nil {
				return err
			}
			if g.Status == core.GroupArchived {
				return core.ErrGroupArchived
			}

			moved, err := tx.Invitations().ResolveInvitation(ctx, inv.ID, core.InvitationAccepted, user.UserID, now)
			if err != nil {
				return fmt.Errorf("accept invitation: %w", err)
			}
			if !moved {
				return core.ErrInvitationUsed
			}

			var joined bool
			m, joined, err = s.members.addMember(ctx, tx, g, NewMember{
				UserID: user.UserID,
				Name:   user.Name,
				Email:  user.Email,
				Role:   core.RoleMember,
			})
			if err != nil || !joined {
				return err
			}
			groupID = g.ID
			_, err = s.activity.append(ctx, tx, g.ID, core.ActivityMemberJoined, user.UserID,
				fmt.Sprintf("%s joined the group", m.Name),
				map[string]string{"member_id": m.ID, "invitation_id": inv.ID, "invited_by": inv.InvitedBy})
			return err
		})
	})
	if err != nil {
		return core.GroupMember{}, err
	}

	if groupID != "" {
		slog.InfoContext(ctx, "Invitation accepted", "group_id", groupID, "user_id", user.UserID)
		s.invalidate(groupID)
	}
	return m, nil
}

// Decline marks the invitation rejected. It is subject to the same checks as Accept.
func (s *InvitationService) Decline(ctx context.Context, token string, user core.Actor) (err error) {
	defer func() { s.observe(ctx, "invitation.decline", err) }()

	if err := requireActor(user); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx storage.Stores) error {
		inv, err := getInvitation(ctx, tx, token)
		if err != nil {
			return err
		}
		now := s.now()
		if err := validateInvitation(inv, now); err != nil {
			return err
		}
		moved, err := tx.Invitations().ResolveInvitation(ctx, inv.ID, core.InvitationRejected, user.UserID, now)
		if err != nil {
			return fmt.Errorf("decline invitation: %w", err)
		}
		if !moved {
			return core.ErrInvitationUsed
		}
		name := user.DisplayName()
		_, err = s.activity.append(ctx, tx, inv.GroupID, core.ActivityInvitationDeclined, user.UserID,
			fmt.Sprintf("%s declined an invitation", name),
			map[string]string{"invitation_id": inv.ID})
		return err
	})
}

// ListForGroup returns every invitation of a group with expiry applied to
// the reported status. Admins only.
func (s *InvitationService) ListForGroup(ctx context.Context, actor core.Actor, groupID string) ([]core.GroupInvitation, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := loadGroup(ctx, s.store, groupID); err != nil {
		return nil, err
	}
	if _, err := requireRole(ctx, s.store, groupID, actor.UserID, core.RoleAdmin); err != nil {
		return nil, err
	}
	invs, err := s.store.Invitations().ListInvitations(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	now := s.now()
	for i := range invs {
		invs[i].Status = invs[i].EffectiveStatus(now)
	}
	return invs, nil
}

package core

import (
	"strings"
	"time"
)

const (
	GroupActive    GroupStatus = "active"
	GroupCompleted GroupStatus = "completed"
	GroupArchived  GroupStatus = "archived"
)

const (
	Flexible Frequency = "flexible"
	Weekly   Frequency = "weekly"
	Biweekly Frequency = "biweekly"
	Monthly  Frequency = "monthly"
)

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
)

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
	// InvitationExpired is never stored; it is derived from ExpiresAt.
	InvitationExpired InvitationStatus = "expired"
)

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionConfirmed ContributionStatus = "confirmed"
	ContributionRejected  ContributionStatus = "rejected"
)

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCash         PaymentMethod = "cash"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodCard         PaymentMethod = "card"
	MethodOther        PaymentMethod = "other"
)

const (
	ActivityGroupCreated          ActivityType = "group_created"
	ActivityGroupCompleted        ActivityType = "group_completed"
	ActivityGroupArchived         ActivityType = "group_archived"
	ActivityGroupReopened         ActivityType = "group_reopened"
	ActivityRulesUpdated          ActivityType = "rules_updated"
	ActivityInvitationCreated     ActivityType = "invitation_created"
	ActivityInvitationDeclined    ActivityType = "invitation_declined"
	ActivityMemberJoined          ActivityType = "member_joined"
	ActivityMemberRemoved         ActivityType = "member_removed"
	ActivityContributionMade      ActivityType = "contribution_made"
	ActivityContributionConfirmed ActivityType = "contribution_confirmed"
	ActivityContributionRejected  ActivityType = "contribution_rejected"
)

// Invitation lifetimes accepted from configuration and API callers. The
// workflow itself only enforces the upper bound.
const (
	MinInviteTTL = time.Minute
	MaxInviteTTL = 90 * 24 * time.Hour
)

const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500
	MaxMessageLength     = 500
	MaxReasonLength      = 500
)

type (
	GroupStatus        string
	Frequency          string
	Role               string
	MemberStatus       string
	InvitationStatus   string
	ContributionStatus string
	PaymentMethod      string
	ActivityType       string

	// Actor is the authenticated caller. It is passed explicitly to every
	// workflow operation.
	Actor struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
		Email  string `json:"email"`
	}

	ContributionRules struct {
		MinAmount Money     `json:"min_amount"`
		Frequency Frequency `json:"frequency"`
		DueDay    int       `json:"due_day,omitempty"`
	}

	SavingsGroup struct {
		ID            string            `json:"id"`
		Name          string            `json:"name"`
		Description   string            `json:"description,omitempty"`
		TargetAmount  Money             `json:"target_amount"`
		CurrentAmount Money             `json:"current_amount"`
		IsPublic      bool              `json:"is_public"`
		Status        GroupStatus       `json:"status"`
		Deadline      *time.Time        `json:"deadline,omitempty"`
		Rules         ContributionRules `json:"rules"`
		CreatedBy     string            `json:"created_by"`
		CreatedAt     time.Time         `json:"created_at"`
		UpdatedAt     time.Time         `json:"updated_at"`
	}

	GroupInvitation struct {
		ID         string           `json:"id"`
		GroupID    string           `json:"group_id"`
		Token      string           `json:"token"`
		InvitedBy  string           `json:"invited_by"`
		Message    string           `json:"message,omitempty"`
		Status     InvitationStatus `json:"status"`
		CreatedAt  time.Time        `json:"created_at"`
		ExpiresAt  time.Time        `json:"expires_at"`
		ResolvedBy string           `json:"resolved_by,omitempty"`
		ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	}

	GroupMember struct {
		ID               string       `json:"id"`
		GroupID          string       `json:"group_id"`
		UserID           string       `json:"user_id"`
		Name             string       `json:"name"`
		Email            string       `json:"email"`
		Role             Role         `json:"role"`
		Status           MemberStatus `json:"status"`
		TotalContributed Money        `json:"total_contributed"`
		JoinedAt         time.Time    `json:"joined_at"`
		UpdatedAt        time.Time    `json:"updated_at"`
		LastRemindedAt   *time.Time   `json:"last_reminded_at,omitempty"`
	}

	GroupContribution struct {
		ID              string             `json:"id"`
		GroupID         string             `json:"group_id"`
		MemberID        string             `json:"member_id"`
		UserID          string             `json:"user_id"`
		Amount          Money              `json:"amount"`
		Method          PaymentMethod      `json:"method"`
		Description     string             `json:"description,omitempty"`
		ProofRef        string             `json:"proof_ref"`
		Status          ContributionStatus `json:"status"`
		ConfirmedBy     string             `json:"confirmed_by,omitempty"`
		ConfirmedAt     *time.Time         `json:"confirmed_at,omitempty"`
		RejectionReason string             `json:"rejection_reason,omitempty"`
		CreatedAt       time.Time          `json:"created_at"`
	}

	GroupActivity struct {
		ID          string            `json:"id"`
		GroupID     string            `json:"group_id"`
		Type        ActivityType      `json:"type"`
		UserID      string            `json:"user_id"`
		Description string            `json:"description"`
		Metadata    map[string]string `json:"metadata,omitempty"`
		CreatedAt   time.Time         `json:"created_at"`
	}
)

func (s GroupStatus) IsValid() bool {
	switch s {
	case GroupActive, GroupCompleted, GroupArchived:
		return true
	}
	return false
}

func (f Frequency) IsValid() bool {
	switch f {
	case Flexible, Weekly, Biweekly, Monthly:
		return true
	}
	return false
}

func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleMember
}

func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodBankTransfer, MethodCash, MethodMobileMoney, MethodCard, MethodOther:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s ContributionStatus) IsTerminal() bool {
	return s == ContributionConfirmed || s == ContributionRejected
}

// Validate checks the rules in isolation. An empty frequency is treated as flexible.
func (r ContributionRules) Validate() error {
	if r.MinAmount.Cents < 0 {
		return Validationf("minimum contribution cannot be negative")
	}
	if r.MinAmount.Cents > MaxAmountCents {
		return Validationf("minimum contribution above %s", Money{Cents: MaxAmountCents})
	}
	if r.Frequency != "" && !r.Frequency.IsValid() {
		return Validationf("unknown contribution frequency %q", r.Frequency)
	}
	if r.DueDay < 0 || r.DueDay > 31 {
		return Validationf("due day %d out of range 1-31", r.DueDay)
	}
	if r.DueDay != 0 && r.Frequency != Monthly {
		return Validationf("due day only applies to monthly contributions")
	}
	return nil
}

// Normalized fills defaults so that stored rules are always explicit.
func (r ContributionRules) Normalized() ContributionRules {
	if r.Frequency == "" {
		r.Frequency = Flexible
	}
	if r.Frequency == Monthly && r.DueDay == 0 {
		r.DueDay = 1
	}
	return r
}

// Overdue reports whether the deadline passed before the target was reached.
func (g SavingsGroup) Overdue(now time.Time) bool {
	if g.Deadline == nil || g.Status == GroupArchived {
		return false
	}
	return now.After(*g.Deadline) && g.CurrentAmount.Cents < g.TargetAmount.Cents
}

// Remaining is the amount still missing to reach the target, never negative.
func (g SavingsGroup) Remaining() Money {
	if g.CurrentAmount.Cents >= g.TargetAmount.Cents {
		return Money{}
	}
	return Money{Cents: g.TargetAmount.Cents - g.CurrentAmount.Cents}
}

func (m GroupMember) IsActive() bool { return m.Status == MemberActive }

func (m GroupMember) IsAdmin() bool { return m.IsActive() && m.Role == RoleAdmin }

// Expired uses a strict comparison: the invitation is still usable at ExpiresAt.
func (i GroupInvitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// EffectiveStatus is the status a caller should see, with expiry derived.
func (i GroupInvitation) EffectiveStatus(now time.Time) InvitationStatus {
	if i.Status == InvitationPending && i.Expired(now) {
		return InvitationExpired
	}
	return i.Status
}

// DisplayName falls back to the e-mail local part when no name is known.
func (a Actor) DisplayName() string {
	if n := strings.TrimSpace(a.Name); n != "" {
		return n
	}
	if at := strings.IndexByte(a.Email, '@'); at > 0 {
		return a.Email[:at]
	}
	return a.UserID
}

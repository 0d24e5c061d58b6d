// Package storage defines the persistence ports of the savings engine and
// the SQL implementation shared by the SQLite and Postgres backends.
//
// Every conditional update reports whether the row actually moved, so the
// workflow can turn a lost race into a domain error instead of a silent
// overwrite.
package storage

import (
	"context"
	"errors"
	"time"

	"groupsave/internal/core"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

type GroupStore interface {
	CreateGroup(ctx context.Context, g core.SavingsGroup) error
	GetGroup(ctx context.Context, id string) (core.SavingsGroup, error)
	// ListGroupsForUser returns groups where the user has an active membership.
	ListGroupsForUser(ctx context.Context, userID string) ([]core.SavingsGroup, error)
	ListPublicGroups(ctx context.Context, limit int) ([]core.SavingsGroup, error)
	// ListScheduledGroups returns active groups whose rules set a frequency.
	ListScheduledGroups(ctx context.Context) ([]core.SavingsGroup, error)
	UpdateGroupRules(ctx context.Context, id string, rules core.ContributionRules, at time.Time) error
	// UpdateGroupStatus moves the group from one status to another. It returns
	// false when the group was not in the expected status.
	UpdateGroupStatus(ctx context.Context, id string, from, to core.GroupStatus, at time.Time) (bool, error)
	// AddToGroupTotal increments current_amount in place and returns the new value.
	AddToGroupTotal(ctx context.Context, id string, delta int64, at time.Time) (int64, error)
}

type InvitationStore interface {
	// CreateInvitation returns ErrConflict when the token is already taken.
	CreateInvitation(ctx context.Context, inv core.GroupInvitation) error
	GetInvitationByToken(ctx context.Context, token string) (core.GroupInvitation, error)
	ListInvitations(ctx context.Context, groupID string) ([]core.GroupInvitation, error)
	// ResolveInvitation moves a pending, unexpired invitation to a terminal status.
	ResolveInvitation(ctx context.Context, id string, to core.InvitationStatus, by string, at time.Time) (bool, error)
}

type MemberStore interface {
	// InsertMember returns ErrConflict when the user already has a record in the group.
	InsertMember(ctx context.Context, m core.GroupMember) error
	GetMember(ctx context.Context, groupID, userID string) (core.GroupMember, error)
	GetMemberByID(ctx context.Context, id string) (core.GroupMember, error)
	// ListMembers filters by status; an empty status returns every record.
	ListMembers(ctx context.Context, groupID string, status core.MemberStatus) ([]core.GroupMember, error)
	CountActiveMembers(ctx context.Context, groupID string) (int, error)
	UpdateMembership(ctx context.Context, id string, role core.Role, status core.MemberStatus, at time.Time) error
	AddToMemberTotal(ctx context.Context, id string, delta int64, at time.Time) (int64, error)
	SetLastReminded(ctx context.Context, id string, at time.Time) error
}

// ConfirmedTotals is the ledger recomputed from confirmed contributions.
type ConfirmedTotals struct {
	Group    int64
	ByMember map[string]int64
}

type ContributionStore interface {
	CreateContribution(ctx context.Context, c core.GroupContribution) error
	GetContribution(ctx context.Context, id string) (core.GroupContribution, error)
	// ListContributions filters by status; an empty status returns every record.
	ListContributions(ctx context.Context, groupID string, status core.ContributionStatus) ([]core.GroupContribution, error)
	// ResolveContribution moves a pending contribution to a terminal status and
	// stamps the resolver. It returns false when the contribution was no longer pending.
	ResolveContribution(ctx context.Context, id string, to core.ContributionStatus, by, reason string, at time.Time) (bool, error)
	SumConfirmed(ctx context.Context, groupID string) (ConfirmedTotals, error)
	CountPending(ctx context.Context, groupID string) (int, error)
	// HasContributionSince reports whether the member submitted anything not
	// rejected at or after since.
	HasContributionSince(ctx context.Context, memberID string, since time.Time) (bool, error)
}

type ActivityStore interface {
	AppendActivity(ctx context.Context, a core.GroupActivity) error
	// ListActivity returns the newest entries first.
	ListActivity(ctx context.Context, groupID string, limit int) ([]core.GroupActivity, error)
}

const (
	OutboxPending   = "pending"
	OutboxPublished = "published"
	OutboxFailed    = "failed"
)

// OutboxEvent is a message waiting to be published to the broker. Rows are
// written in the same transaction as the state change they describe.
type OutboxEvent struct {
	ID          string
	Type        string
	Payload     []byte
	Status      string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type OutboxStats struct {
	Pending   int
	Published int
	Failed    int
}

type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, e OutboxEvent) error
	PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
	// MarkOutboxFailed records the attempt. The event is parked as failed once
	// attempts reach maxAttempts.
	MarkOutboxFailed(ctx context.Context, id, reason string, maxAttempts int) error
	CleanupOutbox(ctx context.Context, before time.Time) (int64, error)
	RetryFailedOutbox(ctx context.Context) (int64, error)
	OutboxStats(ctx context.Context) (OutboxStats, error)
}

// Stores groups the per-entity stores bound to one connection or transaction.
type Stores interface {
	Groups() GroupStore
	Invitations() InvitationStore
	Members() MemberStore
	Contributions() ContributionStore
	Activities() ActivityStore
	Outbox() OutboxStore
}

// TxRunner runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(Stores) error) error
}

type Store interface {
	Stores
	TxRunner
	Ping(ctx context.Context) error
	Close() error
}

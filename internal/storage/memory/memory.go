// Package memory is an in-process implementation of storage.Store, used by
// the memory backend and by tests. Transactions run against a copy of the
// state that replaces the live state on commit.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"groupsave/internal/core"
	"groupsave/internal/storage"
)

type state struct {
	groups        map[string]core.SavingsGroup
	invitations   map[string]core.GroupInvitation
	tokens        map[string]string // token -> invitation id
	members       map[string]core.GroupMember
	memberKeys    map[string]string // group|user -> member id
	contributions map[string]core.GroupContribution
	activities    []core.GroupActivity
	outbox        map[string]storage.OutboxEvent
}

func newState() *state {
	return &state{
		groups:        make(map[string]core.SavingsGroup),
		invitations:   make(map[string]core.GroupInvitation),
		tokens:        make(map[string]string),
		members:       make(map[string]core.GroupMember),
		memberKeys:    make(map[string]string),
		contributions: make(map[string]core.GroupContribution),
		outbox:        make(map[string]storage.OutboxEvent),
	}
}

// clone copies the containers. Records are values and are replaced, never
// mutated in place, so sharing their pointer fields is safe.
func (s *state) clone() *state {
	return &state{
		groups:        maps.Clone(s.groups),
		invitations:   maps.Clone(s.invitations),
		tokens:        maps.Clone(s.tokens),
		members:       maps.Clone(s.members),
		memberKeys:    maps.Clone(s.memberKeys),
		contributions: maps.Clone(s.contributions),
		activities:    slices.Clone(s.activities),
		outbox:        maps.Clone(s.outbox),
	}
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu sync.Mutex
	st *state
	*view
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	s := &Store{st: newState()}
	s.view = &view{mu: &s.mu, st: &s.st}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(storage.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	draft := s.st.clone()
	if err := fn(&view{st: &draft}); err != nil {
		return err
	}
	s.st = draft
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// view implements the entity stores. The root view locks the store mutex on
// every call; a transaction view runs with the mutex already held.
type view struct {
	mu *sync.Mutex
	st **state
}

func (v *view) lock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

func (v *view) Groups() storage.GroupStore               { return v }
func (v *view) Invitations() storage.InvitationStore     { return v }
func (v *view) Members() storage.MemberStore             { return v }
func (v *view) Contributions() storage.ContributionStore { return v }
func (v *view) Activities() storage.ActivityStore        { return v }
func (v *view) Outbox() storage.OutboxStore              { return v }

// Groups

func (v *view) CreateGroup(_ context.Context, g core.SavingsGroup) error {
	defer v.lock()()
	st := *v.st
	if _, ok := st.groups[g.ID]; ok {
		return storage.ErrConflict
	}
	st.groups[g.ID] = g
	return nil
}

func (v *view) GetGroup(_ context.Context, id string) (core.SavingsGroup, error) {
	defer v.lock()()
	g, ok := (*v.st).groups[id]
	if !ok {
		return core.SavingsGroup{}, storage.ErrNotFound
	}
	return g, nil
}

func newestGroupsFirst(a, b core.SavingsGroup) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (v *view) ListGroupsForUser(_ context.Context, userID string) ([]core.SavingsGroup, error) {
	defer v.lock()()
	st := *v.st
	var out []core.SavingsGroup
	for _, m := range st.members {
		if m.UserID != userID || !m.IsActive() {
			continue
		}
		if g, ok := st.groups[m.GroupID]; ok {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, newestGroupsFirst)
	return out, nil
}

func (v *view) ListPublicGroups(_ context.Context, limit int) ([]core.SavingsGroup, error) {
	defer v.lock()()
	var out []core.SavingsGroup
	for _, g := range (*v.st).groups {
		if g.IsPublic && g.Status == core.GroupActive {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, newestGroupsFirst)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) ListScheduledGroups(_ context.Context) ([]core.SavingsGroup, error) {
	defer v.lock()()
	var out []core.SavingsGroup
	for _, g := range (*v.st).groups {
		if g.Status == core.GroupActive && g.Rules.Frequency != "" && g.Rules.Frequency != core.Flexible {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b core.SavingsGroup) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (v *view) UpdateGroupRules(_ context.Context, id string, rules core.ContributionRules, at time.Time) error {
	defer v.lock()()
	st := *v.st
	g, ok := st.groups[id]
	if !ok {
		return storage.ErrNotFound
	}
	g.Rules = rules
	g.UpdatedAt = at
	st.groups[id] = g
	return nil
}

func (v *view) UpdateGroupStatus(_ context.Context, id string, from, to core.GroupStatus, at time.Time) (bool, error) {
	defer v.lock()()
	st := *v.st
	g, ok := st.groups[id]
	if !ok || g.Status != from {
		return false, nil
	}
	g.Status = to
	g.UpdatedAt = at
	st.groups[id] = g
	return true, nil
}

func (v *view) AddToGroupTotal(_ context.Context, id string, delta int64, at time.Time) (int64, error) {
	defer v.lock()()
	st := *v.st
	g, ok := st.groups[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	g.CurrentAmount.Cents += delta
	g.UpdatedAt = at
	st.groups[id] = g
	return g.CurrentAmount.Cents, nil
}

// Invitations

func (v *view) CreateInvitation(_ context.Context, inv core.GroupInvitation) error {
	defer v.lock()()
	st := *v.st
	if _, ok := st.tokens[inv.Token]; ok {
		return storage.ErrConflict
	}
	if _, ok := st.invitations[inv.ID]; ok {
		return storage.ErrConflict
	}
	st.invitations[inv.ID] = inv
	st.tokens[inv.Token] = inv.ID
	return nil
}

func (v *view) GetInvitationByToken(_ context.Context, token string) (core.GroupInvitation, error) {
	defer v.lock()()
	st := *v.st
	id, ok := st.tokens[token]
	if !ok {
		return core.GroupInvitation{}, storage.ErrNotFound
	}
	return st.invitations[id], nil
}

func (v *view) ListInvitations(_ context.Context, groupID string) ([]core.GroupInvitation, error) {
	defer v.lock()()
	var out []core.GroupInvitation
	for _, inv := range (*v.st).invitations {
		if inv.GroupID == groupID {
			out = append(out, inv)
		}
	}
	slices.SortFunc(out, func(a, b core.GroupInvitation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (v *view) ResolveInvitation(_ context.Context, id string, to core.InvitationStatus, by string, at time.Time) (bool, error) {
	defer v.lock()()
	st := *v.st
	inv, ok := st.invitations[id]
	if !ok || inv.Status != core.InvitationPending || inv.ExpiresAt.Before(at) {
		return false, nil
	}
	inv.Status = to
	inv.ResolvedBy = by
	inv.ResolvedAt = &at
	st.invitations[id] = inv
	return true, nil
}

// Members

func memberKey(groupID, userID string) string { return groupID + "|" + userID }

func (v *view) InsertMember(_ context.Context, m core.GroupMember) error {
	defer v.lock()()
	st := *v.st
	key := memberKey(m.GroupID, m.UserID)
	if _, ok := st.memberKeys[key]; ok {
		return storage.ErrConflict
	}
	st.members[m.ID] = m
	st.memberKeys[key] = m.ID
	return nil
}

func (v *view) GetMember(_ context.Context, groupID, userID string) (core.GroupMember, error) {
	defer v.lock()()
	st := *v.st
	id, ok := st.memberKeys[memberKey(groupID, userID)]
	if !ok {
		return core.GroupMember{}, storage.ErrNotFound
	}
	return st.members[id], nil
}

func (v *view) GetMemberByID(_ context.Context, id string) (core.GroupMember, error) {
	defer v.lock()()
	m, ok := (*v.st).members[id]
	if !ok {
		return core.GroupMember{}, storage.ErrNotFound
	}
	return m, nil
}

func (v *view) ListMembers(_ context.Context, groupID string, status core.MemberStatus) ([]core.GroupMember, error) {
	defer v.lock()()
	var out []core.GroupMember
	for _, m := range (*v.st).members {
		if m.GroupID == groupID && (status == "" || m.Status == status) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b core.GroupMember) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (v *view) CountActiveMembers(_ context.Context, groupID string) (int, error) {
	defer v.lock()()
	n := 0
	for _, m := range (*v.st).members {
		if m.GroupID == groupID && m.IsActive() {
			n++
		}
	}
	return n, nil
}

func (v *view) UpdateMembership(_ context.Context, id string, role core.Role, status core.MemberStatus, at time.Time) error {
	defer v.lock()()
	st := *v.st
	m, ok := st.members[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.Role = role
	m.Status = status
	m.UpdatedAt = at
	st.members[id] = m
	return nil
}

func (v *view) AddToMemberTotal(_ context.Context, id string, delta int64, at time.Time) (int64, error) {
	defer v.lock()()
	st := *v.st
	m, ok := st.members[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	m.TotalContributed.Cents += delta
	m.UpdatedAt = at
	st.members[id] = m
	return m.TotalContributed.Cents, nil
}

func (v *view) SetLastReminded(_ context.Context, id string, at time.Time) error {
	defer v.lock()()
	st := *v.st
	m, ok := st.members[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.LastRemindedAt = &at
	st.members[id] = m
	return nil
}

// Contributions

func (v *view) CreateContribution(_ context.Context, c core.GroupContribution) error {
	defer v.lock()()
	st := *v.st
	if _, ok := st.contributions[c.ID]; ok {
		return storage.ErrConflict
	}
	st.contributions[c.ID] = c
	return nil
}

func (v *view) GetContribution(_ context.Context, id string) (core.GroupContribution, error) {
	defer v.lock()()
	c, ok := (*v.st).contributions[id]
	if !ok {
		return core.GroupContribution{}, storage.ErrNotFound
	}
	return c, nil
}

func (v *view) ListContributions(_ context.Context, groupID string, status core.ContributionStatus) ([]core.GroupContribution, error) {
	defer v.lock()()
	var out []core.GroupContribution
	for _, c := range (*v.st).contributions {
		if c.GroupID == groupID && (status == "" || c.Status == status) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b core.GroupContribution) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (v *view) ResolveContribution(_ context.Context, id string, to core.ContributionStatus, by, reason string, at time.Time) (bool, error) {
	defer v.lock()()
	st := *v.st
	c, ok := st.contributions[id]
	if !ok || c.Status != core.ContributionPending {
		return false, nil
	}
	c.Status = to
	c.ConfirmedBy = by
	c.ConfirmedAt = &at
	c.RejectionReason = reason
	st.contributions[id] = c
	return true, nil
}

func (v *view) SumConfirmed(_ context.Context, groupID string) (storage.ConfirmedTotals, error) {
	defer v.lock()()
	totals := storage.ConfirmedTotals{ByMember: make(map[string]int64)}
	for _, c := range (*v.st).contributions {
		if c.GroupID != groupID || c.Status != core.ContributionConfirmed {
			continue
		}
		totals.ByMember[c.MemberID] += c.Amount.Cents
		totals.Group += c.Amount.Cents
	}
	return totals, nil
}

func (v *view) CountPending(_ context.Context, groupID string) (int, error) {
	defer v.lock()()
	n := 0
	for _, c := range (*v.st).contributions {
		if c.GroupID == groupID && c.Status == core.ContributionPending {
			n++
		}
	}
	return n, nil
}

func (v *view) HasContributionSince(_ context.Context, memberID string, since time.Time) (bool, error) {
	defer v.lock()()
	for _, c := range (*v.st).contributions {
		if c.MemberID == memberID && c.Status != core.ContributionRejected && !c.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// Activity

func (v *view) AppendActivity(_ context.Context, a core.GroupActivity) error {
	defer v.lock()()
	st := *v.st
	st.activities = append(st.activities, a)
	return nil
}

func (v *view) ListActivity(_ context.Context, groupID string, limit int) ([]core.GroupActivity, error) {
	defer v.lock()()
	var out []core.GroupActivity
	acts := (*v.st).activities
	for i := len(acts) - 1; i >= 0; i-- {
		if acts[i].GroupID != groupID {
			continue
		}
		out = append(out, acts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Outbox

func (v *view) EnqueueOutbox(_ context.Context, e storage.OutboxEvent) error {
	defer v.lock()()
	st := *v.st
	if e.Status == "" {
		e.Status = storage.OutboxPending
	}
	st.outbox[e.ID] = e
	return nil
}

func (v *view) PendingOutbox(_ context.Context, limit int) ([]storage.OutboxEvent, error) {
	defer v.lock()()
	var out []storage.OutboxEvent
	for _, e := range (*v.st).outbox {
		if e.Status == storage.OutboxPending {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b storage.OutboxEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) MarkOutboxPublished(_ context.Context, id string, at time.Time) error {
	defer v.lock()()
	st := *v.st
	e, ok := st.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = storage.OutboxPublished
	e.PublishedAt = &at
	e.LastError = ""
	st.outbox[id] = e
	return nil
}

func (v *view) MarkOutboxFailed(_ context.Context, id, reason string, maxAttempts int) error {
	defer v.lock()()
	st := *v.st
	e, ok := st.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Attempts++
	e.LastError = reason
	if e.Attempts >= maxAttempts {
		e.Status = storage.OutboxFailed
	}
	st.outbox[id] = e
	return nil
}

func (v *view) CleanupOutbox(_ context.Context, before time.Time) (int64, error) {
	defer v.lock()()
	st := *v.st
	var n int64
	for id, e := range st.outbox {
		if e.Status == storage.OutboxPublished && e.PublishedAt != nil && e.PublishedAt.Before(before) {
			delete(st.outbox, id)
			n++
		}
	}
	return n, nil
}

func (v *view) RetryFailedOutbox(_ context.Context) (int64, error) {
	defer v.lock()()
	st := *v.st
	var n int64
	for id, e := range st.outbox {
		if e.Status == storage.OutboxFailed {
			e.Status = storage.OutboxPending
			e.Attempts = 0
			st.outbox[id] = e
			n++
		}
	}
	return n, nil
}

func (v *view) OutboxStats(_ context.Context) (storage.OutboxStats, error) {
	defer v.lock()()
	var stats storage.OutboxStats
	for _, e := range (*v.st).outbox {
		switch e.Status {
		case storage.OutboxPending:
			stats.Pending++
		case storage.OutboxPublished:
			stats.Published++
		case storage.OutboxFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Package storagetest holds the behaviour every storage.Store must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"groupsave/internal/core"
	"groupsave/internal/storage"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"GroupRoundTrip", testGroupRoundTrip},
		{"GroupStatusCompareAndSet", testGroupStatusCAS},
		{"GroupTotalIncrement", testGroupTotal},
		{"InvitationResolveOnce", testInvitationResolveOnce},
		{"InvitationTokenUnique", testInvitationTokenUnique},
		{"MemberUniquePerGroup", testMemberUnique},
		{"MemberConcurrentInsert", testMemberConcurrentInsert},
		{"ContributionResolveOnce", testContributionResolveOnce},
		{"ActivityNewestFirst", testActivityOrder},
		{"OutboxLifecycle", testOutboxLifecycle},
		{"TxRollback", testTxRollback},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func seedGroup(t *testing.T, s storage.Store, id string) core.SavingsGroup {
	t.Helper()
	deadline := base.Add(30 * 24 * time.Hour)
	g := core.SavingsGroup{
		ID:           id,
		Name:         "Trip " + id,
		Description:  "summer",
		TargetAmount: core.Money{Cents: 100000},
		IsPublic:     true,
		Status:       core.GroupActive,
		Deadline:     &deadline,
		Rules:        core.ContributionRules{MinAmount: core.Money{Cents: 500}, Frequency: core.Monthly, DueDay: 5},
		CreatedBy:    "u-admin",
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	if err := s.Groups().CreateGroup(context.Background(), g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func seedMember(t *testing.T, s storage.Store, groupID, id, userID string, role core.Role) core.GroupMember {
	t.Helper()
	m := core.GroupMember{
		ID:        id,
		GroupID:   groupID,
		UserID:    userID,
		Name:      userID,
		Email:     userID + "@example.com",
		Role:      role,
		Status:    core.MemberActive,
		JoinedAt:  base,
		UpdatedAt: base,
	}
	if err := s.Members().InsertMember(context.Background(), m); err != nil {
		t.Fatalf("insert member: %v", err)
	}
	return m
}

func testGroupRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := seedGroup(t, s, "g1")
	seedMember(t, s, "g1", "m1", "u-admin", core.RoleAdmin)

	got, err := s.Groups().GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if got.Name != want.Name || got.TargetAmount != want.TargetAmount || !got.IsPublic {
		t.Fatalf("group mismatch: %+v", got)
	}
	if got.Deadline == nil || !got.Deadline.Equal(*want.Deadline) {
		t.Fatalf("deadline mismatch: %v", got.Deadline)
	}
	if got.Rules != want.Rules {
		t.Fatalf("rules mismatch: %+v", got.Rules)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("created_at mismatch: %v", got.CreatedAt)
	}

	if _, err := s.Groups().GetGroup(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mine, err := s.Groups().ListGroupsForUser(ctx, "u-admin")
	if err != nil || len(mine) != 1 {
		t.Fatalf("list for user: %v %d", err, len(mine))
	}
	public, err := s.Groups().ListPublicGroups(ctx, 10)
	if err != nil || len(public) != 1 {
		t.Fatalf("list public: %v %d", err, len(public))
	}
	scheduled, err := s.Groups().ListScheduledGroups(ctx)
	if err != nil || len(scheduled) != 1 {
		t.Fatalf("list scheduled: %v %d", err, len(scheduled))
	}

	rules := core.ContributionRules{Frequency: core.Flexible}
	if err := s.Groups().UpdateGroupRules(ctx, "g1", rules, base.Add(time.Minute)); err != nil {
		t.Fatalf("update rules: %v", err)
	}
	scheduled, _ = s.Groups().ListScheduledGroups(ctx)
	if len(scheduled) != 0 {
		t.Fatalf("flexible group must not be scheduled")
	}
}

func testGroupStatusCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")

	moved, err := s.Groups().UpdateGroupStatus(ctx, "g1", core.GroupActive, core.GroupArchived, base)
	if err != nil || !moved {
		t.Fatalf("first transition: moved=%v err=%v", moved, err)
	}
	moved, err = s.Groups().UpdateGroupStatus(ctx, "g1", core.GroupActive, core.GroupCompleted, base)
	if err != nil || moved {
		t.Fatalf("stale transition must not move: moved=%v err=%v", moved, err)
	}
	g, _ := s.Groups().GetGroup(ctx, "g1")
	if g.Status != core.GroupArchived {
		t.Fatalf("status = %q", g.Status)
	}
}

func testGroupTotal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")
	m := seedMember(t, s, "g1", "m1", "u1", core.RoleMember)

	for _, delta := range []int64{40000, 60000} {
		if _, err := s.Groups().AddToGroupTotal(ctx, "g1", delta, base); err != nil {
			t.Fatalf("add to group: %v", err)
		}
	}
	total, err := s.Groups().AddToGroupTotal(ctx, "g1", 1, base)
	if err != nil || total != 100001 {
		t.Fatalf("total = %d, err = %v", total, err)
	}
	if _, err := s.Groups().AddToGroupTotal(ctx, "missing", 1, base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mt, err := s.Members().AddToMemberTotal(ctx, m.ID, 2500, base)
	if err != nil || mt != 2500 {
		t.Fatalf("member total = %d, err = %v", mt, err)
	}
}

func newInvitation(id, groupID, token string) core.GroupInvitation {
	return core.GroupInvitation{
		ID:        id,
		GroupID:   groupID,
		Token:     token,
		InvitedBy: "u-admin",
		Message:   "join us",
		Status:    core.InvitationPending,
		CreatedAt: base,
		ExpiresAt: base.Add(time.Hour),
	}
}

func testInvitationResolveOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")
	inv := newInvitation("i1", "g1", "tok-1")
	if err := s.Invitations().CreateInvitation(ctx, inv); err != nil {
		t.Fatalf("create invitation: %v", err)
	}

	// Expired invitations never move, whatever their status.
	late := inv.ExpiresAt.Add(time.Second)
	moved, err := s.Invitations().ResolveInvitation(ctx, inv.ID, core.InvitationAccepted, "u2", late)
	if err != nil || moved {
		t.Fatalf("expired resolve: moved=%v err=%v", moved, err)
	}

	moved, err = s.Invitations().ResolveInvitation(ctx, inv.ID, core.InvitationAccepted, "u2", inv.ExpiresAt)
	if err != nil || !moved {
		t.Fatalf("resolve at expiry: moved=%v err=%v", moved, err)
	}
	moved, err = s.Invitations().ResolveInvitation(ctx, inv.ID, core.InvitationRejected, "u3", base)
	if err != nil || moved {
		t.Fatalf("second resolve: moved=%v err=%v", moved, err)
	}

	got, err := s.Invitations().GetInvitationByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get invitation: %v", err)
	}
	if got.Status != core.InvitationAccepted || got.ResolvedBy != "u2" || got.ResolvedAt == nil {
		t.Fatalf("invitation = %+v", got)
	}
	list, err := s.Invitations().ListInvitations(ctx, "g1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list invitations: %v %d", err, len(list))
	}
}

func testInvitationTokenUnique(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")
	if err := s.Invitations().CreateInvitation(ctx, newInvitation("i1", "g1", "same")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Invitations().CreateInvitation(ctx, newInvitation("i2", "g1", "same"))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := s.Invitations().GetInvitationByToken(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testMemberConcurrentInsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.WithTx(ctx, func(tx storage.Stores) error {
				return tx.Members().InsertMember(ctx, core.GroupMember{
					ID:        fmt.Sprintf("m%d", i),
					GroupID:   "g1",
					UserID:    "u1",
					Role:      core.RoleMember,
					Status:    core.MemberActive,
					JoinedAt:  base,
					UpdatedAt: base,
				})
			})
		}()
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, storage.ErrConflict):
			t.Fatalf("expected ErrConflict for the losers, got %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d inserts succeeded, want exactly 1", won)
	}
	n, err := s.Members().CountActiveMembers(ctx, "g1")
	if err != nil || n != 1 {
		t.Fatalf("active count = %d, err = %v", n, err)
	}
}

func testMemberUnique(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")
	m := seedMember(t, s, "g1", "m1", "u1", core.RoleMember)

	dup := m
	dup.ID = "m2"
	if err := s.Members().InsertMember(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := s.Members().UpdateMembership(ctx, m.ID, core.RoleMember, core.MemberRemoved, base); err != nil {
		t.Fatalf("remove: %v", err)
	}
	n, err := s.Members().CountActiveMembers(ctx, "g1")
	if err != nil || n != 0 {
		t.Fatalf("active count = %d, err = %v", n, err)
	}
	all, _ := s.Members().ListMembers(ctx, "g1", "")
	active, _ := s.Members().ListMembers(ctx, "g1", core.MemberActive)
	if len(all) != 1 || len(active) != 0 {
		t.Fatalf("list members all=%d active=%d", len(all), len(active))
	}

	if err := s.Members().SetLastReminded(ctx, m.ID, base); err != nil {
		t.Fatalf("set reminded: %v", err)
	}
	got, err := s.Members().GetMember(ctx, "g1", "u1")
	if err != nil || got.LastRemindedAt == nil || got.Status != core.MemberRemoved {
		t.Fatalf("member = %+v, err = %v", got, err)
	}
	if _, err := s.Members().GetMemberByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testContributionResolveOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")
	m := seedMember(t, s, "g1", "m1", "u1", core.RoleMember)

	c := core.GroupContribution{
		ID:        "c1",
		GroupID:   "g1",
		MemberID:  m.ID,
		UserID:    m.UserID,
		Amount:    core.Money{Cents: 40000},
		Method:    core.MethodBankTransfer,
		ProofRef:  "receipt.png",
		Status:    core.ContributionPending,
		CreatedAt: base,
	}
	if err := s.Contributions().CreateContribution(ctx, c); err != nil {
		t.Fatalf("create contribution: %v", err)
	}
	c2 := c
	c2.ID = "c2"
	c2.CreatedAt = base.Add(time.Minute)
	if err := s.Contributions().CreateContribution(ctx, c2); err != nil {
		t.Fatalf("create contribution: %v", err)
	}

	pending, _ := s.Contributions().CountPending(ctx, "g1")
	if pending != 2 {
		t.Fatalf("pending = %d", pending)
	}

	at := base.Add(time.Hour)
	moved, err := s.Contributions().ResolveContribution(ctx, "c1", core.ContributionConfirmed, "u-admin", "", at)
	if err != nil || !moved {
		t.Fatalf("confirm: moved=%v err=%v", moved, err)
	}
	moved, err = s.Contributions().ResolveContribution(ctx, "c1", core.ContributionRejected, "u-admin", "late", at)
	if err != nil || moved {
		t.Fatalf("second resolve: moved=%v err=%v", moved, err)
	}
	if _, err := s.Contributions().ResolveContribution(ctx, "c2", core.ContributionRejected, "u-admin", "blurry", at); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, err := s.Contributions().GetContribution(ctx, "c1")
	if err != nil || got.Status != core.ContributionConfirmed || got.ConfirmedBy != "u-admin" || got.ConfirmedAt == nil {
		t.Fatalf("contribution = %+v, err = %v", got, err)
	}
	rejected, _ := s.Contributions().GetContribution(ctx, "c2")
	if rejected.RejectionReason != "blurry" {
		t.Fatalf("reason = %q", rejected.RejectionReason)
	}

	totals, err := s.Contributions().SumConfirmed(ctx, "g1")
	if err != nil || totals.Group != 40000 || totals.ByMember[m.ID] != 40000 {
		t.Fatalf("totals = %+v, err = %v", totals, err)
	}

	list, _ := s.Contributions().ListContributions(ctx, "g1", "")
	if len(list) != 2 || list[0].ID != "c2" {
		t.Fatalf("list order = %+v", list)
	}
	confirmed, _ := s.Contributions().ListContributions(ctx, "g1", core.ContributionConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("confirmed = %d", len(confirmed))
	}

	has, _ := s.Contributions().HasContributionSince(ctx, m.ID, base)
	if !has {
		t.Fatalf("confirmed contribution counts for the period")
	}
	has, _ = s.Contributions().HasContributionSince(ctx, m.ID, base.Add(30*time.Second))
	if has {
		t.Fatalf("rejected contribution must not count")
	}
}

func testActivityOrder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, typ := range []core.ActivityType{core.ActivityGroupCreated, core.ActivityMemberJoined, core.ActivityContributionMade} {
		a := core.GroupActivity{
			ID:          string(rune('a' + i)),
			GroupID:     "g1",
			Type:        typ,
			UserID:      "u1",
			Description: string(typ),
			Metadata:    map[string]string{"n": string(rune('0' + i))},
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Activities().AppendActivity(ctx, a); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.Activities().ListActivity(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Type != core.ActivityContributionMade || got[1].Type != core.ActivityMemberJoined {
		t.Fatalf("activity order = %+v", got)
	}
	if got[0].Metadata["n"] != "2" {
		t.Fatalf("metadata = %v", got[0].Metadata)
	}
}

func testOutboxLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, id := range []string{"e1", "e2"} {
		e := storage.OutboxEvent{
			ID:        id,
			Type:      "activity.recorded",
			Payload:   []byte(`{"n":1}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Outbox().EnqueueOutbox(ctx, e); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	pending, err := s.Outbox().PendingOutbox(ctx, 10)
	if err != nil || len(pending) != 2 || pending[0].ID != "e1" {
		t.Fatalf("pending = %+v, err = %v", pending, err)
	}
	if string(pending[0].Payload) != `{"n":1}` {
		t.Fatalf("payload = %s", pending[0].Payload)
	}

	if err := s.Outbox().MarkOutboxPublished(ctx, "e1", base); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Outbox().MarkOutboxFailed(ctx, "e2", "broker down", 2); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	stats, err := s.Outbox().OutboxStats(ctx)
	if err != nil || stats.Published != 1 || stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("stats = %+v, err = %v", stats, err)
	}

	n, err := s.Outbox().RetryFailedOutbox(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry = %d, err = %v", n, err)
	}
	n, err = s.Outbox().CleanupOutbox(ctx, base.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("cleanup = %d, err = %v", n, err)
	}
	pending, _ = s.Outbox().PendingOutbox(ctx, 10)
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Fatalf("pending after retry = %+v", pending)
	}
}

func testTxRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedGroup(t, s, "g1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx storage.Stores) error {
		if _, err := tx.Groups().AddToGroupTotal(ctx, "g1", 500, base); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	g, _ := s.Groups().GetGroup(ctx, "g1")
	if g.CurrentAmount.Cents != 0 {
		t.Fatalf("rolled back increment leaked: %d", g.CurrentAmount.Cents)
	}

	err = s.WithTx(ctx, func(tx storage.Stores) error {
		_, err := tx.Groups().AddToGroupTotal(ctx, "g1", 500, base)
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	g, _ = s.Groups().GetGroup(ctx, "g1")
	if g.CurrentAmount.Cents != 500 {
		t.Fatalf("committed increment missing: %d", g.CurrentAmount.Cents)
	}
}

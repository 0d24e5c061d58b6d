package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"groupsave/internal/core"
)

// Submitting never moves the totals; confirming does.
func TestContributionService_SubmitThenConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	member := env.join(t, g.ID, bob)

	c := env.submit(t, bob, g.ID, 40000)
	if c.Status != core.ContributionPending || c.MemberID != member.ID {
		t.Fatalf("submitted = %+v", c)
	}
	if got := env.group(t, g.ID).CurrentAmount.Cents; got != 0 {
		t.Fatalf("current amount after submit = %d, want 0", got)
	}

	confirmed, err := env.Contributions.Confirm(ctx, alice, c.ID)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if confirmed.Status != core.ContributionConfirmed || confirmed.ConfirmedBy != alice.UserID || confirmed.ConfirmedAt == nil {
		t.Errorf("confirmed = %+v", confirmed)
	}

	g = env.group(t, g.ID)
	if g.CurrentAmount.Cents != 40000 {
		t.Errorf("current amount = %d, want 40000", g.CurrentAmount.Cents)
	}
	progress, err := env.Groups.Progress(ctx, bob, g.ID)
	if err != nil || progress != 40.0 {
		t.Errorf("Progress() = %v, %v; want 40", progress, err)
	}
	m, err := env.store.Members().GetMemberByID(ctx, member.ID)
	if err != nil || m.TotalContributed.Cents != 40000 {
		t.Errorf("member total = %d, %v", m.TotalContributed.Cents, err)
	}

	types := env.activityTypes(t, g.ID)
	if countType(types, core.ActivityContributionMade) != 1 || countType(types, core.ActivityContributionConfirmed) != 1 {
		t.Errorf("activity = %v", types)
	}
}

func TestContributionService_SubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{MinAmount: core.Money{Cents: 1000}})
	env.join(t, g.ID, bob)

	valid := SubmitContribution{
		GroupID:  g.ID,
		Amount:   core.Money{Cents: 5000},
		Method:   core.MethodMobileMoney,
		ProofRef: "mpesa-123",
	}

	tests := []struct {
		name    string
		actor   core.Actor
		mutate  func(*SubmitContribution)
		wantErr error
	}{
		{"zero amount", bob, func(in *SubmitContribution) { in.Amount = core.Money{} }, core.ErrInvalidAmount},
		{"negative amount", bob, func(in *SubmitContribution) { in.Amount = core.Money{Cents: -5} }, core.ErrInvalidAmount},
		{"unknown method", bob, func(in *SubmitContribution) { in.Method = "barter" }, core.ErrInvalidMethod},
		{"missing proof", bob, func(in *SubmitContribution) { in.ProofRef = "  " }, core.ErrProofRequired},
		{"description too long", bob, func(in *SubmitContribution) { in.Description = strings.Repeat("d", core.MaxDescriptionLength+1) }, core.ErrValidation},
		{"below minimum", bob, func(in *SubmitContribution) { in.Amount = core.Money{Cents: 999} }, core.ErrBelowMinimum},
		{"not a member", carol, func(*SubmitContribution) {}, core.ErrNotMember},
		{"unknown group", bob, func(in *SubmitContribution) { in.GroupID = "nope" }, core.ErrGroupNotFound},
		{"anonymous", core.Actor{}, func(*SubmitContribution) {}, core.ErrAnonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := env.Contributions.Submit(ctx, tt.actor, in)
			assertKind(t, err, tt.wantErr)
		})
	}

	if _, err := env.Contributions.Submit(ctx, bob, valid); err != nil {
		t.Errorf("valid submit: %v", err)
	}
}

// A second confirm fails and the amount is applied only once.
func TestContributionService_DoubleConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	c := env.submit(t, alice, g.ID, 40000)

	if _, err := env.Contributions.Confirm(ctx, alice, c.ID); err != nil {
		t.Fatal(err)
	}
	_, err := env.Contributions.Confirm(ctx, alice, c.ID)
	assertKind(t, err, core.ErrAlreadyResolved)

	if got := env.group(t, g.ID).CurrentAmount.Cents; got != 40000 {
		t.Errorf("current amount = %d, want 40000", got)
	}
	_, err = env.Contributions.Reject(ctx, alice, c.ID, "changed my mind")
	assertKind(t, err, core.ErrAlreadyResolved)
}

func TestContributionService_ConcurrentConfirm(t *testing.T) {
	env := newTestEnv(t)
	runConcurrentConfirm(t, env)
}

func runConcurrentConfirm(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	c := env.submit(t, alice, g.ID, 40000)

	const admins = 4
	var wins, resolved atomic.Int32
	var eg errgroup.Group
	for range admins {
		eg.Go(func() error {
			_, err := env.Contributions.Confirm(ctx, alice, c.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrAlreadyResolved):
				resolved.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins.Load() != 1 || resolved.Load() != admins-1 {
		t.Fatalf("wins = %d, already resolved = %d", wins.Load(), resolved.Load())
	}
	if got := env.group(t, g.ID).CurrentAmount.Cents; got != 40000 {
		t.Errorf("current amount = %d, want 40000", got)
	}
}

// Rejecting without a reason fails and leaves the contribution pending.
func TestContributionService_RejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	c := env.submit(t, alice, g.ID, 1000)

	for _, reason := range []string{"", "   "} {
		_, err := env.Contributions.Reject(ctx, alice, c.ID, reason)
		assertKind(t, err, core.ErrValidation)
	}

	stored, err := env.Contributions.Get(ctx, alice, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != core.ContributionPending {
		t.Errorf("status = %q, want pending", stored.Status)
	}
}

func TestContributionService_Reject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	env.join(t, g.ID, bob)
	c := env.submit(t, bob, g.ID, 1000)

	_, err := env.Contributions.Reject(ctx, bob, c.ID, "not mine to judge")
	assertKind(t, err, core.ErrNotAdmin)

	rejected, err := env.Contributions.Reject(ctx, alice, c.ID, "blurry receipt")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != core.ContributionRejected || rejected.RejectionReason != "blurry receipt" || rejected.ConfirmedBy != alice.UserID {
		t.Errorf("rejected = %+v", rejected)
	}
	if got := env.group(t, g.ID).CurrentAmount.Cents; got != 0 {
		t.Errorf("reject moved the ledger to %d", got)
	}
	_, err = env.Contributions.Confirm(ctx, alice, c.ID)
	assertKind(t, err, core.ErrAlreadyResolved)
}

func TestContributionService_ConfirmRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	env.join(t, g.ID, bob)
	c := env.submit(t, bob, g.ID, 1000)

	_, err := env.Contributions.Confirm(ctx, bob, c.ID)
	assertKind(t, err, core.ErrNotAdmin)
	_, err = env.Contributions.Confirm(ctx, carol, c.ID)
	assertKind(t, err, core.ErrNotAdmin)
	_, err = env.Contributions.Confirm(ctx, alice, "missing")
	assertKind(t, err, core.ErrContributionNotFound)
}

func TestContributionService_ReachingTargetCompletesGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 1000, core.ContributionRules{})
	first := env.submit(t, alice, g.ID, 600)
	second := env.submit(t, alice, g.ID, 600)

	if _, err := env.Contributions.Confirm(ctx, alice, first.ID); err != nil {
		t.Fatal(err)
	}
	if got := env.group(t, g.ID).Status; got != core.GroupActive {
		t.Fatalf("status = %q before target, want active", got)
	}
	if _, err := env.Contributions.Confirm(ctx, alice, second.ID); err != nil {
		t.Fatal(err)
	}

	g = env.group(t, g.ID)
	if g.Status != core.GroupCompleted || g.CurrentAmount.Cents != 1200 {
		t.Errorf("group = %+v", g)
	}
	if p := core.Progress(g.CurrentAmount, g.TargetAmount); p != 100 {
		t.Errorf("progress = %v, want capped 100", p)
	}
	if countType(env.activityTypes(t, g.ID), core.ActivityGroupCompleted) != 1 {
		t.Error("expected one group_completed entry")
	}

	// Over-funding a completed group is allowed.
	extra := env.submit(t, alice, g.ID, 100)
	if _, err := env.Contributions.Confirm(ctx, alice, extra.ID); err != nil {
		t.Fatalf("confirm on completed group: %v", err)
	}
	if countType(env.activityTypes(t, g.ID), core.ActivityGroupCompleted) != 1 {
		t.Error("group_completed must be appended once")
	}
}

func TestContributionService_ListForGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	env.join(t, g.ID, bob)
	c1 := env.submit(t, bob, g.ID, 1000)
	env.submit(t, alice, g.ID, 2000)
	if _, err := env.Contributions.Confirm(ctx, alice, c1.ID); err != nil {
		t.Fatal(err)
	}

	all, err := env.Contributions.ListForGroup(ctx, bob, g.ID, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	pending, err := env.Contributions.ListForGroup(ctx, bob, g.ID, core.ContributionPending)
	if err != nil || len(pending) != 1 || pending[0].Amount.Cents != 2000 {
		t.Errorf("pending = %+v, %v", pending, err)
	}
	_, err = env.Contributions.ListForGroup(ctx, bob, g.ID, "bogus")
	assertKind(t, err, core.ErrValidation)
	_, err = env.Contributions.ListForGroup(ctx, carol, g.ID, "")
	assertKind(t, err, core.ErrNotMember)
}

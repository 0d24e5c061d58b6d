package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"groupsave/internal/core"
)

func TestGroupService_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	past := env.clock.Now().Add(-time.Hour)
	future := env.clock.Now().Add(24 * time.Hour)

	tests := []struct {
		name    string
		actor   core.Actor
		in      NewGroup
		wantErr error
	}{
		{
			name:    "anonymous",
			actor:   core.Actor{},
			in:      NewGroup{Name: "x", TargetAmount: core.Money{Cents: 100}},
			wantErr: core.ErrUnauthorized,
		},
		{
			name:    "empty name",
			actor:   alice,
			in:      NewGroup{Name: "   ", TargetAmount: core.Money{Cents: 100}},
			wantErr: core.ErrValidation,
		},
		{
			name:    "name too long",
			actor:   alice,
			in:      NewGroup{Name: strings.Repeat("a", core.MaxNameLength+1), TargetAmount: core.Money{Cents: 100}},
			wantErr: core.ErrValidation,
		},
		{
			name:    "zero target",
			actor:   alice,
			in:      NewGroup{Name: "x"},
			wantErr: core.ErrValidation,
		},
		{
			name:    "deadline in the past",
			actor:   alice,
			in:      NewGroup{Name: "x", TargetAmount: core.Money{Cents: 100}, Deadline: &past},
			wantErr: core.ErrValidation,
		},
		{
			name:    "due day on weekly rules",
			actor:   alice,
			in:      NewGroup{Name: "x", TargetAmount: core.Money{Cents: 100}, Rules: core.ContributionRules{Frequency: core.Weekly, DueDay: 3}},
			wantErr: core.ErrValidation,
		},
		{
			name:  "valid with deadline",
			actor: alice,
			in:    NewGroup{Name: "x", TargetAmount: core.Money{Cents: 100}, Deadline: &future},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Groups.Create(context.Background(), tt.actor, tt.in)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Create() error = %v", err)
				}
				return
			}
			assertKind(t, err, tt.wantErr)
		})
	}
}

func TestGroupService_CreateAddsCreatorAsAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})

	if g.Status != core.GroupActive || g.CurrentAmount.Cents != 0 {
		t.Errorf("new group = %+v", g)
	}
	if g.Rules.Frequency != core.Flexible {
		t.Errorf("frequency = %q, want flexible default", g.Rules.Frequency)
	}
	role, err := env.Members.Role(ctx, g.ID, alice.UserID)
	if err != nil || role != core.RoleAdmin {
		t.Fatalf("creator role = %q, %v", role, err)
	}
	if got := env.activityTypes(t, g.ID); len(got) != 1 || got[0] != core.ActivityGroupCreated {
		t.Errorf("activity = %v", got)
	}
	stats, err := env.store.Outbox().OutboxStats(ctx)
	if err != nil || stats.Pending != 1 {
		t.Errorf("outbox stats = %+v, %v", stats, err)
	}
}

func TestGroupService_Visibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	private := env.createGroup(t, 1000, core.ContributionRules{})
	public, err := env.Groups.Create(ctx, alice, NewGroup{Name: "Open", TargetAmount: core.Money{Cents: 1000}, IsPublic: true})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.Groups.Get(ctx, bob, private.ID); err == nil {
		t.Error("non-member read a private group")
	} else {
		assertKind(t, err, core.ErrUnauthorized)
	}
	if _, err := env.Groups.Get(ctx, bob, public.ID); err != nil {
		t.Errorf("public group: %v", err)
	}
	if _, err := env.Groups.Get(ctx, bob, "missing"); err == nil {
		t.Error("expected not found")
	} else {
		assertKind(t, err, core.ErrNotFound)
	}

	mine, err := env.Groups.ListForUser(ctx, alice)
	if err != nil || len(mine) != 2 {
		t.Errorf("ListForUser = %d groups, %v", len(mine), err)
	}
	listed, err := env.Groups.ListPublic(ctx, 0)
	if err != nil || len(listed) != 1 || listed[0].ID != public.ID {
		t.Errorf("ListPublic = %+v, %v", listed, err)
	}
}

func TestGroupService_ArchiveAndReopen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 1000, core.ContributionRules{})
	env.join(t, g.ID, bob)

	if _, err := env.Groups.Archive(ctx, bob, g.ID); err == nil {
		t.Fatal("member archived the group")
	} else {
		assertKind(t, err, core.ErrUnauthorized)
	}

	archived, err := env.Groups.Archive(ctx, alice, g.ID)
	if err != nil || archived.Status != core.GroupArchived {
		t.Fatalf("Archive() = %+v, %v", archived, err)
	}
	if _, err := env.Groups.Archive(ctx, alice, g.ID); err == nil {
		t.Error("archiving twice succeeded")
	}

	_, err = env.Contributions.Submit(ctx, bob, SubmitContribution{
		GroupID: g.ID, Amount: core.Money{Cents: 100}, Method: core.MethodCash, ProofRef: "r",
	})
	assertKind(t, err, core.ErrValidation)
	_, _, err = env.Invitations.Create(ctx, alice, g.ID, "", time.Hour)
	assertKind(t, err, core.ErrValidation)

	reopened, err := env.Groups.Reopen(ctx, alice, g.ID)
	if err != nil || reopened.Status != core.GroupActive {
		t.Fatalf("Reopen() = %+v, %v", reopened, err)
	}
	if _, err := env.Groups.Reopen(ctx, alice, g.ID); err == nil {
		t.Error("reopening an active group succeeded")
	}

	types := env.activityTypes(t, g.ID)
	if countType(types, core.ActivityGroupArchived) != 1 || countType(types, core.ActivityGroupReopened) != 1 {
		t.Errorf("activity = %v", types)
	}
}

func TestGroupService_ReopenCompletedGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 500, core.ContributionRules{})
	c := env.submit(t, alice, g.ID, 500)
	if _, err := env.Contributions.Confirm(ctx, alice, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Groups.Archive(ctx, alice, g.ID); err != nil {
		t.Fatal(err)
	}
	reopened, err := env.Groups.Reopen(ctx, alice, g.ID)
	if err != nil || reopened.Status != core.GroupCompleted {
		t.Fatalf("Reopen() = %+v, %v", reopened, err)
	}
}

func TestGroupService_UpdateRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 1000, core.ContributionRules{})
	env.join(t, g.ID, bob)

	_, err := env.Groups.UpdateRules(ctx, bob, g.ID, core.ContributionRules{Frequency: core.Weekly})
	assertKind(t, err, core.ErrUnauthorized)

	updated, err := env.Groups.UpdateRules(ctx, alice, g.ID, core.ContributionRules{Frequency: core.Monthly})
	if err != nil {
		t.Fatalf("UpdateRules() error = %v", err)
	}
	if updated.Rules.DueDay != 1 {
		t.Errorf("monthly due day = %d, want default 1", updated.Rules.DueDay)
	}
	if got := env.group(t, g.ID).Rules.Frequency; got != core.Monthly {
		t.Errorf("stored frequency = %q", got)
	}
}

func TestGroupService_SummaryInvalidatedOnChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 1000, core.ContributionRules{})

	s, err := env.Groups.Summary(ctx, alice, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.MemberCount != 1 || s.PendingCount != 0 || s.Progress != 0 {
		t.Errorf("summary = %+v", s)
	}

	c := env.submit(t, alice, g.ID, 250)
	s, _ = env.Groups.Summary(ctx, alice, g.ID)
	if s.PendingCount != 1 {
		t.Errorf("pending = %d after submit, want 1", s.PendingCount)
	}

	if _, err := env.Contributions.Confirm(ctx, alice, c.ID); err != nil {
		t.Fatal(err)
	}
	s, _ = env.Groups.Summary(ctx, alice, g.ID)
	if s.PendingCount != 0 || s.Progress != 25 || s.Remaining.Cents != 750 {
		t.Errorf("summary after confirm = %+v", s)
	}

	if _, err := env.Groups.Summary(ctx, bob, g.ID); err == nil {
		t.Error("non-member read the summary")
	}
}

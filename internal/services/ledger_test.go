package services

import (
	"context"
	"errors"
	"testing"

	"groupsave/internal/core"
	"groupsave/internal/storage"
)

func TestLedger_VerifyConsistent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	env.join(t, g.ID, bob)
	for _, cents := range []int64{1500, 2500} {
		c := env.submit(t, bob, g.ID, cents)
		if _, err := env.Contributions.Confirm(ctx, alice, c.ID); err != nil {
			t.Fatal(err)
		}
	}
	rejected := env.submit(t, bob, g.ID, 999)
	if _, err := env.Contributions.Reject(ctx, alice, rejected.ID, "duplicate"); err != nil {
		t.Fatal(err)
	}

	report, err := env.Ledger.Verify(ctx, alice, g.ID)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !report.Consistent || report.Recorded.Cents != 4000 || report.Expected.Cents != 4000 {
		t.Errorf("report = %+v", report)
	}

	_, err = env.Ledger.Verify(ctx, bob, g.ID)
	assertKind(t, err, core.ErrNotAdmin)
}

func TestLedger_VerifyDetectsDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 100000, core.ContributionRules{})
	c := env.submit(t, alice, g.ID, 1000)
	if _, err := env.Contributions.Confirm(ctx, alice, c.ID); err != nil {
		t.Fatal(err)
	}

	// Bypass the workflow to simulate a corrupted total.
	if _, err := env.store.Groups().AddToGroupTotal(ctx, g.ID, 5, env.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Members().AddToMemberTotal(ctx, c.MemberID, -1, env.clock.Now()); err != nil {
		t.Fatal(err)
	}

	report, err := env.Ledger.Verify(ctx, alice, g.ID)
	if !errors.Is(err, core.ErrIntegrity) {
		t.Fatalf("Verify() error = %v, want integrity error", err)
	}
	if report.Consistent || report.Recorded.Cents != 1005 || report.Expected.Cents != 1000 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Drift) != 1 || report.Drift[0].Recorded.Cents != 999 || report.Drift[0].Expected.Cents != 1000 {
		t.Errorf("drift = %+v", report.Drift)
	}
}

func TestLedger_ApplyRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := env.createGroup(t, 1000, core.ContributionRules{})

	tests := []struct {
		name string
		c    core.GroupContribution
	}{
		{"pending contribution", core.GroupContribution{ID: "c1", GroupID: g.ID, Status: core.ContributionPending, Amount: core.Money{Cents: 10}}},
		{"zero amount", core.GroupContribution{ID: "c2", GroupID: g.ID, Status: core.ContributionConfirmed}},
		{"missing group", core.GroupContribution{ID: "c3", GroupID: "ghost", Status: core.ContributionConfirmed, Amount: core.Money{Cents: 10}}},
		{"missing member", core.GroupContribution{ID: "c4", GroupID: g.ID, MemberID: "ghost", Status: core.ContributionConfirmed, Amount: core.Money{Cents: 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.store.WithTx(ctx, func(tx storage.Stores) error {
				_, err := env.Ledger.Apply(ctx, tx, tt.c)
				return err
			})
			assertKind(t, err, core.ErrIntegrity)
		})
	}

	// Failed applications roll back.
	if got := env.group(t, g.ID).CurrentAmount.Cents; got != 0 {
		t.Errorf("current amount = %d after failed applies, want 0", got)
	}
}

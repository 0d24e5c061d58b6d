package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupsave/internal/amqp"
	"groupsave/internal/core"
	"groupsave/internal/storage"
	"groupsave/internal/storage/memory"
)

var (
	alice = core.Actor{UserID: "u-alice", Name: "Alice", Email: "alice@example.com"}
	bob   = core.Actor{UserID: "u-bob", Name: "Bob", Email: "bob@example.com"}
	carol = core.Actor{UserID: "u-carol", Name: "Carol", Email: "carol@example.com"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []*amqp.Envelope
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, env *amqp.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *fakePublisher) ofType(msgType string) []*amqp.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*amqp.Envelope
	for _, e := range p.sent {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	*Engine
	store storage.Store
	clock *fakeClock
	pub   *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, memory.New())
}

func newTestEnvWithStore(t *testing.T, store storage.Store) *testEnv {
	t.Helper()
	clock := newFakeClock()
	pub := &fakePublisher{}
	eng := NewEngine(store, Config{
		BaseURL:   "https://save.example.com/",
		Now:       clock.Now,
		Publisher: pub,
	})
	return &testEnv{Engine: eng, store: store, clock: clock, pub: pub}
}

// createGroup makes a group owned by alice.
func (e *testEnv) createGroup(t *testing.T, target int64, rules core.ContributionRules) core.SavingsGroup {
	t.Helper()
	g, err := e.Groups.Create(context.Background(), alice, NewGroup{
		Name:         "Trip to Lisbon",
		TargetAmount: core.Money{Cents: target},
		Rules:        rules,
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

// join invites user into the group on behalf of alice and accepts.
func (e *testEnv) join(t *testing.T, groupID string, user core.Actor) core.GroupMember {
	t.Helper()
	ctx := context.Background()
	inv, _, err := e.Invitations.Create(ctx, alice, groupID, "", time.Hour)
	if err != nil {
		t.Fatalf("create invitation: %v", err)
	}
	m, err := e.Invitations.Accept(ctx, inv.Token, user)
	if err != nil {
		t.Fatalf("accept invitation: %v", err)
	}
	return m
}

func (e *testEnv) submit(t *testing.T, user core.Actor, groupID string, cents int64) core.GroupContribution {
	t.Helper()
	c, err := e.Contributions.Submit(context.Background(), user, SubmitContribution{
		GroupID:  groupID,
		Amount:   core.Money{Cents: cents},
		Method:   core.MethodBankTransfer,
		ProofRef: "receipt-001",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return c
}

func (e *testEnv) group(t *testing.T, id string) core.SavingsGroup {
	t.Helper()
	g, err := e.store.Groups().GetGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	return g
}

func (e *testEnv) activityTypes(t *testing.T, groupID string) []core.ActivityType {
	t.Helper()
	list, err := e.store.Activities().ListActivity(context.Background(), groupID, 100)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	out := make([]core.ActivityType, len(list))
	for i, a := range list {
		out[i] = a.Type
	}
	return out
}

func countType(types []core.ActivityType, want core.ActivityType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}

func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want kind %v", err, kind)
	}
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"groupsave/internal/auth"
	"groupsave/internal/core"
	"groupsave/internal/log"
	"groupsave/internal/metrics"
	"groupsave/internal/middleware/ratelimit"
	"groupsave/internal/services"
	"groupsave/internal/storage/memory"
)

var (
	alice = core.Actor{UserID: "u-alice", Name: "Alice", Email: "alice@example.com"}
	bob   = core.Actor{UserID: "u-bob", Name: "Bob", Email: "bob@example.com"}
	carol = core.Actor{UserID: "u-carol", Name: "Carol", Email: "carol@example.com"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type apiEnv struct {
	srv     *Server
	engine  *services.Engine
	jwt     *auth.JWTManager
	clock   *testClock
	metrics *metrics.Metrics
}

func newAPIEnv(t *testing.T, limit int) *apiEnv {
	t.Helper()
	store := memory.New()
	clock := &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	m := metrics.New()
	eng := services.NewEngine(store, services.Config{BaseURL: "https://save.example.com", Now: clock.Now, Metrics: m})
	jwt := auth.NewJWTManager("test-secret", time.Hour)

	srv := NewServer(Options{
		Addr:      ":0",
		Engine:    eng,
		JWT:       jwt,
		Store:     store,
		Metrics:   m,
		Logger:    log.New(log.Config{Output: io.Discard}),
		RateLimit: ratelimit.Config{RequestsPerMinute: limit, SkipSafeMethods: true},
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &apiEnv{srv: srv, engine: eng, jwt: jwt, clock: clock, metrics: m}
}

// do sends a request as the given actor (nil for anonymous) and returns
// the recorder.
func (e *apiEnv) do(t *testing.T, method, path string, as *core.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		token, err := e.jwt.Generate(*as)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	if body := decode[ErrorBody](t, rr); body.Code != code {
		t.Fatalf("code = %q, want %q (%s)", body.Code, code, body.Error)
	}
}

func (e *apiEnv) createGroup(t *testing.T, target string) core.SavingsGroup {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/groups", &alice, map[string]any{
		"name":          "Trip to Lisbon",
		"target_amount": target,
	})
	expectStatus(t, rr, http.StatusCreated)
	return decode[core.SavingsGroup](t, rr)
}

func (e *apiEnv) join(t *testing.T, groupID string, user core.Actor) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/groups/"+groupID+"/invitations", &alice, nil)
	expectStatus(t, rr, http.StatusCreated)
	inv := decode[invitationCreatedResponse](t, rr)
	expectStatus(t, e.do(t, http.MethodPost, "/api/invitations/"+inv.Invitation.Token+"/accept", &user, nil), http.StatusOK)
}

func TestHealthAndReady(t *testing.T) {
	env := newAPIEnv(t, 100)
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := env.do(t, http.MethodGet, path, nil, nil)
		expectStatus(t, rr, http.StatusOK)
	}
	ready := decode[map[string]any](t, env.do(t, http.MethodGet, "/readyz", nil, nil))
	if ready["status"] != "ready" {
		t.Errorf("readyz = %v", ready)
	}
}

func TestReady_StoreDown(t *testing.T) {
	env := newAPIEnv(t, 100)
	env.srv.store = failingPinger{}
	rr := env.do(t, http.MethodGet, "/readyz", nil, nil)
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestRequiresBearerToken(t *testing.T) {
	env := newAPIEnv(t, 100)
	expectError(t, env.do(t, http.MethodGet, "/api/groups", nil, nil), http.StatusUnauthorized, CodeUnauthenticated)

	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	env.srv.Handler.ServeHTTP(rr, req)
	expectError(t, rr, http.StatusUnauthorized, CodeUnauthenticated)

	// Public routes stay open.
	expectStatus(t, env.do(t, http.MethodGet, "/api/groups/public", nil, nil), http.StatusOK)
}

func TestCreateGroupValidation(t *testing.T) {
	env := newAPIEnv(t, 100)
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed json", `{"name":`, http.StatusBadRequest, CodeBadRequest},
		{"unknown field", map[string]any{"name": "x", "target_amount": "10", "owner": "me"}, http.StatusBadRequest, CodeBadRequest},
		{"missing target", map[string]any{"name": "x"}, http.StatusUnprocessableEntity, CodeValidation},
		{"bad amount", map[string]any{"name": "x", "target_amount": "abc"}, http.StatusUnprocessableEntity, CodeValidation},
		{"empty name", map[string]any{"name": "  ", "target_amount": "10"}, http.StatusUnprocessableEntity, CodeValidation},
		{"deadline in past", map[string]any{"name": "x", "target_amount": "10", "deadline": "2020-01-01T00:00:00Z"}, http.StatusUnprocessableEntity, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.do(t, http.MethodPost, "/api/groups", &alice, tt.body), tt.status, tt.code)
		})
	}
}

// Contribution confirmed end to end: the group total moves only on confirm.
func TestContributionLifecycle(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "1000.00")
	if g.TargetAmount.Cents != 100000 || g.CurrentAmount.Cents != 0 || g.Status != core.GroupActive {
		t.Fatalf("group = %+v", g)
	}
	env.join(t, g.ID, bob)

	rr := env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/contributions", &bob, map[string]any{
		"amount":    "400",
		"method":    "bank_transfer",
		"proof_ref": "receipt-17",
	})
	expectStatus(t, rr, http.StatusCreated)
	c := decode[core.GroupContribution](t, rr)
	if c.Status != core.ContributionPending || c.Amount.Cents != 40000 {
		t.Fatalf("contribution = %+v", c)
	}

	summary := decode[core.GroupSummary](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID, &bob, nil))
	if summary.Group.CurrentAmount.Cents != 0 || summary.PendingCount != 1 || summary.MemberCount != 2 {
		t.Fatalf("summary before confirm = %+v", summary)
	}

	// Members cannot confirm.
	expectError(t, env.do(t, http.MethodPost, "/api/contributions/"+c.ID+"/confirm", &bob, nil), http.StatusForbidden, CodeForbidden)

	rr = env.do(t, http.MethodPost, "/api/contributions/"+c.ID+"/confirm", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[core.GroupContribution](t, rr); got.Status != core.ContributionConfirmed || got.ConfirmedBy != alice.UserID {
		t.Fatalf("confirmed = %+v", got)
	}
	expectError(t, env.do(t, http.MethodPost, "/api/contributions/"+c.ID+"/confirm", &alice, nil), http.StatusConflict, CodeAlreadyResolved)

	p := decode[progressResponse](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID+"/progress", &bob, nil))
	if p.Progress != 40 {
		t.Errorf("progress = %v, want 40", p.Progress)
	}
	summary = decode[core.GroupSummary](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID, &bob, nil))
	if summary.Group.CurrentAmount.Cents != 40000 || summary.PendingCount != 0 {
		t.Errorf("summary after confirm = %+v", summary)
	}

	report := decode[services.LedgerReport](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID+"/ledger/verify", &alice, nil))
	if !report.Consistent || report.Expected.Cents != 40000 {
		t.Errorf("report = %+v", report)
	}

	list := decode[listResponse[core.GroupContribution]](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID+"/contributions?status=confirmed", &bob, nil))
	if list.Count != 1 || list.Items[0].ID != c.ID {
		t.Errorf("confirmed list = %+v", list)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "100")
	rr := env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/contributions", &alice, map[string]any{
		"amount_cents": 500, "method": "cash", "proof_ref": "photo-1",
	})
	expectStatus(t, rr, http.StatusCreated)
	c := decode[core.GroupContribution](t, rr)

	expectError(t, env.do(t, http.MethodPost, "/api/contributions/"+c.ID+"/reject", &alice, nil), http.StatusUnprocessableEntity, CodeValidation)
	expectError(t, env.do(t, http.MethodPost, "/api/contributions/"+c.ID+"/reject", &alice, map[string]string{"reason": " "}), http.StatusUnprocessableEntity, CodeValidation)

	rr = env.do(t, http.MethodPost, "/api/contributions/"+c.ID+"/reject", &alice, map[string]string{"reason": "blurry receipt"})
	expectStatus(t, rr, http.StatusOK)
	if got := decode[core.GroupContribution](t, rr); got.Status != core.ContributionRejected || got.RejectionReason != "blurry receipt" {
		t.Errorf("rejected = %+v", got)
	}
}

func TestInvitationFlow(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "50")

	expectError(t, env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/invitations", &bob, nil), http.StatusForbidden, CodeForbidden)
	expectError(t, env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/invitations", &alice, map[string]any{"ttl_seconds": -5}), http.StatusUnprocessableEntity, CodeValidation)

	rr := env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/invitations", &alice, map[string]any{"message": "join us"})
	expectStatus(t, rr, http.StatusCreated)
	created := decode[invitationCreatedResponse](t, rr)
	if created.JoinURL != "https://save.example.com/join-group/"+created.Invitation.Token {
		t.Errorf("join url = %q", created.JoinURL)
	}
	if want := env.clock.Now().Add(services.DefaultInviteTTL); !created.Invitation.ExpiresAt.Equal(want) {
		t.Errorf("expires at = %v, want default TTL %v", created.Invitation.ExpiresAt, want)
	}

	token := created.Invitation.Token
	preview := decode[services.InvitationPreview](t, env.do(t, http.MethodGet, "/api/invitations/"+token, nil, nil))
	if !preview.Usable || preview.GroupName != g.Name {
		t.Errorf("preview = %+v", preview)
	}

	expectError(t, env.do(t, http.MethodPost, "/api/invitations/"+token+"/accept", nil, nil), http.StatusUnauthorized, CodeUnauthenticated)
	rr = env.do(t, http.MethodPost, "/api/invitations/"+token+"/accept", &bob, nil)
	expectStatus(t, rr, http.StatusOK)
	if m := decode[core.GroupMember](t, rr); m.UserID != bob.UserID || m.Role != core.RoleMember {
		t.Errorf("member = %+v", m)
	}
	expectError(t, env.do(t, http.MethodPost, "/api/invitations/"+token+"/accept", &carol, nil), http.StatusConflict, CodeAlreadyUsed)
	expectError(t, env.do(t, http.MethodGet, "/api/invitations/unknown-token", nil, nil), http.StatusNotFound, CodeNotFound)

	members := decode[listResponse[core.GroupMember]](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID+"/members", &bob, nil))
	if members.Count != 2 {
		t.Errorf("members = %+v", members)
	}
	invs := decode[listResponse[core.GroupInvitation]](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID+"/invitations", &alice, nil))
	if invs.Count != 1 || invs.Items[0].Status != core.InvitationAccepted {
		t.Errorf("invitations = %+v", invs)
	}
}

func TestInvitationExpired(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "50")
	rr := env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/invitations", &alice, map[string]any{"ttl_seconds": 60})
	expectStatus(t, rr, http.StatusCreated)
	token := decode[invitationCreatedResponse](t, rr).Invitation.Token

	env.clock.Advance(2 * time.Minute)
	expectError(t, env.do(t, http.MethodPost, "/api/invitations/"+token+"/accept", &bob, nil), http.StatusGone, CodeExpired)
	expectError(t, env.do(t, http.MethodPost, "/api/invitations/"+token+"/decline", &bob, nil), http.StatusGone, CodeExpired)
}

func TestInvitationTTLBounds(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "50")
	path := "/api/groups/" + g.ID + "/invitations"

	for _, ttl := range []int64{-1, 59, 90*24*3600 + 1, 18446744074 / 2, 1<<63 - 1} {
		rr := env.do(t, http.MethodPost, path, &alice, map[string]any{"ttl_seconds": ttl})
		expectError(t, rr, http.StatusUnprocessableEntity, CodeValidation)
	}

	rr := env.do(t, http.MethodPost, path, &alice, map[string]any{"ttl_seconds": 90 * 24 * 3600})
	expectStatus(t, rr, http.StatusCreated)
	inv := decode[invitationCreatedResponse](t, rr).Invitation
	if got := inv.ExpiresAt.Sub(inv.CreatedAt); got != 90*24*time.Hour {
		t.Errorf("expiry window = %v, want 90 days", got)
	}
}

func TestSubmitRejectsNonASCIIDigits(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "50")
	for _, amount := range []string{"1.٣", "٥", "１０"} {
		rr := env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/contributions", &alice, map[string]any{
			"amount": amount, "method": "cash", "proof_ref": "r",
		})
		expectError(t, rr, http.StatusUnprocessableEntity, CodeValidation)
	}
}

func TestArchiveAndRemoveMember(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "50")
	env.join(t, g.ID, bob)

	expectStatus(t, env.do(t, http.MethodDelete, "/api/groups/"+g.ID+"/members/"+bob.UserID, &alice, nil), http.StatusNoContent)
	expectError(t, env.do(t, http.MethodDelete, "/api/groups/"+g.ID+"/members/"+alice.UserID, &alice, nil), http.StatusUnprocessableEntity, CodeValidation)

	rr := env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/archive", &alice, nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[core.SavingsGroup](t, rr); got.Status != core.GroupArchived {
		t.Fatalf("status = %s", got.Status)
	}
	expectError(t, env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/contributions", &alice, map[string]any{
		"amount": "1", "method": "cash", "proof_ref": "r",
	}), http.StatusUnprocessableEntity, CodeValidation)

	expectStatus(t, env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/reopen", &alice, nil), http.StatusOK)

	activity := decode[listResponse[core.GroupActivity]](t, env.do(t, http.MethodGet, "/api/groups/"+g.ID+"/activity?limit=3", &alice, nil))
	if activity.Count != 3 || activity.Items[0].Type != core.ActivityGroupReopened {
		t.Errorf("activity = %+v", activity)
	}
}

func TestUpdateRules(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "50")

	rr := env.do(t, http.MethodPut, "/api/groups/"+g.ID+"/rules", &alice, map[string]any{"min_amount": 500, "frequency": "monthly", "due_day": 5})
	expectStatus(t, rr, http.StatusOK)
	if got := decode[core.SavingsGroup](t, rr); got.Rules.MinAmount.Cents != 500 || got.Rules.Frequency != core.Monthly {
		t.Errorf("rules = %+v", got.Rules)
	}
	expectError(t, env.do(t, http.MethodPut, "/api/groups/"+g.ID+"/rules", &alice, map[string]any{"frequency": "hourly"}), http.StatusUnprocessableEntity, CodeValidation)

	below := env.do(t, http.MethodPost, "/api/groups/"+g.ID+"/contributions", &alice, map[string]any{
		"amount_cents": 100, "method": "cash", "proof_ref": "r",
	})
	expectError(t, below, http.StatusUnprocessableEntity, CodeValidation)
}

func TestPrivateGroupHiddenFromOutsiders(t *testing.T) {
	env := newAPIEnv(t, 100)
	g := env.createGroup(t, "50")
	expectError(t, env.do(t, http.MethodGet, "/api/groups/"+g.ID, &carol, nil), http.StatusForbidden, CodeForbidden)
	expectError(t, env.do(t, http.MethodGet, "/api/groups/missing", &carol, nil), http.StatusNotFound, CodeNotFound)
}

func TestRateLimitOnMutations(t *testing.T) {
	env := newAPIEnv(t, 2)
	env.createGroup(t, "10")
	env.createGroup(t, "10")

	rr := env.do(t, http.MethodPost, "/api/groups", &alice, map[string]any{"name": "third", "target_amount": "10"})
	expectError(t, rr, http.StatusTooManyRequests, CodeRateLimited)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	// Reads are not limited.
	expectStatus(t, env.do(t, http.MethodGet, "/api/groups", &alice, nil), http.StatusOK)
}

func TestSecurityAndTraceHeaders(t *testing.T) {
	env := newAPIEnv(t, 100)
	rr := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
	if !strings.HasPrefix(rr.Header().Get("X-Request-ID"), "req_") {
		t.Errorf("request id = %q", rr.Header().Get("X-Request-ID"))
	}

	expectStatus(t, env.do(t, "TRACE", "/api/groups", nil, nil), http.StatusBadRequest)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t, 100)
	env.createGroup(t, "10")

	rr := env.do(t, http.MethodGet, "/metrics", nil, nil)
	expectStatus(t, rr, http.StatusOK)
	body := rr.Body.String()
	for _, want := range []string{
		`groupsave_http_requests_total{method="POST",route="/api/groups",status="201"} 1`,
		`groupsave_operations_total{operation="group.create",outcome="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"groupsave/internal/core"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Operation("confirm", nil)
	m.ObserveHTTP("GET", "/x", 200, time.Millisecond)
	m.LedgerApplied(100)
	m.OutboxPublished(true)
	m.ReminderSent()
	m.SuspiciousRequest("sql_injection")
	m.RateLimited()
	m.MessageConsumed("t", nil)
	if m.Registry() != nil {
		t.Fatal("nil metrics has no registry")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestOperationCountsIntegrity(t *testing.T) {
	m := New()
	m.Operation("confirm", nil)
	m.Operation("confirm", core.ErrContributionResolved)
	m.Operation("confirm", core.Integrityf("negative total"))
	m.Operation("confirm", errors.New("db down"))

	out := scrape(t, m)
	for _, want := range []string{
		`groupsave_operations_total{operation="confirm",outcome="already_resolved"} 1`,
		`groupsave_operations_total{operation="confirm",outcome="internal"} 1`,
		`groupsave_operations_total{operation="confirm",outcome="ok"} 1`,
		"groupsave_integrity_errors_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.LedgerApplied(40000)
	m.ObserveHTTP("POST", "POST /api/contributions/{id}/confirm", 200, 5*time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		"groupsave_ledger_applied_cents_total 40000",
		"groupsave_http_requests_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"groupsave/internal/core"
)

// fakeSheets records the value ranges written through the Sheets REST API.
type fakeSheets struct {
	mu      sync.Mutex
	rows    [][]any
	header  []any
	appends []string
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":append"):
		var vr gsheet.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.appends = append(f.appends, r.URL.Path)
		f.rows = append(f.rows, vr.Values...)
		row := len(f.rows) + 1
		_ = json.NewEncoder(w).Encode(map[string]any{
			"spreadsheetId": "sheet-1",
			"updates": map[string]any{
				"updatedRange": "Activity!A" + itoa(row) + ":G" + itoa(row),
				"updatedRows":  1,
			},
		})
	case r.Method == http.MethodGet:
		values := [][]any{}
		if f.header != nil {
			values = append(values, f.header)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"range": "Activity!A1:G1", "values": values})
	case r.Method == http.MethodPut:
		var vr gsheet.ValueRange
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.header = vr.Values[0]
		_ = json.NewEncoder(w).Encode(map[string]any{"updatedRows": 1})
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestClient(t *testing.T) (*Client, *fakeSheets) {
	t.Helper()
	fake := &fakeSheets{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := gsheet.NewService(context.Background(),
		goption.WithHTTPClient(srv.Client()),
		goption.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	return NewWithService(svc, "sheet-1", ""), fake
}

func TestExportActivity(t *testing.T) {
	c, fake := newTestClient(t)
	a := core.GroupActivity{
		ID:          "act-1",
		GroupID:     "g-1",
		Type:        core.ActivityContributionConfirmed,
		UserID:      "u-alice",
		Description: "Alice confirmed 400.00 from Bob",
		Metadata:    map[string]string{"contribution_id": "c-1", "amount": "400.00"},
		CreatedAt:   time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
	}

	ref, err := c.ExportActivity(context.Background(), a)
	if err != nil {
		t.Fatalf("ExportActivity() error = %v", err)
	}
	if ref != "Activity!A2:G2" {
		t.Errorf("ref = %q", ref)
	}
	if len(fake.rows) != 1 {
		t.Fatalf("rows = %v", fake.rows)
	}
	row := fake.rows[0]
	want := []string{"2025-03-10T09:30:00Z", "g-1", "contribution_confirmed", "u-alice", "Alice confirmed 400.00 from Bob", "act-1", "amount=400.00; contribution_id=c-1"}
	for i, w := range want {
		if got, _ := row[i].(string); got != w {
			t.Errorf("column %d = %v, want %q", i, row[i], w)
		}
	}
	if !strings.Contains(fake.appends[0], "Activity") {
		t.Errorf("append path = %q", fake.appends[0])
	}
}

func TestExportActivity_RejectsIncomplete(t *testing.T) {
	c, fake := newTestClient(t)
	if _, err := c.ExportActivity(context.Background(), core.GroupActivity{ID: "x"}); err == nil {
		t.Fatal("expected error for activity without group")
	}
	if len(fake.rows) != 0 {
		t.Errorf("nothing should be written, got %v", fake.rows)
	}
}

func TestEnsureHeader(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	if err := c.EnsureHeader(ctx); err != nil {
		t.Fatalf("EnsureHeader() error = %v", err)
	}
	if len(fake.header) != 7 || fake.header[0] != "Timestamp" {
		t.Fatalf("header = %v", fake.header)
	}

	fake.header = []any{"Custom"}
	if err := c.EnsureHeader(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.header[0] != "Custom" {
		t.Error("existing header must not be overwritten")
	}
}

func TestNew_Credentials(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"missing spreadsheet", Options{}, "missing GOOGLE_SPREADSHEET_ID"},
		{"no credentials", Options{SpreadsheetID: "s"}, "missing credentials"},
		{"client without token", Options{SpreadsheetID: "s", OAuthClientJSON: `{"installed":{}}`}, "missing credentials"},
		{"invalid client json", Options{SpreadsheetID: "s", OAuthClientJSON: "invalid-json", OAuthTokenJSON: `{"access_token":"t"}`}, "oauth config"},
		{"missing file", Options{SpreadsheetID: "s", ServiceAccountFile: "/nonexistent/sa.json"}, "read service account file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

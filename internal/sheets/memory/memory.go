package memory

import (
	"context"
	"fmt"
	"sync"

	"groupsave/internal/core"
	ports "groupsave/internal/sheets"
)

// Exporter keeps exported activity in memory. It is used when no spreadsheet
// is configured and in tests.
type Exporter struct {
	mu    sync.Mutex
	items []core.GroupActivity
	rowOf map[string]int
}

var (
	_ ports.ActivityExporter = (*Exporter)(nil)
	_ ports.HeaderWriter     = (*Exporter)(nil)
)

func New() *Exporter {
	return &Exporter{rowOf: make(map[string]int)}
}

// ExportActivity stores the entry and returns a synthetic row reference. An
// entry exported twice keeps its first row.
func (e *Exporter) ExportActivity(_ context.Context, a core.GroupActivity) (string, error) {
	if a.ID == "" || a.GroupID == "" {
		return "", fmt.Errorf("activity without id or group")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if row, ok := e.rowOf[a.ID]; ok {
		return fmt.Sprintf("mem:%d", row), nil
	}
	e.items = append(e.items, a)
	e.rowOf[a.ID] = len(e.items)
	return fmt.Sprintf("mem:%d", len(e.items)), nil
}

// EnsureHeader is a no-op; rows carry their own field names.
func (e *Exporter) EnsureHeader(context.Context) error { return nil }

// Rows returns a copy of the exported entries in export order.
func (e *Exporter) Rows() []core.GroupActivity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.GroupActivity(nil), e.items...)
}

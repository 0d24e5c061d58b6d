package memory

import (
	"context"
	"testing"

	"groupsave/internal/core"
)

func TestExporterAppendAndDedupe(t *testing.T) {
	e := New()
	ctx := context.Background()

	ref, err := e.ExportActivity(ctx, core.GroupActivity{ID: "a1", GroupID: "g1", Type: core.ActivityGroupCreated})
	if err != nil || ref != "mem:1" {
		t.Fatalf("unexpected export: ref=%q err=%v", ref, err)
	}
	ref, err = e.ExportActivity(ctx, core.GroupActivity{ID: "a2", GroupID: "g1", Type: core.ActivityMemberJoined})
	if err != nil || ref != "mem:2" {
		t.Fatalf("unexpected export: ref=%q err=%v", ref, err)
	}

	ref, err = e.ExportActivity(ctx, core.GroupActivity{ID: "a1", GroupID: "g1", Type: core.ActivityGroupCreated})
	if err != nil || ref != "mem:1" {
		t.Fatalf("re-export should keep the first row: ref=%q err=%v", ref, err)
	}
	if rows := e.Rows(); len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
}

func TestExporterRejectsIncomplete(t *testing.T) {
	if _, err := New().ExportActivity(context.Background(), core.GroupActivity{GroupID: "g1"}); err == nil {
		t.Fatal("expected error for activity without id")
	}
}

package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"groupsave/internal/storage"
	"groupsave/internal/storage/storagetest"
)

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		path := filepath.Join(t.TempDir(), "groupsave.db")
		s, err := storage.OpenSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return s
	})
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "groupsave.db")

	s, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Outbox().EnqueueOutbox(ctx, storage.OutboxEvent{ID: "e1", Type: "t", Payload: []byte("{}"), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.Close()

	// Migrations must be idempotent on an existing database.
	s, err = storage.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	stats, err := s.Outbox().OutboxStats(ctx)
	if err != nil || stats.Pending != 1 {
		t.Fatalf("stats = %+v, err = %v", stats, err)
	}
}

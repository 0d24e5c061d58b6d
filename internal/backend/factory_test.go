package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"groupsave/internal/amqp"
	"groupsave/internal/config"
	"groupsave/internal/storage"
)

func testFactory(dialErr error) *DefaultFactory {
	return &DefaultFactory{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		dial: func(string, string, string) (*amqp.Client, error) {
			return nil, dialErr
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Type: MemoryBackend}, false},
		{"sqlite", Config{Type: SQLiteBackend, SQLiteDBPath: "x.db"}, false},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"postgres without url", Config{Type: PostgresBackend}, true},
		{"unknown", Config{Type: "sheets"}, true},
		{"amqp without queue", Config{Type: MemoryBackend, AMQPURL: "amqp://localhost/", AMQPExchange: "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	if _, err := FromAppConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := FromAppConfig(&config.Config{DataBackend: "bogus"}); err == nil {
		t.Error("expected error for unknown backend")
	}

	cfg, err := FromAppConfig(&config.Config{
		DataBackend:  "sqlite",
		SQLiteDBPath: "./data/groupsave.db",
		AMQPURL:      "amqp://localhost/",
		AMQPExchange: "groupsave",
		AMQPQueue:    "group_events",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Type != SQLiteBackend || cfg.SQLiteDBPath != "./data/groupsave.db" || cfg.AMQPQueue != "group_events" {
		t.Errorf("unexpected backend config: %+v", cfg)
	}
}

func TestCreateBackend_Memory(t *testing.T) {
	res, err := testFactory(nil).CreateBackend(context.Background(), Config{Type: MemoryBackend})
	if err != nil {
		t.Fatal(err)
	}
	if res.Broker != nil {
		t.Error("broker should be nil without AMQP_URL")
	}
	if err := res.Store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
	if err := res.Cleanup(); err != nil {
		t.Errorf("Cleanup() = %v", err)
	}
}

func TestCreateBackend_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groupsave.db")
	res, err := testFactory(nil).CreateBackend(context.Background(), Config{Type: SQLiteBackend, SQLiteDBPath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer res.Cleanup()

	if _, ok := res.Store.(*storage.SQLStore); !ok {
		t.Errorf("store = %T, want *storage.SQLStore", res.Store)
	}
}

func TestCreateBackend_BrokerUnavailable(t *testing.T) {
	f := testFactory(errors.New("connection refused"))
	res, err := f.CreateBackend(context.Background(), Config{
		Type:         MemoryBackend,
		AMQPURL:      "amqp://localhost:5672/",
		AMQPExchange: "groupsave",
		AMQPQueue:    "group_events",
	})
	if err != nil {
		t.Fatalf("broker failures must not fail startup: %v", err)
	}
	if res.Broker != nil {
		t.Error("expected nil broker after dial failure")
	}
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"groupsave/internal/amqp"
	"groupsave/internal/storage"
	"groupsave/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
	// dial is replaced in tests.
	dial func(url, exchange, queue string) (*amqp.Client, error)
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
		dial:   amqp.NewClient,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.openStore(ctx, config)
	if err != nil {
		return nil, err
	}

	broker := f.openBroker(config)

	f.logger.Info("Initialized backend",
		"type", config.Type,
		"amqp_enabled", broker != nil)

	return &BackendResult{
		Store:  store,
		Broker: broker,
		Cleanup: func() error {
			var errs []error
			if broker != nil {
				errs = append(errs, broker.Close())
			}
			errs = append(errs, store.Close())
			return errors.Join(errs...)
		},
	}, nil
}

func (f *DefaultFactory) openStore(ctx context.Context, config Config) (storage.Store, error) {
	switch config.Type {
	case MemoryBackend:
		f.logger.Warn("Using in-memory store, data is lost on restart")
		return memory.New(), nil
	case SQLiteBackend:
		store, err := storage.OpenSQLite(ctx, config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		return store, nil
	case PostgresBackend:
		store, err := storage.OpenPostgres(ctx, config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// openBroker returns nil when AMQP is disabled or unreachable. Events stay
// in the outbox until a broker is available.
func (f *DefaultFactory) openBroker(config Config) *amqp.Client {
	if config.AMQPURL == "" {
		return nil
	}
	client, err := f.dial(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
	if err != nil {
		f.logger.Warn("Failed to initialize AMQP client, continuing without publishing", "error", err)
		return nil
	}
	f.logger.Info("Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)
	return client
}

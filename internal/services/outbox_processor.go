package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"groupsave/internal/amqp"
	"groupsave/internal/storage"
)

// OutboxProcessorConfig holds configuration for the outbox processor
type OutboxProcessorConfig struct {
	// PollInterval is how often to check for pending events (default: 10s)
	PollInterval time.Duration

	// BatchSize is the max number of events to publish per poll cycle (default: 10)
	BatchSize int

	// MaxRetries is the number of attempts before an event is parked as failed (default: 3)
	MaxRetries int

	// CleanupInterval is how often to drop published events (default: 1h)
	CleanupInterval time.Duration

	// CleanupAge is how old published events must be before cleanup (default: 24h)
	CleanupAge time.Duration
}

func DefaultOutboxProcessorConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxRetries:      3,
		CleanupInterval: 1 * time.Hour,
		CleanupAge:      24 * time.Hour,
	}
}

// OutboxProcessor publishes the events written to the outbox by the
// workflow. Delivery is at least once; consumers deduplicate on the
// envelope id, which is the outbox row id.
type OutboxProcessor struct {
	outbox    storage.OutboxStore
	publisher Publisher
	metrics   Recorder
	config    OutboxProcessorConfig
	now       func() time.Time

	// Lifecycle management
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopSent bool
	doneCh   chan struct{}
}

func NewOutboxProcessor(outbox storage.OutboxStore, publisher Publisher, metrics Recorder, config OutboxProcessorConfig) *OutboxProcessor {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &OutboxProcessor{
		outbox:    outbox,
		publisher: publisher,
		metrics:   metrics,
		config:    config,
		now:       time.Now,
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("outbox processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stopSent = false
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.runLoop(ctx, stopCh, doneCh)

	slog.InfoContext(ctx, "Outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	// A timed-out Stop leaves the loop running with stopCh already closed;
	// later calls only wait for it to finish.
	if !p.stopSent {
		close(p.stopCh)
		p.stopSent = true
	}
	doneCh := p.doneCh
	p.mu.Unlock()

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Outbox processor stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Outbox processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return nil
}

func (p *OutboxProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxProcessor) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	// Process immediately on startup
	p.processBatch(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.processBatch(ctx)
		case <-cleanupTicker.C:
			p.cleanupPublished(ctx)
		}
	}
}

func (p *OutboxProcessor) processBatch(ctx context.Context) {
	if _, err := p.ProcessOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "Failed to process outbox batch", "error", err)
	}
}

// ProcessOnce publishes one batch of pending events and returns how many
// were published.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) (int, error) {
	events, err := p.outbox.PendingOutbox(ctx, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	slog.DebugContext(ctx, "Processing outbox batch", "count", len(events))

	published := 0
	for _, e := range events {
		if p.stopping(ctx) {
			break
		}

		env := &amqp.Envelope{
			ID:        e.ID,
			Type:      e.Type,
			Timestamp: e.CreatedAt,
			Payload:   e.Payload,
		}
		if err := p.publisher.Publish(ctx, env); err != nil {
			p.metrics.OutboxPublished(false)
			p.handleFailure(ctx, e, err)
			continue
		}
		p.metrics.OutboxPublished(true)
		p.handleSuccess(ctx, e)
		published++
	}
	return published, nil
}

func (p *OutboxProcessor) stopping(ctx context.Context) bool {
	p.mu.Lock()
	stopCh := p.stopCh
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return true
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (p *OutboxProcessor) handleSuccess(ctx context.Context, e storage.OutboxEvent) {
	if err := p.outbox.MarkOutboxPublished(ctx, e.ID, p.now().UTC()); err != nil {
		slog.ErrorContext(ctx, "Failed to mark outbox event published",
			"id", e.ID, "error", err)
	}
}

func (p *OutboxProcessor) handleFailure(ctx context.Context, e storage.OutboxEvent, publishErr error) {
	attempt := e.Attempts + 1
	slog.WarnContext(ctx, "Outbox publish failed",
		"id", e.ID,
		"type", e.Type,
		"attempt", attempt,
		"error", publishErr)

	if err := p.outbox.MarkOutboxFailed(ctx, e.ID, publishErr.Error(), p.config.MaxRetries); err != nil {
		slog.ErrorContext(ctx, "Failed to record outbox failure",
			"id", e.ID, "error", err)
		return
	}
	if attempt >= p.config.MaxRetries {
		slog.ErrorContext(ctx, "Outbox event failed permanently after max retries",
			"id", e.ID,
			"type", e.Type,
			"attempts", attempt)
	}
}

func (p *OutboxProcessor) cleanupPublished(ctx context.Context) {
	cutoff := p.now().Add(-p.config.CleanupAge)
	n, err := p.outbox.CleanupOutbox(ctx, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to cleanup published outbox events", "error", err)
		return
	}
	if n > 0 {
		slog.DebugContext(ctx, "Cleaned up published outbox events", "count", n)
	}
}

// Stats returns current outbox statistics
func (p *OutboxProcessor) Stats(ctx context.Context) (storage.OutboxStats, error) {
	return p.outbox.OutboxStats(ctx)
}

// RetryFailed moves parked events back to pending.
func (p *OutboxProcessor) RetryFailed(ctx context.Context) (int64, error) {
	return p.outbox.RetryFailedOutbox(ctx)
}

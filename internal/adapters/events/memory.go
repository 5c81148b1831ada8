package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
)

type MemoryDomainPublisher struct {
	mu     sync.Mutex
	events []contracts.EventEnvelope
}

func NewMemoryDomainPublisher() *MemoryDomainPublisher {
	return &MemoryDomainPublisher{events: []contracts.EventEnvelope{}}
}

func (p *MemoryDomainPublisher) PublishDomain(_ context.Context, event contracts.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryDomainPublisher) Events() []contracts.EventEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contracts.EventEnvelope(nil), p.events...)
}

type MemoryNotificationPublisher struct {
	mu     sync.Mutex
	events []contracts.EventEnvelope
}

func NewMemoryNotificationPublisher() *MemoryNotificationPublisher {
	return &MemoryNotificationPublisher{events: []contracts.EventEnvelope{}}
}

func (p *MemoryNotificationPublisher) PublishNotification(_ context.Context, event contracts.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryNotificationPublisher) Events() []contracts.EventEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contracts.EventEnvelope(nil), p.events...)
}

type MemoryDLQPublisher struct {
	mu      sync.Mutex
	records []contracts.DLQRecord
}

func NewMemoryDLQPublisher() *MemoryDLQPublisher {
	return &MemoryDLQPublisher{records: []contracts.DLQRecord{}}
}

func (p *MemoryDLQPublisher) PublishDLQ(_ context.Context, record contracts.DLQRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

func (p *MemoryDLQPublisher) Records() []contracts.DLQRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]contracts.DLQRecord(nil), p.records...)
}

// LoggingPublisher satisfies the publisher ports by writing envelopes to
// the structured log. Useful when no broker is configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) PublishDomain(ctx context.Context, event contracts.EventEnvelope) error {
	p.logger.InfoContext(ctx, "domain event published",
		"module", "events",
		"layer", "adapter",
		"operation", "publish_domain",
		"outcome", "success",
		"event_id", event.EventID,
		"event_type", event.EventType,
	)
	return nil
}

func (p *LoggingPublisher) PublishNotification(ctx context.Context, event contracts.EventEnvelope) error {
	p.logger.InfoContext(ctx, "notification event published",
		"module", "events",
		"layer", "adapter",
		"operation", "publish_notification",
		"outcome", "success",
		"event_id", event.EventID,
		"event_type", event.EventType,
	)
	return nil
}

func (p *LoggingPublisher) PublishDLQ(ctx context.Context, record contracts.DLQRecord) error {
	p.logger.ErrorContext(ctx, "event routed to dead letter queue",
		"module", "events",
		"layer", "adapter",
		"operation", "publish_dlq",
		"outcome", "failure",
		"event_id", record.OriginalEvent.EventID,
		"event_type", record.OriginalEvent.EventType,
		"error_summary", record.ErrorSummary,
	)
	return nil
}

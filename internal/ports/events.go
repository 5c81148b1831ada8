package ports

import (
	"context"

	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
)

type DomainPublisher interface {
	PublishDomain(ctx context.Context, event contracts.EventEnvelope) error
}

// NotificationPublisher carries best-effort notification traffic. Failures
// here must never fail the core operation that triggered them.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, event contracts.EventEnvelope) error
}

// DLQPublisher records domain events that could not be delivered so an
// operator can replay them.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record contracts.DLQRecord) error
}

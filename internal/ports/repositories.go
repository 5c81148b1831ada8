package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

type ListQuery struct {
	Principal string
	Limit     int
	Offset    int
}

// EscrowRepository persists the escrow aggregate as a whole. The durable
// store is the source of truth; the in-memory model must round-trip
// losslessly through it.
type EscrowRepository interface {
	Create(ctx context.Context, escrow domain.Escrow) error
	GetByID(ctx context.Context, escrowID uuid.UUID) (domain.Escrow, error)
	Update(ctx context.Context, escrow domain.Escrow) error
	List(ctx context.Context, query ListQuery) ([]domain.Escrow, int, error)
}

type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error
	Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error
}

type OutboxRecord struct {
	RecordID   string
	EventClass string
	Envelope   contracts.EventEnvelope
	CreatedAt  time.Time
	SentAt     *time.Time
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, record OutboxRecord) error
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, recordID string, at time.Time) error
}

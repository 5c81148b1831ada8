package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

// Repositories bundles the in-memory stores used by unit tests and
// DB-less local runs.
type Repositories struct {
	Escrows     *EscrowRepository
	Idempotency *IdempotencyRepository
	Outbox      *OutboxRepository
}

func NewRepositories() *Repositories {
	return &Repositories{
		Escrows:     &EscrowRepository{rows: map[uuid.UUID]domain.Escrow{}},
		Idempotency: &IdempotencyRepository{rows: map[string]ports.IdempotencyRecord{}},
		Outbox:      &OutboxRepository{rows: map[string]ports.OutboxRecord{}},
	}
}

// EscrowRepository stores deep copies so callers cannot mutate persisted
// state through retained slices or maps.
type EscrowRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]domain.Escrow
}

func (r *EscrowRepository) Create(_ context.Context, escrow domain.Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[escrow.EscrowID]; ok {
		return domain.ErrConflict
	}
	r.rows[escrow.EscrowID] = cloneEscrow(escrow)
	return nil
}

func (r *EscrowRepository) GetByID(_ context.Context, escrowID uuid.UUID) (domain.Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[escrowID]
	if !ok {
		return domain.Escrow{}, domain.ErrNotFound
	}
	return cloneEscrow(row), nil
}

func (r *EscrowRepository) Update(_ context.Context, escrow domain.Escrow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[escrow.EscrowID]; !ok {
		return domain.ErrNotFound
	}
	r.rows[escrow.EscrowID] = cloneEscrow(escrow)
	return nil
}

func (r *EscrowRepository) List(_ context.Context, query ports.ListQuery) ([]domain.Escrow, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]domain.Escrow, 0, len(r.rows))
	for _, row := range r.rows {
		if query.Principal != "" && !involvesPrincipal(row, query.Principal) {
			continue
		}
		matched = append(matched, cloneEscrow(row))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []domain.Escrow{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func involvesPrincipal(escrow domain.Escrow, principal string) bool {
	if escrow.PayerPrincipal == principal {
		return true
	}
	_, ok := escrow.RecipientByPrincipal(principal)
	return ok
}

// cloneEscrow round-trips through JSON. The aggregate is plain data, so
// this is a correct deep copy and keeps the store honest about what
// survives persistence.
func cloneEscrow(escrow domain.Escrow) domain.Escrow {
	raw, err := json.Marshal(escrow)
	if err != nil {
		return escrow
	}
	var out domain.Escrow
	if err := json.Unmarshal(raw, &out); err != nil {
		return escrow
	}
	return out
}

type IdempotencyRepository struct {
	mu   sync.Mutex
	rows map[string]ports.IdempotencyRecord
}

func (r *IdempotencyRepository) Get(_ context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[key]
	if !ok {
		return nil, nil
	}
	if now.After(row.ExpiresAt) {
		delete(r.rows, key)
		return nil, nil
	}
	out := row
	out.ResponseBody = append([]byte(nil), row.ResponseBody...)
	return &out, nil
}

func (r *IdempotencyRepository) Reserve(_ context.Context, key, requestHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[key]; ok && time.Now().UTC().Before(row.ExpiresAt) {
		return domain.ErrConflict
	}
	r.rows[key] = ports.IdempotencyRecord{Key: key, RequestHash: requestHash, ExpiresAt: expiresAt}
	return nil
}

func (r *IdempotencyRepository) Complete(_ context.Context, key string, responseCode int, responseBody []byte, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[key]
	if !ok {
		return domain.ErrNotFound
	}
	row.ResponseCode = responseCode
	row.ResponseBody = append([]byte(nil), responseBody...)
	r.rows[key] = row
	return nil
}

type OutboxRepository struct {
	mu    sync.Mutex
	rows  map[string]ports.OutboxRecord
	order []string
}

func (r *OutboxRepository) Enqueue(_ context.Context, record ports.OutboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = map[string]ports.OutboxRecord{}
	}
	if _, ok := r.rows[record.RecordID]; ok {
		return domain.ErrConflict
	}
	r.rows[record.RecordID] = record
	r.order = append(r.order, record.RecordID)
	return nil
}

func (r *OutboxRepository) ListPending(_ context.Context, limit int) ([]ports.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]ports.OutboxRecord, 0, limit)
	for _, id := range r.order {
		row, ok := r.rows[id]
		if !ok || row.SentAt != nil {
			continue
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, recordID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	row.SentAt = &at
	r.rows[recordID] = row
	return nil
}

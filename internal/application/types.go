package application

import (
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

type Config struct {
	ServiceName          string
	IdempotencyTTL       time.Duration
	LockTTL              time.Duration
	DefaultCurrency      string
	AttachmentLimitBytes int64
	PayloadLimitBytes    int64
	OutboxFlushBatchSize int
}

type Actor struct {
	SubjectID      string
	Role           string
	RequestID      string
	IdempotencyKey string
}

type RecipientInput struct {
	Principal   string
	DisplayName string
}

type MilestoneShareInput struct {
	Principal    string
	SharePercent int64
}

type MilestoneInput struct {
	Title          string
	Allocation     int64
	DurationMonths int
	StartDate      time.Time
	ReleaseDay     int
	Recipients     []MilestoneShareInput
}

type CreateEscrowInput struct {
	Title      string
	Kind       domain.EscrowKind
	Currency   string
	Allocation int64
	Recipients []RecipientInput
	Milestones []MilestoneInput
}

type Attachment struct {
	Filename string
	Data     []byte
}

type SubmitProofInput struct {
	Month       int
	Description string
	Attachments []Attachment
}

// MilestoneDerived is recomputed from authoritative fields on every read;
// nothing here is cached or stored.
type MilestoneDerived struct {
	MilestoneID      uuid.UUID             `json:"milestone_id"`
	State            domain.MilestoneState `json:"state"`
	NextPendingMonth int                   `json:"next_pending_month"`
	Remaining        int64                 `json:"remaining"`
}

type EscrowView struct {
	Escrow           domain.Escrow      `json:"escrow"`
	ContractUnlocked bool               `json:"contract_unlocked"`
	ActiveMilestone  *uuid.UUID         `json:"active_milestone,omitempty"`
	Milestones       []MilestoneDerived `json:"milestones,omitempty"`
}

type ListOutput struct {
	Items      []EscrowView
	Pagination ports.ListQuery
	Total      int
}

type Service struct {
	cfg Config

	escrows     ports.EscrowRepository
	idempotency ports.IdempotencyRepository
	outbox      ports.OutboxRepository
	locks       ports.MutationLocker

	settlement ports.SettlementClient
	fees       ports.FeeOracle
	blobs      ports.BlobStore

	domainEvents  ports.DomainPublisher
	notifications ports.NotificationPublisher
	dlq           ports.DLQPublisher

	nowFn func() time.Time
}

type Dependencies struct {
	Config        Config
	Escrows       ports.EscrowRepository
	Idempotency   ports.IdempotencyRepository
	Outbox        ports.OutboxRepository
	Locks         ports.MutationLocker
	Settlement    ports.SettlementClient
	Fees          ports.FeeOracle
	Blobs         ports.BlobStore
	DomainEvents  ports.DomainPublisher
	Notifications ports.NotificationPublisher
	DLQ           ports.DLQPublisher
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "M15-Milestone-Escrow-Service"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "SAT"
	}
	if cfg.AttachmentLimitBytes <= 0 {
		cfg.AttachmentLimitBytes = 2000 * 1024
	}
	if cfg.PayloadLimitBytes <= 0 {
		cfg.PayloadLimitBytes = 1536 * 1024
	}
	if cfg.OutboxFlushBatchSize <= 0 {
		cfg.OutboxFlushBatchSize = 100
	}
	return &Service{
		cfg:           cfg,
		escrows:       deps.Escrows,
		idempotency:   deps.Idempotency,
		outbox:        deps.Outbox,
		locks:         deps.Locks,
		settlement:    deps.Settlement,
		fees:          deps.Fees,
		blobs:         deps.Blobs,
		domainEvents:  deps.DomainEvents,
		notifications: deps.Notifications,
		dlq:           deps.DLQ,
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

package postgres

import (
	"time"

	"github.com/google/uuid"
)

type escrowModel struct {
	EscrowID        uuid.UUID  `gorm:"column:escrow_id;type:uuid;primaryKey"`
	SettlementRef   string     `gorm:"column:settlement_ref"`
	PayerPrincipal  string     `gorm:"column:payer_principal"`
	Title           string     `gorm:"column:title"`
	Kind            string     `gorm:"column:kind"`
	Status          string     `gorm:"column:status"`
	Currency        string     `gorm:"column:currency"`
	Allocation      int64      `gorm:"column:allocation"`
	PayerApprovedAt *time.Time `gorm:"column:payer_approved_at"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (escrowModel) TableName() string { return "escrows" }

type escrowRecipientModel struct {
	RecipientID      uuid.UUID  `gorm:"column:recipient_id;type:uuid;primaryKey"`
	EscrowID         uuid.UUID  `gorm:"column:escrow_id;type:uuid"`
	Principal        string     `gorm:"column:principal"`
	DisplayName      string     `gorm:"column:display_name"`
	SignedContractAt *time.Time `gorm:"column:signed_contract_at"`
	PaidAt           *time.Time `gorm:"column:paid_at"`
	Position         int        `gorm:"column:position"`
}

func (escrowRecipientModel) TableName() string { return "escrow_recipients" }

type milestoneModel struct {
	MilestoneID    uuid.UUID `gorm:"column:milestone_id;type:uuid;primaryKey"`
	EscrowID       uuid.UUID `gorm:"column:escrow_id;type:uuid"`
	Title          string    `gorm:"column:title"`
	Allocation     int64     `gorm:"column:allocation"`
	Currency       string    `gorm:"column:currency"`
	DurationMonths int       `gorm:"column:duration_months"`
	StartDate      time.Time `gorm:"column:start_date"`
	EndDate        time.Time `gorm:"column:end_date"`
	ReleaseDay     int       `gorm:"column:release_day"`
	Position       int       `gorm:"column:position"`
}

func (milestoneModel) TableName() string { return "milestones" }

type milestoneRecipientModel struct {
	MilestoneID  uuid.UUID `gorm:"column:milestone_id;type:uuid;primaryKey"`
	RecipientID  uuid.UUID `gorm:"column:recipient_id;type:uuid;primaryKey"`
	Principal    string    `gorm:"column:principal"`
	DisplayName  string    `gorm:"column:display_name"`
	SharePercent int64     `gorm:"column:share_percent"`
	Position     int       `gorm:"column:position"`
}

func (milestoneRecipientModel) TableName() string { return "milestone_recipients" }

// proofModel flattens the per-recipient, per-month proof map. Attachment
// references are stored as a jsonb array since they are opaque to queries.
type proofModel struct {
	MilestoneID uuid.UUID  `gorm:"column:milestone_id;type:uuid;primaryKey"`
	RecipientID uuid.UUID  `gorm:"column:recipient_id;type:uuid;primaryKey"`
	MonthNumber int        `gorm:"column:month_number;primaryKey"`
	Description string     `gorm:"column:description"`
	Attachments string     `gorm:"column:attachments;type:jsonb"`
	SubmittedAt *time.Time `gorm:"column:submitted_at"`
}

func (proofModel) TableName() string { return "proof_of_work" }

type releasePaymentModel struct {
	ReleaseID   uuid.UUID  `gorm:"column:release_id;type:uuid;primaryKey"`
	MilestoneID uuid.UUID  `gorm:"column:milestone_id;type:uuid"`
	MonthNumber int        `gorm:"column:month_number"`
	Total       int64      `gorm:"column:total"`
	ReleasedAt  *time.Time `gorm:"column:released_at"`
	Position    int        `gorm:"column:position"`
}

func (releasePaymentModel) TableName() string { return "release_payments" }

type recipientPaymentModel struct {
	ReleaseID     uuid.UUID `gorm:"column:release_id;type:uuid;primaryKey"`
	RecipientID   uuid.UUID `gorm:"column:recipient_id;type:uuid;primaryKey"`
	Name          string    `gorm:"column:name"`
	Amount        int64     `gorm:"column:amount"`
	Status        string    `gorm:"column:status"`
	FailureReason string    `gorm:"column:failure_reason"`
	Position      int       `gorm:"column:position"`
}

func (recipientPaymentModel) TableName() string { return "recipient_payments" }

type escrowIdempotencyModel struct {
	IdempotencyKey string    `gorm:"column:idempotency_key;primaryKey"`
	RequestHash    string    `gorm:"column:request_hash"`
	ResponseCode   int       `gorm:"column:response_code"`
	ResponseBody   *string   `gorm:"column:response_body;type:jsonb"`
	ExpiresAt      time.Time `gorm:"column:expires_at"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (escrowIdempotencyModel) TableName() string { return "escrow_idempotency" }

type escrowOutboxModel struct {
	RecordID   string     `gorm:"column:record_id;primaryKey"`
	EventClass string     `gorm:"column:event_class"`
	Envelope   string     `gorm:"column:envelope;type:jsonb"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	SentAt     *time.Time `gorm:"column:sent_at"`
}

func (escrowOutboxModel) TableName() string { return "escrow_outbox" }

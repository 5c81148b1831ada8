package contracts

import (
	"encoding/json"
	"time"
)

type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventClass       string          `json:"event_class,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	SourceService    string          `json:"source_service"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    string          `json:"schema_version"`
	Data             json.RawMessage `json:"data"`
}

type EscrowCreatedPayload struct {
	EscrowID       string `json:"escrow_id"`
	PayerPrincipal string `json:"payer_principal"`
	Kind           string `json:"kind"`
	Allocation     int64  `json:"allocation"`
	Currency       string `json:"currency"`
	RecipientCount int    `json:"recipient_count"`
	MilestoneCount int    `json:"milestone_count"`
	CreatedAt      string `json:"created_at"`
}

type ContractSignedPayload struct {
	EscrowID    string `json:"escrow_id"`
	RecipientID string `json:"recipient_id"`
	Principal   string `json:"principal"`
	SignedAt    string `json:"signed_at"`
	AllSigned   bool   `json:"all_signed"`
}

type PayerApprovedPayload struct {
	EscrowID   string `json:"escrow_id"`
	ApprovedAt string `json:"approved_at"`
}

type ProofSubmittedPayload struct {
	EscrowID    string `json:"escrow_id"`
	MilestoneID string `json:"milestone_id"`
	RecipientID string `json:"recipient_id"`
	Month       int    `json:"month"`
	Attachments int    `json:"attachments"`
	SubmittedAt string `json:"submitted_at"`
}

type MonthReleasedPayload struct {
	EscrowID    string `json:"escrow_id"`
	MilestoneID string `json:"milestone_id"`
	Month       int    `json:"month"`
	Total       int64  `json:"total"`
	Currency    string `json:"currency"`
	PaidCount   int    `json:"paid_count"`
	FailedCount int    `json:"failed_count"`
	ReleasedAt  string `json:"released_at"`
}

type ReleaseFailedPayload struct {
	EscrowID    string `json:"escrow_id"`
	MilestoneID string `json:"milestone_id"`
	Month       int    `json:"month"`
	Reason      string `json:"reason"`
	FailedAt    string `json:"failed_at"`
}

type EscrowClosedPayload struct {
	EscrowID string `json:"escrow_id"`
	Status   string `json:"status"`
	ClosedAt string `json:"closed_at"`
}

type DLQRecord struct {
	OriginalEvent EventEnvelope `json:"original_event"`
	ErrorSummary  string        `json:"error_summary"`
	RetryCount    int           `json:"retry_count"`
	FirstSeenAt   time.Time     `json:"first_seen_at"`
	LastErrorAt   time.Time     `json:"last_error_at"`
	SourceTopic   string        `json:"source_topic,omitempty"`
	DLQTopic      string        `json:"dlq_topic,omitempty"`
	TraceID       string        `json:"trace_id,omitempty"`
}

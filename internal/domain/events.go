package domain

const (
	CanonicalEventClassDomain        = "domain"
	CanonicalEventClassAnalyticsOnly = "analytics_only"
	CanonicalEventClassOps           = "ops"
)

const (
	EventEscrowCreated        = "escrow.created"
	EventEscrowContractSigned = "escrow.contract_signed"
	EventEscrowPayerApproved  = "escrow.payer_approved"
	EventEscrowProofSubmitted = "escrow.proof_submitted"
	EventEscrowMonthReleased  = "escrow.month_released"
	EventEscrowReleaseFailed  = "escrow.release_failed"
	EventEscrowCompleted      = "escrow.completed"
	EventEscrowCancelled      = "escrow.cancelled"
	EventEscrowRefunded       = "escrow.refunded"
)

func IsCanonicalEmittedEvent(eventType string) bool {
	switch eventType {
	case EventEscrowCreated, EventEscrowContractSigned, EventEscrowPayerApproved,
		EventEscrowProofSubmitted, EventEscrowMonthReleased, EventEscrowReleaseFailed,
		EventEscrowCompleted, EventEscrowCancelled, EventEscrowRefunded:
		return true
	default:
		return false
	}
}

// CanonicalEventClass separates settlement-relevant transitions from
// best-effort notification traffic.
func CanonicalEventClass(eventType string) string {
	switch eventType {
	case EventEscrowMonthReleased, EventEscrowCompleted, EventEscrowRefunded, EventEscrowCancelled:
		return CanonicalEventClassDomain
	case EventEscrowCreated, EventEscrowContractSigned, EventEscrowPayerApproved,
		EventEscrowProofSubmitted, EventEscrowReleaseFailed:
		return CanonicalEventClassAnalyticsOnly
	default:
		return ""
	}
}

func CanonicalPartitionKeyPath(eventType string) string {
	if IsCanonicalEmittedEvent(eventType) {
		return "data.escrow_id"
	}
	return ""
}

package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

// FlushOutbox publishes pending records: domain-class through the domain
// publisher, everything else through the notification publisher. Called
// by the worker loop; notification delivery stays best-effort.
func (s *Service) FlushOutbox(ctx context.Context) error {
	pending, err := s.outbox.ListPending(ctx, s.cfg.OutboxFlushBatchSize)
	if err != nil {
		return err
	}
	for _, record := range pending {
		if record.EventClass == domain.CanonicalEventClassDomain {
			if err := s.domainEvents.PublishDomain(ctx, record.Envelope); err != nil {
				if s.dlq != nil {
					now := s.nowFn()
					_ = s.dlq.PublishDLQ(ctx, contracts.DLQRecord{
						OriginalEvent: record.Envelope,
						ErrorSummary:  err.Error(),
						RetryCount:    1,
						FirstSeenAt:   now,
						LastErrorAt:   now,
						SourceTopic:   record.Envelope.EventType,
						DLQTopic:      "milestone-escrow-service.dlq",
						TraceID:       record.Envelope.TraceID,
					})
				}
				return err
			}
		} else if s.notifications != nil {
			// Fire-and-forget: a failed notification never blocks the
			// record from being marked sent.
			_ = s.notifications.PublishNotification(ctx, record.Envelope)
		}
		if err := s.outbox.MarkSent(ctx, record.RecordID, s.nowFn()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) enqueueEscrowCreated(ctx context.Context, escrow domain.Escrow) {
	s.enqueue(ctx, domain.EventEscrowCreated, escrow.EscrowID, contracts.EscrowCreatedPayload{
		EscrowID:       escrow.EscrowID.String(),
		PayerPrincipal: escrow.PayerPrincipal,
		Kind:           string(escrow.Kind),
		Allocation:     escrow.Allocation,
		Currency:       escrow.Currency,
		RecipientCount: len(escrow.Recipients),
		MilestoneCount: len(escrow.Milestones),
		CreatedAt:      escrow.CreatedAt.Format(time.RFC3339),
	}, escrow.CreatedAt)
}

func (s *Service) enqueueContractSigned(ctx context.Context, escrow domain.Escrow, recipientID uuid.UUID, principal string, at time.Time) {
	s.enqueue(ctx, domain.EventEscrowContractSigned, escrow.EscrowID, contracts.ContractSignedPayload{
		EscrowID:    escrow.EscrowID.String(),
		RecipientID: recipientID.String(),
		Principal:   principal,
		SignedAt:    at.Format(time.RFC3339),
		AllSigned:   escrow.AllSigned(),
	}, at)
}

func (s *Service) enqueuePayerApproved(ctx context.Context, escrow domain.Escrow, at time.Time) {
	s.enqueue(ctx, domain.EventEscrowPayerApproved, escrow.EscrowID, contracts.PayerApprovedPayload{
		EscrowID:   escrow.EscrowID.String(),
		ApprovedAt: at.Format(time.RFC3339),
	}, at)
}

func (s *Service) enqueueProofSubmitted(ctx context.Context, escrow domain.Escrow, milestoneID, recipientID uuid.UUID, month, attachments int, at time.Time) {
	s.enqueue(ctx, domain.EventEscrowProofSubmitted, escrow.EscrowID, contracts.ProofSubmittedPayload{
		EscrowID:    escrow.EscrowID.String(),
		MilestoneID: milestoneID.String(),
		RecipientID: recipientID.String(),
		Month:       month,
		Attachments: attachments,
		SubmittedAt: at.Format(time.RFC3339),
	}, at)
}

func (s *Service) enqueueMonthReleased(ctx context.Context, escrow domain.Escrow, milestoneID uuid.UUID, payment domain.ReleasePayment) {
	paid, failed := 0, 0
	for _, rp := range payment.Recipients {
		if rp.Status == domain.RecipientPaymentPaid {
			paid++
		} else {
			failed++
		}
	}
	at := s.nowFn()
	if payment.ReleasedAt != nil {
		at = *payment.ReleasedAt
	}
	s.enqueue(ctx, domain.EventEscrowMonthReleased, escrow.EscrowID, contracts.MonthReleasedPayload{
		EscrowID:    escrow.EscrowID.String(),
		MilestoneID: milestoneID.String(),
		Month:       payment.MonthNumber,
		Total:       payment.Total,
		Currency:    escrow.Currency,
		PaidCount:   paid,
		FailedCount: failed,
		ReleasedAt:  at.Format(time.RFC3339),
	}, at)
}

func (s *Service) enqueueReleaseFailed(ctx context.Context, escrow domain.Escrow, milestoneID uuid.UUID, month int, reason string) {
	at := s.nowFn()
	s.enqueue(ctx, domain.EventEscrowReleaseFailed, escrow.EscrowID, contracts.ReleaseFailedPayload{
		EscrowID:    escrow.EscrowID.String(),
		MilestoneID: milestoneID.String(),
		Month:       month,
		Reason:      reason,
		FailedAt:    at.Format(time.RFC3339),
	}, at)
}

func (s *Service) enqueueEscrowClosed(ctx context.Context, escrow domain.Escrow, at time.Time) {
	eventType := domain.EventEscrowCompleted
	switch escrow.Status {
	case domain.EscrowStatusCancelled:
		eventType = domain.EventEscrowCancelled
	case domain.EscrowStatusRefunded:
		eventType = domain.EventEscrowRefunded
	}
	s.enqueue(ctx, eventType, escrow.EscrowID, contracts.EscrowClosedPayload{
		EscrowID: escrow.EscrowID.String(),
		Status:   string(escrow.Status),
		ClosedAt: at.Format(time.RFC3339),
	}, at)
}

// enqueue is best-effort by contract: a failed enqueue never fails the
// state transition that triggered it.
func (s *Service) enqueue(ctx context.Context, eventType string, escrowID uuid.UUID, payload any, at time.Time) {
	if s.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = s.outbox.Enqueue(ctx, ports.OutboxRecord{
		RecordID:   uuid.NewString(),
		EventClass: domain.CanonicalEventClass(eventType),
		Envelope: contracts.EventEnvelope{
			EventID:          uuid.NewString(),
			EventType:        eventType,
			EventClass:       domain.CanonicalEventClass(eventType),
			OccurredAt:       at,
			PartitionKeyPath: domain.CanonicalPartitionKeyPath(eventType),
			PartitionKey:     escrowID.String(),
			SourceService:    s.cfg.ServiceName,
			TraceID:          uuid.NewString(),
			SchemaVersion:    "v1",
			Data:             data,
		},
		CreatedAt: s.nowFn(),
	})
}

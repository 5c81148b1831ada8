package application

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

// RecordSignature stores the acting recipient's contract acceptance.
// Signing is self-service: the actor principal must match a global
// recipient of the escrow.
func (s *Service) RecordSignature(ctx context.Context, actor Actor, escrowID uuid.UUID) (domain.Escrow, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Escrow{}, domain.ErrUnauthorized
	}
	var out domain.Escrow
	err := s.withLock(ctx, escrowLockKey(escrowID), func() error {
		escrow, err := s.escrows.GetByID(ctx, escrowID)
		if err != nil {
			return err
		}
		if escrow.Terminal() {
			return domain.ErrEscrowClosed
		}
		if err := checkEscrowIntegrity(escrow); err != nil {
			return err
		}
		recipient, ok := escrow.RecipientByPrincipal(actor.SubjectID)
		if !ok {
			return domain.ErrUnknownRecipient
		}
		if recipient.SignedContractAt != nil {
			return domain.ErrAlreadySigned
		}
		now := s.nowFn()
		for i := range escrow.Recipients {
			if escrow.Recipients[i].RecipientID == recipient.RecipientID {
				at := now
				escrow.Recipients[i].SignedContractAt = &at
			}
		}
		escrow.UpdatedAt = now
		if err := s.escrows.Update(ctx, escrow); err != nil {
			return err
		}
		s.enqueueContractSigned(ctx, escrow, recipient.RecipientID, actor.SubjectID, now)
		out = escrow
		return nil
	})
	return out, err
}

// RecordPayerApproval sets the single counter-approval over the whole
// cohort. It requires every recipient signature first and is idempotent:
// approving an already-approved escrow is a no-op success.
func (s *Service) RecordPayerApproval(ctx context.Context, actor Actor, escrowID uuid.UUID) (domain.Escrow, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Escrow{}, domain.ErrUnauthorized
	}
	var out domain.Escrow
	err := s.withLock(ctx, escrowLockKey(escrowID), func() error {
		escrow, err := s.escrows.GetByID(ctx, escrowID)
		if err != nil {
			return err
		}
		if actor.Role != "admin" && escrow.PayerPrincipal != actor.SubjectID {
			return domain.ErrForbidden
		}
		if escrow.Terminal() {
			return domain.ErrEscrowClosed
		}
		if err := checkEscrowIntegrity(escrow); err != nil {
			return err
		}
		if escrow.PayerApproved() {
			out = escrow
			return nil
		}
		if !escrow.AllSigned() {
			return domain.ErrNotAllSigned
		}
		now := s.nowFn()
		escrow.ClientApprovedSignedContractAt = &now
		if escrow.Status == domain.EscrowStatusPending {
			escrow.Status = domain.EscrowStatusActive
		}
		escrow.UpdatedAt = now
		if err := s.escrows.Update(ctx, escrow); err != nil {
			return err
		}
		s.enqueuePayerApproved(ctx, escrow, now)
		out = escrow
		return nil
	})
	return out, err
}

package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

// SubmitProof validates and stores the acting recipient's evidence for
// one month. Resubmission replaces the prior entry for the same month.
// Attachment bytes go to the blob store; the escrow keeps only blob IDs.
func (s *Service) SubmitProof(ctx context.Context, actor Actor, escrowID, milestoneID uuid.UUID, input SubmitProofInput) (domain.ProofOfWork, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.ProofOfWork{}, domain.ErrUnauthorized
	}

	sizes := make([]int64, 0, len(input.Attachments))
	for _, a := range input.Attachments {
		sizes = append(sizes, int64(len(a.Data)))
	}
	if err := domain.ValidateProofSubmission(input.Description, sizes, s.cfg.AttachmentLimitBytes, s.cfg.PayloadLimitBytes); err != nil {
		return domain.ProofOfWork{}, err
	}

	var out domain.ProofOfWork
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
		milestone, ok := escrow.MilestoneByID(milestoneID)
		if !ok {
			return fmt.Errorf("%w: milestone %s", domain.ErrNotFound, milestoneID)
		}
		if input.Month < 1 || input.Month > milestone.DurationMonths {
			return domain.ErrMonthOutOfRange
		}
		if !escrow.ContractUnlocked() {
			return domain.ErrMilestoneNotUnlocked
		}
		if !escrow.IsActiveMilestone(milestoneID) {
			return domain.ErrMilestoneLocked
		}

		idx := -1
		for i, r := range milestone.Recipients {
			if r.Principal == actor.SubjectID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.ErrRecipientNotInMilestone
		}

		now := s.nowFn()
		proof := domain.ProofOfWork{
			Description: strings.TrimSpace(input.Description),
			SubmittedAt: &now,
		}
		for _, a := range input.Attachments {
			blobID, putErr := s.blobs.Put(ctx, a.Data)
			if putErr != nil {
				return fmt.Errorf("store attachment %s: %w", a.Filename, putErr)
			}
			proof.Attachments = append(proof.Attachments, domain.AttachmentRef{
				BlobID:    blobID,
				Filename:  a.Filename,
				SizeBytes: int64(len(a.Data)),
			})
		}
		if milestone.Recipients[idx].Proofs == nil {
			milestone.Recipients[idx].Proofs = make(map[int]domain.ProofOfWork)
		}
		milestone.Recipients[idx].Proofs[input.Month] = proof

		escrow.UpdatedAt = now
		if err := s.escrows.Update(ctx, escrow); err != nil {
			return err
		}
		s.enqueueProofSubmitted(ctx, escrow, milestoneID, milestone.Recipients[idx].RecipientID, input.Month, len(proof.Attachments), now)
		out = proof
		return nil
	})
	return out, err
}

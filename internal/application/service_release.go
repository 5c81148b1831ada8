package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

// CheckRelease evaluates eligibility for the next pending month without
// mutating anything, so it is safe to call speculatively.
func (s *Service) CheckRelease(ctx context.Context, actor Actor, escrowID, milestoneID uuid.UUID) (int, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return 0, domain.ErrUnauthorized
	}
	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	if !s.canView(actor, escrow) {
		return 0, domain.ErrForbidden
	}
	milestone, ok := escrow.MilestoneByID(milestoneID)
	if !ok {
		return 0, fmt.Errorf("%w: milestone %s", domain.ErrNotFound, milestoneID)
	}
	return domain.CanRelease(escrow, *milestone)
}

// Release performs the single authoritative release attempt for the next
// pending month. It takes the same per-escrow lock as every other
// mutation, held from before the eligibility check through the append, so
// neither a concurrent release nor an in-flight proof or signature write
// can rewind the aggregate and double-pay a month. ReleasedAt is only set
// once at least one transfer succeeded; a fully failed month stays
// retryable.
func (s *Service) Release(ctx context.Context, actor Actor, escrowID, milestoneID uuid.UUID) (domain.ReleasePayment, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.ReleasePayment{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return domain.ReleasePayment{}, domain.ErrIdempotencyRequired
	}

	requestHash := hashPayload(map[string]string{
		"op":           "release",
		"escrow_id":    escrowID.String(),
		"milestone_id": milestoneID.String(),
	})
	if cached, ok, err := s.getIdempotentRelease(ctx, actor.IdempotencyKey, requestHash); err != nil {
		return domain.ReleasePayment{}, err
	} else if ok {
		return cached, nil
	}

	var out domain.ReleasePayment
	err := s.withLock(ctx, escrowLockKey(escrowID), func() error {
		if err := s.reserveIdempotency(ctx, actor.IdempotencyKey, requestHash); err != nil {
			return err
		}
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
		milestone, ok := escrow.MilestoneByID(milestoneID)
		if !ok {
			return fmt.Errorf("%w: milestone %s", domain.ErrNotFound, milestoneID)
		}
		month, err := domain.CanRelease(escrow, *milestone)
		if err != nil {
			return err
		}

		transfers := make([]ports.TransferRequest, 0, len(milestone.Recipients))
		for _, r := range milestone.Recipients {
			transfers = append(transfers, ports.TransferRequest{
				RecipientID: r.RecipientID,
				Principal:   r.Principal,
				Amount:      domain.MonthlyAmount(milestone.Allocation, r.SharePercent, milestone.DurationMonths, month),
				Currency:    milestone.Currency,
			})
		}

		// A transport failure here leaves no record behind; retrying the
		// month is identical to a fresh attempt.
		outcomes, err := s.settlement.RecordRelease(ctx, escrow.EscrowID, milestone.MilestoneID, month, transfers)
		if err != nil {
			s.enqueueReleaseFailed(ctx, escrow, milestoneID, month, err.Error())
			return fmt.Errorf("settlement release: %w", err)
		}

		now := s.nowFn()
		payment := buildReleasePayment(*milestone, transfers, outcomes, month, now)
		milestone.ReleasePayments = append(milestone.ReleasePayments, payment)

		if milestone.Remaining() < 0 {
			return fmt.Errorf("%w: remaining balance negative after month %d", domain.ErrIntegrityViolation, month)
		}

		// Sequencer re-evaluation: the whole escrow flips to Released
		// here and nowhere else, because this is the only place full
		// sequence completion becomes observable.
		if _, active := escrow.ActiveMilestone(); !active {
			escrow.Status = domain.EscrowStatusReleased
		}
		escrow.UpdatedAt = now
		if err := s.escrows.Update(ctx, escrow); err != nil {
			return err
		}

		if payment.ReleasedAt != nil {
			s.enqueueMonthReleased(ctx, escrow, milestoneID, payment)
		} else {
			s.enqueueReleaseFailed(ctx, escrow, milestoneID, month, "all transfers failed")
		}
		if escrow.Status == domain.EscrowStatusReleased {
			s.enqueueEscrowClosed(ctx, escrow, now)
		}
		out = payment
		return nil
	})
	if err != nil {
		return domain.ReleasePayment{}, err
	}
	_ = s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 201, out)
	return out, nil
}

// Remaining reports the milestone allocation minus confirmed releases. A
// negative value indicates corrupted data and is surfaced as fatal.
func (s *Service) Remaining(ctx context.Context, actor Actor, escrowID, milestoneID uuid.UUID) (int64, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return 0, domain.ErrUnauthorized
	}
	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	if !s.canView(actor, escrow) {
		return 0, domain.ErrForbidden
	}
	milestone, ok := escrow.MilestoneByID(milestoneID)
	if !ok {
		return 0, fmt.Errorf("%w: milestone %s", domain.ErrNotFound, milestoneID)
	}
	remaining := milestone.Remaining()
	if remaining < 0 {
		return 0, fmt.Errorf("%w: remaining balance negative", domain.ErrIntegrityViolation)
	}
	return remaining, nil
}

func (s *Service) getIdempotentRelease(ctx context.Context, key, requestHash string) (domain.ReleasePayment, bool, error) {
	if s.idempotency == nil {
		return domain.ReleasePayment{}, false, nil
	}
	rec, err := s.idempotency.Get(ctx, key, s.nowFn())
	if err != nil || rec == nil {
		return domain.ReleasePayment{}, false, err
	}
	if rec.RequestHash != requestHash {
		return domain.ReleasePayment{}, false, domain.ErrIdempotencyConflict
	}
	if len(rec.ResponseBody) == 0 {
		return domain.ReleasePayment{}, false, nil
	}
	var out domain.ReleasePayment
	if err := json.Unmarshal(rec.ResponseBody, &out); err != nil {
		return domain.ReleasePayment{}, false, nil
	}
	return out, true, nil
}

func buildReleasePayment(milestone domain.Milestone, transfers []ports.TransferRequest, outcomes []ports.TransferOutcome, month int, now time.Time) domain.ReleasePayment {
	results := make(map[uuid.UUID]ports.TransferOutcome, len(outcomes))
	for _, o := range outcomes {
		results[o.RecipientID] = o
	}
	payment := domain.ReleasePayment{
		ReleaseID:   uuid.New(),
		MonthNumber: month,
	}
	anyPaid := false
	for _, t := range transfers {
		recipient, _ := milestone.RecipientByID(t.RecipientID)
		rp := domain.RecipientPayment{
			RecipientID: t.RecipientID,
			Name:        recipient.DisplayName,
			Amount:      t.Amount,
			Status:      domain.RecipientPaymentFailed,
		}
		if outcome, ok := results[t.RecipientID]; ok && outcome.Succeeded {
			rp.Status = domain.RecipientPaymentPaid
			payment.Total += t.Amount
			anyPaid = true
		} else if ok {
			rp.FailureReason = outcome.Reason
		} else {
			rp.FailureReason = "no settlement outcome returned"
		}
		payment.Recipients = append(payment.Recipients, rp)
	}
	if anyPaid {
		at := now
		payment.ReleasedAt = &at
	}
	return payment
}

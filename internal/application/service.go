package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

func (s *Service) CreateEscrow(ctx context.Context, actor Actor, input CreateEscrowInput) (domain.Escrow, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Escrow{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return domain.Escrow{}, domain.ErrIdempotencyRequired
	}
	if input.Currency == "" {
		input.Currency = s.cfg.DefaultCurrency
	}
	if err := validateCreateEscrowInput(input); err != nil {
		return domain.Escrow{}, err
	}

	requestHash := hashPayload(input)
	if cached, ok, err := s.getIdempotentEscrow(ctx, actor.IdempotencyKey, requestHash); err != nil {
		return domain.Escrow{}, err
	} else if ok {
		return cached, nil
	}
	if err := s.reserveIdempotency(ctx, actor.IdempotencyKey, requestHash); err != nil {
		return domain.Escrow{}, err
	}

	now := s.nowFn()
	escrow := buildEscrow(actor.SubjectID, input, now)

	ref, err := s.settlement.CreateEscrow(ctx, escrow.PayerPrincipal, escrow.Kind, escrow.Title, escrow.Allocation, escrow.Currency)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("settlement create escrow: %w", err)
	}
	escrow.SettlementRef = ref

	if err := s.escrows.Create(ctx, escrow); err != nil {
		return domain.Escrow{}, err
	}
	s.enqueueEscrowCreated(ctx, escrow)
	_ = s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 201, escrow)
	return escrow, nil
}

func (s *Service) GetEscrow(ctx context.Context, actor Actor, escrowID uuid.UUID) (EscrowView, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return EscrowView{}, domain.ErrUnauthorized
	}
	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return EscrowView{}, err
	}
	if !s.canView(actor, escrow) {
		return EscrowView{}, domain.ErrForbidden
	}
	return buildView(escrow), nil
}

func (s *Service) ListEscrows(ctx context.Context, actor Actor, query ports.ListQuery) (ListOutput, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return ListOutput{}, domain.ErrUnauthorized
	}
	if actor.Role != "admin" {
		query.Principal = actor.SubjectID
	}
	if query.Limit <= 0 {
		query.Limit = 20
	}
	if query.Offset < 0 {
		query.Offset = 0
	}
	items, total, err := s.escrows.List(ctx, query)
	if err != nil {
		return ListOutput{}, err
	}
	views := make([]EscrowView, 0, len(items))
	for _, e := range items {
		views = append(views, buildView(e))
	}
	return ListOutput{Items: views, Pagination: query, Total: total}, nil
}

// CancelEscrow is payer-only and permitted only before any month has been
// successfully released; cancellation is terminal.
func (s *Service) CancelEscrow(ctx context.Context, actor Actor, escrowID uuid.UUID) (domain.Escrow, error) {
	return s.closeEscrow(ctx, actor, escrowID, domain.EscrowStatusCancelled)
}

// RefundEscrow is payer-only; the remaining balance is returned through
// the settlement collaborator and the escrow becomes terminal.
func (s *Service) RefundEscrow(ctx context.Context, actor Actor, escrowID uuid.UUID) (domain.Escrow, error) {
	return s.closeEscrow(ctx, actor, escrowID, domain.EscrowStatusRefunded)
}

func (s *Service) closeEscrow(ctx context.Context, actor Actor, escrowID uuid.UUID, target domain.EscrowStatus) (domain.Escrow, error) {
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
		if target == domain.EscrowStatusCancelled && escrow.SuccessfulReleases() > 0 {
			return fmt.Errorf("%w: escrow has confirmed releases", domain.ErrConflict)
		}
		now := s.nowFn()
		if target == domain.EscrowStatusRefunded {
			remaining := escrow.Allocation
			for _, m := range escrow.Milestones {
				remaining -= m.Allocation - m.Remaining()
			}
			if _, err := s.settlement.ConfirmRefund(ctx, escrow.EscrowID, remaining, escrow.Currency); err != nil {
				return fmt.Errorf("settlement refund: %w", err)
			}
		}
		escrow.Status = target
		escrow.UpdatedAt = now
		if err := s.escrows.Update(ctx, escrow); err != nil {
			return err
		}
		s.enqueueEscrowClosed(ctx, escrow, now)
		out = escrow
		return nil
	})
	return out, err
}

// ReleaseBasic pays the recipients of a basic escrow, splitting the
// allocation evenly with the remainder going to the last recipient.
// Transfers are per-recipient atomic with no rollback, so each paid
// recipient is stamped immediately and a retry only transfers to those
// still unpaid. The escrow becomes Released once everyone is paid.
func (s *Service) ReleaseBasic(ctx context.Context, actor Actor, escrowID uuid.UUID) (domain.Escrow, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return domain.Escrow{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(actor.IdempotencyKey) == "" {
		return domain.Escrow{}, domain.ErrIdempotencyRequired
	}

	requestHash := hashPayload(map[string]string{
		"op":        "release_basic",
		"escrow_id": escrowID.String(),
	})
	if cached, ok, err := s.getIdempotentEscrow(ctx, actor.IdempotencyKey, requestHash); err != nil {
		return domain.Escrow{}, err
	} else if ok {
		return cached, nil
	}

	var out domain.Escrow
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
		if escrow.Kind != domain.EscrowKindBasic {
			return fmt.Errorf("%w: escrow is not basic", domain.ErrInvalidInput)
		}
		if escrow.Terminal() {
			return domain.ErrEscrowClosed
		}

		transfers := basicSplit(escrow)
		outcomes, err := s.settlement.RecordRelease(ctx, escrow.EscrowID, uuid.Nil, 1, transfers)
		if err != nil {
			return fmt.Errorf("settlement release: %w", err)
		}
		now := s.nowFn()
		for _, o := range outcomes {
			if !o.Succeeded {
				continue
			}
			for i := range escrow.Recipients {
				if escrow.Recipients[i].RecipientID == o.RecipientID && escrow.Recipients[i].PaidAt == nil {
					at := now
					escrow.Recipients[i].PaidAt = &at
				}
			}
		}
		if escrow.AllPaid() {
			escrow.Status = domain.EscrowStatusReleased
		}
		escrow.UpdatedAt = now
		if err := s.escrows.Update(ctx, escrow); err != nil {
			return err
		}
		if escrow.Status == domain.EscrowStatusReleased {
			s.enqueueEscrowClosed(ctx, escrow, now)
		}
		out = escrow
		return nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}
	_ = s.completeIdempotencyJSON(ctx, actor.IdempotencyKey, 200, out)
	return out, nil
}

// EstimateFee is display-only; release amounts never come from here.
func (s *Service) EstimateFee(ctx context.Context, actor Actor, amount int64, recipientCount int, accelerated bool) (ports.FeeBreakdown, error) {
	if strings.TrimSpace(actor.SubjectID) == "" {
		return ports.FeeBreakdown{}, domain.ErrUnauthorized
	}
	if amount <= 0 || recipientCount <= 0 {
		return ports.FeeBreakdown{}, domain.ErrInvalidInput
	}
	return s.fees.EstimateFee(ctx, amount, recipientCount, accelerated)
}

func (s *Service) canView(actor Actor, escrow domain.Escrow) bool {
	if actor.Role == "admin" {
		return true
	}
	if escrow.PayerPrincipal == actor.SubjectID {
		return true
	}
	_, ok := escrow.RecipientByPrincipal(actor.SubjectID)
	return ok
}

func buildView(escrow domain.Escrow) EscrowView {
	view := EscrowView{
		Escrow:           escrow,
		ContractUnlocked: escrow.ContractUnlocked(),
	}
	if active, ok := escrow.ActiveMilestone(); ok {
		id := active.MilestoneID
		view.ActiveMilestone = &id
	}
	for _, m := range escrow.Milestones {
		view.Milestones = append(view.Milestones, MilestoneDerived{
			MilestoneID:      m.MilestoneID,
			State:            escrow.StateOf(m.MilestoneID),
			NextPendingMonth: m.NextPendingMonth(),
			Remaining:        m.Remaining(),
		})
	}
	return view
}

// basicSplit computes the even split over the full cohort so each
// recipient's amount stays fixed across retries, then drops anyone
// already paid.
func basicSplit(escrow domain.Escrow) []ports.TransferRequest {
	n := int64(len(escrow.Recipients))
	base := escrow.Allocation / n
	transfers := make([]ports.TransferRequest, 0, n)
	for i, r := range escrow.Recipients {
		if r.PaidAt != nil {
			continue
		}
		amount := base
		if int64(i) == n-1 {
			amount = escrow.Allocation - base*(n-1)
		}
		transfers = append(transfers, ports.TransferRequest{
			RecipientID: r.RecipientID,
			Principal:   r.Principal,
			Amount:      amount,
			Currency:    escrow.Currency,
		})
	}
	return transfers
}

func buildEscrow(payer string, input CreateEscrowInput, now time.Time) domain.Escrow {
	escrow := domain.Escrow{
		EscrowID:       uuid.New(),
		PayerPrincipal: payer,
		Title:          strings.TrimSpace(input.Title),
		Kind:           input.Kind,
		Status:         domain.EscrowStatusPending,
		Currency:       input.Currency,
		Allocation:     input.Allocation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	byPrincipal := make(map[string]uuid.UUID, len(input.Recipients))
	names := make(map[string]string, len(input.Recipients))
	for _, r := range input.Recipients {
		id := uuid.New()
		byPrincipal[r.Principal] = id
		names[r.Principal] = r.DisplayName
		escrow.Recipients = append(escrow.Recipients, domain.GlobalRecipient{
			RecipientID: id,
			Principal:   r.Principal,
			DisplayName: r.DisplayName,
		})
	}
	if input.Kind == domain.EscrowKindMilestone {
		total := int64(0)
		for _, mi := range input.Milestones {
			milestone := domain.Milestone{
				MilestoneID:    uuid.New(),
				Title:          strings.TrimSpace(mi.Title),
				Allocation:     mi.Allocation,
				Currency:       input.Currency,
				DurationMonths: mi.DurationMonths,
				StartDate:      mi.StartDate,
				EndDate:        mi.StartDate.AddDate(0, mi.DurationMonths, 0),
				ReleaseDay:     mi.ReleaseDay,
			}
			for _, share := range mi.Recipients {
				milestone.Recipients = append(milestone.Recipients, domain.MilestoneRecipient{
					RecipientID:  byPrincipal[share.Principal],
					Principal:    share.Principal,
					DisplayName:  names[share.Principal],
					SharePercent: share.SharePercent,
					Proofs:       make(map[int]domain.ProofOfWork),
				})
			}
			total += mi.Allocation
			escrow.Milestones = append(escrow.Milestones, milestone)
		}
		escrow.Allocation = total
	}
	return escrow
}

func validateCreateEscrowInput(input CreateEscrowInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return fmt.Errorf("%w: title required", domain.ErrInvalidInput)
	}
	if input.Kind != domain.EscrowKindBasic && input.Kind != domain.EscrowKindMilestone {
		return fmt.Errorf("%w: unknown escrow kind %q", domain.ErrInvalidInput, input.Kind)
	}
	if len(input.Recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient required", domain.ErrInvalidInput)
	}
	principals := make(map[string]bool, len(input.Recipients))
	for _, r := range input.Recipients {
		p := strings.TrimSpace(r.Principal)
		if p == "" {
			return fmt.Errorf("%w: recipient principal required", domain.ErrInvalidInput)
		}
		if principals[p] {
			return fmt.Errorf("%w: duplicate recipient principal %s", domain.ErrInvalidInput, p)
		}
		principals[p] = true
	}

	switch input.Kind {
	case domain.EscrowKindBasic:
		if input.Allocation <= 0 {
			return fmt.Errorf("%w: allocation must be positive", domain.ErrInvalidInput)
		}
		if len(input.Milestones) > 0 {
			return fmt.Errorf("%w: basic escrow cannot carry milestones", domain.ErrInvalidInput)
		}
	case domain.EscrowKindMilestone:
		if len(input.Milestones) == 0 {
			return fmt.Errorf("%w: milestone escrow requires milestones", domain.ErrInvalidInput)
		}
		for i, m := range input.Milestones {
			if m.Allocation <= 0 {
				return fmt.Errorf("%w: milestone %d allocation must be positive", domain.ErrInvalidInput, i+1)
			}
			if m.DurationMonths <= 0 {
				return fmt.Errorf("%w: milestone %d duration must be positive", domain.ErrInvalidInput, i+1)
			}
			if m.ReleaseDay < 1 || m.ReleaseDay > 28 {
				return fmt.Errorf("%w: milestone %d release day must be 1..28", domain.ErrInvalidInput, i+1)
			}
			if m.StartDate.IsZero() {
				return fmt.Errorf("%w: milestone %d start date required", domain.ErrInvalidInput, i+1)
			}
			if len(m.Recipients) == 0 {
				return fmt.Errorf("%w: milestone %d requires recipients", domain.ErrInvalidInput, i+1)
			}
			shareSum := int64(0)
			seen := make(map[string]bool, len(m.Recipients))
			for _, share := range m.Recipients {
				if !principals[share.Principal] {
					return fmt.Errorf("%w: milestone %d recipient %s not in escrow", domain.ErrInvalidInput, i+1, share.Principal)
				}
				if seen[share.Principal] {
					return fmt.Errorf("%w: milestone %d duplicate recipient %s", domain.ErrInvalidInput, i+1, share.Principal)
				}
				seen[share.Principal] = true
				if share.SharePercent <= 0 || share.SharePercent > 100 {
					return fmt.Errorf("%w: share must be within 1..100", domain.ErrInvalidInput)
				}
				shareSum += share.SharePercent
			}
			if shareSum != 100 {
				return fmt.Errorf("%w: milestone %d shares sum to %d, want 100", domain.ErrInvalidInput, i+1, shareSum)
			}
		}
	}
	return nil
}

func checkEscrowIntegrity(escrow domain.Escrow) error {
	for _, m := range escrow.Milestones {
		if err := m.CheckIntegrity(); err != nil {
			return err
		}
	}
	return nil
}

// escrowLockKey is the single lock every escrow mutation serializes on.
// All writers replace the whole aggregate, so a narrower key would let an
// older snapshot overwrite newer release history.
func escrowLockKey(escrowID uuid.UUID) string {
	return "escrow:" + escrowID.String()
}

// withLock serializes a mutation; the lock is freed on every exit path.
func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	token, err := s.locks.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer func() { _ = s.locks.Release(ctx, key, token) }()
	return fn()
}

func (s *Service) getIdempotentEscrow(ctx context.Context, key, requestHash string) (domain.Escrow, bool, error) {
	if s.idempotency == nil || strings.TrimSpace(key) == "" {
		return domain.Escrow{}, false, nil
	}
	rec, err := s.idempotency.Get(ctx, key, s.nowFn())
	if err != nil || rec == nil {
		return domain.Escrow{}, false, err
	}
	if rec.RequestHash != requestHash {
		return domain.Escrow{}, false, domain.ErrIdempotencyConflict
	}
	if len(rec.ResponseBody) == 0 {
		return domain.Escrow{}, false, nil
	}
	var out domain.Escrow
	if err := json.Unmarshal(rec.ResponseBody, &out); err != nil {
		return domain.Escrow{}, false, nil
	}
	return out, true, nil
}

func (s *Service) reserveIdempotency(ctx context.Context, key, requestHash string) error {
	if s.idempotency == nil {
		return nil
	}
	err := s.idempotency.Reserve(ctx, key, requestHash, s.nowFn().Add(s.cfg.IdempotencyTTL))
	if err == domain.ErrConflict {
		return domain.ErrIdempotencyConflict
	}
	return err
}

func (s *Service) completeIdempotencyJSON(ctx context.Context, key string, code int, payload any) error {
	if s.idempotency == nil || strings.TrimSpace(key) == "" {
		return nil
	}
	b, _ := json.Marshal(payload)
	return s.idempotency.Complete(ctx, key, code, b, s.nowFn())
}

func hashPayload(value interface{}) string {
	blob, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

func (h *Handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	var req contracts.CreateEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body", actor.RequestID)
		return
	}

	input := application.CreateEscrowInput{
		Title:      strings.TrimSpace(req.Title),
		Kind:       domain.EscrowKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		Allocation: req.Allocation,
	}
	for _, rec := range req.Recipients {
		input.Recipients = append(input.Recipients, application.RecipientInput{
			Principal:   strings.TrimSpace(rec.Principal),
			DisplayName: strings.TrimSpace(rec.DisplayName),
		})
	}
	for _, ms := range req.Milestones {
		milestone := application.MilestoneInput{
			Title:          strings.TrimSpace(ms.Title),
			Allocation:     ms.Allocation,
			DurationMonths: ms.DurationMonths,
			StartDate:      ms.StartDate,
			ReleaseDay:     ms.ReleaseDay,
		}
		for _, share := range ms.Recipients {
			milestone.Recipients = append(milestone.Recipients, application.MilestoneShareInput{
				Principal:    strings.TrimSpace(share.Principal),
				SharePercent: share.SharePercent,
			})
		}
		input.Milestones = append(input.Milestones, milestone)
	}

	escrow, err := h.service.CreateEscrow(r.Context(), actor, input)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusCreated, "escrow created", escrow)
}

func (h *Handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}

	view, err := h.service.GetEscrow(r.Context(), actor, escrowID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "", view)
}

func (h *Handler) listEscrows(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	query := ports.ListQuery{
		Principal: strings.TrimSpace(r.URL.Query().Get("principal")),
		Limit:     queryInt(r, "limit", 20),
		Offset:    queryInt(r, "offset", 0),
	}

	out, err := h.service.ListEscrows(r.Context(), actor, query)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "", map[string]interface{}{
		"items": out.Items,
		"pagination": contracts.Pagination{
			Limit:  out.Pagination.Limit,
			Offset: out.Pagination.Offset,
			Total:  out.Total,
		},
	})
}

func (h *Handler) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	h.closeEscrow(w, r, "escrow cancelled", h.service.CancelEscrow)
}

func (h *Handler) refundEscrow(w http.ResponseWriter, r *http.Request) {
	h.closeEscrow(w, r, "escrow refunded", h.service.RefundEscrow)
}

func (h *Handler) closeEscrow(w http.ResponseWriter, r *http.Request, message string, op func(ctx context.Context, actor application.Actor, escrowID uuid.UUID) (domain.Escrow, error)) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}

	escrow, err := op(r.Context(), actor, escrowID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, message, escrow)
}

func (h *Handler) releaseBasic(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}

	escrow, err := h.service.ReleaseBasic(r.Context(), actor, escrowID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "escrow released", escrow)
}

func (h *Handler) recordSignature(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}

	escrow, err := h.service.RecordSignature(r.Context(), actor, escrowID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "signature recorded", escrow)
}

func (h *Handler) recordPayerApproval(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}

	escrow, err := h.service.RecordPayerApproval(r.Context(), actor, escrowID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "payer approval recorded", escrow)
}

func (h *Handler) submitProof(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}
	milestoneID, ok := parseUUID(w, r, "mid", actor.RequestID)
	if !ok {
		return
	}

	var req contracts.SubmitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body", actor.RequestID)
		return
	}

	input := application.SubmitProofInput{
		Month:       req.Month,
		Description: req.Description,
	}
	for _, att := range req.Attachments {
		input.Attachments = append(input.Attachments, application.Attachment{
			Filename: strings.TrimSpace(att.Filename),
			Data:     att.Data,
		})
	}

	proof, err := h.service.SubmitProof(r.Context(), actor, escrowID, milestoneID, input)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusCreated, "proof recorded", proof)
}

func (h *Handler) checkRelease(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}
	milestoneID, ok := parseUUID(w, r, "mid", actor.RequestID)
	if !ok {
		return
	}

	month, err := h.service.CheckRelease(r.Context(), actor, escrowID, milestoneID)
	if err != nil {
		if reason, ineligible := releaseBlockReason(err); ineligible {
			writeSuccess(w, http.StatusOK, "", contracts.ReleaseCheckResponse{Eligible: false, Reason: reason})
			return
		}
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "", contracts.ReleaseCheckResponse{Eligible: true, Month: month})
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}
	milestoneID, ok := parseUUID(w, r, "mid", actor.RequestID)
	if !ok {
		return
	}

	payment, err := h.service.Release(r.Context(), actor, escrowID, milestoneID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "month released", payment)
}

func (h *Handler) remaining(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	escrowID, ok := parseUUID(w, r, "id", actor.RequestID)
	if !ok {
		return
	}
	milestoneID, ok := parseUUID(w, r, "mid", actor.RequestID)
	if !ok {
		return
	}

	remaining, err := h.service.Remaining(r.Context(), actor, escrowID, milestoneID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "", contracts.RemainingResponse{
		MilestoneID: milestoneID.String(),
		Remaining:   remaining,
		Currency:    r.URL.Query().Get("currency"),
	})
}

func (h *Handler) estimateFee(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())

	amount, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("amount")), 10, 64)
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount must be a positive integer", actor.RequestID)
		return
	}
	recipients := queryInt(r, "recipients", 1)
	accelerated := strings.EqualFold(r.URL.Query().Get("accelerated"), "true")

	breakdown, err := h.service.EstimateFee(r.Context(), actor, amount, recipients, accelerated)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error(), actor.RequestID)
		return
	}
	writeSuccess(w, http.StatusOK, "", breakdown)
}

// releaseBlockReason distinguishes "not eligible yet" from a hard
// failure so release-check can answer 200 with a machine-readable
// reason instead of an error status.
func releaseBlockReason(err error) (string, bool) {
	switch {
	case errors.Is(err, domain.ErrMilestoneNotUnlocked):
		return "milestone_not_unlocked", true
	case errors.Is(err, domain.ErrMilestoneLocked):
		return "milestone_locked", true
	case errors.Is(err, domain.ErrProofIncomplete):
		return "proof_incomplete", true
	case errors.Is(err, domain.ErrAlreadyReleased):
		return "already_released", true
	case errors.Is(err, domain.ErrEscrowClosed):
		return "escrow_closed", true
	default:
		return "", false
	}
}

func parseUUID(w http.ResponseWriter, r *http.Request, param, requestID string) (uuid.UUID, bool) {
	value, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed "+param+" path parameter", requestID)
		return uuid.Nil, false
	}
	return value, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

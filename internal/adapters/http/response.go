package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, contracts.SuccessResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, contracts.ErrorResponse{
		Status: "error",
		Error: contracts.ErrorPayload{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

func mapDomainError(err error) (status int, code string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrIdempotencyRequired):
		return http.StatusBadRequest, "idempotency_key_required"
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, domain.ErrEmptyDescription):
		return http.StatusUnprocessableEntity, "empty_description"
	case errors.Is(err, domain.ErrAttachmentTooLarge):
		return http.StatusUnprocessableEntity, "attachment_too_large"
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusUnprocessableEntity, "payload_too_large"
	case errors.Is(err, domain.ErrMonthOutOfRange):
		return http.StatusUnprocessableEntity, "month_out_of_range"
	case errors.Is(err, domain.ErrRecipientNotInMilestone):
		return http.StatusNotFound, "recipient_not_in_milestone"
	case errors.Is(err, domain.ErrUnknownRecipient):
		return http.StatusNotFound, "unknown_recipient"
	case errors.Is(err, domain.ErrAlreadySigned):
		return http.StatusConflict, "already_signed"
	case errors.Is(err, domain.ErrNotAllSigned):
		return http.StatusConflict, "not_all_signed"
	case errors.Is(err, domain.ErrMilestoneNotUnlocked):
		return http.StatusConflict, "milestone_not_unlocked"
	case errors.Is(err, domain.ErrMilestoneLocked):
		return http.StatusConflict, "milestone_locked"
	case errors.Is(err, domain.ErrProofIncomplete):
		return http.StatusConflict, "proof_incomplete"
	case errors.Is(err, domain.ErrAlreadyReleased):
		return http.StatusConflict, "already_released"
	case errors.Is(err, domain.ErrEscrowClosed):
		return http.StatusConflict, "escrow_closed"
	case errors.Is(err, domain.ErrLockUnavailable):
		return http.StatusConflict, "lock_unavailable"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrIntegrityViolation):
		return http.StatusInternalServerError, "integrity_violation"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

package domain

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("conflict")
	ErrIdempotencyRequired = errors.New("idempotency key required")
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// Proof-of-work validation failures. No state is mutated when these
	// are returned; the submitting party can correct and resubmit.
	ErrEmptyDescription        = errors.New("proof description is empty")
	ErrAttachmentTooLarge      = errors.New("attachment exceeds per-file size limit")
	ErrPayloadTooLarge         = errors.New("submission exceeds aggregate payload limit")
	ErrMonthOutOfRange         = errors.New("month outside milestone duration")
	ErrRecipientNotInMilestone = errors.New("recipient is not part of milestone")

	// Gate failures: a precondition was not met. Surfaced verbatim and
	// never retried automatically.
	ErrNotAllSigned         = errors.New("not all recipients have signed")
	ErrAlreadySigned        = errors.New("recipient already signed")
	ErrUnknownRecipient     = errors.New("recipient is not part of escrow")
	ErrMilestoneNotUnlocked = errors.New("contract gate is not unlocked")
	ErrMilestoneLocked      = errors.New("milestone is not the active one")
	ErrProofIncomplete      = errors.New("proof of work incomplete for month")
	ErrAlreadyReleased      = errors.New("month already released")

	ErrEscrowClosed    = errors.New("escrow is in a terminal state")
	ErrLockUnavailable = errors.New("mutation lock unavailable")

	// ErrIntegrityViolation marks a broken invariant (negative remainder,
	// duplicate month numbers, more releases than duration). It halts
	// further mutation of the escrow instead of silently continuing.
	ErrIntegrityViolation = errors.New("escrow integrity violation")
)

package domain

import (
	"strings"
	"time"
)

// ProofOfWork is a recipient's evidence for one month: a description plus
// optional attachments referenced by blob ID. Raw bytes never live here.
type ProofOfWork struct {
	Description string          `json:"description"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
}

type AttachmentRef struct {
	BlobID    string `json:"blob_id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

// Valid reports whether the entry counts toward the month's gate.
func (p ProofOfWork) Valid() bool {
	return strings.TrimSpace(p.Description) != "" && p.SubmittedAt != nil
}

// ValidateProofSubmission enforces the size ceilings. Attachments are
// expected pre-compressed by the caller; nothing is compressed here.
func ValidateProofSubmission(description string, attachmentSizes []int64, perFileLimit, aggregateLimit int64) error {
	trimmed := strings.TrimSpace(description)
	if trimmed == "" {
		return ErrEmptyDescription
	}
	total := int64(len(trimmed))
	for _, size := range attachmentSizes {
		if size > perFileLimit {
			return ErrAttachmentTooLarge
		}
		total += size
	}
	if total > aggregateLimit {
		return ErrPayloadTooLarge
	}
	return nil
}

// ProofSatisfied is the all-or-nothing month gate: every milestone
// recipient must hold a valid entry for that exact month.
func (m Milestone) ProofSatisfied(month int) bool {
	if len(m.Recipients) == 0 {
		return false
	}
	for _, r := range m.Recipients {
		proof, ok := r.Proofs[month]
		if !ok || !proof.Valid() {
			return false
		}
	}
	return true
}

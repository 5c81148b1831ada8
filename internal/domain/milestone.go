package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RecipientPaymentStatus string

const (
	RecipientPaymentPending        RecipientPaymentStatus = "pending"
	RecipientPaymentProofSubmitted RecipientPaymentStatus = "proof_submitted"
	RecipientPaymentApproved       RecipientPaymentStatus = "approved"
	RecipientPaymentPaid           RecipientPaymentStatus = "paid"
	RecipientPaymentFailed         RecipientPaymentStatus = "failed"
)

// Milestone is one tranche of a milestone escrow, paying out over
// DurationMonths monthly cycles. Sequence order equals payout order.
type Milestone struct {
	MilestoneID    uuid.UUID            `json:"milestone_id"`
	Title          string               `json:"title"`
	Allocation     int64                `json:"allocation"`
	Currency       string               `json:"currency"`
	DurationMonths int                  `json:"duration_months"`
	StartDate      time.Time            `json:"start_date"`
	EndDate        time.Time            `json:"end_date"`
	ReleaseDay     int                  `json:"release_day"`
	Recipients     []MilestoneRecipient `json:"recipients"`

	// ReleasePayments is append-only, one entry per completed or attempted
	// month, never removed or reordered.
	ReleasePayments []ReleasePayment `json:"release_payments"`
}

// MilestoneRecipient carries the per-milestone share weight and the
// per-month proof-of-work entries, keyed by month number (1..duration).
type MilestoneRecipient struct {
	RecipientID  uuid.UUID           `json:"recipient_id"`
	Principal    string              `json:"principal"`
	DisplayName  string              `json:"display_name"`
	SharePercent int64               `json:"share_percent"`
	Proofs       map[int]ProofOfWork `json:"proofs,omitempty"`
}

// ReleasePayment records the outcome of one month's release attempt.
// ReleasedAt stays nil until at least one transfer was confirmed, which
// keeps the month eligible for retry.
type ReleasePayment struct {
	ReleaseID   uuid.UUID          `json:"release_id"`
	MonthNumber int                `json:"month_number"`
	Total       int64              `json:"total"`
	ReleasedAt  *time.Time         `json:"released_at,omitempty"`
	Recipients  []RecipientPayment `json:"recipients"`
}

type RecipientPayment struct {
	RecipientID   uuid.UUID              `json:"recipient_id"`
	Name          string                 `json:"name"`
	Amount        int64                  `json:"amount"`
	Status        RecipientPaymentStatus `json:"status"`
	FailureReason string                 `json:"failure_reason,omitempty"`
}

// RecipientByID returns the milestone recipient entry, if present.
func (m Milestone) RecipientByID(id uuid.UUID) (MilestoneRecipient, bool) {
	for _, r := range m.Recipients {
		if r.RecipientID == id {
			return r, true
		}
	}
	return MilestoneRecipient{}, false
}

// ReleasedMonths counts months with a confirmed release.
func (m Milestone) ReleasedMonths() int {
	n := 0
	for _, rp := range m.ReleasePayments {
		if rp.ReleasedAt != nil {
			n++
		}
	}
	return n
}

// NextPendingMonth is the lowest month number not yet successfully
// released: 1 + the highest confirmed month. Months are never skipped or
// released out of order.
func (m Milestone) NextPendingMonth() int {
	highest := 0
	for _, rp := range m.ReleasePayments {
		if rp.ReleasedAt != nil && rp.MonthNumber > highest {
			highest = rp.MonthNumber
		}
	}
	return highest + 1
}

// Completed is true once every month of the duration has a confirmed
// release.
func (m Milestone) Completed() bool {
	return m.DurationMonths > 0 && m.ReleasedMonths() >= m.DurationMonths
}

// ReleaseForMonth returns the recorded release attempt for a month. When
// a month carries both failed attempts and a confirmed release, the
// confirmed one wins; otherwise the most recent attempt is returned.
func (m Milestone) ReleaseForMonth(month int) (ReleasePayment, bool) {
	var latest ReleasePayment
	found := false
	for _, rp := range m.ReleasePayments {
		if rp.MonthNumber != month {
			continue
		}
		if rp.ReleasedAt != nil {
			return rp, true
		}
		latest = rp
		found = true
	}
	return latest, found
}

// Remaining is the allocation minus all confirmed release totals. A
// negative value is an integrity violation, not a recoverable state.
func (m Milestone) Remaining() int64 {
	remaining := m.Allocation
	for _, rp := range m.ReleasePayments {
		if rp.ReleasedAt != nil {
			remaining -= rp.Total
		}
	}
	return remaining
}

// RecipientAllocation is a recipient's total over the whole milestone:
// allocation weighted by the recipient's 0-100 share.
func RecipientAllocation(allocation, sharePercent int64) int64 {
	return allocation * sharePercent / 100
}

// MonthlyAmount computes the payout for one recipient and month. Floor
// division leaves a remainder; it is paid with the final month so the sum
// across the duration recovers the recipient allocation exactly.
func MonthlyAmount(allocation, sharePercent int64, duration, month int) int64 {
	if duration <= 0 || month < 1 || month > duration {
		return 0
	}
	total := RecipientAllocation(allocation, sharePercent)
	base := total / int64(duration)
	if month == duration {
		return total - base*int64(duration-1)
	}
	return base
}

// CheckIntegrity validates the append-only release invariants. Any error
// here indicates an upstream bug; callers must halt mutation of the
// escrow rather than continue.
func (m Milestone) CheckIntegrity() error {
	confirmed := make(map[int]bool, len(m.ReleasePayments))
	for _, rp := range m.ReleasePayments {
		if rp.MonthNumber < 1 || rp.MonthNumber > m.DurationMonths {
			return fmt.Errorf("%w: release month %d outside duration %d", ErrIntegrityViolation, rp.MonthNumber, m.DurationMonths)
		}
		if rp.ReleasedAt == nil {
			// Failed attempts may repeat for the same month; only a
			// second confirmed release is a violation.
			continue
		}
		if confirmed[rp.MonthNumber] {
			return fmt.Errorf("%w: duplicate confirmed release for month %d of milestone %s", ErrIntegrityViolation, rp.MonthNumber, m.MilestoneID)
		}
		confirmed[rp.MonthNumber] = true
	}
	if m.ReleasedMonths() > m.DurationMonths {
		return fmt.Errorf("%w: %d confirmed releases exceed duration %d", ErrIntegrityViolation, m.ReleasedMonths(), m.DurationMonths)
	}
	if m.Remaining() < 0 {
		return fmt.Errorf("%w: remaining balance is negative (%d)", ErrIntegrityViolation, m.Remaining())
	}
	return nil
}

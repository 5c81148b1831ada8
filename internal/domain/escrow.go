package domain

import (
	"time"

	"github.com/google/uuid"
)

type EscrowKind string
type EscrowStatus string

const (
	EscrowKindBasic     EscrowKind = "basic"
	EscrowKindMilestone EscrowKind = "milestone"
)

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusActive    EscrowStatus = "active"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusCancelled EscrowStatus = "cancelled"
	EscrowStatusRefunded  EscrowStatus = "refunded"
)

// Escrow is the aggregate root. Milestones and recipients are fixed at
// creation; only status fields and release history mutate afterwards.
type Escrow struct {
	EscrowID       uuid.UUID         `json:"escrow_id"`
	SettlementRef  string            `json:"settlement_ref,omitempty"`
	PayerPrincipal string            `json:"payer_principal"`
	Title          string            `json:"title"`
	Kind           EscrowKind        `json:"kind"`
	Status         EscrowStatus      `json:"status"`
	Currency       string            `json:"currency"`
	Allocation     int64             `json:"allocation"`
	Recipients     []GlobalRecipient `json:"recipients"`
	Milestones     []Milestone       `json:"milestones,omitempty"`

	// ClientApprovedSignedContractAt is the payer's single counter-approval
	// over the whole recipient cohort. It may only be set once every
	// recipient has signed.
	ClientApprovedSignedContractAt *time.Time `json:"client_approved_signed_contract_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GlobalRecipient tracks escrow-wide contract signing for one payee.
// PaidAt is only used by basic escrows: each recipient is paid at most
// once, so a retried release skips anyone already stamped.
type GlobalRecipient struct {
	RecipientID      uuid.UUID  `json:"recipient_id"`
	Principal        string     `json:"principal"`
	DisplayName      string     `json:"display_name"`
	SignedContractAt *time.Time `json:"signed_contract_at,omitempty"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
}

// Terminal reports whether the escrow can no longer mutate.
func (e Escrow) Terminal() bool {
	switch e.Status {
	case EscrowStatusReleased, EscrowStatusCancelled, EscrowStatusRefunded:
		return true
	default:
		return false
	}
}

// AllSigned is true iff every global recipient has a signature timestamp.
func (e Escrow) AllSigned() bool {
	if len(e.Recipients) == 0 {
		return false
	}
	for _, r := range e.Recipients {
		if r.SignedContractAt == nil {
			return false
		}
	}
	return true
}

// PayerApproved is true iff the payer has counter-approved the cohort.
func (e Escrow) PayerApproved() bool {
	return e.ClientApprovedSignedContractAt != nil
}

// ContractUnlocked is the single predicate gating milestone execution.
func (e Escrow) ContractUnlocked() bool {
	return e.AllSigned() && e.PayerApproved()
}

// AllPaid is true iff every global recipient carries a payout timestamp.
func (e Escrow) AllPaid() bool {
	if len(e.Recipients) == 0 {
		return false
	}
	for _, r := range e.Recipients {
		if r.PaidAt == nil {
			return false
		}
	}
	return true
}

// RecipientByID returns the global recipient entry, if present.
func (e Escrow) RecipientByID(id uuid.UUID) (GlobalRecipient, bool) {
	for _, r := range e.Recipients {
		if r.RecipientID == id {
			return r, true
		}
	}
	return GlobalRecipient{}, false
}

// RecipientByPrincipal resolves a recipient from its opaque principal.
func (e Escrow) RecipientByPrincipal(principal string) (GlobalRecipient, bool) {
	for _, r := range e.Recipients {
		if r.Principal == principal {
			return r, true
		}
	}
	return GlobalRecipient{}, false
}

// MilestoneByID returns a pointer into the escrow's milestone slice so
// callers can mutate release history in place.
func (e *Escrow) MilestoneByID(id uuid.UUID) (*Milestone, bool) {
	for i := range e.Milestones {
		if e.Milestones[i].MilestoneID == id {
			return &e.Milestones[i], true
		}
	}
	return nil, false
}

// SuccessfulReleases counts months with a confirmed release across all
// milestones. Cancellation is only permitted while this is zero.
func (e Escrow) SuccessfulReleases() int {
	n := 0
	for _, m := range e.Milestones {
		n += m.ReleasedMonths()
	}
	return n
}

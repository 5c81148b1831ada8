package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func signedEscrow(milestones ...Milestone) Escrow {
	now := time.Now().UTC()
	return Escrow{
		EscrowID:       uuid.New(),
		PayerPrincipal: "payer",
		Kind:           EscrowKindMilestone,
		Status:         EscrowStatusActive,
		Recipients: []GlobalRecipient{
			{RecipientID: uuid.New(), Principal: "alice", SignedContractAt: &now},
		},
		ClientApprovedSignedContractAt: &now,
		Milestones:                     milestones,
	}
}

func provenMilestone(duration int, months ...int) Milestone {
	now := time.Now().UTC()
	proofs := map[int]ProofOfWork{}
	for _, month := range months {
		proofs[month] = ProofOfWork{Description: "done", SubmittedAt: &now}
	}
	return Milestone{
		MilestoneID:    uuid.New(),
		Allocation:     120_000,
		DurationMonths: duration,
		Recipients: []MilestoneRecipient{
			{RecipientID: uuid.New(), Principal: "alice", SharePercent: 100, Proofs: proofs},
		},
	}
}

func TestActiveMilestoneIsFirstNonCompleted(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	first := provenMilestone(1)
	first.ReleasePayments = []ReleasePayment{{MonthNumber: 1, Total: 120_000, ReleasedAt: &now}}
	second := provenMilestone(2)
	third := provenMilestone(2)
	escrow := signedEscrow(first, second, third)

	active, ok := escrow.ActiveMilestone()
	if !ok {
		t.Fatal("expected an active milestone")
	}
	if active.MilestoneID != second.MilestoneID {
		t.Fatal("active milestone should be the first non-completed in sequence")
	}
	if escrow.IsActiveMilestone(third.MilestoneID) {
		t.Fatal("a later milestone must stay locked while its predecessor runs")
	}
}

func TestActiveMilestoneNoneWhenAllCompleted(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	only := provenMilestone(1)
	only.ReleasePayments = []ReleasePayment{{MonthNumber: 1, Total: 120_000, ReleasedAt: &now}}
	escrow := signedEscrow(only)

	if _, ok := escrow.ActiveMilestone(); ok {
		t.Fatal("completed sequence should report no active milestone")
	}
}

func TestFirstMilestoneRequiresContractGate(t *testing.T) {
	t.Parallel()

	m := provenMilestone(2, 1)
	escrow := signedEscrow(m)
	escrow.ClientApprovedSignedContractAt = nil

	if escrow.IsActiveMilestone(m.MilestoneID) {
		t.Fatal("head of sequence must not activate before the contract gate")
	}
	if _, err := CanRelease(escrow, m); !errors.Is(err, ErrMilestoneNotUnlocked) {
		t.Fatalf("got %v, want ErrMilestoneNotUnlocked", err)
	}
}

func TestStateOfDerivation(t *testing.T) {
	t.Parallel()

	first := provenMilestone(2)
	second := provenMilestone(2)
	escrow := signedEscrow(first, second)

	if got := escrow.StateOf(first.MilestoneID); got != MilestoneActive {
		t.Fatalf("first: got %s, want active", got)
	}
	if got := escrow.StateOf(second.MilestoneID); got != MilestoneScheduled {
		t.Fatalf("second: got %s, want scheduled", got)
	}

	escrow.ClientApprovedSignedContractAt = nil
	if got := escrow.StateOf(first.MilestoneID); got != MilestoneAwaitingApproval {
		t.Fatalf("unapproved: got %s, want awaiting_approval", got)
	}

	escrow.Recipients[0].SignedContractAt = nil
	if got := escrow.StateOf(first.MilestoneID); got != MilestoneAwaitingSignatures {
		t.Fatalf("unsigned: got %s, want awaiting_signatures", got)
	}
}

func TestCanReleaseChecksProofAndOrder(t *testing.T) {
	t.Parallel()

	m := provenMilestone(3, 1)
	escrow := signedEscrow(m)

	month, err := CanRelease(escrow, m)
	if err != nil {
		t.Fatalf("month 1 with proof: %v", err)
	}
	if month != 1 {
		t.Fatalf("got month %d, want 1", month)
	}

	// Month 1 confirmed; month 2 has no proof.
	now := time.Now().UTC()
	m.ReleasePayments = []ReleasePayment{{MonthNumber: 1, Total: 40_000, ReleasedAt: &now}}
	escrow = signedEscrow(m)
	if _, err := CanRelease(escrow, m); !errors.Is(err, ErrProofIncomplete) {
		t.Fatalf("got %v, want ErrProofIncomplete", err)
	}
}

func TestCanReleaseFailedMonthStaysEligible(t *testing.T) {
	t.Parallel()

	m := provenMilestone(3, 1)
	m.ReleasePayments = []ReleasePayment{{MonthNumber: 1}} // all transfers failed
	escrow := signedEscrow(m)

	month, err := CanRelease(escrow, m)
	if err != nil {
		t.Fatalf("failed month should stay eligible: %v", err)
	}
	if month != 1 {
		t.Fatalf("got month %d, want 1", month)
	}
}

func TestSuccessfulReleasesAcrossMilestones(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	first := provenMilestone(2)
	first.ReleasePayments = []ReleasePayment{
		{MonthNumber: 1, Total: 60_000, ReleasedAt: &now},
		{MonthNumber: 2}, // failed attempt does not count
	}
	second := provenMilestone(1)
	escrow := signedEscrow(first, second)

	if got := escrow.SuccessfulReleases(); got != 1 {
		t.Fatalf("got %d confirmed releases, want 1", got)
	}
}

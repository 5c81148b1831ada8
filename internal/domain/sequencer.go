package domain

import "github.com/google/uuid"

type MilestoneState string

const (
	MilestoneScheduled          MilestoneState = "scheduled"
	MilestoneAwaitingSignatures MilestoneState = "awaiting_signatures"
	MilestoneAwaitingApproval   MilestoneState = "awaiting_approval"
	MilestoneActive             MilestoneState = "active"
	MilestoneCompleted          MilestoneState = "completed"
)

// ActiveMilestone returns the first milestone in sequence order that is
// not completed. The sequence is strictly serial: everything after the
// active milestone is scheduled regardless of its own start date.
func (e Escrow) ActiveMilestone() (Milestone, bool) {
	for _, m := range e.Milestones {
		if !m.Completed() {
			return m, true
		}
	}
	return Milestone{}, false
}

// IsActiveMilestone reports whether the given milestone is the one
// currently eligible for proof and release activity. The contract gate is
// consulted once, at the head of the sequence; a later milestone can only
// become active after its predecessor completed, which already implies
// the gate was satisfied.
func (e Escrow) IsActiveMilestone(id uuid.UUID) bool {
	for i, m := range e.Milestones {
		if m.Completed() {
			continue
		}
		if m.MilestoneID != id {
			return false
		}
		if i == 0 {
			return e.ContractUnlocked()
		}
		return true
	}
	return false
}

// StateOf derives a milestone's lifecycle state from the authoritative
// fields. Nothing is cached; every consumer recomputes from the same data.
func (e Escrow) StateOf(id uuid.UUID) MilestoneState {
	activeSeen := false
	for _, m := range e.Milestones {
		if m.MilestoneID == id {
			switch {
			case m.Completed():
				return MilestoneCompleted
			case activeSeen:
				return MilestoneScheduled
			case !e.AllSigned():
				return MilestoneAwaitingSignatures
			case !e.PayerApproved():
				return MilestoneAwaitingApproval
			default:
				return MilestoneActive
			}
		}
		if !m.Completed() {
			activeSeen = true
		}
	}
	return MilestoneScheduled
}

// CanRelease is the single decision point for "can the next month of this
// milestone be released right now". It is pure: no mutation, no I/O, safe
// to call speculatively.
func CanRelease(e Escrow, m Milestone) (int, error) {
	month := m.NextPendingMonth()
	if !e.ContractUnlocked() {
		return 0, ErrMilestoneNotUnlocked
	}
	if !e.IsActiveMilestone(m.MilestoneID) {
		return 0, ErrMilestoneLocked
	}
	if !m.ProofSatisfied(month) {
		return 0, ErrProofIncomplete
	}
	// Unreachable via NextPendingMonth, but external retries may race.
	if rp, ok := m.ReleaseForMonth(month); ok && rp.ReleasedAt != nil {
		return 0, ErrAlreadyReleased
	}
	return month, nil
}

package unit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	cacheadapter "github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/adapters/cache"
	eventadapter "github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/adapters/events"
	grpcadapter "github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/adapters/grpc"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/adapters/memory"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/adapters/storage"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

// fakeSettlement simulates the ledger with scriptable per-principal
// transfer failures.
type fakeSettlement struct {
	mu            sync.Mutex
	failFor       map[string]string
	releases      int
	refunds       []int64
	lastTransfers []ports.TransferRequest
}

func newFakeSettlement() *fakeSettlement {
	return &fakeSettlement{failFor: map[string]string{}}
}

func (f *fakeSettlement) failPrincipal(principal, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[principal] = reason
}

func (f *fakeSettlement) clearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor = map[string]string{}
}

func (f *fakeSettlement) CreateEscrow(_ context.Context, _ string, _ domain.EscrowKind, _ string, _ int64, _ string) (string, error) {
	return "settle-" + uuid.NewString(), nil
}

func (f *fakeSettlement) RecordRelease(_ context.Context, _ uuid.UUID, _ uuid.UUID, _ int, transfers []ports.TransferRequest) ([]ports.TransferOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.lastTransfers = append([]ports.TransferRequest(nil), transfers...)
	out := make([]ports.TransferOutcome, 0, len(transfers))
	for _, t := range transfers {
		if reason, fail := f.failFor[t.Principal]; fail {
			out = append(out, ports.TransferOutcome{RecipientID: t.RecipientID, Succeeded: false, Reason: reason})
			continue
		}
		out = append(out, ports.TransferOutcome{RecipientID: t.RecipientID, Succeeded: true, Reference: "tx-" + uuid.NewString()})
	}
	return out, nil
}

func (f *fakeSettlement) ConfirmRefund(_ context.Context, _ uuid.UUID, amount int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, amount)
	return "refund-" + uuid.NewString(), nil
}

type testEnv struct {
	svc        *application.Service
	settlement *fakeSettlement
	locks      *cacheadapter.MemoryMutationLock
	outbox     *memory.OutboxRepository
}

func newTestEnv() testEnv {
	repos := memory.NewRepositories()
	settlement := newFakeSettlement()
	locks := cacheadapter.NewMemoryMutationLock()
	svc := application.NewService(application.Dependencies{
		Escrows:       repos.Escrows,
		Idempotency:   repos.Idempotency,
		Outbox:        repos.Outbox,
		Locks:         locks,
		Settlement:    settlement,
		Fees:          grpcadapter.NewFeeOracle(""),
		Blobs:         storage.NewMemoryBlobStore(),
		DomainEvents:  eventadapter.NewMemoryDomainPublisher(),
		Notifications: eventadapter.NewMemoryNotificationPublisher(),
	})
	return testEnv{svc: svc, settlement: settlement, locks: locks, outbox: repos.Outbox}
}

func payerActor(key string) application.Actor {
	return application.Actor{SubjectID: "payer-1", Role: "user", IdempotencyKey: key}
}

func recipientActor(principal string) application.Actor {
	return application.Actor{SubjectID: principal, Role: "user"}
}

func milestoneEscrowInput() application.CreateEscrowInput {
	return application.CreateEscrowInput{
		Title:    "Q3 production retainer",
		Kind:     domain.EscrowKindMilestone,
		Currency: "SAT",
		Recipients: []application.RecipientInput{
			{Principal: "alice", DisplayName: "Alice"},
			{Principal: "bob", DisplayName: "Bob"},
		},
		Milestones: []application.MilestoneInput{
			{
				Title:          "Production phase",
				Allocation:     300_000,
				DurationMonths: 3,
				StartDate:      time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
				ReleaseDay:     15,
				Recipients: []application.MilestoneShareInput{
					{Principal: "alice", SharePercent: 50},
					{Principal: "bob", SharePercent: 50},
				},
			},
		},
	}
}

func setupUnlockedEscrow(t *testing.T, env testEnv) domain.Escrow {
	t.Helper()
	ctx := context.Background()

	escrow, err := env.svc.CreateEscrow(ctx, payerActor("create-1"), milestoneEscrowInput())
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	for _, principal := range []string{"alice", "bob"} {
		if _, err := env.svc.RecordSignature(ctx, recipientActor(principal), escrow.EscrowID); err != nil {
			t.Fatalf("sign %s: %v", principal, err)
		}
	}
	escrow, err = env.svc.RecordPayerApproval(ctx, payerActor(""), escrow.EscrowID)
	if err != nil {
		t.Fatalf("payer approval: %v", err)
	}
	return escrow
}

func submitProofs(t *testing.T, env testEnv, escrowID, milestoneID uuid.UUID, month int) {
	t.Helper()
	ctx := context.Background()
	for _, principal := range []string{"alice", "bob"} {
		_, err := env.svc.SubmitProof(ctx, recipientActor(principal), escrowID, milestoneID, application.SubmitProofInput{
			Month:       month,
			Description: "deliverables for month",
			Attachments: []application.Attachment{{Filename: "report.pdf", Data: []byte("compressed-bytes")}},
		})
		if err != nil {
			t.Fatalf("submit proof %s month %d: %v", principal, month, err)
		}
	}
}

func TestCreateEscrowIdempotentReplay(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	actor := payerActor("create-replay")

	first, err := env.svc.CreateEscrow(ctx, actor, milestoneEscrowInput())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := env.svc.CreateEscrow(ctx, actor, milestoneEscrowInput())
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if first.EscrowID != second.EscrowID {
		t.Fatal("idempotent replay must return the same escrow")
	}
}

func TestCreateEscrowIdempotencyKeyRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	_, err := env.svc.CreateEscrow(context.Background(), payerActor(""), milestoneEscrowInput())
	if !errors.Is(err, domain.ErrIdempotencyRequired) {
		t.Fatalf("got %v, want ErrIdempotencyRequired", err)
	}
}

func TestMilestoneAllocationSumsEscrow(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	escrow, err := env.svc.CreateEscrow(context.Background(), payerActor("create-sum"), milestoneEscrowInput())
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if escrow.Allocation != 300_000 {
		t.Fatalf("escrow allocation: got %d, want 300000", escrow.Allocation)
	}
	if escrow.Status != domain.EscrowStatusPending {
		t.Fatalf("status: got %s, want pending", escrow.Status)
	}
}

func TestSharesMustSumToHundred(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	input := milestoneEscrowInput()
	input.Milestones[0].Recipients[1].SharePercent = 40

	_, err := env.svc.CreateEscrow(context.Background(), payerActor("create-bad"), input)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestApprovalRequiresAllSignatures(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow, err := env.svc.CreateEscrow(ctx, payerActor("create-gate"), milestoneEscrowInput())
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	if _, err := env.svc.RecordPayerApproval(ctx, payerActor(""), escrow.EscrowID); !errors.Is(err, domain.ErrNotAllSigned) {
		t.Fatalf("approval before signatures: got %v, want ErrNotAllSigned", err)
	}

	if _, err := env.svc.RecordSignature(ctx, recipientActor("alice"), escrow.EscrowID); err != nil {
		t.Fatalf("sign alice: %v", err)
	}
	if _, err := env.svc.RecordSignature(ctx, recipientActor("alice"), escrow.EscrowID); !errors.Is(err, domain.ErrAlreadySigned) {
		t.Fatalf("double sign: got %v, want ErrAlreadySigned", err)
	}
	if _, err := env.svc.RecordSignature(ctx, recipientActor("mallory"), escrow.EscrowID); !errors.Is(err, domain.ErrUnknownRecipient) {
		t.Fatalf("stranger sign: got %v, want ErrUnknownRecipient", err)
	}
	if _, err := env.svc.RecordPayerApproval(ctx, payerActor(""), escrow.EscrowID); !errors.Is(err, domain.ErrNotAllSigned) {
		t.Fatalf("approval with one signature: got %v, want ErrNotAllSigned", err)
	}

	if _, err := env.svc.RecordSignature(ctx, recipientActor("bob"), escrow.EscrowID); err != nil {
		t.Fatalf("sign bob: %v", err)
	}
	approved, err := env.svc.RecordPayerApproval(ctx, payerActor(""), escrow.EscrowID)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if !approved.ContractUnlocked() {
		t.Fatal("contract should be unlocked after approval")
	}
	if approved.Status != domain.EscrowStatusActive {
		t.Fatalf("status: got %s, want active", approved.Status)
	}

	// Repeat approval is a no-op success, not an error.
	again, err := env.svc.RecordPayerApproval(ctx, payerActor(""), escrow.EscrowID)
	if err != nil {
		t.Fatalf("repeat approval: %v", err)
	}
	if !again.ClientApprovedSignedContractAt.Equal(*approved.ClientApprovedSignedContractAt) {
		t.Fatal("repeat approval must not move the approval timestamp")
	}
}

func TestProofRejectedBeforeUnlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow, err := env.svc.CreateEscrow(ctx, payerActor("create-locked"), milestoneEscrowInput())
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	_, err = env.svc.SubmitProof(ctx, recipientActor("alice"), escrow.EscrowID, escrow.Milestones[0].MilestoneID, application.SubmitProofInput{
		Month:       1,
		Description: "early work",
	})
	if !errors.Is(err, domain.ErrMilestoneNotUnlocked) {
		t.Fatalf("got %v, want ErrMilestoneNotUnlocked", err)
	}
}

func TestFullLifecycleReleasesWholeAllocation(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	for month := 1; month <= 3; month++ {
		submitProofs(t, env, escrow.EscrowID, milestoneID, month)

		got, err := env.svc.CheckRelease(ctx, payerActor(""), escrow.EscrowID, milestoneID)
		if err != nil {
			t.Fatalf("check release month %d: %v", month, err)
		}
		if got != month {
			t.Fatalf("check release: got month %d, want %d", got, month)
		}

		payment, err := env.svc.Release(ctx, payerActor("rel-"+uuid.NewString()), escrow.EscrowID, milestoneID)
		if err != nil {
			t.Fatalf("release month %d: %v", month, err)
		}
		if payment.Total != 100_000 {
			t.Fatalf("month %d total: got %d, want 100000", month, payment.Total)
		}
		if payment.ReleasedAt == nil {
			t.Fatalf("month %d should be confirmed", month)
		}
	}

	remaining, err := env.svc.Remaining(ctx, payerActor(""), escrow.EscrowID, milestoneID)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining after full run: got %d, want 0", remaining)
	}

	view, err := env.svc.GetEscrow(ctx, payerActor(""), escrow.EscrowID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if view.Escrow.Status != domain.EscrowStatusReleased {
		t.Fatalf("status: got %s, want released", view.Escrow.Status)
	}
}

func TestReleaseRequiresProofFromEveryRecipient(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	// Only alice submits.
	_, err := env.svc.SubmitProof(ctx, recipientActor("alice"), escrow.EscrowID, milestoneID, application.SubmitProofInput{
		Month:       1,
		Description: "my half",
	})
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}

	if _, err := env.svc.Release(ctx, payerActor("rel-partial-proof"), escrow.EscrowID, milestoneID); !errors.Is(err, domain.ErrProofIncomplete) {
		t.Fatalf("got %v, want ErrProofIncomplete", err)
	}
}

func TestReleasePartialFailureStillConfirmsMonth(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	submitProofs(t, env, escrow.EscrowID, milestoneID, 1)
	env.settlement.failPrincipal("bob", "payout account frozen")

	payment, err := env.svc.Release(ctx, payerActor("rel-partial"), escrow.EscrowID, milestoneID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if payment.ReleasedAt == nil {
		t.Fatal("one successful transfer should confirm the month")
	}
	if payment.Total != 50_000 {
		t.Fatalf("total: got %d, want 50000 (only alice paid)", payment.Total)
	}

	var failed *domain.RecipientPayment
	for i := range payment.Recipients {
		if payment.Recipients[i].Status == domain.RecipientPaymentFailed {
			failed = &payment.Recipients[i]
		}
	}
	if failed == nil || failed.FailureReason != "payout account frozen" {
		t.Fatalf("expected bob's failure recorded, got %+v", payment.Recipients)
	}

	// The month is confirmed; the next pending month is 2.
	env.settlement.clearFailures()
	if _, err := env.svc.Release(ctx, payerActor("rel-next"), escrow.EscrowID, milestoneID); !errors.Is(err, domain.ErrProofIncomplete) {
		t.Fatalf("month 2 without proof: got %v, want ErrProofIncomplete", err)
	}

	remaining, err := env.svc.Remaining(ctx, payerActor(""), escrow.EscrowID, milestoneID)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 250_000 {
		t.Fatalf("remaining: got %d, want 250000", remaining)
	}
}

func TestReleaseTotalFailureStaysRetryable(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	submitProofs(t, env, escrow.EscrowID, milestoneID, 1)
	env.settlement.failPrincipal("alice", "ledger offline")
	env.settlement.failPrincipal("bob", "ledger offline")

	payment, err := env.svc.Release(ctx, payerActor("rel-fail"), escrow.EscrowID, milestoneID)
	if err != nil {
		t.Fatalf("release attempt: %v", err)
	}
	if payment.ReleasedAt != nil {
		t.Fatal("fully failed month must not be confirmed")
	}
	if payment.Total != 0 {
		t.Fatalf("total: got %d, want 0", payment.Total)
	}

	env.settlement.clearFailures()
	retry, err := env.svc.Release(ctx, payerActor("rel-retry"), escrow.EscrowID, milestoneID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.MonthNumber != 1 {
		t.Fatalf("retry month: got %d, want 1", retry.MonthNumber)
	}
	if retry.ReleasedAt == nil || retry.Total != 100_000 {
		t.Fatalf("retry should confirm month 1 in full, got total %d", retry.Total)
	}
}

func TestReleaseIdempotentReplay(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID
	submitProofs(t, env, escrow.EscrowID, milestoneID, 1)

	actor := payerActor("rel-replay")
	first, err := env.svc.Release(ctx, actor, escrow.EscrowID, milestoneID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := env.svc.Release(ctx, actor, escrow.EscrowID, milestoneID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ReleaseID != second.ReleaseID {
		t.Fatal("replay must return the original payment")
	}
	if env.settlement.releases != 1 {
		t.Fatalf("settlement calls: got %d, want 1", env.settlement.releases)
	}
}

func TestReleaseHeldLockRejectsConcurrentAttempt(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID
	submitProofs(t, env, escrow.EscrowID, milestoneID, 1)

	// Hold the escrow lock the way a concurrent replica would.
	key := "escrow:" + escrow.EscrowID.String()
	token, err := env.locks.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	if _, err := env.svc.Release(ctx, payerActor("rel-blocked"), escrow.EscrowID, milestoneID); !errors.Is(err, domain.ErrLockUnavailable) {
		t.Fatalf("got %v, want ErrLockUnavailable", err)
	}

	if err := env.locks.Release(ctx, key, token); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if _, err := env.svc.Release(ctx, payerActor("rel-after"), escrow.EscrowID, milestoneID); err != nil {
		t.Fatalf("release after lock freed: %v", err)
	}
}

// Every mutation of one escrow must contend on the same lock. A proof
// write racing a release under separate keys would rewrite the aggregate
// from a pre-release snapshot, erase the confirmed payment, and let a
// retry pay the same month twice.
func TestProofAndReleaseSerializeOnSameLock(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID
	submitProofs(t, env, escrow.EscrowID, milestoneID, 1)

	token, err := env.locks.Acquire(ctx, "escrow:"+escrow.EscrowID.String(), time.Minute)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	if _, err := env.svc.SubmitProof(ctx, recipientActor("alice"), escrow.EscrowID, milestoneID, application.SubmitProofInput{
		Month:       2,
		Description: "month two deliverables",
	}); !errors.Is(err, domain.ErrLockUnavailable) {
		t.Fatalf("proof under held lock: got %v, want ErrLockUnavailable", err)
	}
	if _, err := env.svc.Release(ctx, payerActor("rel-held"), escrow.EscrowID, milestoneID); !errors.Is(err, domain.ErrLockUnavailable) {
		t.Fatalf("release under held lock: got %v, want ErrLockUnavailable", err)
	}
	if err := env.locks.Release(ctx, "escrow:"+escrow.EscrowID.String(), token); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	if _, err := env.svc.Release(ctx, payerActor("rel-m1"), escrow.EscrowID, milestoneID); err != nil {
		t.Fatalf("release month 1: %v", err)
	}
	// A proof write after the release must not rewind the sequencer.
	if _, err := env.svc.SubmitProof(ctx, recipientActor("alice"), escrow.EscrowID, milestoneID, application.SubmitProofInput{
		Month:       2,
		Description: "month two deliverables",
	}); err != nil {
		t.Fatalf("proof month 2: %v", err)
	}
	if _, err := env.svc.Release(ctx, payerActor("rel-m1-again"), escrow.EscrowID, milestoneID); !errors.Is(err, domain.ErrProofIncomplete) {
		t.Fatalf("month 1 must stay confirmed: got %v, want ErrProofIncomplete for month 2", err)
	}
	if env.settlement.releases != 1 {
		t.Fatalf("settlement calls: got %d, want 1", env.settlement.releases)
	}
}

func TestProofResubmissionReplacesEntry(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	for _, description := range []string{"first draft", "final deliverable"} {
		if _, err := env.svc.SubmitProof(ctx, recipientActor("alice"), escrow.EscrowID, milestoneID, application.SubmitProofInput{
			Month:       1,
			Description: description,
		}); err != nil {
			t.Fatalf("submit %q: %v", description, err)
		}
	}

	view, err := env.svc.GetEscrow(ctx, recipientActor("alice"), escrow.EscrowID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	var proof domain.ProofOfWork
	for _, r := range view.Escrow.Milestones[0].Recipients {
		if r.Principal == "alice" {
			proof = r.Proofs[1]
		}
	}
	if proof.Description != "final deliverable" {
		t.Fatalf("proof description: got %q, want the resubmitted one", proof.Description)
	}
}

func TestProofMonthOutOfRange(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	_, err := env.svc.SubmitProof(context.Background(), recipientActor("alice"), escrow.EscrowID, milestoneID, application.SubmitProofInput{
		Month:       4,
		Description: "month beyond duration",
	})
	if !errors.Is(err, domain.ErrMonthOutOfRange) {
		t.Fatalf("got %v, want ErrMonthOutOfRange", err)
	}
}

func TestCancelBlockedAfterConfirmedRelease(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	if _, err := env.svc.CancelEscrow(ctx, payerActor(""), escrow.EscrowID); err != nil {
		t.Fatalf("cancel before any release should work: %v", err)
	}

	// Fresh escrow with one confirmed month.
	env2 := newTestEnv()
	escrow2 := setupUnlockedEscrow(t, env2)
	milestoneID = escrow2.Milestones[0].MilestoneID
	submitProofs(t, env2, escrow2.EscrowID, milestoneID, 1)
	if _, err := env2.svc.Release(ctx, payerActor("rel-1"), escrow2.EscrowID, milestoneID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := env2.svc.CancelEscrow(ctx, payerActor(""), escrow2.EscrowID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("cancel after release: got %v, want ErrConflict", err)
	}
}

func TestRefundReturnsRemainingBalance(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID

	submitProofs(t, env, escrow.EscrowID, milestoneID, 1)
	if _, err := env.svc.Release(ctx, payerActor("rel-1"), escrow.EscrowID, milestoneID); err != nil {
		t.Fatalf("release: %v", err)
	}

	refunded, err := env.svc.RefundEscrow(ctx, payerActor(""), escrow.EscrowID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != domain.EscrowStatusRefunded {
		t.Fatalf("status: got %s, want refunded", refunded.Status)
	}
	if len(env.settlement.refunds) != 1 || env.settlement.refunds[0] != 200_000 {
		t.Fatalf("refund amount: got %v, want [200000]", env.settlement.refunds)
	}

	// Terminal: no further mutation.
	if _, err := env.svc.Release(ctx, payerActor("rel-2"), escrow.EscrowID, milestoneID); !errors.Is(err, domain.ErrEscrowClosed) {
		t.Fatalf("release after refund: got %v, want ErrEscrowClosed", err)
	}
}

func TestBasicEscrowReleaseSplitsEvenly(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()

	escrow, err := env.svc.CreateEscrow(ctx, payerActor("create-basic"), application.CreateEscrowInput{
		Title:      "One-off engagement",
		Kind:       domain.EscrowKindBasic,
		Currency:   "SAT",
		Allocation: 100_001,
		Recipients: []application.RecipientInput{
			{Principal: "alice", DisplayName: "Alice"},
			{Principal: "bob", DisplayName: "Bob"},
		},
	})
	if err != nil {
		t.Fatalf("create basic escrow: %v", err)
	}

	if _, err := env.svc.ReleaseBasic(ctx, payerActor(""), escrow.EscrowID); !errors.Is(err, domain.ErrIdempotencyRequired) {
		t.Fatalf("release without key: got %v, want ErrIdempotencyRequired", err)
	}

	released, err := env.svc.ReleaseBasic(ctx, payerActor("basic-rel"), escrow.EscrowID)
	if err != nil {
		t.Fatalf("release basic: %v", err)
	}
	if released.Status != domain.EscrowStatusReleased {
		t.Fatalf("status: got %s, want released", released.Status)
	}
	for _, r := range released.Recipients {
		if r.PaidAt == nil {
			t.Fatalf("recipient %s has no payout timestamp", r.Principal)
		}
	}
	if len(env.settlement.lastTransfers) != 2 {
		t.Fatalf("transfers: got %d, want 2", len(env.settlement.lastTransfers))
	}
	// 100,001 over two recipients: the remainder lands on the last one.
	if got := env.settlement.lastTransfers[0].Amount; got != 50_000 {
		t.Fatalf("first transfer: got %d, want 50000", got)
	}
	if got := env.settlement.lastTransfers[1].Amount; got != 50_001 {
		t.Fatalf("last transfer: got %d, want 50001", got)
	}

	// Replay with the same key must not transfer again.
	if _, err := env.svc.ReleaseBasic(ctx, payerActor("basic-rel"), escrow.EscrowID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if env.settlement.releases != 1 {
		t.Fatalf("settlement calls: got %d, want 1", env.settlement.releases)
	}
}

func TestBasicReleaseRetrySkipsPaidRecipients(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()

	escrow, err := env.svc.CreateEscrow(ctx, payerActor("create-basic-retry"), application.CreateEscrowInput{
		Title:      "One-off engagement",
		Kind:       domain.EscrowKindBasic,
		Currency:   "SAT",
		Allocation: 100_001,
		Recipients: []application.RecipientInput{
			{Principal: "alice", DisplayName: "Alice"},
			{Principal: "bob", DisplayName: "Bob"},
		},
	})
	if err != nil {
		t.Fatalf("create basic escrow: %v", err)
	}

	env.settlement.failPrincipal("bob", "payout account frozen")
	partial, err := env.svc.ReleaseBasic(ctx, payerActor("basic-attempt-1"), escrow.EscrowID)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	if partial.Status == domain.EscrowStatusReleased {
		t.Fatal("escrow must not be released while a recipient is unpaid")
	}
	alice, _ := partial.RecipientByPrincipal("alice")
	bob, _ := partial.RecipientByPrincipal("bob")
	if alice.PaidAt == nil || bob.PaidAt != nil {
		t.Fatalf("paid stamps: alice=%v bob=%v", alice.PaidAt, bob.PaidAt)
	}

	env.settlement.clearFailures()
	retried, err := env.svc.ReleaseBasic(ctx, payerActor("basic-attempt-2"), escrow.EscrowID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.EscrowStatusReleased {
		t.Fatalf("status after retry: got %s, want released", retried.Status)
	}
	// Only the unpaid recipient is transferred to, at the original amount.
	if len(env.settlement.lastTransfers) != 1 {
		t.Fatalf("retry transfers: got %d, want 1", len(env.settlement.lastTransfers))
	}
	if got := env.settlement.lastTransfers[0]; got.Principal != "bob" || got.Amount != 50_001 {
		t.Fatalf("retry transfer: got %s/%d, want bob/50001", got.Principal, got.Amount)
	}
}

func TestViewAccessControl(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)

	if _, err := env.svc.GetEscrow(ctx, recipientActor("alice"), escrow.EscrowID); err != nil {
		t.Fatalf("recipient view: %v", err)
	}
	if _, err := env.svc.GetEscrow(ctx, recipientActor("mallory"), escrow.EscrowID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger view: got %v, want ErrForbidden", err)
	}
	if _, err := env.svc.GetEscrow(ctx, application.Actor{SubjectID: "ops-1", Role: "admin"}, escrow.EscrowID); err != nil {
		t.Fatalf("admin view: %v", err)
	}
}

func TestOutboxFlushPublishesDomainEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	milestoneID := escrow.Milestones[0].MilestoneID
	submitProofs(t, env, escrow.EscrowID, milestoneID, 1)
	if _, err := env.svc.Release(ctx, payerActor("rel-outbox"), escrow.EscrowID, milestoneID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := env.svc.FlushOutbox(ctx); err != nil {
		t.Fatalf("flush outbox: %v", err)
	}
	pending, err := env.outbox.ListPending(ctx, 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("outbox should drain, %d records left", len(pending))
	}
}

type failingDomainPublisher struct{}

func (failingDomainPublisher) PublishDomain(context.Context, contracts.EventEnvelope) error {
	return errors.New("broker unavailable")
}

func TestOutboxDomainPublishFailureRoutesToDLQ(t *testing.T) {
	t.Parallel()

	repos := memory.NewRepositories()
	dlq := eventadapter.NewMemoryDLQPublisher()
	svc := application.NewService(application.Dependencies{
		Escrows:       repos.Escrows,
		Idempotency:   repos.Idempotency,
		Outbox:        repos.Outbox,
		Locks:         cacheadapter.NewMemoryMutationLock(),
		Settlement:    newFakeSettlement(),
		Fees:          grpcadapter.NewFeeOracle(""),
		Blobs:         storage.NewMemoryBlobStore(),
		DomainEvents:  failingDomainPublisher{},
		Notifications: eventadapter.NewMemoryNotificationPublisher(),
		DLQ:           dlq,
	})
	env := testEnv{svc: svc, settlement: newFakeSettlement(), locks: cacheadapter.NewMemoryMutationLock(), outbox: repos.Outbox}

	ctx := context.Background()
	escrow := setupUnlockedEscrow(t, env)
	if _, err := env.svc.CancelEscrow(ctx, payerActor(""), escrow.EscrowID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := env.svc.FlushOutbox(ctx); err == nil {
		t.Fatal("flush should surface the publish failure")
	}
	records := dlq.Records()
	if len(records) != 1 || records[0].OriginalEvent.EventType != domain.EventEscrowCancelled {
		t.Fatalf("unexpected dlq records: %+v", records)
	}
}

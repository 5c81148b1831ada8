package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
)

type TransferRequest struct {
	RecipientID uuid.UUID
	Principal   string
	Amount      int64
	Currency    string
}

type TransferOutcome struct {
	RecipientID uuid.UUID
	Succeeded   bool
	Reference   string
	Reason      string
}

// SettlementClient fronts the ledger that actually moves value. Transfers
// are per-recipient atomic: one recipient's failure never rolls back
// another's committed transfer.
type SettlementClient interface {
	CreateEscrow(ctx context.Context, payerPrincipal string, kind domain.EscrowKind, title string, amount int64, currency string) (string, error)
	RecordRelease(ctx context.Context, escrowID, milestoneID uuid.UUID, month int, transfers []TransferRequest) ([]TransferOutcome, error)
	ConfirmRefund(ctx context.Context, escrowID uuid.UUID, amount int64, currency string) (string, error)
}

type FeeBreakdown struct {
	NetworkFee  int64 `json:"network_fee"`
	ServiceFee  int64 `json:"service_fee"`
	TotalFee    int64 `json:"total_fee"`
	Accelerated bool  `json:"accelerated"`
}

// FeeOracle supplies display-only estimates. Authoritative release
// amounts are never derived from it.
type FeeOracle interface {
	EstimateFee(ctx context.Context, amount int64, recipientCount int, accelerated bool) (FeeBreakdown, error)
}

// BlobStore holds proof-of-work attachment bytes; the core keeps only
// blob IDs.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, blobID string) ([]byte, error)
}

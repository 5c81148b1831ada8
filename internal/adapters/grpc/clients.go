package grpc

import (
	"context"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/ports"
)

// SettlementClient fronts the ledger service. Until the wire contract is
// finalized the client acknowledges every transfer, which keeps the
// service runnable end to end in dev environments.
type SettlementClient struct {
	addr string
}

func NewSettlementClient(addr string) *SettlementClient {
	return &SettlementClient{addr: addr}
}

func (c *SettlementClient) CreateEscrow(_ context.Context, _ string, _ domain.EscrowKind, _ string, _ int64, _ string) (string, error) {
	return "settle-" + uuid.NewString(), nil
}

func (c *SettlementClient) RecordRelease(_ context.Context, _ uuid.UUID, _ uuid.UUID, _ int, transfers []ports.TransferRequest) ([]ports.TransferOutcome, error) {
	out := make([]ports.TransferOutcome, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, ports.TransferOutcome{
			RecipientID: t.RecipientID,
			Succeeded:   true,
			Reference:   "tx-" + uuid.NewString(),
		})
	}
	return out, nil
}

func (c *SettlementClient) ConfirmRefund(_ context.Context, _ uuid.UUID, _ int64, _ string) (string, error) {
	return "refund-" + uuid.NewString(), nil
}

// FeeOracle produces display-only estimates using a flat per-recipient
// network fee plus a basis-point service fee.
type FeeOracle struct {
	addr string
}

func NewFeeOracle(addr string) *FeeOracle {
	return &FeeOracle{addr: addr}
}

const (
	networkFeePerRecipient = int64(250)
	serviceFeeBasisPoints  = int64(75)
	acceleratedMultiplier  = int64(3)
)

func (c *FeeOracle) EstimateFee(_ context.Context, amount int64, recipientCount int, accelerated bool) (ports.FeeBreakdown, error) {
	if recipientCount < 1 {
		recipientCount = 1
	}
	network := networkFeePerRecipient * int64(recipientCount)
	if accelerated {
		network *= acceleratedMultiplier
	}
	service := amount * serviceFeeBasisPoints / 10_000
	return ports.FeeBreakdown{
		NetworkFee:  network,
		ServiceFee:  service,
		TotalFee:    network + service,
		Accelerated: accelerated,
	}, nil
}

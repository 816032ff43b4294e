package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// OperationType enumerates the committed ledger operations.
type OperationType string

const (
	OpCollateralDeposited  OperationType = "CollateralDeposited"
	OpCollateralWithdrawn  OperationType = "CollateralWithdrawn"
	OpLoanOriginated       OperationType = "LoanOriginated"
	OpLoanRepaid           OperationType = "LoanRepaid"
	OpLiquidationSettled   OperationType = "LiquidationSettled"
	OpBadDebtRecorded      OperationType = "BadDebtRecorded"
	OpPriceCheckpointed    OperationType = "PriceCheckpointed"
	OpMarketConfigUpdated  OperationType = "MarketConfigUpdated"
	OpRateModelUpdated     OperationType = "RateModelUpdated"
	OpCollateralTokenAdded OperationType = "CollateralTokenAdded"
)

// OperationRecord is the committed form of one state-changing call,
// emitted after the engine's mutation commits. The persistence worker
// appends it to the op log; the outbound publisher mirrors it to NATS
// for the risk monitor.
type OperationRecord struct {
	OperationID uuid.UUID     `json:"operationId"`
	Type        OperationType `json:"type"`
	User        string        `json:"user,omitempty"`
	Token       string        `json:"token,omitempty"`
	AmountWad   *big.Int      `json:"amountWad,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`

	// Type-specific annotations (fee splits, seized tokens, shortfalls),
	// kept as strings for stable JSON encoding of big integers.
	Details map[string]string `json:"details,omitempty"`
}

// IdempotencyKey is stable per committed operation.
func (r OperationRecord) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", r.Type, r.OperationID)
}

// Subject maps an operation to its outbound NATS subject.
func (r OperationRecord) Subject() string {
	switch r.Type {
	case OpCollateralDeposited, OpCollateralWithdrawn:
		return fmt.Sprintf("lend.collateral.%s", r.Token)
	case OpLoanOriginated, OpLoanRepaid:
		return "lend.loans"
	case OpLiquidationSettled, OpBadDebtRecorded:
		return "lend.liquidations"
	case OpPriceCheckpointed:
		return fmt.Sprintf("lend.oracle.checkpoint.%s", r.Token)
	default:
		return "lend.admin"
	}
}

// Package vault declares the liquidity pool collaborator. The pool
// custodies the loan asset and deploys idle capital elsewhere; the market
// core only ever draws from it and pays back into it.
package vault

import "math/big"

// Vault is a passive funding source shared across all borrowers. Amounts
// are canonical 18-decimal fixed point in the loan asset.
type Vault interface {
	// PullFunds draws amount for a loan disbursement. Fails when the pool
	// cannot supply the amount right now, regardless of borrower credit.
	PullFunds(amount *big.Int) error
	// ReturnFunds pays a repayment or liquidation remainder back in.
	ReturnFunds(amount *big.Int) error
	// TotalBackingAssets is the pool's current un-lent holdings. The
	// utilization denominator is this value plus the ledger's outstanding
	// borrows, so the vault never needs to track what has been lent out.
	TotalBackingAssets() *big.Int
	// AvailableLiquidity is what the pool can disburse immediately.
	AvailableLiquidity() *big.Int
}

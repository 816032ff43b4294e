package vault

import (
	"errors"
	"math/big"
	"sync"
)

var (
	// ErrInsufficientFunds means the pool cannot cover a requested draw.
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	// ErrAmountNotPositive rejects zero or negative transfer amounts.
	ErrAmountNotPositive = errors.New("vault: amount must be positive")
)

// LiquidityPool is an in-process Vault backed by a single balance of the
// loan asset. Lenders move funds in and out through Fund and Defund; the
// market core draws loans through PullFunds and pays back through
// ReturnFunds.
type LiquidityPool struct {
	mu       sync.Mutex
	holdings *big.Int
}

// NewLiquidityPool seeds a pool with initial un-lent holdings. A nil
// initial balance starts the pool empty.
func NewLiquidityPool(initial *big.Int) *LiquidityPool {
	holdings := new(big.Int)
	if initial != nil && initial.Sign() > 0 {
		holdings.Set(initial)
	}
	return &LiquidityPool{holdings: holdings}
}

// Fund adds lender capital to the pool.
func (p *LiquidityPool) Fund(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountNotPositive
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdings.Add(p.holdings, amount)
	return nil
}

// Defund removes lender capital. Capped by what is currently un-lent.
func (p *LiquidityPool) Defund(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountNotPositive
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holdings.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	p.holdings.Sub(p.holdings, amount)
	return nil
}

func (p *LiquidityPool) PullFunds(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountNotPositive
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holdings.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	p.holdings.Sub(p.holdings, amount)
	return nil
}

func (p *LiquidityPool) ReturnFunds(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrAmountNotPositive
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdings.Add(p.holdings, amount)
	return nil
}

func (p *LiquidityPool) TotalBackingAssets() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.holdings)
}

func (p *LiquidityPool) AvailableLiquidity() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.holdings)
}

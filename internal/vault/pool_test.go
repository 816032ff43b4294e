package vault

import (
	"math/big"
	"testing"
)

func wad(units int64) *big.Int {
	w := big.NewInt(1_000_000_000_000_000_000)
	return new(big.Int).Mul(big.NewInt(units), w)
}

func TestPoolPullAndReturn(t *testing.T) {
	p := NewLiquidityPool(wad(100))

	if err := p.PullFunds(wad(40)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := p.AvailableLiquidity(); got.Cmp(wad(60)) != 0 {
		t.Fatalf("available = %s, want %s", got, wad(60))
	}
	if err := p.ReturnFunds(wad(40)); err != nil {
		t.Fatalf("return: %v", err)
	}
	if got := p.TotalBackingAssets(); got.Cmp(wad(100)) != 0 {
		t.Fatalf("backing = %s, want %s", got, wad(100))
	}
}

func TestPoolRejectsOverdraw(t *testing.T) {
	p := NewLiquidityPool(wad(10))
	if err := p.PullFunds(wad(11)); err != ErrInsufficientFunds {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	// Failed draw leaves the balance alone.
	if got := p.AvailableLiquidity(); got.Cmp(wad(10)) != 0 {
		t.Fatalf("available = %s, want %s", got, wad(10))
	}
}

func TestPoolRejectsNonPositive(t *testing.T) {
	p := NewLiquidityPool(nil)
	if err := p.PullFunds(big.NewInt(0)); err != ErrAmountNotPositive {
		t.Fatalf("pull zero: %v", err)
	}
	if err := p.Fund(big.NewInt(-1)); err != ErrAmountNotPositive {
		t.Fatalf("fund negative: %v", err)
	}
	if err := p.PullFunds(nil); err != ErrAmountNotPositive {
		t.Fatalf("pull nil: %v", err)
	}
}

func TestPoolFundAndDefund(t *testing.T) {
	p := NewLiquidityPool(nil)
	if err := p.Fund(wad(500)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := p.Defund(wad(200)); err != nil {
		t.Fatalf("defund: %v", err)
	}
	if err := p.Defund(wad(301)); err != ErrInsufficientFunds {
		t.Fatalf("overdefund err = %v, want ErrInsufficientFunds", err)
	}
	if got := p.TotalBackingAssets(); got.Cmp(wad(300)) != 0 {
		t.Fatalf("backing = %s, want %s", got, wad(300))
	}
}

// ReturnFunds tolerates a zero remainder from a liquidation that
// consumed the full repayment as protocol fee.
func TestPoolReturnZeroAllowed(t *testing.T) {
	p := NewLiquidityPool(wad(1))
	if err := p.ReturnFunds(big.NewInt(0)); err != nil {
		t.Fatalf("return zero: %v", err)
	}
}

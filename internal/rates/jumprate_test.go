package rates_test

import (
	"math/big"
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/rates"
)

// Curve from the bootstrap config: base=2%, kink=80%, slope1=4%, slope2=60%.
func testModel() rates.JumpRateModel {
	return rates.JumpRateModel{Base: 200, Kink: 8_000, Slope1: 400, Slope2: 6_000}
}

func TestRate_ZeroUtilization(t *testing.T) {
	if got := testModel().Rate(0); got != 200 {
		t.Errorf("rate(0): got %d bps, want 200", got)
	}
}

func TestRate_AtKink(t *testing.T) {
	// 2% + 80%*4% = 5.2%
	if got := testModel().Rate(8_000); got != 520 {
		t.Errorf("rate(0.80): got %d bps, want 520", got)
	}
}

func TestRate_FullUtilization(t *testing.T) {
	// 5.2% + 20%*60% = 17.2%
	if got := testModel().Rate(10_000); got != 1_720 {
		t.Errorf("rate(1.0): got %d bps, want 1720", got)
	}
}

func TestRate_BelowKink(t *testing.T) {
	// 2% + 40%*4% = 3.6%
	if got := testModel().Rate(4_000); got != 360 {
		t.Errorf("rate(0.40): got %d bps, want 360", got)
	}
}

func TestUtilization(t *testing.T) {
	borrows := new(big.Int).Mul(big.NewInt(200), fpmath.Wad)
	supply := new(big.Int).Mul(big.NewInt(800), fpmath.Wad)

	if got := rates.Utilization(borrows, supply); got != 2_000 {
		t.Errorf("200/(800+200): got %d bps, want 2000", got)
	}
}

func TestUtilization_EmptyPool(t *testing.T) {
	if got := rates.Utilization(big.NewInt(0), big.NewInt(0)); got != 0 {
		t.Errorf("empty pool utilization should be 0, got %d", got)
	}
}

func TestUtilization_NoSupplySide(t *testing.T) {
	// All backing assets lent out: U = B/(0+B) = 100%
	borrows := new(big.Int).Mul(big.NewInt(50), fpmath.Wad)
	if got := rates.Utilization(borrows, big.NewInt(0)); got != 10_000 {
		t.Errorf("got %d bps, want 10000", got)
	}
}

func TestValidate(t *testing.T) {
	if err := testModel().Validate(); err != nil {
		t.Errorf("default-shaped model should validate: %v", err)
	}

	bad := rates.JumpRateModel{Base: 200, Kink: 0, Slope1: 400, Slope2: 6_000}
	if err := bad.Validate(); err == nil {
		t.Error("kink=0 should fail validation")
	}

	bad = rates.JumpRateModel{Base: -1, Kink: 8_000, Slope1: 400, Slope2: 6_000}
	if err := bad.Validate(); err == nil {
		t.Error("negative base should fail validation")
	}
}

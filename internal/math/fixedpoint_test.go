package math_test

import (
	"math/big"
	"testing"

	fpmath "LendLedger/internal/math"
)

func wad(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), fpmath.Wad)
}

// ============================================================================
// Test: wad arithmetic
// ============================================================================

func TestMulWad(t *testing.T) {
	// 2.0 * 1.5 = 3.0
	a := wad(2)
	b := new(big.Int).Add(fpmath.Wad, new(big.Int).Quo(fpmath.Wad, big.NewInt(2)))

	got := fpmath.MulWad(a, b)
	if got.Cmp(wad(3)) != 0 {
		t.Errorf("2.0 * 1.5: got %s, want %s", got, wad(3))
	}
}

func TestMulWad_RoundsDown(t *testing.T) {
	// 1 wei * 0.5 = 0 (rounds down, never up)
	half := new(big.Int).Quo(fpmath.Wad, big.NewInt(2))
	got := fpmath.MulWad(big.NewInt(1), half)
	if got.Sign() != 0 {
		t.Errorf("1 * 0.5 should round down to 0, got %s", got)
	}
}

func TestDivWad_ZeroDenominator(t *testing.T) {
	got := fpmath.DivWad(wad(5), big.NewInt(0))
	if got.Sign() != 0 {
		t.Errorf("division by zero should yield 0, got %s", got)
	}
}

func TestMulBps(t *testing.T) {
	// $4000 * 85% = $3400
	got := fpmath.MulBps(wad(4000), 8_500)
	if got.Cmp(wad(3400)) != 0 {
		t.Errorf("4000 * 0.85: got %s, want %s", got, wad(3400))
	}
}

func TestRatioBps(t *testing.T) {
	// 800 / 1000 = 80.00%
	got := fpmath.RatioBps(wad(800), wad(1000))
	if got != 8_000 {
		t.Errorf("800/1000: got %d bps, want 8000", got)
	}
}

func TestRatioBps_ZeroDenominator(t *testing.T) {
	if got := fpmath.RatioBps(wad(1), big.NewInt(0)); got != 0 {
		t.Errorf("ratio with zero denominator should be 0, got %d", got)
	}
}

// ============================================================================
// Test: native <-> canonical conversion
// ============================================================================

func TestFromNative_SixDecimals(t *testing.T) {
	// 1.5 USDC (6 decimals) = 1_500_000 native
	got := fpmath.FromNative(big.NewInt(1_500_000), 6)
	want := new(big.Int).Add(fpmath.Wad, new(big.Int).Quo(fpmath.Wad, big.NewInt(2)))
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestConversion_RoundTrip(t *testing.T) {
	cases := []struct {
		native   int64
		decimals uint8
	}{
		{1, 0},
		{1, 6},
		{1_500_000, 6},
		{999_999_999, 8},
		{1, 18},
		{123_456_789_123_456_789, 18},
	}

	for _, tc := range cases {
		canonical := fpmath.FromNative(big.NewInt(tc.native), tc.decimals)
		back := fpmath.ToNative(canonical, tc.decimals)
		if back.Cmp(big.NewInt(tc.native)) != 0 {
			t.Errorf("round trip %d @ %d decimals: got %s", tc.native, tc.decimals, back)
		}
	}
}

func TestToNative_RoundsDown(t *testing.T) {
	// 1 wad + 1 wei at 6 decimals: the sub-unit wei must vanish, not round up
	in := new(big.Int).Add(fpmath.Wad, big.NewInt(1))
	got := fpmath.ToNative(in, 6)
	if got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("got %s, want 1000000", got)
	}
}

func TestFromNative_HighPrecisionToken_RoundsDown(t *testing.T) {
	// 24-decimal token: 1 unit + 1 sub-wad wei → the remainder is dropped
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	in := new(big.Int).Add(one, big.NewInt(1))
	got := fpmath.FromNative(in, 24)
	if got.Cmp(fpmath.Wad) != 0 {
		t.Errorf("got %s, want %s", got, fpmath.Wad)
	}
}

func TestFromNativeCeil_HighPrecisionToken_RoundsUp(t *testing.T) {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	in := new(big.Int).Add(one, big.NewInt(1))
	got := fpmath.FromNativeCeil(in, 24)
	want := new(big.Int).Add(fpmath.Wad, big.NewInt(1))
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
	if got := fpmath.FromNativeCeil(one, 24); got.Cmp(fpmath.Wad) != 0 {
		t.Errorf("exact multiple: got %s, want %s", got, fpmath.Wad)
	}
	if got := fpmath.FromNativeCeil(big.NewInt(1_500_000), 6); got.Cmp(fpmath.FromNative(big.NewInt(1_500_000), 6)) != 0 {
		t.Errorf("six decimals: ceiling conversion diverged from floor")
	}
}

// ============================================================================
// Test: interpolation
// ============================================================================

func TestLerpBps(t *testing.T) {
	// Halfway between 10_000 and 5_000 is 7_500
	if got := fpmath.LerpBps(10_000, 5_000, 1, 2); got != 7_500 {
		t.Errorf("got %d, want 7500", got)
	}
	// At the window edges
	if got := fpmath.LerpBps(10_000, 5_000, 0, 2); got != 10_000 {
		t.Errorf("start of window: got %d, want 10000", got)
	}
	if got := fpmath.LerpBps(10_000, 5_000, 2, 2); got != 5_000 {
		t.Errorf("end of window: got %d, want 5000", got)
	}
}

package rates

import (
	"fmt"
	"math/big"

	fpmath "LendLedger/internal/math"
)

// JumpRateModel maps pool utilization to an annualized borrow rate.
// All parameters are basis points. Below the kink the rate climbs along
// Slope1; past it the steeper Slope2 takes over to defend liquidity.
type JumpRateModel struct {
	Base   int64 `json:"baseBps" yaml:"base_bps"`
	Kink   int64 `json:"kinkBps" yaml:"kink_bps"`
	Slope1 int64 `json:"slope1Bps" yaml:"slope1_bps"`
	Slope2 int64 `json:"slope2Bps" yaml:"slope2_bps"`
}

// DefaultJumpRateModel is the bootstrap curve: 2% base, kink at 80%
// utilization, 4% slope below the kink, 60% jump slope above it.
var DefaultJumpRateModel = JumpRateModel{
	Base:   200,
	Kink:   8_000,
	Slope1: 400,
	Slope2: 6_000,
}

// Validate checks that the curve parameters are within sane ranges.
func (m JumpRateModel) Validate() error {
	if m.Base < 0 {
		return fmt.Errorf("base must be >= 0, got %d", m.Base)
	}
	if m.Kink <= 0 || m.Kink > fpmath.BpsScale {
		return fmt.Errorf("kink must be in (0, %d], got %d", fpmath.BpsScale, m.Kink)
	}
	if m.Slope1 < 0 || m.Slope2 < 0 {
		return fmt.Errorf("slopes must be >= 0, got slope1=%d slope2=%d", m.Slope1, m.Slope2)
	}
	return nil
}

// Rate returns the annualized borrow rate in basis points for the given
// utilization (basis points, 10_000 = fully utilized).
func (m JumpRateModel) Rate(utilizationBps int64) int64 {
	if utilizationBps <= 0 {
		return m.Base
	}
	if utilizationBps < m.Kink {
		return m.Base + utilizationBps*m.Slope1/fpmath.BpsScale
	}
	atKink := m.Base + m.Kink*m.Slope1/fpmath.BpsScale
	return atKink + (utilizationBps-m.Kink)*m.Slope2/fpmath.BpsScale
}

// Utilization computes U = totalBorrows / (supplySideAssets + totalBorrows)
// in basis points. Defined as 0 when the denominator is 0.
func Utilization(totalBorrows, supplySideAssets *big.Int) int64 {
	if totalBorrows == nil || totalBorrows.Sign() == 0 {
		return 0
	}
	den := new(big.Int).Set(totalBorrows)
	if supplySideAssets != nil {
		den.Add(den, supplySideAssets)
	}
	u := fpmath.RatioBps(totalBorrows, den)
	if u > fpmath.BpsScale {
		u = fpmath.BpsScale
	}
	return u
}

package ledger

import (
	"math/big"
	"time"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/rates"
)

// SecondsPerYear annualizes the borrow rate.
const SecondsPerYear = 31_536_000

// InterestLedger is the protocol-wide borrow accounting: a monotonically
// non-decreasing global borrow index, the outstanding borrow total
// (principal plus accrued interest), and the time of the last accrual.
//
// The ledger is not self-locking: the market engine serializes every call
// under its own operation lock, the same way every mutation in the system
// runs to completion before the next one starts.
type InterestLedger struct {
	index        *big.Int // wad, starts at 1.0
	totalBorrows *big.Int // wad
	lastAccrual  time.Time
	model        rates.JumpRateModel
}

// Accrual reports what a single accrual step did, for logging and metrics.
type Accrual struct {
	Elapsed        time.Duration
	UtilizationBps int64
	RateBps        int64
	GrowthWad      *big.Int
}

func NewInterestLedger(model rates.JumpRateModel, start time.Time) *InterestLedger {
	return &InterestLedger{
		index:        new(big.Int).Set(fpmath.Wad),
		totalBorrows: new(big.Int),
		lastAccrual:  start,
		model:        model,
	}
}

// SetModel swaps the rate curve. Takes effect from the next accrual; a
// curve is read exactly once per accrual step.
func (l *InterestLedger) SetModel(model rates.JumpRateModel) {
	l.model = model
}

func (l *InterestLedger) Model() rates.JumpRateModel {
	return l.model
}

// Accrue advances the global index by rate(U)·dt/secondsPerYear. Idempotent
// within a timestamp: dt == 0 is a no-op. Every read or mutation that
// depends on current debt or utilization must run this first.
func (l *InterestLedger) Accrue(now time.Time, supplySideAssets *big.Int) Accrual {
	elapsed := now.Sub(l.lastAccrual)
	if elapsed <= 0 {
		return Accrual{GrowthWad: new(big.Int)}
	}

	u := rates.Utilization(l.totalBorrows, supplySideAssets)
	rate := l.model.Rate(u)

	// growth = rate·dt/secondsPerYear, as a wad fraction
	growth := new(big.Int).SetInt64(rate)
	growth.Mul(growth, big.NewInt(int64(elapsed/time.Second)))
	growth.Mul(growth, fpmath.Wad)
	growth.Quo(growth, big.NewInt(fpmath.BpsScale*int64(SecondsPerYear)))

	factor := new(big.Int).Add(fpmath.Wad, growth)
	l.index = fpmath.MulWad(l.index, factor)
	l.totalBorrows = fpmath.MulWad(l.totalBorrows, factor)
	l.lastAccrual = now

	return Accrual{
		Elapsed:        elapsed,
		UtilizationBps: u,
		RateBps:        rate,
		GrowthWad:      growth,
	}
}

// Grow compounds a borrower's principal from the index it was last touched
// at to the current index. Rounds UP: interest owed is never understated.
func (l *InterestLedger) Grow(principal, indexAtTouch *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return new(big.Int)
	}
	if indexAtTouch == nil || indexAtTouch.Sign() == 0 {
		return new(big.Int).Set(principal)
	}

	num := new(big.Int).Mul(principal, l.index)
	quo, rem := new(big.Int).QuoRem(num, indexAtTouch, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// AddBorrow records newly originated debt in the protocol-wide total.
func (l *InterestLedger) AddBorrow(amount *big.Int) {
	l.totalBorrows.Add(l.totalBorrows, amount)
}

// ReduceBorrow removes repaid debt from the protocol-wide total, clamping
// at zero so late rounding dust can never drive the total negative.
func (l *InterestLedger) ReduceBorrow(amount *big.Int) {
	l.totalBorrows.Sub(l.totalBorrows, amount)
	if l.totalBorrows.Sign() < 0 {
		l.totalBorrows.SetInt64(0)
	}
}

// Index returns a copy of the global borrow index.
func (l *InterestLedger) Index() *big.Int {
	return new(big.Int).Set(l.index)
}

// TotalBorrows returns a copy of the outstanding borrow total.
func (l *InterestLedger) TotalBorrows() *big.Int {
	return new(big.Int).Set(l.totalBorrows)
}

// LastAccrual returns the time of the last accrual step.
func (l *InterestLedger) LastAccrual() time.Time {
	return l.lastAccrual
}

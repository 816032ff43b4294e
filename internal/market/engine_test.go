package market

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/rates"
	"LendLedger/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestEngine builds an engine with USDC as the loan asset at $1 and
// WETH/WBTC collateral at $2000 each.
func newTestEngine(t *testing.T, liquidity *big.Int) (*Engine, *testutil.FakeVault, map[string]*testutil.FakeFeed) {
	t.Helper()

	feeds := map[string]*testutil.FakeFeed{
		"USDC": {PriceWad: testutil.Wad(1), UpdatedAt: t0},
		"WETH": {PriceWad: testutil.Wad(2000), UpdatedAt: t0},
		"WBTC": {PriceWad: testutil.Wad(2000), UpdatedAt: t0},
	}
	resolver := oracle.NewResolver(zerolog.Nop())
	for sym, feed := range feeds {
		resolver.Register(sym, feed, nil, oracle.DefaultThresholds())
	}

	vault := testutil.NewFakeVault(liquidity)
	eng, err := NewEngine(EngineParams{
		Config:       DefaultMarketConfig,
		LoanSymbol:   "USDC",
		LoanDecimals: 6,
		RateModel:    rates.DefaultJumpRateModel,
		Resolver:     resolver,
		Vault:        vault,
		Logger:       zerolog.Nop(),
		Now:          t0,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := eng.AddCollateralToken("WETH", 18, t0); err != nil {
		t.Fatalf("add WETH: %v", err)
	}
	if err := eng.AddCollateralToken("WBTC", 8, t0); err != nil {
		t.Fatalf("add WBTC: %v", err)
	}
	return eng, vault, feeds
}

// ============================================================================
// Collateral
// ============================================================================

func TestDepositCredit(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	view := eng.Position("alice", t0)
	if view.CollateralValueUSD.Cmp(testutil.Wad(2000)) != 0 {
		t.Fatalf("collateral value = %s, want %s", view.CollateralValueUSD, testutil.Wad(2000))
	}
	if view.Collateral["WETH"].Cmp(testutil.Wad(1)) != 0 {
		t.Fatalf("WETH balance = %s, want %s", view.Collateral["WETH"], testutil.Wad(1))
	}
}

func TestDepositNormalizesDecimals(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	// 1 WBTC in native 8-decimal units.
	if err := eng.DepositCollateral("alice", "WBTC", big.NewInt(1e8), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	view := eng.Position("alice", t0)
	if view.Collateral["WBTC"].Cmp(testutil.Wad(1)) != 0 {
		t.Fatalf("WBTC balance = %s, want one wad", view.Collateral["WBTC"])
	}
}

func TestDepositValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "DOGE", testutil.Wad(1), t0); !errors.Is(err, ErrUnsupportedToken) {
		t.Fatalf("unknown token: got %v, want ErrUnsupportedToken", err)
	}
	if err := eng.DepositCollateral("alice", "WETH", big.NewInt(0), t0); !errors.Is(err, ErrAmountNotPositive) {
		t.Fatalf("zero amount: got %v, want ErrAmountNotPositive", err)
	}

	if err := eng.SetTokenDepositPaused("WETH", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); !errors.Is(err, ErrDepositsPaused) {
		t.Fatalf("paused token: got %v, want ErrDepositsPaused", err)
	}

	if err := eng.SetTokenSupported("WBTC", false); err != nil {
		t.Fatalf("unsupport: %v", err)
	}
	if err := eng.DepositCollateral("alice", "WBTC", big.NewInt(1e8), t0); !errors.Is(err, ErrUnsupportedToken) {
		t.Fatalf("unsupported token: got %v, want ErrUnsupportedToken", err)
	}
}

func TestWithdrawNoDebt(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(2), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.WithdrawCollateral("alice", "WETH", testutil.Wad(2), t0); err != nil {
		t.Fatalf("full withdrawal with no debt should pass: %v", err)
	}
	if err := eng.WithdrawCollateral("alice", "WETH", testutil.Wad(1), t0); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw: got %v, want ErrInsufficientBalance", err)
	}
}

func TestWithdrawHealthGuard(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(2), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(3000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Pulling a full WETH would leave $2000 * 0.85 = $1700 against $3000.
	if err := eng.WithdrawCollateral("alice", "WETH", testutil.Wad(1), t0); !errors.Is(err, ErrWouldBreachHealth) {
		t.Fatalf("unsafe withdrawal: got %v, want ErrWouldBreachHealth", err)
	}

	// 0.1 WETH leaves $3800 * 0.85 = $3230 against $3000.
	tenth := new(big.Int).Quo(testutil.Wad(1), big.NewInt(10))
	if err := eng.WithdrawCollateral("alice", "WETH", tenth, t0); err != nil {
		t.Fatalf("safe withdrawal: %v", err)
	}
}

func TestWithdrawDebitsRoundUpForDeepDecimals(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.AddCollateralToken("GEM", 24, t0); err != nil {
		t.Fatalf("add GEM: %v", err)
	}
	// 2e24 native units credit exactly 2 wad.
	if err := eng.DepositCollateral("alice", "GEM", testutil.Wad(2_000_000), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Withdrawing 1e24+1 native debits the ceiling, one wei over a wad.
	withdrawNative := new(big.Int).Add(testutil.Wad(1_000_000), big.NewInt(1))
	if err := eng.WithdrawCollateral("alice", "GEM", withdrawNative, t0); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	want := new(big.Int).Sub(testutil.Wad(1), big.NewInt(1))
	view := eng.Position("alice", t0)
	if view.Collateral["GEM"].Cmp(want) != 0 {
		t.Fatalf("GEM balance = %s, want %s", view.Collateral["GEM"], want)
	}
}

// ============================================================================
// Borrowing
// ============================================================================

func TestBorrowAtExactCapacity(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	// $4000 of collateral at 85% LLTV gives exactly $3400 of capacity.
	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit WETH: %v", err)
	}
	if err := eng.DepositCollateral("alice", "WBTC", big.NewInt(1e8), t0); err != nil {
		t.Fatalf("deposit WBTC: %v", err)
	}

	if err := eng.Borrow("alice", testutil.Wad(3400), t0); err != nil {
		t.Fatalf("borrow at exact capacity: %v", err)
	}
	if !eng.Healthy("alice", t0) {
		t.Fatal("position at exact capacity should be healthy")
	}
	if got := eng.TotalDebt("alice", t0); got.Cmp(testutil.Wad(3400)) != 0 {
		t.Fatalf("debt = %s, want %s", got, testutil.Wad(3400))
	}
}

func TestBorrowBeyondCapacity(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit WETH: %v", err)
	}
	if err := eng.DepositCollateral("alice", "WBTC", big.NewInt(1e8), t0); err != nil {
		t.Fatalf("deposit WBTC: %v", err)
	}

	if err := eng.Borrow("alice", testutil.Wad(3401), t0); !errors.Is(err, ErrWouldBreachHealth) {
		t.Fatalf("over-capacity borrow: got %v, want ErrWouldBreachHealth", err)
	}
	if got := eng.TotalDebt("alice", t0); got.Sign() != 0 {
		t.Fatalf("rejected borrow left debt %s", got)
	}
}

func TestBorrowPaused(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	cfg := eng.Config()
	cfg.BorrowPaused = true
	if err := eng.SetMarketConfig(cfg, t0); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(1), t0); !errors.Is(err, ErrBorrowingPaused) {
		t.Fatalf("paused borrow: got %v, want ErrBorrowingPaused", err)
	}
}

func TestBorrowInsufficientLiquidity(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(100))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(200), t0); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("dry vault: got %v, want ErrInsufficientLiquidity", err)
	}
}

func TestBorrowRollsBackOnVaultRefusal(t *testing.T) {
	eng, vault, _ := newTestEngine(t, testutil.Wad(1_000_000))
	vault.FailPull = true

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(1000), t0); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("refused pull: got %v, want ErrInsufficientLiquidity", err)
	}
	if got := eng.TotalDebt("alice", t0); got.Sign() != 0 {
		t.Fatalf("rolled-back borrow left debt %s", got)
	}
	if got := eng.TotalBorrows(t0); got.Sign() != 0 {
		t.Fatalf("rolled-back borrow left total borrows %s", got)
	}
}

func TestBorrowUpdatesBeforeTransfer(t *testing.T) {
	eng, vault, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(1000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	want := "pull:" + testutil.Wad(1000).String()
	if len(vault.Calls) != 1 || vault.Calls[0] != want {
		t.Fatalf("vault calls = %v, want [%s]", vault.Calls, want)
	}
	// The debt the vault saw at pull time was already on the books.
	if got := eng.TotalBorrows(t0); got.Cmp(testutil.Wad(1000)) != 0 {
		t.Fatalf("total borrows = %s, want %s", got, testutil.Wad(1000))
	}
}

// ============================================================================
// Repayment
// ============================================================================

func TestRepayPartialAndFull(t *testing.T) {
	eng, vault, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(1000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := eng.Repay("alice", testutil.Wad(400), t0); err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if got := eng.TotalDebt("alice", t0); got.Cmp(testutil.Wad(600)) != 0 {
		t.Fatalf("debt after partial repay = %s, want %s", got, testutil.Wad(600))
	}

	if err := eng.Repay("alice", testutil.Wad(700), t0); !errors.Is(err, ErrExceedsDebt) {
		t.Fatalf("over-repay: got %v, want ErrExceedsDebt", err)
	}

	if err := eng.Repay("alice", testutil.Wad(600), t0); err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if got := eng.TotalDebt("alice", t0); got.Sign() != 0 {
		t.Fatalf("debt after full repay = %s, want 0", got)
	}
	if vault.Liquidity.Cmp(testutil.Wad(1_000_000)) != 0 {
		t.Fatalf("vault liquidity = %s, want fully restored", vault.Liquidity)
	}
}

// ============================================================================
// Interest accrual through the engine
// ============================================================================

func TestDebtAccruesInterest(t *testing.T) {
	eng, _, feeds := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(200), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(250_000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// U = 250k / (750k idle + 250k borrowed) = 25%, rate = 2% + 25%*4% = 3%.
	oneYear := t0.Add(365 * 24 * time.Hour)
	for _, feed := range feeds {
		feed.UpdatedAt = oneYear
	}

	if got := eng.TotalDebt("alice", oneYear); got.Cmp(testutil.Wad(257_500)) != 0 {
		t.Fatalf("debt after one year = %s, want %s", got, testutil.Wad(257_500))
	}
	if got := eng.TotalBorrows(oneYear); got.Cmp(testutil.Wad(257_500)) != 0 {
		t.Fatalf("total borrows after one year = %s, want %s", got, testutil.Wad(257_500))
	}
}

func TestTotalBorrowsTracksPositionSum(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	for _, user := range []string{"alice", "bob"} {
		if err := eng.DepositCollateral(user, "WETH", testutil.Wad(200), t0); err != nil {
			t.Fatalf("deposit %s: %v", user, err)
		}
	}
	// Odd wei amounts force rounding on both sides of the accounting.
	aliceLoan := new(big.Int).Add(testutil.Wad(100_000), big.NewInt(7))
	bobLoan := new(big.Int).Add(testutil.Wad(50_000), big.NewInt(13))
	if err := eng.Borrow("alice", aliceLoan, t0); err != nil {
		t.Fatalf("borrow alice: %v", err)
	}
	if err := eng.Borrow("bob", bobLoan, t0); err != nil {
		t.Fatalf("borrow bob: %v", err)
	}

	oneYear := t0.Add(365 * 24 * time.Hour)
	sum := new(big.Int).Add(eng.TotalDebt("alice", oneYear), eng.TotalDebt("bob", oneYear))
	total := eng.TotalBorrows(oneYear)

	// Per-position growth rounds up while the global total rounds down,
	// so the sum can exceed the total by at most one wei per borrower.
	diff := new(big.Int).Sub(sum, total)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(2)) > 0 {
		t.Fatalf("sum of debts %s vs total borrows %s, diff %s", sum, total, diff)
	}
}

func TestUtilizationAndRateQueries(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if got := eng.UtilizationBps(t0); got != 0 {
		t.Fatalf("idle utilization = %d, want 0", got)
	}
	if got := eng.BorrowRateBps(t0); got != 200 {
		t.Fatalf("idle rate = %d, want base 200", got)
	}

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(200), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(250_000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if got := eng.UtilizationBps(t0); got != 2_500 {
		t.Fatalf("utilization = %d, want 2500", got)
	}
	if got := eng.BorrowRateBps(t0); got != 300 {
		t.Fatalf("rate = %d, want 300", got)
	}
}

// ============================================================================
// Views
// ============================================================================

func TestReentrantTransferPanics(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(10))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on re-entrant transfer")
		}
	}()
	eng.transfer(func() error {
		return eng.transfer(func() error { return nil })
	})
}

func TestPositionViewHealthFactor(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	view := eng.Position("nobody", t0)
	if view.HealthFactorBps != math.MaxInt64 {
		t.Fatalf("empty position health factor = %d, want MaxInt64", view.HealthFactorBps)
	}

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(850), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Capacity $1700 against $850 of debt: health factor 2.0.
	view = eng.Position("alice", t0)
	if view.HealthFactorBps != 2*fpmath.BpsScale {
		t.Fatalf("health factor = %d, want %d", view.HealthFactorBps, 2*fpmath.BpsScale)
	}
	if !view.Healthy {
		t.Fatal("position should be healthy")
	}
}

// ============================================================================
// Loan oracle outage
// ============================================================================

// All feeds in newTestEngine were last updated at t0, so two hours later
// they are past the default freshness window with no checkpoint stored
// and the loan asset resolves to no usable price.

func TestBorrowBlockedByLoanOracleOutage(t *testing.T) {
	eng, vault, feeds := newTestEngine(t, testutil.Wad(1_000_000))

	later := t0.Add(2 * time.Hour)
	if err := eng.Borrow("mallory", testutil.Wad(500_000), later); !errors.Is(err, ErrLoanPriceUnavailable) {
		t.Fatalf("borrow under outage: got %v, want ErrLoanPriceUnavailable", err)
	}
	if got := eng.TotalDebt("mallory", later); got.Sign() != 0 {
		t.Fatalf("debt after rejected borrow = %s, want 0", got)
	}
	if got := vault.AvailableLiquidity(); got.Cmp(testutil.Wad(1_000_000)) != 0 {
		t.Fatalf("vault liquidity = %s, want untouched", got)
	}

	// Feed recovery lifts the block.
	feeds["USDC"].UpdatedAt = later
	feeds["WETH"].UpdatedAt = later
	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(1), later); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(100), later); err != nil {
		t.Fatalf("borrow after recovery: %v", err)
	}
}

func TestLoanOracleOutageFreezesIndebtedPositions(t *testing.T) {
	eng, _, _ := newTestEngine(t, testutil.Wad(1_000_000))

	if err := eng.DepositCollateral("alice", "WETH", testutil.Wad(200), t0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := eng.Borrow("alice", testutil.Wad(100_000), t0); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := eng.DepositCollateral("bob", "WETH", testutil.Wad(1), t0); err != nil {
		t.Fatalf("deposit bob: %v", err)
	}

	later := t0.Add(2 * time.Hour)

	// Debt that cannot be valued is never reported healthy.
	if eng.Healthy("alice", later) {
		t.Fatal("indebted position reported healthy under loan oracle outage")
	}
	view := eng.Position("alice", later)
	if view.Healthy || view.HealthFactorBps != 0 {
		t.Fatalf("view healthy=%v hf=%d, want unhealthy with zero health factor", view.Healthy, view.HealthFactorBps)
	}

	if err := eng.WithdrawCollateral("alice", "WETH", testutil.Wad(1), later); !errors.Is(err, ErrLoanPriceUnavailable) {
		t.Fatalf("withdraw under outage: got %v, want ErrLoanPriceUnavailable", err)
	}
	if _, err := eng.Liquidate("alice", "liquidator", later); !errors.Is(err, ErrLoanPriceUnavailable) {
		t.Fatalf("liquidate under outage: got %v, want ErrLoanPriceUnavailable", err)
	}

	// No debt, no valuation needed: bob withdraws freely.
	if err := eng.WithdrawCollateral("bob", "WETH", testutil.Wad(1), later); err != nil {
		t.Fatalf("debt-free withdraw: %v", err)
	}
}

package market

import (
	"math"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/rates"
	"LendLedger/internal/vault"
)

// Engine owns every market position and serializes all state-changing
// calls behind one mutex. A call validates against a fully accrued view
// of the world, mutates, and only then touches the vault; if the vault
// transfer fails the mutation is rolled back before the error returns.
type Engine struct {
	mu sync.Mutex

	cfg       MarketConfig
	tokens    *TokenRegistry
	positions map[string]*UserPosition

	ledger   *ledger.InterestLedger
	resolver *oracle.Resolver
	vault    vault.Vault

	badDebt  *BadDebtLedger
	treasury *big.Int

	loanSymbol   string
	loanDecimals uint8

	log zerolog.Logger

	// persistChan must never drop: the op log is the source of truth.
	// publishChan feeds the outbound mirror and may drop under pressure.
	persistChan chan<- event.OperationRecord
	publishChan chan<- event.OperationRecord

	// onPublishDrop, when set, is called once per dropped publish record.
	onPublishDrop func()

	// transferActive trips when a collaborator transitively re-enters a
	// value-moving path during its own transfer.
	transferActive atomic.Bool
}

// EngineParams carries the collaborators an Engine needs at construction.
type EngineParams struct {
	Config       MarketConfig
	LoanSymbol   string
	LoanDecimals uint8
	RateModel    rates.JumpRateModel
	Resolver     *oracle.Resolver
	Vault        vault.Vault
	Logger       zerolog.Logger
	PersistChan  chan<- event.OperationRecord
	PublishChan  chan<- event.OperationRecord
	Now          time.Time

	// OnPublishDrop is invoked when a record cannot be mirrored because
	// the publish channel is full. Optional.
	OnPublishDrop func()
}

func NewEngine(p EngineParams) (*Engine, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if err := p.RateModel.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:           p.Config,
		tokens:        NewTokenRegistry(),
		positions:     make(map[string]*UserPosition),
		ledger:        ledger.NewInterestLedger(p.RateModel, p.Now),
		resolver:      p.Resolver,
		vault:         p.Vault,
		badDebt:       NewBadDebtLedger(),
		treasury:      new(big.Int),
		loanSymbol:    p.LoanSymbol,
		loanDecimals:  p.LoanDecimals,
		log:           p.Logger.With().Str("component", "market_engine").Logger(),
		persistChan:   p.PersistChan,
		publishChan:   p.PublishChan,
		onPublishDrop: p.OnPublishDrop,
	}, nil
}

// ===================================================================
// Collateral operations
// ===================================================================

// DepositCollateral credits amountNative of token to user's position.
// Amounts are taken in the token's native decimals and normalized to
// 18 decimals internally.
func (e *Engine) DepositCollateral(user, token string, amountNative *big.Int, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok, ok := e.tokens.Get(token)
	if !ok || !tok.Supported {
		return ErrUnsupportedToken
	}
	if tok.DepositPause {
		return ErrDepositsPaused
	}
	if amountNative == nil || amountNative.Sign() <= 0 {
		return ErrAmountNotPositive
	}

	amountWad := fpmath.FromNative(amountNative, tok.Decimals)
	if amountWad.Sign() <= 0 {
		return ErrAmountNotPositive
	}

	pos := e.position(user)
	pos.creditCollateral(token, amountWad)

	e.log.Info().
		Str("user", user).
		Str("token", token).
		Str("amount_wad", amountWad.String()).
		Msg("collateral deposited")

	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpCollateralDeposited,
		User:        user,
		Token:       token,
		AmountWad:   amountWad,
		Timestamp:   now,
	})
	return nil
}

// WithdrawCollateral debits amountNative of token from user's position.
// The withdrawal is simulated first: if the remaining collateral would
// leave the position undercollateralized the call fails and nothing
// changes.
func (e *Engine) WithdrawCollateral(user, token string, amountNative *big.Int, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok, ok := e.tokens.Get(token)
	if !ok {
		return ErrUnsupportedToken
	}
	if amountNative == nil || amountNative.Sign() <= 0 {
		return ErrAmountNotPositive
	}

	pos := e.position(user)
	// Debits round up so tokens deeper than 18 decimals cannot leak
	// sub-wad dust to the withdrawer.
	amountWad := fpmath.FromNativeCeil(amountNative, tok.Decimals)
	held := pos.CollateralOf(token)
	if held.Cmp(amountWad) < 0 {
		return ErrInsufficientBalance
	}

	e.accrue(now)
	e.touch(pos)

	if pos.DebtPrincipal.Sign() > 0 {
		if _, ok := e.loanPrice(now); !ok {
			return ErrLoanPriceUnavailable
		}
		remaining := new(big.Int).Sub(held, amountWad)
		adjusted := new(big.Int).Sub(e.collateralValueUSD(pos, now), e.tokenValueUSD(token, held, now))
		adjusted.Add(adjusted, e.tokenValueUSD(token, remaining, now))
		if !e.healthyAt(adjusted, e.debtUSD(pos, now)) {
			return ErrWouldBreachHealth
		}
	}

	pos.debitCollateral(token, amountWad)

	e.log.Info().
		Str("user", user).
		Str("token", token).
		Str("amount_wad", amountWad.String()).
		Msg("collateral withdrawn")

	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpCollateralWithdrawn,
		User:        user,
		Token:       token,
		AmountWad:   amountWad,
		Timestamp:   now,
	})
	return nil
}

// ===================================================================
// Loan operations
// ===================================================================

// Borrow originates amountWad of new debt for user, pulling the funds
// from the vault. Debt is checked against the post-borrow health
// condition before any state changes.
func (e *Engine) Borrow(user string, amountWad *big.Int, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.BorrowPaused {
		return ErrBorrowingPaused
	}
	if amountWad == nil || amountWad.Sign() <= 0 {
		return ErrAmountNotPositive
	}

	e.accrue(now)
	pos := e.position(user)
	e.touch(pos)

	if _, ok := e.loanPrice(now); !ok {
		return ErrLoanPriceUnavailable
	}

	newDebt := new(big.Int).Add(pos.DebtPrincipal, amountWad)
	newDebtUSD := e.loanValueUSD(newDebt, now)
	if !e.healthyAt(e.collateralValueUSD(pos, now), newDebtUSD) {
		return ErrWouldBreachHealth
	}
	if e.vault.AvailableLiquidity().Cmp(amountWad) < 0 {
		return ErrInsufficientLiquidity
	}

	pos.DebtPrincipal = newDebt
	e.ledger.AddBorrow(amountWad)

	if err := e.transfer(func() error { return e.vault.PullFunds(amountWad) }); err != nil {
		pos.DebtPrincipal = new(big.Int).Sub(pos.DebtPrincipal, amountWad)
		e.ledger.ReduceBorrow(amountWad)
		e.log.Warn().Err(err).Str("user", user).Msg("vault pull failed, borrow rolled back")
		return ErrInsufficientLiquidity
	}

	e.log.Info().
		Str("user", user).
		Str("amount_wad", amountWad.String()).
		Str("debt_wad", pos.DebtPrincipal.String()).
		Msg("loan originated")

	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpLoanOriginated,
		User:        user,
		Token:       e.loanSymbol,
		AmountWad:   amountWad,
		Timestamp:   now,
	})
	return nil
}

// Repay retires up to amountWad of user's debt and returns the funds to
// the vault. The interest portion of the debt is consumed before the
// original principal. Repaying more than is owed is rejected rather
// than clamped.
func (e *Engine) Repay(user string, amountWad *big.Int, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amountWad == nil || amountWad.Sign() <= 0 {
		return ErrAmountNotPositive
	}

	e.accrue(now)
	pos := e.position(user)
	e.touch(pos)

	if amountWad.Cmp(pos.DebtPrincipal) > 0 {
		return ErrExceedsDebt
	}

	e.reduceDebt(pos, amountWad)
	e.ledger.ReduceBorrow(amountWad)

	if err := e.transfer(func() error { return e.vault.ReturnFunds(amountWad) }); err != nil {
		// FATAL: funds were accepted from the borrower but the vault
		// refused them back. The ledger and vault now disagree.
		e.log.Error().Err(err).Str("user", user).Msg("FATAL: vault rejected repayment funds")
		panic("market: vault rejected repayment funds: " + err.Error())
	}

	e.log.Info().
		Str("user", user).
		Str("amount_wad", amountWad.String()).
		Str("debt_wad", pos.DebtPrincipal.String()).
		Msg("loan repaid")

	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpLoanRepaid,
		User:        user,
		Token:       e.loanSymbol,
		AmountWad:   amountWad,
		Timestamp:   now,
	})
	return nil
}

// ===================================================================
// Queries
// ===================================================================

// PositionView is a read-only snapshot of one user's position.
type PositionView struct {
	User               string              `json:"user"`
	Collateral         map[string]*big.Int `json:"collateral"`
	CollateralValueUSD *big.Int            `json:"collateralValueUsd"`
	DebtWad            *big.Int            `json:"debtWad"`
	DebtValueUSD       *big.Int            `json:"debtValueUsd"`
	HealthFactorBps    int64               `json:"healthFactorBps"`
	Healthy            bool                `json:"healthy"`
	BadDebtWad         *big.Int            `json:"badDebtWad"`
}

// Position returns a fully accrued snapshot of user's position.
func (e *Engine) Position(user string, now time.Time) PositionView {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	pos := e.position(user)
	e.touch(pos)

	collUSD := e.collateralValueUSD(pos, now)
	debtUSD := e.debtUSD(pos, now)
	healthy := e.healthyAt(collUSD, debtUSD)
	healthFactor := e.healthFactorBps(collUSD, debtUSD)
	if pos.DebtPrincipal.Sign() > 0 {
		if _, ok := e.loanPrice(now); !ok {
			healthy = false
			healthFactor = 0
		}
	}
	return PositionView{
		User:               user,
		Collateral:         pos.collateralCopy(),
		CollateralValueUSD: collUSD,
		DebtWad:            new(big.Int).Set(pos.DebtPrincipal),
		DebtValueUSD:       debtUSD,
		HealthFactorBps:    healthFactor,
		Healthy:            healthy,
		BadDebtWad:         e.badDebt.Of(user),
	}
}

// Positions returns accrued snapshots of every known position, sorted
// by user for deterministic iteration.
func (e *Engine) Positions(now time.Time) []PositionView {
	e.mu.Lock()
	users := make([]string, 0, len(e.positions))
	for user := range e.positions {
		users = append(users, user)
	}
	e.mu.Unlock()

	sort.Strings(users)
	views := make([]PositionView, 0, len(users))
	for _, user := range users {
		views = append(views, e.Position(user, now))
	}
	return views
}

// Healthy reports whether user's position satisfies the collateral
// requirement at now.
func (e *Engine) Healthy(user string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	pos := e.position(user)
	e.touch(pos)
	if pos.DebtPrincipal.Sign() > 0 {
		if _, ok := e.loanPrice(now); !ok {
			return false
		}
	}
	return e.healthyAt(e.collateralValueUSD(pos, now), e.debtUSD(pos, now))
}

// TotalDebt returns user's accrued debt in loan-asset wad.
func (e *Engine) TotalDebt(user string, now time.Time) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	pos := e.position(user)
	e.touch(pos)
	return new(big.Int).Set(pos.DebtPrincipal)
}

// TotalBorrows returns the market-wide accrued borrow total.
func (e *Engine) TotalBorrows(now time.Time) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	return e.ledger.TotalBorrows()
}

// UtilizationBps returns the market's current utilization ratio.
func (e *Engine) UtilizationBps(now time.Time) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	return rates.Utilization(e.ledger.TotalBorrows(), e.vault.TotalBackingAssets())
}

// BorrowRateBps returns the current annualized borrow rate.
func (e *Engine) BorrowRateBps(now time.Time) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	u := rates.Utilization(e.ledger.TotalBorrows(), e.vault.TotalBackingAssets())
	return e.ledger.Model().Rate(u)
}

// BadDebt returns the bad debt recorded against user.
func (e *Engine) BadDebt(user string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.badDebt.Of(user)
}

// TotalBadDebt returns the market-wide recorded bad debt.
func (e *Engine) TotalBadDebt() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.badDebt.Total()
}

// TreasuryBalance returns the accumulated protocol fees in loan-asset wad.
func (e *Engine) TreasuryBalance() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.treasury)
}

// Config returns the active market configuration.
func (e *Engine) Config() MarketConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Tokens returns the configured collateral tokens in registration order.
func (e *Engine) Tokens() []TokenConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens.InOrder()
}

// ===================================================================
// Administration
// ===================================================================

// SetMarketConfig replaces the market risk parameters.
func (e *Engine) SetMarketConfig(cfg MarketConfig, now time.Time) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	e.cfg = cfg

	e.log.Info().
		Int64("lltv_bps", cfg.LLTVBps).
		Int64("penalty_bps", cfg.LiquidationPenaltyBps).
		Int64("fee_bps", cfg.ProtocolFeeBps).
		Bool("borrow_paused", cfg.BorrowPaused).
		Msg("market config updated")

	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpMarketConfigUpdated,
		Timestamp:   now,
	})
	return nil
}

// SetRateModel replaces the interest model. Interest is accrued under
// the old model up to now first.
func (e *Engine) SetRateModel(model rates.JumpRateModel, now time.Time) error {
	if err := model.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	e.ledger.SetModel(model)

	e.log.Info().
		Int64("base_bps", model.Base).
		Int64("kink_bps", model.Kink).
		Msg("rate model updated")

	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpRateModelUpdated,
		Timestamp:   now,
	})
	return nil
}

// AddCollateralToken registers a new collateral token.
func (e *Engine) AddCollateralToken(symbol string, decimals uint8, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.tokens.Add(TokenConfig{Symbol: symbol, Decimals: decimals, Supported: true}); err != nil {
		return err
	}
	e.log.Info().Str("token", symbol).Uint8("decimals", decimals).Msg("collateral token added")
	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpCollateralTokenAdded,
		Token:       symbol,
		Timestamp:   now,
	})
	return nil
}

// RecordPriceCheckpoint mirrors a stored last-known-good price into the
// operation log so downstream consumers see the fallback price the
// market will use under a feed outage.
func (e *Engine) RecordPriceCheckpoint(asset string, priceWad *big.Int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.emit(event.OperationRecord{
		OperationID: uuid.New(),
		Type:        event.OpPriceCheckpointed,
		Token:       asset,
		AmountWad:   priceWad,
		Timestamp:   now,
	})
}

// SetTokenDepositPaused toggles the deposit pause on one token.
func (e *Engine) SetTokenDepositPaused(symbol string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens.SetDepositPaused(symbol, paused)
}

// SetTokenSupported toggles support for one token. Unsupported tokens
// reject new deposits but remain withdrawable and seizable.
func (e *Engine) SetTokenSupported(symbol string, supported bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens.SetSupported(symbol, supported)
}

// ===================================================================
// Internal helpers. All require e.mu held.
// ===================================================================

func (e *Engine) position(user string) *UserPosition {
	pos, ok := e.positions[user]
	if !ok {
		pos = newUserPosition(user)
		pos.IndexAtLastTouch = e.ledger.Index()
		e.positions[user] = pos
	}
	return pos
}

func (e *Engine) accrue(now time.Time) {
	e.ledger.Accrue(now, e.vault.TotalBackingAssets())
}

// touch folds the interest accrued since the position's last touch into
// its principal, tracking the interest portion separately so protocol
// fees can be taken from interest only.
func (e *Engine) touch(pos *UserPosition) {
	index := e.ledger.Index()
	if pos.DebtPrincipal.Sign() > 0 {
		grown := e.ledger.Grow(pos.DebtPrincipal, pos.IndexAtLastTouch)
		interest := new(big.Int).Sub(grown, pos.DebtPrincipal)
		if interest.Sign() > 0 {
			pos.InterestOutstanding.Add(pos.InterestOutstanding, interest)
		}
		pos.DebtPrincipal = grown
	}
	pos.IndexAtLastTouch = index
}

// reduceDebt retires amount of pos's debt, interest portion first.
func (e *Engine) reduceDebt(pos *UserPosition, amount *big.Int) {
	pos.DebtPrincipal.Sub(pos.DebtPrincipal, amount)
	if pos.DebtPrincipal.Sign() < 0 {
		// TRICKY: callers bound amount by DebtPrincipal before calling.
		panic("market: debt reduced below zero")
	}
	if pos.InterestOutstanding.Cmp(amount) <= 0 {
		pos.InterestOutstanding.SetInt64(0)
	} else {
		pos.InterestOutstanding.Sub(pos.InterestOutstanding, amount)
	}
}

// tokenValueUSD values a wad amount of token at the resolver's current
// price. Valuation uses the raw resolved price; confidence feeds the
// risk score, not the price.
func (e *Engine) tokenValueUSD(token string, amountWad *big.Int, now time.Time) *big.Int {
	ev := e.resolver.Evaluate(token, now)
	if ev.Price == nil || ev.Price.Sign() <= 0 {
		return new(big.Int)
	}
	return fpmath.MulWad(amountWad, ev.Price)
}

func (e *Engine) loanValueUSD(amountWad *big.Int, now time.Time) *big.Int {
	return e.tokenValueUSD(e.loanSymbol, amountWad, now)
}

// loanPrice returns the loan asset's resolved price, reporting false
// when the oracle has degraded past any usable price. Collateral is
// allowed to value at zero under an outage; debt is not, because a
// zero-valued debt would pass every health check. Paths that need the
// debt side priced must gate on this before trusting debtUSD.
func (e *Engine) loanPrice(now time.Time) (*big.Int, bool) {
	ev := e.resolver.Evaluate(e.loanSymbol, now)
	if ev.Price == nil || ev.Price.Sign() <= 0 {
		return nil, false
	}
	return ev.Price, true
}

func (e *Engine) collateralValueUSD(pos *UserPosition, now time.Time) *big.Int {
	total := new(big.Int)
	for _, tok := range e.tokens.InOrder() {
		held := pos.CollateralOf(tok.Symbol)
		if held.Sign() <= 0 {
			continue
		}
		total.Add(total, e.tokenValueUSD(tok.Symbol, held, now))
	}
	return total
}

// debtUSD values pos's debt at the resolved loan price. The value
// degrades to zero under an oracle outage, so value-moving paths and
// health reporting gate on loanPrice before trusting it.
func (e *Engine) debtUSD(pos *UserPosition, now time.Time) *big.Int {
	if pos.DebtPrincipal.Sign() <= 0 {
		return new(big.Int)
	}
	return e.loanValueUSD(pos.DebtPrincipal, now)
}

// healthyAt is the single health predicate: collateral scaled by the
// LLTV must cover the debt value.
func (e *Engine) healthyAt(collateralUSD, debtUSD *big.Int) bool {
	if debtUSD.Sign() <= 0 {
		return true
	}
	capacity := fpmath.MulBps(collateralUSD, e.cfg.LLTVBps)
	return capacity.Cmp(debtUSD) >= 0
}

// healthFactorBps returns borrow capacity over debt in basis points.
// Positions with no debt report MaxInt64.
func (e *Engine) healthFactorBps(collateralUSD, debtUSD *big.Int) int64 {
	if debtUSD.Sign() <= 0 {
		return math.MaxInt64
	}
	capacity := fpmath.MulBps(collateralUSD, e.cfg.LLTVBps)
	return fpmath.RatioBps(capacity, debtUSD)
}

// transfer runs the single vault call of a value-moving operation. All
// state updates happen before the transfer, so a collaborator that
// re-enters a transfer from inside its own would interleave two
// half-finished operations. TRICKY: that is unrecoverable, so panic.
func (e *Engine) transfer(f func() error) error {
	if !e.transferActive.CompareAndSwap(false, true) {
		panic("market: re-entrant vault transfer")
	}
	defer e.transferActive.Store(false)
	return f()
}

// emit hands the committed record to the persistence and publishing
// pipelines. Persistence blocks: losing an op-log entry is worse than
// slowing the caller. Publishing drops when the mirror lags.
func (e *Engine) emit(rec event.OperationRecord) {
	if e.persistChan != nil {
		e.persistChan <- rec
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- rec:
		default:
			e.log.Warn().Str("op", string(rec.Type)).Msg("publish channel full, record dropped")
			if e.onPublishDrop != nil {
				e.onPublishDrop()
			}
		}
	}
}

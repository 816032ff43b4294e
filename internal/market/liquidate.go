package market

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
)

// LiquidationPhase tracks one liquidation through its lifecycle.
type LiquidationPhase int

const (
	PhaseAssessing LiquidationPhase = iota
	PhaseRepayingDebt
	PhaseSeizingCollateral
	PhaseSettled
	PhaseBadDebtRecorded
)

func (p LiquidationPhase) String() string {
	switch p {
	case PhaseAssessing:
		return "Assessing"
	case PhaseRepayingDebt:
		return "RepayingDebt"
	case PhaseSeizingCollateral:
		return "SeizingCollateral"
	case PhaseSettled:
		return "Settled"
	case PhaseBadDebtRecorded:
		return "BadDebtRecorded"
	default:
		return "Unknown"
	}
}

// CanTransitionTo encodes the legal phase transitions. Liquidations only
// move forward, and only terminate in Settled or BadDebtRecorded.
func (p LiquidationPhase) CanTransitionTo(next LiquidationPhase) bool {
	switch p {
	case PhaseAssessing:
		return next == PhaseRepayingDebt
	case PhaseRepayingDebt:
		return next == PhaseSeizingCollateral
	case PhaseSeizingCollateral:
		return next == PhaseSettled || next == PhaseBadDebtRecorded
	default:
		return false
	}
}

// ClosePolicy names the liquidation sizing rule.
type ClosePolicy string

// ClosePolicyFullDebt closes the entire debt in one liquidation. When
// the collateral cannot cover debt plus penalty, the liquidator's
// repayment scales down to what the collateral pays for and the rest of
// the debt is isolated as bad debt.
const ClosePolicyFullDebt ClosePolicy = "full_debt"

// SeizedCollateral is one token's share of a liquidation seizure.
type SeizedCollateral struct {
	Token        string   `json:"token"`
	AmountWad    *big.Int `json:"amountWad"`
	AmountNative *big.Int `json:"amountNative"`
	ValueUSD     *big.Int `json:"valueUsd"`
}

// LiquidationReceipt records the settled outcome of one liquidation.
type LiquidationReceipt struct {
	LiquidationID uuid.UUID          `json:"liquidationId"`
	Borrower      string             `json:"borrower"`
	Liquidator    string             `json:"liquidator"`
	Policy        ClosePolicy        `json:"policy"`
	DebtCoveredWad  *big.Int         `json:"debtCoveredWad"`
	ProtocolFeeWad  *big.Int         `json:"protocolFeeWad"`
	SeizedUSD       *big.Int         `json:"seizedUsd"`
	Seized          []SeizedCollateral `json:"seized"`
	ShortfallUSD    *big.Int         `json:"shortfallUsd"`
	BadDebtWad      *big.Int         `json:"badDebtWad"`
	Phase           LiquidationPhase `json:"-"`
	PhaseName       string           `json:"phase"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Liquidate closes borrower's position under ClosePolicyFullDebt. The
// liquidator repays the covered debt into the vault and receives the
// seized collateral, valued at debt plus the liquidation penalty. Any
// debt the collateral cannot pay for is zeroed from the borrower and
// recorded as bad debt so it can never poison another position.
func (e *Engine) Liquidate(borrower, liquidator string, now time.Time) (*LiquidationReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.accrue(now)
	pos := e.position(borrower)
	e.touch(pos)

	phase := PhaseAssessing

	debt := new(big.Int).Set(pos.DebtPrincipal)
	if debt.Sign() <= 0 {
		return nil, ErrPositionHealthy
	}

	loanEval := e.resolver.Evaluate(e.loanSymbol, now)
	if loanEval.Price == nil || loanEval.Price.Sign() <= 0 {
		// Debt that cannot be priced cannot be sized. Retry after the
		// oracle recovers or a checkpoint lands.
		return nil, ErrLoanPriceUnavailable
	}

	collUSD := e.collateralValueUSD(pos, now)
	debtUSD := e.debtUSD(pos, now)
	if e.healthyAt(collUSD, debtUSD) {
		return nil, ErrPositionHealthy
	}

	penaltyScale := fpmath.BpsScale + e.cfg.LiquidationPenaltyBps
	targetUSD := fpmath.MulBps(debtUSD, penaltyScale)

	// Sizing. When collateral covers debt plus penalty the full debt is
	// repaid. Otherwise the repayment is exactly what the collateral
	// buys at the penalty discount, and the remainder becomes bad debt.
	debtCovered := new(big.Int).Set(debt)
	seizeBudgetUSD := new(big.Int).Set(targetUSD)
	if collUSD.Cmp(targetUSD) < 0 {
		coveredUSD := fpmath.DivBps(collUSD, penaltyScale)
		debtCovered = fpmath.DivWad(coveredUSD, loanEval.Price)
		if debtCovered.Cmp(debt) > 0 {
			debtCovered.Set(debt)
		}
		seizeBudgetUSD.Set(collUSD)
	}
	shortfallWad := new(big.Int).Sub(debt, debtCovered)

	phase = e.advancePhase(phase, PhaseRepayingDebt)

	// Fee split: the protocol fee is carved from the interest portion of
	// the covered debt only, never from principal.
	feeBase := new(big.Int).Set(pos.InterestOutstanding)
	if feeBase.Cmp(debtCovered) > 0 {
		feeBase.Set(debtCovered)
	}
	fee := fpmath.MulBps(feeBase, e.cfg.ProtocolFeeBps)
	toVault := new(big.Int).Sub(debtCovered, fee)

	pos.DebtPrincipal = new(big.Int)
	pos.InterestOutstanding = new(big.Int)
	e.ledger.ReduceBorrow(debt)

	phase = e.advancePhase(phase, PhaseSeizingCollateral)

	seized, seizedUSD := e.seizeCollateral(pos, seizeBudgetUSD, now)

	e.treasury.Add(e.treasury, fee)
	if toVault.Sign() > 0 {
		if err := e.transfer(func() error { return e.vault.ReturnFunds(toVault) }); err != nil {
			// FATAL: the liquidator's repayment was accepted but the
			// vault refused it. The ledger and vault now disagree.
			e.log.Error().Err(err).Str("borrower", borrower).Msg("FATAL: vault rejected liquidation proceeds")
			panic("market: vault rejected liquidation proceeds: " + err.Error())
		}
	}

	terminal := PhaseSettled
	if shortfallWad.Sign() > 0 {
		e.badDebt.Record(borrower, shortfallWad)
		terminal = PhaseBadDebtRecorded
	}
	phase = e.advancePhase(phase, terminal)

	receipt := &LiquidationReceipt{
		LiquidationID:  uuid.New(),
		Borrower:       borrower,
		Liquidator:     liquidator,
		Policy:         ClosePolicyFullDebt,
		DebtCoveredWad: debtCovered,
		ProtocolFeeWad: fee,
		SeizedUSD:      seizedUSD,
		Seized:         seized,
		ShortfallUSD:   fpmath.MulWad(shortfallWad, loanEval.Price),
		BadDebtWad:     shortfallWad,
		Phase:          phase,
		PhaseName:      phase.String(),
		Timestamp:      now,
	}

	e.log.Info().
		Str("borrower", borrower).
		Str("liquidator", liquidator).
		Str("debt_covered_wad", debtCovered.String()).
		Str("bad_debt_wad", shortfallWad.String()).
		Str("phase", phase.String()).
		Msg("liquidation settled")

	e.emit(event.OperationRecord{
		OperationID: receipt.LiquidationID,
		Type:        event.OpLiquidationSettled,
		User:        borrower,
		Token:       e.loanSymbol,
		AmountWad:   debtCovered,
		Timestamp:   now,
		Details: map[string]string{
			"liquidator":  liquidator,
			"policy":      string(ClosePolicyFullDebt),
			"protocolFee": fee.String(),
			"seizedUsd":   seizedUSD.String(),
			"phase":       phase.String(),
		},
	})
	if shortfallWad.Sign() > 0 {
		e.emit(event.OperationRecord{
			OperationID: uuid.New(),
			Type:        event.OpBadDebtRecorded,
			User:        borrower,
			Token:       e.loanSymbol,
			AmountWad:   shortfallWad,
			Timestamp:   now,
			Details: map[string]string{
				"liquidationId": receipt.LiquidationID.String(),
			},
		})
	}
	return receipt, nil
}

// seizeCollateral debits collateral worth budgetUSD from pos, walking
// tokens in registration order. Per-token seize amounts round up,
// bounded by the balance, so a token that can cover the remaining
// budget leaves exactly zero behind. Requires e.mu held.
func (e *Engine) seizeCollateral(pos *UserPosition, budgetUSD *big.Int, now time.Time) ([]SeizedCollateral, *big.Int) {
	remaining := new(big.Int).Set(budgetUSD)
	seizedUSD := new(big.Int)
	var seized []SeizedCollateral

	for _, tok := range e.tokens.InOrder() {
		if remaining.Sign() <= 0 {
			break
		}
		held := pos.CollateralOf(tok.Symbol)
		if held.Sign() <= 0 {
			continue
		}
		ev := e.resolver.Evaluate(tok.Symbol, now)
		if ev.Price == nil || ev.Price.Sign() <= 0 {
			continue
		}

		heldUSD := fpmath.MulWad(held, ev.Price)
		var takeWad, takeUSD *big.Int
		if heldUSD.Cmp(remaining) <= 0 {
			takeWad = held
			takeUSD = heldUSD
		} else {
			takeWad = divWadCeil(remaining, ev.Price)
			if takeWad.Cmp(held) > 0 {
				takeWad = held
			}
			takeUSD = new(big.Int).Set(remaining)
		}

		pos.debitCollateral(tok.Symbol, takeWad)
		seized = append(seized, SeizedCollateral{
			Token:        tok.Symbol,
			AmountWad:    takeWad,
			AmountNative: fpmath.ToNative(takeWad, tok.Decimals),
			ValueUSD:     takeUSD,
		})
		seizedUSD.Add(seizedUSD, takeUSD)
		remaining.Sub(remaining, takeUSD)
	}
	return seized, seizedUSD
}

func (e *Engine) advancePhase(from, to LiquidationPhase) LiquidationPhase {
	if !from.CanTransitionTo(to) {
		// FATAL: the phase table above is the only legal order.
		panic("market: illegal liquidation phase transition " + from.String() + " -> " + to.String())
	}
	return to
}

// divWadCeil divides a wad value by a wad price, rounding up.
func divWadCeil(valueUSD, price *big.Int) *big.Int {
	num := new(big.Int).Mul(valueUSD, fpmath.Wad)
	q, r := new(big.Int).QuoRem(num, price, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

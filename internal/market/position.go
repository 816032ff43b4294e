package market

import (
	"math/big"
)

// UserPosition is a borrower's account: collateral balances in canonical
// wad per token, debt principal in loan-asset wad, and the global borrow
// index stamped at the last debt-changing touch. Positions are never
// deleted; they can sit at zero indefinitely.
type UserPosition struct {
	User string

	// Collateral balances keyed by token symbol, in wad.
	Collateral map[string]*big.Int

	// DebtPrincipal includes interest realized by Touch. When it is zero
	// the index stamp is irrelevant; nothing accrues on nothing.
	DebtPrincipal *big.Int

	// InterestOutstanding is the slice of DebtPrincipal that is accrued
	// interest rather than drawn principal. Repayments consume it first;
	// the liquidation fee split uses it as the fee base.
	InterestOutstanding *big.Int

	// IndexAtLastTouch is the global borrow index at the last
	// debt-changing operation.
	IndexAtLastTouch *big.Int
}

func newUserPosition(user string) *UserPosition {
	return &UserPosition{
		User:                user,
		Collateral:          make(map[string]*big.Int),
		DebtPrincipal:       new(big.Int),
		InterestOutstanding: new(big.Int),
		IndexAtLastTouch:    new(big.Int),
	}
}

// collateralCopy returns a deep copy of all nonzero collateral balances.
func (p *UserPosition) collateralCopy() map[string]*big.Int {
	out := make(map[string]*big.Int, len(p.Collateral))
	for tok, bal := range p.Collateral {
		if bal.Sign() > 0 {
			out[tok] = new(big.Int).Set(bal)
		}
	}
	return out
}

// CollateralOf returns a copy of the balance for one token.
func (p *UserPosition) CollateralOf(token string) *big.Int {
	bal, ok := p.Collateral[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

func (p *UserPosition) creditCollateral(token string, wad *big.Int) {
	bal, ok := p.Collateral[token]
	if !ok {
		bal = new(big.Int)
		p.Collateral[token] = bal
	}
	bal.Add(bal, wad)
}

func (p *UserPosition) debitCollateral(token string, wad *big.Int) {
	bal, ok := p.Collateral[token]
	if !ok {
		return
	}
	bal.Sub(bal, wad)
}

// BadDebtLedger isolates written-off principal from the active ledger.
// Entries are created only by the liquidation path; keeping them out of
// the borrow total means one insolvent position can never distort the
// solvency accounting of everyone else.
type BadDebtLedger struct {
	byUser map[string]*big.Int
	total  *big.Int
}

func NewBadDebtLedger() *BadDebtLedger {
	return &BadDebtLedger{
		byUser: make(map[string]*big.Int),
		total:  new(big.Int),
	}
}

// Record writes off unrecovered principal for a borrower.
func (b *BadDebtLedger) Record(user string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	entry, ok := b.byUser[user]
	if !ok {
		entry = new(big.Int)
		b.byUser[user] = entry
	}
	entry.Add(entry, amount)
	b.total.Add(b.total, amount)
}

// Of returns a copy of a borrower's written-off principal.
func (b *BadDebtLedger) Of(user string) *big.Int {
	entry, ok := b.byUser[user]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(entry)
}

// Total returns a copy of the aggregate write-off.
func (b *BadDebtLedger) Total() *big.Int {
	return new(big.Int).Set(b.total)
}

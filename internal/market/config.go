package market

import (
	"fmt"

	fpmath "LendLedger/internal/math"
)

// MarketConfig is the singleton risk configuration, mutated only through
// the privileged admin surface. LLTV doubles as the maximum origination
// loan-to-value and the liquidation threshold (single-threshold model).
//
// Whether LLTV + LiquidationPenalty leaves liquidators solvent is NOT
// enforced here; that margin is the operator's responsibility.
type MarketConfig struct {
	LLTVBps               int64 `json:"lltvBps" yaml:"lltv_bps"`
	LiquidationPenaltyBps int64 `json:"liquidationPenaltyBps" yaml:"liquidation_penalty_bps"`
	ProtocolFeeBps        int64 `json:"protocolFeeBps" yaml:"protocol_fee_bps"`
	BorrowPaused          bool  `json:"borrowPaused" yaml:"borrow_paused"`
}

// DefaultMarketConfig is the bootstrap configuration: 85% LLTV, 5%
// liquidation penalty, 10% protocol fee on the interest portion.
var DefaultMarketConfig = MarketConfig{
	LLTVBps:               8_500,
	LiquidationPenaltyBps: 500,
	ProtocolFeeBps:        1_000,
}

// Validate checks parameter ranges.
func (c MarketConfig) Validate() error {
	if c.LLTVBps <= 0 || c.LLTVBps >= fpmath.BpsScale {
		return fmt.Errorf("lltv must be in (0, %d), got %d", fpmath.BpsScale, c.LLTVBps)
	}
	if c.LiquidationPenaltyBps < 0 || c.LiquidationPenaltyBps >= fpmath.BpsScale {
		return fmt.Errorf("liquidation penalty must be in [0, %d), got %d", fpmath.BpsScale, c.LiquidationPenaltyBps)
	}
	if c.ProtocolFeeBps < 0 || c.ProtocolFeeBps > fpmath.BpsScale {
		return fmt.Errorf("protocol fee must be in [0, %d], got %d", fpmath.BpsScale, c.ProtocolFeeBps)
	}
	return nil
}

// TokenConfig describes one collateral token. Tokens are disabled, never
// hard-deleted, so historical balances always stay addressable.
type TokenConfig struct {
	Symbol       string `json:"symbol" yaml:"symbol"`
	Decimals     uint8  `json:"decimals" yaml:"decimals"`
	Supported    bool   `json:"supported" yaml:"supported"`
	DepositPause bool   `json:"depositPaused" yaml:"deposit_paused"`
}

// TokenRegistry holds the collateral token set in registration order.
// The order is visible protocol behavior: liquidation seizes collateral
// token by token in exactly this order.
type TokenRegistry struct {
	tokens map[string]*TokenConfig
	order  []string
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]*TokenConfig)}
}

// Add registers a new collateral token at the end of the seize order.
func (r *TokenRegistry) Add(cfg TokenConfig) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if int(cfg.Decimals) > fpmath.MaxTokenDecimals {
		return fmt.Errorf("token %s: decimals %d exceeds max %d", cfg.Symbol, cfg.Decimals, fpmath.MaxTokenDecimals)
	}
	if _, ok := r.tokens[cfg.Symbol]; ok {
		return ErrTokenExists
	}
	stored := cfg
	r.tokens[cfg.Symbol] = &stored
	r.order = append(r.order, cfg.Symbol)
	return nil
}

// Get looks up a token config.
func (r *TokenRegistry) Get(symbol string) (TokenConfig, bool) {
	cfg, ok := r.tokens[symbol]
	if !ok {
		return TokenConfig{}, false
	}
	return *cfg, true
}

// SetSupported flips the supported flag. Disabling keeps the token and its
// balances; it only stops new deposits from being accepted.
func (r *TokenRegistry) SetSupported(symbol string, supported bool) error {
	cfg, ok := r.tokens[symbol]
	if !ok {
		return ErrUnsupportedToken
	}
	cfg.Supported = supported
	return nil
}

// SetDepositPaused flips the per-token deposit pause.
func (r *TokenRegistry) SetDepositPaused(symbol string, paused bool) error {
	cfg, ok := r.tokens[symbol]
	if !ok {
		return ErrUnsupportedToken
	}
	cfg.DepositPause = paused
	return nil
}

// InOrder returns the tokens in registration order.
func (r *TokenRegistry) InOrder() []TokenConfig {
	out := make([]TokenConfig, 0, len(r.order))
	for _, symbol := range r.order {
		out = append(out, *r.tokens[symbol])
	}
	return out
}

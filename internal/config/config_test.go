package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "USDC", cfg.LoanAsset.Symbol)
	assert.Equal(t, int64(8_500), cfg.Market.LLTVBps)
	assert.Equal(t, int64(200), cfg.RateModel.Base)
	assert.Equal(t, 100, cfg.Persist.BatchSize)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lendledger.yaml")
	body := `
http_addr: ":9999"
loan_asset:
  symbol: DAI
  decimals: 18
market:
  lltv_bps: 8000
  liquidation_penalty_bps: 800
  protocol_fee_bps: 500
rate_model:
  base_bps: 100
  kink_bps: 9000
  slope1_bps: 300
  slope2_bps: 7000
collateral_tokens:
  - symbol: WETH
    decimals: 18
  - symbol: WBTC
    decimals: 8
    deposit_paused: true
persist:
  batch_size: 25
  flush_timeout: 100ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "DAI", cfg.LoanAsset.Symbol)
	assert.Equal(t, int64(8_000), cfg.Market.LLTVBps)
	assert.Equal(t, int64(9_000), cfg.RateModel.Kink)
	assert.Equal(t, 25, cfg.Persist.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Persist.FlushTimeout.Std())
	require.Len(t, cfg.Tokens, 2)
	assert.Equal(t, "WETH", cfg.Tokens[0].Symbol)
	assert.False(t, cfg.Tokens[0].DepositPaused)
	assert.Equal(t, "WBTC", cfg.Tokens[1].Symbol)
	assert.True(t, cfg.Tokens[1].DepositPaused)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lendledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9999\"\n"), 0o644))

	t.Setenv("LEND_HTTP_ADDR", ":7777")
	t.Setenv("LEND_ADMIN_TOKEN", "sekrit")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.HTTPAddr)
	assert.Equal(t, "sekrit", cfg.AdminToken)
}

func TestLoadRejectsBadMarketConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lendledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("market:\n  lltv_bps: 12000\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lltv")
}

func TestVaultSeedParsing(t *testing.T) {
	empty, err := VaultConfig{}.InitialLiquidity()
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Sign())

	seeded, err := VaultConfig{InitialLiquidityWad: "1000000000000000000000"}.InitialLiquidity()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", seeded.String())

	_, err = VaultConfig{InitialLiquidityWad: "1e21"}.InitialLiquidity()
	require.Error(t, err)

	_, err = VaultConfig{InitialLiquidityWad: "-5"}.InitialLiquidity()
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/lendledger.yaml")
	require.Error(t, err)
}

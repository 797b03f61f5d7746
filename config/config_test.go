package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"xusd/native/vault"
)

func writeParams(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadParamsParsesFile(t *testing.T) {
	path := writeParams(t, `SwapTarget = "usdc"

[vault]
VaultBufferBps = 500
RedeemFeeBps = 25
MaxSupplyDiffBps = 300
TrusteeFeeBps = 1000
AutoAllocateThresholdUSD = "25000"
RebaseThresholdUSD = "0.5"

[[assets]]
Symbol = "USDC"
Decimals = 6

[[assets]]
Symbol = "USDT"
Decimals = 6

[[swap_tokens]]
Symbol = "COMP"
Decimals = 18

[pauses]
Rebase = true
`)
	params, err := LoadParams(path)
	require.NoError(t, err)
	require.Len(t, params.Assets, 2)
	require.Equal(t, "USDT", params.Assets[1].Symbol)
	require.True(t, params.Pauses.Rebase)
	require.False(t, params.Pauses.Capital)

	cfg, err := params.ToVaultConfig()
	require.NoError(t, err)
	require.Equal(t, uint64(500), cfg.VaultBufferBps)
	require.Equal(t, uint64(25), cfg.RedeemFeeBps)
	require.Equal(t, uint64(100), cfg.SwapSlippageBps, "absent keys keep defaults")
	want, _ := new(big.Int).SetString("25000000000000000000000", 10)
	require.Zero(t, cfg.AutoAllocateThreshold.Cmp(want))
	require.Equal(t, "500000000000000000", cfg.RebaseThreshold.String())
}

func TestLoadParamsKeepsDefaultAssets(t *testing.T) {
	path := writeParams(t, "[vault]\nRedeemFeeBps = 10\n")
	params, err := LoadParams(path)
	require.NoError(t, err)
	require.Equal(t, DefaultParams().Assets, params.Assets)
	require.Equal(t, uint64(10), params.Vault.RedeemFeeBps)
}

func TestLoadParamsRejectsUnknownKeys(t *testing.T) {
	path := writeParams(t, "[vault]\nVaultBuffer = 10\n")
	_, err := LoadParams(path)
	require.ErrorContains(t, err, "unknown keys")
}

func TestLoadParamsCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "params.toml")
	params, err := LoadParams(path)
	require.NoError(t, err)
	require.Equal(t, DefaultParams(), *params)
	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := LoadParams(path)
	require.NoError(t, err)
	require.Equal(t, params.Vault, reloaded.Vault)
	require.Equal(t, params.Assets, reloaded.Assets)
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
		errMsg string
	}{
		{name: "fee out of range", mutate: func(p *Params) { p.Vault.RedeemFeeBps = 10_001 }, errMsg: "redeem fee"},
		{name: "negative threshold", mutate: func(p *Params) { p.Vault.RebaseThresholdUSD = "-1" }, errMsg: "RebaseThresholdUSD"},
		{name: "too precise threshold", mutate: func(p *Params) { p.Vault.AutoAllocateThresholdUSD = "0.0000000000000000001" }, errMsg: "AutoAllocateThresholdUSD"},
		{name: "no assets", mutate: func(p *Params) { p.Assets = nil }, errMsg: "at least one"},
		{name: "duplicate asset", mutate: func(p *Params) { p.Assets = append(p.Assets, Asset{Symbol: "dai", Decimals: 18}) }, errMsg: "duplicate DAI"},
		{name: "decimals", mutate: func(p *Params) { p.Assets[0].Decimals = 40 }, errMsg: "decimals"},
		{name: "swap token is collateral", mutate: func(p *Params) { p.SwapTokens = []SwapToken{{Symbol: "USDC", Decimals: 6}} }, errMsg: "swap_tokens"},
		{name: "unknown swap target", mutate: func(p *Params) { p.SwapTarget = "USDT" }, errMsg: "SwapTarget"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := DefaultParams()
			params.Assets = append([]Asset(nil), params.Assets...)
			tc.mutate(&params)
			require.ErrorContains(t, ValidateParams(params), tc.errMsg)
		})
	}
	require.NoError(t, ValidateParams(DefaultParams()))
}

func TestDefaultParamsMatchEngineDefaults(t *testing.T) {
	cfg, err := DefaultParams().ToVaultConfig()
	require.NoError(t, err)
	def := vault.DefaultConfig()
	require.Equal(t, def.VaultBufferBps, cfg.VaultBufferBps)
	require.Equal(t, def.RedeemFeeBps, cfg.RedeemFeeBps)
	require.Zero(t, cfg.AutoAllocateThreshold.Sign())
}

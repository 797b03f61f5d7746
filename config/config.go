package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"xusd/core/amount"
	"xusd/native/vault"
)

// DefaultParams mirrors vault.DefaultConfig with DAI and USDC as collateral.
func DefaultParams() Params {
	cfg := vault.DefaultConfig()
	return Params{
		Vault: Vault{
			VaultBufferBps:           cfg.VaultBufferBps,
			RedeemFeeBps:             cfg.RedeemFeeBps,
			MaxSupplyDiffBps:         cfg.MaxSupplyDiffBps,
			TrusteeFeeBps:            cfg.TrusteeFeeBps,
			SwapSlippageBps:          cfg.SwapSlippageBps,
			AutoAllocateThresholdUSD: "0",
			RebaseThresholdUSD:       "0",
		},
		Assets: []Asset{
			{Symbol: "DAI", Decimals: 18},
			{Symbol: "USDC", Decimals: 6},
		},
	}
}

// LoadParams loads protocol parameters from path. Keys absent from the file
// keep their defaults; unknown keys are rejected. A missing file is created
// with the defaults.
func LoadParams(path string) (*Params, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path)
	}
	params := DefaultParams()
	// Assets listed in the file replace the defaults rather than extend them.
	params.Assets = nil
	meta, err := toml.DecodeFile(path, &params)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("params file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if !meta.IsDefined("assets") {
		params.Assets = DefaultParams().Assets
	}
	if err := ValidateParams(params); err != nil {
		return nil, fmt.Errorf("params file %s: %w", path, err)
	}
	return &params, nil
}

func createDefault(path string) (*Params, error) {
	params := DefaultParams()
	if err := persist(path, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

func persist(path string, params *Params) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(params)
}

// ToVaultConfig parses the configured thresholds into the engine's 18 decimal
// USD representation.
func (p Params) ToVaultConfig() (vault.Config, error) {
	cfg := vault.Config{
		VaultBufferBps:   p.Vault.VaultBufferBps,
		RedeemFeeBps:     p.Vault.RedeemFeeBps,
		MaxSupplyDiffBps: p.Vault.MaxSupplyDiffBps,
		TrusteeFeeBps:    p.Vault.TrusteeFeeBps,
		SwapSlippageBps:  p.Vault.SwapSlippageBps,
	}
	auto, err := amount.Parse(p.Vault.AutoAllocateThresholdUSD, 18)
	if err != nil {
		return cfg, fmt.Errorf("invalid vault.AutoAllocateThresholdUSD: %w", err)
	}
	cfg.AutoAllocateThreshold = auto
	rebase, err := amount.Parse(p.Vault.RebaseThresholdUSD, 18)
	if err != nil {
		return cfg, fmt.Errorf("invalid vault.RebaseThresholdUSD: %w", err)
	}
	cfg.RebaseThreshold = rebase
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"strings"
)

// MaxAssetDecimals bounds the decimals accepted for collateral and swap
// tokens.
const MaxAssetDecimals = 36

func ValidateParams(p Params) error {
	if _, err := p.ToVaultConfig(); err != nil {
		return err
	}
	if len(p.Assets) == 0 {
		return fmt.Errorf("assets: at least one collateral asset required")
	}
	seen := make(map[string]struct{}, len(p.Assets)+len(p.SwapTokens))
	for _, asset := range p.Assets {
		sym := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if sym == "" {
			return fmt.Errorf("assets: symbol required")
		}
		if asset.Decimals > MaxAssetDecimals {
			return fmt.Errorf("assets: %s decimals %d > %d", sym, asset.Decimals, MaxAssetDecimals)
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("assets: duplicate %s", sym)
		}
		seen[sym] = struct{}{}
	}
	for _, token := range p.SwapTokens {
		sym := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if sym == "" || token.Decimals > MaxAssetDecimals {
			return fmt.Errorf("swap_tokens: invalid token %q", token.Symbol)
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("swap_tokens: %s is already collateral or listed", sym)
		}
		seen[sym] = struct{}{}
	}
	if target := strings.ToUpper(strings.TrimSpace(p.SwapTarget)); target != "" {
		found := false
		for _, asset := range p.Assets {
			if strings.EqualFold(strings.TrimSpace(asset.Symbol), target) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("SwapTarget: %s is not a collateral asset", target)
		}
	}
	return nil
}

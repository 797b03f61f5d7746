package events

import (
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/types"
)

const (
	TypeVaultMint                 = "vault.mint"
	TypeVaultRedeem               = "vault.redeem"
	TypeVaultAssetAllocated       = "vault.assetAllocated"
	TypeVaultAllocateFailed       = "vault.allocateFailed"
	TypeVaultStrategyApproved     = "vault.strategyApproved"
	TypeVaultStrategyRemoved      = "vault.strategyRemoved"
	TypeVaultRebase               = "vault.rebase"
	TypeVaultYieldDistribution    = "vault.yieldDistribution"
	TypeVaultRewardTokenCollected = "vault.rewardTokenCollected"
	TypeVaultSwapped              = "vault.swapped"
	TypeVaultTokenRecovered       = "vault.tokenRecovered"
	TypeVaultAssetSupported       = "vault.assetSupported"
	TypeVaultDefaultStrategy      = "vault.assetDefaultStrategyUpdated"
	TypeVaultConfigUpdated        = "vault.configUpdated"
	TypeVaultPause                = "vault.pause"
)

// VaultMint is emitted after collateral has been pulled and XUSD credited.
type VaultMint struct {
	Account common.Address
	Asset   string
	Units   *big.Int
	Value   *big.Int
}

func (VaultMint) EventType() string { return TypeVaultMint }

func (e VaultMint) Event() *types.Event {
	return &types.Event{Type: TypeVaultMint, Attributes: map[string]string{
		"account": formatAddress(e.Account),
		"asset":   normalizeAsset(e.Asset),
		"units":   formatAmount(e.Units),
		"value":   formatAmount(e.Value),
	}}
}

// VaultRedeem records the burned amount, the retained fee and the per asset
// payout in asset units.
type VaultRedeem struct {
	Account common.Address
	Amount  *big.Int
	Fee     *big.Int
	Outputs map[string]*big.Int
}

func (VaultRedeem) EventType() string { return TypeVaultRedeem }

func (e VaultRedeem) Event() *types.Event {
	attrs := map[string]string{
		"account": formatAddress(e.Account),
		"amount":  formatAmount(e.Amount),
		"fee":     formatAmount(e.Fee),
	}
	assets := make([]string, 0, len(e.Outputs))
	for asset := range e.Outputs {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	parts := make([]string, 0, len(assets))
	for _, asset := range assets {
		parts = append(parts, normalizeAsset(asset)+":"+formatAmount(e.Outputs[asset]))
	}
	attrs["outputs"] = strings.Join(parts, ",")
	return &types.Event{Type: TypeVaultRedeem, Attributes: attrs}
}

type VaultAssetAllocated struct {
	Asset    string
	Strategy common.Address
	Amount   *big.Int
}

func (VaultAssetAllocated) EventType() string { return TypeVaultAssetAllocated }

func (e VaultAssetAllocated) Event() *types.Event {
	return &types.Event{Type: TypeVaultAssetAllocated, Attributes: map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"strategy": formatAddress(e.Strategy),
		"amount":   formatAmount(e.Amount),
	}}
}

// VaultAllocateFailed marks an asset skipped during a best-effort allocation.
type VaultAllocateFailed struct {
	Asset    string
	Strategy common.Address
	Amount   *big.Int
	Reason   string
}

func (VaultAllocateFailed) EventType() string { return TypeVaultAllocateFailed }

func (e VaultAllocateFailed) Event() *types.Event {
	return &types.Event{Type: TypeVaultAllocateFailed, Attributes: map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"strategy": formatAddress(e.Strategy),
		"amount":   formatAmount(e.Amount),
		"reason":   strings.TrimSpace(e.Reason),
	}}
}

type VaultStrategyApproved struct {
	Strategy common.Address
}

func (VaultStrategyApproved) EventType() string { return TypeVaultStrategyApproved }

func (e VaultStrategyApproved) Event() *types.Event {
	return &types.Event{Type: TypeVaultStrategyApproved, Attributes: map[string]string{
		"strategy": formatAddress(e.Strategy),
	}}
}

type VaultStrategyRemoved struct {
	Strategy common.Address
}

func (VaultStrategyRemoved) EventType() string { return TypeVaultStrategyRemoved }

func (e VaultStrategyRemoved) Event() *types.Event {
	return &types.Event{Type: TypeVaultStrategyRemoved, Attributes: map[string]string{
		"strategy": formatAddress(e.Strategy),
	}}
}

// VaultRebase reports the total supply on either side of an exchange rate update.
type VaultRebase struct {
	SupplyBefore    *big.Int
	SupplyAfter     *big.Int
	CreditsPerToken *big.Int
}

func (VaultRebase) EventType() string { return TypeVaultRebase }

func (e VaultRebase) Event() *types.Event {
	return &types.Event{Type: TypeVaultRebase, Attributes: map[string]string{
		"totalSupplyBefore": formatAmount(e.SupplyBefore),
		"totalSupplyAfter":  formatAmount(e.SupplyAfter),
		"creditsPerToken":   formatAmount(e.CreditsPerToken),
	}}
}

type VaultYieldDistribution struct {
	Trustee common.Address
	Yield   *big.Int
	Fee     *big.Int
}

func (VaultYieldDistribution) EventType() string { return TypeVaultYieldDistribution }

func (e VaultYieldDistribution) Event() *types.Event {
	return &types.Event{Type: TypeVaultYieldDistribution, Attributes: map[string]string{
		"trustee": formatAddress(e.Trustee),
		"yield":   formatAmount(e.Yield),
		"fee":     formatAmount(e.Fee),
	}}
}

type VaultRewardTokenCollected struct {
	Strategy common.Address
	Token    string
	Amount   *big.Int
}

func (VaultRewardTokenCollected) EventType() string { return TypeVaultRewardTokenCollected }

func (e VaultRewardTokenCollected) Event() *types.Event {
	return &types.Event{Type: TypeVaultRewardTokenCollected, Attributes: map[string]string{
		"strategy": formatAddress(e.Strategy),
		"token":    normalizeAsset(e.Token),
		"amount":   formatAmount(e.Amount),
	}}
}

type VaultSwapped struct {
	TokenIn   string
	TokenOut  string
	AmountIn  *big.Int
	AmountOut *big.Int
	MinOut    *big.Int
}

func (VaultSwapped) EventType() string { return TypeVaultSwapped }

func (e VaultSwapped) Event() *types.Event {
	return &types.Event{Type: TypeVaultSwapped, Attributes: map[string]string{
		"tokenIn":   normalizeAsset(e.TokenIn),
		"tokenOut":  normalizeAsset(e.TokenOut),
		"amountIn":  formatAmount(e.AmountIn),
		"amountOut": formatAmount(e.AmountOut),
		"minOut":    formatAmount(e.MinOut),
	}}
}

type VaultTokenRecovered struct {
	Token  string
	To     common.Address
	Amount *big.Int
}

func (VaultTokenRecovered) EventType() string { return TypeVaultTokenRecovered }

func (e VaultTokenRecovered) Event() *types.Event {
	return &types.Event{Type: TypeVaultTokenRecovered, Attributes: map[string]string{
		"token":  normalizeAsset(e.Token),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}}
}

type VaultAssetSupported struct {
	Asset    string
	Decimals uint8
}

func (VaultAssetSupported) EventType() string { return TypeVaultAssetSupported }

func (e VaultAssetSupported) Event() *types.Event {
	return &types.Event{Type: TypeVaultAssetSupported, Attributes: map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"decimals": big.NewInt(int64(e.Decimals)).String(),
	}}
}

// VaultDefaultStrategy is emitted when an asset's default strategy is set or
// cleared. A zero strategy address means cleared.
type VaultDefaultStrategy struct {
	Asset    string
	Strategy common.Address
}

func (VaultDefaultStrategy) EventType() string { return TypeVaultDefaultStrategy }

func (e VaultDefaultStrategy) Event() *types.Event {
	return &types.Event{Type: TypeVaultDefaultStrategy, Attributes: map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"strategy": formatAddress(e.Strategy),
	}}
}

// VaultConfigUpdated covers every governance parameter change.
type VaultConfigUpdated struct {
	Param string
	Value string
}

func (VaultConfigUpdated) EventType() string { return TypeVaultConfigUpdated }

func (e VaultConfigUpdated) Event() *types.Event {
	return &types.Event{Type: TypeVaultConfigUpdated, Attributes: map[string]string{
		"param": strings.TrimSpace(e.Param),
		"value": strings.TrimSpace(e.Value),
	}}
}

type VaultPause struct {
	Module string
	Paused bool
}

func (VaultPause) EventType() string { return TypeVaultPause }

func (e VaultPause) Event() *types.Event {
	state := "unpaused"
	if e.Paused {
		state = "paused"
	}
	return &types.Event{Type: TypeVaultPause, Attributes: map[string]string{
		"module": strings.TrimSpace(e.Module),
		"state":  state,
	}}
}

package vault

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
	"xusd/native/oracle"
)

// SupportAsset adds collateral to the vault.
func (e *Engine) SupportAsset(ctx context.Context, caller common.Address, symbol string, decimals uint8) error {
	return e.run(ctx, "supportAsset", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		sym := normaliseAsset(symbol)
		if sym == "" {
			return ErrInvalidAsset
		}
		if decimals > maxAssetDecimals {
			return fmt.Errorf("%w: %d decimals", ErrInvalidAsset, decimals)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.assetIndex[sym]; ok {
			return ErrAssetAlreadySupported
		}
		e.assetIndex[sym] = len(e.assets)
		e.assets = append(e.assets, Asset{Symbol: sym, Decimals: decimals})
		op.emit(events.VaultAssetSupported{Asset: sym, Decimals: decimals})
		return nil
	})
}

// ApproveStrategy registers strat or re-approves a previously removed one,
// keeping its registry slot.
func (e *Engine) ApproveStrategy(ctx context.Context, caller common.Address, strat Strategy) error {
	return e.run(ctx, "approveStrategy", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		if strat == nil || strat.Address() == (common.Address{}) {
			return ErrInvalidStrategy
		}
		addr := strat.Address()
		e.mu.Lock()
		defer e.mu.Unlock()
		if entry, ok := e.strategyIndex[addr]; ok {
			if entry.isSupported {
				return ErrStrategyAlreadyApproved
			}
			entry.impl = strat
			entry.isSupported = true
		} else {
			e.strategyIndex[addr] = &strategyEntry{impl: strat, isSupported: true}
			e.strategies = append(e.strategies, addr)
		}
		op.emit(events.VaultStrategyApproved{Strategy: addr})
		return nil
	})
}

// RemoveStrategy withdraws everything from the strategy, clears it as a
// default and marks it unsupported.
func (e *Engine) RemoveStrategy(ctx context.Context, caller, addr common.Address) error {
	return e.run(ctx, "removeStrategy", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		strat, ok := e.approvedStrategy(addr)
		if !ok {
			return ErrStrategyNotApproved
		}
		if err := strat.WithdrawAll(op.ctx); err != nil {
			return fmt.Errorf("vault: withdraw all from %s: %w", addr.Hex(), err)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		for asset, def := range e.defaults {
			if def == addr {
				delete(e.defaults, asset)
				op.emit(events.VaultDefaultStrategy{Asset: asset})
			}
		}
		e.strategyIndex[addr].isSupported = false
		op.emit(events.VaultStrategyRemoved{Strategy: addr})
		return nil
	})
}

// SetAssetDefaultStrategy selects where idle funds of asset are allocated. The
// zero address clears the default.
func (e *Engine) SetAssetDefaultStrategy(ctx context.Context, caller common.Address, symbol string, strategy common.Address) error {
	return e.run(ctx, "setAssetDefaultStrategy", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		asset, ok := e.asset(symbol)
		if !ok {
			return ErrAssetNotSupported
		}
		if strategy != (common.Address{}) {
			strat, ok := e.approvedStrategy(strategy)
			if !ok {
				return ErrStrategyNotApproved
			}
			if !strat.SupportsAsset(asset.Symbol) {
				return ErrUnsupportedAsset
			}
		}
		e.mu.Lock()
		if strategy == (common.Address{}) {
			delete(e.defaults, asset.Symbol)
		} else {
			e.defaults[asset.Symbol] = strategy
		}
		e.mu.Unlock()
		op.emit(events.VaultDefaultStrategy{Asset: asset.Symbol, Strategy: strategy})
		return nil
	})
}

// updateConfig applies a validated policy change and reports it.
func (e *Engine) updateConfig(ctx context.Context, caller common.Address, param, value string, apply func(cfg *Config)) error {
	return e.run(ctx, "set"+param, func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		e.mu.Lock()
		next := e.cfg.Clone()
		apply(&next)
		if err := next.Validate(); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
		e.cfg = next
		e.mu.Unlock()
		if param == "MaxSupplyDiffBps" {
			e.ledger.SetMaxSupplyDiffBps(next.MaxSupplyDiffBps)
		}
		op.emit(events.VaultConfigUpdated{Param: param, Value: value})
		return nil
	})
}

func formatBps(bps uint64) string { return strconv.FormatUint(bps, 10) }

func (e *Engine) SetVaultBuffer(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateConfig(ctx, caller, "VaultBufferBps", formatBps(bps), func(cfg *Config) { cfg.VaultBufferBps = bps })
}

func (e *Engine) SetRedeemFeeBps(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateConfig(ctx, caller, "RedeemFeeBps", formatBps(bps), func(cfg *Config) { cfg.RedeemFeeBps = bps })
}

func (e *Engine) SetMaxSupplyDiffBps(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateConfig(ctx, caller, "MaxSupplyDiffBps", formatBps(bps), func(cfg *Config) { cfg.MaxSupplyDiffBps = bps })
}

func (e *Engine) SetTrusteeFeeBps(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateConfig(ctx, caller, "TrusteeFeeBps", formatBps(bps), func(cfg *Config) { cfg.TrusteeFeeBps = bps })
}

func (e *Engine) SetSwapSlippageBps(ctx context.Context, caller common.Address, bps uint64) error {
	return e.updateConfig(ctx, caller, "SwapSlippageBps", formatBps(bps), func(cfg *Config) { cfg.SwapSlippageBps = bps })
}

// SetAutoAllocateThreshold takes a USD value with 18 decimals.
func (e *Engine) SetAutoAllocateThreshold(ctx context.Context, caller common.Address, threshold *big.Int) error {
	value := copyInt(threshold)
	return e.updateConfig(ctx, caller, "AutoAllocateThreshold", value.String(), func(cfg *Config) { cfg.AutoAllocateThreshold = value })
}

// SetRebaseThreshold takes a USD value with 18 decimals.
func (e *Engine) SetRebaseThreshold(ctx context.Context, caller common.Address, threshold *big.Int) error {
	value := copyInt(threshold)
	return e.updateConfig(ctx, caller, "RebaseThreshold", value.String(), func(cfg *Config) { cfg.RebaseThreshold = value })
}

// setAddress applies a governor-only change to a role or collaborator.
func (e *Engine) setAddress(ctx context.Context, caller common.Address, param, value string, apply func()) error {
	return e.run(ctx, "set"+param, func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		e.mu.Lock()
		apply()
		e.mu.Unlock()
		op.emit(events.VaultConfigUpdated{Param: param, Value: value})
		return nil
	})
}

func (e *Engine) SetStrategist(ctx context.Context, caller, strategist common.Address) error {
	return e.setAddress(ctx, caller, "Strategist", strategist.Hex(), func() { e.strategist = strategist })
}

// SetTrusteeAddress selects the recipient of the rebase yield fee. The zero
// address disables the fee.
func (e *Engine) SetTrusteeAddress(ctx context.Context, caller, trustee common.Address) error {
	return e.setAddress(ctx, caller, "Trustee", trustee.Hex(), func() { e.trustee = trustee })
}

func (e *Engine) SetPriceProvider(ctx context.Context, caller common.Address, prices oracle.PriceOracle) error {
	if prices == nil {
		return ErrNotConfigured
	}
	return e.setAddress(ctx, caller, "PriceProvider", fmt.Sprintf("%T", prices), func() { e.prices = prices })
}

func (e *Engine) SetSwapRouter(ctx context.Context, caller common.Address, router SwapRouter) error {
	var addr common.Address
	if router != nil {
		addr = router.Address()
	}
	return e.setAddress(ctx, caller, "SwapRouter", addr.Hex(), func() { e.router = router })
}

// AddSwapToken registers a reward token to be converted by Swap.
func (e *Engine) AddSwapToken(ctx context.Context, caller common.Address, symbol string, decimals uint8) error {
	return e.run(ctx, "addSwapToken", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		sym := normaliseAsset(symbol)
		if sym == "" || decimals > maxAssetDecimals {
			return ErrInvalidAsset
		}
		if e.IsSupportedAsset(sym) {
			return fmt.Errorf("%w: %s is collateral", ErrInvalidAsset, sym)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, token := range e.swapTokens {
			if token.Symbol == sym {
				return fmt.Errorf("%w: %s already registered", ErrInvalidAsset, sym)
			}
		}
		e.swapTokens = append(e.swapTokens, Asset{Symbol: sym, Decimals: decimals})
		op.emit(events.VaultConfigUpdated{Param: "SwapTokenAdded", Value: sym})
		return nil
	})
}

func (e *Engine) RemoveSwapToken(ctx context.Context, caller common.Address, symbol string) error {
	return e.run(ctx, "removeSwapToken", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		sym := normaliseAsset(symbol)
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, token := range e.swapTokens {
			if token.Symbol == sym {
				e.swapTokens = append(e.swapTokens[:i], e.swapTokens[i+1:]...)
				op.emit(events.VaultConfigUpdated{Param: "SwapTokenRemoved", Value: sym})
				return nil
			}
		}
		return fmt.Errorf("%w: %s not registered", ErrInvalidAsset, sym)
	})
}

// SetSwapTarget selects the collateral rewards are swapped into. An empty
// symbol restores the default of the first supported asset.
func (e *Engine) SetSwapTarget(ctx context.Context, caller common.Address, symbol string) error {
	return e.run(ctx, "setSwapTarget", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		sym := normaliseAsset(symbol)
		if sym != "" && !e.IsSupportedAsset(sym) {
			return ErrAssetNotSupported
		}
		e.mu.Lock()
		e.swapTarget = sym
		e.mu.Unlock()
		op.emit(events.VaultConfigUpdated{Param: "SwapTarget", Value: sym})
		return nil
	})
}

// TransferToken recovers a token sent to the vault by mistake. Supported
// collateral cannot be moved this way.
func (e *Engine) TransferToken(ctx context.Context, caller common.Address, symbol string, to common.Address, amount *big.Int) error {
	return e.run(ctx, "transferToken", func(op *operation) error {
		if err := e.requireGovernor(caller); err != nil {
			return err
		}
		sym := normaliseAsset(symbol)
		if e.IsSupportedAsset(sym) {
			return ErrSupportedCollateral
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if to == (common.Address{}) {
			return fmt.Errorf("%w: recipient required", ErrInvalidAmount)
		}
		if err := e.transfer(op, sym, e.vault, to, amount); err != nil {
			return err
		}
		op.emit(events.VaultTokenRecovered{Token: sym, To: to, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// setPause flips a circuit breaker. Pausing is open to the strategist;
// unpausing requires the governor.
func (e *Engine) setPause(ctx context.Context, caller common.Address, module string, paused bool) error {
	return e.run(ctx, "pause", func(op *operation) error {
		check := e.requireGovernor
		if paused {
			check = e.requireStrategist
		}
		if err := check(caller); err != nil {
			return err
		}
		if e.pauses.Set(module, paused) {
			op.emit(events.VaultPause{Module: module, Paused: paused})
		}
		return nil
	})
}

func (e *Engine) PauseCapital(ctx context.Context, caller common.Address) error {
	return e.setPause(ctx, caller, ModuleCapital, true)
}

func (e *Engine) UnpauseCapital(ctx context.Context, caller common.Address) error {
	return e.setPause(ctx, caller, ModuleCapital, false)
}

func (e *Engine) PauseRebase(ctx context.Context, caller common.Address) error {
	return e.setPause(ctx, caller, ModuleRebase, true)
}

func (e *Engine) UnpauseRebase(ctx context.Context, caller common.Address) error {
	return e.setPause(ctx, caller, ModuleRebase, false)
}

package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
)

// Harvest collects reward tokens from every approved strategy into the vault.
func (e *Engine) Harvest(ctx context.Context, caller common.Address) error {
	return e.run(ctx, "harvest", func(op *operation) error {
		if err := e.requireStrategist(caller); err != nil {
			return err
		}
		return e.harvestAll(op)
	})
}

// HarvestStrategy collects reward tokens from a single approved strategy.
func (e *Engine) HarvestStrategy(ctx context.Context, caller, strategy common.Address) error {
	return e.run(ctx, "harvestStrategy", func(op *operation) error {
		if err := e.requireStrategist(caller); err != nil {
			return err
		}
		strat, ok := e.approvedStrategy(strategy)
		if !ok {
			return ErrStrategyNotApproved
		}
		return e.collect(op, strat)
	})
}

// HarvestAndSwap harvests every strategy and converts the registered reward
// tokens into collateral.
func (e *Engine) HarvestAndSwap(ctx context.Context, caller common.Address) error {
	return e.run(ctx, "harvestAndSwap", func(op *operation) error {
		if err := e.requireStrategist(caller); err != nil {
			return err
		}
		if err := e.harvestAll(op); err != nil {
			return err
		}
		return e.swap(op)
	})
}

// Swap converts reward tokens already held by the vault into collateral.
func (e *Engine) Swap(ctx context.Context, caller common.Address) error {
	return e.run(ctx, "swap", func(op *operation) error {
		if err := e.requireStrategist(caller); err != nil {
			return err
		}
		return e.swap(op)
	})
}

func (e *Engine) harvestAll(op *operation) error {
	for _, strat := range e.approvedStrategies() {
		if err := e.collect(op, strat); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) collect(op *operation, strat Strategy) error {
	addr := strat.Address()
	collected, err := strat.CollectRewardTokens(op.ctx)
	if err != nil {
		return fmt.Errorf("vault: harvest %s: %w", addr.Hex(), err)
	}
	for _, reward := range collected {
		if reward.Amount == nil || reward.Amount.Sign() == 0 {
			continue
		}
		token := normaliseAsset(reward.Asset)
		amount := new(big.Int).Set(reward.Amount)
		op.onRollback(func(context.Context) error {
			return e.bank.Transfer(token, e.vault, addr, amount)
		})
		op.emit(events.VaultRewardTokenCollected{Strategy: addr, Token: token, Amount: new(big.Int).Set(amount)})
	}
	return nil
}

// SwapTokens lists the reward tokens converted by Swap.
func (e *Engine) SwapTokens() []Asset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Asset(nil), e.swapTokens...)
}

// SwapTarget returns the collateral rewards are swapped into.
func (e *Engine) SwapTarget() (Asset, bool) {
	e.mu.RLock()
	target := e.swapTarget
	e.mu.RUnlock()
	if target == "" {
		assets := e.Assets()
		if len(assets) == 0 {
			return Asset{}, false
		}
		return assets[0], true
	}
	return e.asset(target)
}

func (e *Engine) swap(op *operation) error {
	e.mu.RLock()
	router := e.router
	e.mu.RUnlock()
	for _, token := range e.SwapTokens() {
		amountIn := copyInt(e.bank.BalanceOf(token.Symbol, e.vault))
		if amountIn.Sign() == 0 {
			continue
		}
		if router == nil {
			return fmt.Errorf("%w: swap router", ErrNotConfigured)
		}
		target, ok := e.SwapTarget()
		if !ok {
			return ErrAssetNotSupported
		}
		minOut, err := e.swapMinimum(token, target, amountIn)
		if err != nil {
			return err
		}
		if err := e.transfer(op, token.Symbol, e.vault, router.Address(), amountIn); err != nil {
			return err
		}
		before := copyInt(e.bank.BalanceOf(target.Symbol, e.vault))
		if _, err := router.Swap(op.ctx, token.Symbol, target.Symbol, amountIn, minOut, e.vault); err != nil {
			return fmt.Errorf("vault: swap %s: %w", token.Symbol, err)
		}
		received := new(big.Int).Sub(e.bank.BalanceOf(target.Symbol, e.vault), before)
		if received.Sign() > 0 {
			out := new(big.Int).Set(received)
			routerAddr := router.Address()
			op.onRollback(func(context.Context) error {
				return e.bank.Transfer(target.Symbol, e.vault, routerAddr, out)
			})
		}
		if received.Cmp(minOut) < 0 {
			return fmt.Errorf("%w: received %s %s, minimum %s", ErrSlippageExceeded, received, target.Symbol, minOut)
		}
		op.emit(events.VaultSwapped{
			TokenIn:   token.Symbol,
			TokenOut:  target.Symbol,
			AmountIn:  amountIn,
			AmountOut: received,
			MinOut:    minOut,
		})
	}
	return nil
}

// swapMinimum is the oracle-implied output of amountIn less the configured
// slippage tolerance, in target units.
func (e *Engine) swapMinimum(token, target Asset, amountIn *big.Int) (*big.Int, error) {
	priceIn, err := e.price(token.Symbol)
	if err != nil {
		return nil, err
	}
	priceOut, err := e.price(target.Symbol)
	if err != nil {
		return nil, err
	}
	fair := fromUnits18(mulDiv(toUnits18(amountIn, token.Decimals), priceIn, priceOut), target.Decimals)
	return bpsOf(fair, 10_000-e.Config().SwapSlippageBps), nil
}

package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
)

// Allocate deploys idle collateral above the vault buffer into each asset's
// default strategy. Deposit failures are isolated per asset: the failing
// deposit is unwound, logged and reported, and the pass continues.
func (e *Engine) Allocate(ctx context.Context) error {
	return e.run(ctx, "allocate", func(op *operation) error {
		if err := e.pauseErr(ModuleCapital); err != nil {
			return err
		}
		v, err := e.value(op.ctx)
		if err != nil {
			return err
		}
		e.allocate(op, v)
		return nil
	})
}

func (e *Engine) allocate(op *operation, v valuation) {
	if v.vault.Sign() == 0 {
		return
	}
	buffer := mulDiv(one, new(big.Int).SetUint64(e.Config().VaultBufferBps), basisPoints)
	var modifier *big.Int
	if v.strategies.Sign() == 0 {
		modifier = new(big.Int).Sub(one, buffer)
	} else {
		// Share of the idle value that must stay in the vault so the buffer
		// covers the whole pool.
		keep := mulDiv(buffer, v.total(), v.vault)
		if keep.Cmp(one) >= 0 {
			return
		}
		modifier = new(big.Int).Sub(one, keep)
	}
	if modifier.Sign() <= 0 {
		return
	}
	for _, asset := range e.Assets() {
		amount := mulDiv(e.bank.BalanceOf(asset.Symbol, e.vault), modifier, one)
		if amount.Sign() == 0 {
			continue
		}
		strat, ok := e.defaultStrategy(asset.Symbol)
		if !ok {
			continue
		}
		if err := e.deposit(op, strat, asset.Symbol, amount); err != nil {
			e.log().Warn("vault allocation failed",
				slog.String("asset", asset.Symbol),
				slog.String("strategy", strat.Address().Hex()),
				slog.String("amount", amount.String()),
				slog.String("error", err.Error()))
			op.emit(events.VaultAllocateFailed{Asset: asset.Symbol, Strategy: strat.Address(), Amount: amount, Reason: err.Error()})
			continue
		}
		op.emit(events.VaultAssetAllocated{Asset: asset.Symbol, Strategy: strat.Address(), Amount: amount})
	}
}

// deposit moves amount of asset from the vault into strat. A rejected deposit
// is unwound immediately; a successful one is unwound if the enclosing call
// fails later.
func (e *Engine) deposit(op *operation, strat Strategy, symbol string, amount *big.Int) error {
	if !strat.SupportsAsset(symbol) {
		return ErrUnsupportedAsset
	}
	addr := strat.Address()
	if err := e.bank.Transfer(symbol, e.vault, addr, amount); err != nil {
		return err
	}
	if err := strat.Deposit(op.ctx, symbol, amount); err != nil {
		if undoErr := e.bank.Transfer(symbol, addr, e.vault, amount); undoErr != nil {
			return fmt.Errorf("%w (unwind failed: %v)", err, undoErr)
		}
		return err
	}
	deposited := new(big.Int).Set(amount)
	op.onRollback(func(ctx context.Context) error {
		return strat.Withdraw(ctx, e.vault, symbol, deposited)
	})
	return nil
}

// Reallocate moves the listed amounts from one approved strategy to another.
// Either every leg completes or every completed leg is unwound.
func (e *Engine) Reallocate(ctx context.Context, caller, from, to common.Address, assets []string, amounts []*big.Int) error {
	return e.run(ctx, "reallocate", func(op *operation) error {
		if err := e.requireStrategist(caller); err != nil {
			return err
		}
		src, ok := e.approvedStrategy(from)
		if !ok {
			return ErrInvalidFromStrategy
		}
		dst, ok := e.approvedStrategy(to)
		if !ok {
			return ErrInvalidToStrategy
		}
		if len(assets) != len(amounts) {
			return fmt.Errorf("%w: %d assets but %d amounts", ErrInvalidAmount, len(assets), len(amounts))
		}
		symbols := make([]string, len(assets))
		for i, raw := range assets {
			asset, ok := e.asset(raw)
			if !ok || !dst.SupportsAsset(asset.Symbol) {
				return fmt.Errorf("%w: %s", ErrUnsupportedAsset, normaliseAsset(raw))
			}
			if amounts[i] == nil || amounts[i].Sign() <= 0 {
				return ErrInvalidAmount
			}
			symbols[i] = asset.Symbol
		}
		for i, symbol := range symbols {
			received, err := e.withdrawFromStrategy(op, src, symbol, amounts[i])
			if err != nil {
				return err
			}
			if received.Cmp(amounts[i]) < 0 {
				return fmt.Errorf("%w: strategy %s returned %s of %s %s", ErrLiquidity, from.Hex(), received, amounts[i], symbol)
			}
			if err := e.deposit(op, dst, symbol, amounts[i]); err != nil {
				return fmt.Errorf("vault: deposit %s into %s: %w", symbol, to.Hex(), err)
			}
			op.emit(events.VaultAssetAllocated{Asset: symbol, Strategy: to, Amount: new(big.Int).Set(amounts[i])})
		}
		return nil
	})
}

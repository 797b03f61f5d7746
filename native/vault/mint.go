package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
	"xusd/native/rebasing"
)

// Mint pulls amount of asset from caller and credits its USD value, priced at
// no more than par, as XUSD. The call fails when the credited value is below
// minOut. It returns the XUSD minted.
func (e *Engine) Mint(ctx context.Context, caller common.Address, symbol string, amount, minOut *big.Int) (*big.Int, error) {
	var minted *big.Int
	err := e.run(ctx, "mint", func(op *operation) error {
		if err := e.pauseErr(ModuleCapital); err != nil {
			return err
		}
		asset, ok := e.asset(symbol)
		if !ok {
			return ErrAssetNotSupported
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if caller == (common.Address{}) {
			return rebasing.ErrInvalidAccount
		}
		if e.bank.BalanceOf(asset.Symbol, caller).Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, asset.Symbol)
		}
		price, err := e.PriceUSDMint(asset.Symbol)
		if err != nil {
			return err
		}
		value := mulDiv(toUnits18(amount, asset.Decimals), price, one)
		if value.Sign() == 0 {
			return ErrInvalidAmount
		}
		if minOut != nil && value.Cmp(minOut) < 0 {
			return fmt.Errorf("%w: mint value %s below minimum %s", ErrSlippageExceeded, value, minOut)
		}

		// Pending value movement is distributed before the new deposit is
		// credited so the depositor does not share in it.
		if err := e.maybeRebase(op); err != nil {
			return err
		}
		if err := e.transfer(op, asset.Symbol, caller, e.vault, amount); err != nil {
			return fmt.Errorf("vault: pull %s: %w", asset.Symbol, err)
		}
		if err := e.ledger.Mint(e.vault, caller, value); err != nil {
			return err
		}
		op.onRollback(func(context.Context) error {
			return e.ledger.Burn(e.vault, caller, value)
		})
		op.emit(events.VaultMint{Account: caller, Asset: asset.Symbol, Units: new(big.Int).Set(amount), Value: new(big.Int).Set(value)})
		e.maybeAllocate(op, asset)
		minted = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// maybeAllocate runs an allocation pass when the idle USD value of asset
// exceeds the auto-allocate threshold. Failures never fail the enclosing call.
func (e *Engine) maybeAllocate(op *operation, asset Asset) {
	threshold := e.Config().AutoAllocateThreshold
	if threshold.Sign() == 0 {
		return
	}
	v, err := e.value(op.ctx)
	if err != nil {
		e.log().Warn("vault auto-allocate skipped", slog.String("asset", asset.Symbol), slog.String("error", err.Error()))
		return
	}
	idle := v.perAsset[asset.Symbol]
	if idle == nil || idle.Cmp(threshold) <= 0 {
		return
	}
	e.allocate(op, v)
}

// maybeRebase rebases when backing value and supply have drifted apart by
// more than the rebase threshold.
func (e *Engine) maybeRebase(op *operation) error {
	threshold := e.Config().RebaseThreshold
	if threshold.Sign() == 0 || e.pauseErr(ModuleRebase) != nil {
		return nil
	}
	total, err := e.TotalValue(op.ctx)
	if err != nil {
		return err
	}
	if absDiff(total, e.ledger.TotalSupply()).Cmp(threshold) <= 0 {
		return nil
	}
	return e.rebase(op)
}

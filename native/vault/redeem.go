package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
)

// CalculateRedeemOutputs previews the per-asset payout of redeeming amount
// XUSD without changing any state.
func (e *Engine) CalculateRedeemOutputs(ctx context.Context, amount *big.Int) ([]AssetAmount, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return e.redeemOutputs(ctx, amount)
}

// redeemOutputs splits the fee-adjusted amount across assets in proportion to
// their unit balances, valuing each unit at no less than par. Each output is
// rounded down.
func (e *Engine) redeemOutputs(ctx context.Context, amount *big.Int) ([]AssetAmount, error) {
	feeAdjusted := new(big.Int).Sub(amount, e.redeemFee(amount))
	assets := e.Assets()
	balances := make([]*big.Int, len(assets))
	denominator := big.NewInt(0)
	for i, asset := range assets {
		bal, err := e.CheckBalance(ctx, asset.Symbol)
		if err != nil {
			return nil, err
		}
		balances[i] = bal
		if bal.Sign() == 0 {
			continue
		}
		p, err := e.PriceUSDRedeem(asset.Symbol)
		if err != nil {
			return nil, err
		}
		denominator.Add(denominator, mulDiv(toUnits18(bal, asset.Decimals), p, one))
	}
	outputs := make([]AssetAmount, len(assets))
	for i, asset := range assets {
		outputs[i] = AssetAmount{Asset: asset.Symbol, Amount: mulDiv(balances[i], feeAdjusted, denominator)}
	}
	return outputs, nil
}

func (e *Engine) redeemFee(amount *big.Int) *big.Int {
	return bpsOf(amount, e.Config().RedeemFeeBps)
}

// Redeem burns amount XUSD from caller and pays out collateral in proportion
// to the pool's composition, less the redeem fee which stays in the pool.
// minUnitsOut bounds the summed output expressed in 18 decimals.
func (e *Engine) Redeem(ctx context.Context, caller common.Address, amount, minUnitsOut *big.Int) ([]AssetAmount, error) {
	var outputs []AssetAmount
	err := e.run(ctx, "redeem", func(op *operation) error {
		var err error
		outputs, err = e.redeem(op, caller, amount, minUnitsOut)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// RedeemAll redeems the caller's entire XUSD balance.
func (e *Engine) RedeemAll(ctx context.Context, caller common.Address, minUnitsOut *big.Int) ([]AssetAmount, error) {
	var outputs []AssetAmount
	err := e.run(ctx, "redeemAll", func(op *operation) error {
		var err error
		outputs, err = e.redeem(op, caller, e.ledger.BalanceOf(caller), minUnitsOut)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func (e *Engine) redeem(op *operation, caller common.Address, amount, minUnitsOut *big.Int) ([]AssetAmount, error) {
	if err := e.pauseErr(ModuleCapital); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if e.ledger.BalanceOf(caller).Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	outputs, err := e.redeemOutputs(op.ctx, amount)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, out := range outputs {
		asset, _ := e.asset(out.Asset)
		total.Add(total, toUnits18(out.Amount, asset.Decimals))
	}
	if total.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing to pay out", ErrLiquidity)
	}
	if minUnitsOut != nil && total.Cmp(minUnitsOut) < 0 {
		return nil, fmt.Errorf("%w: output %s below %s", ErrBelowMinimum, total, minUnitsOut)
	}

	if err := e.ledger.Burn(e.vault, caller, amount); err != nil {
		return nil, err
	}
	op.onRollback(func(context.Context) error {
		return e.ledger.Mint(e.vault, caller, amount)
	})

	paid := make(map[string]*big.Int, len(outputs))
	for _, out := range outputs {
		if out.Amount.Sign() == 0 {
			continue
		}
		if err := e.ensureLiquidity(op, out.Asset, out.Amount); err != nil {
			return nil, err
		}
		if err := e.transfer(op, out.Asset, e.vault, caller, out.Amount); err != nil {
			return nil, fmt.Errorf("vault: pay %s: %w", out.Asset, err)
		}
		paid[out.Asset] = new(big.Int).Set(out.Amount)
	}
	op.emit(events.VaultRedeem{
		Account: caller,
		Amount:  new(big.Int).Set(amount),
		Fee:     e.redeemFee(amount),
		Outputs: paid,
	})
	if err := e.maybeRebase(op); err != nil {
		return nil, err
	}
	return outputs, nil
}

// ensureLiquidity tops up the vault's balance of asset from its default
// strategy when the idle balance cannot cover amount.
func (e *Engine) ensureLiquidity(op *operation, symbol string, amount *big.Int) error {
	held := e.bank.BalanceOf(symbol, e.vault)
	if held.Cmp(amount) >= 0 {
		return nil
	}
	shortfall := new(big.Int).Sub(amount, held)
	strat, ok := e.defaultStrategy(symbol)
	if !ok {
		return fmt.Errorf("%w: %s short by %s and no default strategy", ErrLiquidity, symbol, shortfall)
	}
	if _, err := e.withdrawFromStrategy(op, strat, symbol, shortfall); err != nil {
		return err
	}
	if e.bank.BalanceOf(symbol, e.vault).Cmp(amount) < 0 {
		return fmt.Errorf("%w: strategy %s returned less %s than requested", ErrLiquidity, strat.Address().Hex(), symbol)
	}
	return nil
}

// withdrawFromStrategy asks strat for amount of symbol and returns what the
// vault actually received, which may be less.
func (e *Engine) withdrawFromStrategy(op *operation, strat Strategy, symbol string, amount *big.Int) (*big.Int, error) {
	before := copyInt(e.bank.BalanceOf(symbol, e.vault))
	if err := strat.Withdraw(op.ctx, e.vault, symbol, amount); err != nil {
		return nil, fmt.Errorf("vault: withdraw %s from %s: %w", symbol, strat.Address().Hex(), err)
	}
	received := new(big.Int).Sub(e.bank.BalanceOf(symbol, e.vault), before)
	if received.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	op.onRollback(func(ctx context.Context) error {
		if err := e.bank.Transfer(symbol, e.vault, strat.Address(), received); err != nil {
			return err
		}
		return strat.Deposit(ctx, symbol, received)
	})
	return copyInt(received), nil
}

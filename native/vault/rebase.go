package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
	"xusd/native/rebasing"
)

// Rebase distributes the difference between the pool's backing value and the
// XUSD supply to rebasing holders. It is a no-op while rebasing is paused and
// may be called by anyone.
func (e *Engine) Rebase(ctx context.Context) error {
	return e.run(ctx, "rebase", e.rebase)
}

// rebase reserves the trustee's share of any yield, moves the rate so the
// remaining backing is spread over rebasing holders, then mints the reserved
// share to the trustee. Both steps are unwound if the enclosing call fails.
func (e *Engine) rebase(op *operation) error {
	if e.pauseErr(ModuleRebase) != nil {
		return nil
	}
	supply := e.ledger.Supply()
	if supply.TotalSupply.Sign() == 0 || supply.RebasingCredits.Sign() == 0 {
		return nil
	}
	total, err := e.TotalValue(op.ctx)
	if err != nil {
		return err
	}

	cfg := e.Config()
	trustee := e.Trustee()
	fee := big.NewInt(0)
	var yield *big.Int
	if trustee != (common.Address{}) && cfg.TrusteeFeeBps > 0 && total.Cmp(supply.TotalSupply) > 0 {
		yield = new(big.Int).Sub(total, supply.TotalSupply)
		fee = bpsOf(yield, cfg.TrusteeFeeBps)
	}
	distributable := new(big.Int).Sub(total, fee)
	if distributable.Cmp(supply.NonRebasingSupply) <= 0 {
		return fmt.Errorf("%w: backing %s does not exceed non-rebasing supply %s", rebasing.ErrInvalidRebase, distributable, supply.NonRebasingSupply)
	}
	before, after, err := e.ledger.ApplyRebase(e.vault, distributable.Sub(distributable, supply.NonRebasingSupply))
	if err != nil {
		return err
	}
	if e.ledger.RebasingCreditsPerToken().Cmp(supply.RebasingCreditsPerToken) != 0 {
		prev := copyInt(supply.RebasingCreditsPerToken)
		op.onRollback(func(context.Context) error {
			return e.ledger.RestoreRate(e.vault, prev)
		})
	}
	if fee.Sign() > 0 {
		if err := e.ledger.Mint(e.vault, trustee, fee); err != nil {
			return fmt.Errorf("vault: trustee fee to %s: %w", trustee.Hex(), err)
		}
		minted := copyInt(fee)
		op.onRollback(func(context.Context) error {
			return e.ledger.Burn(e.vault, trustee, minted)
		})
		after = e.ledger.TotalSupply()
		op.emit(events.VaultYieldDistribution{Trustee: trustee, Yield: yield, Fee: fee})
	}
	op.emit(events.VaultRebase{SupplyBefore: before, SupplyAfter: after, CreditsPerToken: e.ledger.RebasingCreditsPerToken()})
	return nil
}

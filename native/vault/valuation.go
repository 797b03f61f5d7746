package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/native/oracle"
)

func normaliseAsset(symbol string) string {
	return oracle.NormaliseSymbol(symbol)
}

func (e *Engine) asset(symbol string) (Asset, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.assetIndex[normaliseAsset(symbol)]
	if !ok {
		return Asset{}, false
	}
	return e.assets[idx], true
}

// Assets returns the supported collateral in registration order.
func (e *Engine) Assets() []Asset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Asset(nil), e.assets...)
}

func (e *Engine) AssetCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.assets)
}

func (e *Engine) IsSupportedAsset(symbol string) bool {
	_, ok := e.asset(symbol)
	return ok
}

// Strategies lists every strategy ever approved, including removed ones.
func (e *Engine) Strategies() []StrategyInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StrategyInfo, 0, len(e.strategies))
	for _, addr := range e.strategies {
		out = append(out, StrategyInfo{Address: addr, IsSupported: e.strategyIndex[addr].isSupported})
	}
	return out
}

// StrategyCount reports the number of currently approved strategies.
func (e *Engine) StrategyCount() int {
	return len(e.approvedStrategies())
}

func (e *Engine) approvedStrategies() []Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Strategy, 0, len(e.strategies))
	for _, addr := range e.strategies {
		if entry := e.strategyIndex[addr]; entry.isSupported {
			out = append(out, entry.impl)
		}
	}
	return out
}

func (e *Engine) approvedStrategy(addr common.Address) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.strategyIndex[addr]
	if !ok || !entry.isSupported {
		return nil, false
	}
	return entry.impl, true
}

// DefaultStrategy returns the strategy idle funds of asset are allocated to.
func (e *Engine) DefaultStrategy(symbol string) (common.Address, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	addr, ok := e.defaults[normaliseAsset(symbol)]
	return addr, ok
}

func (e *Engine) defaultStrategy(symbol string) (Strategy, bool) {
	addr, ok := e.DefaultStrategy(symbol)
	if !ok {
		return nil, false
	}
	return e.approvedStrategy(addr)
}

// price returns the raw oracle USD price of symbol in 18-decimal fixed point.
func (e *Engine) price(symbol string) (*big.Int, error) {
	e.mu.RLock()
	prices := e.prices
	e.mu.RUnlock()
	quote, err := prices.GetRate(symbol, oracle.QuoteUSD)
	if err != nil {
		return nil, fmt.Errorf("vault: price %s: %w", symbol, err)
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("vault: price %s: %w", symbol, oracle.ErrInvalidRate)
	}
	return ratToFixed(quote.Rate), nil
}

// PriceUSDMint prices a deposit of symbol, capped at par.
func (e *Engine) PriceUSDMint(symbol string) (*big.Int, error) {
	p, err := e.price(normaliseAsset(symbol))
	if err != nil {
		return nil, err
	}
	return minInt(p, one), nil
}

// PriceUSDRedeem prices a redemption payout of symbol, floored at par.
func (e *Engine) PriceUSDRedeem(symbol string) (*big.Int, error) {
	p, err := e.price(normaliseAsset(symbol))
	if err != nil {
		return nil, err
	}
	return maxInt(p, one), nil
}

// CheckBalance returns the units of asset held by the vault and every approved
// strategy.
func (e *Engine) CheckBalance(ctx context.Context, symbol string) (*big.Int, error) {
	asset, ok := e.asset(symbol)
	if !ok {
		return nil, ErrAssetNotSupported
	}
	vaultBal, strategyBal, err := e.balances(ctx, asset.Symbol)
	if err != nil {
		return nil, err
	}
	return vaultBal.Add(vaultBal, strategyBal), nil
}

func (e *Engine) balances(ctx context.Context, symbol string) (*big.Int, *big.Int, error) {
	vaultBal := copyInt(e.bank.BalanceOf(symbol, e.vault))
	strategyBal := big.NewInt(0)
	for _, strat := range e.approvedStrategies() {
		if !strat.SupportsAsset(symbol) {
			continue
		}
		bal, err := strat.CheckBalance(ctx, symbol)
		if err != nil {
			return nil, nil, fmt.Errorf("vault: strategy %s balance: %w", strat.Address().Hex(), err)
		}
		if bal != nil {
			strategyBal.Add(strategyBal, bal)
		}
	}
	return vaultBal, strategyBal, nil
}

// valuation splits the pool's USD value between idle vault balances and
// strategy deployments.
type valuation struct {
	vault      *big.Int
	strategies *big.Int
	perAsset   map[string]*big.Int
}

func (v valuation) total() *big.Int {
	return new(big.Int).Add(v.vault, v.strategies)
}

func (e *Engine) value(ctx context.Context) (valuation, error) {
	out := valuation{vault: big.NewInt(0), strategies: big.NewInt(0), perAsset: make(map[string]*big.Int)}
	for _, asset := range e.Assets() {
		vaultBal, strategyBal, err := e.balances(ctx, asset.Symbol)
		if err != nil {
			return valuation{}, err
		}
		if vaultBal.Sign() == 0 && strategyBal.Sign() == 0 {
			out.perAsset[asset.Symbol] = big.NewInt(0)
			continue
		}
		p, err := e.price(asset.Symbol)
		if err != nil {
			return valuation{}, err
		}
		idle := mulDiv(toUnits18(vaultBal, asset.Decimals), p, one)
		deployed := mulDiv(toUnits18(strategyBal, asset.Decimals), p, one)
		out.vault.Add(out.vault, idle)
		out.strategies.Add(out.strategies, deployed)
		out.perAsset[asset.Symbol] = idle
	}
	return out, nil
}

// TotalValue returns the USD value of all collateral, 18 decimals.
func (e *Engine) TotalValue(ctx context.Context) (*big.Int, error) {
	v, err := e.value(ctx)
	if err != nil {
		return nil, err
	}
	return v.total(), nil
}

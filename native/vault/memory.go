package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStrategy custodies funds in a TokenBank under its own address. Yield
// and rewards are simulated by crediting the bank directly.
type MemoryStrategy struct {
	mu      sync.RWMutex
	addr    common.Address
	vault   common.Address
	bank    *TokenBank
	assets  map[string]bool
	rewards []string
}

// NewMemoryStrategy creates a strategy accepting the listed assets.
func NewMemoryStrategy(addr, vault common.Address, bank *TokenBank, assets ...string) *MemoryStrategy {
	s := &MemoryStrategy{addr: addr, vault: vault, bank: bank, assets: make(map[string]bool)}
	for _, asset := range assets {
		s.assets[normaliseAsset(asset)] = true
	}
	return s
}

func (s *MemoryStrategy) Address() common.Address { return s.addr }

// SetRewardTokens lists the tokens returned by CollectRewardTokens.
func (s *MemoryStrategy) SetRewardTokens(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards = s.rewards[:0]
	for _, token := range tokens {
		s.rewards = append(s.rewards, normaliseAsset(token))
	}
}

func (s *MemoryStrategy) SupportsAsset(asset string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assets[normaliseAsset(asset)]
}

func (s *MemoryStrategy) Deposit(_ context.Context, asset string, amount *big.Int) error {
	if !s.SupportsAsset(asset) {
		return ErrUnsupportedAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if s.bank.BalanceOf(asset, s.addr).Cmp(amount) < 0 {
		return fmt.Errorf("%w: deposit not funded", ErrInsufficientFunds)
	}
	return nil
}

func (s *MemoryStrategy) Withdraw(_ context.Context, recipient common.Address, asset string, amount *big.Int) error {
	if !s.SupportsAsset(asset) {
		return ErrUnsupportedAsset
	}
	return s.bank.Transfer(asset, s.addr, recipient, amount)
}

func (s *MemoryStrategy) WithdrawAll(_ context.Context) error {
	s.mu.RLock()
	assets := make([]string, 0, len(s.assets))
	for asset := range s.assets {
		assets = append(assets, asset)
	}
	s.mu.RUnlock()
	for _, asset := range assets {
		bal := s.bank.BalanceOf(asset, s.addr)
		if bal.Sign() == 0 {
			continue
		}
		if err := s.bank.Transfer(asset, s.addr, s.vault, bal); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStrategy) CheckBalance(_ context.Context, asset string) (*big.Int, error) {
	if !s.SupportsAsset(asset) {
		return big.NewInt(0), nil
	}
	return s.bank.BalanceOf(asset, s.addr), nil
}

func (s *MemoryStrategy) CollectRewardTokens(_ context.Context) ([]AssetAmount, error) {
	s.mu.RLock()
	rewards := append([]string(nil), s.rewards...)
	s.mu.RUnlock()
	var out []AssetAmount
	for _, token := range rewards {
		bal := s.bank.BalanceOf(token, s.addr)
		if bal.Sign() == 0 {
			continue
		}
		if err := s.bank.Transfer(token, s.addr, s.vault, bal); err != nil {
			return nil, err
		}
		out = append(out, AssetAmount{Asset: token, Amount: bal})
	}
	return out, nil
}

// Accrue credits simulated yield or rewards of token to the strategy.
func (s *MemoryStrategy) Accrue(token string, amount *big.Int) error {
	return s.bank.Credit(token, s.addr, amount)
}

// MemoryRouter swaps against its own TokenBank inventory at fixed rates.
type MemoryRouter struct {
	mu    sync.RWMutex
	addr  common.Address
	bank  *TokenBank
	rates map[string]*big.Rat
}

func NewMemoryRouter(addr common.Address, bank *TokenBank) *MemoryRouter {
	return &MemoryRouter{addr: addr, bank: bank, rates: make(map[string]*big.Rat)}
}

func (r *MemoryRouter) Address() common.Address { return r.addr }

// SetRate sets how many base units of tokenOut one base unit of tokenIn buys.
func (r *MemoryRouter) SetRate(tokenIn, tokenOut string, rate *big.Rat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[normaliseAsset(tokenIn)+"/"+normaliseAsset(tokenOut)] = new(big.Rat).Set(rate)
}

func (r *MemoryRouter) Swap(_ context.Context, tokenIn, tokenOut string, amountIn, minOut *big.Int, recipient common.Address) (*big.Int, error) {
	r.mu.RLock()
	rate, ok := r.rates[normaliseAsset(tokenIn)+"/"+normaliseAsset(tokenOut)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("router: no route %s -> %s", tokenIn, tokenOut)
	}
	out := new(big.Int).Mul(amountIn, rate.Num())
	out.Quo(out, rate.Denom())
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: router output %s below %s", ErrSlippageExceeded, out, minOut)
	}
	if err := r.bank.Transfer(tokenOut, r.addr, recipient, out); err != nil {
		return nil, err
	}
	return out, nil
}

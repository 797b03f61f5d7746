package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// ModuleCapital gates mint, redeem and allocation.
	ModuleCapital = "capital"
	// ModuleRebase gates supply adjustments.
	ModuleRebase = "rebase"

	maxAssetDecimals = 36
)

// Asset describes a supported collateral token.
type Asset struct {
	Symbol   string
	Decimals uint8
}

// AssetAmount pairs an asset symbol with an amount in the asset's own units.
type AssetAmount struct {
	Asset  string
	Amount *big.Int
}

// Strategy is a yield integration custodying part of the vault's collateral.
// Funds are moved to Address() by the vault before Deposit is invoked.
type Strategy interface {
	Address() common.Address
	Deposit(ctx context.Context, asset string, amount *big.Int) error
	Withdraw(ctx context.Context, recipient common.Address, asset string, amount *big.Int) error
	// WithdrawAll returns every supported asset to the vault.
	WithdrawAll(ctx context.Context) error
	CheckBalance(ctx context.Context, asset string) (*big.Int, error)
	SupportsAsset(asset string) bool
	// CollectRewardTokens transfers accrued rewards to the vault and reports
	// what was moved.
	CollectRewardTokens(ctx context.Context) ([]AssetAmount, error)
}

// AssetBank custodies token balances for users, the vault and strategies.
type AssetBank interface {
	BalanceOf(token string, holder common.Address) *big.Int
	Transfer(token string, from, to common.Address, amount *big.Int) error
}

// SwapRouter converts reward tokens into collateral. amountIn has already been
// moved to Address() when Swap is invoked; the output must be delivered to
// recipient.
type SwapRouter interface {
	Address() common.Address
	Swap(ctx context.Context, tokenIn, tokenOut string, amountIn, minOut *big.Int, recipient common.Address) (*big.Int, error)
}

// Config carries the governance-controlled policy parameters. Thresholds are
// USD values with 18 decimals; zero disables the corresponding trigger.
type Config struct {
	VaultBufferBps        uint64
	RedeemFeeBps          uint64
	MaxSupplyDiffBps      uint64
	TrusteeFeeBps         uint64
	SwapSlippageBps       uint64
	AutoAllocateThreshold *big.Int
	RebaseThreshold       *big.Int
}

// DefaultConfig keeps 2% of the pool idle and charges 0.5% on redemption.
func DefaultConfig() Config {
	return Config{
		VaultBufferBps:        200,
		RedeemFeeBps:          50,
		SwapSlippageBps:       100,
		AutoAllocateThreshold: big.NewInt(0),
		RebaseThreshold:       big.NewInt(0),
	}
}

func (c Config) Clone() Config {
	out := c
	out.AutoAllocateThreshold = copyInt(c.AutoAllocateThreshold)
	out.RebaseThreshold = copyInt(c.RebaseThreshold)
	return out
}

// Validate ensures every basis-point field is within [0, 10000] and the
// thresholds are non-negative.
func (c Config) Validate() error {
	for _, field := range []struct {
		name string
		bps  uint64
	}{
		{"vault buffer", c.VaultBufferBps},
		{"redeem fee", c.RedeemFeeBps},
		{"max supply diff", c.MaxSupplyDiffBps},
		{"trustee fee", c.TrusteeFeeBps},
		{"swap slippage", c.SwapSlippageBps},
	} {
		if field.bps > 10_000 {
			return fmt.Errorf("vault: %s %d bps exceeds 10000", field.name, field.bps)
		}
	}
	if c.AutoAllocateThreshold != nil && c.AutoAllocateThreshold.Sign() < 0 {
		return fmt.Errorf("vault: auto-allocate threshold must not be negative")
	}
	if c.RebaseThreshold != nil && c.RebaseThreshold.Sign() < 0 {
		return fmt.Errorf("vault: rebase threshold must not be negative")
	}
	return nil
}

// StrategyInfo is the read view of a registered strategy.
type StrategyInfo struct {
	Address     common.Address
	IsSupported bool
}

type strategyEntry struct {
	impl        Strategy
	isSupported bool
}

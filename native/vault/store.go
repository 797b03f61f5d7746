package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"xusd/storage"
)

var (
	engineSnapshotKey = []byte("vault/engine")

	errValueOverflow = errors.New("vault: value exceeds 256 bits")
)

type storedAsset struct {
	Symbol   string
	Decimals uint8
}

type storedStrategy struct {
	Address     common.Address
	IsSupported bool
}

type storedDefault struct {
	Asset    string
	Strategy common.Address
}

type storedEngine struct {
	Strategist            common.Address
	Trustee               common.Address
	VaultBufferBps        uint64
	RedeemFeeBps          uint64
	MaxSupplyDiffBps      uint64
	TrusteeFeeBps         uint64
	SwapSlippageBps       uint64
	AutoAllocateThreshold *big.Int
	RebaseThreshold       *big.Int
	Assets                []storedAsset
	Strategies            []storedStrategy
	Defaults              []storedDefault
	SwapTokens            []storedAsset
	SwapTarget            string
	CapitalPaused         bool
	RebasePaused          bool
}

func checked(v *big.Int) (*big.Int, error) {
	if v == nil {
		return big.NewInt(0), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("vault: negative value %s", v)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return nil, errValueOverflow
	}
	return new(big.Int).Set(v), nil
}

// Save writes the engine's configuration and registries to db. Collateral
// balances live with the bank and strategies and are not part of the
// snapshot.
func (e *Engine) Save(db storage.Database) error {
	e.mu.RLock()
	record := storedEngine{
		Strategist:       e.strategist,
		Trustee:          e.trustee,
		VaultBufferBps:   e.cfg.VaultBufferBps,
		RedeemFeeBps:     e.cfg.RedeemFeeBps,
		MaxSupplyDiffBps: e.cfg.MaxSupplyDiffBps,
		TrusteeFeeBps:    e.cfg.TrusteeFeeBps,
		SwapSlippageBps:  e.cfg.SwapSlippageBps,
		SwapTarget:       e.swapTarget,
	}
	auto, autoErr := checked(e.cfg.AutoAllocateThreshold)
	rebase, rebaseErr := checked(e.cfg.RebaseThreshold)
	for _, asset := range e.assets {
		record.Assets = append(record.Assets, storedAsset{Symbol: asset.Symbol, Decimals: asset.Decimals})
	}
	for _, addr := range e.strategies {
		record.Strategies = append(record.Strategies, storedStrategy{Address: addr, IsSupported: e.strategyIndex[addr].isSupported})
	}
	for asset, addr := range e.defaults {
		record.Defaults = append(record.Defaults, storedDefault{Asset: asset, Strategy: addr})
	}
	for _, token := range e.swapTokens {
		record.SwapTokens = append(record.SwapTokens, storedAsset{Symbol: token.Symbol, Decimals: token.Decimals})
	}
	e.mu.RUnlock()
	if autoErr != nil {
		return autoErr
	}
	if rebaseErr != nil {
		return rebaseErr
	}
	record.AutoAllocateThreshold = auto
	record.RebaseThreshold = rebase
	record.CapitalPaused = e.pauses.IsPaused(ModuleCapital)
	record.RebasePaused = e.pauses.IsPaused(ModuleRebase)
	sort.Slice(record.Defaults, func(i, j int) bool { return record.Defaults[i].Asset < record.Defaults[j].Asset })

	payload, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return fmt.Errorf("vault: encode snapshot: %w", err)
	}
	return storage.PutBlob(db, engineSnapshotKey, payload)
}

// Restore replaces the engine's configuration with a snapshot written by
// Save. Approved strategies are resolved through impls; a missing
// implementation for an approved strategy is an error. storage.ErrNotFound is
// returned unchanged when no snapshot exists.
func (e *Engine) Restore(db storage.Database, impls map[common.Address]Strategy) error {
	payload, err := storage.GetBlob(db, engineSnapshotKey)
	if err != nil {
		return err
	}
	var record storedEngine
	if err := rlp.DecodeBytes(payload, &record); err != nil {
		return fmt.Errorf("vault: decode snapshot: %w", err)
	}
	cfg := Config{
		VaultBufferBps:        record.VaultBufferBps,
		RedeemFeeBps:          record.RedeemFeeBps,
		MaxSupplyDiffBps:      record.MaxSupplyDiffBps,
		TrusteeFeeBps:         record.TrusteeFeeBps,
		SwapSlippageBps:       record.SwapSlippageBps,
		AutoAllocateThreshold: copyInt(record.AutoAllocateThreshold),
		RebaseThreshold:       copyInt(record.RebaseThreshold),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	assets := make([]Asset, 0, len(record.Assets))
	assetIndex := make(map[string]int, len(record.Assets))
	for _, a := range record.Assets {
		assetIndex[a.Symbol] = len(assets)
		assets = append(assets, Asset{Symbol: a.Symbol, Decimals: a.Decimals})
	}
	strategies := make([]common.Address, 0, len(record.Strategies))
	strategyIndex := make(map[common.Address]*strategyEntry, len(record.Strategies))
	for _, s := range record.Strategies {
		impl := impls[s.Address]
		if s.IsSupported && impl == nil {
			return fmt.Errorf("%w: no implementation for approved strategy %s", ErrInvalidStrategy, s.Address.Hex())
		}
		strategies = append(strategies, s.Address)
		strategyIndex[s.Address] = &strategyEntry{impl: impl, isSupported: s.IsSupported}
	}
	defaults := make(map[string]common.Address, len(record.Defaults))
	for _, d := range record.Defaults {
		defaults[d.Asset] = d.Strategy
	}
	swapTokens := make([]Asset, 0, len(record.SwapTokens))
	for _, t := range record.SwapTokens {
		swapTokens = append(swapTokens, Asset{Symbol: t.Symbol, Decimals: t.Decimals})
	}

	e.mu.Lock()
	e.cfg = cfg
	e.strategist = record.Strategist
	e.trustee = record.Trustee
	e.assets = assets
	e.assetIndex = assetIndex
	e.strategies = strategies
	e.strategyIndex = strategyIndex
	e.defaults = defaults
	e.swapTokens = swapTokens
	e.swapTarget = record.SwapTarget
	e.mu.Unlock()
	e.pauses.Set(ModuleCapital, record.CapitalPaused)
	e.pauses.Set(ModuleRebase, record.RebasePaused)
	e.ledger.SetMaxSupplyDiffBps(cfg.MaxSupplyDiffBps)
	return nil
}

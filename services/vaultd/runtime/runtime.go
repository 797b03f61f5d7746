// Package runtime assembles the ledger, engine and collaborators served by
// vaultd and persists them after every mutation.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xusdconfig "xusd/config"
	"xusd/core/amount"
	"xusd/core/events"
	"xusd/native/oracle"
	"xusd/native/rebasing"
	"xusd/native/vault"
	"xusd/services/vaultd/config"
	"xusd/storage"
)

const (
	sourceCoinGecko = "coingecko"
	sourceManual    = "manual"
)

var (
	// ErrFaucetDisabled is returned by dev helpers when dev.faucet is off.
	ErrFaucetDisabled = errors.New("runtime: faucet disabled")
	// ErrUnknownStrategy is returned when a dev helper names a strategy that
	// is not wired.
	ErrUnknownStrategy = errors.New("runtime: unknown strategy")
)

// Runtime owns the vault state of one daemon.
type Runtime struct {
	Engine *vault.Engine
	Ledger *rebasing.Ledger
	Bank   *vault.TokenBank
	Prices *oracle.Aggregator
	Manual *oracle.ManualOracle
	Router *vault.MemoryRouter

	strategies map[common.Address]*vault.MemoryStrategy
	decimals   map[string]uint8
	keeper     common.Address
	faucet     bool

	db     storage.Database
	logger *slog.Logger
	mu     sync.Mutex
}

// Build restores the vault from db when a snapshot exists and bootstraps it
// from cfg and params otherwise. emitter receives every ledger and engine
// event.
func Build(ctx context.Context, cfg config.Config, params *xusdconfig.Params, db storage.Database, emitter events.Emitter, logger *slog.Logger) (*Runtime, error) {
	if params == nil {
		return nil, fmt.Errorf("runtime: params required")
	}
	if db == nil {
		return nil, fmt.Errorf("runtime: snapshot database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	vaultAddr := common.HexToAddress(cfg.Roles.Vault)
	governor := common.HexToAddress(cfg.Roles.Governor)

	manual, prices, err := buildOracle(cfg.Oracle)
	if err != nil {
		return nil, err
	}

	ledger, err := rebasing.Load(db)
	fresh := errors.Is(err, storage.ErrNotFound)
	switch {
	case fresh:
		ledger = rebasing.NewLedger(vaultAddr)
	case err != nil:
		return nil, fmt.Errorf("runtime: load ledger: %w", err)
	}
	bank, err := vault.LoadTokenBank(db)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		bank = vault.NewTokenBank()
	case err != nil:
		return nil, fmt.Errorf("runtime: load bank: %w", err)
	}

	vaultCfg, err := params.ToVaultConfig()
	if err != nil {
		return nil, err
	}
	engine, err := vault.NewEngine(vaultAddr, governor, ledger, bank, prices, vaultCfg)
	if err != nil {
		return nil, err
	}
	engine.SetLogger(logger.With(slog.String("component", "vault")))

	rt := &Runtime{
		Engine:     engine,
		Ledger:     ledger,
		Bank:       bank,
		Prices:     prices,
		Manual:     manual,
		strategies: make(map[common.Address]*vault.MemoryStrategy),
		decimals:   make(map[string]uint8),
		keeper:     common.HexToAddress(cfg.Keeper.Identity),
		faucet:     cfg.Dev.Faucet,
		db:         db,
		logger:     logger,
	}
	for _, asset := range params.Assets {
		rt.decimals[oracle.NormaliseSymbol(asset.Symbol)] = asset.Decimals
	}
	for _, token := range params.SwapTokens {
		rt.decimals[oracle.NormaliseSymbol(token.Symbol)] = token.Decimals
	}

	contracts := make([]common.Address, 0, len(cfg.Strategies)+1)
	impls := make(map[common.Address]vault.Strategy, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		addr := common.HexToAddress(sc.Address)
		strat := vault.NewMemoryStrategy(addr, vaultAddr, bank, sc.Assets...)
		strat.SetRewardTokens(sc.RewardTokens...)
		rt.strategies[addr] = strat
		impls[addr] = strat
		contracts = append(contracts, addr)
	}
	if cfg.Router.Address != "" {
		rt.Router = vault.NewMemoryRouter(common.HexToAddress(cfg.Router.Address), bank)
		for _, r := range cfg.Router.Rates {
			rate, ok := new(big.Rat).SetString(strings.TrimSpace(r.Rate))
			if !ok || rate.Sign() <= 0 {
				return nil, fmt.Errorf("runtime: invalid router rate %q for %s/%s", r.Rate, r.In, r.Out)
			}
			rt.Router.SetRate(r.In, r.Out, rate)
		}
		contracts = append(contracts, rt.Router.Address())
	}
	ledger.SetClassifier(rebasing.NewStaticClassifier(contracts...))

	if fresh {
		ledger.SetEmitter(emitter)
		engine.SetEmitter(emitter)
		if err := rt.bootstrap(ctx, cfg, params, governor); err != nil {
			return nil, err
		}
		if err := rt.Snapshot(); err != nil {
			return nil, err
		}
		logger.Info("vault bootstrapped", slog.Int("assets", engine.AssetCount()), slog.Int("strategies", engine.StrategyCount()))
		return rt, nil
	}

	if err := engine.Restore(db, impls); err != nil {
		return nil, fmt.Errorf("runtime: restore engine: %w", err)
	}
	if rt.Router != nil {
		if err := engine.SetSwapRouter(ctx, governor, rt.Router); err != nil {
			return nil, err
		}
	}
	ledger.SetEmitter(emitter)
	engine.SetEmitter(emitter)
	logger.Info("vault restored",
		slog.String("total_supply", ledger.TotalSupply().String()),
		slog.Int("accounts", len(ledger.Accounts())))
	return rt, nil
}

func buildOracle(cfg config.OracleConfig) (*oracle.ManualOracle, *oracle.Aggregator, error) {
	manual := oracle.NewManualOracle()
	agg := oracle.NewAggregator(nil, cfg.MaxAge.Duration)
	if len(cfg.CoinGecko.IDs) > 0 {
		agg.Register(sourceCoinGecko, oracle.NewCoinGeckoOracle(cfg.CoinGecko.Endpoint, cfg.CoinGecko.IDs, cfg.CoinGecko.Timeout.Duration))
	}
	symbols := make([]string, 0, len(cfg.Manual))
	for symbol := range cfg.Manual {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		if err := manual.SetUSD(symbol, cfg.Manual[symbol]); err != nil {
			return nil, nil, fmt.Errorf("runtime: manual price %s: %w", symbol, err)
		}
	}
	if len(symbols) > 0 {
		agg.Register(sourceManual, pinnedOracle{manual})
	}
	return manual, agg, nil
}

// pinnedOracle serves operator-set prices as observed now so they never age
// out of the aggregator's freshness window.
type pinnedOracle struct {
	source *oracle.ManualOracle
}

func (p pinnedOracle) GetRate(base, quote string) (oracle.PriceQuote, error) {
	q, err := p.source.GetRate(base, quote)
	if err != nil {
		return oracle.PriceQuote{}, err
	}
	q.Timestamp = time.Now()
	return q, nil
}

func (rt *Runtime) bootstrap(ctx context.Context, cfg config.Config, params *xusdconfig.Params, governor common.Address) error {
	e := rt.Engine
	for _, asset := range params.Assets {
		if err := e.SupportAsset(ctx, governor, asset.Symbol, asset.Decimals); err != nil {
			return fmt.Errorf("runtime: support %s: %w", asset.Symbol, err)
		}
	}
	for _, sc := range cfg.Strategies {
		addr := common.HexToAddress(sc.Address)
		if err := e.ApproveStrategy(ctx, governor, rt.strategies[addr]); err != nil {
			return fmt.Errorf("runtime: approve strategy %s: %w", addr.Hex(), err)
		}
		for _, asset := range sc.DefaultFor {
			if err := e.SetAssetDefaultStrategy(ctx, governor, asset, addr); err != nil {
				return fmt.Errorf("runtime: default strategy for %s: %w", asset, err)
			}
		}
	}
	for _, token := range params.SwapTokens {
		if err := e.AddSwapToken(ctx, governor, token.Symbol, token.Decimals); err != nil {
			return fmt.Errorf("runtime: swap token %s: %w", token.Symbol, err)
		}
	}
	if params.SwapTarget != "" {
		if err := e.SetSwapTarget(ctx, governor, params.SwapTarget); err != nil {
			return fmt.Errorf("runtime: swap target: %w", err)
		}
	}
	if rt.Router != nil {
		if err := e.SetSwapRouter(ctx, governor, rt.Router); err != nil {
			return err
		}
	}
	if cfg.Roles.Strategist != "" {
		if err := e.SetStrategist(ctx, governor, common.HexToAddress(cfg.Roles.Strategist)); err != nil {
			return err
		}
	}
	if cfg.Roles.Trustee != "" {
		if err := e.SetTrusteeAddress(ctx, governor, common.HexToAddress(cfg.Roles.Trustee)); err != nil {
			return err
		}
	}
	for _, bal := range cfg.Dev.Balances {
		units, err := rt.Units(bal.Token, bal.Amount)
		if err != nil {
			return fmt.Errorf("runtime: dev balance %s: %w", bal.Token, err)
		}
		if err := rt.Bank.Credit(oracle.NormaliseSymbol(bal.Token), common.HexToAddress(bal.Holder), units); err != nil {
			return err
		}
	}
	if params.Pauses.Capital {
		if err := e.PauseCapital(ctx, governor); err != nil {
			return err
		}
	}
	if params.Pauses.Rebase {
		if err := e.PauseRebase(ctx, governor); err != nil {
			return err
		}
	}
	return nil
}

// Do runs fn and snapshots the resulting state before the next mutation can
// start. The snapshot is taken even when fn fails; a compensation that could
// not be replayed leaves state changed.
func (rt *Runtime) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	opErr := fn(ctx)
	if err := rt.snapshotLocked(); err != nil {
		if opErr == nil {
			return err
		}
		rt.logger.Error("snapshot after failed operation", slog.Any("error", err))
	}
	return opErr
}

// Snapshot persists the ledger, engine and bank.
func (rt *Runtime) Snapshot() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.snapshotLocked()
}

// snapshotLocked writes the ledger, engine and bank in one batch so a crash
// never leaves them out of step.
func (rt *Runtime) snapshotLocked() error {
	batch := storage.NewBatch(rt.db)
	if err := rt.Ledger.Save(batch); err != nil {
		return fmt.Errorf("runtime: save ledger: %w", err)
	}
	if err := rt.Engine.Save(batch); err != nil {
		return fmt.Errorf("runtime: save engine: %w", err)
	}
	if err := rt.Bank.Save(batch); err != nil {
		return fmt.Errorf("runtime: save bank: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("runtime: commit snapshot: %w", err)
	}
	return nil
}

// Keeper is the identity used by scheduled maintenance jobs.
func (rt *Runtime) Keeper() common.Address { return rt.keeper }

// Decimals reports the decimals of a collateral or swap token. XUSD is
// always 18.
func (rt *Runtime) Decimals(token string) (uint8, bool) {
	sym := oracle.NormaliseSymbol(token)
	if sym == "XUSD" {
		return 18, true
	}
	if d, ok := rt.decimals[sym]; ok {
		return d, true
	}
	for _, asset := range rt.Engine.Assets() {
		if asset.Symbol == sym {
			return asset.Decimals, true
		}
	}
	return 0, false
}

// Units parses a decimal token amount into base units.
func (rt *Runtime) Units(token, value string) (*big.Int, error) {
	decimals, ok := rt.Decimals(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vault.ErrAssetNotSupported, token)
	}
	return amount.Parse(value, decimals)
}

// Format renders base units of token as a decimal string.
func (rt *Runtime) Format(token string, units *big.Int) string {
	decimals, _ := rt.Decimals(token)
	return amount.Format(units, decimals)
}

// Strategy returns a wired in-memory strategy.
func (rt *Runtime) Strategy(addr common.Address) (*vault.MemoryStrategy, bool) {
	strat, ok := rt.strategies[addr]
	return strat, ok
}

// Faucet credits units of token to holder in the custody bank.
func (rt *Runtime) Faucet(ctx context.Context, token string, holder common.Address, units *big.Int) error {
	if !rt.faucet {
		return ErrFaucetDisabled
	}
	return rt.Do(ctx, func(context.Context) error {
		return rt.Bank.Credit(oracle.NormaliseSymbol(token), holder, units)
	})
}

// Accrue simulates yield or reward accrual on a wired strategy.
func (rt *Runtime) Accrue(ctx context.Context, strategy common.Address, token string, units *big.Int) error {
	if !rt.faucet {
		return ErrFaucetDisabled
	}
	strat, ok := rt.strategies[strategy]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy.Hex())
	}
	return rt.Do(ctx, func(context.Context) error {
		return strat.Accrue(oracle.NormaliseSymbol(token), units)
	})
}

// SetManualPrice overrides the operator price of symbol in USD.
func (rt *Runtime) SetManualPrice(symbol, price string) error {
	return rt.Manual.SetUSD(symbol, price)
}

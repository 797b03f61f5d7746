package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
	nativecommon "xusd/native/common"
	"xusd/native/oracle"
	"xusd/native/rebasing"
)

// Engine is the capital allocation and redemption engine backing the XUSD
// ledger. Every mutating entry point runs under a single reentrancy guard and
// either completes or is rolled back through compensating actions.
type Engine struct {
	mu    sync.RWMutex
	guard nativecommon.ReentrancyGuard

	vault    common.Address
	governor common.Address
	ledger   *rebasing.Ledger
	bank     AssetBank
	prices   oracle.PriceOracle
	router   SwapRouter
	emitter  events.Emitter
	logger   *slog.Logger

	pauses     *nativecommon.PauseSet
	extraPause nativecommon.PauseView

	cfg        Config
	strategist common.Address
	trustee    common.Address

	assets        []Asset
	assetIndex    map[string]int
	strategies    []common.Address
	strategyIndex map[common.Address]*strategyEntry
	defaults      map[string]common.Address
	swapTokens    []Asset
	swapTarget    string
}

// NewEngine wires an engine to its ledger, custody bank and price source. The
// ledger must have been created with vault as its privileged caller.
func NewEngine(vault, governor common.Address, ledger *rebasing.Ledger, bank AssetBank, prices oracle.PriceOracle, cfg Config) (*Engine, error) {
	if ledger == nil || bank == nil || prices == nil {
		return nil, ErrNotConfigured
	}
	if ledger.Vault() != vault {
		return nil, fmt.Errorf("vault: ledger is bound to %s, not %s", ledger.Vault().Hex(), vault.Hex())
	}
	if governor == (common.Address{}) {
		return nil, fmt.Errorf("vault: governor address required")
	}
	if cfg.AutoAllocateThreshold == nil || cfg.RebaseThreshold == nil {
		cfg = cfg.Clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ledger.SetMaxSupplyDiffBps(cfg.MaxSupplyDiffBps)
	return &Engine{
		vault:         vault,
		governor:      governor,
		ledger:        ledger,
		bank:          bank,
		prices:        prices,
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
		pauses:        nativecommon.NewPauseSet(),
		cfg:           cfg.Clone(),
		assetIndex:    make(map[string]int),
		strategyIndex: make(map[common.Address]*strategyEntry),
		defaults:      make(map[string]common.Address),
	}, nil
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetPauseView adds an external pause source consulted alongside the engine's
// own capital and rebase flags.
func (e *Engine) SetPauseView(view nativecommon.PauseView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extraPause = view
}

func (e *Engine) Vault() common.Address    { return e.vault }
func (e *Engine) Governor() common.Address { return e.governor }
func (e *Engine) Ledger() *rebasing.Ledger { return e.ledger }

func (e *Engine) Strategist() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strategist
}

func (e *Engine) Trustee() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trustee
}

// Config returns a copy of the current policy parameters.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone()
}

func (e *Engine) CapitalPaused() bool { return e.pauseErr(ModuleCapital) != nil }
func (e *Engine) RebasePaused() bool  { return e.pauseErr(ModuleRebase) != nil }

func (e *Engine) pauseErr(module string) error {
	e.mu.RLock()
	extra := e.extraPause
	e.mu.RUnlock()
	if err := nativecommon.GuardAll(module, e.pauses, extra); err != nil {
		if module == ModuleRebase {
			return ErrRebasePaused
		}
		return ErrCapitalPaused
	}
	return nil
}

func (e *Engine) requireGovernor(caller common.Address) error {
	if caller != e.governor {
		return ErrCallerNotGovernor
	}
	return nil
}

func (e *Engine) requireStrategist(caller common.Address) error {
	if caller == e.governor {
		return nil
	}
	e.mu.RLock()
	strategist := e.strategist
	e.mu.RUnlock()
	if strategist == (common.Address{}) || caller != strategist {
		return ErrCallerNotStrategist
	}
	return nil
}

func (e *Engine) log() *slog.Logger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.logger
}

// operation accumulates the compensations and events of one guarded call.
type operation struct {
	ctx    context.Context
	name   string
	undo   []func(context.Context) error
	events []events.Event
}

func (op *operation) onRollback(fn func(context.Context) error) {
	op.undo = append(op.undo, fn)
}

func (op *operation) emit(evt events.Event) {
	op.events = append(op.events, evt)
}

// run executes fn under the reentrancy guard. On failure the recorded
// compensations are replayed in reverse and the pending events discarded.
func (e *Engine) run(ctx context.Context, name string, fn func(op *operation) error) error {
	if e == nil || e.ledger == nil || e.bank == nil {
		return ErrNotConfigured
	}
	guarded, release, err := e.guard.Enter(ctx)
	if err != nil {
		if errors.Is(err, nativecommon.ErrReentrantCall) {
			return ErrReentrantCall
		}
		return err
	}
	op := &operation{ctx: guarded, name: name}
	err = fn(op)
	if err != nil {
		e.rollback(op, err)
	}
	release()
	if err != nil {
		return err
	}
	e.mu.RLock()
	emitter := e.emitter
	e.mu.RUnlock()
	for _, evt := range op.events {
		emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) rollback(op *operation, cause error) {
	for i := len(op.undo) - 1; i >= 0; i-- {
		if err := op.undo[i](op.ctx); err != nil {
			e.log().Error("vault compensation failed",
				slog.String("operation", op.name),
				slog.String("cause", cause.Error()),
				slog.String("error", err.Error()))
		}
	}
}

// transfer moves tokens through the bank and records the reverse movement.
func (e *Engine) transfer(op *operation, token string, from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := e.bank.Transfer(token, from, to, amount); err != nil {
		return err
	}
	moved := new(big.Int).Set(amount)
	op.onRollback(func(context.Context) error {
		return e.bank.Transfer(token, to, from, moved)
	})
	return nil
}

package vault

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
	nativecommon "xusd/native/common"
	"xusd/native/oracle"
	"xusd/native/rebasing"
)

var (
	vaultAddr      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	governorAddr   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	strategistAddr = common.HexToAddress("0x00000000000000000000000000000000000000bc")
	trusteeAddr    = common.HexToAddress("0x00000000000000000000000000000000000000bd")
	routerAddr     = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	strategyA      = common.HexToAddress("0x000000000000000000000000000000000000005a")
	strategyB      = common.HexToAddress("0x000000000000000000000000000000000000005b")
	alice          = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob            = common.HexToAddress("0x0000000000000000000000000000000000000002")
	carol          = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.EventType() == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	ledger *rebasing.Ledger
	bank   *TokenBank
	prices *oracle.ManualOracle
	events *recorder
}

func newHarness(t *testing.T, tweak func(cfg *Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RedeemFeeBps = 0
	if tweak != nil {
		tweak(&cfg)
	}
	ledger := rebasing.NewLedger(vaultAddr)
	bank := NewTokenBank()
	prices := oracle.NewManualOracle()
	for _, sym := range []string{"DAI", "USDC"} {
		if err := prices.SetUSD(sym, "1"); err != nil {
			t.Fatalf("set price: %v", err)
		}
	}
	engine, err := NewEngine(vaultAddr, governorAddr, ledger, bank, prices, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rec := &recorder{}
	engine.SetEmitter(rec)
	h := &harness{t: t, ctx: context.Background(), engine: engine, ledger: ledger, bank: bank, prices: prices, events: rec}
	h.must(engine.SupportAsset(h.ctx, governorAddr, "DAI", 18))
	h.must(engine.SupportAsset(h.ctx, governorAddr, "USDC", 6))
	h.must(engine.SetStrategist(h.ctx, governorAddr, strategistAddr))
	return h
}

func (h *harness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func (h *harness) setPrice(sym, price string) {
	h.t.Helper()
	h.must(h.prices.SetUSD(sym, price))
}

func (h *harness) fund(token string, holder common.Address, amount *big.Int) {
	h.t.Helper()
	h.must(h.bank.Credit(token, holder, amount))
}

// deposit funds holder with amount of token and mints it into XUSD.
func (h *harness) deposit(holder common.Address, token string, amount *big.Int) *big.Int {
	h.t.Helper()
	h.fund(token, holder, amount)
	minted, err := h.engine.Mint(h.ctx, holder, token, amount, nil)
	if err != nil {
		h.t.Fatalf("mint %s: %v", token, err)
	}
	return minted
}

func (h *harness) strategy(addr common.Address, assets ...string) *MemoryStrategy {
	h.t.Helper()
	strat := NewMemoryStrategy(addr, vaultAddr, h.bank, assets...)
	h.must(h.engine.ApproveStrategy(h.ctx, governorAddr, strat))
	return strat
}

func (h *harness) requireInvariant() {
	h.t.Helper()
	if err := h.ledger.CheckInvariant(); err != nil {
		h.t.Fatalf("ledger invariant: %v", err)
	}
	sum := big.NewInt(0)
	accounts := h.ledger.Accounts()
	for _, addr := range accounts {
		sum.Add(sum, h.ledger.BalanceOf(addr))
	}
	requireClose(h.t, "sum of balances", sum, h.ledger.TotalSupply(), int64(len(accounts))+1)
}

func dai(n int64) *big.Int  { return new(big.Int).Mul(big.NewInt(n), pow10(18)) }
func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), pow10(6)) }
func usd(n int64) *big.Int  { return dai(n) }

func requireClose(t *testing.T, label string, got, want *big.Int, tolerance int64) {
	t.Helper()
	if absDiff(got, want).Cmp(big.NewInt(tolerance)) > 0 {
		t.Fatalf("%s: got %s want %s (tolerance %d)", label, got, want, tolerance)
	}
}

func requireEqual(t *testing.T, label string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s: got %s want %s", label, got, want)
	}
}

func TestNewEngineValidation(t *testing.T) {
	ledger := rebasing.NewLedger(vaultAddr)
	bank := NewTokenBank()
	prices := oracle.NewManualOracle()
	if _, err := NewEngine(vaultAddr, governorAddr, nil, bank, prices, DefaultConfig()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewEngine(alice, governorAddr, ledger, bank, prices, DefaultConfig()); err == nil {
		t.Fatalf("expected ledger binding error")
	}
	if _, err := NewEngine(vaultAddr, common.Address{}, ledger, bank, prices, DefaultConfig()); err == nil {
		t.Fatalf("expected governor error")
	}
	bad := DefaultConfig()
	bad.RedeemFeeBps = 10_001
	if _, err := NewEngine(vaultAddr, governorAddr, ledger, bank, prices, bad); err == nil {
		t.Fatalf("expected config validation error")
	}
}

func TestMintCapsPriceAtPar(t *testing.T) {
	h := newHarness(t, nil)
	h.setPrice("DAI", "1.25")
	h.setPrice("USDC", "0.80")

	requireEqual(t, "mint above par", h.deposit(alice, "DAI", dai(50)), usd(50))
	requireEqual(t, "mint below par", h.deposit(bob, "USDC", usdc(50)), usd(40))

	requireEqual(t, "alice balance", h.ledger.BalanceOf(alice), usd(50))
	requireEqual(t, "bob balance", h.ledger.BalanceOf(bob), usd(40))
	requireEqual(t, "total supply", h.ledger.TotalSupply(), usd(90))
	requireEqual(t, "vault DAI", h.bank.BalanceOf("DAI", vaultAddr), dai(50))
	requireEqual(t, "vault USDC", h.bank.BalanceOf("USDC", vaultAddr), usdc(50))
	if n := h.events.count(events.TypeVaultMint); n != 2 {
		t.Fatalf("expected 2 mint events, got %d", n)
	}
	h.requireInvariant()
}

func TestMintRejections(t *testing.T) {
	h := newHarness(t, nil)
	h.fund("DAI", alice, dai(10))

	if _, err := h.engine.Mint(h.ctx, alice, "USDT", dai(1), nil); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	if _, err := h.engine.Mint(h.ctx, alice, "DAI", big.NewInt(0), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := h.engine.Mint(h.ctx, alice, "DAI", dai(11), nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	_, err := h.engine.Mint(h.ctx, alice, "DAI", dai(10), usd(11))
	if !errors.Is(err, ErrSlippageExceeded) || !strings.Contains(err.Error(), "Slippage error") {
		t.Fatalf("expected slippage error, got %v", err)
	}

	h.must(h.engine.PauseCapital(h.ctx, strategistAddr))
	_, err = h.engine.Mint(h.ctx, alice, "DAI", dai(10), nil)
	if !errors.Is(err, ErrPolicyViolation) || !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused policy violation, got %v", err)
	}

	requireEqual(t, "alice DAI untouched", h.bank.BalanceOf("DAI", alice), dai(10))
	requireEqual(t, "supply untouched", h.ledger.TotalSupply(), big.NewInt(0))
}

func TestMintFailsWhenOracleFails(t *testing.T) {
	h := newHarness(t, nil)
	h.must(h.engine.SupportAsset(h.ctx, governorAddr, "TUSD", 18))
	h.fund("TUSD", alice, dai(5))
	if _, err := h.engine.Mint(h.ctx, alice, "TUSD", dai(5), nil); err == nil {
		t.Fatalf("expected oracle failure to propagate")
	}
	requireEqual(t, "alice TUSD untouched", h.bank.BalanceOf("TUSD", alice), dai(5))
}

func TestRedeemProportional(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(alice, "DAI", dai(100))
	h.deposit(bob, "USDC", usdc(300))
	requireEqual(t, "supply", h.ledger.TotalSupply(), usd(400))

	h.must(h.ledger.Transfer(bob, alice, usd(100)))
	preview, err := h.engine.CalculateRedeemOutputs(h.ctx, usd(100))
	h.must(err)

	outputs, err := h.engine.Redeem(h.ctx, alice, usd(100), usd(100))
	h.must(err)
	if len(outputs) != 2 || outputs[0].Asset != "DAI" || outputs[1].Asset != "USDC" {
		t.Fatalf("unexpected outputs %+v", outputs)
	}
	requireEqual(t, "DAI out", outputs[0].Amount, dai(25))
	requireEqual(t, "USDC out", outputs[1].Amount, usdc(75))
	for i := range outputs {
		requireEqual(t, "preview "+outputs[i].Asset, preview[i].Amount, outputs[i].Amount)
	}
	requireEqual(t, "alice DAI", h.bank.BalanceOf("DAI", alice), dai(25))
	requireEqual(t, "alice USDC", h.bank.BalanceOf("USDC", alice), usdc(75))
	requireEqual(t, "alice XUSD", h.ledger.BalanceOf(alice), usd(100))
	requireEqual(t, "supply", h.ledger.TotalSupply(), usd(300))
	h.requireInvariant()
}

func TestRedeemFeeStaysInPool(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RedeemFeeBps = 1000 })
	h.deposit(alice, "DAI", dai(200))
	h.deposit(bob, "DAI", dai(50))

	outputs, err := h.engine.Redeem(h.ctx, bob, usd(50), nil)
	h.must(err)
	requireEqual(t, "bob DAI", outputs[0].Amount, dai(45))
	requireEqual(t, "vault DAI", h.bank.BalanceOf("DAI", vaultAddr), dai(205))
	requireEqual(t, "supply", h.ledger.TotalSupply(), usd(200))

	h.must(h.engine.Rebase(h.ctx))
	requireClose(t, "alice after fee distribution", h.ledger.BalanceOf(alice), usd(205), 2)
	h.requireInvariant()
}

func TestRedeemRejectionsLeaveStateUntouched(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(alice, "DAI", dai(100))

	if _, err := h.engine.Redeem(h.ctx, alice, usd(101), nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	_, err := h.engine.Redeem(h.ctx, alice, usd(10), usd(11))
	if !errors.Is(err, ErrBelowMinimum) || !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if _, err := h.engine.Redeem(h.ctx, alice, big.NewInt(0), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	requireEqual(t, "alice XUSD", h.ledger.BalanceOf(alice), usd(100))
	requireEqual(t, "vault DAI", h.bank.BalanceOf("DAI", vaultAddr), dai(100))
	if n := h.events.count(events.TypeVaultRedeem); n != 0 {
		t.Fatalf("unexpected redeem events: %d", n)
	}
}

func TestRedeemAll(t *testing.T) {
	h := newHarness(t, nil)
	h.deposit(alice, "DAI", dai(100))
	h.deposit(bob, "DAI", dai(100))
	outputs, err := h.engine.RedeemAll(h.ctx, alice, nil)
	h.must(err)
	requireEqual(t, "DAI out", outputs[0].Amount, dai(100))
	requireEqual(t, "alice XUSD", h.ledger.BalanceOf(alice), big.NewInt(0))
	requireEqual(t, "supply", h.ledger.TotalSupply(), usd(100))
}

func TestRedeemWithdrawsShortfallFromDefaultStrategy(t *testing.T) {
	h := newHarness(t, nil)
	strat := h.strategy(strategyA, "DAI")
	h.must(h.engine.SetAssetDefaultStrategy(h.ctx, governorAddr, "DAI", strategyA))
	h.deposit(alice, "DAI", dai(100))
	h.must(h.engine.Allocate(h.ctx))
	requireEqual(t, "vault buffer", h.bank.BalanceOf("DAI", vaultAddr), dai(2))

	if _, err := h.engine.Redeem(h.ctx, alice, usd(50), nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	requireEqual(t, "alice DAI", h.bank.BalanceOf("DAI", alice), dai(50))
	requireEqual(t, "vault DAI", h.bank.BalanceOf("DAI", vaultAddr), big.NewInt(0))
	bal, err := strat.CheckBalance(h.ctx, "DAI")
	h.must(err)
	requireEqual(t, "strategy DAI", bal, dai(50))
}

func TestRedeemWithoutLiquidityRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.strategy(strategyA, "DAI")
	h.must(h.engine.SetAssetDefaultStrategy(h.ctx, governorAddr, "DAI", strategyA))
	h.deposit(alice, "DAI", dai(100))
	h.must(h.engine.Allocate(h.ctx))
	h.must(h.engine.SetAssetDefaultStrategy(h.ctx, governorAddr, "DAI", common.Address{}))

	if _, err := h.engine.Redeem(h.ctx, alice, usd(50), nil); !errors.Is(err, ErrLiquidity) {
		t.Fatalf("expected ErrLiquidity, got %v", err)
	}
	requireEqual(t, "alice XUSD restored", h.ledger.BalanceOf(alice), usd(100))
	requireEqual(t, "supply restored", h.ledger.TotalSupply(), usd(100))
	requireEqual(t, "vault DAI", h.bank.BalanceOf("DAI", vaultAddr), dai(2))
	requireEqual(t, "alice DAI", h.bank.BalanceOf("DAI", alice), big.NewInt(0))
	h.requireInvariant()
}

func TestSupplyInvariantAcrossOperations(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.RedeemFeeBps = 25 })
	h.strategy(strategyA, "DAI", "USDC")
	h.must(h.engine.SetAssetDefaultStrategy(h.ctx, governorAddr, "USDC", strategyA))
	h.must(h.ledger.RebaseOptOut(carol))

	holders := []common.Address{alice, bob, carol}
	for round := int64(1); round <= 12; round++ {
		holder := holders[round%3]
		h.deposit(holder, "DAI", dai(round*7))
		h.deposit(holders[(round+1)%3], "USDC", usdc(round*3))
		h.requireInvariant()

		sender, receiver := holders[round%3], holders[(round+2)%3]
		before := new(big.Int).Add(h.ledger.BalanceOf(sender), h.ledger.BalanceOf(receiver))
		h.must(h.ledger.Transfer(sender, receiver, dai(round)))
		after := new(big.Int).Add(h.ledger.BalanceOf(sender), h.ledger.BalanceOf(receiver))
		requireClose(t, "transfer conservation", after, before, 2)
		h.requireInvariant()

		h.fund("DAI", vaultAddr, new(big.Int).Quo(dai(round), big.NewInt(4)))
		h.must(h.engine.Rebase(h.ctx))
		h.requireInvariant()

		if round%4 == 0 {
			h.must(h.engine.Allocate(h.ctx))
			if _, err := h.engine.Redeem(h.ctx, holder, dai(round), nil); err != nil {
				t.Fatalf("round %d redeem: %v", round, err)
			}
			h.requireInvariant()
		}
	}
}

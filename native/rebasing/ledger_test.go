package rebasing

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
	"xusd/storage"
)

var (
	vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000002")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000003")
	pool      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), scale)
}

func requireClose(t *testing.T, label string, got, want *big.Int, tolerance int64) {
	t.Helper()
	if absDiff(got, want).Cmp(big.NewInt(tolerance)) > 0 {
		t.Fatalf("%s: got %s want %s (tolerance %d)", label, got, want, tolerance)
	}
}

func requireInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	s := l.Supply()
	implied := new(big.Int).Add(s.NonRebasingSupply, divPrecisely(s.RebasingCredits, s.RebasingCreditsPerToken))
	requireClose(t, "supply invariant", s.TotalSupply, implied, 1)
	sum := big.NewInt(0)
	for _, addr := range l.Accounts() {
		sum.Add(sum, l.BalanceOf(addr))
	}
	requireClose(t, "sum of balances", sum, s.TotalSupply, int64(len(l.Accounts())))
}

func mustMint(t *testing.T, l *Ledger, to common.Address, amount *big.Int) {
	t.Helper()
	if err := l.Mint(vaultAddr, to, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func TestMintRestrictedToVault(t *testing.T) {
	l := NewLedger(vaultAddr)
	if err := l.Mint(alice, alice, units(1)); !errors.Is(err, ErrCallerNotVault) {
		t.Fatalf("expected ErrCallerNotVault, got %v", err)
	}
	if err := l.Burn(alice, alice, units(1)); !errors.Is(err, ErrCallerNotVault) {
		t.Fatalf("expected ErrCallerNotVault on burn, got %v", err)
	}
	if _, _, err := l.ApplyRebase(alice, units(1)); !errors.Is(err, ErrCallerNotVault) {
		t.Fatalf("expected ErrCallerNotVault on rebase, got %v", err)
	}
	if err := l.Mint(vaultAddr, alice, big.NewInt(0)); err != nil {
		t.Fatalf("zero mint should be a no-op: %v", err)
	}
	if l.TotalSupply().Sign() != 0 || len(l.Accounts()) != 0 {
		t.Fatalf("zero mint must not create state")
	}
}

func TestMintBurnTracksSupply(t *testing.T) {
	l := NewLedger(vaultAddr)
	mustMint(t, l, alice, units(100))
	if got := l.BalanceOf(alice); got.Cmp(units(100)) != 0 {
		t.Fatalf("unexpected balance %s", got)
	}
	credits, cpt := l.CreditsBalanceOf(alice)
	if cpt.Cmp(resolution) != 0 {
		t.Fatalf("unexpected rate %s", cpt)
	}
	if credits.Cmp(new(big.Int).Mul(units(100), big.NewInt(1_000_000_000))) != 0 {
		t.Fatalf("unexpected credits %s", credits)
	}
	if err := l.Burn(vaultAddr, alice, units(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.Burn(vaultAddr, alice, units(40)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.TotalSupply(); got.Cmp(units(60)) != 0 {
		t.Fatalf("unexpected total supply %s", got)
	}
	if err := l.Burn(vaultAddr, alice, units(60)); err != nil {
		t.Fatalf("burn remainder: %v", err)
	}
	if c, _ := l.CreditsBalanceOf(alice); c.Sign() != 0 {
		t.Fatalf("expected credits cleared, got %s", c)
	}
	requireInvariant(t, l)
}

func TestTransferConservesBalancesAcrossClassifications(t *testing.T) {
	l := NewLedger(vaultAddr)
	mustMint(t, l, alice, units(100))
	mustMint(t, l, bob, units(100))
	mustMint(t, l, carol, units(50))
	if err := l.RebaseOptOut(bob); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	if _, _, err := l.ApplyRebase(vaultAddr, units(180)); err != nil {
		t.Fatalf("rebase: %v", err)
	}

	cases := []struct {
		name     string
		from, to common.Address
	}{
		{"rebasing to rebasing", alice, carol},
		{"rebasing to fixed", alice, bob},
		{"fixed to rebasing", bob, carol},
		{"fixed to fixed", bob, bob},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := new(big.Int).Add(l.BalanceOf(tc.from), l.BalanceOf(tc.to))
			supply := l.TotalSupply()
			if err := l.Transfer(tc.from, tc.to, units(7)); err != nil {
				t.Fatalf("transfer: %v", err)
			}
			after := new(big.Int).Add(l.BalanceOf(tc.from), l.BalanceOf(tc.to))
			requireClose(t, "pair balance", after, before, 1)
			if l.TotalSupply().Cmp(supply) != 0 {
				t.Fatalf("transfer changed total supply")
			}
			requireInvariant(t, l)
		})
	}

	if err := l.Transfer(carol, alice, units(1_000)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.Transfer(alice, common.Address{}, units(1)); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := NewLedger(vaultAddr)
	mustMint(t, l, alice, units(10))
	if err := l.TransferFrom(bob, alice, carol, units(1)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := l.Approve(alice, bob, units(5)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(bob, alice, carol, units(3)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := l.Allowance(alice, bob); got.Cmp(units(2)) != 0 {
		t.Fatalf("unexpected remaining allowance %s", got)
	}
	if got := l.BalanceOf(carol); got.Cmp(units(3)) != 0 {
		t.Fatalf("unexpected carol balance %s", got)
	}
	if err := l.IncreaseAllowance(alice, bob, units(4)); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if got := l.Allowance(alice, bob); got.Cmp(units(6)) != 0 {
		t.Fatalf("unexpected allowance after increase %s", got)
	}
	if err := l.DecreaseAllowance(alice, bob, units(100)); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if got := l.Allowance(alice, bob); got.Sign() != 0 {
		t.Fatalf("expected allowance clamped to zero, got %s", got)
	}
}

func TestOptInOptOutGuards(t *testing.T) {
	l := NewLedger(vaultAddr)
	mustMint(t, l, alice, units(100))
	if err := l.RebaseOptIn(alice); !errors.Is(err, ErrAlreadyOptedIn) {
		t.Fatalf("expected ErrAlreadyOptedIn, got %v", err)
	}
	supply := l.TotalSupply()
	if err := l.RebaseOptOut(alice); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	if err := l.RebaseOptOut(alice); !errors.Is(err, ErrAlreadyOptedOut) {
		t.Fatalf("expected ErrAlreadyOptedOut, got %v", err)
	}
	if l.TotalSupply().Cmp(supply) != 0 || l.NonRebasingSupply().Cmp(units(100)) != 0 {
		t.Fatalf("opt out must move balance into non-rebasing supply")
	}
	if l.RebaseStateOf(alice) != RebaseOptOut {
		t.Fatalf("unexpected state %s", l.RebaseStateOf(alice))
	}
	if err := l.RebaseOptIn(alice); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if got := l.BalanceOf(alice); got.Cmp(units(100)) != 0 {
		t.Fatalf("opt in changed balance: %s", got)
	}
	if l.NonRebasingSupply().Sign() != 0 || l.TotalSupply().Cmp(supply) != 0 {
		t.Fatalf("opt in must restore rebasing tallies")
	}
	requireInvariant(t, l)
}

func TestRebaseLeavesFixedBalancesUntouched(t *testing.T) {
	l := NewLedger(vaultAddr)
	mustMint(t, l, alice, units(100))
	mustMint(t, l, bob, units(100))
	if err := l.RebaseOptOut(bob); err != nil {
		t.Fatalf("opt out: %v", err)
	}

	rebasingValue := units(100)
	for i := 0; i < 50; i++ {
		rebasingValue = new(big.Int).Add(rebasingValue, units(3))
		before, after, err := l.ApplyRebase(vaultAddr, rebasingValue)
		if err != nil {
			t.Fatalf("rebase %d: %v", i, err)
		}
		if after.Cmp(before) <= 0 {
			t.Fatalf("rebase %d did not grow supply", i)
		}
		if got := l.BalanceOf(bob); got.Cmp(units(100)) != 0 {
			t.Fatalf("fixed balance drifted to %s after %d rebases", got, i+1)
		}
		requireClose(t, "rebasing balance", l.BalanceOf(alice), rebasingValue, 1)
		requireInvariant(t, l)
	}
	requireClose(t, "total supply", l.TotalSupply(), units(350), 1)
}

func TestRebaseSupplyBound(t *testing.T) {
	l := NewLedger(vaultAddr)
	l.SetMaxSupplyDiffBps(500)
	mustMint(t, l, alice, units(100))
	if _, _, err := l.ApplyRebase(vaultAddr, units(106)); !errors.Is(err, ErrSupplyBoundExceeded) {
		t.Fatalf("expected ErrSupplyBoundExceeded, got %v", err)
	}
	if l.TotalSupply().Cmp(units(100)) != 0 || l.RebasingCreditsPerToken().Cmp(resolution) != 0 {
		t.Fatalf("rejected rebase must not change state")
	}
	if _, _, err := l.ApplyRebase(vaultAddr, units(105)); err != nil {
		t.Fatalf("rebase within bound: %v", err)
	}
	if _, _, err := l.ApplyRebase(vaultAddr, big.NewInt(0)); !errors.Is(err, ErrInvalidRebase) {
		t.Fatalf("expected ErrInvalidRebase, got %v", err)
	}
}

func TestRebaseWithoutRebasingCreditsIsNoop(t *testing.T) {
	l := NewLedger(vaultAddr)
	before, after, err := l.ApplyRebase(vaultAddr, units(10))
	if err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if before.Sign() != 0 || after.Sign() != 0 {
		t.Fatalf("expected untouched supply, got %s -> %s", before, after)
	}
}

func TestContractAccountPinnedOnFirstReceipt(t *testing.T) {
	l := NewLedger(vaultAddr)
	l.SetClassifier(NewStaticClassifier(pool))
	mustMint(t, l, alice, units(100))
	if _, _, err := l.ApplyRebase(vaultAddr, units(120)); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if !l.IsNonRebasing(pool) {
		t.Fatalf("contract should be reported non-rebasing before first touch")
	}
	if err := l.Transfer(alice, pool, units(20)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	_, rate := l.CreditsBalanceOf(pool)
	if rate.Cmp(l.RebasingCreditsPerToken()) != 0 {
		t.Fatalf("contract rate not snapshotted at receipt")
	}
	if l.NonRebasingSupply().Cmp(units(20)) != 0 {
		t.Fatalf("unexpected non-rebasing supply %s", l.NonRebasingSupply())
	}
	if _, _, err := l.ApplyRebase(vaultAddr, units(200)); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if got := l.BalanceOf(pool); got.Cmp(units(20)) != 0 {
		t.Fatalf("contract balance moved with rebase: %s", got)
	}
	if err := l.RebaseOptIn(pool); err != nil {
		t.Fatalf("contract opt in: %v", err)
	}
	if l.RebaseStateOf(pool) != RebaseOptIn || l.IsNonRebasing(pool) {
		t.Fatalf("contract should follow the global rate after opting in")
	}
	requireInvariant(t, l)
}

func TestLedgerEmitsAfterCommit(t *testing.T) {
	l := NewLedger(vaultAddr)
	var seen []string
	l.SetEmitter(events.EmitterFunc(func(evt events.Event) {
		// Reading inside the emitter must not deadlock.
		_ = l.TotalSupply()
		seen = append(seen, evt.EventType())
	}))
	mustMint(t, l, alice, units(1))
	if err := l.Approve(alice, bob, units(1)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(seen) != 2 || seen[0] != events.TypeLedgerTransfer || seen[1] != events.TypeLedgerApproval {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestLedgerSnapshotRoundTrip(t *testing.T) {
	l := NewLedger(vaultAddr)
	l.SetMaxSupplyDiffBps(250)
	mustMint(t, l, alice, units(40))
	mustMint(t, l, bob, units(60))
	if err := l.RebaseOptOut(bob); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	if err := l.Approve(alice, carol, units(3)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := l.ApplyRebase(vaultAddr, units(41)); err != nil {
		t.Fatalf("rebase: %v", err)
	}

	db := storage.NewMemDB()
	if _, err := Load(db); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty db, got %v", err)
	}
	if err := l.Save(db); err != nil {
		t.Fatalf("save: %v", err)
	}
	restored, err := Load(db)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, addr := range []common.Address{alice, bob, carol} {
		if restored.BalanceOf(addr).Cmp(l.BalanceOf(addr)) != 0 {
			t.Fatalf("balance mismatch for %s", addr.Hex())
		}
	}
	if restored.Allowance(alice, carol).Cmp(units(3)) != 0 {
		t.Fatalf("allowance not restored")
	}
	if restored.RebaseStateOf(bob) != RebaseOptOut {
		t.Fatalf("rebase state not restored")
	}
	if restored.Supply().RebasingCreditsPerToken.Cmp(l.Supply().RebasingCreditsPerToken) != 0 {
		t.Fatalf("rate not restored")
	}
	if _, _, err := restored.ApplyRebase(vaultAddr, units(100)); !errors.Is(err, ErrSupplyBoundExceeded) {
		t.Fatalf("supply bound not restored: %v", err)
	}
}

func TestRestoreRateUndoesRebase(t *testing.T) {
	l := NewLedger(vaultAddr)
	mustMint(t, l, alice, units(100))
	mustMint(t, l, bob, units(50))
	if err := l.RebaseOptOut(bob); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	rate := l.RebasingCreditsPerToken()
	if _, _, err := l.ApplyRebase(vaultAddr, units(150)); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	requireClose(t, "rebased", l.BalanceOf(alice), units(150), 1)

	if err := l.RestoreRate(alice, rate); !errors.Is(err, ErrCallerNotVault) {
		t.Fatalf("expected ErrCallerNotVault, got %v", err)
	}
	if err := l.RestoreRate(vaultAddr, big.NewInt(0)); !errors.Is(err, ErrInvalidRebase) {
		t.Fatalf("expected ErrInvalidRebase, got %v", err)
	}
	if err := l.RestoreRate(vaultAddr, rate); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if l.RebasingCreditsPerToken().Cmp(rate) != 0 {
		t.Fatalf("rate not restored")
	}
	requireClose(t, "alice", l.BalanceOf(alice), units(100), 1)
	requireClose(t, "bob", l.BalanceOf(bob), units(50), 0)
	requireClose(t, "supply", l.TotalSupply(), units(150), 1)
	requireInvariant(t, l)
}

package rebasing

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
)

var (
	ErrCallerNotVault        = errors.New("rebasing: caller is not the vault")
	ErrInvalidAccount        = errors.New("rebasing: invalid account")
	ErrInvalidAmount         = errors.New("rebasing: amount must not be negative")
	ErrInsufficientBalance   = errors.New("rebasing: insufficient balance")
	ErrInsufficientAllowance = errors.New("rebasing: insufficient allowance")
	ErrAlreadyOptedIn        = errors.New("rebasing: account already opted in")
	ErrAlreadyOptedOut       = errors.New("rebasing: account already opted out")
	ErrSupplyBoundExceeded   = errors.New("rebasing: supply change exceeds bound")
	ErrInvalidRebase         = errors.New("rebasing: invalid rebase value")
	ErrSupplyInvariant       = errors.New("rebasing: supply invariant violated")
)

// Ledger holds XUSD balances. Rebasing accounts hold credits valued at the
// global credits-per-token; non-rebasing accounts carry a frozen rate and are
// tallied in nonRebasingSupply instead of rebasingCredits.
type Ledger struct {
	mu sync.RWMutex

	vault      common.Address
	classifier AccountClassifier
	emitter    events.Emitter

	accounts   map[common.Address]*Account
	allowances map[common.Address]map[common.Address]*big.Int

	rebasingCredits         *big.Int
	rebasingCreditsPerToken *big.Int
	nonRebasingSupply       *big.Int
	totalSupply             *big.Int
	maxSupplyDiffBps        uint64
}

// NewLedger constructs an empty ledger whose privileged operations may only be
// invoked by vault.
func NewLedger(vault common.Address) *Ledger {
	return &Ledger{
		vault:                   vault,
		emitter:                 events.NoopEmitter{},
		accounts:                make(map[common.Address]*Account),
		allowances:              make(map[common.Address]map[common.Address]*big.Int),
		rebasingCredits:         big.NewInt(0),
		rebasingCreditsPerToken: new(big.Int).Set(resolution),
		nonRebasingSupply:       big.NewInt(0),
		totalSupply:             big.NewInt(0),
	}
}

// Vault returns the address allowed to mint, burn and rebase.
func (l *Ledger) Vault() common.Address {
	if l == nil {
		return common.Address{}
	}
	return l.vault
}

// SetClassifier configures contract detection for accounts created afterwards.
func (l *Ledger) SetClassifier(c AccountClassifier) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classifier = c
}

func (l *Ledger) SetEmitter(e events.Emitter) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e == nil {
		e = events.NoopEmitter{}
	}
	l.emitter = e
}

// SetMaxSupplyDiffBps bounds the supply change a single rebase may apply. Zero
// disables the bound.
func (l *Ledger) SetMaxSupplyDiffBps(bps uint64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxSupplyDiffBps = bps
}

// --- read views ---

func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyInt(l.totalSupply)
}

func (l *Ledger) NonRebasingSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyInt(l.nonRebasingSupply)
}

func (l *Ledger) RebasingCredits() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyInt(l.rebasingCredits)
}

func (l *Ledger) RebasingCreditsPerToken() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyInt(l.rebasingCreditsPerToken)
}

// Supply returns every global tally under a single lock.
func (l *Ledger) Supply() Supply {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Supply{
		TotalSupply:             copyInt(l.totalSupply),
		NonRebasingSupply:       copyInt(l.nonRebasingSupply),
		RebasingCredits:         copyInt(l.rebasingCredits),
		RebasingCreditsPerToken: copyInt(l.rebasingCreditsPerToken),
	}
}

func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	return divPrecisely(acct.Credits, l.rateFor(acct))
}

// CreditsBalanceOf returns the raw credits of addr and the rate they are
// valued at.
func (l *Ledger) CreditsBalanceOf(addr common.Address) (*big.Int, *big.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return big.NewInt(0), copyInt(l.rebasingCreditsPerToken)
	}
	return copyInt(acct.Credits), copyInt(l.rateFor(acct))
}

// IsNonRebasing reports whether addr holds a fixed balance, counting contract
// accounts that would be pinned on their next touch.
func (l *Ledger) IsNonRebasing(addr common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return l.classifier != nil && l.classifier.IsContract(addr)
	}
	if acct.frozen() {
		return true
	}
	return acct.Contract && acct.State == RebaseNotSet
}

func (l *Ledger) RebaseStateOf(addr common.Address) RebaseState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if acct, ok := l.accounts[addr]; ok {
		return acct.State
	}
	return RebaseNotSet
}

func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyInt(l.allowances[owner][spender])
}

// Accounts lists every known holder in address order.
func (l *Ledger) Accounts() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]common.Address, 0, len(l.accounts))
	for addr := range l.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (l *Ledger) rateFor(acct *Account) *big.Int {
	if acct.frozen() {
		return acct.CreditsPerToken
	}
	return l.rebasingCreditsPerToken
}

// --- token operations ---

// Transfer moves amount from owner to recipient.
func (l *Ledger) Transfer(owner, to common.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return l.update(func(tx *ledgerTx) error {
		return tx.transfer(owner, to, amount)
	})
}

// TransferFrom moves amount from owner to recipient on behalf of spender,
// consuming allowance.
func (l *Ledger) TransferFrom(spender, owner, to common.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	return l.update(func(tx *ledgerTx) error {
		allowed := tx.allowance(owner, spender)
		if allowed.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		if err := tx.transfer(owner, to, amount); err != nil {
			return err
		}
		tx.setAllowance(owner, spender, allowed.Sub(allowed, amount), false)
		return nil
	})
}

// Approve overwrites the allowance granted by owner to spender.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return ErrInvalidAccount
	}
	return l.update(func(tx *ledgerTx) error {
		tx.setAllowance(owner, spender, new(big.Int).Set(amount), true)
		return nil
	})
}

func (l *Ledger) IncreaseAllowance(owner, spender common.Address, delta *big.Int) error {
	if err := validateAmount(delta); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return ErrInvalidAccount
	}
	return l.update(func(tx *ledgerTx) error {
		next := tx.allowance(owner, spender)
		tx.setAllowance(owner, spender, next.Add(next, delta), true)
		return nil
	})
}

// DecreaseAllowance lowers the allowance, clamping at zero.
func (l *Ledger) DecreaseAllowance(owner, spender common.Address, delta *big.Int) error {
	if err := validateAmount(delta); err != nil {
		return err
	}
	return l.update(func(tx *ledgerTx) error {
		next := tx.allowance(owner, spender)
		next.Sub(next, delta)
		if next.Sign() < 0 {
			next.SetInt64(0)
		}
		tx.setAllowance(owner, spender, next, true)
		return nil
	})
}

// RebaseOptIn returns a fixed-balance account to the global rate.
func (l *Ledger) RebaseOptIn(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAccount
	}
	return l.update(func(tx *ledgerTx) error {
		acct := tx.account(addr)
		if !tx.nonRebasing(addr, acct) {
			return ErrAlreadyOptedIn
		}
		balance := divPrecisely(acct.Credits, acct.CreditsPerToken)
		credits := mulCeil(balance, tx.cpt)
		tx.nonRebasingSupply.Sub(tx.nonRebasingSupply, balance)
		tx.rebasingCredits.Add(tx.rebasingCredits, credits)
		acct.Credits = credits
		acct.CreditsPerToken = nil
		acct.State = RebaseOptIn
		tx.emit(events.LedgerRebaseState{Account: addr, State: RebaseOptIn.String(), Balance: balance})
		return nil
	})
}

// RebaseOptOut pins the account balance at the current rate.
func (l *Ledger) RebaseOptOut(addr common.Address) error {
	if addr == (common.Address{}) {
		return ErrInvalidAccount
	}
	return l.update(func(tx *ledgerTx) error {
		acct := tx.account(addr)
		if tx.nonRebasing(addr, acct) {
			return ErrAlreadyOptedOut
		}
		balance := divPrecisely(acct.Credits, tx.cpt)
		tx.nonRebasingSupply.Add(tx.nonRebasingSupply, balance)
		tx.rebasingCredits.Sub(tx.rebasingCredits, acct.Credits)
		acct.CreditsPerToken = new(big.Int).Set(tx.cpt)
		acct.State = RebaseOptOut
		tx.emit(events.LedgerRebaseState{Account: addr, State: RebaseOptOut.String(), Balance: balance})
		return nil
	})
}

// --- vault operations ---

// Mint credits amount to the recipient. Zero is accepted as a no-op.
func (l *Ledger) Mint(caller, to common.Address, amount *big.Int) error {
	if caller != l.vault {
		return ErrCallerNotVault
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrInvalidAccount
	}
	if amount.Sign() == 0 {
		return nil
	}
	return l.update(func(tx *ledgerTx) error {
		acct := tx.account(to)
		nonRebasing := tx.nonRebasing(to, acct)
		credits := mulCeil(amount, tx.rateFor(acct))
		acct.Credits.Add(acct.Credits, credits)
		if nonRebasing {
			tx.nonRebasingSupply.Add(tx.nonRebasingSupply, amount)
		} else {
			tx.rebasingCredits.Add(tx.rebasingCredits, credits)
		}
		tx.totalSupply.Add(tx.totalSupply, amount)
		tx.emit(events.LedgerTransfer{To: to, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// Burn removes amount from the holder.
func (l *Ledger) Burn(caller, from common.Address, amount *big.Int) error {
	if caller != l.vault {
		return ErrCallerNotVault
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	return l.update(func(tx *ledgerTx) error {
		acct := tx.account(from)
		nonRebasing := tx.nonRebasing(from, acct)
		credits, err := tx.debit(acct, amount)
		if err != nil {
			return err
		}
		if nonRebasing {
			tx.nonRebasingSupply.Sub(tx.nonRebasingSupply, amount)
		} else {
			tx.rebasingCredits.Sub(tx.rebasingCredits, credits)
		}
		tx.totalSupply.Sub(tx.totalSupply, amount)
		tx.emit(events.LedgerTransfer{From: from, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// ApplyRebase sets the global rate so that rebasing holders are collectively
// worth newRebasingValue. It returns the total supply before and after.
func (l *Ledger) ApplyRebase(caller common.Address, newRebasingValue *big.Int) (*big.Int, *big.Int, error) {
	if caller != l.vault {
		return nil, nil, ErrCallerNotVault
	}
	if newRebasingValue == nil || newRebasingValue.Sign() <= 0 {
		return nil, nil, ErrInvalidRebase
	}
	var before, after *big.Int
	err := l.update(func(tx *ledgerTx) error {
		before = copyInt(tx.totalSupply)
		after = copyInt(tx.totalSupply)
		if tx.rebasingCredits.Sign() == 0 {
			return nil
		}
		cpt := divPrecisely(tx.rebasingCredits, newRebasingValue)
		if cpt.Sign() == 0 {
			return fmt.Errorf("%w: rate underflow", ErrInvalidRebase)
		}
		next := new(big.Int).Add(tx.nonRebasingSupply, divPrecisely(tx.rebasingCredits, cpt))
		if bps := l.maxSupplyDiffBps; bps > 0 && before.Sign() > 0 {
			// |next-before| / before > bps / 10000
			lhs := new(big.Int).Mul(absDiff(next, before), basisPoints)
			rhs := new(big.Int).Mul(before, new(big.Int).SetUint64(bps))
			if lhs.Cmp(rhs) > 0 {
				return fmt.Errorf("%w: supply %s -> %s", ErrSupplyBoundExceeded, before, next)
			}
		}
		if cpt.Cmp(tx.cpt) == 0 {
			return nil
		}
		tx.cpt = cpt
		tx.totalSupply = next
		after = copyInt(next)
		tx.emit(events.LedgerSupplyUpdated{
			TotalSupply:     copyInt(next),
			RebasingCredits: copyInt(tx.rebasingCredits),
			CreditsPerToken: copyInt(cpt),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// RestoreRate puts back a credits-per-token value returned by an earlier
// read of RebasingCreditsPerToken, undoing an ApplyRebase. The supply guard
// band is not applied.
func (l *Ledger) RestoreRate(caller common.Address, cpt *big.Int) error {
	if caller != l.vault {
		return ErrCallerNotVault
	}
	if cpt == nil || cpt.Sign() <= 0 {
		return ErrInvalidRebase
	}
	return l.update(func(tx *ledgerTx) error {
		if cpt.Cmp(tx.cpt) == 0 {
			return nil
		}
		tx.cpt = copyInt(cpt)
		tx.totalSupply = new(big.Int).Add(tx.nonRebasingSupply, divPrecisely(tx.rebasingCredits, tx.cpt))
		tx.emit(events.LedgerSupplyUpdated{
			TotalSupply:     copyInt(tx.totalSupply),
			RebasingCredits: copyInt(tx.rebasingCredits),
			CreditsPerToken: copyInt(tx.cpt),
		})
		return nil
	})
}

// CheckInvariant verifies the cached total supply against the supply implied
// by credits.
func (l *Ledger) CheckInvariant() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return checkSupply(l.totalSupply, l.nonRebasingSupply, l.rebasingCredits, l.rebasingCreditsPerToken)
}

func checkSupply(total, nonRebasing, credits, cpt *big.Int) error {
	if nonRebasing.Sign() < 0 || credits.Sign() < 0 {
		return fmt.Errorf("%w: negative tally", ErrSupplyInvariant)
	}
	implied := new(big.Int).Add(nonRebasing, divPrecisely(credits, cpt))
	if absDiff(total, implied).Cmp(invariantTolerance) > 0 {
		return fmt.Errorf("%w: total %s implied %s", ErrSupplyInvariant, total, implied)
	}
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

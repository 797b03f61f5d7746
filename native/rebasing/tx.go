package rebasing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/events"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// ledgerTx stages a mutation against copies of the touched state. Nothing is
// visible to readers until commit succeeds.
type ledgerTx struct {
	l *Ledger

	rebasingCredits   *big.Int
	nonRebasingSupply *big.Int
	totalSupply       *big.Int
	cpt               *big.Int

	touched    map[common.Address]*Account
	allowances map[allowanceKey]*big.Int
	events     []events.Event
}

// update runs fn against a staged transaction and commits it when both fn and
// the supply invariant succeed. Events are emitted after the lock is released.
func (l *Ledger) update(fn func(tx *ledgerTx) error) error {
	if l == nil {
		return ErrInvalidAccount
	}
	l.mu.Lock()
	tx := &ledgerTx{
		l:                 l,
		rebasingCredits:   copyInt(l.rebasingCredits),
		nonRebasingSupply: copyInt(l.nonRebasingSupply),
		totalSupply:       copyInt(l.totalSupply),
		cpt:               copyInt(l.rebasingCreditsPerToken),
		touched:           make(map[common.Address]*Account),
		allowances:        make(map[allowanceKey]*big.Int),
	}
	if err := fn(tx); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := checkSupply(tx.totalSupply, tx.nonRebasingSupply, tx.rebasingCredits, tx.cpt); err != nil {
		l.mu.Unlock()
		return err
	}
	for addr, acct := range tx.touched {
		l.accounts[addr] = acct
	}
	for key, amount := range tx.allowances {
		owned, ok := l.allowances[key.owner]
		if !ok {
			owned = make(map[common.Address]*big.Int)
			l.allowances[key.owner] = owned
		}
		if amount.Sign() == 0 {
			delete(owned, key.spender)
			continue
		}
		owned[key.spender] = amount
	}
	l.rebasingCredits = tx.rebasingCredits
	l.nonRebasingSupply = tx.nonRebasingSupply
	l.totalSupply = tx.totalSupply
	l.rebasingCreditsPerToken = tx.cpt
	emitter := l.emitter
	l.mu.Unlock()

	for _, evt := range tx.events {
		emitter.Emit(evt)
	}
	return nil
}

// account returns a staged copy of the account, creating it on first touch.
func (tx *ledgerTx) account(addr common.Address) *Account {
	if acct, ok := tx.touched[addr]; ok {
		return acct
	}
	var acct *Account
	if existing, ok := tx.l.accounts[addr]; ok {
		acct = existing.Clone()
	} else {
		contract := tx.l.classifier != nil && tx.l.classifier.IsContract(addr)
		acct = newAccount(contract)
	}
	tx.touched[addr] = acct
	return acct
}

// nonRebasing reports the account classification, first pinning contract
// accounts that have not made an explicit choice to the current rate.
func (tx *ledgerTx) nonRebasing(addr common.Address, acct *Account) bool {
	if acct.frozen() {
		return true
	}
	if !acct.Contract || acct.State != RebaseNotSet {
		return false
	}
	if acct.Credits.Sign() > 0 {
		balance := divPrecisely(acct.Credits, tx.cpt)
		tx.nonRebasingSupply.Add(tx.nonRebasingSupply, balance)
		tx.rebasingCredits.Sub(tx.rebasingCredits, acct.Credits)
	}
	acct.CreditsPerToken = new(big.Int).Set(tx.cpt)
	return true
}

func (tx *ledgerTx) rateFor(acct *Account) *big.Int {
	if acct.frozen() {
		return acct.CreditsPerToken
	}
	return tx.cpt
}

// debit removes amount worth of credits from acct and returns the credits
// removed. Spending the full balance clears any residual credit dust.
func (tx *ledgerTx) debit(acct *Account, amount *big.Int) (*big.Int, error) {
	rate := tx.rateFor(acct)
	balance := divPrecisely(acct.Credits, rate)
	if balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	credits := mulTruncate(amount, rate)
	if balance.Cmp(amount) == 0 || credits.Cmp(acct.Credits) > 0 {
		credits = new(big.Int).Set(acct.Credits)
	}
	acct.Credits.Sub(acct.Credits, credits)
	return credits, nil
}

func (tx *ledgerTx) transfer(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) || from == (common.Address{}) {
		return ErrInvalidAccount
	}
	src := tx.account(from)
	if divPrecisely(src.Credits, tx.rateFor(src)).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if amount.Sign() == 0 || from == to {
		tx.emit(events.LedgerTransfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
		return nil
	}
	dst := tx.account(to)
	srcFixed := tx.nonRebasing(from, src)
	dstFixed := tx.nonRebasing(to, dst)

	deducted, err := tx.debit(src, amount)
	if err != nil {
		return err
	}
	credited := mulCeil(amount, tx.rateFor(dst))
	dst.Credits.Add(dst.Credits, credited)

	if srcFixed {
		tx.nonRebasingSupply.Sub(tx.nonRebasingSupply, amount)
	} else {
		tx.rebasingCredits.Sub(tx.rebasingCredits, deducted)
	}
	if dstFixed {
		tx.nonRebasingSupply.Add(tx.nonRebasingSupply, amount)
	} else {
		tx.rebasingCredits.Add(tx.rebasingCredits, credited)
	}
	tx.emit(events.LedgerTransfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (tx *ledgerTx) allowance(owner, spender common.Address) *big.Int {
	if staged, ok := tx.allowances[allowanceKey{owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(staged)
	}
	return copyInt(tx.l.allowances[owner][spender])
}

func (tx *ledgerTx) setAllowance(owner, spender common.Address, amount *big.Int, emit bool) {
	tx.allowances[allowanceKey{owner: owner, spender: spender}] = amount
	if emit {
		tx.emit(events.LedgerApproval{Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	}
}

func (tx *ledgerTx) emit(evt events.Event) {
	tx.events = append(tx.events, evt)
}

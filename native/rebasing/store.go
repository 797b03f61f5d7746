package rebasing

import (
	"bytes"
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
	ledgerSnapshotKey = []byte("rebasing/ledger")

	errValueOverflow = errors.New("rebasing: value exceeds 256 bits")
)

type storedAccount struct {
	Address         common.Address
	Credits         *big.Int
	CreditsPerToken *big.Int
	State           uint8
	Contract        bool
}

type storedAllowance struct {
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}

type storedLedger struct {
	Vault                   common.Address
	RebasingCredits         *big.Int
	RebasingCreditsPerToken *big.Int
	NonRebasingSupply       *big.Int
	TotalSupply             *big.Int
	MaxSupplyDiffBps        uint64
	Accounts                []storedAccount
	Allowances              []storedAllowance
}

func checked(v *big.Int) (*big.Int, error) {
	if v == nil {
		return big.NewInt(0), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("rebasing: negative value %s", v)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return nil, errValueOverflow
	}
	return new(big.Int).Set(v), nil
}

// Save writes a checksummed snapshot of the ledger to db.
func (l *Ledger) Save(db storage.Database) error {
	if l == nil {
		return fmt.Errorf("rebasing: ledger not configured")
	}
	l.mu.RLock()
	record, err := l.snapshotLocked()
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	payload, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("rebasing: encode snapshot: %w", err)
	}
	return storage.PutBlob(db, ledgerSnapshotKey, payload)
}

func (l *Ledger) snapshotLocked() (*storedLedger, error) {
	record := &storedLedger{Vault: l.vault, MaxSupplyDiffBps: l.maxSupplyDiffBps}
	var err error
	if record.RebasingCredits, err = checked(l.rebasingCredits); err != nil {
		return nil, err
	}
	if record.RebasingCreditsPerToken, err = checked(l.rebasingCreditsPerToken); err != nil {
		return nil, err
	}
	if record.NonRebasingSupply, err = checked(l.nonRebasingSupply); err != nil {
		return nil, err
	}
	if record.TotalSupply, err = checked(l.totalSupply); err != nil {
		return nil, err
	}
	for addr, acct := range l.accounts {
		credits, err := checked(acct.Credits)
		if err != nil {
			return nil, err
		}
		cpt, err := checked(acct.CreditsPerToken)
		if err != nil {
			return nil, err
		}
		record.Accounts = append(record.Accounts, storedAccount{
			Address:         addr,
			Credits:         credits,
			CreditsPerToken: cpt,
			State:           uint8(acct.State),
			Contract:        acct.Contract,
		})
	}
	sort.Slice(record.Accounts, func(i, j int) bool {
		return bytes.Compare(record.Accounts[i].Address[:], record.Accounts[j].Address[:]) < 0
	})
	for owner, spenders := range l.allowances {
		for spender, amount := range spenders {
			value, err := checked(amount)
			if err != nil {
				return nil, err
			}
			record.Allowances = append(record.Allowances, storedAllowance{Owner: owner, Spender: spender, Amount: value})
		}
	}
	sort.Slice(record.Allowances, func(i, j int) bool {
		a, b := record.Allowances[i], record.Allowances[j]
		if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Spender[:], b.Spender[:]) < 0
	})
	return record, nil
}

// Load restores a ledger previously written by Save. storage.ErrNotFound is
// returned unchanged when no snapshot exists.
func Load(db storage.Database) (*Ledger, error) {
	payload, err := storage.GetBlob(db, ledgerSnapshotKey)
	if err != nil {
		return nil, err
	}
	var record storedLedger
	if err := rlp.DecodeBytes(payload, &record); err != nil {
		return nil, fmt.Errorf("rebasing: decode snapshot: %w", err)
	}
	l := NewLedger(record.Vault)
	l.maxSupplyDiffBps = record.MaxSupplyDiffBps
	l.rebasingCredits = copyInt(record.RebasingCredits)
	l.nonRebasingSupply = copyInt(record.NonRebasingSupply)
	l.totalSupply = copyInt(record.TotalSupply)
	if record.RebasingCreditsPerToken != nil && record.RebasingCreditsPerToken.Sign() > 0 {
		l.rebasingCreditsPerToken = new(big.Int).Set(record.RebasingCreditsPerToken)
	}
	for _, entry := range record.Accounts {
		acct := &Account{
			Credits:  copyInt(entry.Credits),
			State:    RebaseState(entry.State),
			Contract: entry.Contract,
		}
		if entry.CreditsPerToken != nil && entry.CreditsPerToken.Sign() > 0 {
			acct.CreditsPerToken = new(big.Int).Set(entry.CreditsPerToken)
		}
		l.accounts[entry.Address] = acct
	}
	for _, entry := range record.Allowances {
		owned, ok := l.allowances[entry.Owner]
		if !ok {
			owned = make(map[common.Address]*big.Int)
			l.allowances[entry.Owner] = owned
		}
		owned[entry.Spender] = copyInt(entry.Amount)
	}
	if err := l.CheckInvariant(); err != nil {
		return nil, err
	}
	return l, nil
}

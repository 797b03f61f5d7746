package vault

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"xusd/storage"
)

// ErrInsufficientFunds is returned when a holder cannot cover a token transfer.
var ErrInsufficientFunds = newError("vault: insufficient token balance", ErrInsufficientBalance)

var bankSnapshotKey = []byte("vault/bank")

// TokenBank is an in-memory AssetBank used by tests and development
// deployments. Tokens are created with Credit and destroyed with Debit.
type TokenBank struct {
	mu       sync.RWMutex
	balances map[string]map[common.Address]*big.Int
}

func NewTokenBank() *TokenBank {
	return &TokenBank{balances: make(map[string]map[common.Address]*big.Int)}
}

func (b *TokenBank) BalanceOf(token string, holder common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyInt(b.balances[normaliseAsset(token)][holder])
}

// Credit mints amount of token to holder.
func (b *TokenBank) Credit(token string, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(normaliseAsset(token), holder, amount)
	return nil
}

// Debit destroys amount of token held by holder.
func (b *TokenBank) Debit(token string, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub(normaliseAsset(token), holder, amount)
}

func (b *TokenBank) Transfer(token string, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	sym := normaliseAsset(token)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sub(sym, from, amount); err != nil {
		return err
	}
	b.add(sym, to, amount)
	return nil
}

// Supply sums every holder's balance of token.
func (b *TokenBank) Supply(token string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := big.NewInt(0)
	for _, bal := range b.balances[normaliseAsset(token)] {
		total.Add(total, bal)
	}
	return total
}

func (b *TokenBank) add(token string, holder common.Address, amount *big.Int) {
	holders, ok := b.balances[token]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		b.balances[token] = holders
	}
	current := copyInt(holders[holder])
	holders[holder] = current.Add(current, amount)
}

func (b *TokenBank) sub(token string, holder common.Address, amount *big.Int) error {
	current := copyInt(b.balances[token][holder])
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientFunds, holder.Hex(), current, token, amount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	b.balances[token][holder] = current.Sub(current, amount)
	return nil
}

type storedBalance struct {
	Token   string
	Holder  common.Address
	Balance *big.Int
}

// Save writes every non-zero balance to db.
func (b *TokenBank) Save(db storage.Database) error {
	b.mu.RLock()
	var records []storedBalance
	for token, holders := range b.balances {
		for holder, bal := range holders {
			if bal.Sign() == 0 {
				continue
			}
			value, err := checked(bal)
			if err != nil {
				b.mu.RUnlock()
				return err
			}
			records = append(records, storedBalance{Token: token, Holder: holder, Balance: value})
		}
	}
	b.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool {
		if records[i].Token != records[j].Token {
			return records[i].Token < records[j].Token
		}
		return bytes.Compare(records[i].Holder[:], records[j].Holder[:]) < 0
	})
	payload, err := rlp.EncodeToBytes(records)
	if err != nil {
		return fmt.Errorf("vault: encode bank: %w", err)
	}
	return storage.PutBlob(db, bankSnapshotKey, payload)
}

// LoadTokenBank restores a bank written by Save.
func LoadTokenBank(db storage.Database) (*TokenBank, error) {
	payload, err := storage.GetBlob(db, bankSnapshotKey)
	if err != nil {
		return nil, err
	}
	var records []storedBalance
	if err := rlp.DecodeBytes(payload, &records); err != nil {
		return nil, fmt.Errorf("vault: decode bank: %w", err)
	}
	bank := NewTokenBank()
	for _, rec := range records {
		bank.add(rec.Token, rec.Holder, rec.Balance)
	}
	return bank, nil
}

package rebasing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RebaseState records an account's explicit rebasing choice.
type RebaseState uint8

const (
	RebaseNotSet RebaseState = iota
	RebaseOptIn
	RebaseOptOut
)

func (s RebaseState) String() string {
	switch s {
	case RebaseOptIn:
		return "optIn"
	case RebaseOptOut:
		return "optOut"
	default:
		return "notSet"
	}
}

// Account is the per-holder ledger entry. CreditsPerToken is nil while the
// account follows the global rate and holds the frozen rate otherwise.
type Account struct {
	Credits         *big.Int
	CreditsPerToken *big.Int
	State           RebaseState
	Contract        bool
}

func newAccount(contract bool) *Account {
	return &Account{Credits: big.NewInt(0), Contract: contract}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{
		Credits:  copyInt(a.Credits),
		State:    a.State,
		Contract: a.Contract,
	}
	if a.CreditsPerToken != nil {
		out.CreditsPerToken = new(big.Int).Set(a.CreditsPerToken)
	}
	return out
}

func (a *Account) frozen() bool {
	return a != nil && a.CreditsPerToken != nil && a.CreditsPerToken.Sign() > 0
}

// AccountClassifier decides, when an account is first created, whether it
// belongs to a contract. Contract accounts default to a fixed balance.
type AccountClassifier interface {
	IsContract(addr common.Address) bool
}

// ClassifierFunc adapts a function to AccountClassifier.
type ClassifierFunc func(addr common.Address) bool

func (f ClassifierFunc) IsContract(addr common.Address) bool {
	if f == nil {
		return false
	}
	return f(addr)
}

// StaticClassifier treats the listed addresses as contracts.
type StaticClassifier map[common.Address]struct{}

// NewStaticClassifier builds a classifier from a fixed address list.
func NewStaticClassifier(addrs ...common.Address) StaticClassifier {
	out := make(StaticClassifier, len(addrs))
	for _, addr := range addrs {
		out[addr] = struct{}{}
	}
	return out
}

func (s StaticClassifier) IsContract(addr common.Address) bool {
	_, ok := s[addr]
	return ok
}

// Supply is a consistent read of the global ledger tallies.
type Supply struct {
	TotalSupply             *big.Int
	NonRebasingSupply       *big.Int
	RebasingCredits         *big.Int
	RebasingCreditsPerToken *big.Int
}

package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"xusd/core/types"
)

const (
	// TypeLedgerTransfer is emitted for every XUSD balance movement, including
	// mints (from the zero address) and burns (to the zero address).
	TypeLedgerTransfer = "xusd.transfer"
	// TypeLedgerApproval is emitted when an allowance changes.
	TypeLedgerApproval = "xusd.approval"
	// TypeLedgerRebaseState is emitted when an account opts in or out of rebasing.
	TypeLedgerRebaseState = "xusd.rebaseState"
	// TypeLedgerSupplyUpdated is emitted when the rebasing exchange rate changes.
	TypeLedgerSupplyUpdated = "xusd.supplyUpdated"
)

type LedgerTransfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

func (LedgerTransfer) EventType() string { return TypeLedgerTransfer }

func (e LedgerTransfer) Event() *types.Event {
	return &types.Event{Type: TypeLedgerTransfer, Attributes: map[string]string{
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}}
}

type LedgerApproval struct {
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}

func (LedgerApproval) EventType() string { return TypeLedgerApproval }

func (e LedgerApproval) Event() *types.Event {
	return &types.Event{Type: TypeLedgerApproval, Attributes: map[string]string{
		"owner":   formatAddress(e.Owner),
		"spender": formatAddress(e.Spender),
		"amount":  formatAmount(e.Amount),
	}}
}

// LedgerRebaseState records an explicit opt-in or opt-out together with the
// account balance at the moment of the switch.
type LedgerRebaseState struct {
	Account common.Address
	State   string
	Balance *big.Int
}

func (LedgerRebaseState) EventType() string { return TypeLedgerRebaseState }

func (e LedgerRebaseState) Event() *types.Event {
	return &types.Event{Type: TypeLedgerRebaseState, Attributes: map[string]string{
		"account": formatAddress(e.Account),
		"state":   e.State,
		"balance": formatAmount(e.Balance),
	}}
}

type LedgerSupplyUpdated struct {
	TotalSupply     *big.Int
	RebasingCredits *big.Int
	CreditsPerToken *big.Int
}

func (LedgerSupplyUpdated) EventType() string { return TypeLedgerSupplyUpdated }

func (e LedgerSupplyUpdated) Event() *types.Event {
	return &types.Event{Type: TypeLedgerSupplyUpdated, Attributes: map[string]string{
		"totalSupply":     formatAmount(e.TotalSupply),
		"rebasingCredits": formatAmount(e.RebasingCredits),
		"creditsPerToken": formatAmount(e.CreditsPerToken),
	}}
}

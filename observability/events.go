package observability

import (
	"xusd/core/events"
)

// EventMetrics is an events.Emitter that feeds vault events into the
// prometheus registries.
type EventMetrics struct {
	vault *VaultMetrics
}

// NewEventMetrics binds the emitter to the process-wide vault registry.
func NewEventMetrics() *EventMetrics {
	return &EventMetrics{vault: Vault()}
}

// Emit implements events.Emitter.
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	switch e := evt.(type) {
	case events.VaultMint:
		m.vault.RecordMint(e.Asset, e.Value)
	case events.VaultRedeem:
		m.vault.RecordRedeem(e.Amount, e.Fee)
	case events.VaultAssetAllocated:
		m.vault.RecordAllocation(e.Asset, false)
	case events.VaultAllocateFailed:
		m.vault.RecordAllocation(e.Asset, true)
	case events.VaultRebase:
		m.vault.RecordRebase(e.SupplyAfter, e.CreditsPerToken)
	case events.VaultYieldDistribution:
		m.vault.RecordTrusteeFee(e.Fee)
	case events.VaultRewardTokenCollected:
		m.vault.RecordReward(e.Token)
	case events.VaultSwapped:
		m.vault.RecordSwap(e.TokenIn, e.TokenOut)
	case events.VaultPause:
		m.vault.SetPause(e.Module, e.Paused)
	case events.LedgerSupplyUpdated:
		m.vault.RecordSupply(e.TotalSupply, nil)
	}
}

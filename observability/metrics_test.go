package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"xusd/core/events"
)

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestEventMetricsRecordsVaultFlows(t *testing.T) {
	m := NewEventMetrics()
	mintedBefore := testutil.ToFloat64(m.vault.minted.WithLabelValues("DAI"))
	feesBefore := testutil.ToFloat64(m.vault.redeemFees)
	failuresBefore := testutil.ToFloat64(m.vault.allocateFailures.WithLabelValues("USDC"))

	m.Emit(events.VaultMint{Account: common.HexToAddress("0x01"), Asset: "dai", Value: usd(150)})
	m.Emit(events.VaultRedeem{Amount: usd(10), Fee: usd(2)})
	m.Emit(events.VaultAllocateFailed{Asset: "usdc", Reason: "rejected"})
	m.Emit(events.VaultPause{Module: "capital", Paused: true})
	m.Emit(events.LedgerSupplyUpdated{TotalSupply: usd(140)})
	m.Emit(nil)

	if diff := testutil.ToFloat64(m.vault.minted.WithLabelValues("DAI")) - mintedBefore; diff != 150 {
		t.Fatalf("expected 150 minted, got %f", diff)
	}
	if diff := testutil.ToFloat64(m.vault.redeemFees) - feesBefore; diff != 2 {
		t.Fatalf("expected fee of 2, got %f", diff)
	}
	if diff := testutil.ToFloat64(m.vault.allocateFailures.WithLabelValues("USDC")) - failuresBefore; diff != 1 {
		t.Fatalf("expected one allocate failure, got %f", diff)
	}
	if got := testutil.ToFloat64(m.vault.pauseEngaged.WithLabelValues("capital")); got != 1 {
		t.Fatalf("expected capital pause gauge, got %f", got)
	}
	if got := testutil.ToFloat64(m.vault.totalSupply); got != 140 {
		t.Fatalf("expected supply gauge 140, got %f", got)
	}
}

func TestKeeperMetricsObserve(t *testing.T) {
	k := Keeper()
	before := testutil.ToFloat64(k.runs.WithLabelValues("rebase", "success"))
	started := time.Unix(1_700_000_000, 0)
	k.Observe("rebase", started, nil)
	if diff := testutil.ToFloat64(k.runs.WithLabelValues("rebase", "success")) - before; diff != 1 {
		t.Fatalf("expected run increment, got %f", diff)
	}
	if got := testutil.ToFloat64(k.lastRun.WithLabelValues("rebase")); got != float64(started.Unix()) {
		t.Fatalf("unexpected last run %f", got)
	}
}

func TestUSDToFloat(t *testing.T) {
	if got := usdToFloat(nil); got != 0 {
		t.Fatalf("nil should convert to zero")
	}
	half := new(big.Int).Div(usd(1), big.NewInt(2))
	if got := usdToFloat(half); got != 0.5 {
		t.Fatalf("expected 0.5, got %f", got)
	}
}

package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics

	keeperMetricsOnce sync.Once
	keeperRegistry    *KeeperMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to record
// API activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xusd",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// VaultMetrics tracks supply, backing and flows through the capital engine.
// Amounts are exported in whole USD (18 decimal fixed point divided down).
type VaultMetrics struct {
	totalSupply       prometheus.Gauge
	totalValue        prometheus.Gauge
	creditsPerToken   prometheus.Gauge
	minted            *prometheus.CounterVec
	redeemed          prometheus.Counter
	redeemFees        prometheus.Counter
	allocated         *prometheus.CounterVec
	allocateFailures  *prometheus.CounterVec
	rebases           prometheus.Counter
	trusteeFees       prometheus.Counter
	rewardsCollected  *prometheus.CounterVec
	swaps             *prometheus.CounterVec
	pauseEngaged      *prometheus.GaugeVec
	operationFailures *prometheus.CounterVec
}

// Vault returns the metrics registry for the capital engine.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			totalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "total_supply_usd",
				Help:      "XUSD total supply after the latest mutation.",
			}),
			totalValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "total_value_usd",
				Help:      "USD value of collateral held by the vault and its strategies.",
			}),
			creditsPerToken: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "credits_per_token",
				Help:      "Global rebasing exchange rate, scaled down by 1e18.",
			}),
			minted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "minted_usd_total",
				Help:      "XUSD minted segmented by collateral asset.",
			}, []string{"asset"}),
			redeemed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "redeemed_usd_total",
				Help:      "XUSD burned through redemptions.",
			}),
			redeemFees: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "redeem_fees_usd_total",
				Help:      "Redemption fees retained by the pool.",
			}),
			allocated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "allocations_total",
				Help:      "Successful strategy deposits segmented by asset.",
			}, []string{"asset"}),
			allocateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "allocate_failures_total",
				Help:      "Strategy deposits skipped during best-effort allocation.",
			}, []string{"asset"}),
			rebases: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "rebases_total",
				Help:      "Exchange rate updates applied to the ledger.",
			}),
			trusteeFees: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "trustee_fees_usd_total",
				Help:      "Yield minted to the trustee.",
			}),
			rewardsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "rewards_collected_total",
				Help:      "Reward token harvests segmented by token.",
			}, []string{"token"}),
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "swaps_total",
				Help:      "Reward token swaps segmented by input and output token.",
			}, []string{"token_in", "token_out"}),
			pauseEngaged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "pause_engaged",
				Help:      "Indicates whether a circuit breaker is engaged (1) or not (0).",
			}, []string{"module"}),
			operationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "vault",
				Name:      "operation_failures_total",
				Help:      "Rejected engine operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(
			vaultRegistry.totalSupply,
			vaultRegistry.totalValue,
			vaultRegistry.creditsPerToken,
			vaultRegistry.minted,
			vaultRegistry.redeemed,
			vaultRegistry.redeemFees,
			vaultRegistry.allocated,
			vaultRegistry.allocateFailures,
			vaultRegistry.rebases,
			vaultRegistry.trusteeFees,
			vaultRegistry.rewardsCollected,
			vaultRegistry.swaps,
			vaultRegistry.pauseEngaged,
			vaultRegistry.operationFailures,
		)
	})
	return vaultRegistry
}

// RecordSupply updates the supply and backing gauges.
func (m *VaultMetrics) RecordSupply(totalSupply, totalValue *big.Int) {
	if m == nil {
		return
	}
	m.totalSupply.Set(usdToFloat(totalSupply))
	if totalValue != nil {
		m.totalValue.Set(usdToFloat(totalValue))
	}
}

func (m *VaultMetrics) RecordMint(asset string, value *big.Int) {
	if m == nil {
		return
	}
	m.minted.WithLabelValues(labelAsset(asset)).Add(usdToFloat(value))
}

func (m *VaultMetrics) RecordRedeem(amount, fee *big.Int) {
	if m == nil {
		return
	}
	m.redeemed.Add(usdToFloat(amount))
	m.redeemFees.Add(usdToFloat(fee))
}

func (m *VaultMetrics) RecordAllocation(asset string, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.allocateFailures.WithLabelValues(labelAsset(asset)).Inc()
		return
	}
	m.allocated.WithLabelValues(labelAsset(asset)).Inc()
}

// RecordRebase counts a rate update and refreshes the rate and supply gauges.
func (m *VaultMetrics) RecordRebase(supplyAfter, creditsPerToken *big.Int) {
	if m == nil {
		return
	}
	m.rebases.Inc()
	m.totalSupply.Set(usdToFloat(supplyAfter))
	m.creditsPerToken.Set(usdToFloat(creditsPerToken))
}

func (m *VaultMetrics) RecordTrusteeFee(fee *big.Int) {
	if m == nil {
		return
	}
	m.trusteeFees.Add(usdToFloat(fee))
}

func (m *VaultMetrics) RecordReward(token string) {
	if m == nil {
		return
	}
	m.rewardsCollected.WithLabelValues(labelAsset(token)).Inc()
}

func (m *VaultMetrics) RecordSwap(tokenIn, tokenOut string) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(labelAsset(tokenIn), labelAsset(tokenOut)).Inc()
}

// SetPause toggles the pause_engaged gauge for module.
func (m *VaultMetrics) SetPause(module string, engaged bool) {
	if m == nil {
		return
	}
	value := 0.0
	if engaged {
		value = 1
	}
	m.pauseEngaged.WithLabelValues(strings.TrimSpace(module)).Set(value)
}

// RecordFailure increments the failure counter. Reasons should be stable
// strings such as "policy" or "slippage".
func (m *VaultMetrics) RecordFailure(operation, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.operationFailures.WithLabelValues(operation, reason).Inc()
}

// KeeperMetrics tracks scheduled maintenance runs.
type KeeperMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
}

// Keeper returns the metrics registry for the scheduled keeper.
func Keeper() *KeeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xusd",
				Subsystem: "keeper",
				Name:      "runs_total",
				Help:      "Keeper job executions segmented by job and outcome.",
			}, []string{"job", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xusd",
				Subsystem: "keeper",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution of keeper jobs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job"}),
			lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "xusd",
				Subsystem: "keeper",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the most recent run per job.",
			}, []string{"job"}),
		}
		prometheus.MustRegister(keeperRegistry.runs, keeperRegistry.duration, keeperRegistry.lastRun)
	})
	return keeperRegistry
}

// Runs exposes the run counter, labelled by job and outcome.
func (m *KeeperMetrics) Runs() *prometheus.CounterVec { return m.runs }

// Observe records a completed keeper job.
func (m *KeeperMetrics) Observe(job string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	m.duration.WithLabelValues(job).Observe(time.Since(started).Seconds())
	m.lastRun.WithLabelValues(job).Set(float64(started.Unix()))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

var usdScale = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// usdToFloat converts an 18 decimal fixed point value into a float for
// export.
func usdToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(value), usdScale)
	floatVal, acc := scaled.Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

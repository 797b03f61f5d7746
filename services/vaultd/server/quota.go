package server

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	nativecommon "xusd/native/common"
	"xusd/services/vaultd/config"
)

// Quotas meters mint and redeem activity per caller and epoch in whole USD.
type Quotas struct {
	quota nativecommon.Quota
	mu    sync.Mutex
	usage map[common.Address]nativecommon.QuotaNow
	nowFn func() time.Time
}

func NewQuotas(cfg config.QuotaConfig) *Quotas {
	epoch := cfg.Epoch.Duration / time.Second
	if epoch > math.MaxUint32 {
		epoch = math.MaxUint32
	}
	return &Quotas{
		quota: nativecommon.Quota{
			MaxRequestsPerEpoch: cfg.MaxRequestsPerEpoch,
			MaxValuePerEpoch:    cfg.MaxUSDPerEpoch,
			EpochSeconds:        uint32(epoch),
		},
		usage: make(map[common.Address]nativecommon.QuotaNow),
		nowFn: time.Now,
	}
}

// Check reports whether caller can spend usd more this epoch without
// recording it.
func (q *Quotas) Check(caller common.Address, usd uint64) (nativecommon.QuotaNow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	epoch := q.quota.EpochAt(q.nowFn().Unix())
	return nativecommon.CheckQuota(q.quota, epoch, q.usage[caller], 1, usd)
}

// Commit stores the counters returned by a successful Check.
func (q *Quotas) Commit(caller common.Address, next nativecommon.QuotaNow) {
	q.mu.Lock()
	q.usage[caller] = next
	q.mu.Unlock()
}

// usdWhole values units of a token with the given decimals at an 18 decimal
// USD price, rounded up to whole dollars.
func usdWhole(units *big.Int, decimals uint8, price *big.Int) uint64 {
	if units == nil || price == nil {
		return 0
	}
	value := decimal.NewFromBigInt(units, -int32(decimals)).
		Mul(decimal.NewFromBigInt(price, -18)).
		Ceil().
		BigInt()
	if !value.IsUint64() {
		return math.MaxUint64
	}
	return value.Uint64()
}

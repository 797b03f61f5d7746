package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// QuoteUSD is the quote symbol used for collateral valuation.
const QuoteUSD = "USD"

// PriceQuote is the price of one unit of the base symbol expressed in the quote
// symbol, together with the upstream observation time and source name.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// RateString renders the rate with the supplied number of decimals.
func (q PriceQuote) RateString(precision int) string {
	if q.Rate == nil {
		return ""
	}
	if precision < 0 {
		precision = 18
	}
	return q.Rate.FloatString(precision)
}

// PriceOracle resolves the price of base in quote. Implementations must not
// have side effects visible to callers.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

var (
	// ErrNoFreshQuote indicates that no source produced a quote within the
	// freshness window.
	ErrNoFreshQuote = errors.New("oracle: no fresh quote available")
	// ErrInvalidRate flags non-positive or missing rates.
	ErrInvalidRate = errors.New("oracle: invalid rate")
)

// FeedHealth describes the last successful observation for a pair.
type FeedHealth struct {
	Pair         string
	Source       string
	LastObserved time.Time
	Observations int
}

// Aggregator consults registered oracles in priority order until a fresh quote
// is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
	health   map[string]FeedHealth
	nowFn    func() time.Time
}

// NewAggregator constructs an aggregator with the provided priority ordering
// and freshness window. A zero maxAge disables staleness checks.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	prio := make([]string, 0, len(priority))
	for _, name := range priority {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			prio = append(prio, trimmed)
		}
	}
	return &Aggregator{
		priority: prio,
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
		health:   make(map[string]FeedHealth),
		nowFn:    time.Now,
	}
}

// SetClock overrides the time source used for freshness checks.
func (a *Aggregator) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// Register adds or replaces an oracle under the supplied identifier. New
// identifiers are appended to the end of the priority list.
func (a *Aggregator) Register(name string, oracle PriceOracle) {
	if a == nil || oracle == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetRate returns the first fresh, positive quote in priority order.
func (a *Aggregator) GetRate(base, quote string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("oracle aggregator not configured")
	}
	baseSym := NormaliseSymbol(base)
	quoteSym := NormaliseSymbol(quote)
	if baseSym == "" || quoteSym == "" {
		return PriceQuote{}, fmt.Errorf("oracle: base and quote required")
	}

	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	now := a.nowFn()
	a.mu.RUnlock()

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		source := a.oracles[name]
		a.mu.RUnlock()
		if source == nil {
			continue
		}
		quote, err := source.GetRate(baseSym, quoteSym)
		if err != nil {
			lastErr = fmt.Errorf("oracle %s: %w", name, err)
			continue
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s: %w", name, ErrInvalidRate)
			continue
		}
		if maxAge > 0 && quote.Timestamp.Before(now.Add(-maxAge)) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		a.observe(baseSym+"/"+quoteSym, result)
		return result, nil
	}
	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

func (a *Aggregator) observe(pair string, quote PriceQuote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.health[pair]
	entry.Pair = pair
	entry.Source = quote.Source
	entry.LastObserved = quote.Timestamp
	entry.Observations++
	a.health[pair] = entry
}

// Health lists the last observation per pair in pair order.
func (a *Aggregator) Health() []FeedHealth {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]FeedHealth, 0, len(a.health))
	for _, entry := range a.health {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// NormaliseSymbol upper-cases and trims an asset symbol.
func NormaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

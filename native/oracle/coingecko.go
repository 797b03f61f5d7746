package oracle

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3"

// CoinGeckoOracle adapts the public CoinGecko simple price API.
type CoinGeckoOracle struct {
	client *resty.Client
	idMap  map[string]string
}

// NewCoinGeckoOracle constructs an adapter. idMap maps asset symbols to
// CoinGecko identifiers (e.g. DAI -> dai, USDC -> usd-coin).
func NewCoinGeckoOracle(endpoint string, idMap map[string]string, timeout time.Duration) *CoinGeckoOracle {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(ep).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[NormaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoOracle{client: client, idMap: mapped}
}

func (o *CoinGeckoOracle) assetID(symbol string) string {
	if id, ok := o.idMap[NormaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

func (o *CoinGeckoOracle) GetRate(base, quote string) (PriceQuote, error) {
	if o == nil || o.client == nil {
		return PriceQuote{}, fmt.Errorf("coingecko oracle not configured")
	}
	id := o.assetID(base)
	vs := strings.ToLower(NormaliseSymbol(quote))
	if id == "" || vs == "" {
		return PriceQuote{}, fmt.Errorf("coingecko oracle: base and quote required")
	}
	var payload map[string]map[string]json.Number
	resp, err := o.client.R().
		SetQueryParams(map[string]string{
			"ids":                     id,
			"vs_currencies":           vs,
			"include_last_updated_at": "true",
		}).
		SetResult(&payload).
		Get("/simple/price")
	if err != nil {
		return PriceQuote{}, fmt.Errorf("coingecko oracle: %w", err)
	}
	if resp.IsError() {
		body := strings.TrimSpace(string(resp.Body()))
		if len(body) > 512 {
			body = body[:512]
		}
		return PriceQuote{}, fmt.Errorf("coingecko oracle: status %d: %s", resp.StatusCode(), body)
	}
	entry, ok := payload[id]
	if !ok {
		return PriceQuote{}, fmt.Errorf("coingecko oracle: quote missing for %s", NormaliseSymbol(base))
	}
	raw := strings.TrimSpace(entry[vs].String())
	if raw == "" {
		return PriceQuote{}, fmt.Errorf("coingecko oracle: empty price")
	}
	rat, ok := new(big.Rat).SetString(raw)
	if !ok || rat.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("coingecko oracle: %w %q", ErrInvalidRate, raw)
	}
	ts := time.Now()
	if updated := strings.TrimSpace(entry["last_updated_at"].String()); updated != "" {
		if secs, err := strconv.ParseInt(updated, 10, 64); err == nil && secs > 0 {
			ts = time.Unix(secs, 0)
		}
	}
	return PriceQuote{Rate: rat, Timestamp: ts, Source: "coingecko"}, nil
}

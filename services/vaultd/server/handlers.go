package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"xusd/core/amount"
	"xusd/native/vault"
	"xusd/observability"
	"xusd/services/vaultd/journal"
)

const xusdDecimals = 18

type assetAmountView struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	observability.Vault().RecordFailure(operationName(r), failureReason(status))
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// operationName labels a request by route pattern, or by action for admin
// calls, so path parameters never reach metric labels.
func operationName(r *http.Request) string {
	if action := chi.URLParam(r, "action"); action != "" {
		return "admin." + action
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest(fmt.Sprintf("invalid payload: %v", err))
	}
	return nil
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, badRequest(field + " must be a hex address")
	}
	return common.HexToAddress(trimmed), nil
}

// parseUnits converts a decimal token amount into base units. An empty value
// is rejected unless optional is set, in which case nil is returned.
func (s *Server) parseUnits(token, field, value string, optional bool) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		if optional {
			return nil, nil
		}
		return nil, badRequest(field + " required")
	}
	units, err := s.rt.Units(token, value)
	if err != nil {
		if errors.Is(err, vault.ErrInvalidAsset) || errors.Is(err, amount.ErrNegative) || errors.Is(err, amount.ErrPrecision) {
			return nil, err
		}
		return nil, badRequest(fmt.Sprintf("invalid %s: %v", field, err))
	}
	return units, nil
}

func (s *Server) caller(r *http.Request) common.Address {
	p, _ := principalFrom(r.Context())
	return p.Caller
}

func (s *Server) outputsView(outputs []vault.AssetAmount) []assetAmountView {
	out := make([]assetAmountView, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, assetAmountView{Asset: o.Asset, Amount: s.rt.Format(o.Asset, o.Amount)})
	}
	return out
}

func formatUSD(v *big.Int) string { return amount.Format(v, xusdDecimals) }

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	supply := s.rt.Ledger.Supply()
	resp := map[string]any{
		"totalSupply":             formatUSD(supply.TotalSupply),
		"nonRebasingSupply":       formatUSD(supply.NonRebasingSupply),
		"rebasingCredits":         supply.RebasingCredits.String(),
		"rebasingCreditsPerToken": supply.RebasingCreditsPerToken.String(),
		"capitalPaused":           s.rt.Engine.CapitalPaused(),
		"rebasePaused":            s.rt.Engine.RebasePaused(),
	}
	if value, err := s.rt.Engine.TotalValue(r.Context()); err == nil {
		resp["totalValue"] = formatUSD(value)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.rt.Engine.Config()
	resp := map[string]any{
		"vaultBufferBps":           cfg.VaultBufferBps,
		"redeemFeeBps":             cfg.RedeemFeeBps,
		"maxSupplyDiffBps":         cfg.MaxSupplyDiffBps,
		"trusteeFeeBps":            cfg.TrusteeFeeBps,
		"swapSlippageBps":          cfg.SwapSlippageBps,
		"autoAllocateThresholdUSD": formatUSD(cfg.AutoAllocateThreshold),
		"rebaseThresholdUSD":       formatUSD(cfg.RebaseThreshold),
		"vault":                    s.rt.Engine.Vault().Hex(),
		"governor":                 s.rt.Engine.Governor().Hex(),
		"strategist":               addressOrEmpty(s.rt.Engine.Strategist()),
		"trustee":                  addressOrEmpty(s.rt.Engine.Trustee()),
	}
	swapTokens := make([]string, 0)
	for _, token := range s.rt.Engine.SwapTokens() {
		swapTokens = append(swapTokens, token.Symbol)
	}
	resp["swapTokens"] = swapTokens
	if target, ok := s.rt.Engine.SwapTarget(); ok {
		resp["swapTarget"] = target.Symbol
	}
	writeJSON(w, http.StatusOK, resp)
}

func addressOrEmpty(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	credits, cpt := s.rt.Ledger.CreditsBalanceOf(addr)
	writeJSON(w, http.StatusOK, map[string]any{
		"address":         addr.Hex(),
		"balance":         formatUSD(s.rt.Ledger.BalanceOf(addr)),
		"credits":         credits.String(),
		"creditsPerToken": cpt.String(),
		"rebaseState":     s.rt.Ledger.RebaseStateOf(addr).String(),
		"nonRebasing":     s.rt.Ledger.IsNonRebasing(addr),
	})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	spender, err := parseAddress("spender", chi.URLParam(r, "spender"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"allowance": formatUSD(s.rt.Ledger.Allowance(owner, spender)),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	type assetView struct {
		Symbol          string `json:"symbol"`
		Decimals        uint8  `json:"decimals"`
		Balance         string `json:"balance"`
		PriceMint       string `json:"priceMint,omitempty"`
		PriceRedeem     string `json:"priceRedeem,omitempty"`
		DefaultStrategy string `json:"defaultStrategy,omitempty"`
	}
	assets := s.rt.Engine.Assets()
	out := make([]assetView, 0, len(assets))
	for _, asset := range assets {
		balance, err := s.rt.Engine.CheckBalance(r.Context(), asset.Symbol)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		view := assetView{Symbol: asset.Symbol, Decimals: asset.Decimals, Balance: amount.Format(balance, asset.Decimals)}
		if p, err := s.rt.Engine.PriceUSDMint(asset.Symbol); err == nil {
			view.PriceMint = formatUSD(p)
		}
		if p, err := s.rt.Engine.PriceUSDRedeem(asset.Symbol); err == nil {
			view.PriceRedeem = formatUSD(p)
		}
		if def, ok := s.rt.Engine.DefaultStrategy(asset.Symbol); ok {
			view.DefaultStrategy = def.Hex()
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out, "count": s.rt.Engine.AssetCount()})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	type strategyView struct {
		Address   string `json:"address"`
		Supported bool   `json:"supported"`
	}
	infos := s.rt.Engine.Strategies()
	out := make([]strategyView, 0, len(infos))
	for _, info := range infos {
		out = append(out, strategyView{Address: info.Address.Hex(), Supported: info.IsSupported})
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out, "count": s.rt.Engine.StrategyCount()})
}

func (s *Server) handleRedeemPreview(w http.ResponseWriter, r *http.Request) {
	units, err := s.parseUnits("XUSD", "amount", r.URL.Query().Get("amount"), false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	outputs, err := s.rt.Engine.CalculateRedeemOutputs(r.Context(), units)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fee := new(big.Int).Mul(units, new(big.Int).SetUint64(s.rt.Engine.Config().RedeemFeeBps))
	fee.Quo(fee, big.NewInt(10_000))
	writeJSON(w, http.StatusOK, map[string]any{
		"amount":  formatUSD(units),
		"fee":     formatUSD(fee),
		"outputs": s.outputsView(outputs),
	})
}

func (s *Server) handleOracleHealth(w http.ResponseWriter, r *http.Request) {
	type feedView struct {
		Pair         string `json:"pair"`
		Source       string `json:"source"`
		LastObserved string `json:"lastObserved"`
		Observations int    `json:"observations"`
	}
	health := s.rt.Prices.Health()
	out := make([]feedView, 0, len(health))
	for _, h := range health {
		out = append(out, feedView{
			Pair:         h.Pair,
			Source:       h.Source,
			LastObserved: h.LastObserved.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Observations: h.Observations,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal unavailable")
		return
	}
	query := r.URL.Query()
	filter := journal.Filter{Type: strings.TrimSpace(query.Get("type"))}
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(w, r, badRequest("invalid limit"))
			return
		}
		filter.Limit = n
	}
	if raw := query.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.fail(w, r, badRequest("invalid after"))
			return
		}
		filter.AfterSeq = n
	}
	records, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

// meter checks caller's quota for usd, runs fn and records the usage when fn
// succeeds. It must run inside runtime.Do.
func (s *Server) meter(caller common.Address, usd uint64, fn func() error) error {
	next, err := s.quotas.Check(caller, usd)
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	s.quotas.Commit(caller, next)
	return nil
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
		MinOut string `json:"minOut"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	units, err := s.parseUnits(req.Asset, "amount", req.Amount, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	minOut, err := s.parseUnits("XUSD", "minOut", req.MinOut, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller := s.caller(r)
	decimals, _ := s.rt.Decimals(req.Asset)
	var minted *big.Int
	err = s.rt.Do(r.Context(), func(ctx context.Context) error {
		price, err := s.rt.Engine.PriceUSDMint(req.Asset)
		if err != nil {
			return err
		}
		return s.meter(caller, usdWhole(units, decimals, price), func() error {
			var err error
			minted, err = s.rt.Engine.Mint(ctx, caller, req.Asset, units, minOut)
			return err
		})
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"minted":  formatUSD(minted),
		"balance": formatUSD(s.rt.Ledger.BalanceOf(caller)),
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      string `json:"amount"`
		MinUnitsOut string `json:"minUnitsOut"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	units, err := s.parseUnits("XUSD", "amount", req.Amount, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.redeem(w, r, units, req.MinUnitsOut)
}

func (s *Server) handleRedeemAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MinUnitsOut string `json:"minUnitsOut"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	s.redeem(w, r, nil, req.MinUnitsOut)
}

// redeem burns units of the caller's XUSD, or the whole balance when units is
// nil.
func (s *Server) redeem(w http.ResponseWriter, r *http.Request, units *big.Int, rawMin string) {
	minOut, err := s.parseUnits("XUSD", "minUnitsOut", rawMin, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller := s.caller(r)
	var outputs []vault.AssetAmount
	err = s.rt.Do(r.Context(), func(ctx context.Context) error {
		burn := units
		if burn == nil {
			burn = s.rt.Ledger.BalanceOf(caller)
		}
		return s.meter(caller, usdWhole(burn, xusdDecimals, big.NewInt(1e18)), func() error {
			var err error
			if units == nil {
				outputs, err = s.rt.Engine.RedeemAll(ctx, caller, minOut)
			} else {
				outputs, err = s.rt.Engine.Redeem(ctx, caller, units, minOut)
			}
			return err
		})
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outputs": s.outputsView(outputs),
		"balance": formatUSD(s.rt.Ledger.BalanceOf(caller)),
	})
}

// ledgerCall runs a caller-scoped ledger mutation and replies with the
// caller's balance.
func (s *Server) ledgerCall(w http.ResponseWriter, r *http.Request, fn func(caller common.Address) error) {
	caller := s.caller(r)
	if err := s.rt.Do(r.Context(), func(context.Context) error { return fn(caller) }); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": caller.Hex(),
		"balance": formatUSD(s.rt.Ledger.BalanceOf(caller)),
	})
}

type transferRequest struct {
	Owner   string `json:"owner,omitempty"`
	To      string `json:"to,omitempty"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

func (s *Server) decodeTransfer(r *http.Request, fields ...string) (map[string]common.Address, *big.Int, error) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, nil, err
	}
	values := map[string]string{"owner": req.Owner, "to": req.To, "spender": req.Spender}
	addrs := make(map[string]common.Address, len(fields))
	for _, field := range fields {
		addr, err := parseAddress(field, values[field])
		if err != nil {
			return nil, nil, err
		}
		addrs[field] = addr
	}
	units, err := s.parseUnits("XUSD", "amount", req.Amount, false)
	if err != nil {
		return nil, nil, err
	}
	return addrs, units, nil
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	addrs, units, err := s.decodeTransfer(r, "to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ledgerCall(w, r, func(caller common.Address) error {
		return s.rt.Ledger.Transfer(caller, addrs["to"], units)
	})
}

func (s *Server) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	addrs, units, err := s.decodeTransfer(r, "owner", "to")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ledgerCall(w, r, func(caller common.Address) error {
		return s.rt.Ledger.TransferFrom(caller, addrs["owner"], addrs["to"], units)
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	addrs, units, err := s.decodeTransfer(r, "spender")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ledgerCall(w, r, func(caller common.Address) error {
		return s.rt.Ledger.Approve(caller, addrs["spender"], units)
	})
}

func (s *Server) handleIncreaseAllowance(w http.ResponseWriter, r *http.Request) {
	addrs, units, err := s.decodeTransfer(r, "spender")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ledgerCall(w, r, func(caller common.Address) error {
		return s.rt.Ledger.IncreaseAllowance(caller, addrs["spender"], units)
	})
}

func (s *Server) handleDecreaseAllowance(w http.ResponseWriter, r *http.Request) {
	addrs, units, err := s.decodeTransfer(r, "spender")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ledgerCall(w, r, func(caller common.Address) error {
		return s.rt.Ledger.DecreaseAllowance(caller, addrs["spender"], units)
	})
}

func (s *Server) handleOptIn(w http.ResponseWriter, r *http.Request) {
	s.ledgerCall(w, r, s.rt.Ledger.RebaseOptIn)
}

func (s *Server) handleOptOut(w http.ResponseWriter, r *http.Request) {
	s.ledgerCall(w, r, s.rt.Ledger.RebaseOptOut)
}

func (s *Server) engineCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	if err := s.rt.Do(r.Context(), fn); err != nil {
		s.fail(w, r, err)
		return
	}
	supply := s.rt.Ledger.Supply()
	writeJSON(w, http.StatusOK, map[string]string{
		"totalSupply":             formatUSD(supply.TotalSupply),
		"rebasingCreditsPerToken": supply.RebasingCreditsPerToken.String(),
	})
}

func (s *Server) handleRebase(w http.ResponseWriter, r *http.Request) {
	s.engineCall(w, r, s.rt.Engine.Rebase)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	s.engineCall(w, r, s.rt.Engine.Allocate)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		Holder string `json:"holder,omitempty"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	holder := s.caller(r)
	if req.Holder != "" {
		addr, err := parseAddress("holder", req.Holder)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		holder = addr
	}
	units, err := s.parseUnits(req.Token, "amount", req.Amount, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.rt.Faucet(r.Context(), req.Token, holder, units); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   strings.ToUpper(strings.TrimSpace(req.Token)),
		"holder":  holder.Hex(),
		"balance": s.rt.Format(req.Token, s.rt.Bank.BalanceOf(req.Token, holder)),
	})
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
		Token    string `json:"token"`
		Amount   string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	strategy, err := parseAddress("strategy", req.Strategy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	units, err := s.parseUnits(req.Token, "amount", req.Amount, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.rt.Accrue(r.Context(), strategy, req.Token, units); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"strategy": strategy.Hex(),
		"token":    strings.ToUpper(strings.TrimSpace(req.Token)),
		"balance":  s.rt.Format(req.Token, s.rt.Bank.BalanceOf(req.Token, strategy)),
	})
}

package server

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"xusd/core/amount"
	"xusd/native/vault"
)

// adminRequest is the union of all admin action payloads. Each action reads
// the fields it needs.
type adminRequest struct {
	Asset    string   `json:"asset,omitempty"`
	Token    string   `json:"token,omitempty"`
	Decimals *uint8   `json:"decimals,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Address  string   `json:"address,omitempty"`
	Assets   []string `json:"assets,omitempty"`
	Amounts  []string `json:"amounts,omitempty"`
	Amount   string   `json:"amount,omitempty"`
	Bps      *uint64  `json:"bps,omitempty"`
	USD      string   `json:"usd,omitempty"`
	Price    string   `json:"price,omitempty"`
}

type adminAction func(s *Server, ctx context.Context, caller common.Address, req adminRequest) error

var adminActions = map[string]adminAction{
	"support-asset":               adminSupportAsset,
	"approve-strategy":            adminApproveStrategy,
	"remove-strategy":             adminRemoveStrategy,
	"set-default-strategy":        adminSetDefaultStrategy,
	"set-vault-buffer":            bpsAction((*vault.Engine).SetVaultBuffer),
	"set-redeem-fee":              bpsAction((*vault.Engine).SetRedeemFeeBps),
	"set-max-supply-diff":         bpsAction((*vault.Engine).SetMaxSupplyDiffBps),
	"set-trustee-fee":             bpsAction((*vault.Engine).SetTrusteeFeeBps),
	"set-swap-slippage":           bpsAction((*vault.Engine).SetSwapSlippageBps),
	"set-auto-allocate-threshold": thresholdAction((*vault.Engine).SetAutoAllocateThreshold),
	"set-rebase-threshold":        thresholdAction((*vault.Engine).SetRebaseThreshold),
	"set-strategist":              addressAction((*vault.Engine).SetStrategist),
	"set-trustee":                 addressAction((*vault.Engine).SetTrusteeAddress),
	"add-swap-token":              adminAddSwapToken,
	"remove-swap-token":           tokenAction((*vault.Engine).RemoveSwapToken),
	"set-swap-target":             tokenAction((*vault.Engine).SetSwapTarget),
	"transfer-token":              adminTransferToken,
	"pause-capital":               callerAction((*vault.Engine).PauseCapital),
	"unpause-capital":             callerAction((*vault.Engine).UnpauseCapital),
	"pause-rebase":                callerAction((*vault.Engine).PauseRebase),
	"unpause-rebase":              callerAction((*vault.Engine).UnpauseRebase),
	"reallocate":                  adminReallocate,
	"harvest":                     adminHarvest,
	"harvest-and-swap":            callerAction((*vault.Engine).HarvestAndSwap),
	"swap":                        callerAction((*vault.Engine).Swap),
	"set-price":                   adminSetPrice,
}

// AdminActions lists the supported admin action names.
func AdminActions() []string {
	names := make([]string, 0, len(adminActions))
	for name := range adminActions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "action")
	action, ok := adminActions[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown admin action %q", name))
		return
	}
	var req adminRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	caller := s.caller(r)
	err := s.rt.Do(r.Context(), func(ctx context.Context) error {
		return action(s, ctx, caller, req)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("admin action applied", "action", name, "caller", caller.Hex())
	writeJSON(w, http.StatusOK, map[string]any{"action": name, "ok": true})
}

func callerAction(fn func(*vault.Engine, context.Context, common.Address) error) adminAction {
	return func(s *Server, ctx context.Context, caller common.Address, _ adminRequest) error {
		return fn(s.rt.Engine, ctx, caller)
	}
}

func bpsAction(fn func(*vault.Engine, context.Context, common.Address, uint64) error) adminAction {
	return func(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
		if req.Bps == nil {
			return badRequest("bps required")
		}
		return fn(s.rt.Engine, ctx, caller, *req.Bps)
	}
}

func thresholdAction(fn func(*vault.Engine, context.Context, common.Address, *big.Int) error) adminAction {
	return func(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
		units, err := s.parseUnits("XUSD", "usd", req.USD, false)
		if err != nil {
			return err
		}
		return fn(s.rt.Engine, ctx, caller, units)
	}
}

func addressAction(fn func(*vault.Engine, context.Context, common.Address, common.Address) error) adminAction {
	return func(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
		addr, err := parseAddress("address", req.Address)
		if err != nil {
			return err
		}
		return fn(s.rt.Engine, ctx, caller, addr)
	}
}

func tokenAction(fn func(*vault.Engine, context.Context, common.Address, string) error) adminAction {
	return func(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
		if req.Token == "" {
			return badRequest("token required")
		}
		return fn(s.rt.Engine, ctx, caller, req.Token)
	}
}

func adminSupportAsset(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	if req.Asset == "" || req.Decimals == nil {
		return badRequest("asset and decimals required")
	}
	return s.rt.Engine.SupportAsset(ctx, caller, req.Asset, *req.Decimals)
}

func adminAddSwapToken(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	if req.Token == "" || req.Decimals == nil {
		return badRequest("token and decimals required")
	}
	return s.rt.Engine.AddSwapToken(ctx, caller, req.Token, *req.Decimals)
}

func adminApproveStrategy(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	addr, err := parseAddress("strategy", req.Strategy)
	if err != nil {
		return err
	}
	strat, ok := s.rt.Strategy(addr)
	if !ok {
		return badRequest(fmt.Sprintf("strategy %s is not configured", addr.Hex()))
	}
	return s.rt.Engine.ApproveStrategy(ctx, caller, strat)
}

func adminRemoveStrategy(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	addr, err := parseAddress("strategy", req.Strategy)
	if err != nil {
		return err
	}
	return s.rt.Engine.RemoveStrategy(ctx, caller, addr)
}

// adminSetDefaultStrategy clears the default when strategy is omitted.
func adminSetDefaultStrategy(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	if req.Asset == "" {
		return badRequest("asset required")
	}
	var addr common.Address
	if req.Strategy != "" {
		parsed, err := parseAddress("strategy", req.Strategy)
		if err != nil {
			return err
		}
		addr = parsed
	}
	return s.rt.Engine.SetAssetDefaultStrategy(ctx, caller, req.Asset, addr)
}

func adminTransferToken(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	if req.Token == "" {
		return badRequest("token required")
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		return err
	}
	var units *big.Int
	if req.Decimals != nil {
		units, err = amount.Parse(req.Amount, *req.Decimals)
		if err != nil {
			return badRequest(fmt.Sprintf("invalid amount: %v", err))
		}
	} else {
		units, err = s.parseUnits(req.Token, "amount", req.Amount, false)
		if err != nil {
			return err
		}
	}
	return s.rt.Engine.TransferToken(ctx, caller, req.Token, to, units)
}

func adminReallocate(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	from, err := parseAddress("from", req.From)
	if err != nil {
		return err
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		return err
	}
	if len(req.Assets) != len(req.Amounts) {
		return badRequest("assets and amounts must have the same length")
	}
	amounts := make([]*big.Int, len(req.Amounts))
	for i, raw := range req.Amounts {
		units, err := s.parseUnits(req.Assets[i], "amounts", raw, false)
		if err != nil {
			return err
		}
		amounts[i] = units
	}
	return s.rt.Engine.Reallocate(ctx, caller, from, to, req.Assets, amounts)
}

// adminHarvest harvests every strategy, or only the one named.
func adminHarvest(s *Server, ctx context.Context, caller common.Address, req adminRequest) error {
	if req.Strategy == "" {
		return s.rt.Engine.Harvest(ctx, caller)
	}
	addr, err := parseAddress("strategy", req.Strategy)
	if err != nil {
		return err
	}
	return s.rt.Engine.HarvestStrategy(ctx, caller, addr)
}

// adminSetPrice overrides the operator price feed. Only the governor may do so.
func adminSetPrice(s *Server, _ context.Context, caller common.Address, req adminRequest) error {
	if caller != s.rt.Engine.Governor() {
		return vault.ErrCallerNotGovernor
	}
	if req.Token == "" || req.Price == "" {
		return badRequest("token and price required")
	}
	if err := s.rt.SetManualPrice(req.Token, req.Price); err != nil {
		return badRequest(fmt.Sprintf("invalid price: %v", err))
	}
	return nil
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	xusdconfig "xusd/config"
	"xusd/core/amount"
	"xusd/core/events"
	nativecommon "xusd/native/common"
	"xusd/native/oracle"
	"xusd/native/rebasing"
	"xusd/native/vault"
	"xusd/services/vaultd/config"
	"xusd/services/vaultd/journal"
	"xusd/services/vaultd/runtime"
	"xusd/storage"
)

const testSecret = "vaultd-test-secret"

var (
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	governorAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	strategist   = common.HexToAddress("0x00000000000000000000000000000000000000bc")
	strategyAddr = common.HexToAddress("0x000000000000000000000000000000000000005a")
	alice        = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob          = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type testServer struct {
	srv     *Server
	rt      *runtime.Runtime
	journal *journal.Journal
	hub     *Hub
	handler http.Handler
}

func testConfig() config.Config {
	return config.Config{
		Roles: config.RolesConfig{
			Vault:      vaultAddr.Hex(),
			Governor:   governorAddr.Hex(),
			Strategist: strategist.Hex(),
		},
		Auth:   config.AuthConfig{HMACSecret: testSecret, ScopeClaim: "scope"},
		Oracle: config.OracleConfig{Manual: map[string]string{"DAI": "1", "USDC": "1"}},
		Keeper: config.KeeperConfig{Identity: strategist.Hex()},
		Strategies: []config.StrategyConfig{{
			Address:    strategyAddr.Hex(),
			Assets:     []string{"DAI", "USDC"},
			DefaultFor: []string{"DAI"},
		}},
		Dev: config.DevConfig{
			Faucet: true,
			Balances: []config.Balance{
				{Token: "DAI", Holder: alice.Hex(), Amount: "1000"},
			},
		},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	j, err := journal.New(db, nil)
	require.NoError(t, err)
	hub := NewHub(nil)
	params := xusdconfig.DefaultParams()
	rt, err := runtime.Build(context.Background(), cfg, &params, storage.NewMemDB(), events.MultiEmitter{j, hub}, nil)
	require.NoError(t, err)
	srv, err := New(cfg, rt, j, hub, nil)
	require.NoError(t, err)
	return &testServer{srv: srv, rt: rt, journal: j, hub: hub, handler: srv.Handler()}
}

func signToken(t *testing.T, caller common.Address, scopes string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   caller.Hex(),
		"scope": scopes,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	payload := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	}
	return rec, payload
}

func TestMintAndRedeemFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signToken(t, alice, ScopeWrite)

	rec, body := ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "100", body["minted"])
	require.Equal(t, "100", body["balance"])

	rec, body = ts.do(t, http.MethodGet, "/v1/accounts/"+alice.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "100", body["balance"])
	require.Equal(t, false, body["nonRebasing"])

	rec, body = ts.do(t, http.MethodGet, "/v1/supply", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "100", body["totalSupply"])

	rec, _ = ts.do(t, http.MethodGet, "/v1/redeem/preview?amount=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = ts.do(t, http.MethodPost, "/v1/redeem", token, map[string]string{"amount": "40"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outputs, ok := body["outputs"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, outputs)
	// The retained redeem fee is rebased back to the only holder.
	remaining := ts.rt.Ledger.BalanceOf(alice)
	require.True(t, remaining.Cmp(new(big.Int).Mul(big.NewInt(60), big.NewInt(1e18))) >= 0, remaining.String())
	require.True(t, remaining.Cmp(new(big.Int).Mul(big.NewInt(61), big.NewInt(1e18))) < 0, remaining.String())
}

func TestTransferAndAllowance(t *testing.T) {
	ts := newTestServer(t, nil)
	aliceToken := signToken(t, alice, ScopeWrite)
	bobToken := signToken(t, bob, ScopeWrite)

	rec, _ := ts.do(t, http.MethodPost, "/v1/mint", aliceToken, map[string]string{"asset": "DAI", "amount": "50"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = ts.do(t, http.MethodPost, "/v1/approve", aliceToken, map[string]string{"spender": bob.Hex(), "amount": "20"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := ts.do(t, http.MethodGet, "/v1/accounts/"+alice.Hex()+"/allowances/"+bob.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "20", body["allowance"])

	rec, _ = ts.do(t, http.MethodPost, "/v1/transfer-from", bobToken, map[string]string{"owner": alice.Hex(), "to": bob.Hex(), "amount": "15"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = ts.do(t, http.MethodPost, "/v1/transfer-from", bobToken, map[string]string{"owner": alice.Hex(), "to": bob.Hex(), "amount": "10"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/opt-out", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, ts.rt.Ledger.IsNonRebasing(bob))

	rec, _ = ts.do(t, http.MethodPost, "/v1/opt-out", bobToken, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, "35", amount.Format(ts.rt.Ledger.BalanceOf(alice), 18))
	require.Equal(t, "15", amount.Format(ts.rt.Ledger.BalanceOf(bob), 18))
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, _ := ts.do(t, http.MethodPost, "/v1/mint", "", map[string]string{"asset": "DAI", "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", "not-a-token", map[string]string{"asset": "DAI", "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/pause-capital", signToken(t, governorAddr, ScopeWrite), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMintErrorsMapToStatuses(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signToken(t, alice, ScopeWrite)

	rec, _ := ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "XYZ", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "abc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "5000"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "10", "minOut": "11"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]any{"asset": "DAI", "amount": "1", "extra": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminActions(t *testing.T) {
	ts := newTestServer(t, nil)
	governor := signToken(t, governorAddr, ScopeAdmin)
	outsider := signToken(t, bob, ScopeAdmin)

	rec, _ := ts.do(t, http.MethodPost, "/v1/admin/pause-capital", outsider, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, ts.rt.Engine.CapitalPaused())

	rec, body := ts.do(t, http.MethodPost, "/v1/admin/pause-capital", governor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "pause-capital", body["action"])
	require.True(t, ts.rt.Engine.CapitalPaused())

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", signToken(t, alice, ScopeWrite), map[string]string{"asset": "DAI", "amount": "1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/set-redeem-fee", governor, map[string]uint64{"bps": 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(25), ts.rt.Engine.Config().RedeemFeeBps)

	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/set-redeem-fee", governor, map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/set-rebase-threshold", governor, map[string]string{"usd": "2.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "2.5", amount.Format(ts.rt.Engine.Config().RebaseThreshold, 18))

	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/set-price", outsider, map[string]string{"token": "DAI", "price": "0.99"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/set-price", governor, map[string]string{"token": "DAI", "price": "0.99"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	price, err := ts.rt.Engine.PriceUSDMint("DAI")
	require.NoError(t, err)
	require.Equal(t, "0.99", amount.Format(price, 18))

	rec, _ = ts.do(t, http.MethodPost, "/v1/admin/self-destruct", governor, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitThrottlesPublicRoutes(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimits = map[string]config.RateLimit{groupPublic: {RequestsPerMinute: 1, Burst: 1}}
	})
	rec, _ := ts.do(t, http.MethodGet, "/v1/supply", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ts.do(t, http.MethodGet, "/v1/supply", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestQuotaRejectsExcessMints(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Quota = config.QuotaConfig{MaxUSDPerEpoch: 100}
	})
	token := signToken(t, alice, ScopeWrite)

	rec, _ := ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "80"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "30"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "20"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestFailedMintDoesNotConsumeQuota(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Quota = config.QuotaConfig{MaxRequestsPerEpoch: 1}
	})
	token := signToken(t, alice, ScopeWrite)

	rec, _ := ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "5000"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = ts.do(t, http.MethodPost, "/v1/mint", token, map[string]string{"asset": "DAI", "amount": "1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestEventsAreJournaledAndBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)
	live, cancel := ts.hub.Subscribe()
	defer cancel()
	require.Equal(t, 1, ts.hub.Subscribers())

	rec, _ := ts.do(t, http.MethodPost, "/v1/mint", signToken(t, alice, ScopeWrite), map[string]string{"asset": "DAI", "amount": "10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	seen := map[string]bool{}
	for len(live) > 0 {
		msg := <-live
		seen[msg.Type] = true
	}
	require.True(t, seen[events.TypeVaultMint])

	rec, body := ts.do(t, http.MethodGet, "/v1/events?type="+events.TypeVaultMint, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	require.Equal(t, events.TypeVaultMint, first["type"])

	rec, _ = ts.do(t, http.MethodGet, "/v1/events?limit=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDevHelpers(t *testing.T) {
	ts := newTestServer(t, nil)
	token := signToken(t, bob, ScopeWrite)

	rec, body := ts.do(t, http.MethodPost, "/v1/dev/faucet", token, map[string]string{"token": "usdc", "amount": "12.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "USDC", body["token"])
	require.Equal(t, "12.5", body["balance"])

	rec, _ = ts.do(t, http.MethodPost, "/v1/dev/accrue", token, map[string]string{"strategy": bob.Hex(), "token": "DAI", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	disabled := newTestServer(t, func(cfg *config.Config) { cfg.Dev.Faucet = false })
	rec, _ = disabled.do(t, http.MethodPost, "/v1/dev/faucet", token, map[string]string{"token": "DAI", "amount": "1"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublicViews(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.do(t, http.MethodGet, "/v1/assets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, body["count"])

	rec, body = ts.do(t, http.MethodGet, "/v1/strategies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["count"])

	rec, body = ts.do(t, http.MethodGet, "/v1/config", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, governorAddr.Hex(), body["governor"])
	require.Equal(t, strategist.Hex(), body["strategist"])

	rec, _ = ts.do(t, http.MethodGet, "/v1/accounts/nope", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = ts.do(t, http.MethodGet, "/v1/oracle/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body["feeds"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{badRequest("bad"), http.StatusBadRequest},
		{vault.ErrCallerNotGovernor, http.StatusForbidden},
		{rebasing.ErrCallerNotVault, http.StatusForbidden},
		{runtime.ErrFaucetDisabled, http.StatusNotFound},
		{nativecommon.ErrQuotaValueCapExceeded, http.StatusTooManyRequests},
		{vault.ErrSupplyBoundExceeded, http.StatusUnprocessableEntity},
		{vault.ErrSlippageExceeded, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", oracle.ErrNoFreshQuote), http.StatusServiceUnavailable},
		{vault.ErrAssetNotSupported, http.StatusBadRequest},
		{vault.ErrInsufficientFunds, http.StatusBadRequest},
		{amount.ErrPrecision, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestUSDWholeRoundsUp(t *testing.T) {
	price := big.NewInt(1e18)
	require.Equal(t, uint64(0), usdWhole(big.NewInt(0), 6, price))
	require.Equal(t, uint64(1), usdWhole(big.NewInt(1), 6, price))
	require.Equal(t, uint64(3), usdWhole(big.NewInt(2_500_000), 6, price))
	require.Equal(t, uint64(0), usdWhole(nil, 18, price))
}

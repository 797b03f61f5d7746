package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func newFakeVaultd(t *testing.T, status int, reply string) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, &c.body))
		}
		calls = append(calls, c)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSupplyRendersSortedText(t *testing.T) {
	srv, calls := newFakeVaultd(t, http.StatusOK, `{"totalSupply":"100","rebasePaused":false,"capitalPaused":true}`)
	out, err := execute(t, "--endpoint", srv.URL, "supply")
	require.NoError(t, err)
	require.Equal(t, "capitalPaused: true\nrebasePaused: false\ntotalSupply: 100\n", out)
	require.Len(t, *calls, 1)
	require.Equal(t, "/v1/supply", (*calls)[0].path)
	require.Empty(t, (*calls)[0].auth)
}

func TestMintSendsAuthenticatedRequest(t *testing.T) {
	srv, calls := newFakeVaultd(t, http.StatusOK, `{"minted":"1.5","balance":"1.5"}`)
	out, err := execute(t, "--endpoint", srv.URL, "--token", "tok", "--format", "json", "mint", "DAI", "1.50", "--min-out", "1.4")
	require.NoError(t, err)
	require.Contains(t, out, `"minted": "1.5"`)
	require.Len(t, *calls, 1)
	call := (*calls)[0]
	require.Equal(t, http.MethodPost, call.method)
	require.Equal(t, "/v1/mint", call.path)
	require.Equal(t, "Bearer tok", call.auth)
	require.Equal(t, "DAI", call.body["asset"])
	require.Equal(t, "1.5", call.body["amount"])
	require.Equal(t, "1.4", call.body["minOut"])
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv("XUSDCTL_TEST_TOKEN", "from-env")
	srv, calls := newFakeVaultd(t, http.StatusOK, `{}`)
	_, err := execute(t, "--endpoint", srv.URL, "--token-env", "XUSDCTL_TEST_TOKEN", "rebase")
	require.NoError(t, err)
	require.Equal(t, "Bearer from-env", (*calls)[0].auth)
}

func TestAPIErrorsSurface(t *testing.T) {
	srv, _ := newFakeVaultd(t, http.StatusConflict, `{"error":"vault: Slippage error"}`)
	_, err := execute(t, "--endpoint", srv.URL, "--token", "tok", "redeem", "10")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.Status)
	require.Equal(t, "vault: Slippage error", apiErr.Message)
}

func TestArgumentValidation(t *testing.T) {
	srv, calls := newFakeVaultd(t, http.StatusOK, `{}`)
	cases := [][]string{
		{"mint", "DAI", "-1"},
		{"mint", "DAI", "ten"},
		{"transfer", "not-an-address", "1"},
		{"redeem"},
		{"redeem", "1", "--all"},
		{"--format", "yaml", "supply"},
	}
	for _, args := range cases {
		_, err := execute(t, append([]string{"--endpoint", srv.URL, "--token", "tok"}, args...)...)
		require.Error(t, err, strings.Join(args, " "))
	}
	require.Empty(t, *calls)
}

func TestRedeemAllAndEventsQuery(t *testing.T) {
	srv, calls := newFakeVaultd(t, http.StatusOK, `{"events":[]}`)
	_, err := execute(t, "--endpoint", srv.URL, "--token", "tok", "redeem", "--all")
	require.NoError(t, err)
	_, err = execute(t, "--endpoint", srv.URL, "events", "--type", "vault.rebase", "--limit", "5")
	require.NoError(t, err)
	require.Len(t, *calls, 2)
	require.Equal(t, "/v1/redeem-all", (*calls)[0].path)
	require.Equal(t, "/v1/events", (*calls)[1].path)
	require.Equal(t, "limit=5&type=vault.rebase", (*calls)[1].query)
}

func TestAdminBody(t *testing.T) {
	body, err := adminBody([]string{"bps=25", "assets=DAI, USDC", "amounts=1,2", "from=0xabc"})
	require.NoError(t, err)
	require.Equal(t, uint64(25), body["bps"])
	require.Equal(t, []string{"DAI", "USDC"}, body["assets"])
	require.Equal(t, []string{"1", "2"}, body["amounts"])
	require.Equal(t, "0xabc", body["from"])

	_, err = adminBody([]string{"novalue"})
	require.Error(t, err)
	_, err = adminBody([]string{"bps=-1"})
	require.Error(t, err)
}

func TestAdminCommandPostsAction(t *testing.T) {
	srv, calls := newFakeVaultd(t, http.StatusOK, `{"action":"set-redeem-fee","ok":true}`)
	out, err := execute(t, "--endpoint", srv.URL, "--token", "tok", "admin", "set-redeem-fee", "--set", "bps=25")
	require.NoError(t, err)
	require.Contains(t, out, "ok: true")
	require.Equal(t, "/v1/admin/set-redeem-fee", (*calls)[0].path)
	require.EqualValues(t, 25, (*calls)[0].body["bps"])
}

func TestSignToken(t *testing.T) {
	secret := []byte("s3cret")
	subject := common.HexToAddress("0x0000000000000000000000000000000000000a11")
	signed, err := signToken(secret, subject, []string{"vault:write", "vault:admin"}, "", "", time.Hour, time.Now())
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(*jwt.Token) (interface{}, error) { return secret, nil })
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	require.Equal(t, subject.Hex(), claims["sub"])
	require.Equal(t, "vault:write vault:admin", claims["scope"])

	_, err = signToken(secret, subject, nil, "", "", 0, time.Now())
	require.Error(t, err)
}

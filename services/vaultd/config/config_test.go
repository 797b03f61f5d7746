package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const baseConfig = `
listen: ":9000"
roles:
  vault: "0x00000000000000000000000000000000000000aa"
  governor: "0x00000000000000000000000000000000000000bb"
  strategist: "0x00000000000000000000000000000000000000bc"
auth:
  hmac_secret: "file-secret"
oracle:
  max_age: "90s"
  manual:
    DAI: "1"
    USDC: "0.9998"
keeper:
  rebase: "0 */5 * * * *"
strategies:
  - address: "0x000000000000000000000000000000000000005a"
    assets: ["DAI", "USDC"]
    default_for: ["DAI"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 90*time.Second, cfg.Oracle.MaxAge.Duration)
	require.Equal(t, 2*time.Minute, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, "scope", cfg.Auth.ScopeClaim)
	require.Equal(t, 24*time.Hour, cfg.Quota.Epoch.Duration)
	require.Equal(t, cfg.Roles.Strategist, cfg.Keeper.Identity, "keeper defaults to the strategist")
	require.Equal(t, "./params.toml", cfg.ParamsFile)
	require.Len(t, cfg.Strategies, 1)
	require.Equal(t, []string{"DAI"}, cfg.Strategies[0].DefaultFor)
}

func TestLoadSecretFromEnvironment(t *testing.T) {
	t.Setenv("VAULTD_JWT_SECRET", "env-secret")
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)
	require.Equal(t, "env-secret", cfg.Auth.HMACSecret)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{
			name:   "unknown field",
			body:   baseConfig + "unexpected: true\n",
			errMsg: "decode config",
		},
		{
			name:   "bad duration",
			body:   `oracle: {max_age: "soon"}`,
			errMsg: "parse duration",
		},
		{
			name: "missing governor",
			body: `
roles: {vault: "0x00000000000000000000000000000000000000aa"}
auth: {hmac_secret: "s"}
oracle: {manual: {DAI: "1"}}
`,
			errMsg: "roles.governor",
		},
		{
			name: "no price source",
			body: `
roles: {vault: "0x00000000000000000000000000000000000000aa", governor: "0x00000000000000000000000000000000000000bb"}
auth: {hmac_secret: "s"}
`,
			errMsg: "oracle price source",
		},
		{
			name: "missing secret",
			body: `
roles: {vault: "0x00000000000000000000000000000000000000aa", governor: "0x00000000000000000000000000000000000000bb"}
oracle: {manual: {DAI: "1"}}
`,
			errMsg: "hmac_secret",
		},
		{
			name: "keeper without identity",
			body: `
roles: {vault: "0x00000000000000000000000000000000000000aa", governor: "0x00000000000000000000000000000000000000bb"}
auth: {hmac_secret: "s"}
oracle: {manual: {DAI: "1"}}
keeper: {harvest: "@hourly"}
`,
			errMsg: "keeper.identity",
		},
		{
			name: "router rates without address",
			body: `
roles: {vault: "0x00000000000000000000000000000000000000aa", governor: "0x00000000000000000000000000000000000000bb"}
auth: {hmac_secret: "s"}
oracle: {manual: {DAI: "1"}}
router: {rates: [{in: COMP, out: DAI, rate: "50"}]}
`,
			errMsg: "router.address",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "open config")
}

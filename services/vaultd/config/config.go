package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for vaultd.
type Config struct {
	ListenAddress string               `yaml:"listen"`
	DatabaseDSN   string               `yaml:"database"`
	SnapshotDir   string               `yaml:"snapshot_dir"`
	ParamsFile    string               `yaml:"params_file"`
	Roles         RolesConfig          `yaml:"roles"`
	Auth          AuthConfig           `yaml:"auth"`
	RateLimits    map[string]RateLimit `yaml:"rate_limits"`
	Quota         QuotaConfig          `yaml:"quota"`
	Oracle        OracleConfig         `yaml:"oracle"`
	Keeper        KeeperConfig         `yaml:"keeper"`
	Logging       LoggingConfig        `yaml:"logging"`
	Strategies    []StrategyConfig     `yaml:"strategies"`
	Router        RouterConfig         `yaml:"router"`
	Dev           DevConfig            `yaml:"dev"`
}

// RolesConfig names the privileged addresses of the vault.
type RolesConfig struct {
	Vault      string `yaml:"vault"`
	Governor   string `yaml:"governor"`
	Strategist string `yaml:"strategist"`
	Trustee    string `yaml:"trustee"`
}

// AuthConfig configures bearer JWT validation. The token subject is the
// caller's address.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ScopeClaim string   `yaml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimit bounds requests per client for a route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// QuotaConfig caps mint and redeem activity per caller and epoch. Zero
// disables a limit.
type QuotaConfig struct {
	MaxRequestsPerEpoch uint32   `yaml:"max_requests_per_epoch"`
	MaxUSDPerEpoch      uint64   `yaml:"max_usd_per_epoch"`
	Epoch               Duration `yaml:"epoch"`
}

// OracleConfig selects the price sources, in priority order: CoinGecko when
// ids are configured, then the manual prices.
type OracleConfig struct {
	MaxAge    Duration          `yaml:"max_age"`
	Manual    map[string]string `yaml:"manual"`
	CoinGecko CoinGeckoConfig   `yaml:"coingecko"`
}

type CoinGeckoConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Timeout  Duration          `yaml:"timeout"`
	IDs      map[string]string `yaml:"ids"`
}

// KeeperConfig holds cron schedules (with seconds) for maintenance jobs. An
// empty schedule disables the job.
type KeeperConfig struct {
	Identity string `yaml:"identity"`
	Rebase   string `yaml:"rebase"`
	Allocate string `yaml:"allocate"`
	Harvest  string `yaml:"harvest"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StrategyConfig wires an in-memory strategy.
type StrategyConfig struct {
	Address      string   `yaml:"address"`
	Assets       []string `yaml:"assets"`
	DefaultFor   []string `yaml:"default_for"`
	RewardTokens []string `yaml:"reward_tokens"`
}

// RouterConfig wires the in-memory swap venue. Rates are decimal strings in
// base units of the output token per base unit of the input token.
type RouterConfig struct {
	Address string       `yaml:"address"`
	Rates   []RouterRate `yaml:"rates"`
}

type RouterRate struct {
	In   string `yaml:"in"`
	Out  string `yaml:"out"`
	Rate string `yaml:"rate"`
}

// DevConfig enables development helpers. Balances seed the token bank on a
// fresh start; amounts are decimal strings in token units.
type DevConfig struct {
	Faucet   bool      `yaml:"faucet"`
	Balances []Balance `yaml:"balances"`
}

type Balance struct {
	Token  string `yaml:"token"`
	Holder string `yaml:"holder"`
	Amount string `yaml:"amount"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if secret := strings.TrimSpace(os.Getenv("VAULTD_JWT_SECRET")); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "file:vaultd-journal.sqlite?_pragma=busy_timeout(5000)"
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = "./vaultd-data"
	}
	if cfg.ParamsFile == "" {
		cfg.ParamsFile = "./params.toml"
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Quota.Epoch.Duration == 0 {
		cfg.Quota.Epoch.Duration = 24 * time.Hour
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 10 * time.Minute
	}
	if cfg.Oracle.CoinGecko.Endpoint == "" {
		cfg.Oracle.CoinGecko.Endpoint = "https://api.coingecko.com/api/v3"
	}
	if cfg.Oracle.CoinGecko.Timeout.Duration == 0 {
		cfg.Oracle.CoinGecko.Timeout.Duration = 5 * time.Second
	}
	if cfg.Keeper.Identity == "" {
		cfg.Keeper.Identity = cfg.Roles.Strategist
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg Config) error {
	for name, value := range map[string]string{
		"roles.vault":    cfg.Roles.Vault,
		"roles.governor": cfg.Roles.Governor,
	} {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("%s must be a hex address", name)
		}
	}
	for name, value := range map[string]string{
		"roles.strategist": cfg.Roles.Strategist,
		"roles.trustee":    cfg.Roles.Trustee,
		"keeper.identity":  cfg.Keeper.Identity,
		"router.address":   cfg.Router.Address,
	} {
		if value != "" && !common.IsHexAddress(value) {
			return fmt.Errorf("%s must be a hex address", name)
		}
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret (or VAULTD_JWT_SECRET) must be configured")
	}
	if len(cfg.Oracle.Manual) == 0 && len(cfg.Oracle.CoinGecko.IDs) == 0 {
		return fmt.Errorf("at least one oracle price source must be configured")
	}
	for _, strat := range cfg.Strategies {
		if !common.IsHexAddress(strat.Address) {
			return fmt.Errorf("strategy address %q must be a hex address", strat.Address)
		}
		if len(strat.Assets) == 0 {
			return fmt.Errorf("strategy %s must support at least one asset", strat.Address)
		}
	}
	if len(cfg.Router.Rates) > 0 && cfg.Router.Address == "" {
		return fmt.Errorf("router.address required when router rates are configured")
	}
	if (cfg.Keeper.Rebase != "" || cfg.Keeper.Harvest != "" || cfg.Keeper.Allocate != "") && cfg.Keeper.Identity == "" {
		return fmt.Errorf("keeper.identity (or roles.strategist) required when keeper jobs are scheduled")
	}
	return nil
}

// Package config defines all configuration for the trading gateway.
// Config is loaded from an optional YAML file (default: configs/gateway.yaml)
// with KIS credentials always taken from KIS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RequiredEnvVars are the environment variables that must be set before the
// gateway may trade live. The readiness probe reports whichever are unset.
var RequiredEnvVars = []string{"KIS_APP_KEY", "KIS_APP_SECRET", "KIS_ACCOUNT_NO", "KIS_ENV"}

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	KIS       KISConfig       `mapstructure:"kis"`
	Server    ServerConfig    `mapstructure:"server"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Order     OrderConfig     `mapstructure:"order"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// KISConfig holds broker credentials and upstream endpoints. AppKey,
// AppSecret, and AccountNo come only from the environment, never from the
// YAML file.
type KISConfig struct {
	AppKey      string   `mapstructure:"app_key"`
	AppSecret   string   `mapstructure:"app_secret"`
	AccountNo   string   `mapstructure:"account_no"`
	Env         string   `mapstructure:"env"`           // "mock" or "live"
	RestBaseURL string   `mapstructure:"rest_base_url"` // empty = derive from env
	WSSymbols   []string `mapstructure:"ws_symbols"`
	WSURLMock   string   `mapstructure:"ws_url_mock"`
	WSURLLive   string   `mapstructure:"ws_url_live"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// QuoteConfig tunes the read path.
//
//   - StaleAfterSec: cached WS rows older than this fall back to REST.
//   - RestCooldownSec: per-symbol REST suppression window after a 429.
//   - RestRetryAttempts: REST attempts per symbol in a batch fill.
//   - RestBackoffBase: base delay between batch REST retries (doubles per attempt).
//   - SymbolDelayMin/Max: uniform jitter slept between REST-filled symbols.
//   - HeartbeatTimeoutSec: WS heartbeat older than this reads as stale.
type QuoteConfig struct {
	StaleAfterSec       int           `mapstructure:"stale_after_sec"`
	RestCooldownSec     int           `mapstructure:"rest_cooldown_sec"`
	RestRetryAttempts   int           `mapstructure:"rest_retry_attempts"`
	RestBackoffBase     time.Duration `mapstructure:"rest_backoff_base"`
	SymbolDelayMin      time.Duration `mapstructure:"symbol_delay_min"`
	SymbolDelayMax      time.Duration `mapstructure:"symbol_delay_max"`
	HeartbeatTimeoutSec int           `mapstructure:"heartbeat_timeout_sec"`
}

// RiskConfig sets the pre-trade limits.
type RiskConfig struct {
	LiveEnabled     bool    `mapstructure:"live_enabled"`
	DailyOrderLimit int     `mapstructure:"daily_order_limit"`
	MaxOrderQty     int     `mapstructure:"max_order_qty"`
	BuyNotionalCap  float64 `mapstructure:"buy_notional_cap"`
	DefaultPrice    float64 `mapstructure:"default_price"` // assumed price when a BUY omits one
}

// OrderConfig tunes the dispatch pipeline.
type OrderConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	DispatchTick time.Duration `mapstructure:"dispatch_tick"`
}

// ReconcileConfig controls the reconciliation worker. An empty JournalPath
// disables the durable event journal.
type ReconcileConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	JournalPath string        `mapstructure:"journal_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from an optional YAML file with env var overrides.
// An empty path skips the file and uses defaults plus environment only.
// Credentials use env vars: KIS_APP_KEY, KIS_APP_SECRET, KIS_ACCOUNT_NO, KIS_ENV.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials and upstream selection come from env
	if key := os.Getenv("KIS_APP_KEY"); key != "" {
		cfg.KIS.AppKey = key
	}
	if secret := os.Getenv("KIS_APP_SECRET"); secret != "" {
		cfg.KIS.AppSecret = secret
	}
	if acct := os.Getenv("KIS_ACCOUNT_NO"); acct != "" {
		cfg.KIS.AccountNo = acct
	}
	if env := os.Getenv("KIS_ENV"); env != "" {
		cfg.KIS.Env = env
	}
	if symbols := os.Getenv("KIS_WS_SYMBOLS"); symbols != "" {
		cfg.KIS.WSSymbols = splitSymbols(symbols)
	}
	if url := os.Getenv("KIS_REST_BASE_URL"); url != "" {
		cfg.KIS.RestBaseURL = url
	}
	if url := os.Getenv("KIS_WS_URL_MOCK"); url != "" {
		cfg.KIS.WSURLMock = url
	}
	if url := os.Getenv("KIS_WS_URL_LIVE"); url != "" {
		cfg.KIS.WSURLLive = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kis.env", "mock")
	v.SetDefault("kis.ws_symbols", []string{"005930"})
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("quote.stale_after_sec", 5)
	v.SetDefault("quote.rest_cooldown_sec", 3)
	v.SetDefault("quote.rest_retry_attempts", 1)
	v.SetDefault("quote.rest_backoff_base", 200*time.Millisecond)
	v.SetDefault("quote.symbol_delay_min", time.Duration(0))
	v.SetDefault("quote.symbol_delay_max", time.Duration(0))
	v.SetDefault("quote.heartbeat_timeout_sec", 10)
	v.SetDefault("risk.live_enabled", true)
	v.SetDefault("risk.daily_order_limit", 50)
	v.SetDefault("risk.max_order_qty", 100)
	v.SetDefault("risk.buy_notional_cap", 10_000_000)
	v.SetDefault("risk.default_price", 70_000)
	v.SetDefault("order.max_attempts", 3)
	v.SetDefault("order.dispatch_tick", 100*time.Millisecond)
	v.SetDefault("reconcile.interval", 5*time.Second)
	v.SetDefault("reconcile.journal_path", "data/reconciliation-events.jsonl")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func splitSymbols(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks all required fields and value ranges. Missing credentials
// are not an error here: the gateway boots in demo mode without them and
// the readiness probe reports them as blockers.
func (c *Config) Validate() error {
	switch c.KIS.Env {
	case "mock", "live":
	default:
		return fmt.Errorf("kis.env must be one of: mock, live (set KIS_ENV)")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Quote.StaleAfterSec <= 0 {
		return fmt.Errorf("quote.stale_after_sec must be > 0")
	}
	if c.Quote.RestCooldownSec <= 0 {
		return fmt.Errorf("quote.rest_cooldown_sec must be > 0")
	}
	if c.Quote.RestRetryAttempts < 1 {
		return fmt.Errorf("quote.rest_retry_attempts must be >= 1")
	}
	if c.Quote.SymbolDelayMax < c.Quote.SymbolDelayMin {
		return fmt.Errorf("quote.symbol_delay_max must be >= quote.symbol_delay_min")
	}
	if c.Quote.HeartbeatTimeoutSec <= 0 {
		return fmt.Errorf("quote.heartbeat_timeout_sec must be > 0")
	}
	if c.Risk.DailyOrderLimit <= 0 {
		return fmt.Errorf("risk.daily_order_limit must be > 0")
	}
	if c.Risk.MaxOrderQty <= 0 {
		return fmt.Errorf("risk.max_order_qty must be > 0")
	}
	if c.Risk.BuyNotionalCap <= 0 {
		return fmt.Errorf("risk.buy_notional_cap must be > 0")
	}
	if c.Order.MaxAttempts < 1 {
		return fmt.Errorf("order.max_attempts must be >= 1")
	}
	if c.Order.DispatchTick <= 0 {
		return fmt.Errorf("order.dispatch_tick must be > 0")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be > 0")
	}
	if len(c.KIS.WSSymbols) == 0 {
		return fmt.Errorf("kis.ws_symbols must contain at least one symbol")
	}
	return nil
}

// HasCredentials reports whether the broker credentials needed for real
// upstream calls are present.
func (c *Config) HasCredentials() bool {
	return c.KIS.AppKey != "" && c.KIS.AppSecret != "" && c.KIS.AccountNo != ""
}

// MissingRequiredEnv returns the names of required environment variables
// that are unset or empty, in canonical order.
func MissingRequiredEnv() []string {
	missing := []string{}
	for _, name := range RequiredEnvVars {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

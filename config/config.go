/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Logic:       TOML configuration loading for chatgate, layered with
             environment-variable overrides the way the gateway's
             own config.Load() layers env vars over defaults — but
             backed by a real TOML file instead of env-var-only
             settings, since the proxy has structured nested
             sections (http_client pool tuning, tiers) that don't
             map cleanly to flat env vars.
Context:     Mirrors config/config.go's getEnv/getEnvInt/getEnvBool
             helper style for the one value that must come from the
             environment: the upstream API key.
Suitability: L3 — config loading with a hard startup-time invariant
             (missing API key must fail fast, not limp along).
──────────────────────────────────────────────────────────────
*/

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config is the fully resolved configuration for one chatgate process.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Auth       AuthConfig       `toml:"auth"`
	DeepSeek   DeepSeekConfig   `toml:"deepseek"`
	RateLim    RateLimitConfig  `toml:"rate_limit"`
	Quota      QuotaConfig      `toml:"quota"`
	Security   SecurityConfig   `toml:"security"`
	Storage    StorageConfig    `toml:"storage"`
	Redis      RedisConfig      `toml:"redis"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`

	// Env is not a TOML section; it controls logging verbosity and is
	// read from the ENV variable the same way config/config.go reads it.
	Env string `toml:"-"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type BootstrapUser struct {
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	QuotaTier string `toml:"quota_tier"`
}

type AuthConfig struct {
	JWTSecret       string          `toml:"jwt_secret"`
	TokenTTLSeconds int             `toml:"token_ttl_seconds"`
	Users           []BootstrapUser `toml:"users"`
}

// EffectiveTTL returns min(configured_ttl_seconds, 60) per the token/permit
// manager's reuse-window rule.
func (a AuthConfig) EffectiveTTL() time.Duration {
	ttl := a.TokenTTLSeconds
	if ttl <= 0 || ttl > 60 {
		ttl = 60
	}
	return time.Duration(ttl) * time.Second
}

type HTTPClientConfig struct {
	PoolMaxIdlePerHost  int  `toml:"pool_max_idle_per_host"`
	PoolIdleTimeoutSecs int  `toml:"pool_idle_timeout_seconds"`
	ConnectTimeoutSecs  int  `toml:"connect_timeout_seconds"`
	TCPNoDelay          bool `toml:"tcp_nodelay"`
	HTTP2AdaptiveWindow bool `toml:"http2_adaptive_window"`
}

type DeepSeekConfig struct {
	APIKey         string           `toml:"api_key"`
	BaseURL        string           `toml:"base_url"`
	TimeoutSeconds int              `toml:"timeout_seconds"`
	HTTPClient     HTTPClientConfig `toml:"http_client"`
}

func (d DeepSeekConfig) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

type RateLimitConfig struct {
	RequestsPerSecond int `toml:"requests_per_second"`
}

type QuotaConfig struct {
	SaveInterval    int            `toml:"save_interval"`
	MonthlyResetDay int            `toml:"monthly_reset_day"`
	Tiers           map[string]int `toml:"tiers"`
	UpgradeURL      string         `toml:"upgrade_url"`
}

func (q QuotaConfig) LimitFor(tier string) int {
	if q.Tiers != nil {
		if v, ok := q.Tiers[tier]; ok {
			return v
		}
	}
	switch tier {
	case "pro":
		return 1000
	case "premium":
		return 1500
	default:
		return 500
	}
}

type SecurityConfig struct {
	LoginFailWindowSeconds int    `toml:"login_fail_window_seconds"`
	LoginFailThreshold     int    `toml:"login_fail_threshold"`
	WebhookURL             string `toml:"webhook_url"`
}

func (s SecurityConfig) Window() time.Duration {
	if s.LoginFailWindowSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.LoginFailWindowSeconds) * time.Second
}

func (s SecurityConfig) Threshold() int {
	if s.LoginFailThreshold <= 0 {
		return 5
	}
	return s.LoginFailThreshold
}

// RedisConfig is an ambient addition: an optional distributed backing
// store for the global rate limiter and brute-force guard. Empty URL
// (the default) means single-process in-memory state only.
type RedisConfig struct {
	URL string `toml:"url"`
}

// StorageConfig is an ambient addition (not one of spec.md's named TOML
// sections): it carries the on-disk directories the user store, quota
// engine, metrics rollover and activity logger each need.
type StorageConfig struct {
	UsersDir    string `toml:"users_dir"`
	DataDir     string `toml:"data_dir"`
	MetricsDir  string `toml:"metrics_dir"`
	ActivityDir string `toml:"activity_log_dir"`
}

// ClickHouseConfig selects the activity logger's ClickHouse sink in place of
// the default per-user JSON-lines file sink. Addr empty (the default) keeps
// the file sink.
type ClickHouseConfig struct {
	Addr     string `toml:"addr"`
	Database string `toml:"database"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

func (s StorageConfig) QuotaDir() string {
	return s.DataDir + "/quotas"
}

func (s StorageConfig) MetricsDailyDir() string {
	return s.MetricsDir + "/daily"
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Auth:   AuthConfig{TokenTTLSeconds: 60},
		DeepSeek: DeepSeekConfig{
			BaseURL:        "https://api.deepseek.com",
			TimeoutSeconds: 60,
			HTTPClient: HTTPClientConfig{
				PoolMaxIdlePerHost:  20,
				PoolIdleTimeoutSecs: 90,
				ConnectTimeoutSecs:  10,
				TCPNoDelay:          true,
				HTTP2AdaptiveWindow: true,
			},
		},
		RateLim: RateLimitConfig{RequestsPerSecond: 10},
		Quota: QuotaConfig{
			SaveInterval:    100,
			MonthlyResetDay: 1,
			Tiers:           map[string]int{"basic": 500, "pro": 1000, "premium": 1500},
			UpgradeURL:      "https://chatgate.example.com/upgrade",
		},
		Security: SecurityConfig{LoginFailWindowSeconds: 60, LoginFailThreshold: 5},
		Storage: StorageConfig{
			UsersDir:    "./data/users",
			DataDir:     "./data",
			MetricsDir:  "./data/metrics",
			ActivityDir: "./data/activity",
		},
	}
}

// Load reads configPath (TOML) over top of the built-in defaults, then
// applies environment overrides. It loads a .env file if present, the way
// config/config.go does via godotenv, so local development can set
// DEEPSEEK_API_KEY without exporting it.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	cfg.Env = getEnv("ENV", "development")

	// The upstream API key environment variable always overrides the file;
	// if both are empty, startup fails (spec.md §6).
	if envKey := os.Getenv("DEEPSEEK_API_KEY"); envKey != "" {
		cfg.DeepSeek.APIKey = envKey
	}
	if cfg.DeepSeek.APIKey == "" {
		return nil, fmt.Errorf("config: deepseek api key is required (set DEEPSEEK_API_KEY or deepseek.api_key in %s)", configPath)
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("config: auth.jwt_secret is required")
	}

	return &cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

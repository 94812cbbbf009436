package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"stable-peg/internal/logging"
	"stable-peg/internal/oracle"
	"stable-peg/internal/stability"
)

// Risk policies selectable via stability.risk_policy.
const (
	RiskPolicyNone                = "none"
	RiskPolicyConsecutiveFailures = "consecutive_failures"
)

// Provider and registry backends.
const (
	ProviderMemory = "memory"
	ProviderLND    = "lnd"

	RegistryFile     = "file"
	RegistryPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Stability StabilityConfig `mapstructure:"stability"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Status    StatusConfig    `mapstructure:"status"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the ledger, price history and advisory lock.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the status mirror when URL is set.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs the stability check cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
}

// OracleConfig covers the price feeds.
type OracleConfig struct {
	TTL               time.Duration         `mapstructure:"ttl"`
	Currency          string                `mapstructure:"currency"`
	RequestTimeout    time.Duration         `mapstructure:"request_timeout"`
	RetryAttempts     int                   `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration         `mapstructure:"retry_delay"`
	RequestsPerSecond float64               `mapstructure:"requests_per_second"`
	UserAgent         string                `mapstructure:"user_agent"`
	Sources           []oracle.SourceConfig `mapstructure:"sources"`
	RecordHistory     bool                  `mapstructure:"record_history"`
}

// StabilityConfig holds the peg policy.
type StabilityConfig struct {
	Role              string        `mapstructure:"role"`
	DefaultTargetUSD  float64       `mapstructure:"default_target_usd"`
	ThresholdPct      float64       `mapstructure:"threshold_pct"`
	MaxRisk           int           `mapstructure:"max_risk"`
	RiskPolicy        string        `mapstructure:"risk_policy"`
	RiskStep          int           `mapstructure:"risk_step"`
	PaymentHold       time.Duration `mapstructure:"payment_hold"`
	ClosedGrace       time.Duration `mapstructure:"closed_grace"`
	AutoDesignate     bool          `mapstructure:"auto_designate"`
	BindPlaceholder   bool          `mapstructure:"bind_placeholder"`
	EventPollInterval time.Duration `mapstructure:"event_poll_interval"`
}

// ProviderConfig selects the Lightning backend.
type ProviderConfig struct {
	Backend string    `mapstructure:"backend"`
	LND     LNDConfig `mapstructure:"lnd"`
}

// LNDConfig describes LND REST access.
type LNDConfig struct {
	URL          string        `mapstructure:"url"`
	MacaroonHex  string        `mapstructure:"macaroon_hex"`
	MacaroonPath string        `mapstructure:"macaroon_path"`
	TLSCertPath  string        `mapstructure:"tls_cert_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RegistryConfig selects where pegged channels are persisted.
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// AlertingConfig defines operator alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// StatusConfig controls the read-only status server.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("STABLEPEG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Oracle.Sources) == 0 {
		cfg.Oracle.Sources = oracle.DefaultSources()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stablepeg")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("logging.file.max_backups", 5)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73746162))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)

	v.SetDefault("oracle.ttl", "5s")
	v.SetDefault("oracle.currency", "USD")
	v.SetDefault("oracle.request_timeout", "10s")
	v.SetDefault("oracle.retry_attempts", 3)
	v.SetDefault("oracle.retry_delay", "300ms")
	v.SetDefault("oracle.requests_per_second", 5.0)
	v.SetDefault("oracle.user_agent", "stablepeg/1.0")
	v.SetDefault("oracle.record_history", true)

	v.SetDefault("stability.role", "receiver")
	v.SetDefault("stability.default_target_usd", 0.0)
	v.SetDefault("stability.threshold_pct", stability.DefaultThresholdPct)
	v.SetDefault("stability.max_risk", stability.DefaultMaxRisk)
	v.SetDefault("stability.risk_policy", RiskPolicyConsecutiveFailures)
	v.SetDefault("stability.risk_step", 25)
	v.SetDefault("stability.payment_hold", "2m")
	v.SetDefault("stability.closed_grace", "24h")
	v.SetDefault("stability.auto_designate", false)
	v.SetDefault("stability.bind_placeholder", false)
	v.SetDefault("stability.event_poll_interval", "1s")

	v.SetDefault("provider.backend", ProviderLND)
	v.SetDefault("provider.lnd.url", "https://127.0.0.1:8080")
	v.SetDefault("provider.lnd.timeout", "30s")
	v.SetDefault("provider.lnd.poll_interval", "5s")

	v.SetDefault("registry.backend", RegistryFile)
	v.SetDefault("registry.path", "stablechannels.json")

	v.SetDefault("redis.key_prefix", "stablepeg")
	v.SetDefault("redis.ttl", "2m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.listen", "127.0.0.1:9470")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Oracle.TTL <= 0 {
		return fmt.Errorf("oracle.ttl must be greater than zero")
	}
	if c.Oracle.RetryAttempts <= 0 {
		return fmt.Errorf("oracle.retry_attempts must be at least 1")
	}
	for i, src := range c.Oracle.Sources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("oracle.sources[%d] requires name and url", i)
		}
	}
	if _, err := stability.ParseRole(c.Stability.Role); err != nil {
		return fmt.Errorf("stability.role: %w", err)
	}
	if c.Stability.ThresholdPct < 0 {
		return fmt.Errorf("stability.threshold_pct cannot be negative")
	}
	if c.Stability.MaxRisk < 0 {
		return fmt.Errorf("stability.max_risk cannot be negative")
	}
	if c.Stability.DefaultTargetUSD < 0 {
		return fmt.Errorf("stability.default_target_usd cannot be negative")
	}
	switch c.Stability.RiskPolicy {
	case RiskPolicyNone, RiskPolicyConsecutiveFailures:
	default:
		return fmt.Errorf("stability.risk_policy must be %q or %q", RiskPolicyNone, RiskPolicyConsecutiveFailures)
	}
	if c.Stability.EventPollInterval <= 0 {
		return fmt.Errorf("stability.event_poll_interval must be greater than zero")
	}
	switch c.Provider.Backend {
	case ProviderMemory:
	case ProviderLND:
		if c.Provider.LND.URL == "" {
			return fmt.Errorf("provider.lnd.url 必须配置")
		}
	default:
		return fmt.Errorf("provider.backend must be %q or %q", ProviderMemory, ProviderLND)
	}
	switch c.Registry.Backend {
	case RegistryFile:
		if c.Registry.Path == "" {
			return fmt.Errorf("registry.path 必须配置")
		}
	case RegistryPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("registry.backend=postgres requires database.dsn")
		}
	default:
		return fmt.Errorf("registry.backend must be %q or %q", RegistryFile, RegistryPostgres)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Role returns the parsed node role.
func (c *Config) Role() stability.Role {
	role, _ := stability.ParseRole(c.Stability.Role)
	return role
}

// Policy returns the decision thresholds.
func (c *Config) Policy() stability.Policy {
	return stability.Policy{
		ThresholdPct: decimal.NewFromFloat(c.Stability.ThresholdPct),
		MaxRisk:      c.Stability.MaxRisk,
	}
}

// DefaultTarget returns the placeholder target in USD.
func (c *Config) DefaultTarget() decimal.Decimal {
	return decimal.NewFromFloat(c.Stability.DefaultTargetUSD)
}

// HTTPOptions maps oracle settings onto source options.
func (c *Config) HTTPOptions() oracle.HTTPOptions {
	return oracle.HTTPOptions{
		Currency:          c.Oracle.Currency,
		Timeout:           c.Oracle.RequestTimeout,
		Attempts:          c.Oracle.RetryAttempts,
		RetryDelay:        c.Oracle.RetryDelay,
		RequestsPerSecond: c.Oracle.RequestsPerSecond,
		UserAgent:         c.Oracle.UserAgent,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"stream-guardian/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Streams   []string        `mapstructure:"streams"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the heartbeat.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ChainConfig covers RPC access and the signing credential.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	PrivateKey     string        `mapstructure:"private_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StreamABIPath  string        `mapstructure:"stream_abi_path"`
}

// FeedConfig describes the reference price endpoint.
type FeedConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MegaSelector string        `mapstructure:"mega_selector"`
	MegaDecimal  int32         `mapstructure:"mega_decimal"`
}

// TriggerConfig tunes pullTrigger submission.
type TriggerConfig struct {
	GasLimit       uint64        `mapstructure:"gas_limit"`
	Confirmations  uint64        `mapstructure:"confirmations"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DryRun         bool          `mapstructure:"dry_run"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// MetricsConfig controls the Prometheus endpoint. An empty listen address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds configuration from a .env file, the config file, environment and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("GUARDIAN")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads ./.env when present. Variables already set in the
// environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
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
	v.SetDefault("app.name", "stream-guardian")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0))

	v.SetDefault("chain.chain_id", int64(0))
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.stream_abi_path", "")

	v.SetDefault("streams", []string{})

	v.SetDefault("feed.url", "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin,ethereum,huobi-token&vs_currencies=usd")
	v.SetDefault("feed.timeout", "10s")
	v.SetDefault("feed.user_agent", "stream-guardian/1.0")
	v.SetDefault("feed.mega_selector", "$.*.usd")
	v.SetDefault("feed.mega_decimal", 8)

	v.SetDefault("trigger.gas_limit", uint64(500000))
	v.SetDefault("trigger.confirmations", uint64(2))
	v.SetDefault("trigger.confirm_timeout", "10m")
	v.SetDefault("trigger.poll_interval", "3s")
	v.SetDefault("trigger.dry_run", false)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values. An empty
// stream list is accepted here; the guardian reports it and exits.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Trigger.GasLimit == 0 {
		return fmt.Errorf("trigger.gas_limit must be greater than zero")
	}
	if c.Trigger.Confirmations == 0 {
		return fmt.Errorf("trigger.confirmations must be greater than zero")
	}
	if c.Feed.URL != "" {
		if _, err := url.ParseRequestURI(c.Feed.URL); err != nil {
			return fmt.Errorf("feed.url is invalid: %w", err)
		}
	}
	if c.Feed.MegaDecimal < 0 {
		return fmt.Errorf("feed.mega_decimal cannot be negative")
	}
	for i, addr := range c.Streams {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return fmt.Errorf("streams[%d]: invalid address %q", i, addr)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// StreamAddresses returns the configured stream addresses in order.
func (c *Config) StreamAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Streams))
	for _, addr := range c.Streams {
		out = append(out, common.HexToAddress(strings.TrimSpace(addr)))
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

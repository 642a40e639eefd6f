package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"celo-onramp/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	CDP       CDPConfig       `mapstructure:"cdp"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Celo      CeloConfig      `mapstructure:"celo"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string          `mapstructure:"addr"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles requests per client IP.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// CDPConfig holds Coinbase Developer Platform credentials and endpoints.
type CDPConfig struct {
	AppID                string        `mapstructure:"app_id"`
	APIKeyID             string        `mapstructure:"api_key_id"`
	APIKeySecret         string        `mapstructure:"api_key_secret"`
	APIHost              string        `mapstructure:"api_host"`
	PayBaseURL           string        `mapstructure:"pay_base_url"`
	CredentialTTL        time.Duration `mapstructure:"credential_ttl"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	DefaultCountry       string        `mapstructure:"default_country"`
	DefaultPaymentMethod string        `mapstructure:"default_payment_method"`
	DefaultNetwork       string        `mapstructure:"default_network"`
	DefaultAsset         string        `mapstructure:"default_asset"`
}

// PricingConfig drives exchange-rate lookups.
type PricingConfig struct {
	BaseRates          map[string]float64 `mapstructure:"base_rates"`
	DefaultNetwork     string             `mapstructure:"default_network"`
	Simulate           bool               `mapstructure:"simulate"`
	VariationAmplitude float64            `mapstructure:"variation_amplitude"`
	CacheTTL           time.Duration      `mapstructure:"cache_ttl"`
	ExchangeRateURL    string             `mapstructure:"exchange_rate_url"`
	CeloPriceURL       string             `mapstructure:"celo_price_url"`
	CeloFallbackUSD    float64            `mapstructure:"celo_fallback_usd"`
	RequestTimeout     time.Duration      `mapstructure:"request_timeout"`
	Retries            int                `mapstructure:"retries"`
	UserAgent          string             `mapstructure:"user_agent"`
}

// QuoteConfig sets quoting policy.
type QuoteConfig struct {
	MinimumUSD     map[string]float64 `mapstructure:"minimum_usd"`
	DefaultMinimum float64            `mapstructure:"default_minimum"`
	FeePct         float64            `mapstructure:"fee_pct"`
	NetworkFeeUSD  float64            `mapstructure:"network_fee_usd"`
	Validity       time.Duration      `mapstructure:"validity"`
}

// CeloConfig covers on-chain data for the swap contract.
type CeloConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	Network        string            `mapstructure:"network"`
	SwapAddress    string            `mapstructure:"swap_address"`
	SwapFeePct     float64           `mapstructure:"swap_fee_pct"`
	Tokens         map[string]string `mapstructure:"tokens"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Enabled reports whether persistence is configured.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.DSN) != ""
}

// SchedulerConfig governs recording cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines drift thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot target.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ONRAMP")
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
	v.SetDefault("app.name", "celo-onramp")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests_per_second", 5.0)
	v.SetDefault("server.rate_limit.burst", 20)

	// empty defaults register the keys so env overrides reach Unmarshal
	v.SetDefault("cdp.app_id", "")
	v.SetDefault("cdp.api_key_id", "")
	v.SetDefault("cdp.api_key_secret", "")
	v.SetDefault("cdp.api_host", "api.developer.coinbase.com")
	v.SetDefault("cdp.pay_base_url", "https://pay.coinbase.com/buy/select-asset")
	v.SetDefault("cdp.credential_ttl", "120s")
	v.SetDefault("cdp.request_timeout", "10s")
	v.SetDefault("cdp.default_country", "CO")
	v.SetDefault("cdp.default_payment_method", "CARD")
	v.SetDefault("cdp.default_network", "celo")
	v.SetDefault("cdp.default_asset", "CGLD")

	v.SetDefault("pricing.base_rates", map[string]float64{
		"mainnet":   4000,
		"celo":      4000,
		"alfajores": 4000,
	})
	v.SetDefault("pricing.default_network", "mainnet")
	v.SetDefault("pricing.simulate", false)
	v.SetDefault("pricing.variation_amplitude", 0.03)
	v.SetDefault("pricing.cache_ttl", "5m")
	v.SetDefault("pricing.exchange_rate_url", "https://api.exchangerate-api.com/v4/latest/USD")
	v.SetDefault("pricing.celo_price_url", "https://api.coingecko.com/api/v3/simple/price?ids=celo&vs_currencies=usd")
	v.SetDefault("pricing.celo_fallback_usd", 0.50)
	v.SetDefault("pricing.request_timeout", "5s")
	v.SetDefault("pricing.retries", 2)
	v.SetDefault("pricing.user_agent", "celo-onramp/1.0")

	v.SetDefault("quote.minimum_usd", map[string]float64{"CARD": 10})
	v.SetDefault("quote.default_minimum", 1.0)
	v.SetDefault("quote.fee_pct", 2.9)
	v.SetDefault("quote.network_fee_usd", 0.01)
	v.SetDefault("quote.validity", "5m")

	v.SetDefault("celo.rpc_url", "")
	v.SetDefault("celo.network", "celo")
	v.SetDefault("celo.swap_address", "0x0000000000000000000000000000000000000000")
	v.SetDefault("celo.swap_fee_pct", 0.5)
	v.SetDefault("celo.tokens", map[string]string{
		"celo": "0x471EcE3750Da237f93B8E339c536989b8978a438",
		"cusd": "0x765DE816845861e75A25fCA122bb6898B8B1282a",
		"ccop": "0x8A567e2aE79CA692Bd748aB832081C45de4041eA",
	})
	v.SetDefault("celo.request_timeout", "5s")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x436f7052))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 5.0)
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
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
	if c.Pricing.CacheTTL <= 0 {
		return fmt.Errorf("pricing.cache_ttl must be greater than zero")
	}
	if c.Pricing.RequestTimeout <= 0 {
		return fmt.Errorf("pricing.request_timeout must be greater than zero")
	}
	if len(c.Pricing.BaseRates) == 0 {
		return fmt.Errorf("pricing.base_rates must list at least one network")
	}
	for network, rate := range c.Pricing.BaseRates {
		if rate <= 0 {
			return fmt.Errorf("pricing.base_rates.%s must be greater than zero", network)
		}
	}
	if _, ok := c.Pricing.BaseRates[c.Pricing.DefaultNetwork]; !ok {
		return fmt.Errorf("pricing.default_network %q has no base rate", c.Pricing.DefaultNetwork)
	}
	if c.Pricing.VariationAmplitude < 0 || c.Pricing.VariationAmplitude >= 1 {
		return fmt.Errorf("pricing.variation_amplitude must be within [0, 1)")
	}
	if c.Pricing.CeloFallbackUSD <= 0 {
		return fmt.Errorf("pricing.celo_fallback_usd must be greater than zero")
	}
	if c.Quote.FeePct < 0 || c.Quote.FeePct >= 100 {
		return fmt.Errorf("quote.fee_pct must be within [0, 100)")
	}
	if c.Quote.NetworkFeeUSD < 0 {
		return fmt.Errorf("quote.network_fee_usd cannot be negative")
	}
	if c.Quote.DefaultMinimum < 0 {
		return fmt.Errorf("quote.default_minimum cannot be negative")
	}
	if c.Quote.Validity <= 0 {
		return fmt.Errorf("quote.validity must be greater than zero")
	}
	if c.CDP.CredentialTTL <= 0 {
		return fmt.Errorf("cdp.credential_ttl must be greater than zero")
	}
	if c.CDP.RequestTimeout <= 0 {
		return fmt.Errorf("cdp.request_timeout must be greater than zero")
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.RequestsPerSecond <= 0 || c.Server.RateLimit.Burst <= 0) {
		return fmt.Errorf("server.rate_limit requires positive requests_per_second and burst")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
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

// CDPConfigured reports whether signing credentials are present.
func (c *Config) CDPConfigured() bool {
	return strings.TrimSpace(c.CDP.APIKeyID) != "" && strings.TrimSpace(c.CDP.APIKeySecret) != ""
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

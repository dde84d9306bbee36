package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"marketfeed/logger"
	"marketfeed/scheduler"
	"marketfeed/services/broker"
	"marketfeed/services/cache"
	"marketfeed/services/market"
	"marketfeed/services/relay"
	"marketfeed/services/router"
)

const envPrefix = "MARKETFEED"

// Config holds all configuration for the application
type Config struct {
	Environment string               `mapstructure:"environment"`
	HTTP        HTTPConfig           `mapstructure:"http"`
	Log         logger.Config        `mapstructure:"log"`
	Sources     SourcesConfig        `mapstructure:"sources"`
	Router      router.Config        `mapstructure:"router"`
	Cache       cache.Config         `mapstructure:"cache"`
	Market      market.Config        `mapstructure:"market"`
	Refresh     scheduler.Config     `mapstructure:"refresh"`
	Jobs        scheduler.JobsConfig `mapstructure:"jobs"`
	Broker      broker.Config        `mapstructure:"broker"`
	WebSocket   broker.WSConfig      `mapstructure:"websocket"`
	Redis       RedisConfig          `mapstructure:"redis"`
	Database    DatabaseConfig       `mapstructure:"database"`
	Mongo       MongoConfig          `mapstructure:"mongo"`
	Kafka       relay.Config         `mapstructure:"kafka"`
	Profiling   ProfilingConfig      `mapstructure:"profiling"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Per-client request budget; zero disables the limiter.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

func (h HTTPConfig) Addr() string { return h.Host + ":" + h.Port }

// SourceConfig configures one upstream adapter.
type SourceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Priority          int           `mapstructure:"priority"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// SourcesConfig holds one entry per upstream adapter
type SourcesConfig struct {
	Yahoo        SourceConfig `mapstructure:"yahoo"`
	AlphaVantage SourceConfig `mapstructure:"alphavantage"`
	RapidAPI     SourceConfig `mapstructure:"rapidapi"`
	VNDirect     SourceConfig `mapstructure:"vndirect"`
}

type RedisConfig struct {
	// Empty disables the cache mirror.
	URL       string `mapstructure:"url"`
	Prefix    string `mapstructure:"prefix"`
	QueueSize int    `mapstructure:"queue_size"`
}

// DatabaseConfig holds the relational store settings
type DatabaseConfig struct {
	// postgres or sqlite; empty picks one from the URL.
	Driver string `mapstructure:"driver"`
	// Empty disables the instrument registry and snapshots.
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type MongoConfig struct {
	// Empty disables the bar archive.
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ServerAddress string `mapstructure:"server_address"`
	AppName       string `mapstructure:"app_name"`
}

// legacy maps keys to the variable names the deployment already uses.
var legacy = map[string]string{
	"sources.alphavantage.api_key": "ALPHA_VANTAGE_API_KEY",
	"sources.rapidapi.api_key":     "RAPIDAPI_KEY",
	"redis.url":                    "REDIS_URL",
	"database.url":                 "DATABASE_URL",
	"http.port":                    "PORT",
	"mongo.uri":                    "MONGODB_URI",
}

// Load reads .env, the optional config file at path and MARKETFEED_*
// variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacy {
		envName := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.rate_limit", 20.0)
	v.SetDefault("http.rate_burst", 40)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/marketfeed.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.with_caller", false)

	for name, priority := range map[string]int{"yahoo": 1, "alphavantage": 2, "rapidapi": 3, "vndirect": 4} {
		prefix := "sources." + name + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"priority", priority)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"timeout", 10*time.Second)
		v.SetDefault(prefix+"requests_per_minute", 0)
	}
	// Alpha Vantage's free tier allows five calls a minute.
	v.SetDefault("sources.alphavantage.requests_per_minute", 5)

	r := router.DefaultConfig()
	v.SetDefault("router.failure_threshold", r.FailureThreshold)
	v.SetDefault("router.cool_down", r.CoolDown)
	v.SetDefault("router.max_cool_down", r.MaxCoolDown)
	v.SetDefault("router.attempt_timeout", r.AttemptTimeout)

	c := cache.DefaultConfig()
	v.SetDefault("cache.shards", c.Shards)
	v.SetDefault("cache.quote_ttl", c.QuoteTTL)
	v.SetDefault("cache.bars_ttl", c.BarsTTL)
	v.SetDefault("cache.stale_grace", c.StaleGrace)

	m := market.DefaultConfig()
	v.SetDefault("market.resolve_timeout", m.ResolveTimeout)
	v.SetDefault("market.forecast.window", m.Forecast.Window)
	v.SetDefault("market.forecast.horizon", m.Forecast.Horizon)
	v.SetDefault("market.forecast.max_horizon", m.Forecast.MaxHorizon)

	s := scheduler.DefaultConfig()
	v.SetDefault("refresh.interval", s.Interval)
	v.SetDefault("refresh.cold_interval", s.ColdInterval)
	v.SetDefault("refresh.failure_threshold", s.FailureThreshold)
	v.SetDefault("refresh.max_interval", s.MaxInterval)
	v.SetDefault("refresh.bars_interval", s.BarsInterval)
	v.SetDefault("refresh.idle_grace", s.IdleGrace)
	v.SetDefault("refresh.symbols", []string{"AAPL", "MSFT", "GOOGL", "AMZN"})

	j := scheduler.DefaultJobsConfig()
	v.SetDefault("jobs.market_interval", j.MarketInterval)
	v.SetDefault("jobs.sweep_interval", j.SweepInterval)
	v.SetDefault("jobs.snapshot_interval", j.SnapshotInterval)
	v.SetDefault("jobs.archive_interval", j.ArchiveInterval)
	v.SetDefault("jobs.job_timeout", j.JobTimeout)

	b := broker.DefaultConfig()
	v.SetDefault("broker.queue_size", b.QueueSize)
	v.SetDefault("broker.max_subscribers", b.MaxSubscribers)
	v.SetDefault("broker.max_topics", b.MaxTopics)

	ws := broker.DefaultWSConfig()
	v.SetDefault("websocket.write_timeout", ws.WriteTimeout)
	v.SetDefault("websocket.pong_timeout", ws.PongTimeout)
	v.SetDefault("websocket.ping_interval", ws.PingInterval)
	v.SetDefault("websocket.read_limit", ws.ReadLimit)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "marketfeed:cache")
	v.SetDefault("redis.queue_size", 1024)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "marketfeed")

	k := relay.DefaultConfig()
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", k.Topic)
	v.SetDefault("kafka.queue_size", k.QueueSize)
	v.SetDefault("kafka.batch_size", k.BatchSize)
	v.SetDefault("kafka.flush_every", k.FlushEvery)
	v.SetDefault("kafka.write_timeout", k.WriteTimeout)
	v.SetDefault("kafka.max_retries", k.MaxRetries)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.server_address", "http://localhost:4040")
	v.SetDefault("profiling.app_name", "marketfeed")
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port == "" {
		errs = append(errs, errors.New("http.port is required"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	switch c.Database.Driver {
	case "", DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not postgres or sqlite", c.Database.Driver))
	}
	enabled := 0
	for _, s := range c.Sources.All() {
		if !s.Config.Enabled {
			continue
		}
		enabled++
		if s.Config.Priority <= 0 {
			errs = append(errs, fmt.Errorf("sources.%s.priority must be positive", s.Name))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("at least one source must be enabled"))
	}
	return errors.Join(errs...)
}

// NamedSource pairs an adapter name with its settings.
type NamedSource struct {
	Name   string
	Config SourceConfig
}

// All lists the adapters in a stable order.
func (s SourcesConfig) All() []NamedSource {
	return []NamedSource{
		{"yahoo", s.Yahoo},
		{"alphavantage", s.AlphaVantage},
		{"rapidapi", s.RapidAPI},
		{"vndirect", s.VNDirect},
	}
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }

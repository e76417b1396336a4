package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the control plane.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Arbiter  ArbiterConfig  `mapstructure:"arbiter"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Rate     RateConfig     `mapstructure:"rate"`
	Loop     LoopConfig     `mapstructure:"loop"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Dampener DampenerConfig `mapstructure:"dampener"`
	Ops      OpsConfig      `mapstructure:"ops"`

	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Listen    string `mapstructure:"listen"`
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig groups the durable store and cache settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains connection settings for the durable store.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles the Postgres connection string.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains connection settings for rate windows, event
// fingerprints, and the event streams.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// ArbiterConfig tunes the admission path.
type ArbiterConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// BudgetConfig carries the default per-agent limits applied when an agent
// has no explicit override row.
type BudgetConfig struct {
	DailyCostLimit     float64 `mapstructure:"daily_cost_limit"`
	MonthlyCostLimit   float64 `mapstructure:"monthly_cost_limit"`
	DailyTokenLimit    int64   `mapstructure:"daily_token_limit"`
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks"`
	WarningRatio       float64 `mapstructure:"warning_ratio"`
}

func (b BudgetConfig) Validate() error {
	if b.WarningRatio < 0 || b.WarningRatio > 1 {
		return fmt.Errorf("budget.warning_ratio must be within [0,1]")
	}
	return nil
}

// RateConfig tunes the per-(agent, resource) sliding window.
type RateConfig struct {
	Window       time.Duration `mapstructure:"window"`
	SteadyRate   int           `mapstructure:"steady_rate"`
	BurstPerTier int           `mapstructure:"burst_per_tier"`
}

// LoopConfig tunes loop detection over the causality graph.
type LoopConfig struct {
	MaxDepth          int           `mapstructure:"max_depth"`
	OscillationWindow time.Duration `mapstructure:"oscillation_window"`
	OscillationTasks  int           `mapstructure:"oscillation_tasks"`
	MinPeriod         int           `mapstructure:"min_period"`
}

// BreakerConfig tunes circuit breaker cooldowns.
type BreakerConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// DampenerConfig tunes the outbound event gate.
type DampenerConfig struct {
	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`
	RateWindow       time.Duration `mapstructure:"rate_window"`
	RatePerType      int           `mapstructure:"rate_per_type"`
	CascadeWindow    time.Duration `mapstructure:"cascade_window"`
	CascadeGrowth    float64       `mapstructure:"cascade_growth"`
	CascadeFanout    float64       `mapstructure:"cascade_fanout"`
	CascadeMinEvents int           `mapstructure:"cascade_min_events"`
	Stream           string        `mapstructure:"stream"`
	AlertStream      string        `mapstructure:"alert_stream"`
	StreamMaxLen     int64         `mapstructure:"stream_max_len"`
	BackpressureHigh int64         `mapstructure:"backpressure_high"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

// OpsConfig tunes operational housekeeping.
type OpsConfig struct {
	SweepCron string `mapstructure:"sweep_cron"`
}

// TelemetryConfig controls metric and trace export. Prometheus metrics are
// always served; OTLP export is opt-in.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoadConfig loads configuration from file, environment, and defaults.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.listen", ":10080")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("arbiter.dedup_window", 30*time.Second)
	viper.SetDefault("budget.daily_cost_limit", 50.0)
	viper.SetDefault("budget.monthly_cost_limit", 1000.0)
	viper.SetDefault("budget.daily_token_limit", 2_000_000)
	viper.SetDefault("budget.max_concurrent_tasks", 10)
	viper.SetDefault("budget.warning_ratio", 0.8)
	viper.SetDefault("rate.window", time.Minute)
	viper.SetDefault("rate.steady_rate", 30)
	viper.SetDefault("rate.burst_per_tier", 10)
	viper.SetDefault("loop.max_depth", 25)
	viper.SetDefault("loop.oscillation_window", 5*time.Minute)
	viper.SetDefault("loop.oscillation_tasks", 20)
	viper.SetDefault("loop.min_period", 2)
	viper.SetDefault("breaker.cooldown", 10*time.Minute)
	viper.SetDefault("dampener.dedup_ttl", 30*time.Second)
	viper.SetDefault("dampener.rate_window", time.Minute)
	viper.SetDefault("dampener.rate_per_type", 60)
	viper.SetDefault("dampener.cascade_window", 5*time.Minute)
	viper.SetDefault("dampener.cascade_growth", 2.0)
	viper.SetDefault("dampener.cascade_fanout", 5.0)
	viper.SetDefault("dampener.cascade_min_events", 10)
	viper.SetDefault("dampener.stream", "arbiter:events")
	viper.SetDefault("dampener.alert_stream", "arbiter:alerts")
	viper.SetDefault("dampener.stream_max_len", 100_000)
	viper.SetDefault("dampener.backpressure_high", 50_000)
	viper.SetDefault("dampener.retry_attempts", 3)
	viper.SetDefault("dampener.retry_backoff", 200*time.Millisecond)
	viper.SetDefault("ops.sweep_cron", "*/10 * * * *")
	viper.SetDefault("telemetry.enabled", false)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ARBITER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
		// No file found: env vars and defaults drive everything.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err := config.Budget.Validate(); err != nil {
		panic(err)
	}
	return &config
}

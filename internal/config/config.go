// Package config handles file- and environment-based configuration loading
// for the tickerd process.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full startup configuration. The option set is closed: the
// YAML file may only override fields named here, and unknown keys are
// rejected. None of it is hot-updatable.
type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Database       DatabaseConfig  `yaml:"database"`
	Market         MarketConfig    `yaml:"market"`
	Watchlist      WatchlistConfig `yaml:"watchlist"`
	BootstrapCodes []string        `yaml:"bootstrap_codes"`
	DataSources    DataSources     `yaml:"data_sources"`
	Queues         QueuesConfig    `yaml:"queues"`
	API            APIConfig       `yaml:"api"`
}

// ServerConfig is the HTTP + realtime bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig locates the sqlite file backing the historical store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MarketConfig holds exchange-wide settings.
type MarketConfig struct {
	Timezone      string   `yaml:"timezone"`
	PoolTTL       Duration `yaml:"pool_ttl"`
	EvictInterval Duration `yaml:"evict_interval"`
}

// WatchlistConfig locates the line-oriented watch-list file.
type WatchlistConfig struct {
	Path string `yaml:"path"`
}

// UpdateInterval is the per-source sleep between scheduler ticks, split by
// trading vs non-trading minutes.
type UpdateInterval struct {
	TradingTime    Duration `yaml:"trading_time"`
	NonTradingTime Duration `yaml:"non_trading_time"`
}

// FastSource configures the per-code low-latency JSON source.
// MainURL and BackupURL are templates with {code} and {licence} placeholders.
// BatchURL, when set, is a multi-code template with a {codes} placeholder;
// the client tries it first and falls back to per-code mode on parse failure.
type FastSource struct {
	MainURL        string         `yaml:"main_url"`
	BackupURL      string         `yaml:"backup_url"`
	BatchURL       string         `yaml:"batch_url"`
	Licence        string         `yaml:"licence"`
	BatchSize      int            `yaml:"batch_size"`
	RateLimit      Duration       `yaml:"rate_limit"`
	Staleness      Duration       `yaml:"staleness"`
	UpdateInterval UpdateInterval `yaml:"update_interval"`
}

// SlowSource configures the batched multi-code source with a per-minute quota.
type SlowSource struct {
	MainURL        string         `yaml:"main_url"`
	Licence        string         `yaml:"licence"`
	BatchSize      int            `yaml:"batch_size"`
	Limits         SourceLimits   `yaml:"limits"`
	Staleness      Duration       `yaml:"staleness"`
	UpdateInterval UpdateInterval `yaml:"update_interval"`
}

// SourceLimits holds upstream quota settings.
type SourceLimits struct {
	PerMinute int `yaml:"per_minute"`
}

// ScrapeSource configures the out-of-process scraper coordination. The
// Timeouts block and URLTemplate are forwarded to the worker verbatim; the
// coordinator itself only uses the session budget fields.
type ScrapeSource struct {
	URLTemplate    string         `yaml:"url_template"`
	Staleness      Duration       `yaml:"staleness"`
	MinTimeout     Duration       `yaml:"min_timeout"`
	PerCodeBudget  Duration       `yaml:"per_code_budget"`
	MaxAttempts    int            `yaml:"max_attempts"`
	UpdateInterval UpdateInterval `yaml:"update_interval"`
	Timeouts       ScrapeTimeouts `yaml:"timeouts"`
}

// ScrapeTimeouts are worker-side page budgets, carried in the task payload.
type ScrapeTimeouts struct {
	Goto     Duration `yaml:"goto"`
	Selector Duration `yaml:"selector"`
}

// DataSources groups the three source configurations.
type DataSources struct {
	Fast   FastSource   `yaml:"fast"`
	Slow   SlowSource   `yaml:"slow"`
	Scrape ScrapeSource `yaml:"scrape"`
}

// RedisConfig names the bus endpoints and key namespaces.
type RedisConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	DB             int    `yaml:"db"`
	Password       string `yaml:"password"`
	TasksQueueHigh string `yaml:"tasks_queue_high"`
	TasksQueueLow  string `yaml:"tasks_queue_low"`
	ResultsQueue   string `yaml:"results_queue"`
	PendingHash    string `yaml:"pending_hash"`
	ProcessedSet   string `yaml:"processed_set"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// QueuesConfig holds the message-bus configuration.
type QueuesConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// APIConfig bounds the HTTP surface.
type APIConfig struct {
	MaxBodyBytes     int      `yaml:"max_body_bytes"`
	MaxConns         int      `yaml:"max_conns"`
	ResponseCacheTTL Duration `yaml:"response_cache_ttl"`
}

// NewDefaultConfig returns a Config populated with the documented defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8050},
		Database: DatabaseConfig{Path: "tickerd.db"},
		Market: MarketConfig{
			Timezone:      "Asia/Shanghai",
			PoolTTL:       Duration(2 * time.Hour),
			EvictInterval: Duration(5 * time.Second),
		},
		Watchlist: WatchlistConfig{Path: "stocks.txt"},
		DataSources: DataSources{
			Fast: FastSource{
				BatchSize: 10,
				RateLimit: Duration(200 * time.Millisecond),
				Staleness: Duration(60 * time.Second),
				UpdateInterval: UpdateInterval{
					TradingTime:    Duration(5 * time.Second),
					NonTradingTime: Duration(60 * time.Second),
				},
			},
			Slow: SlowSource{
				BatchSize: 10,
				Limits:    SourceLimits{PerMinute: 30},
				Staleness: Duration(60 * time.Second),
				UpdateInterval: UpdateInterval{
					TradingTime:    Duration(10 * time.Second),
					NonTradingTime: Duration(120 * time.Second),
				},
			},
			Scrape: ScrapeSource{
				Staleness:     Duration(120 * time.Second),
				MinTimeout:    Duration(30 * time.Second),
				PerCodeBudget: Duration(3 * time.Second),
				MaxAttempts:   3,
				UpdateInterval: UpdateInterval{
					TradingTime:    Duration(15 * time.Second),
					NonTradingTime: Duration(300 * time.Second),
				},
				Timeouts: ScrapeTimeouts{
					Goto:     Duration(30 * time.Second),
					Selector: Duration(10 * time.Second),
				},
			},
		},
		Queues: QueuesConfig{
			Redis: RedisConfig{
				Host:           "127.0.0.1",
				Port:           6379,
				DB:             0,
				TasksQueueHigh: "tasks_queue_high",
				TasksQueueLow:  "tasks_queue_low",
				ResultsQueue:   "results_queue",
				PendingHash:    "pending_tasks",
				ProcessedSet:   "processed_tasks",
			},
		},
		API: APIConfig{
			MaxBodyBytes:     1 << 20,
			MaxConns:         256,
			ResponseCacheTTL: Duration(5 * time.Second),
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides, then
// validation. All problems are accumulated and reported in one error.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	var errs []string
	applyEnvOverrides(cfg, &errs)
	cfg.validate(&errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// Location resolves the configured exchange timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Market.Timezone, err)
	}
	return loc, nil
}

func (c *Config) validate(errs *[]string) {
	validatePort("server.port", c.Server.Port, errs)
	if strings.TrimSpace(c.Server.Host) == "" {
		*errs = append(*errs, "server.host must not be empty")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		*errs = append(*errs, "database.path must not be empty")
	}
	if strings.TrimSpace(c.Watchlist.Path) == "" {
		*errs = append(*errs, "watchlist.path must not be empty")
	}

	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		*errs = append(*errs, fmt.Sprintf("market.timezone: unknown location %q", c.Market.Timezone))
	}
	validateDurationRange("market.pool_ttl", c.Market.PoolTTL, time.Second, 4*time.Hour, errs)
	validatePositiveDuration("market.evict_interval", c.Market.EvictInterval, errs)

	// fast
	if strings.TrimSpace(c.DataSources.Fast.MainURL) == "" {
		*errs = append(*errs, "data_sources.fast.main_url must not be empty")
	}
	validatePositive("data_sources.fast.batch_size", c.DataSources.Fast.BatchSize, errs)
	if c.DataSources.Fast.RateLimit < 0 {
		*errs = append(*errs, "data_sources.fast.rate_limit must not be negative")
	}
	validatePositiveDuration("data_sources.fast.staleness", c.DataSources.Fast.Staleness, errs)
	validateInterval("data_sources.fast", c.DataSources.Fast.UpdateInterval, errs)

	// slow
	if strings.TrimSpace(c.DataSources.Slow.MainURL) == "" {
		*errs = append(*errs, "data_sources.slow.main_url must not be empty")
	}
	validatePositive("data_sources.slow.batch_size", c.DataSources.Slow.BatchSize, errs)
	validatePositive("data_sources.slow.limits.per_minute", c.DataSources.Slow.Limits.PerMinute, errs)
	validatePositiveDuration("data_sources.slow.staleness", c.DataSources.Slow.Staleness, errs)
	validateInterval("data_sources.slow", c.DataSources.Slow.UpdateInterval, errs)

	// scrape
	validateDurationRange("data_sources.scrape.staleness", c.DataSources.Scrape.Staleness, 120*time.Second, 300*time.Second, errs)
	validatePositiveDuration("data_sources.scrape.min_timeout", c.DataSources.Scrape.MinTimeout, errs)
	validatePositiveDuration("data_sources.scrape.per_code_budget", c.DataSources.Scrape.PerCodeBudget, errs)
	validatePositive("data_sources.scrape.max_attempts", c.DataSources.Scrape.MaxAttempts, errs)
	validateInterval("data_sources.scrape", c.DataSources.Scrape.UpdateInterval, errs)

	// queues
	r := c.Queues.Redis
	if strings.TrimSpace(r.Host) == "" {
		*errs = append(*errs, "queues.redis.host must not be empty")
	}
	validatePort("queues.redis.port", r.Port, errs)
	if r.DB < 0 {
		*errs = append(*errs, fmt.Sprintf("queues.redis.db must not be negative, got %d", r.DB))
	}
	for name, v := range map[string]string{
		"queues.redis.tasks_queue_high": r.TasksQueueHigh,
		"queues.redis.tasks_queue_low":  r.TasksQueueLow,
		"queues.redis.results_queue":    r.ResultsQueue,
		"queues.redis.pending_hash":     r.PendingHash,
		"queues.redis.processed_set":    r.ProcessedSet,
	} {
		if strings.TrimSpace(v) == "" {
			*errs = append(*errs, name+" must not be empty")
		}
	}

	validatePositive("api.max_body_bytes", c.API.MaxBodyBytes, errs)
	validatePositive("api.max_conns", c.API.MaxConns, errs)
	validatePositiveDuration("api.response_cache_ttl", c.API.ResponseCacheTTL, errs)
}

// --- validation helpers ---

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value.Std()))
	}
}

func validateDurationRange(name string, value Duration, min, max time.Duration, errs *[]string) {
	if value.Std() < min || value.Std() > max {
		*errs = append(*errs, fmt.Sprintf("%s: must be within [%s, %s], got %s", name, min, max, value.Std()))
	}
}

func validateInterval(prefix string, iv UpdateInterval, errs *[]string) {
	validatePositiveDuration(prefix+".update_interval.trading_time", iv.TradingTime, errs)
	validatePositiveDuration(prefix+".update_interval.non_trading_time", iv.NonTradingTime, errs)
}

// Package config loads marketgraph settings from a YAML file, the
// environment and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MARKETGRAPH_ENGINE_RUN_TIMEOUT.
const EnvPrefix = "MARKETGRAPH"

// Config holds all configuration for the service and the CLI.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Data      DataConfig      `mapstructure:"data"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Store     StoreConfig     `mapstructure:"store"`
	Weights   WeightsConfig   `mapstructure:"weights"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// EngineConfig bounds workflow execution.
type EngineConfig struct {
	RunTimeout          time.Duration `mapstructure:"run_timeout"`
	NodeTimeout         time.Duration `mapstructure:"node_timeout"`
	MaxSteps            int           `mapstructure:"max_steps"`
	MaxIterations       int           `mapstructure:"max_iterations"`
	DispatchConcurrency int           `mapstructure:"dispatch_concurrency"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	ReasoningRetries    int           `mapstructure:"reasoning_retries"`
}

// LLMConfig selects the reasoning provider.
type LLMConfig struct {
	Provider  string `mapstructure:"provider"` // openai, anthropic, google or mock
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// DataConfig configures the market data providers.
type DataConfig struct {
	FMPAPIKey     string        `mapstructure:"fmp_api_key"`
	NewsAPIKey    string        `mapstructure:"newsapi_key"`
	YahooURL      string        `mapstructure:"yahoo_url"`
	FMPURL        string        `mapstructure:"fmp_url"`
	NewsAPIURL    string        `mapstructure:"newsapi_url"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	Candidates    int           `mapstructure:"candidates"`
	HeadlineLimit int           `mapstructure:"headline_limit"`
	WebFetch      bool          `mapstructure:"web_fetch"`
}

// CacheConfig selects where provider responses are cached.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // memory, redis or none
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the transcript store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite or mysql
	DSN    string `mapstructure:"dsn"`
}

// WeightsConfig controls where fundamental scoring weights come from.
type WeightsConfig struct {
	File    string `mapstructure:"file"`
	Dynamic bool   `mapstructure:"dynamic"`
}

// TelemetryConfig contains logging, tracing and metrics settings.
type TelemetryConfig struct {
	LogLevel      string `mapstructure:"log_level"`
	LogJSONEvents bool   `mapstructure:"log_json_events"`
	Tracing       bool   `mapstructure:"tracing"`
	Metrics       bool   `mapstructure:"metrics"`
}

// Load reads the configuration like Read and validates every section.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Read loads path, or marketgraph.yaml from ./config or the working
// directory when path is empty, then applies MARKETGRAPH_* overrides and
// the provider credentials from the environment. It does not validate.
func Read(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("marketgraph")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	overrideFromEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")

	v.SetDefault("engine.run_timeout", "5m")
	v.SetDefault("engine.node_timeout", "2m")
	v.SetDefault("engine.max_steps", 100)
	v.SetDefault("engine.max_iterations", 10)
	v.SetDefault("engine.dispatch_concurrency", 4)
	v.SetDefault("engine.call_timeout", "30s")
	v.SetDefault("engine.reasoning_retries", 2)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("data.fmp_api_key", "")
	v.SetDefault("data.newsapi_key", "")
	v.SetDefault("data.yahoo_url", "https://query1.finance.yahoo.com")
	v.SetDefault("data.fmp_url", "https://financialmodelingprep.com/api/v3")
	v.SetDefault("data.newsapi_url", "https://newsapi.org/v2")
	v.SetDefault("data.http_timeout", "15s")
	v.SetDefault("data.candidates", 30)
	v.SetDefault("data.headline_limit", 5)
	v.SetDefault("data.web_fetch", false)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("weights.file", "")
	v.SetDefault("weights.dynamic", false)

	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_json_events", false)
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", true)
}

// overrideFromEnv applies the conventional provider credential variables.
// They win over the file but lose to an explicit MARKETGRAPH_* override.
func overrideFromEnv(v *viper.Viper) {
	if os.Getenv(EnvPrefix+"_LLM_API_KEY") == "" {
		var keyVar string
		switch v.GetString("llm.provider") {
		case "openai":
			keyVar = "OPENAI_API_KEY"
		case "anthropic":
			keyVar = "ANTHROPIC_API_KEY"
		case "google":
			keyVar = "GEMINI_API_KEY"
		}
		if key := os.Getenv(keyVar); keyVar != "" && key != "" {
			v.Set("llm.api_key", key)
		}
	}
	if os.Getenv(EnvPrefix+"_DATA_FMP_API_KEY") == "" {
		if key := os.Getenv("FMP_API_KEY"); key != "" {
			v.Set("data.fmp_api_key", key)
		}
	}
	if os.Getenv(EnvPrefix+"_DATA_NEWSAPI_KEY") == "" {
		if key := os.Getenv("NEWSAPI_KEY"); key != "" {
			v.Set("data.newsapi_key", key)
		}
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.Server.Validate,
		c.Engine.Validate,
		c.LLM.Validate,
		c.Data.Validate,
		c.Cache.Validate,
		c.Store.Validate,
		c.Telemetry.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the server section.
func (s ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	return nil
}

// Validate checks the engine section.
func (e EngineConfig) Validate() error {
	if e.RunTimeout < 0 || e.NodeTimeout < 0 || e.CallTimeout < 0 {
		return fmt.Errorf("engine timeouts must be >= 0")
	}
	if e.MaxSteps < 1 {
		return fmt.Errorf("engine.max_steps must be > 0")
	}
	if e.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be > 0")
	}
	// The technical branch spends two steps per tool round plus the summary.
	if need := 2*e.MaxIterations + 1; e.MaxSteps < need {
		return fmt.Errorf("engine.max_steps (%d) must be at least 2*engine.max_iterations+1 (%d)", e.MaxSteps, need)
	}
	if e.DispatchConcurrency < 1 {
		return fmt.Errorf("engine.dispatch_concurrency must be > 0")
	}
	if e.ReasoningRetries < 0 {
		return fmt.Errorf("engine.reasoning_retries must be >= 0")
	}
	return nil
}

// Validate checks the llm section. The mock provider needs no key.
func (l LLMConfig) Validate() error {
	switch l.Provider {
	case "openai", "anthropic", "google":
		if l.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %q", l.Provider)
		}
	case "mock":
	default:
		return fmt.Errorf("llm.provider %q is not one of openai, anthropic, google, mock", l.Provider)
	}
	if l.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must be >= 0")
	}
	return nil
}

// Validate checks the data section. Missing API keys are allowed: the
// affected branch degrades at run time.
func (d DataConfig) Validate() error {
	if d.YahooURL == "" || d.FMPURL == "" || d.NewsAPIURL == "" {
		return fmt.Errorf("data provider URLs must not be empty")
	}
	if d.HTTPTimeout <= 0 {
		return fmt.Errorf("data.http_timeout must be > 0")
	}
	if d.Candidates < 1 {
		return fmt.Errorf("data.candidates must be > 0")
	}
	if d.HeadlineLimit < 1 {
		return fmt.Errorf("data.headline_limit must be > 0")
	}
	return nil
}

// Validate checks the cache section.
func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "none", "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required when cache.backend is redis")
		}
		if c.Redis.DB < 0 {
			return fmt.Errorf("cache.redis.db must be >= 0")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of none, memory, redis", c.Backend)
	}
	if c.TTL < 0 {
		return fmt.Errorf("cache.ttl must be >= 0")
	}
	return nil
}

// Validate checks the store section.
func (s StoreConfig) Validate() error {
	switch s.Driver {
	case "memory", "sqlite":
	case "mysql":
		if s.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is mysql")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, mysql", s.Driver)
	}
	return nil
}

// Validate checks the telemetry section.
func (t TelemetryConfig) Validate() error {
	switch strings.ToLower(t.LogLevel) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("telemetry.log_level %q is not one of debug, info, warn, error", t.LogLevel)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research protocol and synthesis pipeline.
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Protocol      ProtocolConfig      `mapstructure:"protocol"`
	Citations     CitationConfig      `mapstructure:"citations"`
	Synthesis     SynthesisConfig     `mapstructure:"synthesis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	ErrorTracking ErrorTrackingConfig `mapstructure:"error_tracking"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	Environment string `mapstructure:"environment"`
}

// LLMConfig contains generation provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single generation provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai, gemini
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig names the model key used for each stage.
type LLMRoutingConfig struct {
	Steps     string `mapstructure:"steps"`
	Synthesis string `mapstructure:"synthesis"`
}

// ResolveModel finds the provider and model configuration registered under key.
func (c LLMConfig) ResolveModel(key string) (string, LLMProvider, LLMModel, error) {
	key = strings.TrimSpace(key)
	for name, provider := range c.Providers {
		if model, ok := provider.Models[key]; ok {
			return name, provider, model, nil
		}
	}
	return "", LLMProvider{}, LLMModel{}, fmt.Errorf("llm model %q not configured", key)
}

// Validate checks that routing targets exist.
func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must not be empty")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case "openai", "gemini":
		default:
			return fmt.Errorf("llm.providers.%s: unsupported type %q", name, p.Type)
		}
	}
	if _, _, _, err := c.ResolveModel(c.Routing.Steps); err != nil {
		return fmt.Errorf("llm.routing.steps: %w", err)
	}
	if _, _, _, err := c.ResolveModel(c.Routing.Synthesis); err != nil {
		return fmt.Errorf("llm.routing.synthesis: %w", err)
	}
	return nil
}

// RetrievalConfig configures the search/retrieval service.
type RetrievalConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CostPerRequest    float64       `mapstructure:"cost_per_request"`
}

// Normalize applies defaults for unset retrieval values.
func (c RetrievalConfig) Normalize() RetrievalConfig {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = "https://api.perplexity.ai/chat/completions"
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = "sonar-pro"
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 30
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// ProtocolConfig controls step execution, retries and timeouts.
type ProtocolConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetrievalTimeout  time.Duration `mapstructure:"retrieval_timeout"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCeiling    time.Duration `mapstructure:"backoff_ceiling"`
	ContextChunks     int           `mapstructure:"context_chunks"`
}

// Normalize applies defaults for unset protocol values.
func (c ProtocolConfig) Normalize() ProtocolConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = 30 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 8 * time.Second
	}
	if c.ContextChunks <= 0 {
		c.ContextChunks = 5
	}
	return c
}

// Validate ensures protocol settings are usable.
func (c ProtocolConfig) Validate() error {
	if c.MaxAttempts > 10 {
		return fmt.Errorf("protocol.max_attempts must be <= 10")
	}
	if c.BackoffCeiling < c.BackoffBase {
		return fmt.Errorf("protocol.backoff_ceiling must be >= protocol.backoff_base")
	}
	return nil
}

// SynthesisConfig controls the synthesis build.
type SynthesisConfig struct {
	MinSummaryChars int           `mapstructure:"min_summary_chars"`
	ResolveTitles   bool          `mapstructure:"resolve_titles"`
	TitleTimeout    time.Duration `mapstructure:"title_timeout"`
}

// Normalize applies defaults for unset synthesis values.
func (c SynthesisConfig) Normalize() SynthesisConfig {
	if c.MinSummaryChars <= 0 {
		c.MinSummaryChars = 120
	}
	if c.TitleTimeout <= 0 {
		c.TitleTimeout = 5 * time.Second
	}
	return c
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port must be >= 0")
	}
	return nil
}

// WorkerConfig controls how many runs are processed concurrently.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// ErrorTrackingConfig configures Sentry reporting of synthesis failures.
type ErrorTrackingConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      string        `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BundleTTL time.Duration `mapstructure:"bundle_ttl"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
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

// DSN returns the connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// Normalize applies defaults to every section.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.General.LogLevel) == "" {
		c.General.LogLevel = "info"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 2
	}
	if c.Storage.Redis.BundleTTL <= 0 {
		c.Storage.Redis.BundleTTL = 24 * time.Hour
	}
	c.Retrieval = c.Retrieval.Normalize()
	c.Protocol = c.Protocol.Normalize()
	c.Citations = c.Citations.Normalize()
	c.Synthesis = c.Synthesis.Normalize()
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []func() error{
		c.LLM.Validate,
		c.Protocol.Validate,
		c.Citations.Validate,
		c.Telemetry.Validate,
		c.Storage.Redis.Validate,
		c.Storage.Postgres.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads config from path, or searches the usual locations when path
// is empty. Environment variables prefixed with DOSSIER_ override file values.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("protocol.max_attempts", 3)
	v.SetDefault("protocol.retrieval_timeout", "30s")
	v.SetDefault("protocol.generation_timeout", "60s")
	v.SetDefault("protocol.backoff_ceiling", "8s")
	v.SetDefault("worker.concurrency", 2)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DOSSIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

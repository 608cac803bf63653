// Package config loads the ImageSearch configuration from defaults, a JSON
// config file, and IMAGESEARCH_* environment variables.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/localrivet/configurator"

	"github.com/localrivet/imagesearch/internal/embedder"
	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/matcher"
	"github.com/localrivet/imagesearch/internal/recordstore"
	"github.com/localrivet/imagesearch/internal/vector"
)

// Config represents the ImageSearch configuration
type Config struct {
	// Server contains HTTP listener configuration.
	Server struct {
		// Addr is the address the HTTP API listens on.
		Addr string `json:"addr" env:"SERVER_ADDR" validate:"required"`

		ReadTimeout  string `json:"read_timeout" env:"SERVER_READ_TIMEOUT"`
		WriteTimeout string `json:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`

		// RateLimit is the sustained number of requests per second, 0 disables limiting.
		RateLimit float64 `json:"rate_limit" env:"SERVER_RATE_LIMIT"`
		RateBurst int     `json:"rate_burst" env:"SERVER_RATE_BURST"`

		// MaxBodyBytes bounds request bodies.
		MaxBodyBytes int64 `json:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
	} `json:"server"`

	// Store contains record store configuration.
	Store struct {
		// Driver is one of "sqlite", "postgres", "supabase" or "memory".
		Driver string `json:"driver" env:"STORE_DRIVER" validate:"required"`

		SQLitePath     string `json:"sqlite_path" env:"SQLITE_PATH"`
		PostgresDSN    string `json:"postgres_dsn" env:"POSTGRES_DSN"`
		SupabaseURL    string `json:"supabase_url" env:"SUPABASE_URL"`
		SupabaseAPIKey string `json:"supabase_api_key" env:"SUPABASE_API_KEY"`

		PageSize int    `json:"page_size" env:"STORE_PAGE_SIZE"`
		Timeout  string `json:"timeout" env:"STORE_TIMEOUT"`
	} `json:"store"`

	// Embedder contains embedding-related configuration.
	Embedder struct {
		// Provider is the name of the embedding provider to use.
		Provider string `json:"provider" env:"EMBEDDER_PROVIDER"`

		// Endpoint is the CLIP inference URL.
		Endpoint string `json:"endpoint" env:"EMBEDDER_ENDPOINT"`

		// ApiKey is the API key for the inference service.
		ApiKey string `json:"api_key" env:"EMBEDDER_API_KEY"`

		Model string `json:"model" env:"EMBEDDER_MODEL"`

		// Dimensions is the number of dimensions for the embeddings.
		Dimensions int `json:"dimensions" env:"EMBEDDER_DIMENSIONS" validate:"min:1"`

		Timeout       string `json:"timeout" env:"EMBEDDER_TIMEOUT"`
		MaxImageBytes int64  `json:"max_image_bytes" env:"EMBEDDER_MAX_IMAGE_BYTES"`
	} `json:"embedder"`

	// Search contains orchestration settings.
	Search struct {
		// Threshold is used when a request gives none.
		Threshold float64 `json:"threshold" env:"SEARCH_THRESHOLD"`

		EmbedTimeout string `json:"embed_timeout" env:"SEARCH_EMBED_TIMEOUT"`
		FetchTimeout string `json:"fetch_timeout" env:"SEARCH_FETCH_TIMEOUT"`

		// MaxRetries applies to transient fetch and store failures only.
		MaxRetries int    `json:"max_retries" env:"SEARCH_MAX_RETRIES"`
		RetryDelay string `json:"retry_delay" env:"SEARCH_RETRY_DELAY"`

		// ParallelThreshold is the population size at which scoring fans out.
		ParallelThreshold int `json:"parallel_threshold" env:"SEARCH_PARALLEL_THRESHOLD"`
		Workers           int `json:"workers" env:"SEARCH_WORKERS"`
	} `json:"search"`

	// Logging contains logging-related configuration.
	Logging struct {
		// Level is the minimum log level to display ("debug", "info", "warn", "error").
		Level string `json:"level" env:"LOG_LEVEL" validate:"required"`

		// Format is the log format to use ("text", "json").
		Format string `json:"format" env:"LOG_FORMAT"`
	} `json:"logging"`

	// Internal state (not saved to config file)
	configPath     string       `json:"-"`
	mutex          sync.RWMutex `json:"-"`
	lastModifiedAt time.Time    `json:"-"`
}

// Default configuration values
const (
	DefaultConfigFilename = ".imagesearchconfig"
	DefaultEnvPrefix      = "IMAGESEARCH"
	DefaultAddr           = ":8080"
	DefaultSQLitePath     = ".imagesearch.db"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultMaxBodyBytes   = 1 << 20
)

// NewConfig creates a new Config instance with default values
func NewConfig() *Config {
	config := &Config{}
	config.Server.Addr = DefaultAddr
	config.Server.ReadTimeout = "15s"
	config.Server.WriteTimeout = "90s"
	config.Server.RateLimit = 20
	config.Server.RateBurst = 40
	config.Server.MaxBodyBytes = DefaultMaxBodyBytes
	config.Store.Driver = recordstore.DriverSQLite
	config.Store.SQLitePath = DefaultSQLitePath
	config.Store.PageSize = recordstore.DefaultPageSize
	config.Store.Timeout = "30s"
	config.Embedder.Provider = embedder.ProviderMock
	config.Embedder.Model = embedder.DefaultModel
	config.Embedder.Dimensions = vector.DefaultEmbeddingDimensions
	config.Embedder.Timeout = "30s"
	config.Embedder.MaxImageBytes = embedder.DefaultMaxImageBytes
	config.Search.Threshold = 0.8
	config.Search.EmbedTimeout = "30s"
	config.Search.FetchTimeout = "30s"
	config.Search.RetryDelay = "500ms"
	config.Search.ParallelThreshold = matcher.DefaultParallelThreshold
	config.Logging.Level = DefaultLogLevel
	config.Logging.Format = DefaultLogFormat
	return config
}

// LoadConfig loads the configuration from the default path
func LoadConfig() (*Config, error) {
	return LoadConfigWithPath(DefaultConfigFilename)
}

// LoadConfigWithPath loads the configuration from a specific path. A missing
// file is not an error: defaults and environment variables still apply.
func LoadConfigWithPath(configPath string) (*Config, error) {
	// Configuration loading happens before the application logger exists
	stdLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg := NewConfig()

	if configPath == "" {
		configPath = DefaultConfigFilename
	}
	if configPath == DefaultConfigFilename {
		if foundPath, err := configurator.FindConfigFile(configPath); err == nil {
			configPath = foundPath
		}
	}

	loader := configurator.New(stdLogger).
		WithProvider(configurator.NewDefaultProvider())

	if _, err := os.Stat(configPath); err == nil {
		stdLogger.Debug("Loading configuration", "path", configPath)
		loader = loader.WithProvider(configurator.NewFileProvider(configPath))
	} else {
		stdLogger.Debug("Config file not found, using defaults and environment", "path", configPath)
	}

	loader = loader.
		WithProvider(configurator.NewEnvProvider(DefaultEnvPrefix)).
		WithValidator(configurator.NewDefaultValidator())

	if err := loader.Load(context.Background(), cfg); err != nil {
		return nil, errortypes.ConfigError(err, "failed to load configuration").WithField("path", configPath)
	}

	cfg.applyLegacyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.configPath = configPath
	cfg.lastModifiedAt = time.Now()

	return cfg, nil
}

// applyLegacyEnv fills the Supabase credentials from the unprefixed
// SUPABASE_URL and SUPABASE_API_KEY variables when they are not configured.
func (c *Config) applyLegacyEnv() {
	if c.Store.SupabaseURL == "" {
		c.Store.SupabaseURL = os.Getenv("SUPABASE_URL")
	}
	if c.Store.SupabaseAPIKey == "" {
		c.Store.SupabaseAPIKey = os.Getenv("SUPABASE_API_KEY")
	}
}

// Validate checks values the struct tags cannot express.
func (c *Config) Validate() error {
	durations := map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"store.timeout":        c.Store.Timeout,
		"embedder.timeout":     c.Embedder.Timeout,
		"search.embed_timeout": c.Search.EmbedTimeout,
		"search.fetch_timeout": c.Search.FetchTimeout,
		"search.retry_delay":   c.Search.RetryDelay,
	}
	for key, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return errortypes.ConfigError(err, "invalid duration").WithField("key", key)
		}
	}

	if err := matcher.ValidateThreshold(c.Search.Threshold); err != nil {
		return errortypes.ConfigError(err, "invalid search threshold")
	}
	if c.Search.MaxRetries < 0 {
		return errortypes.ConfigError(fmt.Errorf("max_retries must be >= 0, got %d", c.Search.MaxRetries), "invalid search settings")
	}

	switch c.Store.Driver {
	case recordstore.DriverSQLite, recordstore.DriverPostgres, recordstore.DriverSupabase, recordstore.DriverMemory:
	default:
		return errortypes.ConfigError(fmt.Errorf("unsupported store driver: %s", c.Store.Driver), "invalid store settings")
	}
	return nil
}

// parseDuration parses d, treating the empty string as zero.
func parseDuration(d string) (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	return time.ParseDuration(d)
}

func mustDuration(d string) time.Duration {
	v, _ := parseDuration(d)
	return v
}

// ReadTimeout returns the HTTP read timeout.
func (c *Config) ReadTimeout() time.Duration { return mustDuration(c.Server.ReadTimeout) }

// WriteTimeout returns the HTTP write timeout.
func (c *Config) WriteTimeout() time.Duration { return mustDuration(c.Server.WriteTimeout) }

// EmbedTimeout returns the search embed stage timeout.
func (c *Config) EmbedTimeout() time.Duration { return mustDuration(c.Search.EmbedTimeout) }

// FetchTimeout returns the search fetch stage timeout.
func (c *Config) FetchTimeout() time.Duration { return mustDuration(c.Search.FetchTimeout) }

// RetryDelay returns the base delay between retries.
func (c *Config) RetryDelay() time.Duration { return mustDuration(c.Search.RetryDelay) }

// StoreConfig converts the store section for recordstore.Open.
func (c *Config) StoreConfig() recordstore.Config {
	return recordstore.Config{
		Driver:   c.Store.Driver,
		Path:     c.Store.SQLitePath,
		DSN:      c.Store.PostgresDSN,
		URL:      c.Store.SupabaseURL,
		APIKey:   c.Store.SupabaseAPIKey,
		PageSize: c.Store.PageSize,
		Timeout:  mustDuration(c.Store.Timeout),
	}
}

// EmbedderConfig converts the embedder section for embedder.New.
func (c *Config) EmbedderConfig() embedder.Config {
	return embedder.Config{
		Provider:      c.Embedder.Provider,
		Endpoint:      c.Embedder.Endpoint,
		APIKey:        c.Embedder.ApiKey,
		Model:         c.Embedder.Model,
		Dimensions:    c.Embedder.Dimensions,
		Timeout:       mustDuration(c.Embedder.Timeout),
		MaxImageBytes: c.Embedder.MaxImageBytes,
	}
}

// SaveToFile saves the configuration to the specified file
func (c *Config) SaveToFile(path string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errortypes.ConfigError(err, "failed to create directory").WithField("path", dir)
	}

	if err := configurator.SaveToFile(c, path, configurator.FormatJSON); err != nil {
		return errortypes.ConfigError(err, "failed to save configuration").WithField("path", path)
	}

	c.configPath = path
	c.lastModifiedAt = time.Now()

	return nil
}

// Save saves the configuration to the last used file path
func (c *Config) Save() error {
	if c.configPath == "" {
		c.configPath = DefaultConfigFilename
	}
	return c.SaveToFile(c.configPath)
}

// GetConfigPath returns the path of the currently loaded configuration file
func (c *Config) GetConfigPath() string {
	return c.configPath
}

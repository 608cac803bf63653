package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/recordstore"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, recordstore.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 0.8, cfg.Search.Threshold)
	assert.Equal(t, 0, cfg.Search.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.EmbedTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad duration", func(c *Config) { c.Search.FetchTimeout = "soon" }},
		{"threshold too high", func(c *Config) { c.Search.Threshold = 1.2 }},
		{"negative retries", func(c *Config) { c.Search.MaxRetries = -1 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "cassandra" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeConfig), "got %v", err)
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "imagesearch.json")

	cfg := NewConfig()
	cfg.Store.Driver = recordstore.DriverMemory
	cfg.Search.Threshold = 0.9
	cfg.Embedder.Dimensions = 128
	require.NoError(t, cfg.SaveToFile(path))
	assert.Equal(t, path, cfg.GetConfigPath())

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := LoadConfigWithPath(path)
	require.NoError(t, err)
	assert.Equal(t, recordstore.DriverMemory, loaded.Store.Driver)
	assert.Equal(t, 0.9, loaded.Search.Threshold)
	assert.Equal(t, 128, loaded.Embedder.Dimensions)
	assert.Equal(t, path, loaded.GetConfigPath())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigWithPath(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSQLitePath, cfg.Store.SQLitePath)
}

func TestLegacySupabaseEnvironment(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_API_KEY", "anon")

	cfg := NewConfig()
	cfg.applyLegacyEnv()
	assert.Equal(t, "https://project.supabase.co", cfg.Store.SupabaseURL)
	assert.Equal(t, "anon", cfg.Store.SupabaseAPIKey)

	cfg.Store.SupabaseURL = "https://configured.supabase.co"
	cfg.applyLegacyEnv()
	assert.Equal(t, "https://configured.supabase.co", cfg.Store.SupabaseURL)
}

func TestComponentConfigs(t *testing.T) {
	cfg := NewConfig()
	cfg.Store.Driver = recordstore.DriverSupabase
	cfg.Store.SupabaseURL = "https://p.supabase.co"
	cfg.Store.SupabaseAPIKey = "key"
	cfg.Store.Timeout = "5s"
	cfg.Embedder.Provider = "clip"
	cfg.Embedder.Endpoint = "http://clip:8000/embed"
	cfg.Embedder.Timeout = "2s"

	sc := cfg.StoreConfig()
	assert.Equal(t, recordstore.Config{
		Driver:   recordstore.DriverSupabase,
		Path:     DefaultSQLitePath,
		URL:      "https://p.supabase.co",
		APIKey:   "key",
		PageSize: recordstore.DefaultPageSize,
		Timeout:  5 * time.Second,
	}, sc)

	ec := cfg.EmbedderConfig()
	assert.Equal(t, "clip", ec.Provider)
	assert.Equal(t, "http://clip:8000/embed", ec.Endpoint)
	assert.Equal(t, 2*time.Second, ec.Timeout)
	assert.Equal(t, 512, ec.Dimensions)
}

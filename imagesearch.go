// Package imagesearch wires the ImageSearch service together: a record
// store, an image embedder, and the search service behind an HTTP API or
// an MCP tool server.
package imagesearch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/localrivet/imagesearch/internal/config"
	"github.com/localrivet/imagesearch/internal/embedder"
	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/matcher"
	"github.com/localrivet/imagesearch/internal/recordstore"
	"github.com/localrivet/imagesearch/internal/search"
	"github.com/localrivet/imagesearch/internal/server"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// Config represents the configuration for the ImageSearch service.
type Config = config.Config

// Result is the outcome of a search.
type Result = search.Result

// Mode selects the front end a Server runs.
type Mode string

const (
	// ModeHTTP serves the JSON API.
	ModeHTTP Mode = "http"

	// ModeMCP serves MCP tools over stdio.
	ModeMCP Mode = "mcp"
)

// Server represents the ImageSearch service.
type Server struct {
	config     *config.Config
	store      recordstore.ReadWriter
	embedder   embedder.Embedder
	service    *search.Service
	toolServer server.ToolServer
	logger     *slog.Logger
}

// ServerOptions defines the options for creating a new Server.
type ServerOptions struct {
	Config     *Config      // Pre-filled config. If nil, ConfigPath is used.
	ConfigPath string       // Path to config file. Used if Config is nil. If both are empty, DefaultConfig() is used.
	Mode       Mode         // Front end to run. Defaults to ModeHTTP.
	Logger     *slog.Logger // External logger. If nil, slog.Default() is used.
}

// NewServer creates a new ImageSearch Server with the given options.
// If opts.Config is provided, it will be used directly.
// Otherwise, if opts.ConfigPath is provided, configuration will be loaded from that path.
// If neither is provided, DefaultConfig() will be used.
func NewServer(opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg *Config
	var err error

	if opts.Config != nil {
		cfg = opts.Config
		logger.Info("Using provided Config object for server initialization")
	} else if opts.ConfigPath != "" {
		logger.Info("Loading configuration for server initialization", "path", opts.ConfigPath)
		cfg, err = config.LoadConfigWithPath(opts.ConfigPath)
		if err != nil {
			return nil, errortypes.ConfigError(err, "Failed to load configuration from path: "+opts.ConfigPath)
		}
	} else {
		logger.Warn("No Config object or ConfigPath provided, using default configuration for server initialization")
		cfg = DefaultConfig()
	}

	store, emb, svc, err := CreateComponents(cfg, logger)
	if err != nil {
		logger.Error("Failed to create components during server initialization", "error", err)
		return nil, err
	}

	var toolServer server.ToolServer
	switch opts.Mode {
	case ModeMCP:
		toolServer = server.NewSearchToolServer(svc, cfg.Search.Threshold, logger)
	case ModeHTTP, "":
		toolServer = server.NewHTTPServer(svc, server.HTTPOptions{
			Addr:             cfg.Server.Addr,
			ReadTimeout:      cfg.ReadTimeout(),
			WriteTimeout:     cfg.WriteTimeout(),
			RateLimit:        cfg.Server.RateLimit,
			RateBurst:        cfg.Server.RateBurst,
			MaxBodyBytes:     cfg.Server.MaxBodyBytes,
			DefaultThreshold: cfg.Search.Threshold,
			Version:          Version,
			Logger:           logger,
		})
	default:
		store.Close()
		return nil, errortypes.ConfigError(fmt.Errorf("unknown server mode %q", opts.Mode), "Failed to create server")
	}

	if err := toolServer.Initialize(); err != nil {
		store.Close()
		return nil, errortypes.ConfigError(err, "Failed to initialize tool server component")
	}

	logger.Info("ImageSearch server successfully initialized", "mode", opts.Mode, "store", cfg.Store.Driver, "embedder", emb.Name())
	return &Server{
		config:     cfg,
		store:      store,
		embedder:   emb,
		service:    svc,
		toolServer: toolServer,
		logger:     logger,
	}, nil
}

// DefaultConfig returns the default configuration for the ImageSearch service.
func DefaultConfig() *Config {
	return config.NewConfig()
}

// Start starts the ImageSearch service and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting ImageSearch service")
	return s.toolServer.Start()
}

// Stop stops the ImageSearch service and closes the record store.
func (s *Server) Stop() error {
	s.logger.Info("Stopping ImageSearch service")
	if err := s.toolServer.Stop(); err != nil {
		s.logger.Error("Error stopping tool server", "error", err)
		return err
	}

	s.logger.Info("Closing store")
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", "error", err)
		return err
	}

	s.logger.Info("ImageSearch service stopped")
	return nil
}

// Search finds stored images similar to the image at imageURL.
func (s *Server) Search(ctx context.Context, imageURL string, threshold float64) (*Result, error) {
	return s.service.Search(ctx, embedder.Image{URL: imageURL}, threshold)
}

// Index embeds the image at imageURL and stores it.
func (s *Server) Index(ctx context.Context, imageURL string) error {
	_, err := s.service.Index(ctx, embedder.Image{URL: imageURL})
	return err
}

// GetService returns the search service used by the server.
func (s *Server) GetService() *search.Service {
	return s.service
}

// CreateComponents creates the record store, embedder and search service
// described by cfg without creating a server. The caller owns the store and
// must close it.
func CreateComponents(cfg *Config, logger *slog.Logger) (recordstore.ReadWriter, embedder.Embedder, *search.Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Opening record store", "driver", cfg.Store.Driver)
	store, err := recordstore.Open(cfg.StoreConfig())
	if err != nil {
		return nil, nil, nil, err
	}

	logger.Info("Initializing embedder", "provider", cfg.Embedder.Provider, "dimensions", cfg.Embedder.Dimensions)
	emb, err := embedder.New(cfg.EmbedderConfig())
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	m := matcher.New(
		matcher.WithParallelThreshold(cfg.Search.ParallelThreshold),
		matcher.WithWorkers(cfg.Search.Workers),
	)
	svc, err := search.NewService(emb, store,
		search.WithLogger(logger),
		search.WithMatcher(m),
		search.WithTimeouts(cfg.EmbedTimeout(), cfg.FetchTimeout()),
		search.WithRetry(cfg.Search.MaxRetries, cfg.RetryDelay()),
		search.WithParallelThreshold(cfg.Search.ParallelThreshold),
	)
	if err != nil {
		store.Close()
		return nil, nil, nil, errortypes.ConfigError(err, "Failed to create search service")
	}

	logger.Info("Components successfully initialized")
	return store, emb, svc, nil
}

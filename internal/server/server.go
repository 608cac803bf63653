// Package server provides the MCP and HTTP front ends of the ImageSearch service.
package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/localrivet/gomcp/server"

	"github.com/localrivet/imagesearch/internal/embedder"
	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/search"
	"github.com/localrivet/imagesearch/internal/telemetry"
	"github.com/localrivet/imagesearch/internal/tools"
)

// Common server error types
var (
	ErrServerNotInitialized = errors.New("server not initialized")
	ErrMissingDependencies  = errors.New("one or more required dependencies are nil")
)

// MCPSearchToolServer implements the ToolServer interface for handling MCP
// tool calls that search and index images.
type MCPSearchToolServer struct {
	service          *search.Service
	defaultThreshold float64
	logger           *slog.Logger
	mcpServer        server.Server

	// handlers run under baseCtx so Stop can cancel in-flight searches
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewSearchToolServer creates a new MCPSearchToolServer instance.
func NewSearchToolServer(service *search.Service, defaultThreshold float64, logger *slog.Logger) *MCPSearchToolServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MCPSearchToolServer{
		service:          service,
		defaultThreshold: defaultThreshold,
		logger:           logger.With("component", "mcp"),
		baseCtx:          ctx,
		cancel:           cancel,
	}
}

// Initialize registers the tools with a new MCP server.
func (s *MCPSearchToolServer) Initialize() error {
	s.logger.Info("Initializing MCP Search Tool Server")

	if s.service == nil {
		return errortypes.ConfigError(ErrMissingDependencies, "server initialization failed")
	}

	srv := server.NewServer("imagesearch", server.WithLogger(s.logger))

	srv = srv.Tool(tools.ToolSearchByImage, "Find stored images visually similar to the image at image_url",
		s.handleSearchByImage)

	srv = srv.Tool(tools.ToolIndexImage, "Embed the image at image_url and add it to the searchable store",
		s.handleIndexImage)

	s.mcpServer = srv
	s.logger.Info("MCP Search Tool Server initialized successfully", "tool_count", 2)
	return nil
}

// Start serves MCP over stdio until stdin is closed.
func (s *MCPSearchToolServer) Start() error {
	if s.mcpServer == nil {
		return errortypes.ConfigError(ErrServerNotInitialized, "cannot start server")
	}

	s.logger.Info("Starting MCP Search Tool Server")
	return s.mcpServer.AsStdio().Run()
}

// Stop cancels in-flight tool calls. The stdio loop exits when stdin is closed.
func (s *MCPSearchToolServer) Stop() error {
	s.logger.Info("Stopping MCP Search Tool Server")
	s.cancel()
	return nil
}

// handleSearchByImage handles the search_by_image MCP tool call.
func (s *MCPSearchToolServer) handleSearchByImage(ctx *server.Context, req tools.SearchRequest) (tools.SearchResponse, error) {
	threshold := req.ResolveThreshold(s.defaultThreshold)
	s.logger.Info("Processing search_by_image request", "image_url", req.ImageURL, "threshold", threshold)
	s.service.Metrics().IncrementCounter(telemetry.MetricMCPToolCalls, 1)

	res, err := s.service.Search(s.baseCtx, embedder.Image{URL: req.ImageURL}, threshold)
	if err != nil {
		errortypes.LogError(s.logger, err)
		kind := string(errortypes.Kind(err))
		if kind == "" {
			kind = "canceled"
		}
		return tools.NewSearchError(kind, err.Error()), nil
	}

	s.logger.Info("Successfully searched images", "matches", len(res.Matches), "failure", res.Failure)
	return tools.NewSearchResponse(res, req.IncludeScores), nil
}

// handleIndexImage handles the index_image MCP tool call.
func (s *MCPSearchToolServer) handleIndexImage(ctx *server.Context, req tools.IndexImageRequest) (tools.IndexImageResponse, error) {
	s.logger.Info("Processing index_image request", "image_url", req.ImageURL)
	s.service.Metrics().IncrementCounter(telemetry.MetricMCPToolCalls, 1)

	response := tools.IndexImageResponse{
		Status:   tools.StatusSuccess,
		ImageURL: req.ImageURL,
	}

	res, err := s.service.Index(s.baseCtx, embedder.Image{URL: req.ImageURL})
	if err != nil {
		errortypes.LogError(s.logger, err)
		response.Status = tools.StatusError
		response.Error = err.Error()
		return response, nil
	}

	response.Dimensions = res.Dimensions
	s.logger.Info("Successfully indexed image", "image_url", req.ImageURL, "dimensions", res.Dimensions)
	return response, nil
}

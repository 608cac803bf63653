package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/localrivet/imagesearch/internal/embedder"
	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/search"
	"github.com/localrivet/imagesearch/internal/telemetry"
	"github.com/localrivet/imagesearch/internal/tools"
)

const (
	// HeaderRequestID carries the request ID in both directions.
	HeaderRequestID = "X-Request-ID"

	// MetricsNamespace prefixes every exported Prometheus metric.
	MetricsNamespace = "imagesearch"

	defaultMaxBodyBytes  = 1 << 20
	defaultShutdownGrace = 10 * time.Second
)

// HTTPOptions configures the HTTP API.
type HTTPOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit is requests per second across all clients; 0 disables limiting.
	RateLimit float64
	RateBurst int

	MaxBodyBytes int64

	// DefaultThreshold applies to requests without a threshold. Zero is a
	// valid threshold and is used as given.
	DefaultThreshold float64
	Version          string
	Logger           *slog.Logger
}

// HTTPServer serves the search API over HTTP.
type HTTPServer struct {
	service  *search.Service
	opts     HTTPOptions
	logger   *slog.Logger
	limiter  *rate.Limiter
	registry *prometheus.Registry
	handler  http.Handler
	srv      *http.Server
	started  time.Time
}

// NewHTTPServer creates an HTTPServer. Initialize must be called before use.
func NewHTTPServer(service *search.Service, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTPServer{
		service: service,
		opts:    opts,
		logger:  logger.With("component", "http"),
	}
}

// Initialize builds the routes and the underlying http.Server.
func (s *HTTPServer) Initialize() error {
	if s.service == nil {
		return errortypes.ConfigError(ErrMissingDependencies, "server initialization failed")
	}

	if s.opts.RateLimit > 0 {
		burst := s.opts.RateBurst
		if burst <= 0 {
			burst = int(s.opts.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
	}

	s.registry = telemetry.NewRegistry(s.service.Metrics(), MetricsNamespace)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/index", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		HandleNotFound(w, r, "No route for "+r.Method+" "+r.URL.Path, nil)
	})

	s.handler = s.withRecovery(s.withRequestContext(s.withRateLimit(mux)))
	s.srv = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.started = time.Now()
	return nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and blocks until Stop is called.
func (s *HTTPServer) Start() error {
	if s.srv == nil {
		return errortypes.ConfigError(ErrServerNotInitialized, "cannot start server")
	}

	s.logger.Info("Starting HTTP server", "addr", s.opts.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errortypes.NetworkError(err, "HTTP server failed").WithField("addr", s.opts.Addr)
	}
	return nil
}

// Stop waits for in-flight requests to finish, up to a grace period.
func (s *HTTPServer) Stop() error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleSearch handles POST /api/search. Invalid requests get a 400; every
// other outcome, including dependency failures, is a 200.
func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	logger := loggerFrom(r)

	var req tools.SearchRequest
	if status, err := s.decodeBody(w, r, &req); err != nil {
		logger.Warn("Rejected search request", "error", err)
		writeJSON(w, r, status, tools.NewSearchError(string(errortypes.ErrorTypeValidation), err.Error()))
		return
	}
	if req.ImageURL == "" {
		writeJSON(w, r, http.StatusBadRequest, tools.NewSearchError(string(errortypes.ErrorTypeValidation), "image_url is required"))
		return
	}

	threshold := req.ResolveThreshold(s.opts.DefaultThreshold)
	res, err := s.service.Search(r.Context(), embedder.Image{URL: req.ImageURL}, threshold)
	if err != nil {
		if errortypes.IsValidationError(err) {
			writeJSON(w, r, http.StatusBadRequest, tools.NewSearchError(string(errortypes.ErrorTypeValidation), err.Error()))
			return
		}
		// the client went away
		logger.Info("Search abandoned", "error", err)
		return
	}

	writeJSON(w, r, http.StatusOK, tools.NewSearchResponse(res, req.IncludeScores))
}

// handleIndex handles POST /api/index.
func (s *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req tools.IndexImageRequest
	if status, err := s.decodeBody(w, r, &req); err != nil {
		code := ErrorCodeInvalidRequest
		if status == http.StatusRequestEntityTooLarge {
			code = ErrorCodeBodyTooLarge
		}
		HandleError(w, r, NewErrorWithStatus(err, status, code, "Invalid request body"))
		return
	}

	res, err := s.service.Index(r.Context(), embedder.Image{URL: req.ImageURL})
	if err != nil {
		HandleError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, tools.IndexImageResponse{
		Status:     tools.StatusSuccess,
		ImageURL:   res.ImageURL,
		Dimensions: res.Dimensions,
	})
}

// handleHealth handles GET /healthz.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := CreateHealthReport(r.Context(), s.service, s.started, s.opts.Version)
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, report)
}

// decodeBody reads a single JSON object into v. On failure it returns the
// status to answer with.
func (s *HTTPServer) decodeBody(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(body)

	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return http.StatusBadRequest, errors.New("invalid JSON body: unexpected data after object")
	}
	return 0, nil
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// withRequestContext assigns a request ID, attaches a request-scoped logger,
// and logs and counts every request.
func (s *HTTPServer) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)

		logger := s.logger.With("request_id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = context.WithValue(ctx, loggerKey, logger)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.service.Metrics().IncrementCounter(telemetry.MetricHTTPRequests, 1)
		logger.Info("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// withRateLimit rejects API requests beyond the configured rate. Health and
// metrics endpoints are never limited.
func (s *HTTPServer) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && r.URL.Path != "/healthz" && r.URL.Path != "/metrics" && !s.limiter.Allow() {
			s.service.Metrics().IncrementCounter(telemetry.MetricHTTPRateLimited, 1)
			HandleTooManyRequests(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRecovery turns a panic in a handler into a 500.
func (s *HTTPServer) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				HandleInternalError(w, r, "An unexpected error occurred",
					errortypes.InternalError(fmt.Errorf("panic: %v", p), "handler panicked"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestIDFrom(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func loggerFrom(r *http.Request) *slog.Logger {
	if r != nil {
		if logger, ok := r.Context().Value(loggerKey).(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

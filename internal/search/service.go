// Package search runs the image similarity pipeline: embed the query image,
// fetch the stored population, decode it, and match it against the query.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/localrivet/imagesearch/internal/embedder"
	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/matcher"
	"github.com/localrivet/imagesearch/internal/recordstore"
	"github.com/localrivet/imagesearch/internal/telemetry"
	"github.com/localrivet/imagesearch/internal/vector"
	"github.com/localrivet/imagesearch/internal/workpool"
)

const (
	// DefaultThreshold is used by request surfaces when the caller gives none.
	DefaultThreshold = 0.8

	DefaultEmbedTimeout = 30 * time.Second
	DefaultFetchTimeout = 30 * time.Second
	DefaultRetryDelay   = 500 * time.Millisecond
)

// ErrMissingDependencies is returned by NewService when the embedder or the
// store is nil.
var ErrMissingDependencies = errors.New("search: embedder and store are required")

// Result is the outcome of one search. A failed embed or fetch produces an
// empty Result with Failure set to the error kind.
type Result struct {
	Matches    []matcher.Match
	Stats      matcher.Stats
	Population int
	Malformed  int
	Failure    errortypes.ErrorType
	Duration   time.Duration
}

// URLs returns the matched image URLs in result order.
func (r *Result) URLs() []string {
	urls := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		urls[i] = m.ID
	}
	return urls
}

// Failed reports whether a dependency failure emptied the result.
func (r *Result) Failed() bool {
	return r.Failure != ""
}

func emptyResult() *Result {
	return &Result{Matches: []matcher.Match{}}
}

// IndexResult describes a stored embedding.
type IndexResult struct {
	ImageURL   string
	Dimensions int
	Duration   time.Duration
}

// Service orchestrates searches. It only holds read-only collaborators and
// is safe for concurrent use.
type Service struct {
	embedder embedder.Embedder
	store    recordstore.Store
	matcher  *matcher.Matcher
	metrics  *telemetry.MetricsCollector
	logger   *slog.Logger

	embedTimeout      time.Duration
	fetchTimeout      time.Duration
	maxRetries        int
	retryDelay        time.Duration
	parallelThreshold int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.MetricsCollector) Option {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithMatcher replaces the default matcher.
func WithMatcher(m *matcher.Matcher) Option {
	return func(s *Service) {
		if m != nil {
			s.matcher = m
		}
	}
}

// WithTimeouts bounds the embed and fetch stages. Zero keeps the default.
func WithTimeouts(embed, fetch time.Duration) Option {
	return func(s *Service) {
		if embed > 0 {
			s.embedTimeout = embed
		}
		if fetch > 0 {
			s.fetchTimeout = fetch
		}
	}
}

// WithRetry retries transient embed and fetch failures up to maxRetries
// times, waiting delay*attempt between attempts.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = max(maxRetries, 0)
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// WithParallelThreshold sets the population size at which records are
// decoded in parallel. Values <= 0 disable parallel decoding.
func WithParallelThreshold(n int) Option {
	return func(s *Service) {
		s.parallelThreshold = n
	}
}

// NewService creates a search service.
func NewService(emb embedder.Embedder, store recordstore.Store, opts ...Option) (*Service, error) {
	if emb == nil || store == nil {
		return nil, ErrMissingDependencies
	}

	s := &Service{
		embedder:          emb,
		store:             store,
		matcher:           matcher.New(),
		metrics:           telemetry.NewMetricsCollector(),
		logger:            slog.Default(),
		embedTimeout:      DefaultEmbedTimeout,
		fetchTimeout:      DefaultFetchTimeout,
		retryDelay:        DefaultRetryDelay,
		parallelThreshold: matcher.DefaultParallelThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "search")

	return s, nil
}

// Metrics returns the service's metrics collector.
func (s *Service) Metrics() *telemetry.MetricsCollector {
	return s.metrics
}

// Search finds the stored images whose embedding has a cosine similarity of
// at least threshold with the embedding of img.
//
// An empty image reference or an invalid threshold is a validation error.
// Embedder and store failures are logged and produce an empty Result with
// Failure set; they are not returned. If ctx is canceled the wrapped context
// error is returned along with an empty Result.
func (s *Service) Search(ctx context.Context, img embedder.Image, threshold float64) (*Result, error) {
	if img.Empty() {
		return emptyResult(), errortypes.ValidationError(errors.New("image reference is empty"), "invalid search request")
	}
	if err := matcher.ValidateThreshold(threshold); err != nil {
		return emptyResult(), errortypes.ValidationError(err, "invalid search request").WithField("threshold", threshold)
	}

	start := time.Now()
	s.metrics.IncrementCounter(telemetry.MetricSearchRequests, 1)
	s.metrics.RecordTimestamp(telemetry.MetricLastSearch)
	logger := s.logger.With("image", img.Ref(), "threshold", threshold)

	query, err := retry(ctx, s, "embed", s.embedTimeout, func(ctx context.Context) (vector.Vector, error) {
		return s.embedder.Embed(ctx, img)
	})
	s.metrics.RecordTimer(telemetry.MetricEmbedTime, time.Since(start))
	if err != nil {
		return s.fail(ctx, logger, err)
	}

	fetchStart := time.Now()
	records, err := retry(ctx, s, "fetch", s.fetchTimeout, s.store.FetchAll)
	s.metrics.RecordTimer(telemetry.MetricFetchTime, time.Since(fetchStart))
	if err != nil {
		return s.fail(ctx, logger, err)
	}

	decodeStart := time.Now()
	candidates, malformed, err := s.decode(ctx, logger, records)
	s.metrics.RecordTimer(telemetry.MetricDecodeTime, time.Since(decodeStart))
	if err != nil {
		return s.fail(ctx, logger, err)
	}

	matchStart := time.Now()
	matches, stats, err := s.matcher.Match(query, candidates, threshold)
	s.metrics.RecordTimer(telemetry.MetricMatchTime, time.Since(matchStart))
	if err != nil {
		// the threshold was validated above, so only an empty query gets here
		return s.fail(ctx, logger, errortypes.ModelError(err, "embedder returned an unusable vector"))
	}

	res := &Result{
		Matches:    matches,
		Stats:      stats,
		Population: len(records),
		Malformed:  malformed,
		Duration:   time.Since(start),
	}

	s.metrics.SetGauge(telemetry.MetricPopulationSize, float64(len(records)))
	s.metrics.IncrementCounter(telemetry.MetricSearchMatches, int64(len(matches)))
	s.metrics.IncrementCounter(telemetry.MetricRecordsMalformed, int64(malformed))
	s.metrics.IncrementCounter(telemetry.MetricRecordsDimensionMismatch, int64(stats.DimensionMismatch))
	s.metrics.IncrementCounter(telemetry.MetricRecordsDegenerate, int64(stats.Degenerate))
	s.metrics.RecordTimer(telemetry.MetricSearchTime, res.Duration)
	if len(matches) == 0 {
		s.metrics.IncrementCounter(telemetry.MetricSearchEmpty, 1)
	}

	if stats.DimensionMismatch > 0 {
		logger.Warn("Skipped records with a different embedding size",
			"count", stats.DimensionMismatch,
			"query_dimensions", len(query))
	}
	logger.Info("Search completed",
		"population", len(records),
		"malformed", malformed,
		"matches", len(matches),
		"duration", res.Duration)

	return res, nil
}

// fail turns a stage error into the empty result callers see. Cancellation
// by the caller is the only error returned.
func (s *Service) fail(ctx context.Context, logger *slog.Logger, err error) (*Result, error) {
	res := emptyResult()
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Info("Search canceled", "error", ctxErr)
		return res, fmt.Errorf("search canceled: %w", ctxErr)
	}

	kind := errortypes.Kind(err)
	if kind == "" {
		kind = errortypes.ErrorTypeInternal
	}
	res.Failure = kind

	s.metrics.IncrementCounter(telemetry.MetricSearchFailure(string(kind)), 1)
	s.metrics.IncrementCounter(telemetry.MetricSearchEmpty, 1)
	errortypes.LogError(logger, err)

	return res, nil
}

// decode parses every stored embedding. Records that fail to parse are
// skipped, logged, and counted. Candidate positions follow record order.
func (s *Service) decode(ctx context.Context, logger *slog.Logger, records []recordstore.CandidateRecord) ([]matcher.Candidate, int, error) {
	vectors := make([]vector.Vector, len(records))
	errs := make([]error, len(records))

	decodeRange := func(_ context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			vectors[i], errs[i] = vector.Decode(records[i].Embedding)
		}
		return nil
	}

	if s.parallelThreshold > 0 && len(records) >= s.parallelThreshold {
		if err := workpool.Range(ctx, len(records), 0, 0, decodeRange); err != nil {
			return nil, 0, err
		}
	} else {
		_ = decodeRange(ctx, 0, len(records))
	}

	candidates := make([]matcher.Candidate, 0, len(records))
	malformed := 0
	for i, rec := range records {
		if errs[i] != nil {
			malformed++
			err := errortypes.ParseError(errs[i], "skipping malformed record")
			logger.Debug(err.Message, "image_url", rec.ImageURL, "type", string(err.Type), "error", err.Err)
			continue
		}
		candidates = append(candidates, matcher.Candidate{ID: rec.ImageURL, Vector: vectors[i], Position: i})
	}

	if malformed > 0 {
		logger.Warn("Skipped malformed records", "count", malformed, "population", len(records))
	}
	return candidates, malformed, nil
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// retry runs fn with its own timeout, retrying transient failures with
// linear backoff up to s.maxRetries times. The last error from fn is
// returned, even when ctx ends the retries.
func retry[T any](ctx context.Context, s *Service, stage string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	var lastErr error
	op := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		attempt++

		v, err := fn(callCtx)
		if err == nil {
			if attempt > 1 {
				s.metrics.IncrementCounter(telemetry.MetricRetrySuccess, 1)
			}
			return v, nil
		}
		lastErr = err
		if !errortypes.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.IncrementCounter(telemetry.MetricRetryAttempts, 1)
		s.logger.Warn("Retrying after transient failure",
			"stage", stage,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: s.retryDelay}, uint64(s.maxRetries)), ctx)
	v, err := backoff.RetryNotifyWithData[T](op, policy, notify)
	if err != nil && lastErr != nil {
		return v, lastErr
	}
	return v, err
}

// Index embeds img and stores the encoded embedding under img.URL. Unlike
// Search, failures are returned to the caller.
func (s *Service) Index(ctx context.Context, img embedder.Image) (*IndexResult, error) {
	if img.URL == "" {
		return nil, errortypes.ValidationError(errors.New("image_url is empty"), "invalid index request")
	}
	writer, ok := s.store.(recordstore.Writer)
	if !ok {
		return nil, errortypes.ConfigError(fmt.Errorf("store %T is read-only", s.store), "failed to index image")
	}

	start := time.Now()
	s.metrics.IncrementCounter(telemetry.MetricIndexRequests, 1)

	v, err := retry(ctx, s, "embed", s.embedTimeout, func(ctx context.Context) (vector.Vector, error) {
		return s.embedder.Embed(ctx, img)
	})
	if err != nil {
		s.metrics.IncrementCounter(telemetry.MetricIndexFailures, 1)
		return nil, err
	}
	if len(v) == 0 {
		s.metrics.IncrementCounter(telemetry.MetricIndexFailures, 1)
		return nil, errortypes.ModelError(vector.ErrEmptyVector, "embedder returned an unusable vector")
	}

	rec := recordstore.CandidateRecord{ImageURL: img.URL, Embedding: vector.Encode(v)}
	_, err = retry(ctx, s, "store", s.fetchTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, writer.Put(ctx, rec)
	})
	if err != nil {
		s.metrics.IncrementCounter(telemetry.MetricIndexFailures, 1)
		return nil, err
	}

	res := &IndexResult{ImageURL: img.URL, Dimensions: len(v), Duration: time.Since(start)}
	s.logger.Info("Indexed image", "image_url", img.URL, "dimensions", res.Dimensions, "duration", res.Duration)
	return res, nil
}

// Count returns the size of the stored population.
func (s *Service) Count(ctx context.Context) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.store.Count(callCtx)
}

// EmbedderName describes the embedder in use.
func (s *Service) EmbedderName() string {
	return s.embedder.Name()
}

// Package matcher scores a query embedding against a candidate population
// and selects the candidates whose cosine similarity reaches a threshold.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/localrivet/imagesearch/internal/vector"
	"github.com/localrivet/imagesearch/internal/workpool"
)

const (
	// DefaultParallelThreshold is the population size at which scoring is
	// split across goroutines.
	DefaultParallelThreshold = 2048

	// MinThreshold and MaxThreshold bound the cosine similarity range.
	MinThreshold = -1.0
	MaxThreshold = 1.0
)

var (
	// ErrEmptyQuery is returned when the query vector has no components.
	ErrEmptyQuery = errors.New("query vector is empty")

	// ErrInvalidThreshold is returned for thresholds outside [-1, 1] or non-finite.
	ErrInvalidThreshold = errors.New("threshold must be a finite number in [-1, 1]")
)

// Candidate is a decoded stored embedding. Position is the candidate's index
// in the population as fetched and breaks ties between equal scores.
type Candidate struct {
	ID       string
	Vector   vector.Vector
	Position int
}

// Match is a candidate whose score reached the threshold.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Stats counts what happened to each candidate during one Match call.
type Stats struct {
	Candidates        int `json:"candidates"`
	Scored            int `json:"scored"`
	DimensionMismatch int `json:"dimension_mismatch"`
	Degenerate        int `json:"degenerate"`
	Matched           int `json:"matched"`
}

// Matcher is a brute-force cosine similarity matcher. It holds no per-call
// state and is safe for concurrent use.
type Matcher struct {
	parallelThreshold int
	chunkSize         int
	workers           int
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithParallelThreshold sets the population size at which scoring runs in
// parallel. Values <= 0 disable parallel scoring.
func WithParallelThreshold(n int) Option {
	return func(m *Matcher) {
		m.parallelThreshold = n
	}
}

// WithWorkers bounds the number of scoring goroutines.
func WithWorkers(n int) Option {
	return func(m *Matcher) {
		m.workers = n
	}
}

// WithChunkSize sets how many candidates one goroutine scores at a time.
func WithChunkSize(n int) Option {
	return func(m *Matcher) {
		m.chunkSize = n
	}
}

// New creates a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		parallelThreshold: DefaultParallelThreshold,
		chunkSize:         workpool.DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateThreshold reports whether threshold is usable for cosine similarity.
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) || threshold < MinThreshold || threshold > MaxThreshold {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	return nil
}

type outcome uint8

const (
	outcomeBelow outcome = iota
	outcomeMatch
	outcomeMismatch
	outcomeDegenerate
)

type scored struct {
	score   float64
	outcome outcome
}

// Match scores query against every candidate and returns the candidates with
// score >= threshold, ordered by descending score. Equal scores keep their
// input order. Candidates with a different dimensionality or zero magnitude
// are skipped and counted in Stats.
func (m *Matcher) Match(query vector.Vector, candidates []Candidate, threshold float64) ([]Match, Stats, error) {
	stats := Stats{Candidates: len(candidates)}

	if len(query) == 0 {
		return nil, stats, ErrEmptyQuery
	}
	if err := ValidateThreshold(threshold); err != nil {
		return nil, stats, err
	}
	if len(candidates) == 0 {
		return []Match{}, stats, nil
	}

	queryMag := query.Magnitude()
	results := make([]scored, len(candidates))

	scoreRange := func(_ context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			results[i] = scoreOne(query, queryMag, candidates[i].Vector, threshold)
		}
		return nil
	}

	if m.parallelThreshold > 0 && len(candidates) >= m.parallelThreshold {
		// scoreRange never fails and the context is never canceled
		_ = workpool.Range(context.Background(), len(candidates), m.chunkSize, m.workers, scoreRange)
	} else {
		_ = scoreRange(context.Background(), 0, len(candidates))
	}

	matches := make([]Match, 0)
	positions := make([]int, 0)
	for i, r := range results {
		switch r.outcome {
		case outcomeMismatch:
			stats.DimensionMismatch++
			continue
		case outcomeDegenerate:
			stats.Degenerate++
			continue
		}
		stats.Scored++
		if r.outcome == outcomeMatch {
			matches = append(matches, Match{ID: candidates[i].ID, Score: r.score})
			positions = append(positions, candidates[i].Position)
		}
	}
	stats.Matched = len(matches)

	sort.Stable(byScore{matches: matches, positions: positions})

	return matches, stats, nil
}

func scoreOne(query vector.Vector, queryMag vector.Magnitude, candidate vector.Vector, threshold float64) scored {
	if len(candidate) != len(query) {
		return scored{outcome: outcomeMismatch}
	}

	score, ok := vector.Cosine(query, candidate, queryMag, candidate.Magnitude())
	if !ok {
		return scored{outcome: outcomeDegenerate}
	}
	if score >= threshold {
		return scored{score: score, outcome: outcomeMatch}
	}
	return scored{score: score, outcome: outcomeBelow}
}

// byScore sorts matches by descending score, then ascending position.
type byScore struct {
	matches   []Match
	positions []int
}

func (b byScore) Len() int { return len(b.matches) }

func (b byScore) Less(i, j int) bool {
	if b.matches[i].Score != b.matches[j].Score {
		return b.matches[i].Score > b.matches[j].Score
	}
	return b.positions[i] < b.positions[j]
}

func (b byScore) Swap(i, j int) {
	b.matches[i], b.matches[j] = b.matches[j], b.matches[i]
	b.positions[i], b.positions[j] = b.positions[j], b.positions[i]
}

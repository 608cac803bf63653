package matcher

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/imagesearch/internal/vector"
)

func candidates(vectors ...vector.Vector) []Candidate {
	out := make([]Candidate, len(vectors))
	for i, v := range vectors {
		out[i] = Candidate{ID: fmt.Sprintf("img-%d", i), Vector: v, Position: i}
	}
	return out
}

func ids(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.ID
	}
	return out
}

func TestMatchOrdersByScoreThenPosition(t *testing.T) {
	query := vector.Vector{1, 0}
	population := []Candidate{
		{ID: "A", Vector: vector.Vector{3, 4}, Position: 0},  // 0.6
		{ID: "B", Vector: vector.Vector{12, 5}, Position: 1}, // ~0.923
		{ID: "C", Vector: vector.Vector{6, 8}, Position: 2},  // 0.6
	}

	matches, stats, err := New().Match(query, population, 0.5)
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "A", "C"}, ids(matches))
	assert.InDelta(t, 0.6, matches[1].Score, 1e-12)
	assert.Equal(t, matches[1].Score, matches[2].Score)
	assert.Equal(t, Stats{Candidates: 3, Scored: 3, Matched: 3}, stats)
}

func TestMatchThresholdIsInclusive(t *testing.T) {
	query := vector.Vector{3, 4}
	population := candidates(vector.Vector{4, 3}) // exactly 0.96

	matches, _, err := New().Match(query, population, 0.96)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0.96, matches[0].Score)

	matches, _, err = New().Match(query, population, math.Nextafter(0.96, 1))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMatchSelfSimilarityIsOne(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		v := make(vector.Vector, 512)
		for i := range v {
			v[i] = rng.NormFloat64()
		}

		matches, _, err := New().Match(v, candidates(v), 1.0)
		require.NoError(t, err)
		require.Len(t, matches, 1, "trial %d", trial)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-12)
	}

	extremes := []struct {
		name string
		v    vector.Vector
	}{
		{"tiny", vector.Vector{1e-170, 0}},
		{"huge", vector.Vector{1e200, 1e200}},
		{"subnormal", vector.Vector{5e-324, 0, 5e-324}},
		{"max float", vector.Vector{math.MaxFloat64, -math.MaxFloat64}},
	}
	for _, tt := range extremes {
		t.Run(tt.name, func(t *testing.T) {
			matches, stats, err := New().Match(tt.v, candidates(tt.v), 1.0)
			require.NoError(t, err)
			assert.Zero(t, stats.Degenerate)
			require.Len(t, matches, 1)
			assert.Equal(t, 1.0, matches[0].Score)
		})
	}
}

func TestMatchScoresStayInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	query := make(vector.Vector, 64)
	for i := range query {
		query[i] = rng.Float64()*2 - 1
	}

	population := make([]Candidate, 200)
	for i := range population {
		v := make(vector.Vector, 64)
		for j := range v {
			v[j] = rng.Float64()*2 - 1
		}
		population[i] = Candidate{ID: fmt.Sprint(i), Vector: v, Position: i}
	}
	population = append(population, Candidate{ID: "neg", Vector: vector.Vector(negate(query)), Position: 200})

	matches, stats, err := New().Match(query, population, -1)
	require.NoError(t, err)
	assert.Len(t, matches, 201)
	assert.Equal(t, 201, stats.Scored)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Score, -1.0)
		assert.LessOrEqual(t, m.Score, 1.0)
	}
	assert.Equal(t, "neg", matches[len(matches)-1].ID)
}

func negate(v vector.Vector) vector.Vector {
	out := make(vector.Vector, len(v))
	for i, x := range v {
		out[i] = -x
	}
	return out
}

func TestMatchSkipsDimensionMismatch(t *testing.T) {
	query := make(vector.Vector, 512)
	query[0] = 1

	compatible := make(vector.Vector, 512)
	compatible[0] = 1
	incompatible := make(vector.Vector, 128)
	incompatible[0] = 1

	population := []Candidate{
		{ID: "short", Vector: incompatible, Position: 0},
		{ID: "full", Vector: compatible, Position: 1},
	}

	matches, stats, err := New().Match(query, population, 0.8)
	require.NoError(t, err)
	assert.Equal(t, []string{"full"}, ids(matches))
	assert.Equal(t, 1, stats.DimensionMismatch)
	assert.Equal(t, 1, stats.Scored)
}

func TestMatchSkipsZeroMagnitude(t *testing.T) {
	query := vector.Vector{1, 1}
	population := candidates(vector.Vector{0, 0}, vector.Vector{2, 2})

	matches, stats, err := New().Match(query, population, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"img-1"}, ids(matches))
	assert.Equal(t, 1, stats.Degenerate)

	matches, stats, err = New().Match(vector.Vector{0, 0}, population, -1)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, 2, stats.Degenerate)
}

func TestMatchEmptyPopulation(t *testing.T) {
	matches, stats, err := New().Match(vector.Vector{1, 0}, nil, 0.8)
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
	assert.Equal(t, Stats{}, stats)
}

func TestMatchRejectsBadInput(t *testing.T) {
	population := candidates(vector.Vector{1, 0})

	_, _, err := New().Match(nil, population, 0.8)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	for _, threshold := range []float64{-1.01, 1.5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, _, err := New().Match(vector.Vector{1, 0}, population, threshold)
		assert.ErrorIs(t, err, ErrInvalidThreshold, "threshold %v", threshold)
	}

	for _, threshold := range []float64{-1, 0, 0.8, 1} {
		assert.NoError(t, ValidateThreshold(threshold))
	}
}

func TestMatchParallelEqualsSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const dim = 32

	query := make(vector.Vector, dim)
	for i := range query {
		query[i] = rng.NormFloat64()
	}

	population := make([]Candidate, 5000)
	for i := range population {
		d := dim
		if i%97 == 0 {
			d = dim / 2
		}
		v := make(vector.Vector, d)
		for j := range v {
			// coarse values so ties are common
			v[j] = float64(rng.Intn(3) - 1)
		}
		population[i] = Candidate{ID: fmt.Sprint(i), Vector: v, Position: i}
	}

	sequential := New(WithParallelThreshold(0))
	parallel := New(WithParallelThreshold(1), WithChunkSize(37), WithWorkers(8))

	wantMatches, wantStats, err := sequential.Match(query, population, 0.1)
	require.NoError(t, err)
	require.NotEmpty(t, wantMatches)

	for run := 0; run < 5; run++ {
		gotMatches, gotStats, err := parallel.Match(query, population, 0.1)
		require.NoError(t, err)
		assert.Equal(t, wantMatches, gotMatches)
		assert.Equal(t, wantStats, gotStats)
	}
}

// Package vector provides the embedding vector type, its text codec, and
// similarity math used by the image search service.
package vector

import (
	"fmt"
	"math"
)

const (
	// DefaultEmbeddingDimensions is the output size of CLIP ViT-B/32 image features.
	DefaultEmbeddingDimensions = 512
)

// Vector is an ordered sequence of real numbers produced by an embedder.
type Vector []float64

// Dim returns the dimensionality of the vector.
func (v Vector) Dim() int {
	return len(v)
}

// SquaredNorm returns the sum of squared components.
func (v Vector) SquaredNorm() float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return sum
}

// Magnitude describes the length of a vector without overflow or underflow:
// Scale is the largest absolute component and ScaledNorm2 the squared norm of
// v/Scale, which lies in [1, len(v)] for any finite, non-zero vector.
type Magnitude struct {
	Scale       float64
	ScaledNorm2 float64
}

// Zero reports whether the vector has no usable length.
func (m Magnitude) Zero() bool {
	return m.ScaledNorm2 == 0
}

// Magnitude computes the scaled length of v. Vectors that are all zeros or
// hold non-finite components get a zero Magnitude.
func (v Vector) Magnitude() Magnitude {
	var scale float64
	for _, x := range v {
		if a := math.Abs(x); a > scale {
			scale = a
		}
	}
	if scale == 0 || math.IsInf(scale, 0) {
		return Magnitude{Scale: scale}
	}

	m := Magnitude{Scale: scale}
	// summed by ScaledDot so that Cosine(v, v) divides equal numbers
	sum := ScaledDot(v, v, m, m)
	if math.IsNaN(sum) {
		return m
	}
	m.ScaledNorm2 = sum
	return m
}

// ScaledDot returns the dot product of a/ma.Scale and b/mb.Scale. Callers
// must ensure equal length.
func ScaledDot(a, b Vector, ma, mb Magnitude) float64 {
	var sum float64
	for i := range a {
		sum += (a[i] / ma.Scale) * (b[i] / mb.Scale)
	}
	return sum
}

// Cosine computes the cosine similarity of a and b from their magnitudes.
// The result is clamped to [-1, 1]. ok is false when either vector has zero
// magnitude or the result is not finite. Cosine(v, v) is exactly 1 for any
// non-zero v, since the dot product and the norm are summed the same way.
func Cosine(a, b Vector, ma, mb Magnitude) (score float64, ok bool) {
	if ma.Zero() || mb.Zero() {
		return 0, false
	}

	// both scaled norms are in [1, n], so the product cannot overflow
	score = ScaledDot(a, b, ma, mb) / math.Sqrt(ma.ScaledNorm2*mb.ScaledNorm2)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, false
	}

	// rounding can push identical directions a hair past the bounds
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score, true
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// The result is a value between -1 and 1, where 1 means the vectors point the same way,
// 0 means they are orthogonal, and -1 means they are opposite.
func CosineSimilarity(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Expected: len(a), Actual: len(b)}
	}
	if len(a) == 0 {
		return 0, ErrEmptyVector
	}

	score, ok := Cosine(a, b, a.Magnitude(), b.Magnitude())
	if !ok {
		return 0, ErrZeroMagnitude
	}
	return score, nil
}

// DimensionMismatchError indicates two vectors of different lengths were compared.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

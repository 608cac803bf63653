package embedder

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"math"

	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/vector"
)

// MockEmbedder is a simple implementation of the Embedder interface.
// It creates deterministic but simplistic embeddings for testing and local
// development without an inference service.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder creates a new MockEmbedder with the specified dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = vector.DefaultEmbeddingDimensions
	}
	return &MockEmbedder{
		dimensions: dimensions,
	}
}

// Name returns the provider name
func (e *MockEmbedder) Name() string {
	return ProviderMock
}

// Dimensions returns the embedding size
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Embed generates a mock embedding from the image bytes, or from the URL
// when no bytes are given. The same input always yields the same unit vector.
func (e *MockEmbedder) Embed(ctx context.Context, img Image) (vector.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, errortypes.ModelError(err, "mock embedding canceled")
	}

	seedBytes := img.Data
	if len(seedBytes) == 0 {
		if img.URL == "" {
			return nil, errortypes.DecodeError(errors.New("no image provided"), "failed to embed image")
		}
		seedBytes = []byte(img.URL)
	}

	embedding := make(vector.Vector, e.dimensions)
	hash := md5.Sum(seedBytes)

	for i := 0; i < e.dimensions; i++ {
		// Use 4 bytes from the hash as a seed for each dimension,
		// mixing in the index so dimensions beyond the hash length differ
		hashIdx := (i * 4) % len(hash)
		seed := binary.LittleEndian.Uint32(append(hash[hashIdx:], hash[:4]...))
		seed ^= uint32(i) * 2654435761

		// Generate a value between -1 and 1 based on the seed
		embedding[i] = float64(seed%1000)/500.0 - 1.0
	}

	normalize(embedding)
	return embedding, nil
}

// normalize scales v to unit length in place.
func normalize(v vector.Vector) {
	magnitude := math.Sqrt(v.SquaredNorm())
	if magnitude == 0 {
		v[0] = 1
		return
	}
	for i := range v {
		v[i] /= magnitude
	}
}

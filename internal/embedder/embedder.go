// Package embedder turns images into embedding vectors. The search core only
// depends on the Embedder interface; concrete providers live alongside it.
package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/vector"
)

const (
	// Provider names accepted by New.
	ProviderCLIP = "clip"
	ProviderMock = "mock"

	// DefaultModel is the CLIP checkpoint the stored embeddings were produced with.
	DefaultModel = "openai/clip-vit-base-patch32"

	DefaultTimeout       = 30 * time.Second
	DefaultMaxImageBytes = 20 << 20
)

// Image references a query or indexed image either by URL or by raw bytes.
// Data takes precedence when both are set.
type Image struct {
	URL  string
	Data []byte
}

// Empty reports whether the image carries neither a URL nor bytes.
func (i Image) Empty() bool {
	return i.URL == "" && len(i.Data) == 0
}

// Ref returns a short human-readable reference for logs.
func (i Image) Ref() string {
	if len(i.Data) > 0 {
		return fmt.Sprintf("<%d bytes>", len(i.Data))
	}
	return i.URL
}

// Embedder converts an image into a fixed-length vector.
//
// Failures are reported as errortypes.AppError values of type
// ErrorTypeFetch (download failed), ErrorTypeDecode (not a valid image) or
// ErrorTypeModel (inference failed).
type Embedder interface {
	// Embed produces the embedding for img.
	Embed(ctx context.Context, img Image) (vector.Vector, error)

	// Dimensions returns the size of the produced vectors, or 0 if unknown.
	Dimensions() int

	// Name returns the provider/model name.
	Name() string
}

// Config holds configuration for creating an embedder.
type Config struct {
	Provider string

	// CLIP inference service
	Endpoint string
	APIKey   string
	Model    string

	Dimensions    int
	Timeout       time.Duration
	MaxImageBytes int64
}

// New creates an embedder based on the config.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderCLIP:
		return NewCLIPEmbedder(cfg)
	case ProviderMock, "":
		return NewMockEmbedder(cfg.Dimensions), nil
	default:
		return nil, errortypes.ConfigError(fmt.Errorf("unknown embedder provider %q", cfg.Provider), "failed to create embedder")
	}
}

package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/localrivet/imagesearch/internal/errortypes"
	"github.com/localrivet/imagesearch/internal/vector"
)

// CLIPEmbedder implements Embedder against an HTTP inference service that
// serves CLIP image features.
type CLIPEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	dims     int
	client   *http.Client
	fetcher  *Fetcher
}

// clipRequest is the body posted to the inference endpoint.
type clipRequest struct {
	Model  string `json:"model"`
	Image  string `json:"image"`
	Format string `json:"format"`
}

// clipResponse accepts both {"embedding": [...]} and the OpenAI-style
// {"data": [{"embedding": [...]}]} shapes.
type clipResponse struct {
	Embedding []float64 `json:"embedding"`
	Data      []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewCLIPEmbedder creates a new CLIP embedder.
func NewCLIPEmbedder(cfg Config) (*CLIPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, errortypes.ConfigError(errors.New("endpoint not provided"), "failed to create CLIP embedder")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &CLIPEmbedder{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
		dims:     cfg.Dimensions,
		client:   &http.Client{Timeout: timeout},
		fetcher:  NewFetcher(timeout, cfg.MaxImageBytes),
	}, nil
}

// Name returns the model name
func (e *CLIPEmbedder) Name() string {
	return "clip/" + e.model
}

// Dimensions returns the expected embedding size, 0 when not configured.
func (e *CLIPEmbedder) Dimensions() int {
	return e.dims
}

// Embed downloads (if needed), validates and embeds the image.
func (e *CLIPEmbedder) Embed(ctx context.Context, img Image) (vector.Vector, error) {
	data := img.Data
	if len(data) == 0 {
		if img.URL == "" {
			return nil, errortypes.DecodeError(errors.New("no image provided"), "failed to embed image")
		}
		var err error
		data, err = e.fetcher.Fetch(ctx, img.URL)
		if err != nil {
			return nil, err
		}
	}

	format, err := ValidateImage(data)
	if err != nil {
		return nil, err
	}

	reqJSON, err := json.Marshal(clipRequest{
		Model:  e.model,
		Image:  base64.StdEncoding.EncodeToString(data),
		Format: format,
	})
	if err != nil {
		return nil, errortypes.ModelError(err, "failed to marshal inference request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, errortypes.ModelError(err, "failed to create inference request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errortypes.ModelError(err, "inference request failed").WithField("model", e.model)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errortypes.ModelError(err, "failed to read inference response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errortypes.ModelError(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200)), "inference service returned an error").
			WithField("model", e.model).
			WithField("status_code", resp.StatusCode)
	}

	var parsed clipResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errortypes.ModelError(err, "failed to decode inference response")
	}
	if parsed.Error != nil {
		return nil, errortypes.ModelError(fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message), "inference service returned an error")
	}

	embedding := parsed.Embedding
	if len(embedding) == 0 && len(parsed.Data) > 0 {
		embedding = parsed.Data[0].Embedding
	}
	if len(embedding) == 0 {
		return nil, errortypes.ModelError(errors.New("empty embedding returned"), "inference service returned no embedding")
	}
	if e.dims > 0 && len(embedding) != e.dims {
		return nil, errortypes.ModelError(&vector.DimensionMismatchError{Expected: e.dims, Actual: len(embedding)}, "unexpected embedding size").
			WithField("model", e.model)
	}
	for i, x := range embedding {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errortypes.ModelError(fmt.Errorf("component %d is not finite", i), "invalid embedding returned")
		}
	}

	return vector.Vector(embedding), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

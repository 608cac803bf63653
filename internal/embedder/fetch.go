package embedder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"time"

	// decoders registered for image.DecodeConfig
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

// Fetcher downloads images over HTTP(S).
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher. The timeout bounds the whole download.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads the image at rawURL. Every failure is a FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errortypes.FetchError(err, "invalid image URL").WithField("image_url", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errortypes.FetchError(fmt.Errorf("unsupported scheme %q", u.Scheme), "invalid image URL").
			WithField("image_url", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errortypes.FetchError(err, "failed to create image request").WithField("image_url", rawURL)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errortypes.FetchError(err, "failed to download image").WithField("image_url", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errortypes.FetchError(fmt.Errorf("unexpected status %d", resp.StatusCode), "failed to download image").
			WithField("image_url", rawURL).
			WithField("status_code", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, errortypes.FetchError(err, "failed to read image body").WithField("image_url", rawURL)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, errortypes.FetchError(fmt.Errorf("image exceeds %d bytes", f.maxBytes), "failed to download image").
			WithField("image_url", rawURL)
	}

	return data, nil
}

// ValidateImage checks that data is a decodable image and returns its format
// name ("jpeg", "png", "gif", "webp" or "bmp"). Failures are DecodeErrors.
func ValidateImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errortypes.DecodeError(errors.New("no image data"), "failed to decode image")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", errortypes.DecodeError(err, "failed to decode image").WithField("size", len(data))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", errortypes.DecodeError(fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height), "failed to decode image")
	}
	return format, nil
}

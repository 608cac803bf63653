package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cat.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/notes.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not an image"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateImage(t *testing.T) {
	format, err := ValidateImage(testPNG(t))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	_, err = ValidateImage([]byte("GIF89 nope"))
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeDecode))

	_, err = ValidateImage(nil)
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeDecode))
}

func TestFetcher(t *testing.T) {
	pngBytes := testPNG(t)
	srv := imageServer(t, pngBytes)
	f := NewFetcher(0, 0)

	data, err := f.Fetch(context.Background(), srv.URL+"/cat.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.png")
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeFetch), "404 should be a fetch error: %v", err)

	_, err = f.Fetch(context.Background(), "ftp://example.com/cat.png")
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeFetch))

	small := NewFetcher(0, 8)
	_, err = small.Fetch(context.Background(), srv.URL+"/cat.png")
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeFetch))
}

type modelServer struct {
	*httptest.Server
	requests []clipRequest
}

func newModelServer(t *testing.T, status int, response any) *modelServer {
	t.Helper()
	ms := &modelServer{}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req clipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("model server got invalid body: %v", err)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization header = %q", got)
		}
		ms.requests = append(ms.requests, req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(ms.Close)
	return ms
}

func TestCLIPEmbedderEmbedsURL(t *testing.T) {
	pngBytes := testPNG(t)
	images := imageServer(t, pngBytes)
	model := newModelServer(t, http.StatusOK, map[string]any{"embedding": []float64{0.1, 0.2, 0.3}})

	emb, err := NewCLIPEmbedder(Config{Endpoint: model.URL, APIKey: "secret", Dimensions: 3})
	require.NoError(t, err)

	v, err := emb.Embed(context.Background(), Image{URL: images.URL + "/cat.png"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, []float64(v))

	require.Len(t, model.requests, 1)
	assert.Equal(t, DefaultModel, model.requests[0].Model)
	assert.Equal(t, "png", model.requests[0].Format)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngBytes), model.requests[0].Image)
	assert.Equal(t, "clip/"+DefaultModel, emb.Name())
}

func TestCLIPEmbedderOpenAIShape(t *testing.T) {
	model := newModelServer(t, http.StatusOK, map[string]any{
		"data": []map[string]any{{"embedding": []float64{1, 0}}},
	})

	emb, err := NewCLIPEmbedder(Config{Endpoint: model.URL, APIKey: "secret"})
	require.NoError(t, err)

	v, err := emb.Embed(context.Background(), Image{Data: testPNG(t)})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, []float64(v))
}

func TestCLIPEmbedderFailures(t *testing.T) {
	pngBytes := testPNG(t)
	images := imageServer(t, pngBytes)

	tests := []struct {
		name     string
		status   int
		response any
		dims     int
		image    Image
		wantType errortypes.ErrorType
	}{
		{
			name:     "unreachable image",
			status:   http.StatusOK,
			response: map[string]any{"embedding": []float64{1}},
			image:    Image{URL: images.URL + "/gone.png"},
			wantType: errortypes.ErrorTypeFetch,
		},
		{
			name:     "not an image",
			status:   http.StatusOK,
			response: map[string]any{"embedding": []float64{1}},
			image:    Image{URL: images.URL + "/notes.txt"},
			wantType: errortypes.ErrorTypeDecode,
		},
		{
			name:     "model error status",
			status:   http.StatusInternalServerError,
			response: map[string]any{"error": map[string]string{"message": "oom", "type": "server"}},
			image:    Image{Data: pngBytes},
			wantType: errortypes.ErrorTypeModel,
		},
		{
			name:     "model error body",
			status:   http.StatusOK,
			response: map[string]any{"error": map[string]string{"message": "bad", "type": "invalid"}},
			image:    Image{Data: pngBytes},
			wantType: errortypes.ErrorTypeModel,
		},
		{
			name:     "empty embedding",
			status:   http.StatusOK,
			response: map[string]any{"embedding": []float64{}},
			image:    Image{Data: pngBytes},
			wantType: errortypes.ErrorTypeModel,
		},
		{
			name:     "unexpected dimensions",
			status:   http.StatusOK,
			response: map[string]any{"embedding": []float64{1, 2}},
			dims:     512,
			image:    Image{Data: pngBytes},
			wantType: errortypes.ErrorTypeModel,
		},
		{
			name:     "no image",
			status:   http.StatusOK,
			response: map[string]any{"embedding": []float64{1}},
			image:    Image{},
			wantType: errortypes.ErrorTypeDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newModelServer(t, tt.status, tt.response)
			emb, err := NewCLIPEmbedder(Config{Endpoint: model.URL, APIKey: "secret", Dimensions: tt.dims})
			require.NoError(t, err)

			v, err := emb.Embed(context.Background(), tt.image)
			assert.Nil(t, v)
			assert.Equal(t, tt.wantType, errortypes.Kind(err), "error: %v", err)
		})
	}
}

func TestNewCLIPEmbedderRequiresEndpoint(t *testing.T) {
	_, err := NewCLIPEmbedder(Config{})
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeConfig))
}

func TestMockEmbedder(t *testing.T) {
	emb := NewMockEmbedder(128)
	ctx := context.Background()

	tests := []struct {
		name  string
		image Image
	}{
		{"url", Image{URL: "https://example.com/a.jpg"}},
		{"bytes", Image{Data: []byte{0x89, 'P', 'N', 'G'}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := emb.Embed(ctx, tt.image)
			require.NoError(t, err)
			require.Len(t, v, 128)
			assert.InDelta(t, 1.0, math.Sqrt(v.SquaredNorm()), 1e-9)

			again, err := emb.Embed(ctx, tt.image)
			require.NoError(t, err)
			assert.Equal(t, v, again)
		})
	}

	a, _ := emb.Embed(ctx, Image{URL: "https://example.com/a.jpg"})
	b, _ := emb.Embed(ctx, Image{URL: "https://example.com/b.jpg"})
	assert.NotEqual(t, a, b)

	_, err := emb.Embed(ctx, Image{})
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeDecode))
}

func TestNew(t *testing.T) {
	emb, err := New(Config{Provider: ProviderMock, Dimensions: 16})
	require.NoError(t, err)
	assert.Equal(t, 16, emb.Dimensions())

	emb, err = New(Config{Provider: ProviderCLIP, Endpoint: "http://localhost:9/embed"})
	require.NoError(t, err)
	assert.Equal(t, "clip/"+DefaultModel, emb.Name())

	_, err = New(Config{Provider: "dalle"})
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeConfig))
}

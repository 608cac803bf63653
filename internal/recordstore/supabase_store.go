package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

// SupabaseStore reads records through the Supabase REST (PostgREST) API.
type SupabaseStore struct {
	restURL   string
	apiKey    string
	pageSize  int
	timeout   time.Duration
	transport *http.Transport
}

// supabaseRow is one row as returned by PostgREST. The embedding is either a
// JSON string holding the list literal (TEXT column) or a JSON array
// (pgvector or float8[] column).
type supabaseRow struct {
	ImageURL  string          `json:"image_url"`
	Embedding json.RawMessage `json:"embedding"`
}

// NewSupabaseStore creates a store for the project at projectURL.
func NewSupabaseStore(projectURL, apiKey string, pageSize int, timeout time.Duration) (*SupabaseStore, error) {
	if projectURL == "" {
		return nil, errortypes.ConfigError(errors.New("project URL not provided"), "failed to create Supabase store")
	}
	if apiKey == "" {
		return nil, errortypes.ConfigError(errors.New("API key not provided"), "failed to create Supabase store")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &SupabaseStore{
		restURL:   strings.TrimRight(projectURL, "/") + "/rest/v1",
		apiKey:    apiKey,
		pageSize:  pageSizeOrDefault(pageSize),
		timeout:   timeout,
		transport: http.DefaultTransport.(*http.Transport).Clone(),
	}, nil
}

// Close releases idle connections.
func (s *SupabaseStore) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// contextTransport attaches ctx to every request. The PostgREST client builds
// its requests without a context, so cancellation is applied here.
type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(req.WithContext(t.ctx))
}

// client returns a PostgREST client bound to ctx. Clients are cheap and not
// safe to share across calls, so each call builds its own.
func (s *SupabaseStore) client(ctx context.Context) *postgrest.Client {
	c := postgrest.NewClient(s.restURL, "", map[string]string{
		"apikey":        s.apiKey,
		"Authorization": "Bearer " + s.apiKey,
	})
	if c.ClientError == nil {
		c.Transport.Parent = contextTransport{ctx: ctx, next: s.transport}
	}
	return c
}

// FetchAll reads every record using keyset pagination on image_url. Paging
// stops at the first empty page, so a server-side row cap below pageSize
// does not truncate the population.
func (s *SupabaseStore) FetchAll(ctx context.Context) ([]CandidateRecord, error) {
	records := []CandidateRecord{}
	cursor := ""
	for {
		rows, err := s.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err.WithField("cursor", cursor)
		}
		if len(rows) == 0 {
			return records, nil
		}
		for _, row := range rows {
			records = append(records, CandidateRecord{ImageURL: row.ImageURL, Embedding: embeddingText(row.Embedding)})
		}
		cursor = rows[len(rows)-1].ImageURL
	}
}

func (s *SupabaseStore) fetchPage(ctx context.Context, cursor string) ([]supabaseRow, *errortypes.AppError) {
	if err := ctx.Err(); err != nil {
		return nil, errortypes.StoreError(err, "failed to query records")
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.client(callCtx).From(TableName).
		Select("image_url,embedding", "", false).
		Order("image_url", &postgrest.OrderOpts{Ascending: true}).
		Limit(s.pageSize, "")
	if cursor != "" {
		query = query.Gt("image_url", cursor)
	}

	var rows []supabaseRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, errortypes.StoreError(err, "failed to query records")
	}
	return rows, nil
}

// embeddingText returns the list literal for a raw embedding value. Values
// that are neither a string nor an array are returned verbatim and left to
// the codec to reject.
func embeddingText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// Count returns the number of stored records using PostgREST's exact count.
func (s *SupabaseStore) Count(ctx context.Context) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, count, err := s.client(callCtx).From(TableName).
		Select("image_url", "exact", true).
		Execute()
	if err != nil {
		return 0, errortypes.StoreError(err, "failed to count records")
	}
	return int(count), nil
}

// Put upserts the record for rec.ImageURL.
func (s *SupabaseStore) Put(ctx context.Context, rec CandidateRecord) error {
	if rec.ImageURL == "" {
		return errortypes.ValidationError(errors.New("image_url is empty"), "failed to store record")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, _, err := s.client(callCtx).From(TableName).
		Upsert([]CandidateRecord{rec}, "image_url", "minimal", "").
		Execute()
	if err != nil {
		return errortypes.StoreError(err, "failed to store record").WithField("image_url", rec.ImageURL)
	}
	return nil
}

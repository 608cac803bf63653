// Package recordstore provides storage interfaces and implementations for
// the image embedding records searched by the ImageSearch service.
package recordstore

import (
	"context"
	"fmt"
	"time"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverSupabase = "supabase"
	DriverMemory   = "memory"
)

const (
	// TableName is the table holding one row per indexed image.
	TableName = "images"

	// DefaultPageSize is the number of rows read per round trip.
	DefaultPageSize = 1000

	// DefaultTimeout bounds a single remote call.
	DefaultTimeout = 30 * time.Second
)

// CandidateRecord is one stored image. Embedding is the textual list literal
// as persisted, e.g. "[0.12,-0.5,...]"; it is decoded by the caller.
type CandidateRecord struct {
	ImageURL  string `json:"image_url"`
	Embedding string `json:"embedding"`
}

// Store reads the candidate population.
type Store interface {
	// FetchAll returns every record. Records are fetched fresh on each call.
	FetchAll(ctx context.Context) ([]CandidateRecord, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Close closes the store and releases any resources.
	Close() error
}

// Writer inserts or replaces records.
type Writer interface {
	Put(ctx context.Context, rec CandidateRecord) error
}

// ReadWriter is a Store that can also be written to.
type ReadWriter interface {
	Store
	Writer
}

// Config selects and configures a store implementation.
type Config struct {
	Driver   string
	Path     string // sqlite database file
	DSN      string // postgres connection string
	URL      string // supabase project URL
	APIKey   string // supabase API key
	PageSize int
	Timeout  time.Duration
}

// Open creates the store selected by cfg.Driver.
func Open(cfg Config) (ReadWriter, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg.Path, cfg.PageSize)
	case DriverPostgres:
		return NewPostgresStore(cfg.DSN, cfg.PageSize)
	case DriverSupabase:
		return NewSupabaseStore(cfg.URL, cfg.APIKey, cfg.PageSize, cfg.Timeout)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errortypes.ConfigError(fmt.Errorf("unsupported store driver: %s", cfg.Driver), "failed to open record store")
	}
}

func pageSizeOrDefault(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}

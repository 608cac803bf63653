package recordstore

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

// PostgresStore reads records from a Postgres database, such as the one
// behind a Supabase project. The embedding column may be TEXT or a pgvector
// column; both are read through their text representation.
type PostgresStore struct {
	db       *sql.DB
	pageSize int
}

// NewPostgresStore connects to the database described by dsn.
func NewPostgresStore(dsn string, pageSize int) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errortypes.ConfigError(errors.New("dsn not provided"), "failed to open Postgres store")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errortypes.ConfigError(err, "failed to open Postgres store")
	}

	return newPostgresStoreWithDB(db, pageSize), nil
}

func newPostgresStoreWithDB(db *sql.DB, pageSize int) *PostgresStore {
	return &PostgresStore{
		db:       db,
		pageSize: pageSizeOrDefault(pageSize),
	}
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// FetchAll reads every record using keyset pagination on image_url.
func (s *PostgresStore) FetchAll(ctx context.Context) ([]CandidateRecord, error) {
	const query = `
	SELECT image_url, embedding::text FROM images
	WHERE image_url > $1
	ORDER BY image_url
	LIMIT $2`

	records := []CandidateRecord{}
	cursor := ""
	for {
		n, err := s.fetchPage(ctx, query, cursor, &records)
		if err != nil {
			return nil, err
		}
		if n < s.pageSize {
			return records, nil
		}
		cursor = records[len(records)-1].ImageURL
	}
}

func (s *PostgresStore) fetchPage(ctx context.Context, query, cursor string, records *[]CandidateRecord) (int, error) {
	rows, err := s.db.QueryContext(ctx, query, cursor, s.pageSize)
	if err != nil {
		return 0, errortypes.StoreError(err, "failed to query records").WithField("cursor", cursor)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			url       string
			embedding sql.NullString
		)
		if err := rows.Scan(&url, &embedding); err != nil {
			return 0, errortypes.StoreError(err, "failed to scan record").WithField("cursor", cursor)
		}
		*records = append(*records, CandidateRecord{ImageURL: url, Embedding: embedding.String})
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, errortypes.StoreError(err, "failed to read records").WithField("cursor", cursor)
	}
	return n, nil
}

// Count returns the number of stored records.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, errortypes.StoreError(err, "failed to count records")
	}
	return n, nil
}

// Put inserts or replaces the record for rec.ImageURL.
func (s *PostgresStore) Put(ctx context.Context, rec CandidateRecord) error {
	if rec.ImageURL == "" {
		return errortypes.ValidationError(errors.New("image_url is empty"), "failed to store record")
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO images (image_url, embedding) VALUES ($1, $2)
	ON CONFLICT (image_url) DO UPDATE SET embedding = EXCLUDED.embedding`,
		rec.ImageURL, rec.Embedding)
	if err != nil {
		return errortypes.StoreError(err, "failed to insert record").WithField("image_url", rec.ImageURL)
	}
	return nil
}

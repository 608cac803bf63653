package recordstore

import (
	"context"
	"errors"
	"sync"

	"crawshaw.io/sqlite"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

// SQLiteStore is an implementation of ReadWriter that uses SQLite.
// A single connection is shared, so calls are serialized.
type SQLiteStore struct {
	mu       sync.Mutex
	conn     *sqlite.Conn
	dbPath   string
	pageSize int
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, pageSize int) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errortypes.ConfigError(errors.New("database path not provided"), "failed to open SQLite store")
	}

	conn, err := sqlite.OpenConn(dbPath, sqlite.SQLITE_OPEN_CREATE|sqlite.SQLITE_OPEN_READWRITE)
	if err != nil {
		return nil, errortypes.StoreError(err, "failed to open SQLite database").WithField("path", dbPath)
	}

	s := &SQLiteStore{
		conn:     conn,
		dbPath:   dbPath,
		pageSize: pageSizeOrDefault(pageSize),
	}

	if err := s.createTable(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// createTable creates the images table if it doesn't exist.
func (s *SQLiteStore) createTable() error {
	stmt, err := s.conn.Prepare(`
	CREATE TABLE IF NOT EXISTS images (
		image_url TEXT PRIMARY KEY,
		embedding TEXT
	);`)
	if err != nil {
		return errortypes.StoreError(err, "failed to prepare create table statement")
	}
	defer stmt.Reset()

	if _, err := stmt.Step(); err != nil {
		return errortypes.StoreError(err, "failed to create images table")
	}
	return nil
}

// Close closes the store and releases any resources.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// interruptOn makes running statements abort when ctx is done. The returned
// func restores the previous state and must be called before unlocking.
func (s *SQLiteStore) interruptOn(ctx context.Context) func() {
	s.conn.SetInterrupt(ctx.Done())
	return func() { s.conn.SetInterrupt(nil) }
}

// FetchAll reads every record, one page at a time, ordered by image_url.
func (s *SQLiteStore) FetchAll(ctx context.Context) ([]CandidateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, errortypes.StoreError(errors.New("store is closed"), "failed to fetch records")
	}
	if err := ctx.Err(); err != nil {
		return nil, errortypes.StoreError(err, "failed to fetch records")
	}
	defer s.interruptOn(ctx)()

	stmt, err := s.conn.Prepare(`
	SELECT image_url, embedding FROM images
	WHERE image_url > ?
	ORDER BY image_url
	LIMIT ?;`)
	if err != nil {
		return nil, s.wrap(ctx, err, "failed to prepare select statement")
	}
	defer stmt.Reset()

	var records []CandidateRecord
	cursor := ""
	for {
		if err := stmt.Reset(); err != nil {
			return nil, s.wrap(ctx, err, "failed to reset select statement")
		}
		stmt.BindText(1, cursor)
		stmt.BindInt64(2, int64(s.pageSize))

		n := 0
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return nil, s.wrap(ctx, err, "failed to read records").WithField("cursor", cursor)
			}
			if !hasRow {
				break
			}

			rec := CandidateRecord{ImageURL: stmt.ColumnText(0)}
			if stmt.ColumnType(1) != sqlite.SQLITE_NULL {
				rec.Embedding = stmt.ColumnText(1)
			}
			records = append(records, rec)
			cursor = rec.ImageURL
			n++
		}

		if n < s.pageSize {
			break
		}
	}

	if records == nil {
		records = []CandidateRecord{}
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return 0, errortypes.StoreError(errors.New("store is closed"), "failed to count records")
	}
	if err := ctx.Err(); err != nil {
		return 0, errortypes.StoreError(err, "failed to count records")
	}
	defer s.interruptOn(ctx)()

	stmt, err := s.conn.Prepare(`SELECT COUNT(*) FROM images;`)
	if err != nil {
		return 0, s.wrap(ctx, err, "failed to prepare count statement")
	}
	defer stmt.Reset()

	if _, err := stmt.Step(); err != nil {
		return 0, s.wrap(ctx, err, "failed to count records")
	}
	return int(stmt.ColumnInt64(0)), nil
}

// Put inserts or replaces the record for rec.ImageURL.
func (s *SQLiteStore) Put(ctx context.Context, rec CandidateRecord) error {
	if rec.ImageURL == "" {
		return errortypes.ValidationError(errors.New("image_url is empty"), "failed to store record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return errortypes.StoreError(errors.New("store is closed"), "failed to store record")
	}
	if err := ctx.Err(); err != nil {
		return errortypes.StoreError(err, "failed to store record")
	}
	defer s.interruptOn(ctx)()

	stmt, err := s.conn.Prepare(`
	INSERT OR REPLACE INTO images (image_url, embedding)
	VALUES (?, ?);`)
	if err != nil {
		return s.wrap(ctx, err, "failed to prepare insert statement")
	}
	defer stmt.Reset()

	// Bind parameters - indices in sqlite are 1-based
	stmt.BindText(1, rec.ImageURL)
	stmt.BindText(2, rec.Embedding)

	if _, err := stmt.Step(); err != nil {
		return s.wrap(ctx, err, "failed to insert record").WithField("image_url", rec.ImageURL)
	}
	return nil
}

func (s *SQLiteStore) wrap(ctx context.Context, err error, msg string) *errortypes.AppError {
	if sqlite.ErrCode(err) == sqlite.SQLITE_INTERRUPT && ctx.Err() != nil {
		err = ctx.Err()
	}
	return errortypes.StoreError(err, msg).WithField("path", s.dbPath)
}

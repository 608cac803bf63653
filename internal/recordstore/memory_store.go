package recordstore

import (
	"context"
	"errors"
	"sync"

	"github.com/localrivet/imagesearch/internal/errortypes"
)

// MemoryStore keeps records in memory in insertion order. It is used for
// tests and for trying the service without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []CandidateRecord
	index   map[string]int
}

// NewMemoryStore creates a MemoryStore holding records.
func NewMemoryStore(records ...CandidateRecord) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int)}
	for _, rec := range records {
		s.put(rec)
	}
	return s
}

// FetchAll returns a copy of every record.
func (s *MemoryStore) FetchAll(ctx context.Context) ([]CandidateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errortypes.StoreError(err, "failed to fetch records")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CandidateRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Put inserts or replaces the record for rec.ImageURL.
func (s *MemoryStore) Put(ctx context.Context, rec CandidateRecord) error {
	if rec.ImageURL == "" {
		return errortypes.ValidationError(errors.New("image_url is empty"), "failed to store record")
	}
	if err := ctx.Err(); err != nil {
		return errortypes.StoreError(err, "failed to store record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(rec)
	return nil
}

func (s *MemoryStore) put(rec CandidateRecord) {
	if i, ok := s.index[rec.ImageURL]; ok {
		s.records[i] = rec
		return
	}
	s.index[rec.ImageURL] = len(s.records)
	s.records = append(s.records, rec)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

package deadletter

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, record *Record) error {
	if record == nil {
		return deadLetterError(ErrValidation, "record is required")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.RoutedAt.IsZero() {
		record.RoutedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return deadLetterError(ErrValidation, "record "+record.ID+" already exists")
	}
	s.records[record.ID] = cloneRecord(record)
	s.order = append(s.order, record.ID)
	recordAppended(record)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, deadLetterError(ErrNotFound, id)
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		record := s.records[s.order[i]]
		if filter.matches(record) {
			out = append(out, cloneRecord(record))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RoutedAt.After(out[j].RoutedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(r *Record) *Record {
	copied := *r
	copied.Payload = append(json.RawMessage(nil), r.Payload...)
	copied.ErrorDetails = append(json.RawMessage(nil), r.ErrorDetails...)
	return &copied
}

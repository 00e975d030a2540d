package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultInMemoryLimit = 200

// InMemoryStore keeps the newest records per session for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records map[string][]Record
}

func NewInMemoryStore(limitPerSession int) *InMemoryStore {
	if limitPerSession <= 0 {
		limitPerSession = defaultInMemoryLimit
	}
	return &InMemoryStore{limit: limitPerSession, records: make(map[string][]Record)}
}

func (s *InMemoryStore) Save(_ context.Context, records ...Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r = withDefaults(r)
		arr := append(s.records[r.SessionKey], r)
		if len(arr) > s.limit {
			arr = append([]Record(nil), arr[len(arr)-s.limit:]...)
		}
		s.records[r.SessionKey] = arr
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionKey string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionKey]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	return append([]Record(nil), arr[len(arr)-limit:]...), nil
}

func (s *InMemoryStore) Close() error { return nil }

func withDefaults(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r
}

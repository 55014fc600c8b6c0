package credstore

import "sync"

// MemoryStore keeps records in process memory only. Used for
// ephemeral runs and tests; Durable is false so callers can refuse to
// treat it as persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.SubjectID] = record.Clone()
	return nil
}

func (s *MemoryStore) Load(subjectID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Delete(subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, subjectID)
	return nil
}

func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subjects := make([]string, 0, len(s.records))
	for id := range s.records {
		subjects = append(subjects, id)
	}
	return subjects, nil
}

func (s *MemoryStore) Durable() bool {
	return false
}

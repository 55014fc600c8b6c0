package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/zalando/go-keyring"
)

// indexKey holds the JSON list of subject ids stored under this
// service. The platform keyring cannot enumerate its own entries, so
// List needs a separate index entry.
const indexKey = "credman::index"

// probeKeyring checks whether a platform keyring is actually usable.
// Headless hosts often have the keyring API present but no backing
// daemon, so a set/delete round trip is the only reliable test.
func probeKeyring(service string) bool {
	const probe = "credman::probe"
	if err := keyring.Set(service, probe, "ok"); err != nil {
		return false
	}
	if err := keyring.Delete(service, probe); err != nil {
		return false
	}
	return true
}

// keyringStore persists records in the platform keyring, one entry per
// subject plus an index entry for enumeration.
type keyringStore struct {
	service string

	// mu guards the read-modify-write of the index entry.
	mu sync.Mutex
}

func newKeyringStore(service string) (*keyringStore, error) {
	if !probeKeyring(service) {
		return nil, errors.New("platform keyring is not usable")
	}
	return &keyringStore{service: service}, nil
}

func recordKey(subjectID string) string {
	return "credman::" + subjectID
}

func (s *keyringStore) Save(record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Set(s.service, recordKey(record.SubjectID), string(data)); err != nil {
		return fmt.Errorf("failed to write credential to keyring: %w", err)
	}
	return s.updateIndex(func(subjects []string) []string {
		if slices.Contains(subjects, record.SubjectID) {
			return subjects
		}
		return append(subjects, record.SubjectID)
	})
}

func (s *keyringStore) Load(subjectID string) (*Record, error) {
	data, err := keyring.Get(s.service, recordKey(subjectID))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credential from keyring: %w", err)
	}

	return decodeRecord([]byte(data))
}

func (s *keyringStore) Delete(subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Delete(s.service, recordKey(subjectID)); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete credential from keyring: %w", err)
	}
	return s.updateIndex(func(subjects []string) []string {
		return slices.DeleteFunc(subjects, func(id string) bool { return id == subjectID })
	})
}

func (s *keyringStore) List() ([]string, error) {
	subjects, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return subjects, nil
}

func (s *keyringStore) Durable() bool {
	return true
}

func (s *keyringStore) loadIndex() ([]string, error) {
	data, err := keyring.Get(s.service, indexKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read keyring index: %w", err)
	}
	var subjects []string
	if err := json.Unmarshal([]byte(data), &subjects); err != nil {
		return nil, fmt.Errorf("failed to decode keyring index: %w", err)
	}
	return subjects, nil
}

func (s *keyringStore) updateIndex(apply func([]string) []string) error {
	subjects, err := s.loadIndex()
	if err != nil {
		return err
	}
	subjects = apply(subjects)
	data, err := json.Marshal(subjects)
	if err != nil {
		return fmt.Errorf("failed to encode keyring index: %w", err)
	}
	if err := keyring.Set(s.service, indexKey, string(data)); err != nil {
		return fmt.Errorf("failed to write keyring index: %w", err)
	}
	return nil
}

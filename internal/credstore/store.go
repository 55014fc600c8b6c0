package credstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Load when no record exists for the
// subject.
var ErrNotFound = errors.New("credential record not found")

// Store is durable persistence for credential records. The refresh
// scheduler is the only writer during process lifetime.
type Store interface {
	// Save persists the record, replacing any previous record for
	// the same subject. The write is atomic: a crash mid-write never
	// leaves a torn record.
	Save(record *Record) error

	// Load returns the record for the subject, or ErrNotFound.
	Load(subjectID string) (*Record, error)

	// Delete removes the record for the subject. Deleting an absent
	// record is not an error.
	Delete(subjectID string) error

	// List returns the subject ids of all stored records.
	List() ([]string, error)

	// Durable reports whether records survive process restart. The
	// in-memory backend returns false and must never claim
	// otherwise.
	Durable() bool
}

// Watcher is implemented by backends that can report records written
// by another process (for example a `credman login` run in a second
// terminal). The channel carries the subject id of each changed
// record.
type Watcher interface {
	Watch(ctx context.Context) (<-chan string, error)
}

// Config selects and configures the backend.
type Config struct {
	// Backend is "auto", "keyring", "file", or "memory". With
	// "auto", backends are probed in order of preference.
	Backend string

	// Dir is the directory for the encrypted-file backend. Defaults
	// to ~/.config/credman.
	Dir string

	// Service is the keyring service name. Defaults to "credman".
	Service string
}

// DefaultStorageDir is the default directory for the file backend,
// relative to the user home directory.
const DefaultStorageDir = ".config/credman"

// Open selects a backend by capability probing: platform keyring
// first, encrypted file second, in-memory last. An explicit Backend
// in the config skips probing.
func Open(cfg Config) (Store, error) {
	if cfg.Service == "" {
		cfg.Service = "credman"
	}

	switch cfg.Backend {
	case "keyring":
		return newKeyringStore(cfg.Service)
	case "file":
		dir, err := storageDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return newFileStore(dir)
	case "memory":
		return NewMemoryStore(), nil
	case "", "auto":
	default:
		return nil, errors.New("unknown store backend: " + cfg.Backend)
	}

	if probeKeyring(cfg.Service) {
		store, err := newKeyringStore(cfg.Service)
		if err == nil {
			slog.Debug("Credential store backend selected", "backend", "keyring")
			return store, nil
		}
		slog.Warn("Keyring probe succeeded but store init failed, falling back", "error", err.Error())
	}

	if dir, err := storageDir(cfg.Dir); err == nil {
		store, err := newFileStore(dir)
		if err == nil {
			slog.Debug("Credential store backend selected", "backend", "file", "dir", dir)
			return store, nil
		}
		slog.Warn("Encrypted file store unavailable, credentials will not persist", "error", err.Error())
	}

	return NewMemoryStore(), nil
}

func storageDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultStorageDir), nil
}

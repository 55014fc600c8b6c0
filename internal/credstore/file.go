package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	recordExt  = ".cred"
	saltSize   = 16
	nonceSize  = 12
	keySize    = 32
	scryptN    = 32768
	scryptR    = 8
	scryptP    = 1
	hkdfLabel  = "credman-record-encryption"
	renameTry  = 3
	renameWait = 50 * time.Millisecond
)

// fileStore keeps one encrypted file per subject under dir/records.
// Records are sealed with AES-256-GCM under a key derived from a
// host-scoped secret, so a copied file is useless on another machine.
type fileStore struct {
	dir  string
	key  []byte
	lock *flock.Flock

	// mu guards names, the filename-to-subject map used by Watch.
	mu    sync.Mutex
	names map[string]string
}

func newFileStore(dir string) (*fileStore, error) {
	recordsDir := filepath.Join(dir, "records")
	if err := os.MkdirAll(recordsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(dir, "salt"))
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(hostSecret(), salt)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		dir:   recordsDir,
		key:   key,
		lock:  flock.New(filepath.Join(dir, "records.lock")),
		names: make(map[string]string),
	}, nil
}

// hostSecret returns material that is stable per machine and user.
// /etc/machine-id is preferred; hostname plus uid is the fallback for
// platforms without it.
func hostSecret() []byte {
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		trimmed := strings.TrimSpace(string(data))
		if trimmed != "" {
			return []byte(trimmed)
		}
	}
	hostname, _ := os.Hostname()
	return []byte(hostname + "|" + strconv.Itoa(os.Getuid()))
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == saltSize {
		return data, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}

func deriveKey(secret, salt []byte) ([]byte, error) {
	stretched, err := scrypt.Key(secret, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive storage key: %w", err)
	}
	key := make([]byte, keySize)
	reader := hkdf.New(sha256.New, stretched, salt, []byte(hkdfLabel))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to expand storage key: %w", err)
	}
	return key, nil
}

// recordFilename hashes the subject id so the directory listing does
// not reveal which providers or accounts are stored.
func recordFilename(subjectID string) string {
	sum := sha256.Sum256([]byte(subjectID))
	return hex.EncodeToString(sum[:8]) + recordExt
}

func (s *fileStore) Save(record *Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	plaintext, err := encodeRecord(record)
	if err != nil {
		return err
	}
	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock storage directory: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	name := recordFilename(record.SubjectID)
	if err := atomicWrite(filepath.Join(s.dir, name), sealed); err != nil {
		return err
	}

	s.mu.Lock()
	s.names[name] = record.SubjectID
	s.mu.Unlock()
	return nil
}

func (s *fileStore) Load(subjectID string) (*Record, error) {
	name := recordFilename(subjectID)
	sealed, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	record, err := s.open(sealed)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.names[name] = record.SubjectID
	s.mu.Unlock()
	return record, nil
}

func (s *fileStore) Delete(subjectID string) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock storage directory: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	name := recordFilename(subjectID)
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}

	s.mu.Lock()
	delete(s.names, name)
	s.mu.Unlock()
	return nil
}

func (s *fileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	var subjects []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		sealed, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		record, err := s.open(sealed)
		if err != nil {
			slog.Warn("Skipping undecryptable credential file", "file", entry.Name())
			continue
		}
		subjects = append(subjects, record.SubjectID)

		s.mu.Lock()
		s.names[entry.Name()] = record.SubjectID
		s.mu.Unlock()
	}
	return subjects, nil
}

func (s *fileStore) Durable() bool {
	return true
}

// Watch reports subjects whose record file changes on disk, typically
// a login completed by another process. Only files this process has
// already mapped to a subject are reported by name; unknown files
// trigger a List to learn the mapping.
func (s *fileStore) Watch(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to watch storage directory: %w", err)
	}

	changes := make(chan string, 8)
	go func() {
		defer watcher.Close() //nolint:errcheck
		defer close(changes)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(event.Name)
				if !strings.HasSuffix(name, recordExt) {
					continue
				}
				subject := s.subjectFor(name)
				if subject == "" {
					continue
				}
				select {
				case changes <- subject:
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return changes, nil
}

func (s *fileStore) subjectFor(name string) string {
	s.mu.Lock()
	subject, ok := s.names[name]
	s.mu.Unlock()
	if ok {
		return subject
	}
	// An unmapped file was written by another process. List decrypts
	// everything and repopulates the map.
	if _, err := s.List(); err != nil {
		return ""
	}
	s.mu.Lock()
	subject = s.names[name]
	s.mu.Unlock()
	return subject
}

// seal encrypts plaintext as [12-byte nonce][ciphertext+tag].
func (s *fileStore) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

func (s *fileStore) open(sealed []byte) (*Record, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("credential file is truncated")
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential file: %w", err)
	}

	return decodeRecord(plaintext)
}

// atomicWrite writes to a temp file in the same directory and renames
// it over the target, so readers never observe a torn record.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Windows refuses to rename over a file another handle still has
	// open, so retry briefly.
	var renameErr error
	for attempt := 0; attempt < renameTry; attempt++ {
		renameErr = os.Rename(tmpName, path)
		if renameErr == nil {
			return nil
		}
		if runtime.GOOS != "windows" {
			break
		}
		time.Sleep(renameWait)
	}
	return fmt.Errorf("failed to replace credential file: %w", renameErr)
}

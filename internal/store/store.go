// Package store implements the file-backed message store. Each captured
// message is one file; the filename is a ULID so the creation time is
// recoverable from the name alone.
package store

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid"

	"github.com/mailbarrel/mailbarrel/internal/metrics"
)

// messageExt is the extension given to persisted message files.
const messageExt = ".eml"

// MessageEntry is the handle for one persisted message.
// Two entries are equal iff their paths are equal.
type MessageEntry struct {
	Path       string
	CreatedAt  time.Time
	ModifiedAt time.Time
	Seen       bool
	Selected   bool
}

// Equal reports whether two entries refer to the same stored message.
func (e MessageEntry) Equal(other MessageEntry) bool {
	return e.Path == other.Path
}

// Name returns the file name portion of the entry path.
func (e MessageEntry) Name() string {
	return filepath.Base(e.Path)
}

// FileStore persists messages as individual files under a root directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the root directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// SaveMessage streams a new message into the store via write and returns the
// assigned entry. A partially written file is removed on error.
func (s *FileStore) SaveMessage(write func(w io.Writer) error) (MessageEntry, error) {
	id := genID()
	path := filepath.Join(s.dir, id.String()+messageExt)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		metrics.StoreWriteFailures.Inc()
		return MessageEntry{}, fmt.Errorf("failed to create message file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		metrics.StoreWriteFailures.Inc()
		return MessageEntry{}, fmt.Errorf("failed to write message file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		metrics.StoreWriteFailures.Inc()
		return MessageEntry{}, fmt.Errorf("failed to close message file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return MessageEntry{}, fmt.Errorf("failed to stat message file: %w", err)
	}
	metrics.StoreBytesWritten.Add(float64(info.Size()))

	return MessageEntry{
		Path:       path,
		CreatedAt:  ulid.Time(id.Time()),
		ModifiedAt: info.ModTime(),
	}, nil
}

// LoadMessages lists every stored message, oldest first.
func (s *FileStore) LoadMessages() ([]MessageEntry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	entries := make([]MessageEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), messageExt) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		entries = append(entries, MessageEntry{
			Path:       filepath.Join(s.dir, de.Name()),
			CreatedAt:  createdAt(de.Name(), info.ModTime()),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	return entries, nil
}

// DeleteMessage removes a stored message. Returns false if the file could
// not be deleted; deleting an already-gone file counts as success.
func (s *FileStore) DeleteMessage(entry MessageEntry) bool {
	err := os.Remove(entry.Path)
	if err != nil && !os.IsNotExist(err) {
		return false
	}
	metrics.StoreMessagesDeleted.Inc()
	return true
}

// ReadMessage returns the raw bytes of a stored message.
func (s *FileStore) ReadMessage(entry MessageEntry) ([]byte, error) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", entry.Name(), err)
	}
	return data, nil
}

// genID returns a fresh ULID carrying the current wall-clock time.
func genID() ulid.ULID {
	seed := time.Now().UnixNano()
	entropy := rand.New(rand.NewSource(seed))
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// createdAt recovers the creation time from a ULID filename, falling back
// to the filesystem modification time for foreign files.
func createdAt(name string, fallback time.Time) time.Time {
	base := strings.TrimSuffix(name, messageExt)
	id, err := ulid.Parse(base)
	if err != nil {
		return fallback
	}
	return ulid.Time(id.Time())
}

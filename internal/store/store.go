// Package store persists the whole application document as a single JSON file
// with atomic replace-on-write semantics.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrCorrupt marks an unreadable or malformed on-disk document. Callers
	// must propagate it; resetting to an empty document would destroy data.
	ErrCorrupt = errors.New("store: document corrupt")
	// ErrNotFound reports a missing user, order, or payment record.
	ErrNotFound = errors.New("store: not found")
)

// FileStore keeps the document in a single JSON file. All writes go through
// Mutate, which serializes them and replaces the file atomically, so a crash
// mid-write leaves the previous document intact.
type FileStore struct {
	path string

	// mu guards the file itself; at most one Read/Mutate touches it at a time.
	mu sync.Mutex

	cacheMu  sync.RWMutex
	cached   *Document
	cachedAt time.Time
}

// New returns a store backed by the JSON file at path. The file is created
// lazily on the first mutation.
func New(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// Read returns the current committed document, or a fresh empty skeleton when
// no file exists yet.
func (s *FileStore) Read() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// ReadCached serves Read from an in-memory copy no older than ttl. It exists
// for hot display paths only; mutations always re-read fresh state inside
// Mutate's exclusive section.
func (s *FileStore) ReadCached(ttl time.Duration) (*Document, error) {
	if ttl <= 0 {
		return s.Read()
	}

	s.cacheMu.RLock()
	if s.cached != nil && time.Since(s.cachedAt) < ttl {
		doc := s.cached.Clone()
		s.cacheMu.RUnlock()
		return doc, nil
	}
	s.cacheMu.RUnlock()

	doc, err := s.Read()
	if err != nil {
		return nil, err
	}
	s.cacheMu.Lock()
	s.cached = doc.Clone()
	s.cachedAt = time.Now()
	s.cacheMu.Unlock()
	return doc, nil
}

// Mutate loads the current document, applies fn, and persists the result via
// temp-file write plus atomic rename. When fn returns an error nothing is
// written and the prior document stays untouched.
func (s *FileStore) Mutate(fn func(*Document) error) error {
	if fn == nil {
		return errors.New("store: nil mutate function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := s.persist(doc); err != nil {
		return err
	}

	s.cacheMu.Lock()
	s.cached = doc.Clone()
	s.cachedAt = time.Now()
	s.cacheMu.Unlock()
	return nil
}

func (s *FileStore) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.path, err)
	}
	if len(data) == 0 {
		return NewDocument(), nil
	}
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, s.path, err)
	}
	doc.normalize()
	return doc, nil
}

func (s *FileStore) persist(doc *Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: encode document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: replace %s: %w", s.path, err)
	}
	return nil
}

package persistent

import (
	"bytes"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/spillq/types"
)

// NewMemoryStore creates new in-memory "persistent" store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: map[types.PageID][]byte{},
	}
}

// MemoryStore defines "persistent" in-memory store. Used for testing.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[types.PageID][]byte
}

// Create stores copy of the data.
func (s *MemoryStore) Create(id types.PageID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[id]; exists {
		return errors.Wrapf(ErrExists, "page %d", id)
	}
	s.blobs[id] = bytes.Clone(data)
	return nil
}

// Replace replaces stored data.
func (s *MemoryStore) Replace(id types.PageID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[id]; !exists {
		return errors.Wrapf(ErrNotFound, "page %d", id)
	}
	s.blobs[id] = bytes.Clone(data)
	return nil
}

// Open returns reader of the stored data.
func (s *MemoryStore) Open(id types.PageID) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, exists := s.blobs[id]
	if !exists {
		return nil, errors.Wrapf(ErrNotFound, "page %d", id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete deletes the data.
func (s *MemoryStore) Delete(id types.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[id]; !exists {
		return errors.Wrapf(ErrNotFound, "page %d", id)
	}
	delete(s.blobs, id)
	return nil
}

// List lists stored pages.
func (s *MemoryStore) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.blobs))
	for id, data := range s.blobs {
		entries = append(entries, Entry{ID: id, Size: int64(len(data))})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Corrupt replaces stored data of the page. Used to test handling of damaged files.
func (s *MemoryStore) Corrupt(id types.PageID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[id] = bytes.Clone(data)
}

// Close does nothing.
func (s *MemoryStore) Close() error {
	return nil
}

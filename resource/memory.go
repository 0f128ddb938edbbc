package resource

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

type entry struct {
	handle Handle
	data   []byte
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry)}
}

func (s *MemoryStore) Put(name, contentType string, data []byte) (Handle, error) {
	h := Handle{
		ID:          ksuid.New().String(),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.entries[h.ID] = entry{handle: h, data: data}
	s.mu.Unlock()

	return h, nil
}

func (s *MemoryStore) Open(id string) (io.ReadCloser, Handle, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil, Handle{}, fmt.Errorf("open %s: %w", id, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(e.data)), e.handle, nil
}

func (s *MemoryStore) Release(id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

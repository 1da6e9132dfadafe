package lake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory ObjectStore backing the engine tests. Safe for
// concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemStore creates an empty in-memory object store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]map[string][]byte)}
}

// List returns the objects under a prefix in key order.
func (s *MemStore) List(_ context.Context, bucket, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Object

	for key, data := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{Key: key, Size: int64(len(data))})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

// Get opens an object for reading.
func (s *MemStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put writes an object, creating the bucket on first use.
func (s *MemStore) Put(_ context.Context, bucket, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string][]byte)
	}

	s.buckets[bucket][key] = data

	return nil
}

// Exists reports whether any object lives under the prefix.
func (s *MemStore) Exists(_ context.Context, bucket, prefix string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			return true, nil
		}
	}

	return false, nil
}

// Delete removes an object. Missing keys are not an error.
func (s *MemStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets[bucket], key)

	return nil
}

package httpclient

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a cached successful GET response.
type CacheEntry struct {
	Key       CacheKey      `json:"key"`
	Response  *Response     `json:"response"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether more than TTL has passed since the entry was
// written.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// EntryStore holds cache entries. Expiry is decided by Cache, stores may
// additionally expire entries on their own.
type EntryStore interface {
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key CacheKey) (*CacheEntry, error)
	Set(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, keys ...CacheKey) error
	// DeletePath removes the entry keyed by path and every entry keyed by
	// path plus a query string.
	DeletePath(ctx context.Context, path string) error
	Clear(ctx context.Context) error
}

var _ EntryStore = (*MemoryStore)(nil)

// MemoryStore is an in-process EntryStore.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[CacheKey]*CacheEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[CacheKey]*CacheEntry),
	}
}

func (s *MemoryStore) Get(_ context.Context, key CacheKey) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Set(_ context.Context, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[entry.Key] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryStore) DeletePath(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, path)
	for k := range s.items {
		if strings.HasPrefix(k, path+"?") {
			delete(s.items, k)
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[CacheKey]*CacheEntry)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

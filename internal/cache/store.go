package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Store is the cache backend contract. Implementations must be safe for
// concurrent use. A missing or expired key is (nil, false, nil); errors are
// reserved for backend failures, which callers treat as misses.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// MemoryStore is an in-process Store with TTL expiry and LRU eviction.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List
	entries    map[string]*list.Element
	clock      func() time.Time
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries values;
// maxEntries <= 0 means unbounded.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    map[string]*list.Element{},
		clock:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if s.clock().After(entry.expires) {
		s.order.Remove(elem)
		delete(s.entries, key)
		return nil, false, nil
	}
	s.order.MoveToFront(elem)
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := s.clock().Add(ttl)
	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expires = expires
		s.order.MoveToFront(elem)
		return nil
	}

	elem := s.order.PushFront(&memoryEntry{key: key, value: value, expires: expires})
	s.entries[key] = elem

	for s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.order.Remove(elem)
		delete(s.entries, key)
	}
	return nil
}

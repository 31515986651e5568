package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one cached record with its bookkeeping metadata.
type Entry struct {
	Key         string
	Value       []byte
	Mode        Mode
	Tags        []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int64
	LastAccess  time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// memoryTier is a thread-safe bounded LRU holding the hot subset of entries
// in process. Overflow evicts the least-recently-accessed entry.
type memoryTier struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List // front = most recently used
	maxSize int

	evictions int64
}

func newMemoryTier(maxSize int) *memoryTier {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &memoryTier{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns the entry and refreshes its recency. Expired entries are
// removed on sight and reported as misses.
func (m *memoryTier) Get(key string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*Entry)
	now := time.Now()
	if entry.expired(now) {
		m.removeLocked(elem)
		return nil
	}
	entry.AccessCount++
	entry.LastAccess = now
	m.lru.MoveToFront(elem)
	return entry
}

func (m *memoryTier) Set(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[entry.Key]; ok {
		elem.Value = entry
		m.lru.MoveToFront(elem)
		return
	}

	elem := m.lru.PushFront(entry)
	m.items[entry.Key] = elem

	for m.lru.Len() > m.maxSize {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest)
		m.evictions++
	}
}

func (m *memoryTier) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[key]; ok {
		m.removeLocked(elem)
	}
}

func (m *memoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func (m *memoryTier) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	m.lru.Remove(elem)
	delete(m.items, entry.Key)
}

// SweepExpired removes every expired entry; returns how many were removed.
func (m *memoryTier) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := m.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).expired(now) {
			m.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// Optimize applies LRU pressure eviction: once the tier is above the
// high-water mark (80% of capacity), the least-recently-accessed entries
// are evicted down to the target size (60% of capacity). Returns the number
// of evicted entries.
func (m *memoryTier) Optimize() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	highWater := m.maxSize * 80 / 100
	if m.lru.Len() <= highWater {
		return 0
	}
	target := m.maxSize * 60 / 100

	evicted := 0
	for m.lru.Len() > target {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest)
		evicted++
	}
	m.evictions += int64(evicted)
	return evicted
}

func (m *memoryTier) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

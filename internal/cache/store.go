package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrStoreMiss is returned by SharedStore.Get when the key is absent or
// expired in the shared tier.
var ErrStoreMiss = errors.New("cache: store miss")

// SharedStore is the shared (cross-process) tier behind the in-process LRU.
// Implementations must be safe for concurrent use.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// ScanPrefix returns every key beginning with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

// storeEnvelope is the serialized form an Entry takes in the shared store.
type storeEnvelope struct {
	Mode      Mode      `json:"mode"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Payload   []byte    `json:"payload"`
}

func marshalEnvelope(e *Entry) ([]byte, error) {
	env := storeEnvelope{
		Mode:      e.Mode,
		Tags:      e.Tags,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
		Payload:   e.Value,
	}
	data, err := json.Marshal(env)
	return data, errors.Wrap(err, "marshal store envelope")
}

func unmarshalEnvelope(key string, data []byte) (*Entry, error) {
	var env storeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal store envelope")
	}
	return &Entry{
		Key:       key,
		Value:     env.Payload,
		Mode:      env.Mode,
		Tags:      env.Tags,
		CreatedAt: env.CreatedAt,
		ExpiresAt: env.ExpiresAt,
	}, nil
}

// MemStore is an in-memory SharedStore used in tests and single-process
// deployments where no redis is configured.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]memStoreItem
}

type memStoreItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]memStoreItem)}
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(item.expiresAt) {
		return nil, ErrStoreMiss
	}
	return item.value, nil
}

func (s *MemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memStoreItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemStore) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var keys []string
	for k, item := range s.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && now.Before(item.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

package kv

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBucket is an in-memory bucket (not persisted). Values round-trip
// through JSON so Load behaves exactly like the SQLite bucket.
type MemoryBucket struct {
	name    string
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryBucket creates a new in-memory bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name:    name,
		entries: make(map[string][]byte),
	}
}

// Name returns the bucket name.
func (b *MemoryBucket) Name() string {
	return b.name
}

// Save stores value under key.
func (b *MemoryBucket) Save(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = data
	return nil
}

// Load decodes the value under key into out.
func (b *MemoryBucket) Load(key string, out any) (bool, error) {
	b.mu.RLock()
	data, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", b.name, key, err)
	}
	return true, nil
}

// Delete removes a key from the bucket.
func (b *MemoryBucket) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Clear removes all keys from the bucket.
func (b *MemoryBucket) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string][]byte)
	return nil
}

package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	entry   Entry
	expires time.Time
}

// Memory is the process-local fast tier.
// Expired entries are purged lazily on read rather than by a background
// sweep.
type Memory struct {
	mutex *sync.RWMutex
	db    map[string]memoryEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memoryEntry),
	}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	stored, ok := m.db[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !stored.expires.After(time.Now()) {
		delete(m.db, key)
		return Entry{}, false, nil
	}
	return stored.entry, true, nil
}

func (m *Memory) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memoryEntry{entry: entry, expires: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := PatternRegexp(pattern)
	if err != nil {
		return nil, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	now := time.Now()
	keys := make([]string, 0, len(m.db))
	for key, stored := range m.db {
		if stored.expires.After(now) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Count returns the exact number of live entries.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	now := time.Now()
	count := 0
	for _, stored := range m.db {
		if stored.expires.After(now) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Name() string {
	return "memory"
}

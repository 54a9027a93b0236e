package cache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is a thread-safe in-memory cache with per-entry TTLs. Expired
// entries are dropped on read; Sweep removes them in bulk.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	nowFunc func() time.Time
}

type MemoryOption func(*Memory)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.nowFunc = now
	}
}

func NewMemory(options ...MemoryOption) *Memory {
	memory := &Memory{
		entries: make(map[string]entry),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(memory)
	}
	return memory
}

// Set stores value under key for ttl. A non-positive ttl stores nothing,
// matching the bypass contract of the cache policy.
func (m *Memory) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expiresAt: m.nowFunc().Add(ttl)}
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if m.nowFunc().After(e.expiresAt) {
		m.mu.Lock()
		// A concurrent Set may have replaced the entry between the read
		// and write locks; only drop the entry we actually read.
		if current, ok := m.entries[key]; ok && current.expiresAt.Equal(e.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (m *Memory) InvalidatePrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
}

// Sweep removes all expired entries.
func (m *Memory) Sweep() {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// Len reports the number of live entries, counting not-yet-swept expired ones.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

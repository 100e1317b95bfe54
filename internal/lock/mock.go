package lock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type mockEntry struct {
	value   string
	expires time.Time
}

// MockStore is an in-memory Store with TTL support for testing.
// Several orchestrators sharing one MockStore behave like pods sharing Redis.
type MockStore struct {
	mu      sync.Mutex
	entries map[string]mockEntry
	now     func() time.Time
	// FailWith, when non-nil, is returned by every call.
	FailWith error
}

func NewMock() *MockStore {
	return NewMockWithClock(time.Now)
}

// NewMockWithClock returns a MockStore that evaluates expiry against now.
func NewMockWithClock(now func() time.Time) *MockStore {
	return &MockStore{entries: make(map[string]mockEntry), now: now}
}

// live returns the entry for key if present and unexpired. Must hold mu.
func (m *MockStore) live(key string) (mockEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return mockEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return mockEntry{}, false
	}
	return e, true
}

func (m *MockStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MockStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = mockEntry{value: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MockStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.entries[key] = mockEntry{value: value, expires: m.expiry(ttl)}
	return nil
}

func (m *MockStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return "", false, m.FailWith
	}
	e, ok := m.live(key)
	return e.value, ok, nil
}

func (m *MockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	delete(m.entries, key)
	return nil
}

func (m *MockStore) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	e, ok := m.live(key)
	if !ok || e.value != owner {
		return false, nil
	}
	e.expires = m.expiry(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *MockStore) Release(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return false, m.FailWith
	}
	e, ok := m.live(key)
	if !ok || e.value != owner {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// Keys returns the unexpired keys with the given prefix, sorted.
func (m *MockStore) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

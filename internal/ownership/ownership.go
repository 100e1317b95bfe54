// Package ownership tracks the tenants this pod currently owns.
package ownership

import (
	"sort"
	"sync"
)

// Set is the pod's owned-tenant set, bounded by a capacity.
// Safe for concurrent use; readers get snapshots.
type Set struct {
	mu       sync.RWMutex
	tenants  map[string]struct{}
	capacity int
}

func NewSet(capacity int) *Set {
	return &Set{tenants: make(map[string]struct{}), capacity: capacity}
}

// Add records tenantID as owned. Returns false if the set is at capacity.
// Adding an already owned tenant succeeds.
func (s *Set) Add(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; ok {
		return true
	}
	if len(s.tenants) >= s.capacity {
		return false
	}
	s.tenants[tenantID] = struct{}{}
	return true
}

// Remove drops tenantID. Returns true if it was owned.
func (s *Set) Remove(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return false
	}
	delete(s.tenants, tenantID)
	return true
}

func (s *Set) Has(tenantID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tenants[tenantID]
	return ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}

func (s *Set) Capacity() int { return s.capacity }

// Full reports whether no more tenants may be added.
func (s *Set) Full() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants) >= s.capacity
}

// Snapshot returns the owned tenant ids, sorted.
func (s *Set) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

package supervisor

// KeyLocks returns the number of per-key mutexes currently tracked.
func KeyLocks(s *Supervisor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

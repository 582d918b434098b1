package agent

import "sync"

// sessionLocks serializes turns per session. Turns for different
// sessions run in parallel; a second turn for an in-flight session
// waits for the first to finish. Locks are never removed; the map
// grows by one mutex per session seen, which is negligible.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire blocks until the session is free and returns the release
// function. Callers must release on every path, including failures.
func (s *sessionLocks) acquire(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

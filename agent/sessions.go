package agent

import "sync"

// SessionLocks tracks which sessions currently have an active run. A
// session admits at most one run at a time; a second concurrent start is
// rejected up front without touching conversation state.
type SessionLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewSessionLocks creates an empty lock table.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{held: make(map[string]bool)}
}

// Acquire claims the run lock for sessionID. It returns ErrConcurrentRun
// if the session already has an active run.
func (s *SessionLocks) Acquire(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[sessionID] {
		return ErrConcurrentRun
	}
	s.held[sessionID] = true
	return nil
}

// Release frees the run lock for sessionID. Releasing an unheld lock is a
// no-op.
func (s *SessionLocks) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, sessionID)
}

// Held reports whether sessionID currently has an active run.
func (s *SessionLocks) Held(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[sessionID]
}

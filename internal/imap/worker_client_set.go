package imap

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// pooledSession wraps a Session with the lock that marks it checked out.
type pooledSession struct {
	session  Session
	mu       sync.Mutex
	lastUsed time.Time
	lastNoop time.Time
}

// sessionSet holds the connections of one account. The semaphore bounds how
// many are checked out at once, and so how many exist.
type sessionSet struct {
	sessions  []*pooledSession
	semaphore chan struct{}
	breaker   *gobreaker.CircuitBreaker
	mu        sync.Mutex
	// closed is set once the pool dropped the set. A checkout that grabbed the
	// set before that must not use it.
	closed bool
}

// takeIdle returns a connection nobody holds, locked, or nil.
// The caller must already own a semaphore slot.
func (s *sessionSet) takeIdle() *pooledSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ps := range s.sessions {
		if ps.mu.TryLock() {
			return ps
		}
	}
	return nil
}

func (s *sessionSet) add(ps *pooledSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, ps)
}

func (s *sessionSet) remove(ps *pooledSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.sessions {
		if c == ps {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return
		}
	}
}

func (s *sessionSet) snapshot() []*pooledSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pooledSession(nil), s.sessions...)
}

func (s *sessionSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// close logs out idle connections. Checked-out ones are logged out by their
// release once they see the set is gone.
func (s *sessionSet) close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.closed = true
	s.mu.Unlock()

	for _, ps := range sessions {
		if ps.mu.TryLock() {
			_ = ps.session.Logout()
			ps.mu.Unlock()
		}
	}
}

// retireIfUnused closes the set when it has no connections and no taken slots.
func (s *sessionSet) retireIfUnused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) > 0 || len(s.semaphore) > 0 {
		return false
	}
	s.closed = true
	return true
}

func (s *sessionSet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sessionSet) contains(ps *pooledSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.sessions {
		if c == ps {
			return true
		}
	}
	return false
}

package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/lem/heap"
)

// Session keeps a block pool alive between runs. Blocks bound by one run
// are visible to the next run in the same session. Sessions live in memory
// only.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	worker   *PoolWorker
	lastUsed atomic.Int64 // unix nanoseconds
}

// Pool returns the session's block pool.
func (s *Session) Pool() *heap.Pool {
	return s.worker.Pool()
}

// LastUsed returns the time of the most recent lookup of the session.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

// SessionStore manages sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	newPool  func() *heap.Pool
	now      func() time.Time
}

// NewSessionStore creates a session store. newPool supplies the pool of each
// new session.
func NewSessionStore(newPool func() *heap.Pool) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		newPool:  newPool,
		now:      time.Now,
	}
}

// Create creates a new session with an optional name.
func (s *SessionStore) Create(name string) *Session {
	session := &Session{
		ID:      uuid.NewString(),
		Name:    name,
		Created: s.now(),
		worker:  NewPoolWorker(s.newPool()),
	}
	session.touch(session.Created)

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.Debugf("session %s opened (%q)", session.ID, name)
	return session
}

// Get retrieves a session by ID and marks it as used.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if ok {
		session.touch(s.now())
	}
	return session, ok
}

// Destroy removes a session and stops its worker. It reports whether the
// session existed.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		session.worker.Stop()
		log.Debugf("session %s closed", id)
	}
	return ok
}

// Len returns the number of open sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep destroys sessions unused for longer than ttl and returns how many
// were removed.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	var expired []string
	s.mu.RLock()
	for id, session := range s.sessions {
		if session.LastUsed().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if s.Destroy(id) {
			n++
		}
	}
	if n > 0 {
		log.Infof("swept %d idle sessions", n)
	}
	return n
}

// StartSweeper runs Sweep every interval until the returned function is
// called.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Close destroys every session.
func (s *SessionStore) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Destroy(id)
	}
}

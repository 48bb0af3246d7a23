package session

import (
	"log/slog"
	"sync"
	"time"
)

// Store is the process-wide session registry. It is the only mutable shared
// structure in the system: the registry map is guarded by mu, and each
// identity additionally owns a mutex that serializes all engine work for that
// identity. Cross-identity operations never share a lock.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock acquires the per-identity mutex and returns its unlock function. Two
// near-simultaneous events for the same identity are serialized here so state
// transitions cannot interleave.
func (s *Store) Lock(identity string) func() {
	s.mu.Lock()
	m, ok := s.locks[identity]
	if !ok {
		m = &sync.Mutex{}
		s.locks[identity] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Get returns the live session for an identity, if any. Callers must hold the
// identity lock before acting on the result.
func (s *Store) Get(identity string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	return sess, ok
}

// Put registers a session for its identity, replacing any existing one.
func (s *Store) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Identity] = sess
	slog.Debug("SessionStore.Put: session registered", "identity", sess.Identity, "survey", sess.Survey.Name)
}

// Delete destroys the session for an identity.
func (s *Store) Delete(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, identity)
	slog.Debug("SessionStore.Delete: session removed", "identity", identity)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Summary is a read-only view of a session for sweeps and the admin API.
type Summary struct {
	Identity          string    `json:"identity"`
	Survey            string    `json:"survey"`
	CurrentQuestionID string    `json:"current_question_id"`
	Status            string    `json:"status"`
	Answered          int       `json:"answered"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Snapshot returns summaries of all live sessions. The summaries are copies;
// acting on one still requires taking the identity lock and re-fetching.
func (s *Store) Snapshot() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			Identity:          sess.Identity,
			Survey:            sess.Survey.Name,
			CurrentQuestionID: sess.CurrentQuestionID,
			Status:            sess.Status,
			Answered:          len(sess.answers),
			CreatedAt:         sess.CreatedAt,
			LastActivityAt:    sess.LastActivityAt,
		})
	}
	return out
}

package verify

import (
	"sync"
	"time"
)

// SessionStore tracks issued CAPTCHA sessions in memory. Sessions have a
// bounded lifetime and are redeemed exactly once; nothing here survives a
// process restart, by the protocol's design the caller simply requests a
// fresh challenge.
type SessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time // session id -> expiry
	now     func() time.Time
}

// NewSessionStore creates a session store. maxPending bounds memory use when
// challenges are requested but never submitted.
func NewSessionStore(ttl time.Duration, maxPending int) *SessionStore {
	return &SessionStore{
		ttl:     ttl,
		max:     maxPending,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Put registers a freshly issued session. Returns false when the store is
// full of live sessions.
func (s *SessionStore) Put(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purge(now)
	if len(s.entries) >= s.max {
		return false
	}
	s.entries[sessionID] = now.Add(s.ttl)
	return true
}

// Redeem consumes a session. It returns true exactly once per live session;
// unknown, expired, and already-redeemed session IDs all return false.
func (s *SessionStore) Redeem(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[sessionID]
	if !ok {
		return false
	}
	delete(s.entries, sessionID)
	return s.now().Before(expiry)
}

// Len reports the number of tracked sessions, expired ones included until
// the next sweep.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SessionStore) purge(now time.Time) {
	for id, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, id)
		}
	}
}

package data

import (
	"sync"
	"time"
)

// Sessions keeps the live comparison sessions of a running server.
type Sessions struct {
	catalog *Catalog
	config  SessionConfig
	idle    time.Duration

	mu   sync.RWMutex
	byID map[string]*Session
}

// NewSessions creates an empty session set. Sessions idle for longer than
// idle are dropped by Prune; zero keeps them forever.
func NewSessions(catalog *Catalog, config SessionConfig, idle time.Duration) *Sessions {
	return &Sessions{
		catalog: catalog,
		config:  config,
		idle:    idle,
		byID:    make(map[string]*Session),
	}
}

// Create starts a new session for userID.
func (s *Sessions) Create(userID string) (*Session, error) {
	sess, err := NewSession(s.catalog, UserID(userID), s.config)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.ID()] = sess
	return sess, nil
}

// Get returns a live session.
func (s *Sessions) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete forgets a session.
func (s *Sessions) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Prune drops sessions idle since before now-idle and returns how many were dropped.
func (s *Sessions) Prune(now time.Time) int {
	if s.idle <= 0 {
		return 0
	}
	cutoff := now.Add(-s.idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.byID {
		if sess.UpdatedAt().Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

// Package store is the concurrency-safe in-memory registry of active
// exam sessions. It is the only shared mutable state in the core: every
// hypervisor call happens outside its lock.
package store

import (
	"sync"
	"time"

	"github.com/examforge/vmlab-control-plane/internal/model"
)

type Store struct {
	mu       sync.Mutex
	sessions map[string]model.ExamSession
}

func New() *Store {
	return &Store{sessions: make(map[string]model.ExamSession)}
}

// Put inserts or overwrites a session by its identifier.
func (s *Store) Put(sess model.ExamSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Store) Get(sessionID string) (model.ExamSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Remove atomically looks up and deletes a session. At most one caller
// observes ok=true for a given id; this is what makes explicit end and
// expiry sweep exactly-once per session.
func (s *Store) Remove(sessionID string) (model.ExamSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	return sess, ok
}

// SweepExpired atomically removes every session created more than maxAge
// ago and returns the removed sessions so the caller can tear down their
// VMs.
func (s *Store) SweepExpired(maxAge time.Duration) []model.ExamSession {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []model.ExamSession
	for id, sess := range s.sessions {
		if sess.CreatedAt.Before(cutoff) {
			removed = append(removed, sess)
			delete(s.sessions, id)
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

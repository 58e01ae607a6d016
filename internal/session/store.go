package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fruitsalade/filegate/internal/archive"
	"github.com/fruitsalade/filegate/internal/catalog"
	"github.com/fruitsalade/filegate/internal/logging"
	"github.com/fruitsalade/filegate/internal/metrics"
)

// Store keeps the live sessions of this process, keyed by session ID.
// Sessions are independent: authenticating one never affects another.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Gate
	svc      *services
}

// NewStore creates a session store. maxJobs bounds how many listings and
// archive builds run at once across all sessions.
func NewStore(verifier Verifier, cat *catalog.Catalog, arch *archive.Archiver, maxJobs int) *Store {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Store{
		sessions: make(map[string]*Gate),
		svc: &services{
			verifier: verifier,
			catalog:  cat,
			archiver: arch,
			jobs:     semaphore.NewWeighted(int64(maxJobs)),
		},
	}
}

// Create starts a new Unauthenticated session.
func (s *Store) Create() *Gate {
	g := newGate(uuid.NewString(), s.svc)

	s.mu.Lock()
	s.sessions[g.id] = g
	n := len(s.sessions)
	s.mu.Unlock()

	metrics.SetActiveSessions(n)
	logging.Debug("session created", zap.String("session_id", g.id))
	return g
}

// Get returns the session with the given ID.
func (s *Store) Get(id string) (*Gate, bool) {
	s.mu.RLock()
	g, ok := s.sessions[id]
	s.mu.RUnlock()
	return g, ok
}

// Delete forgets a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	metrics.SetActiveSessions(n)
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Cleanup removes sessions idle for longer than maxIdle and returns how
// many were removed.
func (s *Store) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	removed := 0
	for id, g := range s.sessions {
		if g.LastActive().Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	metrics.SetActiveSessions(n)
	return removed
}

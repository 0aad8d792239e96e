// Package reqsession implements the session store described in spec.md
// §4.2: creation with LRU eviction, variable/cookie mutation under a
// per-session chained-future lock, a TTL sweeper, and redaction-on-read.
// The map/ticker shape follows the teacher's sessions.Manager; the
// per-entity serialization primitive generalizes the teacher's
// sessions.SessionQueue channel-signaling idiom from a global admission
// queue into a per-session FIFO mutex.
package reqsession

import (
	"context"
	"sync"
	"time"

	"github.com/treqd/treqd/internal/apierr"
)

const (
	// DefaultTTL is the default idle timeout before TTL sweep (spec.md §4.2).
	DefaultTTL = 30 * time.Minute
	// sweepInterval is the TTL sweeper's fixed tick (spec.md §4.2).
	sweepInterval = 60 * time.Second
)

// UpdateEvent is returned by UpdateVariables so callers can decide
// whether to emit a sessionUpdated event.
type UpdateEvent struct {
	SnapshotVersion   int64
	VariablesChanged  bool
	CookiesChanged    bool
}

// Store is the shared, concurrency-safe session store owned by the
// Service.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	ttl         time.Duration

	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Store with the given capacity and TTL. ttl <= 0 uses
// DefaultTTL.
func New(maxSessions int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the TTL sweeper goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Store) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastUsedAt()) > s.ttl {
			delete(s.sessions, id)
		}
	}
}

// Create allocates a new session, evicting the LRU entry first if the
// store is at capacity (spec.md §4.2 LRU eviction).
func (s *Store) Create(initialVars map[string]any) *Session {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		s.evictLRULocked()
	}

	id := NewID(now)
	for {
		if _, exists := s.sessions[id]; !exists {
			break
		}
		id = NewID(now)
	}
	sess := newSession(id, initialVars, now)
	s.sessions[id] = sess
	return sess
}

// evictLRULocked deletes the session with the smallest lastUsedAt. Caller
// must hold s.mu.
func (s *Store) evictLRULocked() {
	var lruID string
	var lruAt time.Time
	first := true
	for id, sess := range s.sessions {
		last := sess.LastUsedAt()
		if first || last.Before(lruAt) {
			lruID, lruAt = id, last
			first = false
		}
	}
	if lruID != "" {
		delete(s.sessions, lruID)
	}
}

// Get looks up a session by id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "session not found: "+id)
	}
	return sess, nil
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return apierr.New(apierr.CodeSessionNotFound, "session not found: "+id)
	}
	delete(s.sessions, id)
	return nil
}

// WithLock acquires the session's chained-future lock for the duration of
// fn, serializing it against any other in-flight operation on the same
// session (spec.md §4.2 invariant: at most one in-flight execute or
// variable update per session).
func (s *Store) WithLock(ctx context.Context, id string, fn func(*Session) error) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	unlock, err := sess.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	sess.bumpLastUsed(s.now())
	return fn(sess)
}

// UpdateVariables merges or replaces a session's variables under the
// session lock, bumping snapshotVersion when the variable set changes
// (spec.md §4.2).
func (s *Store) UpdateVariables(ctx context.Context, id string, vars map[string]any, mode string) (UpdateEvent, error) {
	var ev UpdateEvent
	err := s.WithLock(ctx, id, func(sess *Session) error {
		changed := sess.mergeVariables(vars, mode)
		ev = UpdateEvent{SnapshotVersion: sess.SnapshotVersion(), VariablesChanged: changed}
		return nil
	})
	return ev, err
}

// Len reports the current number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

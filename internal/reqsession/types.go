package reqsession

import (
	"fmt"
	"math/rand"
	"reflect"
	"strconv"
	"sync"
	"time"
)

// Session is the server-held bag of variables and a cookie jar described
// by spec.md §3.
type Session struct {
	ID              string
	CreatedAt       time.Time
	lastUsedAt      time.Time
	snapshotVersion int64
	variables       map[string]any
	jar             *CookieJar
	lock            chainedLock

	mu sync.Mutex
}

// newSession allocates a session with the given initial variables and a
// fresh cookie jar. snapshotVersion starts at 1 per spec.md §3.
func newSession(id string, initialVars map[string]any, now time.Time) *Session {
	vars := make(map[string]any, len(initialVars))
	for k, v := range initialVars {
		vars[k] = v
	}
	return &Session{
		ID:              id,
		CreatedAt:       now,
		lastUsedAt:      now,
		snapshotVersion: 1,
		variables:       vars,
		jar:             newCookieJar(),
	}
}

// LastUsedAt returns the monotonic-bumped last-used timestamp.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// SnapshotVersion returns the session's current snapshot version.
func (s *Session) SnapshotVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotVersion
}

// CookieJar exposes the session's cookie-store capability to the engine.
func (s *Session) CookieJar() *CookieJar {
	return s.jar
}

// bumpLastUsed implements spec.md §4.2's monotonic bump rule:
// lastUsedAt := max(now(), prev+1).
func (s *Session) bumpLastUsed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.After(s.lastUsedAt) {
		now = s.lastUsedAt.Add(time.Nanosecond)
	}
	s.lastUsedAt = now
}

// Variables returns a shallow copy of the session's stored variables,
// without redaction. Use Redact for client-facing reads.
func (s *Session) Variables() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// mergeVariables applies mode∈{merge,replace} and bumps snapshotVersion
// when the resulting set differs observably, returning whether a mutation
// was observed.
func (s *Session) mergeVariables(vars map[string]any, mode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := mode == "replace" && len(s.variables) != len(vars)
	for k, v := range vars {
		if old, ok := s.variables[k]; !ok || !reflect.DeepEqual(old, v) {
			changed = true
		}
	}
	switch mode {
	case "replace":
		s.variables = make(map[string]any, len(vars))
		for k, v := range vars {
			s.variables[k] = v
		}
	default: // merge
		for k, v := range vars {
			s.variables[k] = v
		}
	}
	if changed {
		s.snapshotVersion++
	}
	return changed
}

// bumpSnapshot increments snapshotVersion, used when cookies change from
// an execute call (spec.md §4.4 step 8).
func (s *Session) bumpSnapshot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotVersion++
	return s.snapshotVersion
}

// BumpSnapshotVersion is the exported form of bumpSnapshot, called by the
// service layer after observing a cookie-jar mutation during execute.
func (s *Session) BumpSnapshotVersion() int64 {
	return s.bumpSnapshot()
}

// NewID generates the opaque session identity described by spec.md §3:
// timestamp-base36 plus a random suffix.
func NewID(now time.Time) string {
	return fmt.Sprintf("%s%s", strconv.FormatInt(now.UnixNano(), 36), randSuffix(6))
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

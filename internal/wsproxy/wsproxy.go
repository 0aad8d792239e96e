// Package wsproxy implements the WebSocket session manager of spec.md
// §4.8: it opens an upstream connection per session, proxies frames
// bidirectionally the way the teacher's websocket.Proxy pumps messages
// between two *websocket.Conn values, and records every inbound/outbound
// frame into a bounded replay ring so a reconnecting client can catch up.
package wsproxy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/treqd/treqd/internal/apierr"
)

// EnvelopeType names the kinds of events a WS-session emits.
type EnvelopeType string

const (
	EventOutbound  EnvelopeType = "session.outbound"
	EventInbound   EnvelopeType = "session.inbound"
	EventError     EnvelopeType = "session.error"
	EventClosed    EnvelopeType = "session.closed"
	EventReplayEnd EnvelopeType = "session.replay.end"
)

// Envelope is one recorded or emitted WS-session event.
type Envelope struct {
	Type      EnvelopeType   `json:"type"`
	WSSession string         `json:"wsSessionId"`
	Seq       int64          `json:"seq"`
	Payload   any            `json:"payload,omitempty"`
	Code      apierr.Code    `json:"code,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	WasClean  bool           `json:"wasClean,omitempty"`
	At        time.Time      `json:"at"`
}

const (
	defaultReplayBufferSize = 100
	defaultIdleTimeout      = 5 * time.Minute
)

// OpenOptions parameterizes Open, per spec.md §4.8.
type OpenOptions struct {
	UpstreamURL      string
	FlowID           string
	ReqExecID        string
	ReplayBufferSize int
	IdleTimeout      time.Duration
}

type session struct {
	id     string
	conn   *websocket.Conn
	opts   OpenOptions
	mu     sync.Mutex
	seq    int64
	buf    []Envelope
	closed bool

	lastActivityAt time.Time
}

// Manager tracks open WS-sessions, enforcing maxWsSessions and sweeping
// idle sessions, per spec.md §4.8 and §5.
type Manager struct {
	maxSessions int
	sweepEvery  time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	dial func(url string) (*websocket.Conn, error)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// DialFunc lets tests substitute a fake upstream dialer.
type DialFunc func(url string) (*websocket.Conn, error)

func defaultDial(url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

func New(maxSessions int, dial DialFunc) *Manager {
	if dial == nil {
		dial = defaultDial
	}
	m := &Manager{
		maxSessions: maxSessions,
		sweepEvery:  30 * time.Second,
		sessions:    make(map[string]*session),
		dial:        dial,
		stopCh:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Open dials the upstream and registers a new WS-session.
func (m *Manager) Open(opts OpenOptions) (*Envelope, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, apierr.New(apierr.CodeWSSessionLimitReached, "maximum websocket session count reached")
	}
	m.mu.Unlock()

	conn, err := m.dial(opts.UpstreamURL)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeExecuteError, err)
	}

	if opts.ReplayBufferSize <= 0 {
		opts.ReplayBufferSize = defaultReplayBufferSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	s := &session{
		id:             uuid.NewString(),
		conn:           conn,
		opts:           opts,
		lastActivityAt: time.Now(),
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1013, "session limit reached"), time.Now().Add(time.Second))
		_ = conn.Close()
		return nil, apierr.New(apierr.CodeWSSessionLimitReached, "maximum websocket session count reached")
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	go m.pumpUpstream(s)

	return &Envelope{Type: EventOutbound, WSSession: s.id, Seq: 1, At: time.Now()}, nil
}

// pumpUpstream reads upstream frames and records them as inbound events.
func (m *Manager) pumpUpstream(s *session) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			m.closeSession(s, 1006, "upstream read error", false)
			return
		}
		s.mu.Lock()
		s.lastActivityAt = time.Now()
		s.mu.Unlock()

		if msgType == websocket.BinaryMessage {
			m.record(s, Envelope{Type: EventError, Code: apierr.CodeWSBinaryUnsupported})
			continue
		}
		var payload any
		_ = json.Unmarshal(data, &payload)
		m.record(s, Envelope{Type: EventInbound, Payload: payload})
	}
}

// Send forwards a message to the upstream and records the outbound frame.
func (m *Manager) Send(wsSessionID string, msgType string, payload any) (*Envelope, error) {
	s, err := m.get(wsSessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apierr.New(apierr.CodeWSSessionNotFound, "websocket session is closed")
	}

	raw, _ := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return nil, apierr.Wrap(apierr.CodeExecuteError, err)
	}
	s.lastActivityAt = time.Now()
	env := m.recordLocked(s, Envelope{Type: EventOutbound, Payload: payload})
	return &env, nil
}

// RecordInbound records a frame observed from outside the upstream pump
// (used when the upstream transport is driven by the caller, e.g. tests).
func (m *Manager) RecordInbound(wsSessionID string, payload any) (*Envelope, error) {
	s, err := m.get(wsSessionID)
	if err != nil {
		return nil, err
	}
	env := m.record(s, Envelope{Type: EventInbound, Payload: payload})
	return &env, nil
}

// Close tears down a WS-session and removes it from the manager.
func (m *Manager) Close(wsSessionID string, code int, reason string) (*Envelope, error) {
	s, err := m.get(wsSessionID)
	if err != nil {
		return nil, err
	}
	env := m.closeSession(s, code, reason, true)
	return &env, nil
}

func (m *Manager) closeSession(s *session, code int, reason string, wasClean bool) Envelope {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Envelope{}
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = s.conn.Close()

	env := m.record(s, Envelope{Type: EventClosed, Reason: reason, WasClean: wasClean})

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	return env
}

// Replay returns buffered envelopes with seq > afterSeq, terminated by a
// replay.end marker, per spec.md §4.8.
func (m *Manager) Replay(wsSessionID string, afterSeq int64) ([]Envelope, error) {
	s, err := m.get(wsSessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) > 0 && afterSeq < s.buf[0].Seq-1 {
		return []Envelope{
			{Type: EventError, WSSession: s.id, Code: apierr.CodeWSReplayGap, At: time.Now()},
			{Type: EventReplayEnd, WSSession: s.id, At: time.Now()},
		}, nil
	}

	var out []Envelope
	for _, e := range s.buf {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	out = append(out, Envelope{Type: EventReplayEnd, WSSession: s.id, At: time.Now()})
	return out, nil
}

func (m *Manager) get(wsSessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[wsSessionID]
	if !ok {
		return nil, apierr.New(apierr.CodeWSSessionNotFound, fmt.Sprintf("websocket session %q not found", wsSessionID))
	}
	return s, nil
}

func (m *Manager) record(s *session, e Envelope) Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.recordLocked(s, e)
}

// recordLocked appends e to the ring buffer and assigns a monotonic seq.
// Callers must hold s.mu.
func (m *Manager) recordLocked(s *session, e Envelope) Envelope {
	s.seq++
	e.Seq = s.seq
	e.WSSession = s.id
	e.At = time.Now()

	s.buf = append(s.buf, e)
	if over := len(s.buf) - s.opts.ReplayBufferSize; over > 0 {
		s.buf = s.buf[over:]
	}
	return e
}

// sweepLoop periodically closes sessions idle longer than their
// configured timeout, per spec.md §4.8.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.Lock()
	var stale []*session
	now := time.Now()
	for _, s := range m.sessions {
		s.mu.Lock()
		idleFor := now.Sub(s.lastActivityAt)
		timeout := s.opts.IdleTimeout
		s.mu.Unlock()
		if idleFor > timeout {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.closeSession(s, 1001, "idle timeout", true)
	}
}

// Stop halts the idle sweeper; safe to call once at shutdown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Count returns the number of currently open WS-sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

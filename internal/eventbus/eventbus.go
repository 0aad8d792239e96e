// Package eventbus implements the in-memory pub/sub event bus described by
// the request-execution service: monotonic per-runId sequence numbers, a
// bounded replay ring buffer, and filtered, non-blocking delivery to
// subscribers. The fan-out shape (buffered per-subscriber channel, drop on
// full) is the same one the teacher repo uses for its session recorders.
package eventbus

import (
	"math/rand"
	"sync"
	"time"
)

// Envelope is the outer event record carrying type/seq/ids plus payload.
type Envelope struct {
	Type      string         `json:"type"`
	Ts        time.Time      `json:"ts"`
	RunID     string         `json:"runId"`
	SessionID string         `json:"sessionId,omitempty"`
	FlowID    string         `json:"flowId,omitempty"`
	ReqExecID string         `json:"reqExecId,omitempty"`
	Seq       int64          `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter restricts delivery to envelopes matching the given ids. A zero
// value of a field means "don't filter on this field".
type Filter struct {
	SessionID string
	FlowID    string
}

func (f Filter) matches(e Envelope) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.FlowID != "" && f.FlowID != e.FlowID {
		return false
	}
	return true
}

// Event is what producers hand to Emit. Seq is honored verbatim when
// non-zero (flow-scoped events supply their own producer-assigned seq);
// otherwise the bus assigns the next value for the envelope's runId.
type Event struct {
	Type      string
	RunID     string
	SessionID string
	FlowID    string
	ReqExecID string
	Seq       int64
	Payload   map[string]any
}

const (
	defaultReplayBufferSize = 500
	subscriberBufSize       = 64
	runIDTTL                = 5 * time.Minute
)

type runState struct {
	seq      int64
	lastUsed time.Time
}

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan Envelope
}

// Bus is the shared, thread-safe event bus owned by the Service.
type Bus struct {
	mu             sync.Mutex
	runs           map[string]*runState
	ring           []Envelope
	ringCap        int
	subs           map[uint64]*subscriber
	nextSubID      uint64
	emitsSinceGC   int
}

// New creates a Bus with the given replay ring buffer capacity (spec.md
// §4.1 default 500).
func New(replayBufferSize int) *Bus {
	if replayBufferSize <= 0 {
		replayBufferSize = defaultReplayBufferSize
	}
	return &Bus{
		runs:    make(map[string]*runState),
		ringCap: replayBufferSize,
		subs:    make(map[uint64]*subscriber),
	}
}

// Subscribe registers a new subscriber matching filter and returns its id
// plus a receive-only channel of delivered envelopes. The caller must call
// Unsubscribe to release resources.
func (b *Bus) Subscribe(filter Filter) (uint64, <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	ch := make(chan Envelope, subscriberBufSize)
	b.subs[id] = &subscriber{id: id, filter: filter, ch: ch}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once for the same id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Emit constructs an envelope per spec.md §4.1 step 1, appends it to the
// replay buffer, and dispatches it to matching subscribers without
// blocking (a full subscriber channel silently drops that one envelope).
func (b *Bus) Emit(ev Event) Envelope {
	b.mu.Lock()

	now := time.Now().UTC()
	seq := ev.Seq
	if seq == 0 {
		rs, ok := b.runs[ev.RunID]
		if !ok {
			rs = &runState{}
			b.runs[ev.RunID] = rs
		}
		rs.seq++
		rs.lastUsed = now
		seq = rs.seq
	} else if rs, ok := b.runs[ev.RunID]; ok {
		rs.lastUsed = now
		if seq > rs.seq {
			rs.seq = seq
		}
	} else {
		b.runs[ev.RunID] = &runState{seq: seq, lastUsed: now}
	}

	env := Envelope{
		Type:      ev.Type,
		Ts:        now,
		RunID:     ev.RunID,
		SessionID: ev.SessionID,
		FlowID:    ev.FlowID,
		ReqExecID: ev.ReqExecID,
		Seq:       seq,
		Payload:   ev.Payload,
	}

	b.ring = append(b.ring, env)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}

	b.maybeGC(now)

	// Snapshot subscribers under the lock, dispatch outside of it so a
	// blocked/slow subscriber never holds up Emit's critical section.
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(env) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		default:
			// subscriber's channel is full; drop for this subscriber only.
		}
	}

	return env
}

// Replay returns, in buffer order, envelopes matching filter with
// seq > afterSeq.
func (b *Bus) Replay(filter Filter, afterSeq int64) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, 0)
	for _, env := range b.ring {
		if env.Seq > afterSeq && filter.matches(env) {
			out = append(out, env)
		}
	}
	return out
}

// CloseAll closes every subscriber channel, used on service shutdown.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// maybeGC probabilistically (~1% of emits once >100 runId entries exist)
// removes runId state untouched for 5 minutes, per spec.md §4.1 Cleanup.
// Caller must hold b.mu.
func (b *Bus) maybeGC(now time.Time) {
	if len(b.runs) <= 100 {
		return
	}
	if rand.Intn(100) != 0 {
		return
	}
	for runID, rs := range b.runs {
		if now.Sub(rs.lastUsed) > runIDTTL {
			delete(b.runs, runID)
		}
	}
}

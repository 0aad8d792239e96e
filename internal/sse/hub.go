// Package sse serves the GET /event endpoint: a filtered, replayable
// stream of event-bus envelopes framed per the SSE grammar. The
// connection-registry/fan-out shape (buffered per-client channel,
// heartbeat ticker, non-blocking send) is carried over from the
// teacher's session-events Hub, rewired from session lifecycle events
// and JWT users onto eventbus envelopes and the authn trust boundary.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/treqd/treqd/internal/authn"
	"github.com/treqd/treqd/internal/eventbus"
)

const heartbeatInterval = 30 * time.Second

// Hub serves /event by subscribing each connection to the bus and
// streaming matching envelopes as they arrive.
type Hub struct {
	bus *eventbus.Bus
	ac  *authn.Authenticator
}

// NewHub creates an SSE hub over bus, enforcing ac's trust boundary and
// script-token scope rules on every connection.
func NewHub(bus *eventbus.Bus, ac *authn.Authenticator) *Hub {
	return &Hub{bus: bus, ac: ac}
}

// ServeHTTP implements GET /event: query sessionId?, flowId?, afterSeq?.
// When a server token is configured, sessionId or flowId is mandatory so
// anonymous callers cannot enumerate the whole bus.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	flowID := r.URL.Query().Get("flowId")

	ac, err := h.ac.Evaluate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := authn.RequireScope(ac, flowID, sessionID); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if h.ac.TokenConfigured() && sessionID == "" && flowID == "" {
		http.Error(w, "sessionId or flowId is required", http.StatusBadRequest)
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("afterSeq"); v != "" {
		afterSeq, _ = strconv.ParseInt(v, 10, 64)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	filter := eventbus.Filter{SessionID: sessionID, FlowID: flowID}
	subID, ch := h.bus.Subscribe(filter)
	defer h.bus.Unsubscribe(subID)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for _, env := range h.bus.Replay(filter, afterSeq) {
		writeEnvelope(w, env)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			writeEnvelope(w, env)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeEnvelope(w http.ResponseWriter, env eventbus.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("sse: failed to marshal envelope", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\nid: %s-%d\ndata: %s\n\n", env.Type, env.RunID, env.Seq, data)
}

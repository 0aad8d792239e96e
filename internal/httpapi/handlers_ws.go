package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/treqd/treqd/internal/apierr"
	"github.com/treqd/treqd/internal/authn"
	"github.com/treqd/treqd/internal/eventbus"
	"github.com/treqd/treqd/internal/ratelimit"
	"github.com/treqd/treqd/internal/wsproxy"
)

// upgrader accepts every Origin. The CORS middleware only adds response
// headers for allowed origins and refuses none, so the handshake is gated
// by the authn middleware applied to the whole mux, not by origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventWS serves GET /event/ws: the same filtered, replayable event
// stream as GET /event, framed as JSON text messages over a WebSocket
// instead of SSE, for clients that prefer a single bidirectional socket.
func (h *handlers) handleEventWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	flowID := r.URL.Query().Get("flowId")

	ac := authn.FromContext(r.Context())
	if err := authn.RequireScope(ac, flowID, sessionID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if h.app.Authn.TokenConfigured() && sessionID == "" && flowID == "" {
		apierr.WriteJSON(w, apierr.New(apierr.CodeValidationError, "sessionId or flowId is required"))
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("afterSeq"); v != "" {
		afterSeq = parseInt64(v)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	filter := eventbus.Filter{SessionID: sessionID, FlowID: flowID}
	subID, ch := h.app.Bus().Subscribe(filter)
	defer h.app.Bus().Unsubscribe(subID)

	for _, env := range h.app.Bus().Replay(filter, afterSeq) {
		if conn.WriteJSON(env) != nil {
			return
		}
	}

	go drainIncoming(conn)

	heartbeat := time.NewTicker(30 * time.Second)
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
			if conn.WriteJSON(env) != nil {
				return
			}
		case <-heartbeat.C:
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// drainIncoming discards client-sent frames on a read-only stream so the
// connection's read deadline/pong handling keeps working, without the
// handler blocking on writes.
func drainIncoming(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type executeWSRequest struct {
	UpstreamURL      string `json:"upstreamUrl"`
	FlowID           string `json:"flowId"`
	ReqExecID        string `json:"reqExecId"`
	ReplayBufferSize int    `json:"replayBufferSize"`
	IdleTimeoutMs    int    `json:"idleTimeoutMs"`
}

// handleExecuteWS serves POST /execute/ws: it opens a proxied upstream
// WebSocket connection and hands the caller a wsSessionId to attach to via
// GET /ws/session/{wsSessionId}. The request carries no sessionId, so a
// script token is checked against its flow scope only.
func (h *handlers) handleExecuteWS(w http.ResponseWriter, r *http.Request) {
	var req executeWSRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	ac := authn.FromContext(r.Context())
	if err := authn.RequireFlowScope(ac, req.FlowID); err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if h.app.WSOpenRL != nil && !h.app.WSOpenRL.Allow(ratelimitKey(r, ac)) {
		apierr.WriteJSON(w, apierr.New(apierr.CodeWSSessionLimitReached, "websocket open rate limit exceeded"))
		return
	}
	if h.app.WS == nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeExecuteError, "websocket proxying is not configured"))
		return
	}

	env, err := h.app.WS.Open(wsproxy.OpenOptions{
		UpstreamURL:      req.UpstreamURL,
		FlowID:           req.FlowID,
		ReqExecID:        req.ReqExecID,
		ReplayBufferSize: req.ReplayBufferSize,
		IdleTimeout:      time.Duration(req.IdleTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wsSessionId": env.WSSession})
}

// handleWSSession serves GET /ws/session/{wsSessionId}: it upgrades the
// caller's connection, replays everything recorded so far, then bridges
// new client frames to the upstream (via Send) and polls for newly
// recorded frames to forward back to the client.
func (h *handlers) handleWSSession(w http.ResponseWriter, r *http.Request) {
	wsSessionID := r.PathValue("wsSessionId")
	if h.app.WS == nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeWSSessionNotFound, "websocket proxying is not configured"))
		return
	}

	var afterSeq int64
	if v := r.URL.Query().Get("afterSeq"); v != "" {
		afterSeq = parseInt64(v)
	}
	envs, err := h.app.WS.Replay(wsSessionID, afterSeq)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	lastSeq := afterSeq
	for _, env := range envs {
		if env.Seq > lastSeq {
			lastSeq = env.Seq
		}
		if conn.WriteJSON(env) != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Type    string `json:"type"`
				Payload any    `json:"payload"`
			}
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			if _, err := h.app.WS.Send(wsSessionID, frame.Type, frame.Payload); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-poll.C:
			fresh, err := h.app.WS.Replay(wsSessionID, lastSeq)
			if err != nil {
				return
			}
			for _, env := range fresh {
				if env.Type == wsproxy.EventReplayEnd {
					continue
				}
				if env.Seq > lastSeq {
					lastSeq = env.Seq
				}
				if conn.WriteJSON(env) != nil {
					return
				}
			}
		}
	}
}

func ratelimitKey(r *http.Request, ac *authn.Context) string {
	if ac != nil && ac.ScriptPayload != nil {
		return "script:" + ac.ScriptPayload.JTI
	}
	return ratelimit.ClientIP(r)
}

func parseInt64(s string) int64 {
	var v int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + int64(c-'0')
	}
	return v
}

// Package hooks models the plugin hook system of spec.md §9: named hook
// points injected at construction, with per-hook failure isolation. Where
// the teacher's plugins.Registry keeps a name-keyed factory map plus a set
// of active instances, the registry here is a plain list of hooks, each
// declaring which of the five request lifecycle points of a .http
// execution it subscribes to.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Point names a stage in the execution lifecycle a hook may observe.
type Point string

const (
	PointRequestBefore Point = "request.before"
	PointResponseAfter Point = "response.after"
	PointValidate      Point = "validate"
	PointSetup         Point = "setup"
	PointTeardown      Point = "teardown"
)

// RequestContext is passed to request.before/response.after/validate hooks.
type RequestContext struct {
	SessionID string
	FlowID    string
	ReqExecID string
	Method    string
	URL       string
	Headers   map[string]string
	Body      []byte
	Status    int
}

// Hook is implemented by plugins that want to observe or veto a stage of
// request execution.
type Hook interface {
	Name() string
	Points() []Point
	Run(ctx context.Context, point Point, rc *RequestContext) error
}

// Record is the outcome of one hook invocation, as returned by Run.
// Service.Execute discards the records Run returns, so no execution
// carries hook records.
type Record struct {
	Hook     string        `json:"hook"`
	Point    Point         `json:"point"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// Registry holds the hooks active for this service instance. Unlike the
// teacher's Registry, there is no single active slot per type: any number
// of hooks may subscribe to any point, and each runs independently.
type Registry struct {
	mu    sync.RWMutex
	hooks []Hook
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a hook. It takes the registry's write lock, so it may run
// concurrently with Run; a Run already in progress keeps the hook list it
// copied when it started.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Run invokes every hook subscribed to point, in registration order,
// catching per-hook failures so the surrounding execute still completes.
func (r *Registry) Run(ctx context.Context, point Point, rc *RequestContext) []Record {
	r.mu.RLock()
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	var records []Record
	for _, h := range hooks {
		if !subscribes(h, point) {
			continue
		}
		records = append(records, runOne(ctx, h, point, rc))
	}
	return records
}

func runOne(ctx context.Context, h Hook, point Point, rc *RequestContext) (rec Record) {
	rec = Record{Hook: h.Name(), Point: point}
	start := time.Now()
	defer func() {
		rec.Duration = time.Since(start)
		if p := recover(); p != nil {
			rec.Passed = false
			rec.Message = fmt.Sprintf("hook panicked: %v", p)
		}
	}()
	if err := h.Run(ctx, point, rc); err != nil {
		rec.Passed = false
		rec.Message = err.Error()
		return rec
	}
	rec.Passed = true
	return rec
}

func subscribes(h Hook, point Point) bool {
	for _, p := range h.Points() {
		if p == point {
			return true
		}
	}
	return false
}

// AnyFailed reports whether any record in records failed.
func AnyFailed(records []Record) bool {
	for _, r := range records {
		if !r.Passed {
			return true
		}
	}
	return false
}

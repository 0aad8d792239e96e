// Package flow implements the flow/execution tracker of spec.md §4.3:
// grouping executions under a flowId, immutable execution records, and
// finish-time summary computation. The per-flow mutex-guarded map
// follows the same shape as the teacher's session-state validation
// helpers, generalized from session-status transitions to flow lifecycle.
package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treqd/treqd/internal/apierr"
)

// Status is an execution's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ExecutionError carries stage+message per spec.md §3 Execution.
type ExecutionError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Execution is a single request dispatched through the engine.
type Execution struct {
	ReqExecID    string          `json:"reqExecId"`
	Label        string          `json:"label,omitempty"`
	Method       string          `json:"method"`
	URL          string          `json:"url"`
	Status       Status          `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	EndedAt      time.Time       `json:"endedAt,omitempty"`
	DurationMs   int64           `json:"durationMs,omitempty"`
	Error        *ExecutionError `json:"error,omitempty"`
	RecordedAt   time.Time       `json:"recordedAt"`
}

// Summary is computed by FinishFlow from a flow's attached executions.
type Summary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

// Flow groups related executions for observer-style tracing.
type Flow struct {
	ID         string       `json:"id"`
	Label      string       `json:"label,omitempty"`
	SessionID  string       `json:"sessionId,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	ReqExecIDs []string     `json:"reqExecIds"`
	Executions []*Execution `json:"-"`
	Finished   bool         `json:"finished"`
	Summary    *Summary     `json:"summary,omitempty"`

	mu  sync.Mutex
	seq int64
}

// NextSeq returns the next flow-scoped sequence number, supplied by the
// producer per spec.md §4.3 ("flow-scoped events... use a flow-scoped seq
// supplied by the producer").
func (f *Flow) NextSeq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

// Store owns the flow map. Per-flow mutations are serialized by each
// Flow's own mutex; inter-flow operations run in parallel (spec.md §5).
type Store struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

func New() *Store {
	return &Store{flows: make(map[string]*Flow)}
}

// CreateFlow allocates a new flow.
func (s *Store) CreateFlow(sessionID, label string) *Flow {
	f := &Flow{
		ID:         uuid.NewString(),
		Label:      label,
		SessionID:  sessionID,
		CreatedAt:  time.Now().UTC(),
		ReqExecIDs: []string{},
	}
	s.mu.Lock()
	s.flows[f.ID] = f
	s.mu.Unlock()
	return f
}

// Get looks up a flow by id.
func (s *Store) Get(id string) (*Flow, error) {
	s.mu.RLock()
	f, ok := s.flows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.CodeFlowNotFound, "flow not found: "+id)
	}
	return f, nil
}

// AttachExecution appends an execution to a flow, rejecting if the flow
// is already finished (spec.md §4.3 invariant).
func (s *Store) AttachExecution(flowID string, exec *Execution) error {
	f, err := s.Get(flowID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Finished {
		return apierr.New(apierr.CodeFlowFinished, "flow already finished: "+flowID)
	}
	f.Executions = append(f.Executions, exec)
	f.ReqExecIDs = append(f.ReqExecIDs, exec.ReqExecID)
	return nil
}

// GetExecution returns a specific execution from a flow.
func (s *Store) GetExecution(flowID, reqExecID string) (*Execution, error) {
	f, err := s.Get(flowID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.Executions {
		if e.ReqExecID == reqExecID {
			return e, nil
		}
	}
	return nil, apierr.New(apierr.CodeExecutionNotFound, "execution not found: "+reqExecID)
}

// FinishFlow computes the summary and marks the flow immutable
// (spec.md §4.3).
func (s *Store) FinishFlow(flowID string) (*Flow, error) {
	f, err := s.Get(flowID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Finished {
		return f, nil
	}
	var earliest, latest time.Time
	summary := &Summary{Total: len(f.Executions)}
	for i, e := range f.Executions {
		switch e.Status {
		case StatusSuccess:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		}
		if i == 0 || e.StartedAt.Before(earliest) {
			earliest = e.StartedAt
		}
		if i == 0 || e.EndedAt.After(latest) {
			latest = e.EndedAt
		}
	}
	if len(f.Executions) > 0 {
		summary.DurationMs = latest.Sub(earliest).Milliseconds()
	}
	f.Summary = summary
	f.Finished = true
	return f, nil
}

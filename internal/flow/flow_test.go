package flow

import (
	"testing"
	"time"

	"github.com/treqd/treqd/internal/apierr"
)

func TestCreateAttachFinishRoundTrip(t *testing.T) {
	s := New()
	f := s.CreateFlow("", "smoke")

	start := time.Now()
	for i := 0; i < 3; i++ {
		status := StatusSuccess
		if i == 1 {
			status = StatusFailed
		}
		exec := &Execution{
			ReqExecID: string(rune('a' + i)),
			Status:    status,
			StartedAt: start.Add(time.Duration(i) * time.Millisecond),
			EndedAt:   start.Add(time.Duration(i+1) * time.Millisecond),
		}
		if err := s.AttachExecution(f.ID, exec); err != nil {
			t.Fatal(err)
		}
	}

	finished, err := s.FinishFlow(f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if finished.Summary.Total != 3 {
		t.Fatalf("total = %d, want 3", finished.Summary.Total)
	}
	if finished.Summary.Succeeded+finished.Summary.Failed != finished.Summary.Total {
		t.Fatalf("succeeded+failed != total: %+v", finished.Summary)
	}
}

func TestAttachAfterFinishRejected(t *testing.T) {
	s := New()
	f := s.CreateFlow("", "")
	if _, err := s.FinishFlow(f.ID); err != nil {
		t.Fatal(err)
	}
	err := s.AttachExecution(f.ID, &Execution{ReqExecID: "x", Status: StatusSuccess})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeFlowFinished {
		t.Fatalf("expected FLOW_FINISHED, got %v", err)
	}
}

func TestNextSeqIsMonotonic(t *testing.T) {
	s := New()
	f := s.CreateFlow("", "")
	var got []int64
	for i := 0; i < 3; i++ {
		got = append(got, f.NextSeq())
	}
	want := []int64{1, 2, 3}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("seq[%d] = %d, want %d", i, got[i], w)
		}
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := New()
	f := s.CreateFlow("", "")
	_, err := s.GetExecution(f.ID, "missing")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeExecutionNotFound {
		t.Fatalf("expected EXECUTION_NOT_FOUND, got %v", err)
	}
}

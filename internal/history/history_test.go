package history

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGetExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		ReqExecID: "exec-1",
		FlowID:    "flow-1",
		Method:    "GET",
		URL:       "http://example.com",
		Status:    "success",
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
	if err := s.RecordExecution(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.FlowID != "flow-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRecordExecutionUpsertUpdatesStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := Record{ReqExecID: "exec-2", FlowID: "flow-1", Method: "GET", URL: "http://x", Status: "running", StartedAt: time.Now()}
	if err := s.RecordExecution(ctx, base); err != nil {
		t.Fatal(err)
	}
	base.Status = "success"
	base.ResponseStatus = 200
	if err := s.RecordExecution(ctx, base); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "exec-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "success" || got.ResponseStatus != 200 {
		t.Fatalf("expected upsert to update status, got %+v", got)
	}
}

func TestListByFlowOrdersByStartedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		rec := Record{
			ReqExecID: id,
			FlowID:    "flow-x",
			Method:    "GET",
			URL:       "http://x",
			Status:    "success",
			StartedAt: start.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordExecution(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListByFlow(ctx, "flow-x")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].ReqExecID != "a" || recs[2].ReqExecID != "c" {
		t.Fatalf("unexpected order: %+v", recs)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("expected nil, got %+v", rec)
	}
}

package hooks

import (
	"context"
	"errors"
	"testing"
)

type fakeHook struct {
	name   string
	points []Point
	err    error
	panic  bool
}

func (f *fakeHook) Name() string   { return f.name }
func (f *fakeHook) Points() []Point { return f.points }
func (f *fakeHook) Run(ctx context.Context, point Point, rc *RequestContext) error {
	if f.panic {
		panic("boom")
	}
	return f.err
}

func TestRunInvokesOnlySubscribedHooks(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeHook{name: "a", points: []Point{PointRequestBefore}})
	r.Register(&fakeHook{name: "b", points: []Point{PointResponseAfter}})

	records := r.Run(context.Background(), PointRequestBefore, &RequestContext{})
	if len(records) != 1 || records[0].Hook != "a" {
		t.Fatalf("expected only hook a to run, got %+v", records)
	}
}

func TestFailedHookIsolatedFromOthers(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeHook{name: "fails", points: []Point{PointValidate}, err: errors.New("bad")})
	r.Register(&fakeHook{name: "ok", points: []Point{PointValidate}})

	records := r.Run(context.Background(), PointValidate, &RequestContext{})
	if len(records) != 2 {
		t.Fatalf("expected both hooks to run, got %+v", records)
	}
	if records[0].Passed {
		t.Fatalf("expected first hook to fail: %+v", records[0])
	}
	if !records[1].Passed {
		t.Fatalf("expected second hook to pass: %+v", records[1])
	}
}

func TestPanicIsCaughtAsFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeHook{name: "panics", points: []Point{PointSetup}, panic: true})

	records := r.Run(context.Background(), PointSetup, &RequestContext{})
	if len(records) != 1 || records[0].Passed {
		t.Fatalf("expected panicking hook recorded as failed: %+v", records)
	}
}

func TestAnyFailed(t *testing.T) {
	if AnyFailed(nil) {
		t.Fatal("empty records should not report failure")
	}
	if !AnyFailed([]Record{{Passed: false}}) {
		t.Fatal("expected failure detected")
	}
}

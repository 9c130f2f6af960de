package calls

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1, err := tr.Register("c1", Handle{})
	if err != nil {
		t.Fatalf("register c1: %v", err)
	}
	u2, err := tr.Register("c2", Handle{})
	if err != nil {
		t.Fatalf("register c2: %v", err)
	}
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_WaitTimesOutWithActiveCall(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Register("c1", Handle{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); ok {
		t.Fatalf("expected Wait to time out")
	}
}

func TestTracker_ReRegisterReplacesEntry(t *testing.T) {
	tr := NewTracker()
	u1, _ := tr.Register("c1", Handle{})
	u2, _ := tr.Register("c1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	// The stale unregister must not remove the replacement.
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
	u2()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_CloseAll_CallsClose(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	_, _ = tr.Register("c1", Handle{Close: func() { c1.Add(1) }})
	_, _ = tr.Register("c2", Handle{Close: func() { c2.Add(1) }})
	_, _ = tr.Register("c3", Handle{})

	if n := tr.CloseAll(); n != 2 {
		t.Fatalf("closed=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("close calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_DrainingRejectsNewCalls(t *testing.T) {
	tr := NewTracker()
	if tr.IsDraining() {
		t.Fatalf("new tracker should not be draining")
	}
	tr.SetDraining(true)
	if !tr.IsDraining() {
		t.Fatalf("expected draining")
	}

	unregister, err := tr.Register("c1", Handle{})
	if !errors.Is(err, ErrDraining) {
		t.Fatalf("err=%v, want ErrDraining", err)
	}
	unregister()
	if tr.Count() != 0 {
		t.Fatalf("count=%d, want 0", tr.Count())
	}

	tr.SetDraining(false)
	if _, err := tr.Register("c1", Handle{}); err != nil {
		t.Fatalf("register after drain cleared: %v", err)
	}
}

func TestTracker_NilIsSafe(t *testing.T) {
	var tr *Tracker
	unregister, err := tr.Register("c1", Handle{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	unregister()
	if tr.Count() != 0 || tr.CloseAll() != 0 || tr.IsDraining() {
		t.Fatalf("nil tracker should be inert")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait should return true")
	}
}

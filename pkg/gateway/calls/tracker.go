// Package calls tracks the bridged calls a process is serving so shutdown can
// stop admitting new ones, wait for the active ones, and hang up stragglers.
package calls

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrDraining = errors.New("calls: tracker is draining")

type Handle struct {
	// Close hangs up the call. It must be safe to call more than once.
	Close func()
}

type Tracker struct {
	mu       sync.Mutex
	calls    map[string]*trackedCall
	wg       sync.WaitGroup
	draining atomic.Bool
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
	}
}

// Register adds a call. The returned func removes it and is idempotent.
func (t *Tracker) Register(callID string, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	// Checked under mu so a call cannot slip in after CloseAll took its snapshot.
	if t.draining.Load() {
		t.mu.Unlock()
		return func() {}, ErrDraining
	}
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }, nil
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls != nil && t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) SetDraining(draining bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.draining.Store(draining)
	t.mu.Unlock()
}

func (t *Tracker) IsDraining() bool {
	if t == nil {
		return false
	}
	return t.draining.Load()
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Tracker) CloseAll() (closed int) {
	if t == nil {
		return 0
	}

	var closers []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry == nil || entry.handle.Close == nil {
			continue
		}
		closers = append(closers, entry.handle.Close)
	}
	t.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
		closed++
	}
	return closed
}

// Wait blocks until every registered call has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

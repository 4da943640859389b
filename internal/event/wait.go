package event

import (
	"context"
	"sync"

	"github.com/mpokorny/legion/internal/handle"
)

// Signal is a channel-backed waiter: Done is closed on trigger, after
// which Poisoned is valid. Suitable for suspending a goroutine on any
// event or barrier generation.
type Signal struct {
	done     chan struct{}
	poisoned bool
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

func (s *Signal) OnTriggered(_ handle.Event, poisoned bool) bool {
	s.poisoned = poisoned
	close(s.done)
	return false
}

func (s *Signal) Done() <-chan struct{} { return s.done }

// Poisoned must only be read after Done is closed.
func (s *Signal) Poisoned() bool { return s.poisoned }

func (s *Signal) String() string { return "signal waiter" }

// WaitFaultAware blocks the calling goroutine until e triggers or ctx
// is cancelled, returning the generation's poison state.
func (p *Pool) WaitFaultAware(ctx context.Context, e handle.Event) (bool, error) {
	if !e.Exists() {
		return false, nil
	}
	if triggered, poisoned := p.HasTriggered(e); triggered {
		return poisoned, nil
	}
	s := NewSignal()
	p.AddWaiter(e, s)
	select {
	case <-s.Done():
		return s.Poisoned(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// condWaiter resumes a thread not managed by the runtime. The condition
// variable is paired with the slot mutex.
type condWaiter struct {
	cv       *sync.Cond
	fired    bool
	poisoned bool
}

func (w *condWaiter) OnTriggered(_ handle.Event, poisoned bool) bool {
	w.cv.L.Lock()
	w.poisoned = poisoned
	w.fired = true
	w.cv.Signal()
	w.cv.L.Unlock()
	// Allocated on the waiting goroutine's frame; never released here.
	return false
}

func (w *condWaiter) String() string { return "external waiter" }

// ExternalWaitFaultAware blocks on a condition variable until e
// triggers. Meant for callers outside the cooperative scheduler; there
// is no cancellation.
func (p *Pool) ExternalWaitFaultAware(e handle.Event) bool {
	if !e.Exists() {
		return false
	}
	impl := p.lookup(e.ID)
	if triggered, poisoned := impl.hasTriggered(e.Gen); triggered {
		return poisoned
	}

	w := &condWaiter{cv: sync.NewCond(&impl.mu)}
	p.AddWaiter(e, w)
	impl.mu.Lock()
	for !w.fired {
		w.cv.Wait()
	}
	impl.mu.Unlock()
	return w.poisoned
}

package legion

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/barrier"
	"github.com/mpokorny/legion/internal/event"
	"github.com/mpokorny/legion/internal/id"
	"go.uber.org/zap"
)

// Runtime is one node's view of the synchronization core. There is one
// event pool, one barrier pool and one adjustment-timestamp counter per
// process.
type Runtime struct {
	options  *options
	nodeID   NodeID
	events   *event.Pool
	barriers *barrier.Pool
	logger   *zap.Logger
}

func (r *Runtime) NodeID() NodeID { return r.nodeID }

// HasTriggeredFaultAware implements handle.Registrar, dispatching by id
// kind so compositors can wait on events and barriers alike.
func (r *Runtime) HasTriggeredFaultAware(e Event) (bool, bool) {
	if !e.Exists() {
		return true, false
	}
	switch e.ID.Kind() {
	case id.KindEvent:
		return r.events.HasTriggered(e)
	case id.KindBarrier:
		return r.barriers.HasTriggered(e)
	default:
		panic(errors.AssertionFailedf("cannot resolve id %v", e.ID))
	}
}

// AddWaiter registers w for e's generation, invoking it inline if the
// generation has already triggered.
func (r *Runtime) AddWaiter(e Event, w Waiter) {
	if !e.Exists() {
		w.OnTriggered(e, false)
		return
	}
	switch e.ID.Kind() {
	case id.KindEvent:
		r.events.AddWaiter(e, w)
	case id.KindBarrier:
		r.barriers.AddWaiter(e, w)
	default:
		panic(errors.AssertionFailedf("cannot resolve id %v", e.ID))
	}
}

// poisonFault resolves the non-fault-aware poison policy: fatal by
// default, ErrPoisoned under WithSurfacedPoison.
func (r *Runtime) poisonFault(e Event) error {
	if r.options.surfacePoison {
		return errors.Wrapf(ErrPoisoned, "%v", e)
	}
	panic(errors.Newf("event %v is poisoned and the caller is not fault aware", e))
}

// CreateEvent allocates a fresh event owned by this node.
func (r *Runtime) CreateEvent() (Event, error) { return r.events.CreateEvent() }

// CreateUserEvent allocates an event whose trigger is driven by user
// code through TriggerUserEvent or Cancel.
func (r *Runtime) CreateUserEvent() (UserEvent, error) { return r.events.CreateUserEvent() }

// HasTriggered reports whether e has triggered. A poisoned generation
// is a fault the caller did not opt into; see WithSurfacedPoison.
func (r *Runtime) HasTriggered(e Event) bool {
	triggered, poisoned := r.HasTriggeredFaultAware(e)
	if triggered && poisoned {
		_ = r.poisonFault(e)
	}
	return triggered
}

// Trigger marks e's generation as triggered, optionally poisoned. Only
// generational events may be triggered directly.
func (r *Runtime) Trigger(e Event, poisoned bool) error {
	if e.ID.Kind() != id.KindEvent {
		return errors.Newf("cannot trigger %v directly", e.ID)
	}
	return r.events.Trigger(e, poisoned)
}

// TriggerUserEvent triggers u once waitOn has triggered, deferring if
// necessary. Poison on waitOn carries through to u.
func (r *Runtime) TriggerUserEvent(u UserEvent, waitOn Event) error {
	return r.events.TriggerUserEvent(u, waitOn)
}

// Cancel triggers u as poisoned, causing dependents to fail fast.
func (r *Runtime) Cancel(u UserEvent) error { return r.events.CancelUserEvent(u) }

// CancelOperation is declared for interface parity; in-flight operation
// cancellation is not part of this core.
func (r *Runtime) CancelOperation(Event) error {
	return errors.Wrap(ErrNotSupported, "cancel operation")
}

// MergeEvents returns an event that triggers once every input has
// triggered, and is poisoned iff any input is.
func (r *Runtime) MergeEvents(events ...Event) (Event, error) {
	return r.events.MergeEvents(events, false)
}

// MergeEventsIgnoreFaults is MergeEvents with input poison counted but
// never propagated to the result.
func (r *Runtime) MergeEventsIgnoreFaults(events ...Event) (Event, error) {
	return r.events.MergeEvents(events, true)
}

// Wait blocks the calling goroutine until e triggers or ctx is
// cancelled. Poison is a fault; see WithSurfacedPoison.
func (r *Runtime) Wait(ctx context.Context, e Event) error {
	poisoned, err := r.WaitFaultAware(ctx, e)
	if err != nil {
		return err
	}
	if poisoned {
		return r.poisonFault(e)
	}
	return nil
}

// WaitFaultAware blocks until e triggers or ctx is cancelled and
// returns the generation's poison state.
func (r *Runtime) WaitFaultAware(ctx context.Context, e Event) (bool, error) {
	if !e.Exists() {
		return false, nil
	}
	if triggered, poisoned := r.HasTriggeredFaultAware(e); triggered {
		return poisoned, nil
	}
	r.logger.Debug("goroutine blocked", zap.Stringer("event", e))
	s := event.NewSignal()
	r.AddWaiter(e, s)
	select {
	case <-s.Done():
		r.logger.Debug("goroutine resumed",
			zap.Stringer("event", e), zap.Bool("poisoned", s.Poisoned()))
		return s.Poisoned(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ExternalWait blocks a thread not managed by the runtime's scheduler
// on a condition variable until e triggers.
func (r *Runtime) ExternalWait(e Event) error {
	poisoned, err := r.ExternalWaitFaultAware(e)
	if err != nil {
		return err
	}
	if poisoned {
		return r.poisonFault(e)
	}
	return nil
}

func (r *Runtime) ExternalWaitFaultAware(e Event) (bool, error) {
	if !e.Exists() {
		return false, nil
	}
	if e.ID.Kind() != id.KindEvent {
		return false, errors.Wrapf(ErrNotSupported, "external wait on %v", e.ID)
	}
	return r.events.ExternalWaitFaultAware(e), nil
}

// CreateBarrier allocates a barrier owned by this node expecting
// expectedArrivals arrivals per generation. With a non-zero redopID,
// initialValue seeds each generation's accumulated reduction value.
func (r *Runtime) CreateBarrier(
	expectedArrivals uint32, redopID ReductionOpID, initialValue []byte,
) (Barrier, error) {
	return r.barriers.CreateBarrier(expectedArrivals, redopID, initialValue)
}

// DestroyBarrier is a best-effort deallocation request.
func (r *Runtime) DestroyBarrier(b Barrier) { r.barriers.DestroyBarrier(b) }

// Arrive submits count arrivals to b's generation, deferred until
// waitOn triggers and optionally folding reduceValue into the
// generation's accumulated value.
func (r *Runtime) Arrive(b Barrier, count int64, waitOn Event, reduceValue []byte) error {
	return r.barriers.Arrive(b, count, waitOn, reduceValue)
}

// AlterArrivalCount raises b's expected arrival count. The returned
// handle carries the adjustment timestamp, which a later matching
// arrival must cite so the owner orders the two correctly.
func (r *Runtime) AlterArrivalCount(b Barrier, delta int64) (Barrier, error) {
	return r.barriers.AlterArrivalCount(b, delta)
}

// GetResult copies the accumulated reduction value for b's generation
// into value, reporting whether the generation has triggered here.
func (r *Runtime) GetResult(b Barrier, value []byte) bool {
	return r.barriers.GetResult(b, value)
}

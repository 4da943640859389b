// Package handle defines the value-type handles users hold for events
// and barriers, the waiter callback contract, and the cross-pool
// registration interface consumed by compositors.
package handle

import (
	"fmt"

	"github.com/mpokorny/legion/internal/id"
)

// Event names one generation of a generational event. The zero value is
// NoEvent, which has always triggered and is never poisoned.
type Event struct {
	ID  id.ID
	Gen uint32
}

// NoEvent is the distinguished "no precondition" event.
var NoEvent = Event{}

// Exists reports whether the handle names a real event slot.
func (e Event) Exists() bool { return e.ID != 0 }

func (e Event) String() string { return fmt.Sprintf("%v/%d", e.ID, e.Gen) }

// UserEvent is a generational event whose trigger is driven by user code
// rather than by the completion of an operation.
type UserEvent struct {
	Event
}

// Timestamp orders positive and negative barrier adjustments. The high
// bits carry the submitting node, the rest a process-wide sequence. The
// zero timestamp means "apply directly".
type Timestamp uint64

// TimestampNodeShift positions the node id within a Timestamp.
const TimestampNodeShift = 48

func (t Timestamp) Node() uint16 { return uint16(t >> TimestampNodeShift) }

// Barrier names one generation of a reduction barrier. Timestamp is
// non-zero only on handles returned by AlterArrivalCount; an arrival
// through such a handle must wait for the matching positive adjustment.
type Barrier struct {
	ID        id.ID
	Gen       uint32
	Timestamp Timestamp
}

func (b Barrier) Exists() bool { return b.ID != 0 }

func (b Barrier) String() string { return fmt.Sprintf("%v/%d", b.ID, b.Gen) }

// Advance returns the handle for the next generation. No side effects.
func (b Barrier) Advance() Barrier {
	return Barrier{ID: b.ID, Gen: b.Gen + 1}
}

// PreviousPhase returns the handle for the preceding generation.
func (b Barrier) PreviousPhase() Barrier {
	return Barrier{ID: b.ID, Gen: b.Gen - 1}
}

// AsEvent views the barrier generation as a plain event handle, usable
// anywhere a precondition event is accepted.
func (b Barrier) AsEvent() Event { return Event{ID: b.ID, Gen: b.Gen} }

// Waiter is the callback contract used by all layers to register
// interest in a trigger. OnTriggered runs with no slot lock held, either
// inline on the registering call (when the generation has already
// triggered) or on the triggering goroutine. The return value transfers
// ownership: true means the invoker releases the waiter and the waiter
// must not be reused.
type Waiter interface {
	OnTriggered(e Event, poisoned bool) (release bool)
	fmt.Stringer
}

// Registrar dispatches waiter registration and trigger queries across
// the event and barrier pools by id kind. Compositors (mergers, deferred
// triggers, deferred arrivals) wait on inputs that may be either kind.
type Registrar interface {
	// HasTriggeredFaultAware reports whether e has triggered, and its
	// poison state. NoEvent is always triggered, never poisoned.
	HasTriggeredFaultAware(e Event) (triggered, poisoned bool)
	// AddWaiter registers w for e's generation. If the generation has
	// already triggered, w is invoked inline.
	AddWaiter(e Event, w Waiter)
}

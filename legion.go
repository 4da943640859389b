// Package legion provides the distributed event and barrier
// synchronization core of a task-parallel runtime: generational events,
// user-triggerable events and multi-generation reduction barriers, each
// uniquely owned by one node yet observable from any node.
package legion

import (
	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/node"
	"github.com/mpokorny/legion/internal/redop"
)

type (
	// Event names one generation of a generational event.
	Event = handle.Event
	// UserEvent is an event triggered by user code.
	UserEvent = handle.UserEvent
	// Barrier names one generation of a reduction barrier.
	Barrier = handle.Barrier
	// Timestamp orders barrier arrival-count adjustments.
	Timestamp = handle.Timestamp
	// Waiter is the callback contract for trigger notifications.
	Waiter = handle.Waiter

	// NodeID identifies a node in the cluster.
	NodeID = node.ID
	// ReductionOpID names an operator in the reduction registry.
	ReductionOpID = redop.ID
	// ReductionOp describes a reduction operator over raw byte values.
	ReductionOp = redop.Op
)

// NoEvent is the distinguished event that has always triggered and is
// never poisoned.
var NoEvent = handle.NoEvent

var (
	// ErrPoisoned reports that a generation triggered with its failure
	// tag set, surfaced only through fault-aware calls or when the
	// runtime is configured to surface poison.
	ErrPoisoned = errors.New("event poisoned")
	// ErrNotSupported marks operations that are declared by the
	// interface but deliberately unimplemented in this core.
	ErrNotSupported = errors.New("operation not supported")
)

package barrier

import (
	"fmt"

	"github.com/mpokorny/legion/internal/handle"
	"go.uber.org/zap"
)

// deferredArrival re-submits an arrival once its precondition triggers.
// The reduce value is copied at deferral time.
type deferredArrival struct {
	pool        *Pool
	barrier     handle.Barrier
	delta       int64
	reduceValue []byte
}

func (d *deferredArrival) OnTriggered(_ handle.Event, poisoned bool) bool {
	if poisoned {
		// Barriers carry no poison channel; the arrival is dropped and
		// the failure surfaced in the log.
		d.pool.log.Error("dropping barrier arrival with poisoned precondition",
			zap.Stringer("barrier", d.barrier), zap.Int64("delta", d.delta))
		return true
	}
	d.pool.log.Info("deferred barrier arrival",
		zap.Stringer("barrier", d.barrier), zap.Int64("delta", d.delta))
	if err := d.pool.adjustArrival(
		d.barrier.ID, d.barrier.Gen, d.delta, d.barrier.Timestamp,
		handle.NoEvent, d.reduceValue,
	); err != nil {
		d.pool.log.Error("deferred barrier arrival failed",
			zap.Stringer("barrier", d.barrier), zap.Error(err))
	}
	return true
}

func (d *deferredArrival) String() string {
	return fmt.Sprintf("deferred arrival: barrier=%v (%d), delta=%d datalen=%d",
		d.barrier, d.barrier.Timestamp, d.delta, len(d.reduceValue))
}

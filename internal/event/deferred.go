package event

import (
	"fmt"

	"github.com/mpokorny/legion/internal/handle"
	"go.uber.org/zap"
)

// deferredTrigger fires a user event once its precondition triggers,
// propagating the precondition's poison.
type deferredTrigger struct {
	pool       *Pool
	afterEvent handle.Event
}

func (d *deferredTrigger) OnTriggered(_ handle.Event, poisoned bool) bool {
	if poisoned {
		d.pool.poisonLog.Info("poisoned deferred event",
			zap.Stringer("event", d.afterEvent))
		_ = d.pool.Trigger(d.afterEvent, true)
		return true
	}
	d.pool.log.Info("deferred trigger occurring", zap.Stringer("event", d.afterEvent))
	_ = d.pool.Trigger(d.afterEvent, false)
	return true
}

func (d *deferredTrigger) String() string {
	return fmt.Sprintf("deferred trigger: after=%v", d.afterEvent)
}

// TriggerUserEvent triggers u once waitOn has triggered, immediately if
// it already has. Poison on waitOn carries through to u.
func (p *Pool) TriggerUserEvent(u handle.UserEvent, waitOn handle.Event) error {
	triggered, poisoned := p.registrar().HasTriggeredFaultAware(waitOn)
	if !triggered {
		p.log.Info("deferring user event trigger",
			zap.Stringer("event", u.Event), zap.Stringer("waitOn", waitOn))
		p.registrar().AddWaiter(waitOn, &deferredTrigger{pool: p, afterEvent: u.Event})
		return nil
	}
	p.log.Info("user event trigger",
		zap.Stringer("event", u.Event), zap.Stringer("waitOn", waitOn))
	return p.Trigger(u.Event, poisoned)
}

// CancelUserEvent triggers u as poisoned so dependents fail fast.
func (p *Pool) CancelUserEvent(u handle.UserEvent) error {
	p.log.Info("user event cancelled", zap.Stringer("event", u.Event))
	return p.Trigger(u.Event, true)
}

package event

import (
	"fmt"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mpokorny/legion/internal/handle"
	"go.uber.org/zap"
)

// merger coordinates a join over multiple input events. Counting is
// lock-free: the count starts at 1 (an implicit "arming not finished"
// input) and the decrement that reaches zero both triggers the output
// and releases the merger.
type merger struct {
	pool           *Pool
	finishEvent    handle.Event
	ignoreFaults   bool
	countNeeded    atomic.Int32
	faultsObserved atomic.Int32
}

func newMerger(pool *Pool, finishEvent handle.Event, ignoreFaults bool) *merger {
	m := &merger{pool: pool, finishEvent: finishEvent, ignoreFaults: ignoreFaults}
	m.countNeeded.Store(1)
	return m
}

func (m *merger) addEvent(waitFor handle.Event) {
	if triggered, poisoned := m.pool.registrar().HasTriggeredFaultAware(waitFor); triggered {
		if poisoned {
			firstFault := m.faultsObserved.Add(1) == 1
			if firstFault && !m.ignoreFaults {
				m.pool.poisonLog.Info("event merger early poison",
					zap.Stringer("after", m.finishEvent))
				_ = m.pool.Trigger(m.finishEvent, true)
			}
		}
		// Either way the count is left alone.
		return
	}
	m.countNeeded.Add(1)
	m.pool.registrar().AddWaiter(waitFor, m)
}

// arm retires the implicit arming input once every real input has been
// added. The output may fire immediately.
func (m *merger) arm() bool {
	return m.OnTriggered(handle.NoEvent, false)
}

func (m *merger) OnTriggered(_ handle.Event, poisoned bool) bool {
	// Input poison propagates eagerly, but only once.
	if poisoned {
		firstFault := m.faultsObserved.Add(1) == 1
		if firstFault && !m.ignoreFaults {
			m.pool.poisonLog.Info("event merger poisoned",
				zap.Stringer("after", m.finishEvent))
			_ = m.pool.Trigger(m.finishEvent, true)
		}
	}

	countLeft := m.countNeeded.Add(-1)
	m.pool.log.Debug("merged event received trigger",
		zap.Stringer("event", m.finishEvent),
		zap.Int32("left", countLeft), zap.Bool("poisoned", poisoned))

	lastTrigger := countLeft == 0
	// The last input triggers the output, unless poison was already
	// propagated eagerly.
	if lastTrigger && (m.ignoreFaults || m.faultsObserved.Load() == 0) {
		_ = m.pool.Trigger(m.finishEvent, false)
	}
	return lastTrigger
}

func (m *merger) String() string {
	return fmt.Sprintf("event merger: %v left=%d", m.finishEvent, m.countNeeded.Load())
}

// MergeEvents returns an event that triggers once every input has
// triggered. With ignoreFaults false, poison on any input poisons the
// result; an input that is already poisoned is returned directly.
// With ignoreFaults true, input poison is counted but never propagated,
// and single-input merges still allocate a fresh event so the result is
// laundered into a non-poisoned one.
func (p *Pool) MergeEvents(waitFor []handle.Event, ignoreFaults bool) (handle.Event, error) {
	if len(waitFor) == 0 {
		return handle.NoEvent, nil
	}
	inputs := mapset.NewThreadUnsafeSet[handle.Event](waitFor...)

	// Count untriggered inputs; 0, 1 and 2+ behave differently. Every
	// input is scanned so an already poisoned one is always found.
	// Remember the first untriggered input for the single-input case.
	waitCount := 0
	var firstWait, alreadyPoisoned handle.Event
	inputs.Each(func(e handle.Event) bool {
		triggered, poisoned := p.registrar().HasTriggeredFaultAware(e)
		if triggered {
			if poisoned && !ignoreFaults {
				alreadyPoisoned = e
				return true
			}
			return false
		}
		if waitCount == 0 {
			firstWait = e
		}
		waitCount++
		return false
	})
	if alreadyPoisoned.Exists() {
		p.poisonLog.Info("merging events, input already poisoned",
			zap.Stringer("event", alreadyPoisoned))
		return alreadyPoisoned, nil
	}
	p.log.Debug("merging events", zap.Int("untriggered", waitCount))

	if waitCount == 0 {
		return handle.NoEvent, nil
	}
	if waitCount == 1 && !ignoreFaults {
		return firstWait, nil
	}

	finishEvent, err := p.CreateEvent()
	if err != nil {
		return handle.NoEvent, err
	}
	m := newMerger(p, finishEvent, ignoreFaults)
	inputs.Each(func(e handle.Event) bool {
		p.log.Debug("event merging",
			zap.Stringer("event", finishEvent), zap.Stringer("waitOn", e))
		m.addEvent(e)
		return false
	})
	// All inputs added; arming may fire the output immediately, in which
	// case the merger is already released.
	m.arm()
	return finishEvent, nil
}

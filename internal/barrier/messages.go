package barrier

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/id"
	"github.com/mpokorny/legion/internal/node"
	"github.com/mpokorny/legion/internal/redop"
	"go.uber.org/zap"
)

// AdjustMessage forwards an arrival-count adjustment to the owner. The
// barrier handle carries the generation and, for negative deltas, the
// timestamp of the positive adjustment being cited. A non-trivial
// WaitOn asks the owner to defer the adjustment itself.
type AdjustMessage struct {
	Node        node.ID
	Barrier     handle.Barrier
	Delta       int64
	WaitOn      handle.Event
	ReduceValue []byte
}

// SubscribeMessage asks the owner to deliver triggers up to
// SubscribeGen.
type SubscribeMessage struct {
	Node         node.ID
	BarrierID    id.ID
	SubscribeGen uint32
}

// TriggerMessage tells a subscriber that generations
// (PreviousGen, TriggerGen] have triggered, carrying the accumulated
// reduction value for each.
type TriggerMessage struct {
	Node            node.ID
	BarrierID       id.ID
	TriggerGen      uint32
	PreviousGen     uint32
	FirstGeneration uint32
	RedopID         redop.ID
	FinalValues     []byte
}

func bg() context.Context { return context.Background() }

func (p *Pool) handleAdjust(ctx context.Context, msg AdjustMessage) error {
	p.log.Info("received barrier arrival",
		zap.Stringer("barrier", msg.Barrier), zap.Int64("delta", msg.Delta),
		zap.Stringer("waitOn", msg.WaitOn))
	return p.adjustArrival(
		msg.Barrier.ID, msg.Barrier.Gen, msg.Delta, msg.Barrier.Timestamp,
		msg.WaitOn, msg.ReduceValue)
}

func (p *Pool) handleSubscribe(ctx context.Context, msg SubscribeMessage) error {
	impl := p.lookup(msg.BarrierID)
	if impl.owner != p.NodeID {
		return errors.AssertionFailedf("barrier subscribe for %v routed to non-owner", msg.BarrierID)
	}

	// Record the subscriber, noticing whether it must be caught up on
	// generations that have already triggered.
	var triggerGen, previousGen uint32
	var finalValuesCopy []byte

	impl.mu.Lock()
	if msg.SubscribeGen <= impl.firstGeneration {
		impl.mu.Unlock()
		return errors.AssertionFailedf(
			"subscription to %v predates this lifetime of the barrier", msg.BarrierID)
	}

	alreadySubscribed := false
	if cur, ok := impl.remoteSubscribeGens[msg.Node]; ok {
		// A recorded subscription is always for an untriggered
		// generation.
		if cur <= impl.generation.Load() {
			impl.mu.Unlock()
			return errors.AssertionFailedf("stale subscription entry for %v", msg.BarrierID)
		}
		if cur >= msg.SubscribeGen {
			alreadySubscribed = true
		} else {
			impl.remoteSubscribeGens[msg.Node] = msg.SubscribeGen
		}
	} else if msg.SubscribeGen > impl.generation.Load() {
		// Subscriptions to generations that already triggered are
		// satisfied immediately below and never recorded.
		impl.remoteSubscribeGens[msg.Node] = msg.SubscribeGen
	}

	if !alreadySubscribed && impl.generation.Load() > impl.firstGeneration {
		prev, delivered := impl.remoteTriggerGens[msg.Node]
		if !delivered || prev < impl.generation.Load() {
			if delivered {
				previousGen = prev
			} else {
				previousGen = impl.firstGeneration
			}
			triggerGen = impl.generation.Load()
			impl.remoteTriggerGens[msg.Node] = triggerGen
			if impl.redop != nil {
				lhsSize := impl.redop.SizeofLHS
				relGen := int(previousGen + 1 - impl.firstGeneration)
				size := int(triggerGen-previousGen) * lhsSize
				finalValuesCopy = dup(impl.finalValues[(relGen-1)*lhsSize : (relGen-1)*lhsSize+size])
			}
		}
	}
	impl.mu.Unlock()

	if triggerGen > 0 {
		p.log.Info("sending immediate barrier trigger",
			zap.Stringer("id", msg.BarrierID), zap.Stringer("node", msg.Node),
			zap.Uint32("previousGen", previousGen), zap.Uint32("triggerGen", triggerGen))
		return p.Config.Trigger.Send(ctx, msg.Node, TriggerMessage{
			Node:            p.NodeID,
			BarrierID:       msg.BarrierID,
			TriggerGen:      triggerGen,
			PreviousGen:     previousGen,
			FirstGeneration: impl.firstGeneration,
			RedopID:         impl.redopID,
			FinalValues:     finalValuesCopy,
		})
	}
	return nil
}

func (p *Pool) handleTrigger(ctx context.Context, msg TriggerMessage) error {
	p.log.Info("received remote barrier trigger",
		zap.Stringer("id", msg.BarrierID),
		zap.Uint32("previousGen", msg.PreviousGen), zap.Uint32("triggerGen", msg.TriggerGen))

	impl := p.lookup(msg.BarrierID)
	if impl.owner == p.NodeID {
		return errors.AssertionFailedf("barrier trigger for locally owned %v", msg.BarrierID)
	}

	var localNotifications []handle.Waiter
	trigGen := msg.TriggerGen

	impl.mu.Lock()
	if msg.PreviousGen == impl.generation.Load() {
		// This message extends the oldest possible range; absorb any
		// held triggers that are now contiguous with it.
		for {
			next, ok := impl.heldTriggers[trigGen]
			if !ok {
				break
			}
			p.log.Info("collapsing held barrier trigger",
				zap.Stringer("id", msg.BarrierID),
				zap.Uint32("from", trigGen), zap.Uint32("to", next))
			delete(impl.heldTriggers, trigGen)
			trigGen = next
		}
		localNotifications = impl.drainTriggered(trigGen)
		impl.generation.Store(trigGen)
	} else {
		p.log.Info("holding barrier trigger",
			zap.Stringer("id", msg.BarrierID),
			zap.Uint32("current", impl.generation.Load()),
			zap.Uint32("previousGen", msg.PreviousGen), zap.Uint32("triggerGen", msg.TriggerGen))
		impl.heldTriggers[msg.PreviousGen] = msg.TriggerGen
	}

	// Reduction results are stored on arrival even when the trigger
	// itself is held. Placement uses the message's own range, not the
	// collapsed one.
	if len(msg.FinalValues) > 0 {
		if msg.RedopID == 0 {
			impl.mu.Unlock()
			return errors.AssertionFailedf(
				"barrier trigger for %v carries data without an operator", msg.BarrierID)
		}
		op, err := p.Redops.Lookup(msg.RedopID)
		if err != nil {
			impl.mu.Unlock()
			return err
		}
		impl.redopID = msg.RedopID
		impl.redop = op
		impl.firstGeneration = msg.FirstGeneration

		if len(msg.FinalValues) != op.SizeofLHS*int(msg.TriggerGen-msg.PreviousGen) {
			impl.mu.Unlock()
			return errors.AssertionFailedf(
				"barrier trigger payload is %d bytes, expected %d",
				len(msg.FinalValues), op.SizeofLHS*int(msg.TriggerGen-msg.PreviousGen))
		}
		relGen := int(msg.TriggerGen - impl.firstGeneration)
		if relGen <= 0 {
			impl.mu.Unlock()
			return errors.AssertionFailedf(
				"barrier trigger for %v names generation %d before first %d",
				msg.BarrierID, msg.TriggerGen, impl.firstGeneration)
		}
		if impl.valueCapacity < relGen {
			// New entries are overwritten now or when data shows up, so
			// no initialization is needed.
			impl.finalValues = append(impl.finalValues,
				make([]byte, (relGen-impl.valueCapacity)*op.SizeofLHS)...)
			impl.valueCapacity = relGen
		}
		offset := int(msg.PreviousGen-impl.firstGeneration) * op.SizeofLHS
		copy(impl.finalValues[offset:], msg.FinalValues)
	}
	impl.mu.Unlock()

	triggered := handle.Event{ID: msg.BarrierID, Gen: trigGen}
	for _, w := range localNotifications {
		w.OnTriggered(triggered, false)
	}
	return nil
}

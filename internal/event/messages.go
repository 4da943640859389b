package event

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/id"
	"github.com/mpokorny/legion/internal/node"
	"go.uber.org/zap"
)

// SubscribeMessage asks the owner to deliver updates once Event.Gen
// triggers. PreviousSubscribeGen lets the owner skip notifications the
// subscriber already asked for.
type SubscribeMessage struct {
	Node                 node.ID
	Event                handle.Event
	PreviousSubscribeGen uint32
}

// TriggerMessage tells the owner that a remote node triggered the
// event.
type TriggerMessage struct {
	Node     node.ID
	Event    handle.Event
	Poisoned bool
}

// UpdateMessage carries the owner's authoritative state to a
// subscriber: Event.Gen is the current generation and the payload is
// the full poisoned-generation list.
type UpdateMessage struct {
	Event               handle.Event
	PoisonedGenerations []uint32
}

func bg() context.Context { return context.Background() }

func (p *Pool) handleSubscribe(ctx context.Context, msg SubscribeMessage) error {
	p.log.Debug("event subscription",
		zap.Stringer("node", msg.Node), zap.Stringer("event", msg.Event))

	impl := p.lookup(msg.Event.ID)
	if impl.owner != p.NodeID {
		return errors.AssertionFailedf("subscribe for %v routed to non-owner", msg.Event.ID)
	}

	var triggerGen uint32
	subscriptionRecorded := false

	// Early out: a stale generation read may already satisfy the
	// subscription without the lock.
	if staleGen := impl.generation.Load(); staleGen >= msg.Event.Gen {
		triggerGen = staleGen
	} else {
		impl.mu.Lock()
		// Send an update message if anything newer than the requestor's
		// previous subscription has triggered.
		if g := impl.generation.Load(); g > msg.PreviousSubscribeGen {
			triggerGen = g
		}
		if msg.Event.Gen == impl.generation.Load()+1 {
			if impl.remoteWaiters == nil {
				impl.remoteWaiters = node.NewSet()
			}
			impl.remoteWaiters.Add(msg.Node)
			subscriptionRecorded = true
		} else if msg.Event.Gen > impl.generation.Load() {
			impl.mu.Unlock()
			return errors.AssertionFailedf(
				"subscription for %v is newer than the current generation", msg.Event)
		}
		impl.mu.Unlock()
	}

	if subscriptionRecorded {
		p.log.Debug("event subscription recorded",
			zap.Stringer("node", msg.Node), zap.Stringer("event", msg.Event))
	}
	if triggerGen > 0 {
		// Reading the poison list after the generation load is safe: the
		// list is always published before the generation.
		return p.Config.Update.Send(ctx, msg.Node, UpdateMessage{
			Event:               handle.Event{ID: msg.Event.ID, Gen: triggerGen},
			PoisonedGenerations: impl.poisonSnapshot(),
		})
	}
	return nil
}

func (p *Pool) handleTrigger(ctx context.Context, msg TriggerMessage) error {
	p.log.Debug("remote event trigger",
		zap.Stringer("event", msg.Event), zap.Stringer("node", msg.Node))
	impl := p.lookup(msg.Event.ID)
	if impl.owner != p.NodeID {
		return errors.AssertionFailedf("trigger for %v routed to non-owner", msg.Event.ID)
	}
	return p.triggerOwned(impl, msg.Event.Gen, msg.Poisoned)
}

func (p *Pool) handleUpdate(ctx context.Context, msg UpdateMessage) error {
	p.log.Debug("event update",
		zap.Stringer("event", msg.Event),
		zap.Uint32s("poisoned", msg.PoisonedGenerations))
	if msg.Event.ID.Kind() != id.KindEvent {
		return errors.AssertionFailedf("event update for non-event id %v", msg.Event.ID)
	}
	p.processUpdate(p.lookup(msg.Event.ID), msg.Event.Gen, msg.PoisonedGenerations)
	return nil
}

// Package mock assembles multi-node runtimes over an in-memory
// transport network for tests.
package mock

import (
	"github.com/mpokorny/legion"
	"github.com/mpokorny/legion/internal/barrier"
	"github.com/mpokorny/legion/internal/event"
	"github.com/mpokorny/legion/internal/transport/tmock"
)

// Network carries all six message kinds between in-process nodes.
type Network struct {
	eventSubscribe   *tmock.Network[event.SubscribeMessage]
	eventTrigger     *tmock.Network[event.TriggerMessage]
	eventUpdate      *tmock.Network[event.UpdateMessage]
	barrierAdjust    *tmock.Network[barrier.AdjustMessage]
	barrierSubscribe *tmock.Network[barrier.SubscribeMessage]
	barrierTrigger   *tmock.Network[barrier.TriggerMessage]
}

func NewNetwork() *Network {
	return &Network{
		eventSubscribe:   tmock.NewNetwork[event.SubscribeMessage](),
		eventTrigger:     tmock.NewNetwork[event.TriggerMessage](),
		eventUpdate:      tmock.NewNetwork[event.UpdateMessage](),
		barrierAdjust:    tmock.NewNetwork[barrier.AdjustMessage](),
		barrierSubscribe: tmock.NewNetwork[barrier.SubscribeMessage](),
		barrierTrigger:   tmock.NewNetwork[barrier.TriggerMessage](),
	}
}

// NewTransport routes one node's endpoints on the network.
func (n *Network) NewTransport(host legion.NodeID) legion.Transport {
	return legion.Transport{
		EventSubscribe:   n.eventSubscribe.Route(host),
		EventTrigger:     n.eventTrigger.Route(host),
		EventUpdate:      n.eventUpdate.Route(host),
		BarrierAdjust:    n.barrierAdjust.Route(host),
		BarrierSubscribe: n.barrierSubscribe.Route(host),
		BarrierTrigger:   n.barrierTrigger.Route(host),
	}
}

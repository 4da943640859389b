package legion

import (
	"github.com/mpokorny/legion/internal/barrier"
	"github.com/mpokorny/legion/internal/event"
	"github.com/mpokorny/legion/internal/transport"
)

// Transport bundles the six message channels the core exchanges between
// nodes. Each channel must deliver in order, exactly once, between any
// ordered pair of nodes.
type Transport struct {
	EventSubscribe   transport.Oneway[event.SubscribeMessage]
	EventTrigger     transport.Oneway[event.TriggerMessage]
	EventUpdate      transport.Oneway[event.UpdateMessage]
	BarrierAdjust    transport.Oneway[barrier.AdjustMessage]
	BarrierSubscribe transport.Oneway[barrier.SubscribeMessage]
	BarrierTrigger   transport.Oneway[barrier.TriggerMessage]
}

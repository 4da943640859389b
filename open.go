package legion

import (
	"github.com/mpokorny/legion/internal/barrier"
	"github.com/mpokorny/legion/internal/event"
	"go.uber.org/zap"
)

// Open brings up the synchronization core on one node: the event and
// barrier pools, their message handlers bound to tp's channels, and the
// process-wide adjustment timestamp counter seeded with the node id.
func Open(nodeID NodeID, tp Transport, opts ...Option) (*Runtime, error) {
	o := newOptions(opts...)

	rt := &Runtime{options: o, nodeID: nodeID, logger: o.logger}

	var err error
	rt.events, err = event.New(event.Config{
		NodeID:    nodeID,
		Registrar: rt,
		Subscribe: tp.EventSubscribe,
		Trigger:   tp.EventTrigger,
		Update:    tp.EventUpdate,
		Logger:    o.logger,
		MaxSlots:  o.maxSlots,
	})
	if err != nil {
		return nil, err
	}

	rt.barriers, err = barrier.New(barrier.Config{
		NodeID:    nodeID,
		Registrar: rt,
		Redops:    o.redops,
		Adjust:    tp.BarrierAdjust,
		Subscribe: tp.BarrierSubscribe,
		Trigger:   tp.BarrierTrigger,
		Logger:    o.logger,
		MaxSlots:  o.maxSlots,
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("synchronization core open", zap.Stringer("node", nodeID))
	return rt, nil
}

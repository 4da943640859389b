package event_test

import (
	"github.com/mpokorny/legion/internal/event"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/node"
	"github.com/mpokorny/legion/internal/transport/tmock"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// testNet wires event pools over an in-memory network.
type testNet struct {
	subscribe *tmock.Network[event.SubscribeMessage]
	trigger   *tmock.Network[event.TriggerMessage]
	update    *tmock.Network[event.UpdateMessage]
}

func newTestNet() *testNet {
	return &testNet{
		subscribe: tmock.NewNetwork[event.SubscribeMessage](),
		trigger:   tmock.NewNetwork[event.TriggerMessage](),
		update:    tmock.NewNetwork[event.UpdateMessage](),
	}
}

func (n *testNet) pool(nodeID node.ID) *event.Pool {
	p, err := event.New(event.Config{
		NodeID:    nodeID,
		Subscribe: n.subscribe.Route(nodeID),
		Trigger:   n.trigger.Route(nodeID),
		Update:    n.update.Route(nodeID),
		Logger:    zap.NewNop(),
	})
	Expect(err).ToNot(HaveOccurred())
	return p
}

// recordingWaiter remembers its trigger.
type recordingWaiter struct {
	fired    bool
	poisoned bool
	event    handle.Event
}

func (w *recordingWaiter) OnTriggered(e handle.Event, poisoned bool) bool {
	w.fired = true
	w.poisoned = poisoned
	w.event = e
	return false
}

func (w *recordingWaiter) String() string { return "recording waiter" }

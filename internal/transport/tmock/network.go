// Package tmock provides an in-memory transport network for tests.
// Delivery is synchronous: Send invokes the target's handler inline,
// which trivially preserves per-pair ordering.
package tmock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/node"
)

// Network connects the Oneway endpoints for a single message kind.
type Network[M any] struct {
	mu       sync.RWMutex
	handlers map[node.ID]func(ctx context.Context, msg M) error
}

func NewNetwork[M any]() *Network[M] {
	return &Network[M]{handlers: make(map[node.ID]func(ctx context.Context, msg M) error)}
}

// Route returns the endpoint for host. Route itself registers nothing;
// calling Handle on any endpoint for the same host replaces that host's
// previous handler.
func (n *Network[M]) Route(host node.ID) *Oneway[M] {
	return &Oneway[M]{host: host, net: n}
}

func (n *Network[M]) deliver(ctx context.Context, target node.ID, msg M) error {
	n.mu.RLock()
	handler, ok := n.handlers[target]
	n.mu.RUnlock()
	if !ok {
		return errors.Newf("tmock: no handler registered for node %v", target)
	}
	return handler(ctx, msg)
}

// Oneway is one node's endpoint on a Network.
type Oneway[M any] struct {
	host node.ID
	net  *Network[M]
}

func (t *Oneway[M]) Send(ctx context.Context, target node.ID, msg M) error {
	return t.net.deliver(ctx, target, msg)
}

func (t *Oneway[M]) Handle(handler func(ctx context.Context, msg M) error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.net.handlers[t.host] = handler
}

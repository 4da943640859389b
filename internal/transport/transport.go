// Package transport defines the active-message contract between nodes.
// The core requires at-most-one-sender, in-order, exactly-once delivery
// between any ordered pair of nodes; implementations provide it over an
// in-memory network (tmock) or gRPC (transport/grpc).
package transport

import (
	"context"

	"github.com/mpokorny/legion/internal/node"
)

// Oneway carries a single message kind to peer nodes. Each of the six
// wire message kinds rides its own Oneway channel.
type Oneway[M any] interface {
	Sender[M]
	Receiver[M]
}

type Sender[M any] interface {
	Send(ctx context.Context, target node.ID, msg M) error
}

type Receiver[M any] interface {
	// Handle registers the message handler for this node. Handlers must
	// not block beyond taking a slot mutex.
	Handle(handler func(ctx context.Context, msg M) error)
}

package mock

import (
	"github.com/mpokorny/legion"
)

// Builder opens runtimes on successive node ids, all joined to one
// in-memory network.
type Builder struct {
	DefaultOptions []legion.Option
	Runtimes       map[legion.NodeID]*legion.Runtime

	net    *Network
	nextID legion.NodeID
}

func NewBuilder(opts ...legion.Option) *Builder {
	return &Builder{
		DefaultOptions: opts,
		Runtimes:       make(map[legion.NodeID]*legion.Runtime),
		net:            NewNetwork(),
	}
}

func (b *Builder) New(opts ...legion.Option) (*legion.Runtime, error) {
	nodeID := b.nextID
	b.nextID++
	rt, err := legion.Open(nodeID, b.net.NewTransport(nodeID),
		append(append([]legion.Option{}, b.DefaultOptions...), opts...)...)
	if err != nil {
		return nil, err
	}
	b.Runtimes[nodeID] = rt
	return rt, nil
}

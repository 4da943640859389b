// Package redop holds the reduction-operator registry consumed by
// barriers. Operators are registered by opaque id during runtime
// bring-up and looked up on both owner and subscriber nodes, so the
// same ids must be registered everywhere.
package redop

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
)

type ID uint32

// Op describes one reduction operator over raw byte values.
type Op struct {
	// SizeofLHS is the byte size of the accumulated left-hand side.
	SizeofLHS int
	// SizeofRHS is the byte size of each arrival's contribution.
	SizeofRHS int
	// Apply folds count right-hand sides into lhs in place. The
	// exclusive flag promises the caller holds exclusive access to lhs.
	Apply func(lhs, rhs []byte, count int, exclusive bool)
}

type Registry struct {
	mu  sync.RWMutex
	ops map[ID]*Op
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[ID]*Op)}
}

func (r *Registry) Register(id ID, op *Op) error {
	if id == 0 {
		return errors.New("redop: id 0 is reserved for \"no reduction\"")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[id]; ok {
		return errors.Newf("redop: id %d already registered", id)
	}
	r.ops[id] = op
	return nil
}

func (r *Registry) Lookup(id ID) (*Op, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, errors.Newf("redop: no operator registered for id %d", id)
	}
	return op, nil
}

// SumUint64 is a ready-made integer-sum operator over little-endian
// uint64 values.
func SumUint64() *Op {
	return &Op{
		SizeofLHS: 8,
		SizeofRHS: 8,
		Apply: func(lhs, rhs []byte, count int, _ bool) {
			acc := binary.LittleEndian.Uint64(lhs)
			for i := 0; i < count; i++ {
				acc += binary.LittleEndian.Uint64(rhs[i*8:])
			}
			binary.LittleEndian.PutUint64(lhs, acc)
		},
	}
}

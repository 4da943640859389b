// Package id encodes typed identifiers for events and barriers. An ID
// packs {kind, owner node, slot index} into a fixed-width integer; the
// owner field is an observable wire contract interpreted by message
// handlers on every node.
package id

import (
	"fmt"

	"github.com/mpokorny/legion/internal/node"
)

// ID is a packed identifier: kind in the top 8 bits, owner node in the
// next 16, slot index in the low 40. The zero ID is reserved for the
// distinguished "no event" handle.
type ID uint64

type Kind uint8

const (
	KindInvalid Kind = iota
	KindEvent
	KindBarrier
)

const (
	kindShift  = 56
	ownerShift = 40
	indexMask  = (uint64(1) << ownerShift) - 1
)

// Build packs a kind, owner and slot index into an ID.
func Build(kind Kind, owner node.ID, index uint64) ID {
	if index > indexMask {
		panic(fmt.Sprintf("id: slot index %d overflows 40 bits", index))
	}
	return ID(uint64(kind)<<kindShift | uint64(owner)<<ownerShift | index)
}

func (i ID) Kind() Kind     { return Kind(i >> kindShift) }
func (i ID) Owner() node.ID { return node.ID(i >> ownerShift) }
func (i ID) Index() uint64  { return uint64(i) & indexMask }

func (i ID) String() string {
	switch i.Kind() {
	case KindEvent:
		return fmt.Sprintf("e%d.%d", i.Owner(), i.Index())
	case KindBarrier:
		return fmt.Sprintf("b%d.%d", i.Owner(), i.Index())
	default:
		return fmt.Sprintf("id(%#x)", uint64(i))
	}
}

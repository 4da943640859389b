package node

import (
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

// ID uniquely identifies a node in the cluster. IDs are assigned at
// runtime bring-up and are stable for the life of the process.
type ID uint16

func (id ID) String() string { return strconv.Itoa(int(id)) }

// Set is a collection of node IDs, used to track remote subscribers to
// an event or barrier slot.
type Set = mapset.Set[ID]

func NewSet(ids ...ID) Set { return mapset.NewThreadUnsafeSet[ID](ids...) }

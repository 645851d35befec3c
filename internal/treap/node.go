package treap

import "github.com/tigerwill90/kvdb/internal/arena"

// NilNode is the sentinel NodeID denoting an absent child or an empty
// tree. It always occupies index 0 of a node arena's dummy record.
const NilNode arena.ID = 0

// Node is a single treap node. hkey is the FNV-1a hash of key and is the
// primary sort discriminator; key breaks ties. priority is drawn once,
// at allocation time, and never changes across path copies — a clone
// keeps its source's priority verbatim (spec.md §9's note about the
// draft that accidentally reassigned hkey from key does not apply here:
// clone copies every field as-is).
type Node struct {
	Key      string
	HKey     uint64
	ValueID  arena.ID
	Priority uint32
	Left     arena.ID
	Right    arena.ID
}

// clone returns a detached copy of n, ready to have exactly one of its
// children redirected by the caller. This is the one place path-copying
// happens: every recursion level of merge/split that would otherwise
// mutate a node in place instead clones it into a fresh arena slot.
func (n Node) clone() Node {
	return n
}

// less reports whether the composite order (hkey, key) places a strictly
// before b.
func less(ahkey uint64, akey string, bhkey uint64, bkey string) bool {
	if ahkey != bhkey {
		return ahkey < bhkey
	}
	return akey < bkey
}

package treap

import (
	"iter"

	"github.com/tigerwill90/kvdb/internal/arena"
)

// All returns a range-over-func iterator that walks the tree rooted at
// root in ascending (hkey, key) order, yielding each key/value pair.
// Grounded on the teacher's iter.go, which range-iterates its routing
// tree the same way: a closure-based Seq2 over an internal recursive
// walk, rather than a materialized slice.
//
// Because nodes already published into a tree are never mutated, a newer
// root may be built from the same arenas between iterations of the
// range loop: root continues to describe exactly the tree it described
// when it was obtained. The arenas are not synchronized, so that
// building must happen on the iterating goroutine or under the caller's
// own lock.
func (t *Treap) All(root arena.ID) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		t.walk(root, yield)
	}
}

func (t *Treap) walk(id arena.ID, yield func(string, string) bool) bool {
	if id == NilNode {
		return true
	}
	n := t.nodes.Get(id)
	if !t.walk(n.Left, yield) {
		return false
	}
	if !yield(n.Key, t.values.Get(n.ValueID)) {
		return false
	}
	return t.walk(n.Right, yield)
}

// Package arena implements append-only, index-addressed storage for the
// persistent treap's nodes and values. An Arena never reuses, shrinks,
// or invalidates an id once handed out (except via Reset, used only
// during a full image load), which is what lets an old root id keep
// denoting a complete historical version at O(1) cost.
package arena

// ID identifies a record inside an Arena. The zero value is reserved by
// callers that need a sentinel (the persistent treap uses ID 0 as the
// "empty subtree" marker for its node arena).
type ID int

// Arena is a generic append-only vector addressed by ID. Records are
// returned by value from Get, so callers always observe a frozen copy;
// this upholds the treap's persistence invariant that no published node
// is ever mutated after the fact, since arena.Arena itself never hands
// out a pointer into its backing slice.
type Arena[T any] struct {
	records []T
}

// New returns an empty arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Add appends rec and returns its newly assigned id.
func (a *Arena[T]) Add(rec T) ID {
	a.records = append(a.records, rec)
	return ID(len(a.records) - 1)
}

// Get returns a copy of the record stored at id.
func (a *Arena[T]) Get(id ID) T {
	return a.records[id]
}

// Set overwrites the record at id. Callers must only use this on an id
// obtained from Add earlier in the same operation, before that id is
// shared with anything outside the call: once a record has been
// returned to a caller as part of a published tree, it must never be
// mutated again. Arena has no way to enforce that; the treap package is
// the only caller and upholds it by construction.
func (a *Arena[T]) Set(id ID, rec T) {
	a.records[id] = rec
}

// Len reports how many records the arena currently holds.
func (a *Arena[T]) Len() int {
	return len(a.records)
}

// Reset clears the arena. Only the image codec calls this, while
// reloading a full image from disk; it is never used during normal
// command processing.
func (a *Arena[T]) Reset() {
	a.records = a.records[:0]
}

package command

import "github.com/tigerwill90/kvdb/internal/watch"

// Store is everything the command dispatcher needs from the backing
// store. internal/store.Store implements it; command only ever depends
// on this interface, never on the concrete type, following the same
// "accept interfaces" convention the teacher's router.go holds for its
// matcher/iterator collaborators.
type Store interface {
	// Get returns the live value for key.
	Get(key string) (value string, ok bool)
	// Set inserts key/value into the live tree. Returns treap.ErrKeyExists
	// if key already holds a different value.
	Set(key, value string) error
	// Del removes key from the live tree. Returns treap.ErrKeyNotFound if
	// key is absent.
	Del(key string) error
	// Edit replaces key's value. Returns treap.ErrKeyNotFound if key is
	// absent.
	Edit(key, value string) error
	// Snapshot appends the live root as a new version and returns its
	// zero-based number.
	Snapshot() int
	// VGet reads key through the root of version v. err is non-nil only
	// when v is out of range; found is false when v is valid but key is
	// absent from that version.
	VGet(v int, key string) (value string, found bool, err error)
	// Change promotes version v to the live root. Returns
	// version.ErrOutOfRange if v is out of range.
	Change(v int) error
	// StoreFull saves the full durable image to path.
	StoreFull(path string) error
	// VStoreTree saves the live tree only, as a VSTORE export, to path.
	VStoreTree(path string) error
	// LoadFull replaces the entire store (arenas, versions, live root)
	// from the full image at path.
	LoadFull(path string) error
	// VLoadTree replaces only the live tree from the VSTORE export at
	// path; version history is untouched.
	VLoadTree(path string) error
	// Watch registers sub's interest in (key, op).
	Watch(sub watch.Subscriber, key string, op watch.Op)
	// Unwatch removes sub's interest in (key, op); reports whether it had
	// been registered.
	Unwatch(sub watch.Subscriber, key string, op watch.Op) bool
	// UnwatchAll removes every watch owned by sub and reports how many
	// were removed.
	UnwatchAll(sub watch.Subscriber) int
	// Stats reports current arena/version sizes for the STATS verb.
	Stats() Stats
}

// Stats is the snapshot of store sizes reported by STATS.
type Stats struct {
	Nodes      int
	Values     int
	Versions   int
	LiveRootID int
}

// Package version implements the append-only version registry described
// in spec.md §4.E: a zero-indexed, ever-growing list of tree roots. Each
// entry just remembers which arena.ID a tree's root lived at; the tree itself
// lives in the arenas owned by internal/treap and is never copied by
// this package.
package version

import (
	"errors"
	"fmt"

	"github.com/tigerwill90/kvdb/internal/arena"
)

// ErrOutOfRange is returned by At and Promote when asked for a version
// number that has never been recorded.
var ErrOutOfRange = errors.New("version out of range")

// Registry is the append-only list of historical roots. The zero value
// is a usable empty registry with no versions recorded yet; version 0
// does not exist until Snapshot is called for the first time.
type Registry struct {
	roots []arena.ID
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Snapshot appends root as the newest version and returns its number.
// Version numbers are zero-based and assigned in append order, so the
// first call to Snapshot always returns 0.
func (r *Registry) Snapshot(root arena.ID) int {
	r.roots = append(r.roots, root)
	return len(r.roots) - 1
}

// At returns the root recorded as version n.
func (r *Registry) At(n int) (arena.ID, error) {
	if n < 0 || n >= len(r.roots) {
		return arena.ID(0), fmt.Errorf("version %d: %w", n, ErrOutOfRange)
	}
	return r.roots[n], nil
}

// Latest returns the most recently recorded version's root, and ok=false
// if no version has ever been recorded.
func (r *Registry) Latest() (arena.ID, bool) {
	if len(r.roots) == 0 {
		return arena.ID(0), false
	}
	return r.roots[len(r.roots)-1], true
}

// Count reports how many versions have been recorded.
func (r *Registry) Count() int {
	return len(r.roots)
}

// Promote appends a fresh copy of version n as the new newest version
// and returns the new version's number. This is how CHANGE (rollback)
// works: rolling back never removes history, it only adds a version
// whose root happens to equal an older one's.
func (r *Registry) Promote(n int) (int, error) {
	root, err := r.At(n)
	if err != nil {
		return 0, err
	}
	return r.Snapshot(root), nil
}

// All returns every recorded root, in version-number order. Used by the
// image codec to serialize the full version list; callers must not
// mutate the returned slice.
func (r *Registry) All() []arena.ID {
	return r.roots
}

// Load replaces the registry's contents wholesale with roots, in version
// order. Used only by the image codec while reloading a full image.
func (r *Registry) Load(roots []arena.ID) {
	r.roots = roots
}

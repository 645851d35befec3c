// Package treap implements the persistent, copy-on-write ordered map
// described in spec.md §4.D: a treap ordered by the composite key
// (hkey, key), heap-ordered by a per-node random priority, whose merge
// and split primitives clone rather than mutate every node on the
// recursion path so that any prior root remains a valid, frozen view
// of the tree as it existed at that point.
//
// This generalizes the clone-on-write idiom of the teacher's HTTP
// routing tree (node.clone(), tree.go's updateToRoot spine-cloning) from
// an n-ary radix trie to a binary treap.
package treap

import (
	"errors"
	"math/rand/v2"

	"github.com/tigerwill90/kvdb/internal/arena"
	"github.com/tigerwill90/kvdb/internal/fnvhash"
)

var (
	// ErrKeyExists is returned by Insert when key is already present with
	// a different value. Inserting the same value again is not an error:
	// it is treated as a no-op that returns the unchanged root.
	ErrKeyExists = errors.New("key already exists")
	// ErrKeyNotFound is returned by Edit when key is absent. Remove is
	// intentionally not in this list: Remove of an absent key is a no-op,
	// per spec.md §4.D and invariant 3 of §8.
	ErrKeyNotFound = errors.New("key not found")
	// ErrEmptyKey is returned by Insert for a zero-length key, per the
	// data model's "opaque non-empty byte string" invariant.
	ErrEmptyKey = errors.New("key must not be empty")
)

// Treap is the persistent map itself. It holds no root: every operation
// takes an explicit root arena.ID and returns a (possibly different) new
// one, so a Treap can be shared by every Version simultaneously: the
// caller (internal/store), not the Treap, remembers which root is live,
// and the version registry remembers the historical roots.
type Treap struct {
	nodes  *arena.Arena[Node]
	values *arena.Arena[string]
	rng    *rand.Rand
}

// New returns a Treap backed by nodes and values. nodes must have been
// created with NewNodeArena (or already loaded from an image by the
// same convention) so that index 0 holds the sentinel record. rng
// supplies node priorities; the caller owns it and is expected to seed
// it once, from a monotonic clock reading, at store construction time.
// Never share one rng between independent stores (spec.md §9, "Global
// arenas vs per-instance arenas").
func New(nodes *arena.Arena[Node], values *arena.Arena[string], rng *rand.Rand) *Treap {
	return &Treap{nodes: nodes, values: values, rng: rng}
}

// NewNodeArena returns a node arena with the index-0 sentinel already
// present, as required before any Treap operation runs against it.
func NewNodeArena() *arena.Arena[Node] {
	a := arena.New[Node]()
	a.Add(Node{})
	return a
}

// ResetNodeArena clears a and re-seeds the index-0 sentinel. Only the
// image codec calls this, while reloading a full image.
func ResetNodeArena(a *arena.Arena[Node]) {
	a.Reset()
	a.Add(Node{})
}

// NodeAt returns a copy of the node stored at id. Used by the image
// codec and by tests; ordinary command processing goes through Find/
// Insert/Remove/Edit instead.
func (t *Treap) NodeAt(id arena.ID) Node {
	return t.nodes.Get(id)
}

// ValueAt returns the value stored at id.
func (t *Treap) ValueAt(id arena.ID) string {
	return t.values.Get(id)
}

// NodeCount reports how many records the node arena holds, including
// the sentinel at index 0.
func (t *Treap) NodeCount() int {
	return t.nodes.Len()
}

// ValueCount reports how many records the value arena holds.
func (t *Treap) ValueCount() int {
	return t.values.Len()
}

// Find returns the value stored under key in the tree rooted at root.
func (t *Treap) Find(root arena.ID, key string) (string, bool) {
	return t.find(root, key, fnvhash.Sum64(key))
}

func (t *Treap) find(id arena.ID, key string, hk uint64) (string, bool) {
	if id == NilNode {
		return "", false
	}
	n := t.nodes.Get(id)
	if n.HKey == hk && n.Key == key {
		return t.values.Get(n.ValueID), true
	}
	if less(hk, key, n.HKey, n.Key) {
		return t.find(n.Left, key, hk)
	}
	return t.find(n.Right, key, hk)
}

// findLessThan returns the in-order predecessor key of (key, hk) within
// the tree rooted at id: the largest key that sorts strictly before it
// under the composite order. Used only by Remove.
func (t *Treap) findLessThan(id arena.ID, key string, hk uint64) (string, bool) {
	if id == NilNode {
		return "", false
	}
	n := t.nodes.Get(id)
	if less(n.HKey, n.Key, hk, key) {
		if k, ok := t.findLessThan(n.Right, key, hk); ok {
			return k, true
		}
		return n.Key, true
	}
	return t.findLessThan(n.Left, key, hk)
}

// Size returns the number of keys reachable from root.
func (t *Treap) Size(root arena.ID) int {
	if root == NilNode {
		return 0
	}
	n := t.nodes.Get(root)
	return 1 + t.Size(n.Left) + t.Size(n.Right)
}

// Reset clears both arenas, leaving only the node arena's index-0
// sentinel behind. Used exclusively by the image codec while loading a
// full image; never called during normal command processing.
func (t *Treap) Reset() {
	ResetNodeArena(t.nodes)
	t.values.Reset()
}

// LoadNode appends a raw, already-fully-formed node record (as read back
// from a durable image) and returns its newly assigned id. Unlike
// Insert, this bypasses split/merge entirely: the codec is reproducing
// an exact prior structure, not performing a new logical mutation.
func (t *Treap) LoadNode(n Node) arena.ID {
	return t.nodes.Add(n)
}

// LoadValue appends a raw value record and returns its newly assigned
// id. See LoadNode.
func (t *Treap) LoadValue(v string) arena.ID {
	return t.values.Add(v)
}

// Insert adds key/value to the tree rooted at root and returns the new
// root. If key is already present with the same value, root is returned
// unchanged (idempotent no-op). If key is present with a different
// value, ErrKeyExists is returned along with the unchanged root:
// duplicate insert is an error, never a silent overwrite.
func (t *Treap) Insert(root arena.ID, key, value string) (arena.ID, error) {
	if key == "" {
		return root, ErrEmptyKey
	}
	hk := fnvhash.Sum64(key)
	if existing, ok := t.find(root, key, hk); ok {
		if existing == value {
			return root, nil
		}
		return root, ErrKeyExists
	}

	leftOrEqual, greater := t.split(root, key, hk)
	leaf := t.newLeaf(key, hk, value)
	merged := t.merge(leaf, greater)
	return t.merge(leftOrEqual, merged), nil
}

// Remove deletes key from the tree rooted at root and returns the new
// root. Removing an absent key is a no-op that returns root unchanged.
func (t *Treap) Remove(root arena.ID, key string) arena.ID {
	hk := fnvhash.Sum64(key)
	if _, ok := t.find(root, key, hk); !ok {
		return root
	}

	lt, hasPredecessor := t.findLessThan(root, key, hk)
	leftOrEqual, greater := t.split(root, key, hk)
	if !hasPredecessor {
		// key was the minimum key in the tree: leftOrEqual is exactly
		// {key}, so discarding it and keeping greater removes it.
		return greater
	}

	// leftOrEqual ranges over everything <= key; splitting it again at
	// the immediate predecessor isolates {key} as the "greater" half of
	// that second split (nothing lies strictly between lt and key), so
	// discarding that half drops exactly the removed entry.
	upToPredecessor, _ := t.split(leftOrEqual, lt, fnvhash.Sum64(lt))
	return t.merge(upToPredecessor, greater)
}

// Edit replaces the value stored under key; semantically Remove followed
// by Insert, legal only when key is already present.
func (t *Treap) Edit(root arena.ID, key, value string) (arena.ID, error) {
	if _, ok := t.Find(root, key); !ok {
		return root, ErrKeyNotFound
	}
	removed := t.Remove(root, key)
	return t.Insert(removed, key, value)
}

// newLeaf allocates a fresh value and a fresh leaf node carrying it, and
// returns the new node's id. The priority is drawn once here and is
// never recomputed by any later clone of this node.
func (t *Treap) newLeaf(key string, hk uint64, value string) arena.ID {
	vid := t.values.Add(value)
	return t.nodes.Add(Node{
		Key:      key,
		HKey:     hk,
		ValueID:  vid,
		Priority: t.rng.Uint32(),
		Left:     NilNode,
		Right:    NilNode,
	})
}

// split partitions the subtree rooted at id against the composite order
// of (hk, key). The first result holds every key less-than-or-equal to
// (hk, key); the second holds every key strictly greater. This boundary
// (rather than the symmetric strictly-less/greater-or-equal split a
// textbook write-up might suggest) is what makes Remove's single pass
// over the predecessor key correct: see Remove above, and spec.md §9's
// discussion of the remove implementation contract.
func (t *Treap) split(id arena.ID, key string, hk uint64) (arena.ID, arena.ID) {
	if id == NilNode {
		return NilNode, NilNode
	}
	orig := t.nodes.Get(id)
	cloneID := t.nodes.Add(orig.clone())

	if less(hk, key, orig.HKey, orig.Key) {
		// orig sorts strictly after (hk, key): orig and its right
		// subtree belong entirely to the "greater" output.
		lessOrEqual, greater := t.split(orig.Left, key, hk)
		t.setLeft(cloneID, greater)
		return lessOrEqual, cloneID
	}

	// orig sorts at or before (hk, key): orig and its left subtree
	// belong entirely to the "less-or-equal" output.
	lessOrEqual, greater := t.split(orig.Right, key, hk)
	t.setRight(cloneID, lessOrEqual)
	return cloneID, greater
}

// merge concatenates two trees, requiring every key in left to sort
// before every key in right; the caller guarantees this by construction
// (both operands always originate from a split of the same tree).
func (t *Treap) merge(left, right arena.ID) arena.ID {
	if right == NilNode {
		return left
	}
	if left == NilNode {
		return right
	}

	ln := t.nodes.Get(left)
	rn := t.nodes.Get(right)
	if ln.Priority > rn.Priority {
		cloneID := t.nodes.Add(ln.clone())
		t.setRight(cloneID, t.merge(ln.Right, right))
		return cloneID
	}
	cloneID := t.nodes.Add(rn.clone())
	t.setLeft(cloneID, t.merge(left, rn.Left))
	return cloneID
}

func (t *Treap) setLeft(id, left arena.ID) {
	n := t.nodes.Get(id)
	n.Left = left
	t.nodes.Set(id, n)
}

func (t *Treap) setRight(id, right arena.ID) {
	n := t.nodes.Get(id)
	n.Right = right
	t.nodes.Set(id, n)
}

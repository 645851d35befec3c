// Package store wires together the persistent treap, the version
// registry, the durable image codec and the watch manager into the
// single object the command dispatcher drives: one live tree, a history
// of snapshots, and a set of subscribers to notify on every mutation.
//
// A Store owns two mutable pieces of state outside its collaborators:
// the live root id and the index of the newest version recorded by
// SNAPSHOT, CHANGE or LOAD. Every tree, version and image handler takes
// the store's mutex (Watch, Unwatch and UnwatchAll rely on the watch
// manager's own mutex instead), so concurrent calls observe a consistent view even
// though internal/server dispatches them from its own goroutine per
// spec.md §4.H; this mirrors the teacher's *Router holding a single
// internal mutex around its route tree.
package store

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tigerwill90/kvdb/internal/arena"
	"github.com/tigerwill90/kvdb/internal/command"
	"github.com/tigerwill90/kvdb/internal/image"
	"github.com/tigerwill90/kvdb/internal/treap"
	"github.com/tigerwill90/kvdb/internal/version"
	"github.com/tigerwill90/kvdb/internal/watch"
)

// Store implements command.Store. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.Mutex

	tr       *treap.Treap
	versions *version.Registry
	watches  *watch.Manager
	log      *slog.Logger

	liveRoot    arena.ID
	liveVersion int // -1 until the first SNAPSHOT or CHANGE
}

var _ command.Store = (*Store)(nil)

// New returns an empty Store with its own PRNG, seeded from the current
// time rather than a package-level source so that two Stores in the
// same process (as in tests) never share node priorities. Per spec.md
// §9 ("global arenas vs per-instance arenas"), every piece of mutable
// state the original program kept at file scope is moved onto this
// struct instead.
func New(opts ...Option) *Store {
	cfg := config{
		watchQueueCapacity: 100,
		logger:             nil,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	seed1 := uint64(time.Now().UnixNano())
	seed2 := uint64(time.Now().UnixNano()) ^ 0x9e3779b97f4a7c15

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	watchOpts := []watch.Option{
		watch.WithQueueCapacity(cfg.watchQueueCapacity),
		watch.WithLogger(logger),
	}

	return &Store{
		tr:          treap.New(treap.NewNodeArena(), arena.New[string](), rand.New(rand.NewPCG(seed1, seed2))),
		versions:    version.New(),
		watches:     watch.New(watchOpts...),
		log:         logger,
		liveRoot:    treap.NilNode,
		liveVersion: -1,
	}
}

// Close stops the watch manager's delivery goroutine. Callers should
// call this once the store is no longer serving commands.
func (s *Store) Close() {
	s.watches.Close()
}

// Get returns the live value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr.Find(s.liveRoot, key)
}

// Set inserts key/value into the live tree and, on success, notifies
// every subscriber watching (key, SET) or (key, ALL).
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.tr.Insert(s.liveRoot, key, value)
	if err != nil {
		return err
	}
	s.liveRoot = root
	s.watches.Notify(key, watch.OpSet, value, true)
	return nil
}

// Del removes key from the live tree and notifies matching subscribers.
func (s *Store) Del(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tr.Find(s.liveRoot, key); !ok {
		return treap.ErrKeyNotFound
	}
	s.liveRoot = s.tr.Remove(s.liveRoot, key)
	s.watches.Notify(key, watch.OpDel, "", false)
	return nil
}

// Edit replaces key's value in the live tree and notifies matching
// subscribers.
func (s *Store) Edit(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.tr.Edit(s.liveRoot, key, value)
	if err != nil {
		return err
	}
	s.liveRoot = root
	s.watches.Notify(key, watch.OpEdit, value, true)
	return nil
}

// Snapshot appends the live root as a new version.
func (s *Store) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.versions.Snapshot(s.liveRoot)
	s.liveVersion = n
	return n
}

// VGet reads key through the root recorded as version v.
func (s *Store) VGet(v int, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.versions.At(v)
	if err != nil {
		return "", false, err
	}
	value, ok := s.tr.Find(root, key)
	return value, ok, nil
}

// Change promotes version v to be the live root. Per spec.md §4.E,
// subsequent mutations branch from it and older snapshots remain
// reachable: Promote appends a fresh version entry rather than
// rewinding the registry.
func (s *Store) Change(v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.versions.At(v)
	if err != nil {
		return err
	}
	newVersion, err := s.versions.Promote(v)
	if err != nil {
		return err
	}
	s.liveRoot = root
	s.liveVersion = newVersion
	return nil
}

// StoreFull saves the full durable image: live root, every node and
// value in the arenas, and every recorded version root.
func (s *Store) StoreFull(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return image.SaveFull(path, s.tr, s.liveRoot, s.versions.All(), s.logger())
}

// VStoreTree saves the live tree only, as a VSTORE export.
func (s *Store) VStoreTree(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return image.SaveTree(path, s.tr, s.liveRoot, s.logger())
}

// LoadFull replaces the entire store (arenas, versions, live root) from
// the full image at path. A failed load leaves the store untouched,
// since image.LoadFull only mutates the treap's arenas after the whole
// file has parsed successfully.
func (s *Store) LoadFull(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, versions, err := image.LoadFull(path, s.tr, s.logger())
	if err != nil {
		return err
	}
	s.liveRoot = root
	s.versions.Load(versions)
	s.liveVersion = len(versions) - 1
	return nil
}

// VLoadTree replaces only the live tree from the VSTORE export at path;
// version history is left untouched.
func (s *Store) VLoadTree(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := image.LoadTree(path, s.tr, s.logger())
	if err != nil {
		return err
	}
	s.liveRoot = root
	return nil
}

// Watch registers sub's interest in (key, op).
func (s *Store) Watch(sub watch.Subscriber, key string, op watch.Op) {
	s.watches.Watch(sub, key, op)
}

// Unwatch removes sub's interest in (key, op).
func (s *Store) Unwatch(sub watch.Subscriber, key string, op watch.Op) bool {
	return s.watches.Unwatch(sub, key, op)
}

// UnwatchAll removes every watch owned by sub, e.g. on disconnect.
func (s *Store) UnwatchAll(sub watch.Subscriber) int {
	return s.watches.UnwatchAll(sub)
}

// Stats reports current arena/version sizes for the STATS verb.
func (s *Store) Stats() command.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return command.Stats{
		Nodes:      s.tr.NodeCount() - 1,
		Values:     s.tr.ValueCount(),
		Versions:   s.versions.Count(),
		LiveRootID: int(s.liveRoot),
	}
}

func (s *Store) logger() *slog.Logger {
	return s.log
}

// String reports a short human-readable summary, useful in startup logs.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("store(nodes=%d values=%d versions=%d)", s.tr.NodeCount()-1, s.tr.ValueCount(), s.versions.Count())
}

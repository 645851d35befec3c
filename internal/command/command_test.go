package command

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigerwill90/kvdb/internal/image"
	"github.com/tigerwill90/kvdb/internal/treap"
	"github.com/tigerwill90/kvdb/internal/version"
	"github.com/tigerwill90/kvdb/internal/watch"
)

// fakeStore is a minimal, fully in-memory stand-in for internal/store,
// just large enough to drive every Dispatcher code path without
// depending on the real treap/arena machinery.
type fakeStore struct {
	data        map[string]string
	versions    []map[string]string
	live        int
	storeErr    error
	loadErr     error
	vstoreErr   error
	vloadErr    error
	watches     []watchCall
	unwatches   []watchCall
	unwatchAlls []watch.Subscriber
}

type watchCall struct {
	sub watch.Subscriber
	key string
	op  watch.Op
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

func (f *fakeStore) Get(key string) (string, bool) {
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeStore) Set(key, value string) error {
	if existing, ok := f.data[key]; ok && existing != value {
		return treap.ErrKeyExists
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) Del(key string) error {
	if _, ok := f.data[key]; !ok {
		return treap.ErrKeyNotFound
	}
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Edit(key, value string) error {
	if _, ok := f.data[key]; !ok {
		return treap.ErrKeyNotFound
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) Snapshot() int {
	snap := make(map[string]string, len(f.data))
	for k, v := range f.data {
		snap[k] = v
	}
	f.versions = append(f.versions, snap)
	return len(f.versions) - 1
}

func (f *fakeStore) VGet(v int, key string) (string, bool, error) {
	if v < 0 || v >= len(f.versions) {
		return "", false, version.ErrOutOfRange
	}
	value, ok := f.versions[v][key]
	return value, ok, nil
}

func (f *fakeStore) Change(v int) error {
	if v < 0 || v >= len(f.versions) {
		return version.ErrOutOfRange
	}
	f.live = v
	return nil
}

func (f *fakeStore) StoreFull(path string) error  { return f.storeErr }
func (f *fakeStore) VStoreTree(path string) error { return f.vstoreErr }
func (f *fakeStore) LoadFull(path string) error   { return f.loadErr }
func (f *fakeStore) VLoadTree(path string) error  { return f.vloadErr }

func (f *fakeStore) Watch(sub watch.Subscriber, key string, op watch.Op) {
	f.watches = append(f.watches, watchCall{sub, key, op})
}

func (f *fakeStore) Unwatch(sub watch.Subscriber, key string, op watch.Op) bool {
	f.unwatches = append(f.unwatches, watchCall{sub, key, op})
	return true
}

func (f *fakeStore) UnwatchAll(sub watch.Subscriber) int {
	f.unwatchAlls = append(f.unwatchAlls, sub)
	return 0
}

func (f *fakeStore) Stats() Stats {
	return Stats{Nodes: len(f.data), Values: len(f.data), Versions: len(f.versions), LiveRootID: f.live}
}

type fakeSubscriber string

func (s fakeSubscriber) Deliver(line string) error { return nil }
func (s fakeSubscriber) ID() string                { return string(s) }

func newTestDispatcher() (*Dispatcher, *fakeStore) {
	store := newFakeStore()
	return New(store, slog.New(slog.NewTextHandler(discardWriter{}, nil))), store
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestScenarioBasicSetGet(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	require.Equal(t, "OK\n", d.Handle(sub, "SET tirth great"))
	require.Equal(t, "OK great\n", d.Handle(sub, "GET tirth"))
	require.Equal(t, "ERROR Key not found\n", d.Handle(sub, "GET none"))
}

func TestScenarioEditAndHistoricalRead(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	require.Equal(t, "OK\n", d.Handle(sub, "SET abhigyan supergreat"))
	require.Equal(t, "OK\n", d.Handle(sub, "SET rijul notgreat"))
	require.Equal(t, "OK Snapshot created, version 0\n", d.Handle(sub, "SNAPSHOT"))
	require.Equal(t, "OK\n", d.Handle(sub, "EDIT abhigyan supersupergreat"))
	require.Equal(t, "OK supergreat\n", d.Handle(sub, "VGET 0 abhigyan"))
	require.Equal(t, "OK supersupergreat\n", d.Handle(sub, "GET abhigyan"))
}

func TestScenarioDeleteAndHistoricalSurvival(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	require.Equal(t, "OK\n", d.Handle(sub, "SET rijul notgreat"))
	require.Equal(t, "OK Snapshot created, version 0\n", d.Handle(sub, "SNAPSHOT"))
	require.Equal(t, "OK\n", d.Handle(sub, "DEL rijul"))
	require.Equal(t, "OK notgreat\n", d.Handle(sub, "VGET 0 rijul"))
	require.Equal(t, "ERROR Key not found\n", d.Handle(sub, "GET rijul"))
}

func TestScenarioCollisionLeavesOriginalValue(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	require.Equal(t, "OK\n", d.Handle(sub, "SET k v1"))
	require.Equal(t, "ERROR Key already exists\n", d.Handle(sub, "SET k v2"))
	require.Equal(t, "OK v1\n", d.Handle(sub, "GET k"))
}

func TestScenarioWatchResponseText(t *testing.T) {
	d, store := newTestDispatcher()
	a := fakeSubscriber("A")

	require.Equal(t, "OK Watching foo for ALL operations\n", d.Handle(a, "WATCH foo ALL"))
	require.Len(t, store.watches, 1)
	require.Equal(t, watchCall{a, "foo", watch.OpAll}, store.watches[0])
}

func TestScenarioVGetEmptyVersionKeyMissing(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	require.Equal(t, "OK\n", d.Handle(sub, "SET a 1"))
	require.Equal(t, "OK Snapshot created, version 0\n", d.Handle(sub, "SNAPSHOT"))
	require.Equal(t, "OK\n", d.Handle(sub, "SET b 2"))

	require.Equal(t, "OK 1\n", d.Handle(sub, "GET a"))
	require.Equal(t, "ERROR Key not found in version 0\n", d.Handle(sub, "VGET 0 b"))
}

func TestVGetInvalidVersionIsDistinctFromMissingKey(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	require.Equal(t, "OK\n", d.Handle(sub, "SET a 1"))
	require.Equal(t, "OK Snapshot created, version 0\n", d.Handle(sub, "SNAPSHOT"))

	require.Equal(t, "ERROR Invalid version\n", d.Handle(sub, "VGET 5 a"))
	require.Equal(t, "ERROR Invalid version\n", d.Handle(sub, "VGET -1 a"))
	require.Equal(t, "ERROR Invalid version\n", d.Handle(sub, "VGET notanumber a"))
}

func TestChangeOutOfRange(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "ERROR Invalid version\n", d.Handle(sub, "CHANGE 3"))
}

func TestArityErrorsFallBackToUnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	cases := []string{"GET", "SET", "SET onlykey", "DEL", "EDIT", "EDIT onlykey", "SNAPSHOT extra", "VGET", "VGET 0", "CHANGE", "STORE", "WATCH", "WATCH key"}
	for _, line := range cases {
		require.Equal(t, "ERROR Unknown command\n", d.Handle(sub, line), "line=%q", line)
	}
}

func TestWhitespaceArityOverflowReportsSpecificError(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")

	require.Equal(t, "ERROR Key must not contain whitespace\n", d.Handle(sub, "GET a b"))
	require.Equal(t, "ERROR Value must not contain whitespace\n", d.Handle(sub, "SET a b c"))
	require.Equal(t, "ERROR Key must not contain whitespace\n", d.Handle(sub, "DEL a b"))
	require.Equal(t, "ERROR Value must not contain whitespace\n", d.Handle(sub, "EDIT a b c"))
	require.Equal(t, "ERROR Key must not contain whitespace\n", d.Handle(sub, "VGET 0 a b"))
}

func TestUnknownVerb(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "ERROR Unknown command\n", d.Handle(sub, "FROBNICATE key"))
}

func TestEmptyAndWhitespaceOnlyLines(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "ERROR Unknown command\n", d.Handle(sub, ""))
	require.Equal(t, "ERROR Unknown command\n", d.Handle(sub, "   \t  "))
}

func TestWatchInvalidOp(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "ERROR Invalid watch operation\n", d.Handle(sub, "WATCH foo BOGUS"))
}

func TestUnwatchAllOmittedKey(t *testing.T) {
	d, store := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "OK\n", d.Handle(sub, "UNWATCH"))
	require.Len(t, store.unwatchAlls, 1)
	require.Equal(t, sub, store.unwatchAlls[0])
}

func TestUnwatchSpecificPair(t *testing.T) {
	d, store := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "OK\n", d.Handle(sub, "UNWATCH foo SET"))
	require.Len(t, store.unwatches, 1)
	require.Equal(t, watchCall{sub, "foo", watch.OpSet}, store.unwatches[0])
}

func TestUnwatchWrongArity(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "ERROR Unknown command\n", d.Handle(sub, "UNWATCH foo"))
}

func TestStatsReportsStoreSizes(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "OK\n", d.Handle(sub, "SET a 1"))
	require.Equal(t, "OK Snapshot created, version 0\n", d.Handle(sub, "SNAPSHOT"))
	require.Equal(t, "OK nodes=1 values=1 versions=1 live_root=0\n", d.Handle(sub, "STATS"))
}

func TestStoreLoadErrorsWrapImageErrOpen(t *testing.T) {
	sub := fakeSubscriber("a")
	store := newFakeStore()
	store.storeErr = fmt.Errorf("%w: /no/such/dir: permission denied", image.ErrOpen)
	store.loadErr = fmt.Errorf("%w: missing.img: no such file", image.ErrOpen)
	store.vstoreErr = fmt.Errorf("%w: bad: boom", image.ErrOpen)
	store.vloadErr = fmt.Errorf("%w: bad: boom", image.ErrOpen)
	d := New(store, slog.New(slog.NewTextHandler(discardWriter{}, nil)))

	require.Equal(t, "ERROR in opening /path\n", d.Handle(sub, "STORE /path"))
	require.Equal(t, "ERROR in opening /path\n", d.Handle(sub, "LOAD /path"))
	require.Equal(t, "ERROR in opening /path\n", d.Handle(sub, "VSTORE /path"))
	require.Equal(t, "ERROR in opening /path\n", d.Handle(sub, "VLOAD /path"))
}

func TestStoreSuccessResponseText(t *testing.T) {
	d, _ := newTestDispatcher()
	sub := fakeSubscriber("a")
	require.Equal(t, "DATABASE and SNAPSHOTS saved to /tmp/img\n", d.Handle(sub, "STORE /tmp/img"))
	require.Equal(t, "DATABASE and SNAPSHOTS Loaded\n", d.Handle(sub, "LOAD /tmp/img"))
	require.Equal(t, "SNAPSHOT saved to /tmp/tree\n", d.Handle(sub, "VSTORE /tmp/tree"))
	require.Equal(t, "SNAPSHOT Loaded\n", d.Handle(sub, "VLOAD /tmp/tree"))
}

func TestUnexpectedStoreErrorIsNotLeakedVerbatim(t *testing.T) {
	sub := fakeSubscriber("a")
	store := newFakeStore()
	store.storeErr = errors.New("disk on fire")
	d := New(store, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
	require.Equal(t, "ERROR internal error\n", d.Handle(sub, "STORE /path"))
}

func TestTokenizeCollapsesRepeatedWhitespace(t *testing.T) {
	require.Equal(t, []string{"SET", "a", "b"}, tokenize("  SET   a\tb  \n"))
	require.Empty(t, tokenize(""))
	require.Empty(t, tokenize("   \t\r\n  "))
}

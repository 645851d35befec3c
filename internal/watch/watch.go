// Package watch implements the bidirectional watch index and asynchronous
// notification fan-out described in spec.md §4.I: a subscriber registers
// interest in a (key, op) pair, and every subsequent mutation matching
// that pair is delivered to it without blocking the dispatcher goroutine
// that produced the mutation.
//
// The two indices and their single mutex are a direct port of the
// source's watchIndex/clientIndex pair. The mutex-guarded queue plus
// condition variable that decouples production from delivery is
// translated to its idiomatic Go equivalent: a buffered channel drained
// by one dedicated goroutine, the same way the rest of this module
// reaches for channels over manual locks wherever the stdlib primitive
// fits (see internal/server's dispatch channel for the same idiom).
package watch

import (
	"fmt"
	"log/slog"
	"sync"
)

// Op identifies the kind of mutation a subscriber is watching for.
type Op string

const (
	OpSet  Op = "SET"
	OpDel  Op = "DEL"
	OpEdit Op = "EDIT"
	OpAll  Op = "ALL"
)

// Subscriber is anything capable of receiving a notification line.
// internal/server's connection type implements this by writing the line
// to its socket with a short deadline and returning any failure, which
// Manager logs and drops; this package never sees a net.Conn directly.
type Subscriber interface {
	// Deliver writes line (already newline-terminated) to the
	// subscriber's transport. A non-nil error means the write failed
	// (e.g. broken pipe); Manager logs it at debug and moves on.
	Deliver(line string) error
	// ID returns a stable, log-friendly identifier for the subscriber
	// (typically its remote address).
	ID() string
}

type watchKey struct {
	key string
	op  Op
}

type notification struct {
	subscriber Subscriber
	line       string
}

// Manager owns the watch indices and the delivery goroutine. The zero
// value is not usable; construct with New.
type Manager struct {
	mu           sync.Mutex
	interest     map[watchKey]map[Subscriber]struct{}
	bySubscriber map[Subscriber]map[watchKey]struct{}

	queue  chan notification
	done   chan struct{}
	logger *slog.Logger
}

// New returns a Manager with its delivery goroutine already running.
// Callers must call Close when done to stop that goroutine.
func New(opts ...Option) *Manager {
	cfg := config{
		queueCapacity: 100,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		interest:     make(map[watchKey]map[Subscriber]struct{}),
		bySubscriber: make(map[Subscriber]map[watchKey]struct{}),
		queue:        make(chan notification, cfg.queueCapacity),
		done:         make(chan struct{}),
		logger:       cfg.logger,
	}
	go m.deliverLoop()
	return m
}

// Watch registers sub's interest in (key, op). Registering the same pair
// twice is a no-op.
func (m *Manager) Watch(sub Subscriber, key string, op Op) {
	wk := watchKey{key: key, op: op}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interest[wk] == nil {
		m.interest[wk] = make(map[Subscriber]struct{})
	}
	m.interest[wk][sub] = struct{}{}

	if m.bySubscriber[sub] == nil {
		m.bySubscriber[sub] = make(map[watchKey]struct{})
	}
	m.bySubscriber[sub][wk] = struct{}{}
}

// Unwatch removes sub's interest in the given (key, op) pair. It reports
// whether sub had actually been watching that pair.
func (m *Manager) Unwatch(sub Subscriber, key string, op Op) bool {
	wk := watchKey{key: key, op: op}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(sub, wk)
}

// UnwatchAll removes every watch owned by sub, e.g. on disconnect or on
// a bare UNWATCH with no key/op given. It reports how many watches were
// removed.
func (m *Manager) UnwatchAll(sub Subscriber) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.bySubscriber[sub]
	n := len(keys)
	for wk := range keys {
		m.removeLocked(sub, wk)
	}
	return n
}

// removeLocked deletes the (sub, wk) pairing from both indices, dropping
// any index slot left empty. Caller must hold m.mu.
func (m *Manager) removeLocked(sub Subscriber, wk watchKey) bool {
	subs, ok := m.interest[wk]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}

	delete(subs, sub)
	if len(subs) == 0 {
		delete(m.interest, wk)
	}

	if keys := m.bySubscriber[sub]; keys != nil {
		delete(keys, wk)
		if len(keys) == 0 {
			delete(m.bySubscriber, sub)
		}
	}
	return true
}

// Notify builds the notification line for (key, op, value) and enqueues
// one copy per distinct subscriber watching either (key, op) or
// (key, ALL). hasValue is false for DEL, whose notification carries no
// value token.
func (m *Manager) Notify(key string, op Op, value string, hasValue bool) {
	line := formatNotification(key, op, value, hasValue)

	m.mu.Lock()
	recipients := m.recipientsLocked(key, op)
	m.mu.Unlock()

	for sub := range recipients {
		select {
		case m.queue <- notification{subscriber: sub, line: line}:
		default:
			// Queue saturated: the delivery goroutine is irrecoverably
			// behind. Dropping here (rather than blocking the
			// dispatcher goroutine that called Notify) preserves §5's
			// guarantee that a slow watcher cannot stall mutations.
			m.logger.Debug("notification queue full, dropping", "subscriber", sub.ID(), "key", key, "op", op)
		}
	}
}

func (m *Manager) recipientsLocked(key string, op Op) map[Subscriber]struct{} {
	recipients := make(map[Subscriber]struct{})
	for sub := range m.interest[watchKey{key: key, op: op}] {
		recipients[sub] = struct{}{}
	}
	for sub := range m.interest[watchKey{key: key, op: OpAll}] {
		recipients[sub] = struct{}{}
	}
	return recipients
}

func formatNotification(key string, op Op, value string, hasValue bool) string {
	if hasValue {
		return fmt.Sprintf("NOTIFICATION %s %s %s\n", op, key, value)
	}
	return fmt.Sprintf("NOTIFICATION %s %s\n", op, key)
}

// deliverLoop is the single delivery goroutine; it is the direct
// translation of the source's delivery thread waiting on a condition
// variable and draining its queue.
func (m *Manager) deliverLoop() {
	for {
		select {
		case n := <-m.queue:
			if err := n.subscriber.Deliver(n.line); err != nil {
				m.logger.Debug("notification delivery failed", "subscriber", n.subscriber.ID(), "err", err)
			}
		case <-m.done:
			return
		}
	}
}

// Close stops the delivery goroutine. Already-queued notifications that
// have not yet been picked up are discarded.
func (m *Manager) Close() {
	close(m.done)
}

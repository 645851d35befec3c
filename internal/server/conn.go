package server

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// conn wraps one accepted connection. It implements watch.Subscriber so
// the store can deliver asynchronous NOTIFICATION lines to it directly,
// interleaved with the synchronous command/response traffic the read
// loop drives; writeMu serializes the two so a notification can never
// land in the middle of a response line.
type conn struct {
	nc             net.Conn
	w              *bufio.Writer
	writeMu        sync.Mutex
	deliverTimeout time.Duration
	remote         string
}

func newConn(nc net.Conn, deliverTimeout time.Duration) *conn {
	return &conn{
		nc:             nc,
		w:              bufio.NewWriter(nc),
		deliverTimeout: deliverTimeout,
		remote:         nc.RemoteAddr().String(),
	}
}

// ID returns the remote address, used as the subscriber's log-friendly
// identifier per watch.Subscriber.
func (c *conn) ID() string {
	return c.remote
}

// Deliver writes an already-terminated notification line with a short
// write deadline. A failure (broken pipe, timeout) is returned to the
// caller (internal/watch), which logs it at debug and drops it: per
// spec.md §4.I/§7, a stuck or gone watcher must never block mutation
// delivery to anyone else.
func (c *conn) Deliver(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.deliverTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.deliverTimeout))
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeResponse writes a synchronous command response line, flushing
// immediately: each command's reply must reach the client before the
// connection's read loop blocks on the next line.
func (c *conn) writeResponse(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *conn) Close() error {
	return c.nc.Close()
}

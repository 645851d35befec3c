package server

import (
	"log/slog"
	"time"
)

type config struct {
	host              string
	port              string
	logger            *slog.Logger
	readTimeout       time.Duration
	notifyTimeout     time.Duration
	maxLineLength     int
}

// Option configures a Server at construction time, following the same
// functional-options convention as internal/watch and internal/store
// (itself generalized from the teacher's options.go).
type Option func(*config)

// WithHost sets the address the listener binds to. Default "127.0.0.1".
func WithHost(host string) Option {
	return func(c *config) {
		if host != "" {
			c.host = host
		}
	}
}

// WithPort sets the TCP port the listener binds to. Default "8080".
func WithPort(port string) Option {
	return func(c *config) {
		if port != "" {
			c.port = port
		}
	}
}

// WithLogger sets the logger used for connection lifecycle and panic
// recovery logging. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithReadTimeout bounds how long a connection may sit idle between
// command lines before it is dropped. Zero (the default) disables the
// deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// WithNotifyTimeout bounds how long a single asynchronous NOTIFICATION
// write may block a connection's writer before it is abandoned.
func WithNotifyTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.notifyTimeout = d
		}
	}
}

// WithMaxLineLength bounds the size of a single command line the reader
// will buffer, guarding against an unbounded-length line from exhausting
// memory. Default 64 KiB.
func WithMaxLineLength(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxLineLength = n
		}
	}
}

package store

import "log/slog"

type config struct {
	watchQueueCapacity int
	logger             *slog.Logger
}

// Option configures a Store at construction time, following the same
// functional-options convention as internal/watch and the teacher's
// options.go.
type Option func(*config)

// WithWatchQueueCapacity sets the buffered capacity of the underlying
// watch manager's notification queue. Non-positive values are ignored.
func WithWatchQueueCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.watchQueueCapacity = n
		}
	}
}

// WithLogger sets the logger used for image save/load banners and watch
// delivery failures. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

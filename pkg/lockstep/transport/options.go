package transport

import (
	"time"

	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to the datagram transport constructor to configure it.

const (
	// DefaultIdleTimeout is how long a handle may go without receiving before the transport releases it.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultQueueDepth is the number of datagrams the reader goroutine may buffer between calls to Service.
	DefaultQueueDepth = 256
)

// Option function to set various options on the datagram transport.
// Uses defaults if an option is not set.
type Option func(*Datagram)

// WithLogger replaces the transport's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(d *Datagram) {
		d.log = l
	}
}

// WithIdleTimeout overwrites DefaultIdleTimeout. A non-positive duration disables idle expiry.
func WithIdleTimeout(t time.Duration) Option {
	return func(d *Datagram) { d.idleTimeout = t }
}

// WithQueueDepth overwrites DefaultQueueDepth.
func WithQueueDepth(n int) Option {
	return func(d *Datagram) {
		if n > 0 {
			d.queueDepth = n
		}
	}
}

// WithClock replaces time.Now for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(d *Datagram) { d.now = now }
}

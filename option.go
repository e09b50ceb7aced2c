package rpc

import (
	"time"
)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the outbound frame channel.
	defaultBufferSize = 16
	// defaultMaxFrameSize is the default maximum payload size (1MB).
	defaultMaxFrameSize = 1024 * 1024
	// defaultCallTimeout is the default deadline for a client call.
	defaultCallTimeout = 10 * time.Second
	// defaultWriteTimeout is the default deadline for one socket write.
	defaultWriteTimeout = 30 * time.Second
	// defaultMaxConnections is the default accept limit for a server.
	defaultMaxConnections = 1024
)

// options holds the configuration shared by servers, connections and
// client sessions.
type options struct {
	handler Handler
	logger  Logger

	bufferSize   int           // size of the outbound frame channel
	maxFrameSize int           // maximum payload size per frame
	callTimeout  time.Duration // per-call deadline on the client
	writeTimeout time.Duration // per-write socket deadline
	maxConns     int64         // concurrent connection limit on the server
}

// Option is a function that configures options.
type Option func(*options)

// HandlerOption returns an Option that sets the request handler.
// A server requires a handler; client sessions ignore it.
func HandlerOption(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, a logrus logger with the level from LOG_LEVEL is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// BufferSizeOption returns an Option that sets the size of the outbound
// frame channel. A larger buffer lets more responses queue before
// producers block.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MaxFrameSizeOption returns an Option that sets the maximum payload size.
// Frames with larger payloads are rejected on encode and on decode.
func MaxFrameSizeOption(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// CallTimeoutOption returns an Option that sets the client call deadline.
// A call with no matching response within the deadline fails with Timeout.
func CallTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WriteTimeoutOption returns an Option that sets the deadline for a
// single socket write. A peer that stops reading cannot pin the write
// loop past this deadline.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// MaxConnectionsOption returns an Option that limits how many connections
// a server keeps open at once. The accept loop waits below the limit.
func MaxConnectionsOption(n int64) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// checkOptions validates and sets default values for options.
// The handler is only required when requireHandler is set (server side).
func checkOptions(opts *options, requireHandler bool) error {
	if requireHandler && opts.handler == nil {
		return ErrInvalidHandler
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.callTimeout <= 0 {
		opts.callTimeout = defaultCallTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.maxConns <= 0 {
		opts.maxConns = defaultMaxConnections
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

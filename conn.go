// Package rpc implements a small framed request/response engine over TCP.
// A server accepts connections and dispatches decoded requests to an
// application handler; a client session issues concurrent calls matched to
// responses by correlation id. Frames are length-delimited, see codec.go.
package rpc

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidHandler is returned when a server is built without a handler.
	ErrInvalidHandler = errors.New("invalid request handler")
)

// Handler processes one decoded request payload and returns the response
// payload. A non-nil error travels back to the caller as an Error message;
// it never terminates the connection. Handlers run concurrently across
// connections and across requests on one connection.
type Handler interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// State is the lifecycle state of a connection.
type State int32

const (
	// StateOpen means the connection is serving traffic.
	StateOpen State = iota
	// StateClosing means a close was requested and the loops are draining.
	StateClosing
	// StateClosed is terminal; no transition leaves it.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is the server-side connection actor. It owns one accepted socket,
// reads and decodes inbound frames, dispatches requests to the handler,
// and writes response frames back. Reads and writes run concurrently;
// outbound frames pass through a single writer goroutine so no two frames
// interleave on the wire.
type Conn struct {
	id      uint64
	rawConn *net.TCPConn
	reader  *bufio.Reader
	codec   *Codec
	logger  Logger

	opts options

	sendCh chan []byte
	state  atomic.Int32
	cancel context.CancelFunc

	// onTerminate runs once when the actor reaches Closed.
	onTerminate func(*Conn)
}

// NewConn wraps an accepted TCP connection in an actor. It validates the
// provided options; a handler is required.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts, true); err != nil {
		return nil, err
	}

	return newConn(0, conn, opts, nil), nil
}

func newConn(id uint64, c *net.TCPConn, opts options, onTerminate func(*Conn)) *Conn {
	return &Conn{
		id:          id,
		rawConn:     c,
		reader:      bufio.NewReader(c),
		codec:       NewCodec(opts.maxFrameSize),
		logger:      opts.logger,
		opts:        opts,
		sendCh:      make(chan []byte, opts.bufferSize),
		onTerminate: onTerminate,
	}
}

// ID returns the connection identifier assigned by the server, zero for
// standalone actors.
func (c *Conn) ID() uint64 {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Run drives the read and write loops until the peer closes, an I/O or
// decode error occurs, or the context is canceled. The socket is released
// before Run returns and the state is Closed.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "id", c.id, "addr", c.Addr())

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	// Unblock any in-flight socket read once the group winds down.
	go func() {
		<-child.Done()
		c.closeConn()
	}()

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()
	if c.onTerminate != nil {
		c.onTerminate(c)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "id", c.id, "addr", c.Addr(), "error", err)
		return err
	}

	c.logger.Info("connection closed", "id", c.id, "addr", c.Addr())
	return nil
}

// Close requests a graceful shutdown of the actor. Safe to call multiple
// times and from any goroutine.
func (c *Conn) Close() error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil // already closing or closed
	}
	if c.cancel != nil {
		c.cancel()
	}
	return c.rawConn.Close()
}

// Write encodes m and queues the frame for sending. It blocks until the
// frame is queued or the context is canceled. The frame reaches the wire
// in one piece relative to any concurrent Write.
func (c *Conn) Write(ctx context.Context, m *Message) error {
	if c.State() != StateOpen {
		return newError(ConnectionClosed, nil, "write on %s connection", c.State())
	}

	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop reads and decodes frames until EOF, a decode failure, or
// context cancellation. Requests are handed to the handler; each request
// runs in its own goroutine so slow handlers do not stall the socket and
// responses may complete out of order.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		message, err := c.codec.Decode(c.reader)
		if err != nil {
			if errIsEOF(err) {
				c.logger.Debug("peer closed", "id", c.id, "addr", c.Addr())
				c.cancel() // winds down the write loop
				return nil
			}
			return err
		}

		if message.Kind != KindRequest {
			c.logger.Debug("dropping unexpected frame",
				"id", c.id, "kind", message.Kind, "correlation_id", message.CorrelationID)
			continue
		}

		go c.dispatch(ctx, message)
	}
}

// dispatch invokes the handler for one request and queues the result as a
// Response or Error frame carrying the request's correlation id.
func (c *Conn) dispatch(ctx context.Context, req *Message) {
	var reply *Message

	result, err := c.opts.handler.Handle(ctx, req.Payload)
	if err != nil {
		c.logger.Error("handler failed",
			"id", c.id, "correlation_id", req.CorrelationID, "error", err)
		reply = NewError(req.CorrelationID, err.Error())
	} else {
		reply = NewResponse(req.CorrelationID, result)
	}

	err = c.Write(ctx, reply)
	if IsKind(err, EncodeError) && reply.Kind == KindResponse {
		// The result does not fit in a frame; tell the caller instead
		// of leaving it to time out.
		err = c.Write(ctx, NewError(req.CorrelationID, "response exceeds maximum frame size"))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("dropping reply",
			"id", c.id, "correlation_id", req.CorrelationID, "error", err)
	}
}

// writeLoop drains the send channel onto the socket one frame at a time.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendCh:
			_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if _, err := c.rawConn.Write(frame); err != nil {
				c.logger.Debug("write error", "id", c.id, "addr", c.Addr(), "error", err)
				return errors.Wrap(err, "writing frame")
			}
		}
	}
}

// closeConn moves the actor to Closed and releases the socket.
func (c *Conn) closeConn() {
	c.state.Store(int32(StateClosed))
	c.rawConn.Close()
}

package rpc

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Session is a client-side handle to one outbound connection. It may be
// used by multiple goroutines simultaneously: concurrent calls are
// multiplexed over the single connection and matched to responses by
// correlation id alone, so responses may arrive in any order.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  *Codec
	logger Logger

	opts options

	writeMu sync.Mutex // serializes frames onto the wire

	seq atomic.Uint64

	mu      sync.Mutex // protects pending and closed
	pending map[uint64]chan *Message
	closed  bool
}

// Connect dials the server at addr and starts the session's receive loop.
// It fails with a ConnectError on refused or unreachable targets.
func Connect(addr string, opt ...Option) (*Session, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts, false); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, opts.callTimeout)
	if err != nil {
		return nil, newError(ConnectError, err, "dialing %s", addr)
	}

	s := &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		codec:   NewCodec(opts.maxFrameSize),
		logger:  opts.logger,
		opts:    opts,
		pending: make(map[uint64]chan *Message),
	}

	go s.input()

	s.logger.Debug("session established", "addr", conn.RemoteAddr())
	return s, nil
}

// Call sends payload as a request and blocks until the matching response
// arrives, the call deadline elapses, or the session closes. The deadline
// is the configured call timeout unless ctx carries an earlier one. On
// timeout the correlation id is discarded and a late response for it is
// silently dropped. Other in-flight calls are unaffected.
func (s *Session) Call(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.callTimeout)
	defer cancel()

	id := s.seq.Inc()

	frame, err := s.codec.Encode(NewRequest(id, payload))
	if err != nil {
		return nil, err
	}

	done, err := s.register(id)
	if err != nil {
		return nil, err
	}

	if err = s.write(frame); err != nil {
		s.discard(id)
		// A failed write means the transport is broken for every
		// caller, not just this one.
		s.terminate(err)
		return nil, newError(ConnectionClosed, err, "sending request %d", id)
	}

	select {
	case m, ok := <-done:
		if !ok {
			return nil, newError(ConnectionClosed, nil, "call %d interrupted", id)
		}
		if m.Kind == KindError {
			return nil, newError(HandlerError, nil, "%s", m.Payload)
		}
		return m.Payload, nil

	case <-ctx.Done():
		s.discard(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(Timeout, ctx.Err(), "no response for call %d", id)
		}
		return nil, ctx.Err()
	}
}

// Close shuts the session down. Every in-flight call fails with
// ConnectionClosed. Safe to call multiple times.
func (s *Session) Close() error {
	s.terminate(nil)
	return nil
}

// register creates the one-shot completion channel for a correlation id.
func (s *Session) register(id uint64) (chan *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, newError(ConnectionClosed, nil, "session is closed")
	}

	done := make(chan *Message, 1)
	s.pending[id] = done
	return done, nil
}

// discard forgets a correlation id. A response arriving for it later is
// dropped by the receive loop.
func (s *Session) discard(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// write puts one frame on the wire. The mutex keeps concurrent frames
// from interleaving.
func (s *Session) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	_, err := s.conn.Write(frame)
	return err
}

// input is the session's receive loop. It routes each inbound frame to
// the caller waiting on its correlation id and fans a connection failure
// out to every pending call.
func (s *Session) input() {
	for {
		message, err := s.codec.Decode(s.reader)
		if err != nil {
			if !errIsEOF(err) {
				s.logger.Debug("session read error", "error", err)
			}
			s.terminate(err)
			return
		}

		if message.Kind == KindRequest {
			s.logger.Debug("dropping unexpected request frame",
				"correlation_id", message.CorrelationID)
			continue
		}

		s.mu.Lock()
		done, ok := s.pending[message.CorrelationID]
		delete(s.pending, message.CorrelationID)
		s.mu.Unlock()

		if !ok {
			// Late response for a timed out or unknown call.
			s.logger.Debug("dropping unmatched response",
				"correlation_id", message.CorrelationID, "kind", message.Kind)
			continue
		}

		done <- message
	}
}

// terminate closes the transport and fails every pending call by closing
// its completion channel. Idempotent.
func (s *Session) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[uint64]chan *Message)
	s.mu.Unlock()

	for id, done := range pending {
		close(done)
		s.logger.Debug("failing pending call", "correlation_id", id)
	}

	_ = s.conn.Close()

	if cause != nil && !errIsEOF(cause) {
		s.logger.Info("session closed with error", "error", cause)
		return
	}
	s.logger.Debug("session closed")
}

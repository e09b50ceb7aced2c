package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// acceptBackoff is how long the accept loop pauses after a transient
// failure such as file descriptor exhaustion.
const acceptBackoff = 100 * time.Millisecond

// SessionInfo is a diagnostic snapshot of one live connection.
type SessionInfo struct {
	ID         uint64
	RemoteAddr net.Addr
	State      State
}

// Server accepts TCP connections and runs one connection actor per
// client. Each decoded request is dispatched to the configured Handler.
type Server struct {
	listener *net.TCPListener
	logger   Logger
	opts     options
	sem      *semaphore.Weighted

	nextID atomic.Uint64
	wg     sync.WaitGroup // tracks running connection actors

	mu       sync.Mutex
	sessions map[uint64]*Conn
	shutdown bool
}

// NewServer binds the given TCP address. It fails with a ConnectError if
// the address cannot be bound; a handler is required.
func NewServer(addr string, opt ...Option) (*Server, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts, true); err != nil {
		return nil, err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, newError(ConnectError, err, "resolving %s", addr)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, newError(ConnectError, err, "binding %s", addr)
	}

	return &Server{
		listener: listener,
		logger:   opts.logger,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.maxConns),
		sessions: make(map[uint64]*Conn),
	}, nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the context is canceled or the listener
// fails. Transient accept errors are logged and retried after a brief
// pause; a broken listener is fatal and returned to the caller. Serve
// returns only after every active connection actor has terminated.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	serveDone := make(chan struct{})
	defer close(serveDone)

	go func() {
		select {
		case <-ctx.Done():
		case <-serveDone:
			// Serve already returned through Close or a fatal
			// accept error; nothing left to unblock.
			return
		}
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		// Stay below the connection limit before accepting more work.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.stop()
			s.logger.Info("server stopped", "addr", s.listener.Addr())
			return nil
		}

		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.sem.Release(1)

			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()
			if isShutdown {
				s.stop()
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return nil
			}

			if isTransientAccept(err) {
				s.logger.Warn("transient accept error", "error", err)
				time.Sleep(acceptBackoff)
				continue
			}

			s.logger.Error("accept error", "error", err)
			s.stop()
			return errors.Wrap(err, "accept")
		}

		_ = conn.SetNoDelay(true)

		id := s.nextID.Inc()
		actor := newConn(id, conn, s.opts, s.removeSession)
		s.addSession(actor)

		s.logger.Debug("accepted connection", "id", id, "remote_addr", conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = actor.Run(ctx)
		}()
	}
}

// Close stops the server: the listener is closed, every active
// connection actor is shut down, and Close returns once all of them
// have terminated.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.stop()
	return err
}

// Sessions returns a consistent snapshot of the active connections.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, c := range s.sessions {
		infos = append(infos, SessionInfo{
			ID:         c.ID(),
			RemoteAddr: c.Addr(),
			State:      c.State(),
		})
	}
	return infos
}

// addSession registers a new actor in the session registry.
func (s *Server) addSession(c *Conn) {
	s.mu.Lock()
	s.sessions[c.ID()] = c
	s.mu.Unlock()
}

// removeSession is the actor termination hook: it drops the registry
// entry and frees the connection slot.
func (s *Server) removeSession(c *Conn) {
	s.mu.Lock()
	_, ok := s.sessions[c.ID()]
	delete(s.sessions, c.ID())
	s.mu.Unlock()

	if ok {
		s.sem.Release(1)
	}
}

// stop closes every registered actor and waits until each has terminated
// and deregistered itself.
func (s *Server) stop() {
	s.mu.Lock()
	actors := make([]*Conn, 0, len(s.sessions))
	for _, c := range s.sessions {
		actors = append(actors, c)
	}
	s.mu.Unlock()

	for _, c := range actors {
		_ = c.Close()
	}

	s.wg.Wait()
}

// isTransientAccept reports whether an accept failure is worth retrying
// after a pause. Timeouts and temporary conditions such as file
// descriptor exhaustion qualify; anything else means the listening
// socket itself is broken.
func isTransientAccept(err error) bool {
	var netErr net.Error
	if !errors.As(err, &netErr) {
		return false
	}
	return netErr.Timeout() || netErr.Temporary()
}

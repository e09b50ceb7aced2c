package rpc

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// startTestServer runs a server on a free loopback port and tears it
// down with the test.
func startTestServer(t *testing.T, handler Handler, opt ...Option) *Server {
	t.Helper()

	opts := append([]Option{
		HandlerOption(handler),
		LoggerOption(&mockLogger{}),
	}, opt...)

	server, err := NewServer("127.0.0.1:0", opts...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	return server
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewServer_RequiresHandler(t *testing.T) {
	if _, err := NewServer("127.0.0.1:0"); err != ErrInvalidHandler {
		t.Errorf("NewServer without handler = %v, want ErrInvalidHandler", err)
	}
}

func TestNewServer_BindFailure(t *testing.T) {
	first := startTestServer(t, HandlerFunc(echoHandler))

	_, err := NewServer(first.Addr().String(), HandlerOption(HandlerFunc(echoHandler)))
	if !IsKind(err, ConnectError) {
		t.Errorf("NewServer on occupied address = %v, want ConnectError", err)
	}
}

func TestServer_RegistryLifecycle(t *testing.T) {
	server := startTestServer(t, HandlerFunc(echoHandler))

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(server.Sessions()) == 1
	}, "session was not registered on accept")

	sessions := server.Sessions()
	if sessions[0].ID == 0 {
		t.Error("session id should never be zero")
	}
	if sessions[0].RemoteAddr.String() != conn.LocalAddr().String() {
		t.Errorf("registered peer = %v, want %v", sessions[0].RemoteAddr, conn.LocalAddr())
	}

	conn.Close()
	waitFor(t, 2*time.Second, func() bool {
		return len(server.Sessions()) == 0
	}, "session was not removed on close")
}

func TestServer_UniqueSessionIDs(t *testing.T) {
	server := startTestServer(t, HandlerFunc(echoHandler))

	seen := make(map[uint64]bool)
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", server.Addr().String())
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return len(server.Sessions()) == 1
		}, "session not registered")

		id := server.Sessions()[0].ID
		if seen[id] {
			t.Errorf("session id %d reused", id)
		}
		seen[id] = true

		conn.Close()
		waitFor(t, 2*time.Second, func() bool {
			return len(server.Sessions()) == 0
		}, "session not removed")
	}
}

func TestServer_MaxConnections(t *testing.T) {
	server := startTestServer(t, HandlerFunc(echoHandler), MaxConnectionsOption(1))

	first, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(server.Sessions()) == 1
	}, "first session not registered")
	firstID := server.Sessions()[0].ID

	// The second connection sits in the accept backlog until the first
	// slot frees up.
	second, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()

	time.Sleep(100 * time.Millisecond)
	if n := len(server.Sessions()); n != 1 {
		t.Errorf("sessions over the limit: %d", n)
	}

	first.Close()
	waitFor(t, 2*time.Second, func() bool {
		s := server.Sessions()
		return len(s) == 1 && s[0].ID != firstID
	}, "second connection never admitted")
}

func TestServer_ShutdownWaitsForActors(t *testing.T) {
	server, err := NewServer("127.0.0.1:0",
		HandlerOption(HandlerFunc(echoHandler)),
		LoggerOption(&mockLogger{}),
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	const clients = 16
	conns := make([]net.Conn, 0, clients)
	for i := 0; i < clients; i++ {
		conn, err := net.Dial("tcp", server.Addr().String())
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	waitFor(t, 2*time.Second, func() bool {
		return len(server.Sessions()) == clients
	}, "not all sessions registered")

	cancel()

	select {
	case err = <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	// By the time Serve returns every actor must have terminated and
	// deregistered itself.
	if n := len(server.Sessions()); n != 0 {
		t.Errorf("Serve returned with %d actors still registered", n)
	}
}

// fakeNetError implements net.Error with configurable classification.
type fakeNetError struct {
	timeout   bool
	temporary bool
}

func (e fakeNetError) Error() string   { return "fake net error" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return e.temporary }

func TestIsTransientAccept(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", fakeNetError{timeout: true}, true},
		// EMFILE-class exhaustion reports Temporary without Timeout.
		{"temporary only", fakeNetError{temporary: true}, true},
		{"permanent net error", fakeNetError{}, false},
		{"plain error", context.Canceled, false},
		{"wrapped temporary", errors.Wrap(fakeNetError{temporary: true}, "accept"), true},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		if got := isTransientAccept(tt.err); got != tt.want {
			t.Errorf("isTransientAccept(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestServer_ContextWatcherExits(t *testing.T) {
	before := runtime.NumGoroutine()

	server, err := NewServer("127.0.0.1:0",
		HandlerOption(HandlerFunc(echoHandler)),
		LoggerOption(&mockLogger{}),
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	// A context that is never canceled: the watcher must still exit
	// once Serve returns through Close.
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	if err = server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	<-done

	waitFor(t, 2*time.Second, func() bool {
		return runtime.NumGoroutine() <= before
	}, "context watcher goroutine leaked after Serve returned")
}

func TestServer_CloseStopsServe(t *testing.T) {
	server, err := NewServer("127.0.0.1:0",
		HandlerOption(HandlerFunc(echoHandler)),
		LoggerOption(&mockLogger{}),
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	if err = server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	select {
	case err = <-done:
		if err != nil {
			t.Errorf("Serve returned %v after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

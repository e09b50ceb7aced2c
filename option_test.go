package rpc

import (
	"context"
	"testing"
	"time"
)

func echoHandler(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func TestCheckOptions_Defaults(t *testing.T) {
	opts := options{handler: HandlerFunc(echoHandler)}

	if err := checkOptions(&opts, true); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}

	if opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", opts.bufferSize, defaultBufferSize)
	}
	if opts.maxFrameSize != defaultMaxFrameSize {
		t.Errorf("maxFrameSize = %d, want %d", opts.maxFrameSize, defaultMaxFrameSize)
	}
	if opts.callTimeout != defaultCallTimeout {
		t.Errorf("callTimeout = %v, want %v", opts.callTimeout, defaultCallTimeout)
	}
	if opts.writeTimeout != defaultWriteTimeout {
		t.Errorf("writeTimeout = %v, want %v", opts.writeTimeout, defaultWriteTimeout)
	}
	if opts.maxConns != defaultMaxConnections {
		t.Errorf("maxConns = %d, want %d", opts.maxConns, defaultMaxConnections)
	}
	if opts.logger == nil {
		t.Error("logger not defaulted")
	}
}

func TestCheckOptions_HandlerRequired(t *testing.T) {
	var opts options
	if err := checkOptions(&opts, true); err != ErrInvalidHandler {
		t.Errorf("checkOptions = %v, want ErrInvalidHandler", err)
	}

	// Client sessions do not need a handler.
	opts = options{}
	if err := checkOptions(&opts, false); err != nil {
		t.Errorf("checkOptions without handler requirement failed: %v", err)
	}
}

func TestOptions_Apply(t *testing.T) {
	logger := &mockLogger{}

	var opts options
	for _, o := range []Option{
		HandlerOption(HandlerFunc(echoHandler)),
		LoggerOption(logger),
		BufferSizeOption(8),
		MaxFrameSizeOption(64),
		CallTimeoutOption(time.Second),
		WriteTimeoutOption(2 * time.Second),
		MaxConnectionsOption(3),
	} {
		o(&opts)
	}

	if opts.handler == nil {
		t.Error("handler not set")
	}
	if opts.logger != logger {
		t.Error("logger not set")
	}
	if opts.bufferSize != 8 {
		t.Errorf("bufferSize = %d, want 8", opts.bufferSize)
	}
	if opts.maxFrameSize != 64 {
		t.Errorf("maxFrameSize = %d, want 64", opts.maxFrameSize)
	}
	if opts.callTimeout != time.Second {
		t.Errorf("callTimeout = %v, want 1s", opts.callTimeout)
	}
	if opts.writeTimeout != 2*time.Second {
		t.Errorf("writeTimeout = %v, want 2s", opts.writeTimeout)
	}
	if opts.maxConns != 3 {
		t.Errorf("maxConns = %d, want 3", opts.maxConns)
	}
}

package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/Zereker/rpc"
)

// demoHandler answers "ping" with "pong" and echoes anything else
// upper-cased. A payload of "boom" fails, demonstrating how handler
// errors travel back to the caller.
func demoHandler(_ context.Context, payload []byte) ([]byte, error) {
	switch {
	case bytes.Equal(payload, []byte("ping")):
		return []byte("pong"), nil
	case bytes.Equal(payload, []byte("boom")):
		return nil, errors.New("handler exploded")
	default:
		return bytes.ToUpper(payload), nil
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "rpc-server"
	app.Usage = "serve framed requests over TCP"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr",
			Value: "127.0.0.1:6380",
			Usage: "address to listen on",
		},
		cli.Int64Flag{
			Name:  "max-connections",
			Value: 1024,
			Usage: "maximum concurrent connections",
		},
	}

	app.Action = func(c *cli.Context) error {
		logger := rpc.NewLogger()

		server, err := rpc.NewServer(c.String("addr"),
			rpc.HandlerOption(rpc.HandlerFunc(demoHandler)),
			rpc.MaxConnectionsOption(c.Int64("max-connections")),
			rpc.LoggerOption(logger),
		)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return server.Serve(ctx)
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

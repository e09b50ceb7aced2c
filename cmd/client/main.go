package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/Zereker/rpc"
)

func main() {
	app := cli.NewApp()
	app.Name = "rpc-client"
	app.Usage = "send one framed request and print the response"
	app.ArgsUsage = "<payload>"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr",
			Value: "127.0.0.1:6380",
			Usage: "server address",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "per-call timeout",
		},
	}

	app.Action = func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowAppHelp(c)
		}

		session, err := rpc.Connect(c.String("addr"),
			rpc.CallTimeoutOption(c.Duration("timeout")),
			rpc.LoggerOption(rpc.NewLogger()),
		)
		if err != nil {
			return err
		}
		defer session.Close()

		response, err := session.Call(context.Background(), []byte(c.Args().First()))
		if err != nil {
			return err
		}

		fmt.Println(string(response))
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

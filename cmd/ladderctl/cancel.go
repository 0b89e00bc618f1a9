package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

func cmdCancelChain(rest []string) int {
	fs := pflag.NewFlagSet("cancel-chain", pflag.ContinueOnError)
	reason := fs.String("reason", "", "reason recorded against the chain's FAILED_NOT_RETRIED state")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(rest); err != nil {
		return failure
	}
	positional := fs.Args()
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "ladderctl cancel-chain: a chain id is required")
		return failure
	}
	chainID := positional[0]

	app, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl cancel-chain: %v\n", err)
		return failure
	}
	defer app.Log.Sync()

	ctx, traced := app.traceContext(context.Background())
	app.Log = traced
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	c, err := app.Driver.Cancel(ctx, chainID, *reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl cancel-chain: %v\n", err)
		return failure
	}
	app.Mirror.UpsertChain(c)
	fmt.Printf("%s cancelled: %s\n", c.ID, c.FailReason)
	return success
}

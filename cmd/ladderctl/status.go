package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const defaultWatchIntervalSeconds = 10

func cmdStatus(rest []string) int {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	watch := fs.Bool("watch", false, "poll until the chain reaches a terminal state")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(rest); err != nil {
		return failure
	}
	positional := fs.Args()
	if len(positional) == 0 {
		fmt.Fprintln(os.Stderr, "ladderctl status: a chain id is required")
		return failure
	}
	chainID := positional[0]

	intervalSec := defaultWatchIntervalSeconds
	if len(positional) > 1 {
		n, err := strconv.Atoi(positional[1])
		if err != nil || n <= 0 {
			fmt.Fprintf(os.Stderr, "ladderctl status: invalid watch interval %q\n", positional[1])
			return failure
		}
		intervalSec = n
	}

	app, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl status: %v\n", err)
		return failure
	}
	defer app.Log.Sync()

	if !*watch {
		if err := app.Driver.WriteReport(os.Stdout, []string{chainID}); err != nil {
			fmt.Fprintf(os.Stderr, "ladderctl status: %v\n", err)
			return failure
		}
		return success
	}

	ctx, traced := app.traceContext(context.Background())
	app.Log = traced
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := app.Driver.Watch(ctx, os.Stdout, chainID, time.Duration(intervalSec)*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl status: %v\n", err)
		return failure
	}
	return success
}

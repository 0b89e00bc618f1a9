package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

// cmdInternalResolve is invoked by the scheduler as the handler/watcher
// job for one round, never directly by an operator. It drives the
// escalation engine's decision for (chainID, roundNo) and then mirrors
// the resulting checkpoint, best-effort.
func cmdInternalResolve(rest []string) int {
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "ladderctl internal-resolve: usage: internal-resolve <chain_id> <round_no>")
		return failure
	}
	chainID := rest[0]
	roundNo, err := strconv.Atoi(rest[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl internal-resolve: invalid round number %q\n", rest[1])
		return failure
	}

	app, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl internal-resolve: %v\n", err)
		return failure
	}
	defer app.Log.Sync()

	ctx, traced := app.traceContext(context.Background())
	app.Log = traced
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	c, err := app.Driver.Resolve(ctx, chainID, roundNo)
	if err != nil {
		app.Log.Error("resolve failed", "chain_id", chainID, "round_no", roundNo, "error", err)
		fmt.Fprintf(os.Stderr, "ladderctl internal-resolve: %v\n", err)
		return failure
	}

	app.Mirror.UpsertChain(c)
	return success
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"
)

// cmdGC sweeps every known chain for resolved rounds whose handler or
// watcher job is still live on the scheduler and cancels it, the same
// cleanup a cron-triggered `ladderctl gc` performs in production.
func cmdGC(rest []string) int {
	app, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl gc: %v\n", err)
		return failure
	}
	defer app.Log.Sync()

	ctx, traced := app.traceContext(context.Background())
	app.Log = traced
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cancelled, err := app.Driver.GC(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl gc: %v\n", err)
		return failure
	}
	for chainID, jobIDs := range cancelled {
		for _, jobID := range jobIDs {
			fmt.Printf("%s\t%s\n", chainID, jobID)
		}
	}
	return success
}

package main

import (
	"fmt"
	"os"
)

func cmdList(rest []string) int {
	app, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl list: %v\n", err)
		return failure
	}
	defer app.Log.Sync()

	ids, err := app.Driver.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl list: %v\n", err)
		return failure
	}
	if err := app.Driver.WriteReport(os.Stdout, ids); err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl list: %v\n", err)
		return failure
	}
	return success
}

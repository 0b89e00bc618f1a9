package main

import (
	"fmt"
	"os"
)

const (
	success = 0
	failure = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return failure
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "submit":
		return cmdSubmit(rest)
	case "status":
		return cmdStatus(rest)
	case "list":
		return cmdList(rest)
	case "internal-resolve":
		return cmdInternalResolve(rest)
	case "gc":
		return cmdGC(rest)
	case "cancel-chain":
		return cmdCancelChain(rest)
	case "-h", "--help", "help":
		usage()
		return success
	default:
		fmt.Fprintf(os.Stderr, "ladderctl: unknown subcommand %q\n", sub)
		usage()
		return failure
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ladderctl: resource-escalation orchestrator over a batch scheduler

Usage:
  ladderctl submit --array <spec> [--throttle N] --config PATH [--export K=V:...] <script> [script-args...]
  ladderctl status <chain_id>
  ladderctl status <chain_id> --watch [interval_seconds]
  ladderctl list
  ladderctl cancel-chain <chain_id> [--reason TEXT]
  ladderctl gc
  ladderctl internal-resolve <chain_id> <round_no>   (invoked by the scheduler, not a human)`)
}

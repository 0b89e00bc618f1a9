package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ladderctl/ladderctl/internal/chain"
	"github.com/ladderctl/ladderctl/internal/config"
	"github.com/ladderctl/ladderctl/internal/indexcodec"
)

// submitArgs is the parsed form of `ladderctl submit`, kept separate
// from flag parsing so the assembly of a chain.SubmitRequest can be
// tested without touching pflag's global state.
type submitArgs struct {
	array      string
	throttle   int
	configPath string
	export     string
	scriptPath string
	scriptArgs []string
}

func parseSubmitArgs(rest []string) (submitArgs, error) {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	array := fs.String("array", "", "index set in range-stride notation, e.g. \"0-99\" or \"0-9,20-29:2\"")
	throttle := fs.Int("throttle", 0, "concurrent-task cap (0 = unlimited)")
	cfgPath := fs.String("config", "", "path to the ladder configuration file")
	export := fs.String("export", "", "colon-separated K=V environment bindings")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(rest); err != nil {
		return submitArgs{}, err
	}

	positional := fs.Args()
	if *array == "" {
		return submitArgs{}, fmt.Errorf("--array is required")
	}
	if *cfgPath == "" {
		return submitArgs{}, fmt.Errorf("--config is required")
	}
	if len(positional) == 0 {
		return submitArgs{}, fmt.Errorf("a script to run is required")
	}

	return submitArgs{
		array:      *array,
		throttle:   *throttle,
		configPath: *cfgPath,
		export:     *export,
		scriptPath: positional[0],
		scriptArgs: positional[1:],
	}, nil
}

// parseExport turns "A=1:B=2" into ordered ["A=1", "B=2"], validating
// that every binding has the K=V shape submitSpec expects.
func parseExport(export string) ([]string, error) {
	if export == "" {
		return nil, nil
	}
	parts := strings.Split(export, ":")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if !strings.Contains(p, "=") {
			return nil, fmt.Errorf("malformed --export binding %q, want K=V", p)
		}
		out = append(out, p)
	}
	return out, nil
}

// buildSubmitRequest resolves parsed CLI args plus a loaded
// configuration into the request the chain driver needs, expanding the
// array spec into its enumerated index set.
func buildSubmitRequest(a submitArgs, cfg *config.Config) (chain.SubmitRequest, error) {
	indexSet, err := indexcodec.Expand(a.array)
	if err != nil {
		return chain.SubmitRequest{}, fmt.Errorf("--array: %w", err)
	}
	if len(indexSet) == 0 {
		return chain.SubmitRequest{}, fmt.Errorf("--array expands to an empty index set")
	}
	env, err := parseExport(a.export)
	if err != nil {
		return chain.SubmitRequest{}, err
	}
	req := chain.SubmitRequest{
		ScriptPath:   a.scriptPath,
		ScriptArgs:   a.scriptArgs,
		Env:          env,
		Throttle:     a.throttle,
		FullIndexSet: indexSet,
		Ladder:       cfg.Ladder,
	}
	if cfg.LoggingEnabled {
		req.EventLogPath = cfg.EventLogPath
	}
	return req, nil
}

func cmdSubmit(rest []string) int {
	a, err := parseSubmitArgs(rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl submit: %v\n", err)
		return failure
	}

	app, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl submit: %v\n", err)
		return failure
	}
	defer app.Log.Sync()

	cfg, err := config.Load(a.configPath, app.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl submit: %v\n", err)
		return failure
	}
	app.Engine.Overrides = cfg.Overrides
	app.Engine.MaxArraySpecLen = cfg.MaxArraySpecLen
	app.Engine.SettleDelay = cfg.SettleDelay

	req, err := buildSubmitRequest(a, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl submit: %v\n", err)
		return failure
	}

	ctx, traced := app.traceContext(context.Background())
	app.Log = traced
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	c, err := app.Driver.Submit(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ladderctl submit: %v\n", err)
		return failure
	}
	app.Mirror.UpsertChain(c)
	fmt.Println(c.ID)
	return success
}

package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ladderctl/ladderctl/internal/chain"
	"github.com/ladderctl/ladderctl/internal/checkpoint"
	"github.com/ladderctl/ladderctl/internal/checkpoint/sqlmirror"
	"github.com/ladderctl/ladderctl/internal/escalation"
	"github.com/ladderctl/ladderctl/internal/eventlog"
	"github.com/ladderctl/ladderctl/internal/gateway"
	"github.com/ladderctl/ladderctl/internal/platform/ctxutil"
	"github.com/ladderctl/ladderctl/internal/platform/logger"
	"github.com/ladderctl/ladderctl/internal/utils"
)

// app bundles every long-lived dependency a subcommand needs, wired once
// per process invocation the same way the teacher's internal/app.New
// builds its dependency graph before cmd/main.go ever touches it.
type app struct {
	Log    *logger.Logger
	Driver *chain.Driver
	Engine *escalation.Engine
	Mirror *sqlmirror.Mirror
}

func newApp() (*app, error) {
	log, err := logger.New(utils.GetEnv("LADDERCTL_LOG_MODE", "development", nil))
	if err != nil {
		return nil, fmt.Errorf("ladderctl: init logger: %w", err)
	}

	checkpointDir := utils.GetEnv("LADDERCTL_CHECKPOINT_DIR", "/var/lib/ladderctl/checkpoints", log)
	store, err := checkpoint.NewStore(checkpointDir)
	if err != nil {
		return nil, fmt.Errorf("ladderctl: open checkpoint store: %w", err)
	}

	gw := gateway.NewSlurm()
	eng := escalation.NewEngine(gw, store)

	// evLog here is only the process-wide fallback used when a chain
	// carries no EventLogPath of its own (submitted with logging.enabled
	// false or absent). A chain submitted with logging.enabled true
	// persists config's logging.db_path onto itself, and
	// chain.Driver.eventLogFor opens that path directly for every later
	// call against that chain instead of relying on this env var.
	var evLog *eventlog.Log
	if eventLogPath := utils.GetEnv("LADDERCTL_EVENT_LOG_PATH", "", log); eventLogPath != "" {
		evLog, err = eventlog.Open(eventLogPath)
		if err != nil {
			log.Warn("failed to open event log, continuing without one", "path", eventLogPath, "error", err)
			evLog = nil
		}
	}

	var mirror *sqlmirror.Mirror
	if dsn := utils.GetEnv("LADDERCTL_MIRROR_DSN", "", log); dsn != "" {
		mirror, err = sqlmirror.Open(dsn, log)
		if err != nil {
			log.Warn("failed to open relational mirror, continuing without one", "error", err)
			mirror = nil
		}
	}

	driver := chain.NewDriver(store, eng, evLog)
	return &app{Log: log, Driver: driver, Engine: eng, Mirror: mirror}, nil
}

// traceContext tags ctx with a fresh trace id, shared by every log line
// and gateway call this invocation makes, so a scattered set of
// scheduler-invoked handler/watcher log lines for the same submission
// can be correlated after the fact. Replaces a.Log with one that logs
// the trace id on every call.
func (a *app) traceContext(parent context.Context) (context.Context, *logger.Logger) {
	td := &ctxutil.TraceData{TraceID: uuid.New().String()}
	ctx := ctxutil.WithTraceData(parent, td)
	return ctx, a.Log.With("trace_id", td.TraceID)
}

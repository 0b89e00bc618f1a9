// Package chain is the user-facing entry point for the orchestrator: it
// generates chain ids, bootstraps a chain's checkpoint, hands off to the
// escalation engine for the initial submission, and renders status
// reports. Everything here is a thin wrapper over
// checkpoint.Store and escalation.Engine — the decision logic itself
// lives in escalation, not here.
package chain

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ladderctl/ladderctl/internal/checkpoint"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/escalation"
	"github.com/ladderctl/ladderctl/internal/eventlog"
	"github.com/ladderctl/ladderctl/internal/pkg/ladderrors"
)

const idSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewChainID generates a chain id of the form
// YYYYMMDD-HHMMSS-<4 random lower-alphanum>: sortable by submission
// time, with a random suffix so two chains submitted in the same second
// never collide.
func NewChainID(now time.Time) (string, error) {
	suffix, err := randomSuffix(4)
	if err != nil {
		return "", fmt.Errorf("chain: generate id suffix: %w", err)
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), suffix), nil
}

func randomSuffix(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, v := range b {
		out[i] = idSuffixAlphabet[int(v)%len(idSuffixAlphabet)]
	}
	return string(out), nil
}

// SubmitRequest is everything a caller (the CLI's submit subcommand)
// needs to bootstrap a new chain.
type SubmitRequest struct {
	ScriptPath   string
	ScriptArgs   []string
	Env          []string
	Throttle     int
	FullIndexSet []int
	Ladder       domain.Ladder

	// EventLogPath is the config's logging.db_path, carried over only
	// when logging.enabled is true. Persisted onto the chain so every
	// later internal-resolve/cancel-chain/gc invocation for this chain
	// (none of which take --config) appends to the same file.
	EventLogPath string
}

// Driver wires a checkpoint store and an escalation engine into the
// chain lifecycle: submit, status, list, watch, and operator
// cancellation. EventLog is optional; a nil value disables event
// recording without requiring callers to branch.
type Driver struct {
	Checkpoint *checkpoint.Store
	Engine     *escalation.Engine
	EventLog   *eventlog.Log

	// Now is overridable for deterministic chain-id generation in tests.
	Now func() time.Time
}

// NewDriver returns a Driver with Now defaulting to time.Now.
func NewDriver(store *checkpoint.Store, engine *escalation.Engine, log *eventlog.Log) *Driver {
	return &Driver{Checkpoint: store, Engine: engine, EventLog: log, Now: time.Now}
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// eventLogFor returns the event log a chain's actions should be
// recorded to: the one opened at c.EventLogPath if submission recorded
// one (config-driven logging.db_path, persisted on the chain so every
// later handler/watcher/operator invocation routes to the same file
// without needing its own --config), falling back to d.EventLog
// otherwise. The opened handle is closed by the caller via the
// returned func.
func (d *Driver) eventLogFor(c *domain.Chain) (*eventlog.Log, func()) {
	if c.EventLogPath == "" {
		return d.EventLog, func() {}
	}
	opened, err := eventlog.Open(c.EventLogPath)
	if err != nil {
		return d.EventLog, func() {}
	}
	return opened, func() { opened.Close() }
}

// Submit validates req, generates a chain id, creates its checkpoint,
// and performs the initial ladder-level-0 submission.
func (d *Driver) Submit(ctx context.Context, req SubmitRequest) (*domain.Chain, error) {
	if req.ScriptPath == "" {
		return nil, fmt.Errorf("%w: script path required", ladderrors.ErrUserInput)
	}
	if len(req.FullIndexSet) == 0 {
		return nil, fmt.Errorf("%w: index set must be non-empty", ladderrors.ErrUserInput)
	}
	if err := req.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ladderrors.ErrUserInput, err)
	}

	id, err := NewChainID(d.now())
	if err != nil {
		return nil, err
	}

	c := &domain.Chain{
		ID:           id,
		ScriptPath:   req.ScriptPath,
		ScriptArgs:   req.ScriptArgs,
		Env:          req.Env,
		Throttle:     req.Throttle,
		FullIndexSet: append([]int(nil), req.FullIndexSet...),
		Ladder:       req.Ladder,
		CreatedAt:    d.now(),
		State:        domain.ChainRunning,
		EventLogPath: req.EventLogPath,
	}
	if err := d.Checkpoint.Create(c); err != nil {
		return nil, err
	}
	if err := d.Engine.SubmitInitial(ctx, c); err != nil {
		return nil, err
	}
	if len(c.Rounds) > 0 {
		round := c.Rounds[0]
		log, closeLog := d.eventLogFor(c)
		for _, jobID := range round.JobIDs {
			_ = log.Submit(c.ID, jobID, round.LevelIndex, round.IndexSet)
		}
		closeLog()
	}
	return c, nil
}

// Resolve drives the escalation engine's decision for (chainID, roundNo)
// and records the resulting transition to the event log: ESCALATE when
// one or more new rounds were spawned, COMPLETE or FAIL_AT_MAX when the
// chain reached that terminal state. internal/escalation itself never
// imports internal/eventlog (see Driver's package doc), so this is the
// only place those three actions are ever written — matching Submit and
// Cancel, which already record SUBMIT and NOT_RETRIED at their own call
// sites rather than inside the engine.
func (d *Driver) Resolve(ctx context.Context, chainID string, roundNo int) (*domain.Chain, error) {
	before, err := d.Checkpoint.Load(chainID)
	if err != nil {
		return nil, err
	}
	roundsBefore := len(before.Rounds)

	if err := d.Engine.Resolve(ctx, chainID, roundNo); err != nil {
		return nil, err
	}

	after, err := d.Checkpoint.Load(chainID)
	if err != nil {
		return nil, err
	}

	log, closeLog := d.eventLogFor(after)
	defer closeLog()

	switch {
	case after.State == domain.ChainCompleted && before.State != domain.ChainCompleted:
		_ = log.Complete(after.ID)
	case after.State == domain.ChainFailedAtMax && before.State != domain.ChainFailedAtMax:
		_ = log.FailAtMax(after.ID, after.ResidualIndices)
	case len(after.Rounds) > roundsBefore:
		for _, r := range after.Rounds[roundsBefore:] {
			for _, jobID := range r.JobIDs {
				_ = log.Escalate(after.ID, jobID, r.LevelIndex, r.IndexSet)
			}
		}
	}
	return after, nil
}

// Status loads and returns the current checkpoint for chainID.
func (d *Driver) Status(chainID string) (*domain.Chain, error) {
	return d.Checkpoint.Load(chainID)
}

// List returns every known chain id, sorted (and therefore also
// chronological, since ids are timestamp-prefixed).
func (d *Driver) List() ([]string, error) {
	return d.Checkpoint.ListAll()
}

// WriteReport renders a one-line-per-chain status table to w, in the
// same style as a squeue/sacct summary: stable columns, no wrapping.
func (d *Driver) WriteReport(w io.Writer, chainIDs []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tSTATE\tROUND\tCOMPLETED\tTOTAL\tFAIL_REASON")
	for _, id := range chainIDs {
		c, err := d.Checkpoint.Load(id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t%v\n", id, "ERROR", err)
			continue
		}
		round := -1
		if n := len(c.Rounds); n > 0 {
			round = c.Rounds[n-1].RoundNo
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", c.ID, c.State, round, c.CompletedCount, len(c.FullIndexSet), c.FailReason)
	}
	return tw.Flush()
}

// Watch polls Status for chainID every interval, rendering a report line
// each time, until the chain reaches a terminal state or ctx is
// cancelled.
func (d *Driver) Watch(ctx context.Context, w io.Writer, chainID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.WriteReport(w, []string{chainID}); err != nil {
			return err
		}
		c, err := d.Checkpoint.Load(chainID)
		if err != nil {
			return err
		}
		if c.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel stops an in-flight chain: it cancels every job id from the
// chain's last unresolved round (task array, handler, watcher) still
// live in the scheduler, then marks the chain FAILED_NOT_RETRIED. A
// chain already in a terminal state is left untouched — CanTransitionTo
// refuses the write, matching the monotonic lifecycle every other
// terminal transition obeys.
func (d *Driver) Cancel(ctx context.Context, chainID, reason string) (*domain.Chain, error) {
	c, err := d.Checkpoint.Load(chainID)
	if err != nil {
		return nil, err
	}
	if c.State.Terminal() {
		return c, nil
	}

	var live []string
	for _, round := range c.Rounds {
		if round.Resolved() {
			continue
		}
		live = append(live, round.JobIDs...)
		if round.HandlerJobID != "" {
			live = append(live, round.HandlerJobID)
		}
		if round.WatcherJobID != "" {
			live = append(live, round.WatcherJobID)
		}
	}
	if len(live) > 0 {
		if err := d.Engine.Gateway.Cancel(ctx, live); err != nil {
			return nil, fmt.Errorf("chain: cancel live jobs for %s: %w", chainID, err)
		}
	}

	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := d.Checkpoint.MarkFailed(c, domain.ChainFailedNotRetried, reason, nil, nil); err != nil {
		return nil, err
	}
	log, closeLog := d.eventLogFor(c)
	_ = log.NotRetried(c.ID)
	closeLog()
	return c, nil
}

// GC sweeps every known chain's resolved rounds for a leftover
// handler/watcher job still visible in the scheduler and cancels it.
// Intended for periodic invocation (cron, systemd timer), not as part
// of the handler/watcher path itself.
func (d *Driver) GC(ctx context.Context) (map[string][]string, error) {
	ids, err := d.Checkpoint.ListAll()
	if err != nil {
		return nil, err
	}
	cancelled := make(map[string][]string, len(ids))
	for _, id := range ids {
		c, err := d.Checkpoint.Load(id)
		if err != nil {
			continue
		}
		stale, err := d.Engine.CancelStaleHandlers(ctx, c)
		if err != nil || len(stale) == 0 {
			continue
		}
		cancelled[id] = stale
	}
	return cancelled, nil
}

// Package escalation implements the resumable state machine that decides,
// once a round resolves, whether a chain is done, needs to climb its
// ladder, or has run out of rungs.
//
// Every entry point is idempotent against a round that has already been
// resolved: the scheduler-level handler and success-watcher for the same
// round are both submitted with an any-outcome dependency (see
// gateway.DependencyAfterAny) rather than exactly one "the" correct
// dependency type, because a pure on-failure or pure on-success
// dependency becomes permanently unsatisfiable the moment a batched
// round has no failures (or no successes), stalling the chain. Both
// therefore run, each checks the round's actual outcome, and whichever
// gets there first does the real work; the second call finds the round
// already resolved and returns immediately.
package escalation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ladderctl/ladderctl/internal/checkpoint"
	"github.com/ladderctl/ladderctl/internal/classifier"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/gateway"
	"github.com/ladderctl/ladderctl/internal/indexcodec"
	"github.com/ladderctl/ladderctl/internal/pkg/ladderrors"
	"github.com/ladderctl/ladderctl/internal/pkg/pointers"
)

// RetryPolicy bounds the exponential backoff used when a scheduler
// submission fails with a transient error. Shape and defaults carried
// over from the resumable-job-engine backoff this package generalizes:
// doubling delay off a floor, capped, with jitter so a burst of
// simultaneously-retrying handlers doesn't resubmit in lockstep.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration // default 1s
	MaxBackoff  time.Duration // default 30s
	JitterFrac  float64       // default 0.20
}

func computeBackoff(r RetryPolicy, attempt int) time.Duration {
	minB, maxB, j := r.MinBackoff, r.MaxBackoff, r.JitterFrac
	if minB <= 0 {
		minB = time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low, high := float64(d)-delta, float64(d)+delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// Engine is the escalation state machine: one instance is wired up per
// process invocation (submit, handler, watcher, gc all construct one
// against the same checkpoint directory and gateway).
type Engine struct {
	Gateway    gateway.Gateway
	Checkpoint *checkpoint.Store

	Overrides       classifier.Overrides
	MaxArraySpecLen int           // default 10000
	SettleDelay     time.Duration // default 2s
	Backoff         RetryPolicy
}

// NewEngine returns an Engine with spec-documented defaults.
func NewEngine(gw gateway.Gateway, store *checkpoint.Store) *Engine {
	return &Engine{
		Gateway:         gw,
		Checkpoint:      store,
		MaxArraySpecLen: 10000,
		SettleDelay:     2 * time.Second,
		Backoff:         RetryPolicy{MaxAttempts: 5},
	}
}

// SubmitInitial submits round 0 for a freshly created chain (State ==
// RUNNING, no rounds yet) and appends it to the checkpoint.
func (e *Engine) SubmitInitial(ctx context.Context, c *domain.Chain) error {
	if len(c.Rounds) != 0 {
		return fmt.Errorf("escalation: chain %s already has rounds", c.ID)
	}
	level, ok := c.Ladder.At(domain.AxisNone, 0)
	if !ok {
		return fmt.Errorf("%w: chain %s: ladder has no level 0", ladderrors.ErrUserInput, c.ID)
	}
	round := domain.Round{
		RoundNo:    0,
		LevelIndex: 0,
		Axis:       domain.AxisNone,
		MemoryMB:   level.MemoryMB,
		WallTime:   level.WallTime,
		Partitions: level.Partitions,
		IndexSet:   c.FullIndexSet,
		State:      domain.RoundPending,
		CreatedAt:  c.CreatedAt,
	}
	if err := e.submitRound(ctx, c, &round); err != nil {
		return err
	}
	return e.Checkpoint.AppendRound(c, round)
}

// Resolve is invoked by the scheduler-triggered handler or watcher for
// (chainID, roundNo). It classifies the round's outcomes, persists task
// records and counts, and either completes the chain, fails it, or
// escalates and submits the next round. Idempotent: a round already
// resolved returns nil immediately.
func (e *Engine) Resolve(ctx context.Context, chainID string, roundNo int) error {
	c, err := e.Checkpoint.Load(chainID)
	if err != nil {
		return err
	}
	if c.State.Terminal() {
		return nil
	}
	if roundNo < 0 || roundNo >= len(c.Rounds) {
		return fmt.Errorf("escalation: chain %s: round %d not found", chainID, roundNo)
	}
	round := c.Rounds[roundNo]
	if round.Resolved() {
		return nil
	}

	tasks, err := e.classifyRound(ctx, round)
	if err != nil {
		return err
	}
	tallyOutcomes(&round, tasks)
	round.ResolvedAt = pointers.Ptr(time.Now().UTC())
	round.State = domain.RoundCompleted
	if err := e.Checkpoint.UpdateRound(c, roundNo, round); err != nil {
		return err
	}

	retrySet := round.RetrySet()
	if len(retrySet) == 0 {
		return e.finalize(c)
	}

	return e.escalate(ctx, c, round, retrySet)
}

// allRoundsResolved reports whether every round a chain has spawned so
// far has resolved. In IndependentAxesMode a round can fork into two
// sibling rounds (one per axis) that resolve on their own schedule, so
// a chain must never be declared done on the strength of just one
// round's outcome while a sibling is still outstanding.
func allRoundsResolved(c *domain.Chain) bool {
	for _, r := range c.Rounds {
		if !r.Resolved() {
			return false
		}
	}
	return true
}

// finalize transitions c to a terminal state once every spawned round
// has resolved: FAILED_AT_MAX if escalation ever accumulated a residual
// (on either axis), COMPLETED otherwise. It is a no-op, leaving the
// chain RUNNING, while any spawned round (including a sibling still in
// flight on the other axis) remains unresolved.
func (e *Engine) finalize(c *domain.Chain) error {
	if !allRoundsResolved(c) {
		return nil
	}
	if len(c.ResidualIndices) > 0 {
		return e.Checkpoint.MarkFailed(c, domain.ChainFailedAtMax, "ladder exhausted on all axes", c.ResidualIndices, c.ResidualKind)
	}
	return e.Checkpoint.MarkCompleted(c, countCompleted(c))
}

// classifyRound aggregates accounting across every batch job id the
// round submitted, using the index partition recorded per batch at
// submission time (round.BatchIndexSets) to know which indices to
// expect from which job id.
func (e *Engine) classifyRound(ctx context.Context, round domain.Round) ([]domain.TaskRecord, error) {
	var all []domain.TaskRecord
	for i, jobID := range round.JobIDs {
		want := round.IndexSet
		if i < len(round.BatchIndexSets) {
			want = round.BatchIndexSets[i]
		}
		records, err := classifier.ClassifyWithRetry(ctx, e.Gateway, jobID, want, e.SettleDelay, e.Overrides)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ladderrors.ErrSchedulerTransient, err)
		}
		all = append(all, records...)
	}
	return all, nil
}

func tallyOutcomes(round *domain.Round, tasks []domain.TaskRecord) {
	round.Tasks = tasks
	round.Completed, round.OOM, round.Timeout, round.Other = 0, 0, 0, 0
	for _, t := range tasks {
		switch t.Outcome {
		case domain.OutcomeCompleted:
			round.Completed++
		case domain.OutcomeOOM:
			round.OOM++
		case domain.OutcomeTimeout:
			round.Timeout++
		default:
			round.Other++
		}
	}
}

func countCompleted(c *domain.Chain) int {
	total := 0
	for _, r := range c.Rounds {
		total += r.Completed
	}
	return total
}

// escalate builds and submits the next round(s) for retrySet, or marks
// the chain FAILED_AT_MAX when every relevant ladder axis is exhausted.
func (e *Engine) escalate(ctx context.Context, c *domain.Chain, round domain.Round, retrySet []int) error {
	if c.Ladder.Mode == domain.IndependentAxesMode {
		return e.escalateIndependentAxes(ctx, c, round)
	}

	nextLevel := round.LevelIndex + 1
	level, ok := c.Ladder.At(domain.AxisNone, nextLevel)
	if !ok {
		kind := residualKind(round)
		return e.Checkpoint.MarkFailed(c, domain.ChainFailedAtMax, "ladder exhausted", retrySet, kind)
	}

	next := domain.Round{
		RoundNo:    len(c.Rounds),
		LevelIndex: nextLevel,
		Axis:       domain.AxisNone,
		MemoryMB:   level.MemoryMB,
		WallTime:   level.WallTime,
		Partitions: level.Partitions,
		IndexSet:   retrySet,
		State:      domain.RoundPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.submitRound(ctx, c, &next); err != nil {
		return err
	}
	if err := e.Checkpoint.AppendRound(c, next); err != nil {
		return err
	}
	e.cancelStaleForRound(ctx, c, round)
	return nil
}

// escalateIndependentAxes splits retrySet by outcome and, for each
// nonempty side, climbs that axis's own ladder independently. OOM
// indices escalate memory; timeout indices escalate time. A side whose
// axis is exhausted contributes its indices to the chain's residual
// set without blocking the other side's retry.
//
// The two axes fork into sibling rounds that resolve independently, at
// different times, each only ever seeing its own axis's outcomes — so
// the residual set recorded here must accumulate onto whatever the
// chain already carries from a prior axis-exhaustion event, never
// overwrite it, or the memory-axis (or time-axis) indices that gave up
// first would vanish the moment the other axis gives up too.
func (e *Engine) escalateIndependentAxes(ctx context.Context, c *domain.Chain, round domain.Round) error {
	oomIdx, timeoutIdx := splitByOutcome(round)

	residual := append([]int(nil), c.ResidualIndices...)
	kind := make(map[int]string, len(c.ResidualKind))
	for idx, k := range c.ResidualKind {
		kind[idx] = k
	}

	for _, side := range []struct {
		axis    domain.Axis
		indices []int
		label   string
	}{
		{domain.AxisMemory, oomIdx, "oom"},
		{domain.AxisTime, timeoutIdx, "timeout"},
	} {
		if len(side.indices) == 0 {
			continue
		}
		nextLevel := nextAxisLevel(round, side.axis)
		level, ok := c.Ladder.At(side.axis, nextLevel)
		if !ok {
			residual = append(residual, side.indices...)
			for _, idx := range side.indices {
				kind[idx] = side.label
			}
			continue
		}
		next := domain.Round{
			RoundNo:    len(c.Rounds),
			LevelIndex: nextLevel,
			Axis:       side.axis,
			MemoryMB:   level.MemoryMB,
			WallTime:   level.WallTime,
			Partitions: level.Partitions,
			IndexSet:   side.indices,
			State:      domain.RoundPending,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.submitRound(ctx, c, &next); err != nil {
			return err
		}
		if err := e.Checkpoint.AppendRound(c, next); err != nil {
			return err
		}
	}

	c.ResidualIndices = residual
	c.ResidualKind = kind

	if err := e.finalize(c); err != nil {
		return err
	}
	if c.State.Terminal() {
		return nil
	}
	// Not yet finalizable: a sibling round (the one just appended above,
	// or one spawned earlier on the other axis) is still outstanding.
	// Persist the accumulated residual without transitioning the chain,
	// and clean up this round's redundant handler/watcher now that it
	// has resolved.
	if err := e.Checkpoint.Save(c); err != nil {
		return err
	}
	e.cancelStaleForRound(ctx, c, round)
	return nil
}

func splitByOutcome(round domain.Round) (oom, timeout []int) {
	for _, t := range round.Tasks {
		switch t.Outcome {
		case domain.OutcomeOOM:
			oom = append(oom, t.Index)
		case domain.OutcomeTimeout:
			timeout = append(timeout, t.Index)
		}
	}
	return oom, timeout
}

// nextAxisLevel computes the level a retry round on the given axis
// should use. A round whose own Axis matches continues that axis's
// climb; a round with no axis yet (round 0, shared across both axes)
// means this is the first axis-specific escalation, which starts at
// level 1 since level 0 was already attempted jointly.
func nextAxisLevel(round domain.Round, axis domain.Axis) int {
	if round.Axis == axis {
		return round.LevelIndex + 1
	}
	return 1
}

func residualKind(round domain.Round) map[int]string {
	kind := map[int]string{}
	for _, t := range round.Tasks {
		switch t.Outcome {
		case domain.OutcomeOOM:
			kind[t.Index] = "oom"
		case domain.OutcomeTimeout:
			kind[t.Index] = "timeout"
		}
	}
	return kind
}

// submitRound compresses round.IndexSet, batches it if the compressed
// form would exceed MaxArraySpecLen, submits one job per batch, and
// submits the handler and success-watcher pair with a uniform
// any-outcome dependency across every batch job id.
func (e *Engine) submitRound(ctx context.Context, c *domain.Chain, round *domain.Round) error {
	batches := [][]int{round.IndexSet}
	if full := indexcodec.Compress(round.IndexSet); len(full) > e.MaxArraySpecLen {
		batches = indexcodec.Batch(round.IndexSet, e.MaxArraySpecLen)
	}

	var jobIDs []string
	var specs []string
	for _, batch := range batches {
		spec := indexcodec.Compress(batch)
		jobID, err := e.submitWithRetry(ctx, gateway.SubmitSpec{
			Name:       fmt.Sprintf("ladderctl-%s-r%d", c.ID, round.RoundNo),
			Command:    c.ScriptPath,
			Args:       c.ScriptArgs,
			Partitions: round.Partitions,
			MemoryMB:   round.MemoryMB,
			WallTime:   round.WallTime,
			ArraySpec:  spec,
			Throttle:   c.Throttle,
			Env:        c.Env,
			OutputPath: fmt.Sprintf("%s/%s-r%d-%%A_%%a.out", logDir(c), c.ID, round.RoundNo),
			ErrorPath:  fmt.Sprintf("%s/%s-r%d-%%A_%%a.err", logDir(c), c.ID, round.RoundNo),
		})
		if err != nil {
			return err
		}
		jobIDs = append(jobIDs, jobID)
		specs = append(specs, spec)
	}
	round.JobIDs = jobIDs
	round.ArraySpecs = specs
	round.BatchIndexSets = batches
	round.State = domain.RoundRunning

	dep := gateway.DependencyAfterAny(jobIDs)
	handlerID, err := e.submitWithRetry(ctx, gateway.SubmitSpec{
		Name:       fmt.Sprintf("ladderctl-%s-r%d-handler", c.ID, round.RoundNo),
		Command:    "ladderctl",
		Args:       []string{"internal-resolve", c.ID, fmt.Sprintf("%d", round.RoundNo)},
		Dependency: dep,
		WallTime:   5 * time.Minute,
		MemoryMB:   256,
	})
	if err != nil {
		return err
	}
	round.HandlerJobID = handlerID

	watcherID, err := e.submitWithRetry(ctx, gateway.SubmitSpec{
		Name:       fmt.Sprintf("ladderctl-%s-r%d-watcher", c.ID, round.RoundNo),
		Command:    "ladderctl",
		Args:       []string{"internal-resolve", c.ID, fmt.Sprintf("%d", round.RoundNo)},
		Dependency: dep,
		WallTime:   5 * time.Minute,
		MemoryMB:   256,
	})
	if err != nil {
		return err
	}
	round.WatcherJobID = watcherID
	return nil
}

func logDir(c *domain.Chain) string {
	return "/var/log/ladderctl/" + c.ID
}

// submitWithRetry retries a transient SubmitArray failure a bounded
// number of times with backoff before surfacing it as fatal to the
// round.
func (e *Engine) submitWithRetry(ctx context.Context, spec gateway.SubmitSpec) (string, error) {
	maxAttempts := e.Backoff.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		jobID, err := e.Gateway.SubmitArray(ctx, spec)
		if err == nil {
			return jobID, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		delay := computeBackoff(e.Backoff, attempt)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", fmt.Errorf("%w: %v", ladderrors.ErrSchedulerFatal, lastErr)
}

// cancelStaleForRound cancels the handler/watcher job of the round that
// just resolved if either is still present in the scheduler's live job
// list: whichever of the pair did not end up doing the work (because
// its sibling resolved the round first) no longer serves any purpose.
func (e *Engine) cancelStaleForRound(ctx context.Context, c *domain.Chain, round domain.Round) {
	live, err := e.Gateway.ListUserJobs(ctx)
	if err != nil {
		return
	}
	liveIDs := make(map[string]bool, len(live))
	for _, j := range live {
		liveIDs[j.JobID] = true
	}
	var stale []string
	if round.HandlerJobID != "" && liveIDs[round.HandlerJobID] {
		stale = append(stale, round.HandlerJobID)
	}
	if round.WatcherJobID != "" && liveIDs[round.WatcherJobID] {
		stale = append(stale, round.WatcherJobID)
	}
	if len(stale) > 0 {
		_ = e.Gateway.Cancel(ctx, stale)
	}
}

// CancelStaleHandlers sweeps every resolved round in c and cancels any
// handler/watcher job id still visible in the scheduler's live job
// list. Exposed standalone (not just as an internal post-escalation
// step) for the gc CLI subcommand to run across every known chain.
func (e *Engine) CancelStaleHandlers(ctx context.Context, c *domain.Chain) ([]string, error) {
	live, err := e.Gateway.ListUserJobs(ctx)
	if err != nil {
		return nil, err
	}
	liveIDs := make(map[string]bool, len(live))
	for _, j := range live {
		liveIDs[j.JobID] = true
	}
	var stale []string
	for _, round := range c.Rounds {
		if !round.Resolved() {
			continue
		}
		if round.HandlerJobID != "" && liveIDs[round.HandlerJobID] {
			stale = append(stale, round.HandlerJobID)
		}
		if round.WatcherJobID != "" && liveIDs[round.WatcherJobID] {
			stale = append(stale, round.WatcherJobID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := e.Gateway.Cancel(ctx, stale); err != nil {
		return nil, err
	}
	return stale, nil
}

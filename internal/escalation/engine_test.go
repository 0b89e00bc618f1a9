package escalation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/checkpoint"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/escalation"
	"github.com/ladderctl/ladderctl/internal/gateway"
)

func newStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func levelsChain(id string, fullSet []int, levels []domain.Level) *domain.Chain {
	return &domain.Chain{
		ID:           id,
		ScriptPath:   "/scripts/run.sh",
		ScriptArgs:   []string{"--flag", "value with spaces"},
		FullIndexSet: fullSet,
		Ladder:       domain.Ladder{Mode: domain.LevelsMode, Levels: levels},
		CreatedAt:    time.Now().UTC(),
		State:        domain.ChainRunning,
	}
}

func contiguous(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, i)
	}
	return out
}

func allCompleted(indices []int) []gateway.TaskResult {
	out := make([]gateway.TaskResult, 0, len(indices))
	for _, idx := range indices {
		out = append(out, gateway.TaskResult{Index: idx, State: "COMPLETED", ExitCode: 0})
	}
	return out
}

// TestEngine_S1_NoEscalation: every index succeeds at level 0; chain
// completes after exactly one round with no handler retry.
func TestEngine_S1_NoEscalation(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 99)
	c := levelsChain("chain-s1", fullSet, []domain.Level{
		{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
	})
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))

	c, err := store.Load("chain-s1")
	require.NoError(t, err)
	require.Len(t, c.Rounds, 1)
	jobID := c.Rounds[0].JobIDs[0]
	fake.Accounting[jobID] = allCompleted(fullSet)

	require.NoError(t, eng.Resolve(context.Background(), "chain-s1", 0))

	c, err = store.Load("chain-s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainCompleted, c.State)
	require.Len(t, c.Rounds, 1)
	assert.Equal(t, 100, c.Rounds[0].Completed)
	assert.Empty(t, fake.Submissions()[1:]) // no retry round submitted
}

// TestEngine_S2_PureOOMEscalation: all tasks OOM at level 0 (1G), retry
// at level 1 (2G) all succeed; chain completes with two rounds.
func TestEngine_S2_PureOOMEscalation(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 9)
	c := levelsChain("chain-s2", fullSet, []domain.Level{
		{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
		{Partitions: []string{"cpu"}, MemoryMB: 2000, WallTime: time.Hour},
	})
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))

	c, _ = store.Load("chain-s2")
	round0Job := c.Rounds[0].JobIDs[0]
	oomResults := make([]gateway.TaskResult, 0, 10)
	for _, idx := range fullSet {
		oomResults = append(oomResults, gateway.TaskResult{Index: idx, State: "OUT_OF_MEMORY", ExitCode: 9})
	}
	fake.Accounting[round0Job] = oomResults

	require.NoError(t, eng.Resolve(context.Background(), "chain-s2", 0))

	c, err := store.Load("chain-s2")
	require.NoError(t, err)
	require.Len(t, c.Rounds, 2)
	assert.Equal(t, domain.ChainRunning, c.State)
	assert.Equal(t, 1, c.Rounds[1].LevelIndex)
	assert.Equal(t, 2000, c.Rounds[1].MemoryMB)
	assert.Equal(t, "0-9", c.Rounds[1].ArraySpecs[0])

	round1Job := c.Rounds[1].JobIDs[0]
	fake.Accounting[round1Job] = allCompleted(fullSet)

	require.NoError(t, eng.Resolve(context.Background(), "chain-s2", 1))

	c, err = store.Load("chain-s2")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainCompleted, c.State)
	require.Len(t, c.Rounds, 2)
}

// TestEngine_S3_MixedOOMTimeoutOther: retry set is the union of OOM and
// timeout only; plain-failure ("other") indices are recorded but never
// retried.
func TestEngine_S3_MixedOOMTimeoutOther(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 29)
	c := levelsChain("chain-s3", fullSet, []domain.Level{
		{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
		{Partitions: []string{"cpu"}, MemoryMB: 2000, WallTime: time.Hour},
	})
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))
	c, _ = store.Load("chain-s3")
	jobID := c.Rounds[0].JobIDs[0]

	oom := map[int]bool{1: true, 4: true, 7: true, 8: true}
	timeout := map[int]bool{2: true, 9: true}
	other := map[int]bool{5: true, 16: true}

	var results []gateway.TaskResult
	for _, idx := range fullSet {
		switch {
		case oom[idx]:
			results = append(results, gateway.TaskResult{Index: idx, State: "OUT_OF_MEMORY", ExitCode: 9})
		case timeout[idx]:
			results = append(results, gateway.TaskResult{Index: idx, State: "TIMEOUT", ExitCode: 0})
		case other[idx]:
			results = append(results, gateway.TaskResult{Index: idx, State: "FAILED", ExitCode: 1})
		default:
			results = append(results, gateway.TaskResult{Index: idx, State: "COMPLETED", ExitCode: 0})
		}
	}
	fake.Accounting[jobID] = results

	require.NoError(t, eng.Resolve(context.Background(), "chain-s3", 0))

	c, err := store.Load("chain-s3")
	require.NoError(t, err)
	require.Len(t, c.Rounds, 2)

	retried := c.Rounds[1].IndexSet
	assert.ElementsMatch(t, []int{1, 2, 4, 7, 8, 9}, retried)

	// "other" failures are recorded in round 0's task records and never
	// appear in any later round's index set.
	var otherIndices []int
	for _, tsk := range c.Rounds[0].Tasks {
		if tsk.Outcome == domain.OutcomeOther {
			otherIndices = append(otherIndices, tsk.Index)
		}
	}
	assert.ElementsMatch(t, []int{5, 16}, otherIndices)
	assert.NotContains(t, retried, 5)
	assert.NotContains(t, retried, 16)
}

// TestEngine_S6_MaxLadderExhaustion: a single-level ladder with OOM
// residuals at round 0 ends the chain FAILED_AT_MAX with no further
// submissions.
func TestEngine_S6_MaxLadderExhaustion(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 4)
	c := levelsChain("chain-s6", fullSet, []domain.Level{
		{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
	})
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))
	c, _ = store.Load("chain-s6")
	jobID := c.Rounds[0].JobIDs[0]

	fake.Accounting[jobID] = []gateway.TaskResult{
		{Index: 0, State: "COMPLETED", ExitCode: 0},
		{Index: 1, State: "OUT_OF_MEMORY", ExitCode: 9},
		{Index: 2, State: "OUT_OF_MEMORY", ExitCode: 9},
		{Index: 3, State: "COMPLETED", ExitCode: 0},
		{Index: 4, State: "COMPLETED", ExitCode: 0},
	}

	submissionsBefore := len(fake.Submissions())
	require.NoError(t, eng.Resolve(context.Background(), "chain-s6", 0))

	c, err := store.Load("chain-s6")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainFailedAtMax, c.State)
	assert.ElementsMatch(t, []int{1, 2}, c.ResidualIndices)
	assert.Equal(t, "oom", c.ResidualKind[1])
	require.Len(t, c.Rounds, 1)
	assert.Len(t, fake.Submissions(), submissionsBefore) // no round 1, no new handler/watcher
}

// TestEngine_Resolve_IsIdempotentOnAnAlreadyResolvedRound models the
// handler/watcher pair both firing (any-outcome dependency): the second
// call is a no-op rather than double-escalating.
func TestEngine_Resolve_IsIdempotentOnAnAlreadyResolvedRound(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 2)
	c := levelsChain("chain-idem", fullSet, []domain.Level{
		{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
		{Partitions: []string{"cpu"}, MemoryMB: 2000, WallTime: time.Hour},
	})
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))
	c, _ = store.Load("chain-idem")
	jobID := c.Rounds[0].JobIDs[0]
	fake.Accounting[jobID] = []gateway.TaskResult{
		{Index: 0, State: "OUT_OF_MEMORY", ExitCode: 9},
		{Index: 1, State: "COMPLETED", ExitCode: 0},
		{Index: 2, State: "COMPLETED", ExitCode: 0},
	}

	require.NoError(t, eng.Resolve(context.Background(), "chain-idem", 0)) // "handler" invocation
	afterFirst := len(fake.Submissions())

	require.NoError(t, eng.Resolve(context.Background(), "chain-idem", 0)) // "watcher" invocation, same round
	afterSecond := len(fake.Submissions())

	assert.Equal(t, afterFirst, afterSecond)

	c, err := store.Load("chain-idem")
	require.NoError(t, err)
	require.Len(t, c.Rounds, 2)
}

// TestEngine_DependencyKind_IsAlwaysAfterAny covers both the single-job
// round (S1/S2/S3 shape) and a batched round: every handler/watcher
// dependency uses afterany, never afterok/afternotok, which is what
// keeps a batched round's success-watcher reachable even when some
// batches have zero failures.
func TestEngine_DependencyKind_IsAlwaysAfterAny(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)
	eng.MaxArraySpecLen = 6 // force multi-batch for a set compressing to more than 6 chars

	var fullSet []int
	for i := 0; i < 20; i++ {
		fullSet = append(fullSet, i*i) // quadratic spacing never forms a run or periodic segment
	}
	c := levelsChain("chain-dep", fullSet, []domain.Level{
		{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
	})
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))

	for _, kind := range fake.DependencyKinds() {
		assert.Equal(t, "afterany", kind)
	}
}

// TestEngine_IndependentAxesMode_SplitsOOMAndTimeoutToSeparateLadders.
func TestEngine_IndependentAxesMode_SplitsOOMAndTimeoutToSeparateLadders(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 3)
	c := &domain.Chain{
		ID:           "chain-axes",
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: fullSet,
		Ladder: domain.Ladder{
			Mode: domain.IndependentAxesMode,
			MemoryLevels: []domain.Level{
				{MemoryMB: 1000, WallTime: time.Hour},
				{MemoryMB: 2000, WallTime: time.Hour},
			},
			TimeLevels: []domain.Level{
				{MemoryMB: 1000, WallTime: time.Hour},
				{MemoryMB: 1000, WallTime: 2 * time.Hour},
			},
		},
		CreatedAt: time.Now().UTC(),
		State:     domain.ChainRunning,
	}
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))
	c, _ = store.Load("chain-axes")
	jobID := c.Rounds[0].JobIDs[0]

	fake.Accounting[jobID] = []gateway.TaskResult{
		{Index: 0, State: "OUT_OF_MEMORY", ExitCode: 9},
		{Index: 1, State: "TIMEOUT", ExitCode: 0},
		{Index: 2, State: "COMPLETED", ExitCode: 0},
		{Index: 3, State: "COMPLETED", ExitCode: 0},
	}

	require.NoError(t, eng.Resolve(context.Background(), "chain-axes", 0))

	c, err := store.Load("chain-axes")
	require.NoError(t, err)
	require.Len(t, c.Rounds, 3)

	var memRound, timeRound *domain.Round
	for i := range c.Rounds[1:] {
		r := &c.Rounds[1+i]
		switch r.Axis {
		case domain.AxisMemory:
			memRound = r
		case domain.AxisTime:
			timeRound = r
		}
	}
	require.NotNil(t, memRound)
	require.NotNil(t, timeRound)
	assert.Equal(t, []int{0}, memRound.IndexSet)
	assert.Equal(t, 2000, memRound.MemoryMB)
	assert.Equal(t, []int{1}, timeRound.IndexSet)
	assert.Equal(t, 2*time.Hour, timeRound.WallTime)
}

// axesChain builds an IndependentAxesMode chain with a 2-level ladder on
// each axis, used by the sibling-round tests below.
func axesChain(id string, fullSet []int) *domain.Chain {
	return &domain.Chain{
		ID:           id,
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: fullSet,
		Ladder: domain.Ladder{
			Mode: domain.IndependentAxesMode,
			MemoryLevels: []domain.Level{
				{MemoryMB: 1000, WallTime: time.Hour},
				{MemoryMB: 2000, WallTime: time.Hour},
			},
			TimeLevels: []domain.Level{
				{MemoryMB: 1000, WallTime: time.Hour},
				{MemoryMB: 1000, WallTime: 2 * time.Hour},
			},
		},
		CreatedAt: time.Now().UTC(),
		State:     domain.ChainRunning,
	}
}

// TestEngine_IndependentAxesMode_DoesNotCompletePrematurelyWhileSiblingRoundPending
// covers a chain whose round 0 forks into a memory-axis round and a
// time-axis round: the memory round resolving cleanly must not complete
// the whole chain while the time round is still outstanding.
func TestEngine_IndependentAxesMode_DoesNotCompletePrematurelyWhileSiblingRoundPending(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 3)
	c := axesChain("chain-axes-pending", fullSet)
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))
	c, _ = store.Load("chain-axes-pending")
	round0Job := c.Rounds[0].JobIDs[0]
	fake.Accounting[round0Job] = []gateway.TaskResult{
		{Index: 0, State: "OUT_OF_MEMORY", ExitCode: 9},
		{Index: 1, State: "TIMEOUT", ExitCode: 0},
		{Index: 2, State: "COMPLETED", ExitCode: 0},
		{Index: 3, State: "COMPLETED", ExitCode: 0},
	}
	require.NoError(t, eng.Resolve(context.Background(), "chain-axes-pending", 0))

	c, err := store.Load("chain-axes-pending")
	require.NoError(t, err)
	require.Len(t, c.Rounds, 3)
	var memRoundNo, timeRoundNo int
	for i, r := range c.Rounds[1:] {
		if r.Axis == domain.AxisMemory {
			memRoundNo = i + 1
		}
		if r.Axis == domain.AxisTime {
			timeRoundNo = i + 1
		}
	}

	memJob := c.Rounds[memRoundNo].JobIDs[0]
	fake.Accounting[memJob] = []gateway.TaskResult{{Index: 0, State: "COMPLETED", ExitCode: 0}}
	require.NoError(t, eng.Resolve(context.Background(), "chain-axes-pending", memRoundNo))

	c, err = store.Load("chain-axes-pending")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainRunning, c.State, "chain must stay RUNNING while the time-axis sibling round is unresolved")

	timeJob := c.Rounds[timeRoundNo].JobIDs[0]
	fake.Accounting[timeJob] = []gateway.TaskResult{{Index: 1, State: "COMPLETED", ExitCode: 0}}
	require.NoError(t, eng.Resolve(context.Background(), "chain-axes-pending", timeRoundNo))

	c, err = store.Load("chain-axes-pending")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainCompleted, c.State, "chain must complete once every spawned round has resolved")
}

// TestEngine_IndependentAxesMode_AccumulatesResidualAcrossBothAxesBeforeFailing
// covers a chain where the memory-axis sibling round exhausts its ladder
// first (recording a partial residual while the chain stays RUNNING, since
// the time-axis sibling is still pending) and the time-axis sibling round
// exhausts later: the chain's final residual set must contain both axes'
// indices, not just the one that exhausted last.
func TestEngine_IndependentAxesMode_AccumulatesResidualAcrossBothAxesBeforeFailing(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	fullSet := contiguous(0, 3)
	c := axesChain("chain-axes-residual", fullSet)
	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))
	c, _ = store.Load("chain-axes-residual")
	round0Job := c.Rounds[0].JobIDs[0]
	fake.Accounting[round0Job] = []gateway.TaskResult{
		{Index: 0, State: "OUT_OF_MEMORY", ExitCode: 9},
		{Index: 1, State: "TIMEOUT", ExitCode: 0},
		{Index: 2, State: "COMPLETED", ExitCode: 0},
		{Index: 3, State: "COMPLETED", ExitCode: 0},
	}
	require.NoError(t, eng.Resolve(context.Background(), "chain-axes-residual", 0))

	c, err := store.Load("chain-axes-residual")
	require.NoError(t, err)
	require.Len(t, c.Rounds, 3)
	var memRoundNo, timeRoundNo int
	for i, r := range c.Rounds[1:] {
		if r.Axis == domain.AxisMemory {
			memRoundNo = i + 1
		}
		if r.Axis == domain.AxisTime {
			timeRoundNo = i + 1
		}
	}

	// Memory round's only retry still OOMs: the memory ladder (2 levels)
	// is now exhausted, but the time round hasn't resolved yet.
	memJob := c.Rounds[memRoundNo].JobIDs[0]
	fake.Accounting[memJob] = []gateway.TaskResult{{Index: 0, State: "OUT_OF_MEMORY", ExitCode: 9}}
	require.NoError(t, eng.Resolve(context.Background(), "chain-axes-residual", memRoundNo))

	c, err = store.Load("chain-axes-residual")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainRunning, c.State, "chain must not fail yet while the time-axis sibling round is unresolved")
	assert.Equal(t, []int{0}, c.ResidualIndices)

	// Time round's only retry still times out: the time ladder is also
	// now exhausted, and every spawned round has resolved.
	timeJob := c.Rounds[timeRoundNo].JobIDs[0]
	fake.Accounting[timeJob] = []gateway.TaskResult{{Index: 1, State: "TIMEOUT", ExitCode: 0}}
	require.NoError(t, eng.Resolve(context.Background(), "chain-axes-residual", timeRoundNo))

	c, err = store.Load("chain-axes-residual")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainFailedAtMax, c.State)
	assert.ElementsMatch(t, []int{0, 1}, c.ResidualIndices, "residual must include both axes' exhausted indices, not just the one that failed last")
	assert.Equal(t, "oom", c.ResidualKind[0])
	assert.Equal(t, "timeout", c.ResidualKind[1])
}

// TestEngine_SubmitInitial_CarriesEnvAndThrottleToTheArraySubmission:
// a chain's Env/Throttle fields must reach the scheduler's array job,
// not just the handler/watcher jobs submitted alongside it.
func TestEngine_SubmitInitial_CarriesEnvAndThrottleToTheArraySubmission(t *testing.T) {
	store := newStore(t)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)

	c := levelsChain("chain-env", contiguous(0, 9), []domain.Level{
		{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
	})
	c.Env = []string{"FOO=bar", "BAZ=qux"}
	c.Throttle = 5

	require.NoError(t, store.Create(c))
	require.NoError(t, eng.SubmitInitial(context.Background(), c))

	subs := fake.Submissions()
	require.NotEmpty(t, subs)
	arraySpec := subs[0]
	assert.Equal(t, []string{"FOO=bar", "BAZ=qux"}, arraySpec.Env)
	assert.Equal(t, 5, arraySpec.Throttle)
}

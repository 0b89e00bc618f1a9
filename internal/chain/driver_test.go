package chain_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/chain"
	"github.com/ladderctl/ladderctl/internal/checkpoint"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/escalation"
	"github.com/ladderctl/ladderctl/internal/eventlog"
	"github.com/ladderctl/ladderctl/internal/gateway"
)

func newDriver(t *testing.T) (*chain.Driver, *gateway.Fake, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)
	d := chain.NewDriver(store, eng, nil)
	return d, fake, store
}

func oneLevelLadder() domain.Ladder {
	return domain.Ladder{Mode: domain.LevelsMode, Levels: []domain.Level{
		{MemoryMB: 1000, WallTime: time.Hour, Partitions: []string{"standard"}},
		{MemoryMB: 2000, WallTime: 2 * time.Hour, Partitions: []string{"standard"}},
	}}
}

func TestNewChainID_MatchesExpectedFormatAndIsSortable(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	id1, err := chain.NewChainID(now)
	require.NoError(t, err)
	assert.Regexp(t, `^20260730-120000-[a-z0-9]{4}$`, id1)

	id2, err := chain.NewChainID(now)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "random suffix should differ between calls")
}

func TestDriver_Submit_CreatesCheckpointAndSubmitsInitialRound(t *testing.T) {
	d, fake, store := newDriver(t)
	req := chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		ScriptArgs:   []string{"--flag", "value"},
		FullIndexSet: []int{0, 1, 2, 3, 4},
		Ladder:       oneLevelLadder(),
	}

	c, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Regexp(t, `^\d{8}-\d{6}-[a-z0-9]{4}$`, c.ID)
	assert.Equal(t, domain.ChainRunning, c.State)
	require.Len(t, c.Rounds, 1)
	assert.Len(t, fake.Submissions(), 3) // array + handler + watcher

	loaded, err := store.Load(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, loaded.ID)
}

func TestDriver_Submit_RejectsEmptyScriptPath(t *testing.T) {
	d, _, _ := newDriver(t)
	_, err := d.Submit(context.Background(), chain.SubmitRequest{
		FullIndexSet: []int{0},
		Ladder:       oneLevelLadder(),
	})
	require.Error(t, err)
}

func TestDriver_Submit_RejectsEmptyIndexSet(t *testing.T) {
	d, _, _ := newDriver(t)
	_, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath: "/scripts/run.sh",
		Ladder:     oneLevelLadder(),
	})
	require.Error(t, err)
}

func TestDriver_Submit_RejectsNonMonotoneLadder(t *testing.T) {
	d, _, _ := newDriver(t)
	_, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1},
		Ladder: domain.Ladder{Mode: domain.LevelsMode, Levels: []domain.Level{
			{MemoryMB: 2000, WallTime: time.Hour},
			{MemoryMB: 1000, WallTime: time.Hour},
		}},
	})
	require.Error(t, err)
}

func TestDriver_Status_ReturnsCurrentCheckpoint(t *testing.T) {
	d, _, _ := newDriver(t)
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1, 2},
		Ladder:       oneLevelLadder(),
	})
	require.NoError(t, err)

	loaded, err := d.Status(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, loaded.ID)
}

func TestDriver_List_ReturnsAllSubmittedChainIDsSorted(t *testing.T) {
	d, _, _ := newDriver(t)
	c1, err := d.Submit(context.Background(), chain.SubmitRequest{ScriptPath: "/a.sh", FullIndexSet: []int{0}, Ladder: oneLevelLadder()})
	require.NoError(t, err)
	c2, err := d.Submit(context.Background(), chain.SubmitRequest{ScriptPath: "/b.sh", FullIndexSet: []int{0}, Ladder: oneLevelLadder()})
	require.NoError(t, err)

	ids, err := d.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, ids)
}

func TestDriver_WriteReport_RendersTableWithChainFields(t *testing.T) {
	d, _, _ := newDriver(t)
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1},
		Ladder:       oneLevelLadder(),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, d.WriteReport(&buf, []string{c.ID}))
	out := buf.String()
	assert.Contains(t, out, "CHAIN")
	assert.Contains(t, out, c.ID)
	assert.Contains(t, out, "RUNNING")
}

func TestDriver_Cancel_CancelsLiveJobsAndMarksFailedNotRetried(t *testing.T) {
	d, fake, store := newDriver(t)
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1, 2},
		Ladder:       oneLevelLadder(),
	})
	require.NoError(t, err)

	cancelled, err := d.Cancel(context.Background(), c.ID, "operator requested stop")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainFailedNotRetried, cancelled.State)
	assert.Equal(t, "operator requested stop", cancelled.FailReason)
	assert.NotEmpty(t, fake.Cancelled())

	loaded, err := store.Load(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainFailedNotRetried, loaded.State)
}

func TestDriver_Cancel_IsANoopOnAnAlreadyTerminalChain(t *testing.T) {
	d, fake, _ := newDriver(t)
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0},
		Ladder:       oneLevelLadder(),
	})
	require.NoError(t, err)

	first, err := d.Cancel(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainFailedNotRetried, first.State)
	cancelledCountAfterFirst := len(fake.Cancelled())

	second, err := d.Cancel(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainFailedNotRetried, second.State)
	assert.Len(t, fake.Cancelled(), cancelledCountAfterFirst, "already-terminal chain must not cancel again")
}

func TestDriver_Cancel_DefaultsReasonWhenNotProvided(t *testing.T) {
	d, _, _ := newDriver(t)
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0},
		Ladder:       oneLevelLadder(),
	})
	require.NoError(t, err)

	cancelled, err := d.Cancel(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "cancelled by operator", cancelled.FailReason)
}

func TestDriver_GC_CancelsStaleHandlerAfterRoundResolves(t *testing.T) {
	d, fake, store := newDriver(t)
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1},
		Ladder:       oneLevelLadder(),
	})
	require.NoError(t, err)

	loaded, err := store.Load(c.ID)
	require.NoError(t, err)
	jobID := loaded.Rounds[0].JobIDs[0]
	fake.SetAccounting(jobID, []gateway.TaskResult{
		{Index: 0, State: "COMPLETED", ExitCode: 0},
		{Index: 1, State: "COMPLETED", ExitCode: 0},
	})

	require.NoError(t, d.Engine.Resolve(context.Background(), c.ID, 0))

	cancelledByGC, err := d.GC(context.Background())
	require.NoError(t, err)
	if stale, ok := cancelledByGC[c.ID]; ok {
		assert.NotEmpty(t, stale)
	}
}

func TestDriver_Watch_ReturnsOnceChainReachesTerminalState(t *testing.T) {
	d, fake, store := newDriver(t)
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0},
		Ladder:       oneLevelLadder(),
	})
	require.NoError(t, err)

	loaded, err := store.Load(c.ID)
	require.NoError(t, err)
	jobID := loaded.Rounds[0].JobIDs[0]
	fake.SetAccounting(jobID, []gateway.TaskResult{{Index: 0, State: "COMPLETED", ExitCode: 0}})
	require.NoError(t, d.Engine.Resolve(context.Background(), c.ID, 0))

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = d.Watch(ctx, &buf, c.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "COMPLETED")
}

// TestDriver_Resolve_RecordsSubmitAndCompleteToTheChainsOwnEventLogPath
// verifies that a chain submitted with an EventLogPath (the persisted
// form of config's logging.enabled/logging.db_path) gets its SUBMIT and
// COMPLETE actions recorded there, even though Driver itself was built
// with no default EventLog at all — the per-chain path must be
// sufficient on its own, matching a scheduler-invoked internal-resolve
// that never sees --config.
func TestDriver_Resolve_RecordsSubmitAndCompleteToTheChainsOwnEventLogPath(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)
	d := chain.NewDriver(store, eng, nil)

	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1},
		Ladder:       oneLevelLadder(),
		EventLogPath: logPath,
	})
	require.NoError(t, err)
	assert.Equal(t, logPath, c.EventLogPath)

	jobID := c.Rounds[0].JobIDs[0]
	fake.SetAccounting(jobID, []gateway.TaskResult{
		{Index: 0, State: "COMPLETED", ExitCode: 0},
		{Index: 1, State: "COMPLETED", ExitCode: 0},
	})

	resolved, err := d.Resolve(context.Background(), c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainCompleted, resolved.State)

	events, err := eventlog.Read(logPath)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.ActionSubmit, events[0].Action)
	assert.Equal(t, eventlog.ActionComplete, events[1].Action)
}

// TestDriver_Resolve_RecordsEscalate verifies an ESCALATE event is
// written when a round's retry set forces a new round, something only
// exercised previously by the escalation package's own tests (which
// never touch EventLog at all).
func TestDriver_Resolve_RecordsEscalate(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	fake := gateway.NewFake()
	eng := escalation.NewEngine(fake, store)
	d := chain.NewDriver(store, eng, nil)

	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	ladder := domain.Ladder{Mode: domain.LevelsMode, Levels: []domain.Level{
		{MemoryMB: 1000, WallTime: time.Hour},
		{MemoryMB: 2000, WallTime: time.Hour},
	}}
	c, err := d.Submit(context.Background(), chain.SubmitRequest{
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1},
		Ladder:       ladder,
		EventLogPath: logPath,
	})
	require.NoError(t, err)

	jobID := c.Rounds[0].JobIDs[0]
	fake.SetAccounting(jobID, []gateway.TaskResult{
		{Index: 0, State: "OUT_OF_MEMORY", ExitCode: 9},
		{Index: 1, State: "COMPLETED", ExitCode: 0},
	})

	resolved, err := d.Resolve(context.Background(), c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainRunning, resolved.State)

	events, err := eventlog.Read(logPath)
	require.NoError(t, err)
	require.Len(t, events, 2) // SUBMIT, ESCALATE
	assert.Equal(t, eventlog.ActionEscalate, events[1].Action)
}

func TestDriver_WriteReport_ReportsLoadErrorForUnknownChain(t *testing.T) {
	d, _, _ := newDriver(t)
	var buf bytes.Buffer
	require.NoError(t, d.WriteReport(&buf, []string{filepath.Join("does-not-exist")}))
	assert.Contains(t, buf.String(), "ERROR")
}

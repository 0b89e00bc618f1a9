package checkpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/checkpoint"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/pkg/ladderrors"
)

func newChain(id string) *domain.Chain {
	return &domain.Chain{
		ID:           id,
		ScriptPath:   "/scripts/run.sh",
		ScriptArgs:   []string{"--flag", "value with spaces", "a,b,c"},
		FullIndexSet: []int{0, 1, 2, 3, 4},
		Ladder: domain.Ladder{
			Mode: domain.LevelsMode,
			Levels: []domain.Level{
				{Partitions: []string{"cpu"}, MemoryMB: 1000, WallTime: time.Hour},
				{Partitions: []string{"cpu"}, MemoryMB: 2000, WallTime: 2 * time.Hour},
			},
		},
		CreatedAt: time.Now().UTC(),
		State:     domain.ChainRunning,
	}
}

func TestStore_CreateLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	c := newChain("chain-1")
	require.NoError(t, store.Create(c))

	loaded, err := store.Load("chain-1")
	require.NoError(t, err)
	assert.Equal(t, c.ScriptArgs, loaded.ScriptArgs)
	assert.Equal(t, c.FullIndexSet, loaded.FullIndexSet)
	assert.Equal(t, c.Ladder.Levels[1].MemoryMB, loaded.Ladder.Levels[1].MemoryMB)
}

func TestStore_CreateRefusesDuplicateID(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Create(newChain("dup")))
	assert.Error(t, store.Create(newChain("dup")))
}

func TestStore_LoadMissingChainReportsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	_, err = store.Load("never-submitted")
	assert.ErrorIs(t, err, ladderrors.ErrChainNotFound)
}

func TestStore_LoadCorruptFileReportsCheckpointCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.checkpoint"), []byte("{not json"), 0o644))

	_, err = store.Load("broken")
	assert.True(t, errors.Is(err, ladderrors.ErrCheckpointCorrupt))
}

func TestStore_SaveKeepsPriorVersionAsBackup(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	c := newChain("chain-2")
	require.NoError(t, store.Create(c))

	c.State = domain.ChainCompleted
	c.CompletedCount = 5
	require.NoError(t, store.Save(c))

	// The crash-recovery property: a parseable prior version survives
	// every successful write as filename.checkpoint.bak, independent of
	// whether Load ever needs it.
	backup, err := os.ReadFile(filepath.Join(dir, "chain-2.checkpoint.bak"))
	require.NoError(t, err)
	assert.Contains(t, string(backup), `"RUNNING"`)

	current, err := store.Load("chain-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainCompleted, current.State)
}

func TestStore_AppendAndUpdateRound(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	c := newChain("chain-3")
	require.NoError(t, store.Create(c))

	round := domain.Round{
		RoundNo:    0,
		LevelIndex: 0,
		IndexSet:   []int{0, 1, 2, 3, 4},
		ArraySpecs: []string{"0-4"},
		State:      domain.RoundPending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.AppendRound(c, round))

	loaded, err := store.Load("chain-3")
	require.NoError(t, err)
	require.Len(t, loaded.Rounds, 1)
	assert.Equal(t, domain.RoundPending, loaded.Rounds[0].State)

	round.State = domain.RoundCompleted
	round.Completed = 5
	require.NoError(t, store.UpdateRound(loaded, 0, round))

	loaded2, err := store.Load("chain-3")
	require.NoError(t, err)
	require.Len(t, loaded2.Rounds, 1)
	assert.Equal(t, domain.RoundCompleted, loaded2.Rounds[0].State)
	assert.Equal(t, 5, loaded2.Rounds[0].Completed)
}

func TestStore_UpdateRoundOutOfRange(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	c := newChain("chain-4")
	require.NoError(t, store.Create(c))

	assert.Error(t, store.UpdateRound(c, 3, domain.Round{}))
}

func TestStore_MarkCompletedIsTerminalAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	c := newChain("chain-5")
	require.NoError(t, store.Create(c))
	require.NoError(t, store.MarkCompleted(c, 5))
	assert.Equal(t, domain.ChainCompleted, c.State)

	// A chain never leaves a terminal state: attempting to mark it
	// failed afterward is a silent no-op, not an error and not a
	// transition.
	require.NoError(t, store.MarkFailed(c, domain.ChainFailedAtMax, "late failure", []int{1}, nil))
	assert.Equal(t, domain.ChainCompleted, c.State)
}

func TestStore_MarkFailedRecordsResidual(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	c := newChain("chain-6")
	require.NoError(t, store.Create(c))

	residual := []int{2, 3}
	kind := map[int]string{2: "oom", 3: "timeout"}
	require.NoError(t, store.MarkFailed(c, domain.ChainFailedAtMax, "ladder exhausted", residual, kind))

	loaded, err := store.Load("chain-6")
	require.NoError(t, err)
	assert.Equal(t, domain.ChainFailedAtMax, loaded.State)
	assert.Equal(t, "ladder exhausted", loaded.FailReason)
	assert.ElementsMatch(t, residual, loaded.ResidualIndices)
	assert.Equal(t, kind, loaded.ResidualKind)
}

func TestStore_ListAllIsSortedAndExcludesBackups(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	for _, id := range []string{"zeta", "alpha", "mu"} {
		require.NoError(t, store.Create(newChain(id)))
	}
	c, err := store.Load("alpha")
	require.NoError(t, err)
	require.NoError(t, store.Save(c)) // produce alpha.checkpoint.bak

	ids, err := store.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, ids)
}

func TestStore_LoadPreservedArgsElementWiseEqual(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	c := newChain("chain-7")
	c.ScriptArgs = []string{"--input", "file name, with comma", "  leading space", "tab\tvalue"}
	require.NoError(t, store.Create(c))

	args, err := store.LoadPreservedArgs("chain-7")
	require.NoError(t, err)
	assert.Equal(t, c.ScriptArgs, args)
}

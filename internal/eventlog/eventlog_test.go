package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_RecordsAndReadsEventsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.Submit("20260730-120000-ab12", "fake-1", 0, []int{0, 1, 2}))
	require.NoError(t, l.Escalate("20260730-120000-ab12", "fake-2", 1, []int{1}))
	require.NoError(t, l.Complete("20260730-120000-ab12"))
	require.NoError(t, l.Close())

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, ActionSubmit, events[0].Action)
	assert.Equal(t, []int{0, 1, 2}, events[0].IndexSet)
	assert.Equal(t, ActionEscalate, events[1].Action)
	assert.Equal(t, 1, events[1].Level)
	assert.Equal(t, ActionComplete, events[2].Action)
}

func TestLog_FailAtMaxRecordsResidual(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.FailAtMax("chain-1", []int{4, 5}))
	require.NoError(t, l.Close())

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionFailAtMax, events[0].Action)
	assert.Equal(t, []int{4, 5}, events[0].IndexSet)
}

func TestLog_NotRetriedRecordsOperatorCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.NotRetried("chain-1"))
	require.NoError(t, l.Close())

	events, err := Read(path)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionNotRetried, events[0].Action)
}

func TestLog_NilLogIsANoop(t *testing.T) {
	var l *Log
	assert.NoError(t, l.Submit("c", "j", 0, nil))
	assert.NoError(t, l.Close())
}

func TestRead_MissingFileReturnsNoEventsNoError(t *testing.T) {
	events, err := Read(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, events)
}

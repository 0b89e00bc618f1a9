package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/gateway"
)

func TestFake_SubmitArray_AssignsSequentialJobIDs(t *testing.T) {
	f := gateway.NewFake()

	preview := f.NextJobID()
	id1, err := f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh"})
	require.NoError(t, err)
	assert.Equal(t, preview, id1)

	id2, err := f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.Len(t, f.Submissions(), 2)
}

func TestFake_QueryAccounting_ReturnsPreloadedRows(t *testing.T) {
	f := gateway.NewFake()
	jobID := f.NextJobID()
	f.Accounting[jobID] = []gateway.TaskResult{
		{Index: 0, State: "COMPLETED", ExitCode: 0},
		{Index: 1, State: "OUT_OF_MEMORY", ExitCode: 137},
	}

	got, err := f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh"})
	require.NoError(t, err)
	require.Equal(t, jobID, got)

	results, err := f.QueryAccounting(context.Background(), jobID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestFake_SubmitArray_ReturnsScriptedErrorOnce(t *testing.T) {
	f := gateway.NewFake()
	f.SubmitErr = errors.New("scheduler unreachable")

	_, err := f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh"})
	assert.Error(t, err)

	_, err = f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh"})
	assert.NoError(t, err)
}

func TestFake_Cancel_ExcludesCancelledFromListUserJobs(t *testing.T) {
	f := gateway.NewFake()
	id, err := f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh"})
	require.NoError(t, err)

	require.NoError(t, f.Cancel(context.Background(), []string{id}))

	jobs, err := f.ListUserJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, []string{id}, f.Cancelled())
}

func TestFake_DependencyKinds_ReflectsSubmittedDependencyField(t *testing.T) {
	f := gateway.NewFake()
	_, err := f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh"})
	require.NoError(t, err)
	_, err = f.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh", Dependency: gateway.DependencyAfterAny([]string{"1"})})
	require.NoError(t, err)

	assert.Equal(t, []string{"afterany"}, f.DependencyKinds())
}

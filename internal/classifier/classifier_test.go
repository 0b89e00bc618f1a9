package classifier_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/classifier"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/gateway"
)

func TestClassify_FourWayPriorityRule(t *testing.T) {
	cases := []struct {
		name    string
		record  gateway.TaskResult
		outcome domain.Outcome
	}{
		{"completed exit zero", gateway.TaskResult{State: "COMPLETED", ExitCode: 0}, domain.OutcomeCompleted},
		{"out of memory state", gateway.TaskResult{State: "OUT_OF_MEMORY", ExitCode: 9}, domain.OutcomeOOM},
		{"sigkill exit code regardless of state", gateway.TaskResult{State: "FAILED", ExitCode: 137}, domain.OutcomeOOM},
		{"timeout state", gateway.TaskResult{State: "TIMEOUT", ExitCode: 0}, domain.OutcomeTimeout},
		{"failed nonzero exit", gateway.TaskResult{State: "FAILED", ExitCode: 1}, domain.OutcomeOther},
		{"cancelled", gateway.TaskResult{State: "CANCELLED", ExitCode: 0}, domain.OutcomeOther},
		{"node fail", gateway.TaskResult{State: "NODE_FAIL", ExitCode: 0}, domain.OutcomeOther},
		{"preempted", gateway.TaskResult{State: "PREEMPTED", ExitCode: 0}, domain.OutcomeOther},
		{"boot fail", gateway.TaskResult{State: "BOOT_FAIL", ExitCode: 0}, domain.OutcomeOther},
		{"completed nonzero exit is not completed", gateway.TaskResult{State: "COMPLETED", ExitCode: 1}, domain.OutcomeOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := classifier.Classify([]gateway.TaskResult{tc.record}, classifier.Overrides{})
			require.Len(t, out, 1)
			assert.Equal(t, tc.outcome, out[0].Outcome)
		})
	}
}

func TestClassify_StateOverrideTakesPriorityOverDefaults(t *testing.T) {
	overrides := classifier.Overrides{States: map[string]domain.Outcome{"NODE_FAIL": domain.OutcomeTimeout}}
	out := classifier.Classify([]gateway.TaskResult{{State: "NODE_FAIL", ExitCode: 0}}, overrides)
	require.Len(t, out, 1)
	assert.Equal(t, domain.OutcomeTimeout, out[0].Outcome)
}

func TestClassify_ExitCodeOverrideTakesPriorityOverBuiltins(t *testing.T) {
	// Without the override, exit 137 is always OOM regardless of state.
	overrides := classifier.Overrides{ExitCodes: map[int]domain.Outcome{137: domain.OutcomeOther}}
	out := classifier.Classify([]gateway.TaskResult{{State: "FAILED", ExitCode: 137}}, overrides)
	require.Len(t, out, 1)
	assert.Equal(t, domain.OutcomeOther, out[0].Outcome)
}

func TestClassify_StateOverrideBeatsExitCodeOverride(t *testing.T) {
	overrides := classifier.Overrides{
		States:    map[string]domain.Outcome{"FAILED": domain.OutcomeCompleted},
		ExitCodes: map[int]domain.Outcome{137: domain.OutcomeOther},
	}
	out := classifier.Classify([]gateway.TaskResult{{State: "FAILED", ExitCode: 137}}, overrides)
	require.Len(t, out, 1)
	assert.Equal(t, domain.OutcomeCompleted, out[0].Outcome)
}

func TestClassify_PreservesAccountingFields(t *testing.T) {
	out := classifier.Classify([]gateway.TaskResult{{
		Index: 7, State: "COMPLETED", ExitCode: 0,
		Elapsed: 90 * time.Second, Node: "node09", PeakMemoryMB: 256,
	}}, classifier.Overrides{})
	require.Len(t, out, 1)
	assert.Equal(t, 7, out[0].Index)
	assert.Equal(t, 90*time.Second, out[0].Elapsed)
	assert.Equal(t, "node09", out[0].Node)
	assert.Equal(t, 256, out[0].PeakMemoryMB)
}

func TestClassifyWithRetry_NoRetryWhenAllIndicesPresent(t *testing.T) {
	f := gateway.NewFake()
	jobID := f.NextJobID()
	f.Accounting[jobID] = []gateway.TaskResult{
		{Index: 0, State: "COMPLETED", ExitCode: 0},
		{Index: 1, State: "COMPLETED", ExitCode: 0},
	}

	out, err := classifier.ClassifyWithRetry(context.Background(), f, jobID, []int{0, 1}, time.Hour, classifier.Overrides{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.OutcomeCompleted, out[0].Outcome)
	assert.Equal(t, domain.OutcomeCompleted, out[1].Outcome)
}

func TestClassifyWithRetry_RetriesOnceForMissingAccountingThenGivesUp(t *testing.T) {
	f := gateway.NewFake()
	jobID := f.NextJobID()
	f.Accounting[jobID] = []gateway.TaskResult{{Index: 0, State: "COMPLETED", ExitCode: 0}}

	out, err := classifier.ClassifyWithRetry(context.Background(), f, jobID, []int{0, 1}, time.Millisecond, classifier.Overrides{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.OutcomeCompleted, out[0].Outcome)
	assert.Equal(t, "UNKNOWN", out[1].State)
	assert.Equal(t, domain.OutcomeOther, out[1].Outcome)
}

func TestClassifyWithRetry_AccountingArrivesBetweenAttempts(t *testing.T) {
	f := gateway.NewFake()
	jobID := f.NextJobID()
	f.Accounting[jobID] = []gateway.TaskResult{{Index: 0, State: "COMPLETED", ExitCode: 0}}

	go func() {
		time.Sleep(2 * time.Millisecond)
		f.SetAccounting(jobID, []gateway.TaskResult{
			{Index: 0, State: "COMPLETED", ExitCode: 0},
			{Index: 1, State: "TIMEOUT", ExitCode: 0},
		})
	}()

	out, err := classifier.ClassifyWithRetry(context.Background(), f, jobID, []int{0, 1}, 20*time.Millisecond, classifier.Overrides{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.OutcomeTimeout, out[1].Outcome)
}

func TestClassifyWithRetry_RespectsContextCancellation(t *testing.T) {
	f := gateway.NewFake()
	jobID := f.NextJobID()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := classifier.ClassifyWithRetry(ctx, f, jobID, []int{0}, time.Second, classifier.Overrides{})
	assert.Error(t, err)
}

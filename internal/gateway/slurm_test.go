package gateway_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/gateway"
)

// recordingRunner captures every invocation and replays a scripted
// response, so Slurm's flag-building and output-parsing can be verified
// without a real sbatch/sacct/scancel/squeue binary.
type recordingRunner struct {
	calls []call
	resp  map[string]string // keyed by binary name
	err   map[string]error
}

type call struct {
	name string
	args []string
}

func (r *recordingRunner) run(ctx context.Context, name string, args []string) (string, error) {
	r.calls = append(r.calls, call{name: name, args: args})
	if err, ok := r.err[name]; ok {
		return "", err
	}
	return r.resp[name], nil
}

func (r *recordingRunner) lastArgs(name string) []string {
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].name == name {
			return r.calls[i].args
		}
	}
	return nil
}

func newSlurmWithRunner(r *recordingRunner) *gateway.Slurm {
	s := gateway.NewSlurm()
	s.Run = r.run
	return s
}

func TestSlurm_SubmitArray_BuildsExpectedFlags(t *testing.T) {
	r := &recordingRunner{resp: map[string]string{"sbatch": "123456\n"}}
	s := newSlurmWithRunner(r)

	jobID, err := s.SubmitArray(context.Background(), gateway.SubmitSpec{
		Command:    "/scripts/run.sh",
		Args:       []string{"--flag", "value with spaces"},
		Partitions: []string{"cpu", "bigmem"},
		MemoryMB:   4000,
		WallTime:   90 * time.Minute,
		ArraySpec:  "0-9",
		Throttle:   5,
		Env:        []string{"FOO=bar"},
		OutputPath: "/logs/%A_%a.out",
		ErrorPath:  "/logs/%A_%a.err",
		Dependency: "afterany:100:101",
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", jobID)

	args := r.lastArgs("sbatch")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--array=0-9%5")
	assert.Contains(t, joined, "--mem=4000M")
	assert.Contains(t, joined, "--time=01:30:00")
	assert.Contains(t, joined, "--partition=cpu,bigmem")
	assert.Contains(t, joined, "--output=/logs/%A_%a.out")
	assert.Contains(t, joined, "--error=/logs/%A_%a.err")
	assert.Contains(t, joined, "--export=ALL,FOO=bar")
	assert.Contains(t, joined, "--dependency=afterany:100:101")

	// The command and its argument vector must appear as discrete
	// elements, never joined into one shell-tokenized string.
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "/scripts/run.sh", args[len(args)-2])
	assert.Equal(t, "value with spaces", args[len(args)-1])
}

func TestSlurm_SubmitArray_ParsesLastNonBlankLineAsJobID(t *testing.T) {
	r := &recordingRunner{resp: map[string]string{"sbatch": "some warning\n\n789\n"}}
	s := newSlurmWithRunner(r)

	jobID, err := s.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh", ArraySpec: "0-0"})
	require.NoError(t, err)
	assert.Equal(t, "789", jobID)
}

func TestSlurm_SubmitArray_RejectsUnparsableOutput(t *testing.T) {
	r := &recordingRunner{resp: map[string]string{"sbatch": "error: invalid partition\n"}}
	s := newSlurmWithRunner(r)

	_, err := s.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh", ArraySpec: "0-0"})
	assert.Error(t, err)
}

func TestSlurm_SubmitArray_PropagatesRunnerError(t *testing.T) {
	r := &recordingRunner{err: map[string]error{"sbatch": fmt.Errorf("sbatch: command not found")}}
	s := newSlurmWithRunner(r)

	_, err := s.SubmitArray(context.Background(), gateway.SubmitSpec{Command: "run.sh", ArraySpec: "0-0"})
	assert.Error(t, err)
}

func TestSlurm_QueryAccounting_ParsesArrayTaskRowsOnly(t *testing.T) {
	out := strings.Join([]string{
		"500|COMPLETED|0:0|00:10:00|node01|100000K",
		"500_0|COMPLETED|0:0|00:05:23|node01|512000K",
		"500_0.batch|COMPLETED|0:0|00:05:23|node01|512000K",
		"500_1|OUT_OF_MEMORY|0:9|00:04:59|node02|2000000K",
		"500_2|CANCELLED by 1001|0:15|00:02:00|node03|10000K",
		"",
	}, "\n")
	r := &recordingRunner{resp: map[string]string{"sacct": out}}
	s := newSlurmWithRunner(r)

	results, err := s.QueryAccounting(context.Background(), "500")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, "COMPLETED", results[0].State)
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Equal(t, 5*time.Minute+23*time.Second, results[0].Elapsed)
	assert.Equal(t, "node01", results[0].Node)
	assert.Equal(t, 500, results[0].PeakMemoryMB)

	assert.Equal(t, 1, results[1].Index)
	assert.Equal(t, "OUT_OF_MEMORY", results[1].State)
	assert.Equal(t, 137, results[1].ExitCode) // 0:9 -> SIGKILL -> 128+9

	assert.Equal(t, 2, results[2].Index)
	assert.Equal(t, "CANCELLED", results[2].State)
}

func TestSlurm_QueryAccounting_ParsesDayPrefixedElapsed(t *testing.T) {
	r := &recordingRunner{resp: map[string]string{
		"sacct": "900_3|TIMEOUT|0:0|1-02:00:00|node05|1G\n",
	}}
	s := newSlurmWithRunner(r)

	results, err := s.QueryAccounting(context.Background(), "900")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 26*time.Hour, results[0].Elapsed)
	assert.Equal(t, 1024, results[0].PeakMemoryMB)
}

func TestSlurm_QueryAccounting_MalformedLineIsAnError(t *testing.T) {
	r := &recordingRunner{resp: map[string]string{"sacct": "900_0|TIMEOUT|bad-exit|00:00:00|node|0K\n"}}
	s := newSlurmWithRunner(r)

	_, err := s.QueryAccounting(context.Background(), "900")
	assert.Error(t, err)
}

func TestSlurm_Cancel_NeverErrorsOnNonzeroExit(t *testing.T) {
	r := &recordingRunner{err: map[string]error{"scancel": fmt.Errorf("scancel: job already completed")}}
	s := newSlurmWithRunner(r)

	err := s.Cancel(context.Background(), []string{"100", "101"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"100", "101"}, r.lastArgs("scancel"))
}

func TestSlurm_Cancel_NoopOnEmptyList(t *testing.T) {
	r := &recordingRunner{}
	s := newSlurmWithRunner(r)

	require.NoError(t, s.Cancel(context.Background(), nil))
	assert.Empty(t, r.calls)
}

func TestSlurm_ListUserJobs_ParsesPipeDelimitedRows(t *testing.T) {
	r := &recordingRunner{resp: map[string]string{
		"squeue": "100|chain-a|RUNNING\n101|chain-b|PENDING\n",
	}}
	s := newSlurmWithRunner(r)

	jobs, err := s.ListUserJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, gateway.JobInfo{JobID: "100", Name: "chain-a", State: "RUNNING"}, jobs[0])
	assert.Equal(t, gateway.JobInfo{JobID: "101", Name: "chain-b", State: "PENDING"}, jobs[1])
}

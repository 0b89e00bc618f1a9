// Package gateway abstracts the batch scheduler the orchestrator sits
// above: submit an array job, query per-task accounting, cancel jobs,
// list the invoking user's jobs. Slurm is the concrete implementation;
// Fake is an in-memory double used by the escalation engine's tests to
// drive exact scenarios without a real cluster.
package gateway

import (
	"context"
	"time"
)

// SubmitSpec describes one array submission. Args is always delivered to
// the scheduler as an ordered argument vector, never joined into a
// shell string, so arbitrary whitespace and quoting in a script's
// arguments survive every round of resubmission unchanged.
type SubmitSpec struct {
	// Name is the scheduler job name (e.g. sbatch --job-name), surfaced
	// back via ListUserJobs.Name for operator readability and stale-job
	// cleanup; purely cosmetic, never parsed.
	Name       string
	Command    string
	Args       []string
	Partitions []string
	MemoryMB   int
	WallTime   time.Duration
	ArraySpec  string // range-stride syntax, e.g. "0-9" or "8-58:10,78-148:10"
	Throttle   int    // concurrent-task cap; 0 means unlimited
	Env        []string // ordered "K=V" bindings
	OutputPath string   // pattern containing %A (job id) and %a (array index)
	ErrorPath  string

	// Dependency is a pre-built dependency expression (see
	// DependencyAfterAny/AfterOK/AfterNotOK) or empty for no dependency.
	Dependency string
}

// TaskResult is one task's terminal accounting record.
type TaskResult struct {
	Index        int
	State        string // COMPLETED, OUT_OF_MEMORY, TIMEOUT, FAILED, CANCELLED, NODE_FAIL, PREEMPTED, BOOT_FAIL
	ExitCode     int
	Elapsed      time.Duration
	Node         string
	PeakMemoryMB int
}

// JobInfo is one row of a list-user-jobs reply.
type JobInfo struct {
	JobID string
	Name  string
	State string
}

// Gateway is the abstract scheduler contract every concrete backend
// (Slurm, Fake) satisfies.
type Gateway interface {
	// SubmitArray submits spec and returns the scheduler-assigned job id.
	SubmitArray(ctx context.Context, spec SubmitSpec) (jobID string, err error)

	// QueryAccounting returns one TaskResult per array task for jobID.
	// A task with no accounting record yet is simply absent from the
	// result, not represented by a zero-value entry.
	QueryAccounting(ctx context.Context, jobID string) ([]TaskResult, error)

	// Cancel requests cancellation of one or more job ids. Best-effort:
	// an error cancelling one id should not prevent attempting the rest.
	Cancel(ctx context.Context, jobIDs []string) error

	// ListUserJobs returns every job currently known to the scheduler for
	// the invoking user.
	ListUserJobs(ctx context.Context) ([]JobInfo, error)
}

// DependencyAfterAny builds a "run after any outcome of every listed job"
// dependency expression. This is the uniform fallback used for every
// round regardless of batch count: a pure on-failure dependency becomes
// permanently unsatisfiable the instant one batch finishes with zero
// failures, stalling the chain forever, so the handler and watcher are
// always scheduled with this form and decide success/failure themselves
// once runnable.
func DependencyAfterAny(jobIDs []string) string {
	return joinDependency("afterany", jobIDs)
}

// DependencyAfterOK builds a "run only if every listed job succeeded"
// dependency expression.
func DependencyAfterOK(jobIDs []string) string {
	return joinDependency("afterok", jobIDs)
}

// DependencyAfterNotOK builds a "run only if every listed job failed"
// dependency expression.
func DependencyAfterNotOK(jobIDs []string) string {
	return joinDependency("afternotok", jobIDs)
}

func joinDependency(kind string, jobIDs []string) string {
	if len(jobIDs) == 0 {
		return ""
	}
	out := kind
	for _, id := range jobIDs {
		out += ":" + id
	}
	return out
}

package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Gateway double. Tests preload it with the
// accounting a submission should resolve to, then drive the escalation
// engine against it without a real cluster.
type Fake struct {
	mu sync.Mutex

	nextJobID int
	submitted []SubmitSpec
	jobIDs    []string // in SubmitArray call order

	// Accounting maps a job id to the TaskResult rows QueryAccounting
	// returns for it. Tests populate this before or after SubmitArray is
	// called, keyed by the job id SubmitArray will hand back (see
	// NextJobID).
	Accounting map[string][]TaskResult

	// SubmitErr, when non-nil, is returned by the next SubmitArray call
	// instead of succeeding (consumed once).
	SubmitErr error

	cancelled []string
}

// NewFake returns an empty Fake gateway.
func NewFake() *Fake {
	return &Fake{Accounting: map[string][]TaskResult{}}
}

// NextJobID previews the job id the next SubmitArray call will assign,
// so a test can pre-populate Accounting before submitting.
func (f *Fake) NextJobID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fake-%d", f.nextJobID+1)
}

func (f *Fake) SubmitArray(ctx context.Context, spec SubmitSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitErr != nil {
		err := f.SubmitErr
		f.SubmitErr = nil
		return "", err
	}

	f.nextJobID++
	id := fmt.Sprintf("fake-%d", f.nextJobID)
	f.submitted = append(f.submitted, spec)
	f.jobIDs = append(f.jobIDs, id)
	return id, nil
}

func (f *Fake) QueryAccounting(ctx context.Context, jobID string) ([]TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TaskResult(nil), f.Accounting[jobID]...), nil
}

// SetAccounting replaces the accounting rows for jobID under lock, safe
// to call concurrently with QueryAccounting — tests use it to simulate
// accounting landing partway through a caller's retry window.
func (f *Fake) SetAccounting(jobID string, results []TaskResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Accounting[jobID] = results
}

func (f *Fake) Cancel(ctx context.Context, jobIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobIDs...)
	return nil
}

func (f *Fake) ListUserJobs(ctx context.Context) ([]JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cancelled := make(map[string]bool, len(f.cancelled))
	for _, id := range f.cancelled {
		cancelled[id] = true
	}
	var jobs []JobInfo
	for i, id := range f.jobIDs {
		if cancelled[id] {
			continue
		}
		jobs = append(jobs, JobInfo{JobID: id, Name: f.submitted[i].Name, State: "RUNNING"})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	return jobs, nil
}

// Submissions returns every SubmitSpec passed to SubmitArray, in order.
func (f *Fake) Submissions() []SubmitSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubmitSpec(nil), f.submitted...)
}

// Cancelled returns every job id passed to Cancel, in call order,
// duplicates included.
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// DependencyKinds extracts the "kind" prefix (afterany/afterok/afternotok)
// from every recorded submission's Dependency field, in submission order,
// skipping submissions with no dependency. Test helper for asserting the
// engine's uniform choice of dependency kind across rounds.
func (f *Fake) DependencyKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, s := range f.submitted {
		if s.Dependency == "" {
			continue
		}
		kinds = append(kinds, strings.SplitN(s.Dependency, ":", 2)[0])
	}
	return kinds
}

package domain

import "time"

// RoundState is the lifecycle state of one submission attempt.
type RoundState string

const (
	RoundPending     RoundState = "PENDING"
	RoundRunning     RoundState = "RUNNING"
	RoundEscalating  RoundState = "ESCALATING"
	RoundCompleted   RoundState = "COMPLETED"
	RoundTerminalFail RoundState = "TERMINAL_FAIL"
)

// Round is one submission attempt at a given ladder level for a subset of
// indices.
type Round struct {
	RoundNo    int        `json:"round_no"`
	LevelIndex int        `json:"level_index"`
	Axis       Axis       `json:"axis,omitempty"`
	MemoryMB   int        `json:"memory_mb"`
	WallTime   time.Duration `json:"wall_time"`
	Partitions []string   `json:"partitions"`

	ArraySpecs     []string `json:"array_specs"`               // one per batch, see JobIDs
	IndexSet       []int    `json:"index_set"`                 // canonical enumerated form
	JobIDs         []string `json:"job_ids"`                   // >1 only under spec-length batching
	BatchIndexSets [][]int  `json:"batch_index_sets,omitempty"` // parallel to JobIDs/ArraySpecs

	HandlerJobID string `json:"handler_job_id,omitempty"`
	WatcherJobID string `json:"watcher_job_id,omitempty"`

	State RoundState `json:"state"`

	Completed int `json:"completed"`
	OOM       int `json:"oom"`
	Timeout   int `json:"timeout"`
	Other     int `json:"other"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	Tasks []TaskRecord `json:"tasks,omitempty"`
}

// RetrySet returns the indices that must escalate to the next level: the
// union of OOM and timeout outcomes.
func (r *Round) RetrySet() []int {
	out := make([]int, 0, r.OOM+r.Timeout)
	for _, t := range r.Tasks {
		if t.Outcome == OutcomeOOM || t.Outcome == OutcomeTimeout {
			out = append(out, t.Index)
		}
	}
	return out
}

// Resolved reports whether every outcome has been tallied.
func (r *Round) Resolved() bool {
	return r.ResolvedAt != nil
}

// TaskRecord is the terminal record for one (round, task index). Lifecycle:
// created when the round resolves; never mutated afterward.
type TaskRecord struct {
	Index        int           `json:"index"`
	State        string        `json:"state"` // scheduler terminal state
	ExitCode     int           `json:"exit_code"`
	Elapsed      time.Duration `json:"elapsed"`
	Node         string        `json:"node,omitempty"`
	PeakMemoryMB int           `json:"peak_memory_mb,omitempty"`
	StdoutPath   string        `json:"stdout_path,omitempty"`
	StderrPath   string        `json:"stderr_path,omitempty"`
	Outcome      Outcome       `json:"outcome"`
}

// Outcome is the classifier's verdict for one task.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeOOM       Outcome = "oom"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeOther     Outcome = "other"
)

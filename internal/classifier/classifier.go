// Package classifier maps a resolved task's scheduler terminal state and
// exit code onto one of four outcomes, the input the escalation engine
// decides a round's retry set from.
package classifier

import (
	"context"
	"time"

	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/gateway"
)

// Overrides customizes the default priority rule: a state or exit code
// present in either map takes priority over the built-in rules for that
// record. Both maps may be nil.
type Overrides struct {
	// States maps a scheduler terminal state (e.g. "NODE_FAIL") directly
	// to an outcome, bypassing the default rules entirely for that state.
	States map[string]domain.Outcome

	// ExitCodes maps a specific exit code to an outcome, checked after
	// States and before the built-in OOM/timeout/completed rules.
	ExitCodes map[int]domain.Outcome
}

const oomSignalExitCode = 137

// classifyOne applies the four-way priority rule to a single result,
// consulting overrides first.
func classifyOne(r gateway.TaskResult, overrides Overrides) domain.Outcome {
	if outcome, ok := overrides.States[r.State]; ok {
		return outcome
	}
	if outcome, ok := overrides.ExitCodes[r.ExitCode]; ok {
		return outcome
	}
	switch {
	case r.State == "COMPLETED" && r.ExitCode == 0:
		return domain.OutcomeCompleted
	case r.State == "OUT_OF_MEMORY" || r.ExitCode == oomSignalExitCode:
		return domain.OutcomeOOM
	case r.State == "TIMEOUT":
		return domain.OutcomeTimeout
	default:
		return domain.OutcomeOther
	}
}

// Classify turns accounting records into task records, applying overrides
// to each. Records for indices not present in results are not
// represented; callers needing every index covered should draw the
// universe from the round's index set and compare against the returned
// slice.
func Classify(records []gateway.TaskResult, overrides Overrides) []domain.TaskRecord {
	out := make([]domain.TaskRecord, 0, len(records))
	for _, r := range records {
		out = append(out, domain.TaskRecord{
			Index:        r.Index,
			State:        r.State,
			ExitCode:     r.ExitCode,
			Elapsed:      r.Elapsed,
			Node:         r.Node,
			PeakMemoryMB: r.PeakMemoryMB,
			Outcome:      classifyOne(r, overrides),
		})
	}
	return out
}

// ClassifyWithRetry queries g for jobID's accounting, waits settleDelay
// and queries once more for any index in wantIndices missing from the
// first pass (accounting that has not yet landed), then classifies the
// union. An index still missing after the retry is synthesized as
// OutcomeOther with state "UNKNOWN" rather than left unclassified,
// since the escalation engine needs a verdict for every index to
// resolve a round.
func ClassifyWithRetry(ctx context.Context, g gateway.Gateway, jobID string, wantIndices []int, settleDelay time.Duration, overrides Overrides) ([]domain.TaskRecord, error) {
	first, err := g.QueryAccounting(ctx, jobID)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]gateway.TaskResult, len(first))
	for _, r := range first {
		seen[r.Index] = r
	}

	missing := missingIndices(wantIndices, seen)
	if len(missing) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(settleDelay):
		}
		second, err := g.QueryAccounting(ctx, jobID)
		if err != nil {
			return nil, err
		}
		for _, r := range second {
			seen[r.Index] = r
		}
	}

	records := make([]gateway.TaskResult, 0, len(wantIndices))
	for _, idx := range wantIndices {
		if r, ok := seen[idx]; ok {
			records = append(records, r)
			continue
		}
		records = append(records, gateway.TaskResult{Index: idx, State: "UNKNOWN", ExitCode: -1})
	}
	return Classify(records, overrides), nil
}

func missingIndices(want []int, seen map[int]gateway.TaskResult) []int {
	var missing []int
	for _, idx := range want {
		if _, ok := seen[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	return missing
}

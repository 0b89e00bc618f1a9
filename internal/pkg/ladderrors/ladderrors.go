// Package ladderrors defines sentinel errors shared across the orchestrator
// so callers can classify a failure with errors.Is instead of string
// matching.
package ladderrors

import "errors"

var (
	// ErrUserInput marks a chain-submission request that is malformed
	// before any chain is created.
	ErrUserInput = errors.New("invalid submission input")

	// ErrSchedulerTransient marks a scheduler/accounting error that should
	// be retried a bounded number of times before becoming fatal.
	ErrSchedulerTransient = errors.New("transient scheduler error")

	// ErrSchedulerFatal marks a scheduler reply that never parses to a
	// usable job id.
	ErrSchedulerFatal = errors.New("unrecoverable scheduler error")

	// ErrCheckpointIO marks a checkpoint that could not be written.
	ErrCheckpointIO = errors.New("checkpoint write failed")

	// ErrCheckpointCorrupt marks a checkpoint that could not be parsed,
	// including its backup copy. Requires manual operator repair.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt, manual repair required")

	// ErrChainNotFound marks a chain id with no checkpoint on disk.
	ErrChainNotFound = errors.New("chain not found")

	// ErrClassificationPending marks a task with no accounting record yet;
	// retryable once after the settle delay, then treated as "other".
	ErrClassificationPending = errors.New("task accounting record not yet available")
)

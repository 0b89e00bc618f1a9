// Package eventlog appends a structured, append-only timeline of chain
// actions for observability. It is never read back by the escalation
// engine or chain driver to make a decision — only the CLI's reporting
// path and human operators consume it.
package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action is one kind of recorded event.
type Action string

const (
	ActionSubmit      Action = "SUBMIT"
	ActionEscalate    Action = "ESCALATE"
	ActionComplete    Action = "COMPLETE"
	ActionFailAtMax   Action = "FAIL_AT_MAX"
	ActionNotRetried  Action = "NOT_RETRIED"
)

// Event is one line of the log.
type Event struct {
	Timestamp time.Time `json:"ts"`
	ChainID   string    `json:"chain_id"`
	Action    Action    `json:"action"`
	JobID     string    `json:"job_id,omitempty"`
	Level     int       `json:"level,omitempty"`
	IndexSet  []int     `json:"index_set,omitempty"`
}

// Log appends JSON-encoded events to a single file, one per line. A nil
// *Log is valid and every method on it is a silent no-op, so call sites
// do not need to branch on whether logging is enabled.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the event log at path for
// appending. Pass the result's pointer directly; a nil *Log from a
// disabled configuration behaves identically to one from Open with no
// special-casing at call sites.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Close closes the underlying file. Safe to call on a nil *Log.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// Record appends one event. Errors are not propagated to callers beyond
// the return value here — the chain driver and CLI treat a logging
// failure as non-fatal, matching "never consulted for decisions":
// losing an observability line must not affect chain progress.
func (l *Log) Record(ev Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}
	b = append(b, '\n')
	if _, err := l.file.Write(b); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	return nil
}

// Submit records an ActionSubmit event at the given level for jobID.
func (l *Log) Submit(chainID, jobID string, level int, indexSet []int) error {
	return l.Record(Event{Timestamp: time.Now().UTC(), ChainID: chainID, Action: ActionSubmit, JobID: jobID, Level: level, IndexSet: indexSet})
}

// Escalate records an ActionEscalate event.
func (l *Log) Escalate(chainID, jobID string, level int, indexSet []int) error {
	return l.Record(Event{Timestamp: time.Now().UTC(), ChainID: chainID, Action: ActionEscalate, JobID: jobID, Level: level, IndexSet: indexSet})
}

// Complete records an ActionComplete event.
func (l *Log) Complete(chainID string) error {
	return l.Record(Event{Timestamp: time.Now().UTC(), ChainID: chainID, Action: ActionComplete})
}

// FailAtMax records an ActionFailAtMax event with the residual set.
func (l *Log) FailAtMax(chainID string, residual []int) error {
	return l.Record(Event{Timestamp: time.Now().UTC(), ChainID: chainID, Action: ActionFailAtMax, IndexSet: residual})
}

// NotRetried records an ActionNotRetried event (operator cancellation).
func (l *Log) NotRetried(chainID string) error {
	return l.Record(Event{Timestamp: time.Now().UTC(), ChainID: chainID, Action: ActionNotRetried})
}

// Read reads every event in the log, in file order. Used by reporting
// paths (e.g. a future "ladderctl events" subcommand), never by the
// engine.
func Read(path string) ([]Event, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: read %s: %w", path, err)
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("eventlog: decode: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

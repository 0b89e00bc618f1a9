// Package sqlmirror is an optional, best-effort relational mirror of
// chain state. The checkpoint file remains authoritative; every mirror
// write here is logged and swallowed on failure rather than returned to
// the caller, so a struggling or absent database never blocks chain
// progress. Enabled only when a chain's configuration sets
// logging.enabled with a logging.db_path DSN.
package sqlmirror

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/platform/logger"
)

// ChainRow is the `chains` table row: one per domain.Chain.
type ChainRow struct {
	ID              string `gorm:"primaryKey;column:chain_id"`
	ScriptPath      string
	FullIndexSet    datatypes.JSON
	Ladder          datatypes.JSON
	State           string
	FailReason      string
	ResidualIndices datatypes.JSON
	CompletedCount  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ChainRow) TableName() string { return "chains" }

// RoundRow is the `rounds` table row: one per domain.Round.
type RoundRow struct {
	ID           uuid.UUID `gorm:"primaryKey;column:id"`
	ChainID      string    `gorm:"column:chain_id;index"`
	RoundNo      int
	LevelIndex   int
	Axis         string
	MemoryMB     int
	WallTime     time.Duration
	IndexSet     datatypes.JSON
	JobIDs       datatypes.JSON
	HandlerJobID string
	WatcherJobID string
	State        string
	Completed    int
	OOM          int
	Timeout      int
	Other        int
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

func (RoundRow) TableName() string { return "rounds" }

// TaskRow is the `tasks` table row: one per domain.TaskRecord.
type TaskRow struct {
	ID           uuid.UUID `gorm:"primaryKey;column:id"`
	ChainID      string    `gorm:"column:chain_id;index"`
	RoundNo      int
	Index        int
	State        string
	ExitCode     int
	Elapsed      time.Duration
	Node         string
	PeakMemoryMB int
	Outcome      string
	CreatedAt    time.Time
}

func (TaskRow) TableName() string { return "tasks" }

// ActionRow is the `actions` table row: a mirror of the event log
// (spec.md §4.7), kept here too so a single SQL query can answer "what
// happened to chain X" without reading the flat JSON-lines file.
type ActionRow struct {
	ID        uuid.UUID `gorm:"primaryKey;column:id"`
	ChainID   string    `gorm:"column:chain_id;index"`
	Action    string
	JobID     string
	Level     int
	CreatedAt time.Time
}

func (ActionRow) TableName() string { return "actions" }

// Mirror writes best-effort copies of chain state to Postgres.
type Mirror struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to dsn and auto-migrates the mirror tables. Mirroring
// is meant to be optional infrastructure: a connection failure here is
// returned so the caller can decide whether to run without a mirror at
// all, but every subsequent per-row write failure is swallowed.
func Open(dsn string, baseLog *logger.Logger) (*Mirror, error) {
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlmirror: connect: %w", err)
	}
	if err := db.AutoMigrate(&ChainRow{}, &RoundRow{}, &TaskRow{}, &ActionRow{}); err != nil {
		return nil, fmt.Errorf("sqlmirror: migrate: %w", err)
	}
	return &Mirror{db: db, log: baseLog.With("component", "sqlmirror")}, nil
}

// UpsertChain mirrors c's top-level fields, including every round and
// task recorded on it so far. Failures are logged, not returned.
func (m *Mirror) UpsertChain(c *domain.Chain) {
	if m == nil {
		return
	}
	row := ChainRow{
		ID:              c.ID,
		ScriptPath:      c.ScriptPath,
		FullIndexSet:    mustJSON(c.FullIndexSet),
		Ladder:          mustJSON(c.Ladder),
		State:           string(c.State),
		FailReason:      c.FailReason,
		ResidualIndices: mustJSON(c.ResidualIndices),
		CompletedCount:  c.CompletedCount,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       time.Now().UTC(),
	}
	if res := m.db.Save(&row); res.Error != nil {
		m.log.Warn("sqlmirror: upsert chain failed", "chain_id", c.ID, "error", res.Error)
	}
	for _, round := range c.Rounds {
		m.upsertRound(c.ID, round)
	}
}

func (m *Mirror) upsertRound(chainID string, round domain.Round) {
	row := RoundRow{
		ID:           roundRowID(chainID, round.RoundNo),
		ChainID:      chainID,
		RoundNo:      round.RoundNo,
		LevelIndex:   round.LevelIndex,
		Axis:         string(round.Axis),
		MemoryMB:     round.MemoryMB,
		WallTime:     round.WallTime,
		IndexSet:     mustJSON(round.IndexSet),
		JobIDs:       mustJSON(round.JobIDs),
		HandlerJobID: round.HandlerJobID,
		WatcherJobID: round.WatcherJobID,
		State:        string(round.State),
		Completed:    round.Completed,
		OOM:          round.OOM,
		Timeout:      round.Timeout,
		Other:        round.Other,
		CreatedAt:    round.CreatedAt,
		ResolvedAt:   round.ResolvedAt,
	}
	if res := m.db.Save(&row); res.Error != nil {
		m.log.Warn("sqlmirror: upsert round failed", "chain_id", chainID, "round_no", round.RoundNo, "error", res.Error)
		return
	}
	for _, task := range round.Tasks {
		m.upsertTask(chainID, round.RoundNo, task)
	}
}

func (m *Mirror) upsertTask(chainID string, roundNo int, task domain.TaskRecord) {
	row := TaskRow{
		ID:           taskRowID(chainID, roundNo, task.Index),
		ChainID:      chainID,
		RoundNo:      roundNo,
		Index:        task.Index,
		State:        task.State,
		ExitCode:     task.ExitCode,
		Elapsed:      task.Elapsed,
		Node:         task.Node,
		PeakMemoryMB: task.PeakMemoryMB,
		Outcome:      string(task.Outcome),
		CreatedAt:    time.Now().UTC(),
	}
	if res := m.db.Save(&row); res.Error != nil {
		m.log.Warn("sqlmirror: upsert task failed", "chain_id", chainID, "round_no", roundNo, "index", task.Index, "error", res.Error)
	}
}

// RecordAction mirrors one event-log action row. Mirrors
// eventlog.Event's shape rather than importing eventlog directly, so
// neither package depends on the other.
func (m *Mirror) RecordAction(chainID, action, jobID string, level int) {
	if m == nil {
		return
	}
	row := ActionRow{
		ID:        uuid.New(),
		ChainID:   chainID,
		Action:    action,
		JobID:     jobID,
		Level:     level,
		CreatedAt: time.Now().UTC(),
	}
	if res := m.db.Create(&row); res.Error != nil {
		m.log.Warn("sqlmirror: record action failed", "chain_id", chainID, "action", action, "error", res.Error)
	}
}

// roundRowID and taskRowID derive deterministic UUIDs from
// (chain id, round no[, index]) so repeated mirrors of the same chain
// upsert in place instead of accumulating duplicate rows — the
// checkpoint is always reloaded and re-mirrored in full on every
// handler invocation, never diffed.
func roundRowID(chainID string, roundNo int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/round/%d", chainID, roundNo)))
}

func taskRowID(chainID string, roundNo, index int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/round/%d/task/%d", chainID, roundNo, index)))
}

func mustJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

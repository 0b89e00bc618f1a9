package sqlmirror_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/checkpoint/sqlmirror"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/platform/logger"
)

// These tests exercise the mirror against a real Postgres instance,
// the same way the teacher's repo integration tests do: skip unless an
// operator has pointed TEST_POSTGRES_DSN at a scratch database. There
// is no mocked-gorm alternative in this codebase's test style.
func testMirror(t *testing.T) *sqlmirror.Mirror {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run sqlmirror integration tests")
	}
	log, err := logger.New("test")
	require.NoError(t, err)
	m, err := sqlmirror.Open(dsn, log)
	require.NoError(t, err)
	return m
}

func TestMirror_UpsertChain_PersistsChainRoundsAndTasks(t *testing.T) {
	m := testMirror(t)

	now := time.Now().UTC()
	c := &domain.Chain{
		ID:           "20260730-120000-ab12",
		ScriptPath:   "/scripts/run.sh",
		FullIndexSet: []int{0, 1, 2},
		Ladder:       domain.Ladder{Mode: domain.LevelsMode, Levels: []domain.Level{{MemoryMB: 4000, WallTime: time.Hour}}},
		CreatedAt:    now,
		State:        domain.ChainCompleted,
		Rounds: []domain.Round{{
			RoundNo:    0,
			LevelIndex: 0,
			IndexSet:   []int{0, 1, 2},
			JobIDs:     []string{"123"},
			State:      domain.RoundCompleted,
			Completed:  3,
			CreatedAt:  now,
			ResolvedAt: &now,
			Tasks: []domain.TaskRecord{
				{Index: 0, State: "COMPLETED", ExitCode: 0, Outcome: domain.OutcomeCompleted},
				{Index: 1, State: "COMPLETED", ExitCode: 0, Outcome: domain.OutcomeCompleted},
				{Index: 2, State: "COMPLETED", ExitCode: 0, Outcome: domain.OutcomeCompleted},
			},
		}},
	}

	m.UpsertChain(c)
	m.UpsertChain(c) // idempotent: second mirror of the same chain must not duplicate rows

	m.RecordAction(c.ID, "SUBMIT", "123", 0)
	m.RecordAction(c.ID, "COMPLETE", "", 0)
}

func TestMirror_UpsertChain_NilMirrorIsANoop(t *testing.T) {
	var m *sqlmirror.Mirror
	assert.NotPanics(t, func() {
		m.UpsertChain(&domain.Chain{ID: "x"})
		m.RecordAction("x", "SUBMIT", "1", 0)
	})
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/config"
	"github.com/ladderctl/ladderctl/internal/domain"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ladderctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ParsesLevelsModeLadder(t *testing.T) {
	path := writeConfig(t, `
levels:
  - partitions: [standard]
    memory_mb: 4000
    wall_time: 1h
  - partitions: [standard, bigmem]
    memory_mb: 8000
    wall_time: 2h
max_array_spec_len: 5000
sacct_settle_delay_sec: 3
`)
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	require.Len(t, cfg.Ladder.Levels, 2)
	assert.Equal(t, domain.LevelsMode, cfg.Ladder.Mode)
	assert.Equal(t, 4000, cfg.Ladder.Levels[0].MemoryMB)
	assert.Equal(t, time.Hour, cfg.Ladder.Levels[0].WallTime)
	assert.Equal(t, 5000, cfg.MaxArraySpecLen)
	assert.Equal(t, 3*time.Second, cfg.SettleDelay)
}

func TestLoad_ParsesIndependentAxesLadder(t *testing.T) {
	path := writeConfig(t, `
mode: independent_axes
memory_levels:
  - memory_mb: 4000
    wall_time: 1h
  - memory_mb: 8000
    wall_time: 1h
time_levels:
  - memory_mb: 4000
    wall_time: 1h
  - memory_mb: 4000
    wall_time: 2h
`)
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.IndependentAxesMode, cfg.Ladder.Mode)
	assert.Len(t, cfg.Ladder.MemoryLevels, 2)
	assert.Len(t, cfg.Ladder.TimeLevels, 2)
}

func TestLoad_DefaultsMaxArraySpecLenAndSettleDelay(t *testing.T) {
	path := writeConfig(t, `
levels:
  - memory_mb: 4000
    wall_time: 1h
  - memory_mb: 8000
    wall_time: 1h
`)
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.MaxArraySpecLen)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
}

func TestLoad_BuildsStateAndExitCodeOverrides(t *testing.T) {
	path := writeConfig(t, `
levels:
  - memory_mb: 4000
    wall_time: 1h
  - memory_mb: 8000
    wall_time: 1h
state_handling:
  NODE_FAIL: escalate
  PREEMPTED: no_retry
exit_codes:
  137: escalate
  42: no_retry
`)
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOther, cfg.Overrides.States["PREEMPTED"])
	_, nodeFailOverridden := cfg.Overrides.States["NODE_FAIL"]
	assert.False(t, nodeFailOverridden, "escalate is the classifier default, no override needed")
	assert.Equal(t, domain.OutcomeOOM, cfg.Overrides.ExitCodes[137])
	assert.Equal(t, domain.OutcomeOther, cfg.Overrides.ExitCodes[42])
}

func TestLoad_ParsesLoggingSection(t *testing.T) {
	path := writeConfig(t, `
levels:
  - memory_mb: 4000
    wall_time: 1h
  - memory_mb: 8000
    wall_time: 1h
logging:
  enabled: true
  db_path: /var/log/ladderctl/events.jsonl
`)
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.True(t, cfg.LoggingEnabled)
	assert.Equal(t, "/var/log/ladderctl/events.jsonl", cfg.EventLogPath)
}

func TestLoad_RejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.ErrorCodeUnreadable, cfgErr.Code)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "levels: [this is: not: valid")
	_, err := config.Load(path, nil)
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.ErrorCodeMalformedYAML, cfgErr.Code)
}

func TestLoad_RejectsEmptyLevelsList(t *testing.T) {
	path := writeConfig(t, "levels: []\n")
	_, err := config.Load(path, nil)
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.ErrorCodeNoLevels, cfgErr.Code)
}

func TestLoad_RejectsNonMonotoneLadder(t *testing.T) {
	path := writeConfig(t, `
levels:
  - memory_mb: 8000
    wall_time: 1h
  - memory_mb: 4000
    wall_time: 1h
`)
	_, err := config.Load(path, nil)
	require.Error(t, err)
}

func TestLoad_RejectsUnrecognizedLadderMode(t *testing.T) {
	path := writeConfig(t, `
mode: bogus
levels:
  - memory_mb: 4000
    wall_time: 1h
`)
	_, err := config.Load(path, nil)
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.ErrorCodeBadLadderMode, cfgErr.Code)
}

func TestLoad_RejectsUnrecognizedStateHandlingAction(t *testing.T) {
	path := writeConfig(t, `
levels:
  - memory_mb: 4000
    wall_time: 1h
  - memory_mb: 8000
    wall_time: 1h
state_handling:
  NODE_FAIL: retry_forever
`)
	_, err := config.Load(path, nil)
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.ErrorCodeBadStateAction, cfgErr.Code)
}

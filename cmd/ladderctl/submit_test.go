package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/config"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ladder.yaml")
	contents := `
levels:
  - partitions: [standard]
    memory_mb: 4000
    wall_time: 1h
  - partitions: [standard, bigmem]
    memory_mb: 8000
    wall_time: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseSubmitArgs_ParsesFlagsAndPositionalScript(t *testing.T) {
	a, err := parseSubmitArgs([]string{"--array", "0-9", "--throttle", "4", "--config", "ladder.yaml", "./run.sh", "--seed", "1"})
	require.NoError(t, err)
	assert.Equal(t, "0-9", a.array)
	assert.Equal(t, 4, a.throttle)
	assert.Equal(t, "ladder.yaml", a.configPath)
	assert.Equal(t, "./run.sh", a.scriptPath)
	assert.Equal(t, []string{"--seed", "1"}, a.scriptArgs)
}

func TestParseSubmitArgs_RejectsMissingArray(t *testing.T) {
	_, err := parseSubmitArgs([]string{"--config", "ladder.yaml", "./run.sh"})
	assert.ErrorContains(t, err, "--array")
}

func TestParseSubmitArgs_RejectsMissingConfig(t *testing.T) {
	_, err := parseSubmitArgs([]string{"--array", "0-9", "./run.sh"})
	assert.ErrorContains(t, err, "--config")
}

func TestParseSubmitArgs_RejectsMissingScript(t *testing.T) {
	_, err := parseSubmitArgs([]string{"--array", "0-9", "--config", "ladder.yaml"})
	assert.ErrorContains(t, err, "script")
}

func TestParseExport_SplitsColonSeparatedBindings(t *testing.T) {
	env, err := parseExport("A=1:B=2:C=three")
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=2", "C=three"}, env)
}

func TestParseExport_EmptyStringYieldsNoBindings(t *testing.T) {
	env, err := parseExport("")
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestParseExport_RejectsBindingWithoutEquals(t *testing.T) {
	_, err := parseExport("A=1:BAD")
	assert.ErrorContains(t, err, "BAD")
}

func TestBuildSubmitRequest_ExpandsArraySpecAndCarriesLadder(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cfg, err := config.Load(cfgPath, nil)
	require.NoError(t, err)

	req, err := buildSubmitRequest(submitArgs{
		array:      "0-2,5",
		throttle:   3,
		configPath: cfgPath,
		export:     "FOO=bar",
		scriptPath: "./run.sh",
		scriptArgs: []string{"x"},
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5}, req.FullIndexSet)
	assert.Equal(t, 3, req.Throttle)
	assert.Equal(t, []string{"FOO=bar"}, req.Env)
	assert.Equal(t, "./run.sh", req.ScriptPath)
	assert.Equal(t, []string{"x"}, req.ScriptArgs)
	assert.Equal(t, cfg.Ladder, req.Ladder)
}

// TestBuildSubmitRequest_CarriesEventLogPathOnlyWhenLoggingEnabled verifies
// that config's logging.enabled/logging.db_path actually determines
// whether the submitted chain records to an event log, rather than the
// decision being read from an unrelated env var as it was before.
func TestBuildSubmitRequest_CarriesEventLogPathOnlyWhenLoggingEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ladder.yaml")
	contents := `
levels:
  - partitions: [standard]
    memory_mb: 4000
    wall_time: 1h
logging:
  enabled: true
  db_path: /var/log/ladderctl/events.jsonl
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	req, err := buildSubmitRequest(submitArgs{array: "0-1", scriptPath: "./run.sh"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/ladderctl/events.jsonl", req.EventLogPath)

	cfgDisabled, err := config.Load(writeTestConfig(t), nil)
	require.NoError(t, err)
	reqDisabled, err := buildSubmitRequest(submitArgs{array: "0-1", scriptPath: "./run.sh"}, cfgDisabled)
	require.NoError(t, err)
	assert.Empty(t, reqDisabled.EventLogPath)
}

func TestBuildSubmitRequest_RejectsMalformedArraySpec(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cfg, err := config.Load(cfgPath, nil)
	require.NoError(t, err)

	_, err = buildSubmitRequest(submitArgs{array: "not-a-spec", scriptPath: "./run.sh"}, cfg)
	assert.ErrorContains(t, err, "--array")
}

// Package config loads the YAML configuration file passed to `submit
// --config PATH`: ladder levels, batching/settle-delay tuning, terminal-
// state and exit-code overrides for the classifier, and the optional
// event log. A malformed file is always a hard error — submit never
// falls back to defaults for a file the operator explicitly pointed it
// at.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ladderctl/ladderctl/internal/classifier"
	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/platform/logger"
	"github.com/ladderctl/ladderctl/internal/utils"
)

// ErrorCode identifies why a config file failed to load, mirroring the
// typed-error-code pattern used throughout this codebase's platform
// clients.
type ErrorCode string

const (
	ErrorCodeUnreadable     ErrorCode = "unreadable"
	ErrorCodeMalformedYAML  ErrorCode = "malformed_yaml"
	ErrorCodeNoLevels       ErrorCode = "no_levels"
	ErrorCodeBadLadderMode  ErrorCode = "bad_ladder_mode"
	ErrorCodeBadStateAction ErrorCode = "bad_state_action"
)

// Error is a typed, wrapped config-loading failure.
type Error struct {
	Code  ErrorCode
	Path  string
	Value string
	Cause error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrorCodeUnreadable:
		return fmt.Sprintf("config: cannot read %q: %v", e.Path, e.Cause)
	case ErrorCodeMalformedYAML:
		return fmt.Sprintf("config: %q is not valid YAML: %v", e.Path, e.Cause)
	case ErrorCodeNoLevels:
		return fmt.Sprintf("config: %q declares no ladder levels", e.Path)
	case ErrorCodeBadLadderMode:
		return fmt.Sprintf("config: %q has unrecognized ladder mode %q", e.Path, e.Value)
	case ErrorCodeBadStateAction:
		return fmt.Sprintf("config: %q has unrecognized state_handling action %q", e.Path, e.Value)
	default:
		return fmt.Sprintf("config: invalid config at %q", e.Path)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// rawLevel mirrors one YAML level entry before conversion to
// domain.Level (wall_time is a human string like "2h" or "45m", not a
// raw duration value).
type rawLevel struct {
	Partitions []string `yaml:"partitions"`
	MemoryMB   int      `yaml:"memory_mb"`
	WallTime   string   `yaml:"wall_time"`
}

type rawFile struct {
	Mode         string     `yaml:"mode"`
	Levels       []rawLevel `yaml:"levels"`
	MemoryLevels []rawLevel `yaml:"memory_levels"`
	TimeLevels   []rawLevel `yaml:"time_levels"`

	MaxArraySpecLen     int `yaml:"max_array_spec_len"`
	SacctSettleDelaySec int `yaml:"sacct_settle_delay_sec"`

	StateHandling map[string]string `yaml:"state_handling"`
	ExitCodes     map[int]string    `yaml:"exit_codes"`

	Logging struct {
		Enabled bool   `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"logging"`
}

// StateAction is the per-terminal-state disposition from state_handling:
// either escalate through the ladder as usual, or report without retry.
type StateAction string

const (
	ActionEscalate StateAction = "escalate"
	ActionNoRetry  StateAction = "no_retry"
)

// Config is the fully parsed, validated configuration for one chain
// submission.
type Config struct {
	Ladder domain.Ladder

	MaxArraySpecLen int
	SettleDelay     time.Duration

	// StateHandling overrides the classifier's default outcome per
	// terminal scheduler state; ExitCodes overrides per exit code.
	// These feed classifier.Overrides at submission time; StateHandling
	// additionally gates whether a state retries at all (no_retry forces
	// OutcomeOther regardless of what the built-in rule would say).
	StateHandling map[string]StateAction
	Overrides     classifier.Overrides

	LoggingEnabled bool
	EventLogPath   string
}

const (
	defaultMaxArraySpecLen = 10000
	defaultSettleDelaySec  = 2
)

// Load reads and validates the YAML file at path. Env vars
// LADDERCTL_MAX_ARRAY_SPEC_LEN and LADDERCTL_SACCT_SETTLE_DELAY_SEC
// override the corresponding file values when set, following the same
// env-overrides-file precedence the rest of this codebase uses for
// tunables (see internal/utils.GetEnv/GetEnvAsInt).
func Load(path string, log *logger.Logger) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Code: ErrorCodeUnreadable, Path: path, Cause: err}
	}

	var f rawFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, &Error{Code: ErrorCodeMalformedYAML, Path: path, Cause: err}
	}

	ladder, err := buildLadder(path, f)
	if err != nil {
		return nil, err
	}
	if err := ladder.Validate(); err != nil {
		return nil, &Error{Code: ErrorCodeNoLevels, Path: path, Cause: err}
	}

	stateHandling, overrides, err := buildStateHandling(path, f)
	if err != nil {
		return nil, err
	}

	maxArraySpecLen := f.MaxArraySpecLen
	if maxArraySpecLen <= 0 {
		maxArraySpecLen = defaultMaxArraySpecLen
	}
	maxArraySpecLen = utils.GetEnvAsInt("LADDERCTL_MAX_ARRAY_SPEC_LEN", maxArraySpecLen, log)

	settleSec := f.SacctSettleDelaySec
	if settleSec <= 0 {
		settleSec = defaultSettleDelaySec
	}
	settleSec = utils.GetEnvAsInt("LADDERCTL_SACCT_SETTLE_DELAY_SEC", settleSec, log)

	return &Config{
		Ladder:          ladder,
		MaxArraySpecLen: maxArraySpecLen,
		SettleDelay:     time.Duration(settleSec) * time.Second,
		StateHandling:   stateHandling,
		Overrides:       overrides,
		LoggingEnabled:  f.Logging.Enabled,
		EventLogPath:    f.Logging.DBPath,
	}, nil
}

func buildLadder(path string, f rawFile) (domain.Ladder, error) {
	mode := domain.LevelsMode
	switch f.Mode {
	case "", string(domain.LevelsMode):
		mode = domain.LevelsMode
	case string(domain.IndependentAxesMode):
		mode = domain.IndependentAxesMode
	default:
		return domain.Ladder{}, &Error{Code: ErrorCodeBadLadderMode, Path: path, Value: f.Mode}
	}

	convert := func(levels []rawLevel) ([]domain.Level, error) {
		out := make([]domain.Level, 0, len(levels))
		for _, rl := range levels {
			wt, err := time.ParseDuration(rl.WallTime)
			if err != nil {
				return nil, &Error{Code: ErrorCodeMalformedYAML, Path: path, Value: rl.WallTime, Cause: err}
			}
			out = append(out, domain.Level{Partitions: rl.Partitions, MemoryMB: rl.MemoryMB, WallTime: wt})
		}
		return out, nil
	}

	ladder := domain.Ladder{Mode: mode}
	if mode == domain.IndependentAxesMode {
		mem, err := convert(f.MemoryLevels)
		if err != nil {
			return domain.Ladder{}, err
		}
		tm, err := convert(f.TimeLevels)
		if err != nil {
			return domain.Ladder{}, err
		}
		ladder.MemoryLevels = mem
		ladder.TimeLevels = tm
		if len(mem) == 0 && len(tm) == 0 {
			return domain.Ladder{}, &Error{Code: ErrorCodeNoLevels, Path: path}
		}
		return ladder, nil
	}

	levels, err := convert(f.Levels)
	if err != nil {
		return domain.Ladder{}, err
	}
	if len(levels) == 0 {
		return domain.Ladder{}, &Error{Code: ErrorCodeNoLevels, Path: path}
	}
	ladder.Levels = levels
	return ladder, nil
}

func buildStateHandling(path string, f rawFile) (map[string]StateAction, classifier.Overrides, error) {
	stateHandling := make(map[string]StateAction, len(f.StateHandling))
	stateOverrides := make(map[string]domain.Outcome, len(f.StateHandling))
	for state, action := range f.StateHandling {
		switch StateAction(action) {
		case ActionEscalate:
			stateHandling[state] = ActionEscalate
		case ActionNoRetry:
			stateHandling[state] = ActionNoRetry
			stateOverrides[state] = domain.OutcomeOther
		default:
			return nil, classifier.Overrides{}, &Error{Code: ErrorCodeBadStateAction, Path: path, Value: action}
		}
	}

	exitOverrides := make(map[int]domain.Outcome, len(f.ExitCodes))
	for code, action := range f.ExitCodes {
		switch StateAction(action) {
		case ActionEscalate:
			// An escalate override on an exit code means "treat this
			// code as OOM", the only exit-code-driven retry path the
			// classifier recognizes; anything else escalating is
			// already covered by scheduler state, not exit code.
			exitOverrides[code] = domain.OutcomeOOM
		case ActionNoRetry:
			exitOverrides[code] = domain.OutcomeOther
		default:
			return nil, classifier.Overrides{}, &Error{Code: ErrorCodeBadStateAction, Path: path, Value: action}
		}
	}

	return stateHandling, classifier.Overrides{States: stateOverrides, ExitCodes: exitOverrides}, nil
}

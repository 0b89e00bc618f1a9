package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	gexeexec "github.com/vladimirvivien/gexe/exec"
)

// Slurm drives a real Slurm-class scheduler via sbatch/squeue/sacct/scancel.
// Process invocation goes through gexe rather than raw os/exec: the
// argument vector is assigned directly onto the wrapped *exec.Cmd (never
// interpolated into a command-line string for a shell or a tokenizer to
// re-split), and gexe supplies the run/capture/exit-code bookkeeping.
type Slurm struct {
	// Run executes name with args and returns trimmed stdout. Exported so
	// tests can substitute a fake without a real scheduler on the host;
	// NewSlurm wires the gexe-backed default.
	Run func(ctx context.Context, name string, args []string) (stdout string, err error)
}

// NewSlurm returns a Slurm gateway backed by real sbatch/squeue/sacct/scancel
// invocations.
func NewSlurm() *Slurm {
	return &Slurm{Run: runViaGexe}
}

func runViaGexe(ctx context.Context, name string, args []string) (string, error) {
	p := gexeexec.NewProc(name)
	p.Cmd.Args = append([]string{name}, args...)
	p.Cmd.WaitDelay = 0
	p = p.Run()
	if err := p.Err(); err != nil {
		return p.Result(), fmt.Errorf("gateway: %s %s: %w", name, strings.Join(args, " "), err)
	}
	return p.Result(), nil
}

// SubmitArray shells out to sbatch --parsable and reads the job id from
// the last non-blank line of stdout, tolerating leading warning lines a
// real cluster sometimes emits before the job id.
func (s *Slurm) SubmitArray(ctx context.Context, spec SubmitSpec) (string, error) {
	args := []string{
		"--parsable",
		"--array=" + spec.ArraySpec,
		"--mem=" + strconv.Itoa(spec.MemoryMB) + "M",
		"--time=" + formatWallTime(spec.WallTime),
	}
	if len(spec.Partitions) > 0 {
		args = append(args, "--partition="+strings.Join(spec.Partitions, ","))
	}
	if spec.Throttle > 0 {
		args[1] = fmt.Sprintf("--array=%s%%%d", spec.ArraySpec, spec.Throttle)
	}
	if spec.Name != "" {
		args = append(args, "--job-name="+spec.Name)
	}
	if spec.OutputPath != "" {
		args = append(args, "--output="+spec.OutputPath)
	}
	if spec.ErrorPath != "" {
		args = append(args, "--error="+spec.ErrorPath)
	}
	if len(spec.Env) > 0 {
		args = append(args, "--export=ALL,"+strings.Join(spec.Env, ","))
	}
	if spec.Dependency != "" {
		args = append(args, "--dependency="+spec.Dependency)
	}
	args = append(args, spec.Command)
	args = append(args, spec.Args...)

	out, err := s.Run(ctx, "sbatch", args)
	if err != nil {
		return "", fmt.Errorf("%w", err)
	}
	return extractJobID(out)
}

// jobIDPattern matches a trailing numeric job id, tolerating an
// array-job suffix like "123;cluster" from --parsable on some builds.
var jobIDPattern = regexp.MustCompile(`^(\d+)`)

func extractJobID(stdout string) (string, error) {
	line := lastNonBlankLine(stdout)
	if line == "" {
		return "", fmt.Errorf("gateway: sbatch produced no job id")
	}
	m := jobIDPattern.FindStringSubmatch(line)
	if m == nil {
		return "", fmt.Errorf("gateway: could not parse job id from %q", line)
	}
	return m[1], nil
}

func lastNonBlankLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

func formatWallTime(d time.Duration) string {
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

// sacctFields is the --format field list, in the order parseSacctLine
// expects them.
const sacctFields = "JobID,State,ExitCode,Elapsed,NodeList,MaxRSS"

// QueryAccounting runs sacct --parsable2 --noheader and parses one
// TaskResult per array-task row. Rows for the parent job id itself (no
// "_<index>" suffix) and step rows (a ".batch"/".extern" suffix) are
// skipped; only genuine array-task rows are returned.
func (s *Slurm) QueryAccounting(ctx context.Context, jobID string) ([]TaskResult, error) {
	out, err := s.Run(ctx, "sacct", []string{
		"-j", jobID,
		"--parsable2",
		"--noheader",
		"--format=" + sacctFields,
	})
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	var results []TaskResult
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		r, ok, perr := parseSacctLine(line)
		if perr != nil {
			return nil, fmt.Errorf("gateway: parse sacct line %q: %w", line, perr)
		}
		if !ok {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func parseSacctLine(line string) (TaskResult, bool, error) {
	cols := strings.Split(line, "|")
	if len(cols) < 6 {
		return TaskResult{}, false, fmt.Errorf("expected 6 fields, got %d", len(cols))
	}
	jobIDCol, stateCol, exitCol, elapsedCol, nodeCol, maxRSSCol := cols[0], cols[1], cols[2], cols[3], cols[4], cols[5]

	// Step rows ("123_4.batch", "123_4.extern") and the parent array job
	// row ("123") carry no standalone task index and are not classified.
	idx, ok := arrayTaskIndex(jobIDCol)
	if !ok {
		return TaskResult{}, false, nil
	}

	exitCode, err := parseExitCode(exitCol)
	if err != nil {
		return TaskResult{}, false, err
	}
	elapsed, err := parseElapsed(elapsedCol)
	if err != nil {
		return TaskResult{}, false, err
	}

	return TaskResult{
		Index:        idx,
		State:        normalizeState(stateCol),
		ExitCode:     exitCode,
		Elapsed:      elapsed,
		Node:         nodeCol,
		PeakMemoryMB: parseMaxRSSMB(maxRSSCol),
	}, true, nil
}

// arrayTaskIndex extracts the array index from a sacct JobID column of
// the form "<jobid>_<index>". Step suffixes after a "." are rejected.
func arrayTaskIndex(jobIDCol string) (int, bool) {
	if strings.Contains(jobIDCol, ".") {
		return 0, false
	}
	us := strings.LastIndexByte(jobIDCol, '_')
	if us < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(jobIDCol[us+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// normalizeState strips a trailing qualifier sacct sometimes appends,
// e.g. "CANCELLED by 1001" -> "CANCELLED".
func normalizeState(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// parseExitCode parses sacct's "exit:signal" ExitCode column, returning
// the exit status. A nonzero signal with a zero exit status (e.g. the
// memory cgroup's SIGKILL) is surfaced as the conventional 128+signal
// value so the classifier's "exit code 137" rule matches directly.
func parseExitCode(col string) (int, error) {
	parts := strings.SplitN(col, ":", 2)
	exitStatus, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid exit code %q: %w", col, err)
	}
	if len(parts) == 2 {
		if signal, err := strconv.Atoi(parts[1]); err == nil && signal != 0 && exitStatus == 0 {
			return 128 + signal, nil
		}
	}
	return exitStatus, nil
}

// parseElapsed parses sacct's "[DD-]HH:MM:SS" elapsed-time column.
func parseElapsed(col string) (time.Duration, error) {
	days := 0
	rest := col
	if i := strings.IndexByte(col, '-'); i >= 0 {
		d, err := strconv.Atoi(col[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid elapsed days %q: %w", col, err)
		}
		days = d
		rest = col[i+1:]
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid elapsed %q", col)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("invalid elapsed %q", col)
	}
	total := time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second
	return total, nil
}

// parseMaxRSSMB parses sacct's MaxRSS column, e.g. "512000K" or "2G",
// returning megabytes. An unparseable or empty value yields 0 rather
// than an error since peak memory is informational, not load-bearing.
func parseMaxRSSMB(col string) int {
	col = strings.TrimSpace(col)
	if col == "" {
		return 0
	}
	unit := col[len(col)-1]
	numPart := col
	var divisor, multiplier float64 = 1, 1
	switch unit {
	case 'K':
		numPart = col[:len(col)-1]
		divisor = 1024
	case 'M':
		numPart = col[:len(col)-1]
		divisor = 1
	case 'G':
		numPart = col[:len(col)-1]
		multiplier = 1024
		divisor = 1
	}
	val, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0
	}
	return int(val * multiplier / divisor)
}

// Cancel requests cancellation of every id in one scancel invocation,
// best-effort: a nonzero exit (e.g. one id already finished) is not
// reported as an error.
func (s *Slurm) Cancel(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	_, _ = s.Run(ctx, "scancel", jobIDs)
	return nil
}

// ListUserJobs runs squeue --me and parses one JobInfo per line.
func (s *Slurm) ListUserJobs(ctx context.Context) ([]JobInfo, error) {
	out, err := s.Run(ctx, "squeue", []string{"--me", "--noheader", "--format=%i|%j|%T"})
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	var jobs []JobInfo
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.SplitN(line, "|", 3)
		if len(cols) != 3 {
			continue
		}
		jobs = append(jobs, JobInfo{JobID: cols[0], Name: cols[1], State: cols[2]})
	}
	return jobs, nil
}

/*
Package checkpoint persists a chain's full state as a single JSON file per
chain, one file write per handler invocation.

There is no long-running process and no guaranteed database between the
independently scheduled handler and watcher invocations that drive one
chain forward, so the checkpoint file itself must carry the durability a
resident process would otherwise get from an in-memory object plus a
database transaction: load, mutate, persist, yield, get re-invoked,
repeat. Every write goes through a temp-file-then-rename sequence so a
crash mid-write never leaves a half-written checkpoint in the chain's
path — the rename either lands or it doesn't, and the prior file is
untouched either way.

The store never silently repairs a corrupt checkpoint. A read that fails
to parse both the current file and its backup returns
ladderrors.ErrCheckpointCorrupt; recovering from that is an operator
action, not an automatic one.
*/
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ladderctl/ladderctl/internal/domain"
	"github.com/ladderctl/ladderctl/internal/pkg/ladderrors"
)

// Store reads and writes chain checkpoints under a single directory, one
// file per chain.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(chainID string) string {
	return filepath.Join(s.dir, chainID+".checkpoint")
}

func (s *Store) backupPath(chainID string) string {
	return filepath.Join(s.dir, chainID+".checkpoint.bak")
}

// Create writes the initial checkpoint for a newly submitted chain. It
// refuses to overwrite an existing chain id.
func (s *Store) Create(c *domain.Chain) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("checkpoint: chain id required")
	}
	if _, err := os.Stat(s.path(c.ID)); err == nil {
		return fmt.Errorf("checkpoint: chain %s already exists", c.ID)
	}
	return s.write(c)
}

// readRetryDelay is how long Load waits before its one re-read, giving a
// concurrent atomic-rename writer time to finish.
const readRetryDelay = 20 * time.Millisecond

// Load reads and parses the checkpoint for chainID. A missing file is
// reported as ladderrors.ErrChainNotFound. Since the store is written by
// atomic rename, a reader can in principle observe the file mid-replace;
// a single parse failure is retried once after a short delay before it
// is treated as genuine corruption. A file that still fails to parse
// after that retry is never silently swapped for its backup — it is
// reported as ladderrors.ErrCheckpointCorrupt, naming both candidate
// paths, so an operator can inspect and repair by hand.
func (s *Store) Load(chainID string) (*domain.Chain, error) {
	c, err := s.tryLoad(chainID)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ladderrors.ErrChainNotFound, chainID)
		}
		return c, nil
	}

	time.Sleep(readRetryDelay)
	c, err = s.tryLoad(chainID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ladderrors.ErrChainNotFound, chainID)
		}
		return nil, fmt.Errorf("%w: %s (backup candidate at %s)", ladderrors.ErrCheckpointCorrupt, s.path(chainID), s.backupPath(chainID))
	}
	return c, nil
}

// tryLoad performs a single read-and-parse attempt with no retry.
func (s *Store) tryLoad(chainID string) (*domain.Chain, error) {
	raw, err := os.ReadFile(s.path(chainID))
	if err != nil {
		return nil, err
	}
	var c domain.Chain
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save persists c, first copying the current on-disk checkpoint (if any)
// to its .bak path, then atomically replacing the primary file. The
// backup exists purely so a corrupt primary file has a known-good
// predecessor for manual repair; Load never reads it automatically.
func (s *Store) Save(c *domain.Chain) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("checkpoint: chain id required")
	}
	if cur, err := os.ReadFile(s.path(c.ID)); err == nil {
		_ = os.WriteFile(s.backupPath(c.ID), cur, 0o644)
	}
	return s.write(c)
}

func (s *Store) write(c *domain.Chain) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ladderrors.ErrCheckpointIO, c.ID, err)
	}
	if err := renameio.WriteFile(s.path(c.ID), b, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ladderrors.ErrCheckpointIO, c.ID, err)
	}
	return nil
}

// AppendRound appends round to c's round list and persists the checkpoint.
// Round numbers are not re-validated here; callers assign RoundNo from
// len(c.Rounds) before calling.
func (s *Store) AppendRound(c *domain.Chain, round domain.Round) error {
	c.Rounds = append(c.Rounds, round)
	return s.Save(c)
}

// UpdateRound replaces the round at roundNo in place and persists the
// checkpoint. It is a no-op error if roundNo is out of range.
func (s *Store) UpdateRound(c *domain.Chain, roundNo int, round domain.Round) error {
	if roundNo < 0 || roundNo >= len(c.Rounds) {
		return fmt.Errorf("checkpoint: round %d out of range for chain %s", roundNo, c.ID)
	}
	c.Rounds[roundNo] = round
	return s.Save(c)
}

// MarkCompleted transitions c to ChainCompleted, refusing to leave a
// terminal state once entered, and persists the checkpoint.
func (s *Store) MarkCompleted(c *domain.Chain, completedCount int) error {
	if !c.CanTransitionTo(domain.ChainCompleted) {
		return nil
	}
	c.State = domain.ChainCompleted
	c.CompletedCount = completedCount
	return s.Save(c)
}

// MarkFailed transitions c to a terminal failure state
// (FAILED_AT_MAX or FAILED_NOT_RETRIED), recording the residual indices
// and their outcome kind, and persists the checkpoint.
func (s *Store) MarkFailed(c *domain.Chain, state domain.ChainState, reason string, residual []int, kind map[int]string) error {
	if !c.CanTransitionTo(state) {
		return nil
	}
	c.State = state
	c.FailReason = reason
	c.ResidualIndices = residual
	c.ResidualKind = kind
	return s.Save(c)
}

// ListAll returns every chain id with a checkpoint on disk, sorted for
// deterministic output.
func (s *Store) ListAll() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".checkpoint") || strings.HasSuffix(name, ".checkpoint.bak") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".checkpoint"))
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadPreservedArgs returns the script argument vector exactly as it was
// supplied at chain creation. Handlers read arguments from the checkpoint
// rather than from re-exported environment variables precisely so this
// vector never needs shell-escaping on the way back in.
func (s *Store) LoadPreservedArgs(chainID string) ([]string, error) {
	c, err := s.Load(chainID)
	if err != nil {
		return nil, err
	}
	return c.ScriptArgs, nil
}

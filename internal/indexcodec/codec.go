// Package indexcodec implements the compact range-stride notation used to
// submit sparse task-index sets to a Slurm-class scheduler. A segment is a
// singleton "n", a dense run "a-b", or a strided run "a-b:s". The grammar
// is bespoke to the scheduler's own array-spec syntax rather than a
// general bitset or compression problem, so it has no natural home in any
// third-party library and is built on the standard library by necessity
// (see DESIGN.md).
package indexcodec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// periods is the set of candidate periods tried during periodic-gap
// detection, smallest first: when two periods both match, the smaller
// wins.
var periods = []int{2, 3, 4, 5}

// Compress produces the canonical, deterministic range-stride spec for
// set. The input need not be sorted or deduplicated.
func Compress(set []int) string {
	s := sortedUnique(set)
	if len(s) == 0 {
		return ""
	}
	if len(s) == 1 {
		return strconv.Itoa(s[0])
	}

	if segs, ok := periodicSegments(s); ok {
		return strings.Join(segs, ",")
	}

	return strings.Join(greedySegments(s), ",")
}

// Length returns the character count of spec, the gating metric Batch
// uses against the configured budget.
func Length(spec string) int {
	return len(spec)
}

// Expand parses a range-stride spec back into its canonical sorted,
// deduplicated index set.
func Expand(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	seen := make(map[int]struct{})
	var out []int
	for _, seg := range strings.Split(spec, ",") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, fmt.Errorf("indexcodec: empty segment in %q", spec)
		}
		vals, err := expandSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("indexcodec: %q: %w", spec, err)
		}
		for _, v := range vals {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	sort.Ints(out)
	return out, nil
}

func expandSegment(seg string) ([]int, error) {
	dash := strings.IndexByte(seg, '-')
	if dash < 0 {
		n, err := strconv.Atoi(seg)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q", seg)
		}
		return []int{n}, nil
	}

	lo, err := strconv.Atoi(seg[:dash])
	if err != nil {
		return nil, fmt.Errorf("invalid range start in %q", seg)
	}

	rest := seg[dash+1:]
	stride := 1
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		stride, err = strconv.Atoi(rest[colon+1:])
		if err != nil || stride < 1 {
			return nil, fmt.Errorf("invalid stride in %q", seg)
		}
		rest = rest[:colon]
	}

	hi, err := strconv.Atoi(rest)
	if err != nil {
		return nil, fmt.Errorf("invalid range end in %q", seg)
	}
	if hi < lo {
		return nil, fmt.Errorf("range end before start in %q", seg)
	}

	var out []int
	for v := lo; v <= hi; v += stride {
		out = append(out, v)
	}
	return out, nil
}

// Batch partitions set into one or more chunks such that every chunk's
// compressed form has a character length no greater than budget. The
// partition is in index order; 500 indices per batch is the initial
// heuristic chunk size, shrunk by half whenever a candidate chunk's
// compressed length still exceeds budget. A chunk is never shrunk below a
// single index, so an index whose own singleton form already exceeds
// budget is still emitted alone rather than dropped.
func Batch(set []int, budget int) [][]int {
	s := sortedUnique(set)
	if len(s) == 0 {
		return nil
	}

	const initialChunk = 500
	var batches [][]int
	for i := 0; i < len(s); {
		size := initialChunk
		if remaining := len(s) - i; size > remaining {
			size = remaining
		}
		for size > 1 && Length(Compress(s[i:i+size])) > budget {
			size /= 2
		}
		batches = append(batches, s[i:i+size])
		i += size
	}
	return batches
}

// sortedUnique returns a sorted copy of set with duplicates removed.
func sortedUnique(set []int) []int {
	if len(set) == 0 {
		return nil
	}
	cp := make([]int, len(set))
	copy(cp, set)
	sort.Ints(cp)
	out := cp[:1]
	for _, v := range cp[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// gaps returns the per-position gap sequence g[i] = s[i+1] - s[i].
func gaps(s []int) []int {
	if len(s) < 2 {
		return nil
	}
	g := make([]int, len(s)-1)
	for i := range g {
		g[i] = s[i+1] - s[i]
	}
	return g
}

// periodicSegments attempts periodic-gap detection: the smallest period p
// in {2,3,4,5} such that the gap sequence is p-periodic for at least
// three full repetitions. A constant gap sequence is deliberately
// excluded — it is a single plain run and the greedy path already
// represents it optimally as one segment; treating it as "periodic"
// would needlessly split it into p redundant segments.
func periodicSegments(s []int) ([]string, bool) {
	g := gaps(s)
	if len(g) < 2 || allEqual(g) {
		return nil, false
	}
	for _, p := range periods {
		if len(g) < 3*p {
			continue
		}
		if !isPeriodic(g, p) {
			continue
		}
		return buildPeriodicSegments(s, p), true
	}
	return nil, false
}

func allEqual(g []int) bool {
	for _, v := range g[1:] {
		if v != g[0] {
			return false
		}
	}
	return true
}

func isPeriodic(g []int, p int) bool {
	for i, v := range g {
		if v != g[i%p] {
			return false
		}
	}
	return true
}

// buildPeriodicSegments splits s into p interleaved arithmetic
// progressions (one per residue class mod p), each sharing the stride
// that is the sum of one period of gaps.
func buildPeriodicSegments(s []int, p int) []string {
	runs := make([][]int, p)
	for i, v := range s {
		r := i % p
		runs[r] = append(runs[r], v)
	}
	segs := make([]string, 0, p)
	for _, run := range runs {
		if len(run) == 0 {
			continue
		}
		segs = append(segs, formatRun(run))
	}
	sort.Slice(segs, func(i, j int) bool { return segmentStart(segs[i]) < segmentStart(segs[j]) })
	return segs
}

func segmentStart(seg string) int {
	first := seg
	if idx := strings.IndexByte(seg, '-'); idx > 0 {
		first = seg[:idx]
	}
	n, _ := strconv.Atoi(first)
	return n
}

// greedySegments runs the run-extension fallback: starting at the
// leftmost unconsumed element, extend with the stride of the first
// observed gap; accept the run once it has >=3 elements with constant
// stride (a-b:s) or >=2 consecutive elements with stride 1 (a-b).
// Shorter tails are consumed one element at a time as singletons, which
// is what gives the ambiguous-prefix tie-break to the longer strided run:
// a 2-element non-unit-stride run never commits, so the next window gets
// a chance to find a run starting one element later.
func greedySegments(s []int) []string {
	var segs []string
	i := 0
	for i < len(s) {
		if i == len(s)-1 {
			segs = append(segs, strconv.Itoa(s[i]))
			i++
			continue
		}
		stride := s[i+1] - s[i]
		j := i + 2
		for j < len(s) && s[j]-s[j-1] == stride {
			j++
		}
		runLen := j - i
		switch {
		case stride == 1 && runLen >= 2:
			segs = append(segs, fmt.Sprintf("%d-%d", s[i], s[j-1]))
			i = j
		case runLen >= 3:
			segs = append(segs, fmt.Sprintf("%d-%d:%d", s[i], s[j-1], stride))
			i = j
		default:
			segs = append(segs, strconv.Itoa(s[i]))
			i++
		}
	}
	return segs
}

// formatRun renders a strictly increasing constant-stride run as a single
// segment, applying the "stride 1 is always a-b, never a-b:1" rule.
func formatRun(run []int) string {
	if len(run) == 1 {
		return strconv.Itoa(run[0])
	}
	stride := run[1] - run[0]
	if stride == 1 {
		return fmt.Sprintf("%d-%d", run[0], run[len(run)-1])
	}
	return fmt.Sprintf("%d-%d:%d", run[0], run[len(run)-1], stride)
}

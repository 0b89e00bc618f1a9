package indexcodec_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladderctl/ladderctl/internal/indexcodec"
)

func TestCompress_SparseGapKeepsTwoStridedSegments(t *testing.T) {
	set := []int{8, 18, 28, 38, 48, 58, 78, 88, 98, 108, 118, 128, 138, 148}
	got := indexcodec.Compress(set)
	assert.Equal(t, "8-58:10,78-148:10", got)
}

func TestCompress_DenseRun(t *testing.T) {
	set := contiguous(0, 99)
	assert.Equal(t, "0-99", indexcodec.Compress(set))
}

func TestCompress_SingleIndex(t *testing.T) {
	assert.Equal(t, "42", indexcodec.Compress([]int{42}))
}

func TestCompress_Empty(t *testing.T) {
	assert.Equal(t, "", indexcodec.Compress(nil))
}

func TestCompress_TwoElementRunIsNotStrided(t *testing.T) {
	// A 2-element, non-unit-stride run cannot use "a-b:s" (needs >=3
	// elements), so each element is emitted as its own singleton.
	got := indexcodec.Compress([]int{0, 5})
	assert.Equal(t, "0,5", got)
}

func TestCompress_PeriodicUnionOfTwoProgressions(t *testing.T) {
	// Two interleaved stride-4 progressions starting at 0 and 3: gaps
	// alternate 3,1,3,1,... with period 2, sharing stride 4.
	var set []int
	for i := 0; i < 8; i++ {
		set = append(set, i*4)
		set = append(set, i*4+3)
	}
	got := indexcodec.Compress(set)
	segs := strings.Split(got, ",")
	require.Len(t, segs, 2)
	for _, seg := range segs {
		assert.Contains(t, seg, ":4")
	}
}

func TestCompress_ConstantGapIsNotTreatedAsPeriodic(t *testing.T) {
	// A plain arithmetic run must stay one segment even though a
	// constant gap sequence trivially satisfies every candidate period.
	var set []int
	for i := 0; i < 20; i++ {
		set = append(set, i*5)
	}
	got := indexcodec.Compress(set)
	assert.Equal(t, 1, len(strings.Split(got, ",")))
	assert.Equal(t, "0-95:5", got)
}

func TestCompress_DeduplicatesAndSortsInput(t *testing.T) {
	// {5,3,5,1,3} dedupes and sorts to {1,3,5}, a 3-element stride-2 run.
	got := indexcodec.Compress([]int{5, 3, 5, 1, 3})
	assert.Equal(t, "1-5:2", got)
}

func TestRoundTrip_CompressExpand(t *testing.T) {
	cases := [][]int{
		{8, 18, 28, 38, 48, 58, 78, 88, 98, 108, 118, 128, 138, 148},
		contiguous(0, 99),
		{42},
		{1, 3, 5},
		append(contiguous(0, 9), contiguous(100, 149)...),
	}
	for _, set := range cases {
		spec := indexcodec.Compress(set)
		expanded, err := indexcodec.Expand(spec)
		require.NoError(t, err)
		assert.Equal(t, set, expanded)

		// Recompressing the expanded set must reproduce the same spec
		// byte-for-byte: compress is a pure function of the set.
		assert.Equal(t, spec, indexcodec.Compress(expanded))
	}
}

func TestExpand_EmptySpec(t *testing.T) {
	got, err := indexcodec.Expand("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpand_RejectsMalformedSegment(t *testing.T) {
	_, err := indexcodec.Expand("1,a-b,3")
	assert.Error(t, err)
}

func TestExpand_RejectsDescendingRange(t *testing.T) {
	_, err := indexcodec.Expand("10-5")
	assert.Error(t, err)
}

func TestLength_CodecMonotonicityForDenseRun(t *testing.T) {
	run := contiguous(1000, 1050)
	compressed := indexcodec.Compress(run)

	var plain []string
	for _, v := range run {
		plain = append(plain, strconv.Itoa(v))
	}
	commas := strings.Join(plain, ",")

	assert.LessOrEqual(t, indexcodec.Length(compressed), indexcodec.Length(commas))
}

func TestBatch_BoundRespected(t *testing.T) {
	// Quadratically spaced indices: every consecutive gap is distinct, so
	// no run or periodic structure ever forms and the compressed form is
	// effectively a long singleton list, forcing Batch to split under a
	// tight budget.
	var set []int
	for i := 0; i < 200; i++ {
		set = append(set, i*i)
	}
	const budget = 40

	batches := indexcodec.Batch(set, budget)
	require.Greater(t, len(batches), 1)

	var union []int
	for _, b := range batches {
		spec := indexcodec.Compress(b)
		assert.LessOrEqual(t, indexcodec.Length(spec), budget, "batch %v exceeds budget", b)
		union = append(union, b...)
	}
	assert.ElementsMatch(t, set, union)
}

func TestBatch_SingleBatchWhenWithinBudget(t *testing.T) {
	set := contiguous(0, 99)
	batches := indexcodec.Batch(set, 4096)
	require.Len(t, batches, 1)
	assert.Equal(t, set, batches[0])
}

func TestBatch_NeverShrinksBelowOneIndex(t *testing.T) {
	// A single index whose own singleton form already exceeds budget is
	// still emitted alone rather than dropped.
	set := []int{123456789}
	batches := indexcodec.Batch(set, 1)
	require.Len(t, batches, 1)
	assert.Equal(t, set, batches[0])
}

func contiguous(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, v)
	}
	return out
}

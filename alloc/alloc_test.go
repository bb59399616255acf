package alloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

func TestCreateSingleInterval(t *testing.T) {
	a := alloc.Create("pv0", 14)
	assert.Equal(t, []alloc.ExtentInterval{{Start: 0, Count: 14}}, a.Intervals("pv0"))
	assert.EqualValues(t, 14, a.Total())
}

func TestFindFirstFit(t *testing.T) {
	free := alloc.Merge(alloc.Create("a", 14), alloc.Create("b", 14))
	chosen, err := alloc.Find(free, 8)
	require.NoError(t, err)
	assert.Equal(t, []alloc.ExtentInterval{{Start: 0, Count: 8}}, chosen.Intervals("a"))
	assert.Empty(t, chosen.Intervals("b"))
}

func TestFindSpillsToNextPV(t *testing.T) {
	free := alloc.Merge(alloc.Create("a", 14), alloc.Create("b", 14))
	chosen, err := alloc.Find(free, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 20, chosen.Total())
	assert.Equal(t, []alloc.ExtentInterval{{Start: 0, Count: 14}}, chosen.Intervals("a"))
	// 20 requested, 14 available from a -> needs 6 more from b
	total := uint64(0)
	for _, iv := range chosen.Intervals("b") {
		total += iv.Count
	}
	assert.EqualValues(t, 6, total)
}

func TestFindInsufficientFreeSpace(t *testing.T) {
	free := alloc.Create("a", 10)
	_, err := alloc.Find(free, 20)
	require.Error(t, err)
	var needErr *vgerrors.OnlyThisMuchFree
	require.ErrorAs(t, err, &needErr)
	assert.EqualValues(t, 20, needErr.Needed)
	assert.EqualValues(t, 10, needErr.Available)
}

func TestMergeCanonicalizesAdjacentIntervals(t *testing.T) {
	a := alloc.Of(map[alloc.PvName][]alloc.ExtentInterval{"a": {{Start: 0, Count: 5}}})
	b := alloc.Of(map[alloc.PvName][]alloc.ExtentInterval{"a": {{Start: 5, Count: 5}}})
	merged := alloc.Merge(a, b)
	assert.Equal(t, []alloc.ExtentInterval{{Start: 0, Count: 10}}, merged.Intervals("a"))
}

func TestSubRemovesMatchingRange(t *testing.T) {
	full := alloc.Create("a", 14)
	used := alloc.Of(map[alloc.PvName][]alloc.ExtentInterval{"a": {{Start: 0, Count: 6}}})
	remaining := alloc.Sub(full, used)
	assert.Equal(t, []alloc.ExtentInterval{{Start: 6, Count: 8}}, remaining.Intervals("a"))
}

func TestSubNonSubsetPanics(t *testing.T) {
	full := alloc.Create("a", 4)
	tooMuch := alloc.Of(map[alloc.PvName][]alloc.ExtentInterval{"a": {{Start: 0, Count: 10}}})
	assert.Panics(t, func() {
		alloc.Sub(full, tooMuch)
	})
}

func TestInvariantDisjointUnion(t *testing.T) {
	// free ⊎ allocated == total extents, for any split of a PV's extents.
	total := alloc.Create("a", 32)
	allocated, err := alloc.Find(total, 12)
	require.NoError(t, err)
	free := alloc.Sub(total, allocated)

	roundtrip := alloc.Merge(free, allocated)
	assert.Equal(t, total.Intervals("a"), roundtrip.Intervals("a"))
}

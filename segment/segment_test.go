package segment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
)

func linearSegs() []segment.Segment {
	return []segment.Segment{
		{StartExtent: 0, ExtentCount: 4, Kind: segment.KindLinear, Linear: segment.Linear{PvName: "a", PvStartExtent: 0}},
		{StartExtent: 4, ExtentCount: 6, Kind: segment.KindLinear, Linear: segment.Linear{PvName: "b", PvStartExtent: 2}},
	}
}

func TestFindExtent(t *testing.T) {
	segs := linearSegs()
	for _, le := range []uint64{0, 3, 4, 9} {
		s, ok := segment.FindExtent(segs, le)
		require.True(t, ok, "le=%d", le)
		assert.True(t, le >= s.StartExtent && le < s.EndExtent())
	}
	_, ok := segment.FindExtent(segs, 10)
	assert.False(t, ok)
}

func TestValidateDetectsGap(t *testing.T) {
	segs := linearSegs()
	segs[1].StartExtent = 5 // introduces a gap
	assert.Error(t, segment.Validate(segs))
}

func TestValidateAcceptsGapless(t *testing.T) {
	assert.NoError(t, segment.Validate(linearSegs()))
}

func TestToAllocation(t *testing.T) {
	a := segment.ToAllocation(linearSegs())
	assert.Equal(t, []alloc.ExtentInterval{{Start: 0, Count: 4}}, a.Intervals("a"))
	assert.Equal(t, []alloc.ExtentInterval{{Start: 2, Count: 6}}, a.Intervals("b"))
}

func TestReduceSizeTo(t *testing.T) {
	segs := linearSegs()
	reduced, err := segment.ReduceSizeTo(segs, 5)
	require.NoError(t, err)
	require.Len(t, reduced, 2)
	assert.Equal(t, uint64(4), reduced[0].ExtentCount)
	assert.Equal(t, uint64(1), reduced[1].ExtentCount)
	require.NoError(t, segment.Validate(reduced))
}

func TestReduceSizeToRejectsGrowth(t *testing.T) {
	segs := linearSegs()
	_, err := segment.ReduceSizeTo(segs, 20)
	assert.Error(t, err)
}

func TestLinearSegmentsGapless(t *testing.T) {
	free := alloc.Merge(alloc.Create("a", 4), alloc.Create("b", 4))
	segs := segment.LinearSegments(0, free)
	require.NoError(t, segment.Validate(segs))
	assert.EqualValues(t, 8, segment.TotalExtents(segs))
}

func TestAppendRenumbers(t *testing.T) {
	base := []segment.Segment{
		{StartExtent: 0, ExtentCount: 4, Kind: segment.KindLinear, Linear: segment.Linear{PvName: "a", PvStartExtent: 0}},
	}
	extra := []segment.Segment{
		{StartExtent: 999, ExtentCount: 2, Kind: segment.KindLinear, Linear: segment.Linear{PvName: "a", PvStartExtent: 4}},
	}
	out := segment.Append(base, extra)
	require.NoError(t, segment.Validate(out))
	assert.EqualValues(t, 4, out[1].StartExtent)
}

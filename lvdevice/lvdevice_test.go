package lvdevice_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/lvdevice"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vg"
)

const extentSectors = 16 // small extent size to keep fixtures tiny

func twoPvMeta(t *testing.T) (vg.Metadata, map[alloc.PvName]blockdev.Block, uuid.Uuid) {
	t.Helper()
	devA := blockdev.NewMemory(extentSectors*4*512, 512)
	devB := blockdev.NewMemory(extentSectors*4*512, 512)

	lvID := uuid.MustCreate()
	segs := []segment.Segment{
		{StartExtent: 0, ExtentCount: 2, Kind: segment.KindLinear, Linear: segment.Linear{PvName: "a", PvStartExtent: 1}},
		{StartExtent: 2, ExtentCount: 1, Kind: segment.KindLinear, Linear: segment.Linear{PvName: "b", PvStartExtent: 0}},
	}
	meta := vg.Metadata{
		Name:       "vg0",
		ExtentSize: extentSectors,
		Pvs: []vg.Pv{
			{Name: "a", PeStart: 0, PeCount: 4},
			{Name: "b", PeStart: 0, PeCount: 4},
		},
		Lvs: map[uuid.Uuid]vg.Lv{
			lvID: {ID: lvID, Name: "v1", Status: []vg.LvStatus{vg.LvRead, vg.LvWrite}, Segments: segs},
		},
	}
	devices := map[alloc.PvName]blockdev.Block{"a": devA, "b": devB}
	return meta, devices, lvID
}

func TestConnectRejectsSectorSizeMismatch(t *testing.T) {
	ctx := context.Background()
	meta, devices, lvID := twoPvMeta(t)
	devices["b"] = blockdev.NewMemory(extentSectors*4*1024, 1024)

	_, err := lvdevice.Connect(ctx, meta, devices, lvID)
	assert.Error(t, err)
}

func TestGetInfoReportsSizeFromSegments(t *testing.T) {
	ctx := context.Background()
	meta, devices, lvID := twoPvMeta(t)

	vol, err := lvdevice.Connect(ctx, meta, devices, lvID)
	require.NoError(t, err)

	info, err := vol.GetInfo(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3*extentSectors, info.SizeSectors)
	assert.EqualValues(t, 512, info.SectorSize)
}

func TestWriteThenReadCrossesSegmentBoundary(t *testing.T) {
	ctx := context.Background()
	meta, devices, lvID := twoPvMeta(t)

	vol, err := lvdevice.Connect(ctx, meta, devices, lvID)
	require.NoError(t, err)

	data := make([]byte, 3*extentSectors*512)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := vol.WriteAt(ctx, 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = vol.ReadAt(ctx, 0, got)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	devA := devices["a"].(*blockdev.Memory)
	onDiskA := make([]byte, 2*extentSectors*512)
	_, err = devA.ReadAt(ctx, 1*extentSectors*512, onDiskA)
	require.NoError(t, err)
	assert.Equal(t, data[:2*extentSectors*512], onDiskA)
}

func TestReadPastEndOfSegmentsFails(t *testing.T) {
	ctx := context.Background()
	meta, devices, lvID := twoPvMeta(t)
	vol, err := lvdevice.Connect(ctx, meta, devices, lvID)
	require.NoError(t, err)

	buf := make([]byte, 512)
	_, err = vol.ReadAt(ctx, 3*extentSectors*512, buf)
	assert.Error(t, err)
}

func TestDisconnectRejectsFurtherIO(t *testing.T) {
	ctx := context.Background()
	meta, devices, lvID := twoPvMeta(t)
	vol, err := lvdevice.Connect(ctx, meta, devices, lvID)
	require.NoError(t, err)

	vol.Disconnect()
	_, err = vol.ReadAt(ctx, 0, make([]byte, 512))
	assert.Error(t, err)
}

package pvlabel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/pvlabel"
)

func newDisk(t *testing.T) *blockdev.Memory {
	t.Helper()
	return blockdev.NewMemory(8<<20, 512)
}

func TestFormatThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	dev := newDisk(t)

	pv, err := pvlabel.Format(ctx, dev, "pv0", pvlabel.LabelSector*pvlabel.SectorSize+pvlabel.SectorSize)
	require.NoError(t, err)

	got, err := pvlabel.Read(ctx, "pv0", dev)
	require.NoError(t, err)

	assert.Equal(t, pv.ID, got.ID)
	assert.Equal(t, pv.Label.Header.DeviceSize, got.Label.Header.DeviceSize)
	require.Len(t, got.Headers, 1)
	assert.Equal(t, pv.Headers[0].Start, got.Headers[0].Start)
}

func TestReadLabelRejectsBadMagic(t *testing.T) {
	ctx := context.Background()
	dev := newDisk(t)
	_, err := pvlabel.ReadLabel(ctx, dev)
	assert.Error(t, err)
}

func TestReadLabelDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dev := newDisk(t)
	_, err := pvlabel.Format(ctx, dev, "pv0", pvlabel.LabelSector*pvlabel.SectorSize+pvlabel.SectorSize)
	require.NoError(t, err)

	// flip a byte inside the pv_header payload, after the CRC field.
	buf := make([]byte, 1)
	_, err = dev.ReadAt(ctx, pvlabel.LabelSector*pvlabel.SectorSize+40, buf)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = dev.WriteAt(ctx, pvlabel.LabelSector*pvlabel.SectorSize+40, buf)
	require.NoError(t, err)

	_, err = pvlabel.ReadLabel(ctx, dev)
	assert.Error(t, err)
}

func TestMetadataTextRoundTripsThroughCircularBuffer(t *testing.T) {
	ctx := context.Background()
	dev := newDisk(t)

	pv, err := pvlabel.Format(ctx, dev, "pv0", pvlabel.LabelSector*pvlabel.SectorSize+pvlabel.SectorSize)
	require.NoError(t, err)
	mda := pv.Headers[0]

	text := []byte("id = \"abc\"\nseqno = 1\n")
	mda, err = pvlabel.WriteMetadataText(ctx, dev, mda, text, pvlabel.MagicLvm)
	require.NoError(t, err)

	got, err := pvlabel.ReadMetadataText(ctx, dev, mda)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestMetadataTextKeepsLastTwoGenerations(t *testing.T) {
	ctx := context.Background()
	dev := newDisk(t)

	pv, err := pvlabel.Format(ctx, dev, "pv0", pvlabel.LabelSector*pvlabel.SectorSize+pvlabel.SectorSize)
	require.NoError(t, err)
	mda := pv.Headers[0]

	var last pvlabel.MdaHeader
	for i := 0; i < 3; i++ {
		mda, err = pvlabel.WriteMetadataText(ctx, dev, mda, []byte("seqno = 1\n"), pvlabel.MagicLvm)
		require.NoError(t, err)
		last = mda
	}
	assert.LessOrEqual(t, len(last.RawLocns), 2)

	reread, err := pvlabel.ReadMdaHeader(ctx, dev, last.AreaOffset)
	require.NoError(t, err)
	assert.Equal(t, last.RawLocns, reread.RawLocns)
}

func TestMetadataTextWrapsAroundBuffer(t *testing.T) {
	ctx := context.Background()
	dev := newDisk(t)

	pv, err := pvlabel.Format(ctx, dev, "pv0", pvlabel.LabelSector*pvlabel.SectorSize+pvlabel.SectorSize)
	require.NoError(t, err)
	mda := pv.Headers[0]

	// shrink the buffer artificially small to force wraparound within the
	// test without allocating a multi-megabyte fixture.
	mda.Size = 64

	first := make([]byte, 40)
	for i := range first {
		first[i] = byte('a' + i%26)
	}
	mda, err = pvlabel.WriteMetadataText(ctx, dev, mda, first, pvlabel.MagicLvm)
	require.NoError(t, err)

	second := make([]byte, 40)
	for i := range second {
		second[i] = byte('A' + i%26)
	}
	mda, err = pvlabel.WriteMetadataText(ctx, dev, mda, second, pvlabel.MagicLvm)
	require.NoError(t, err)

	got, err := pvlabel.ReadMetadataText(ctx, dev, mda)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

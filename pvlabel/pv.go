package pvlabel

import (
	"context"

	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// mdaSize is the size of the circular metadata-text buffer this engine
// allocates for every metadata area it formats. LVM2's own default
// (vgcreate -s-independent of extent size) is 1 MiB; we match it so a PV
// written by this engine round-trips through a stock pvck.
const mdaSize = 1 << 20

// mdaHeaderAreaOffset is where the mda_header sits within its metadata
// area: the area itself starts immediately after the label sectors, and
// the header occupies the first sector of it.
const mdaHeaderAreaOffset = 0

// Pv is a physical volume as read from or about to be written to a block
// device: its identity, on-disk label, and the metadata-area headers
// whose raw_locn lists carry the VG's metadata text.
type Pv struct {
	Name    string
	ID      uuid.Uuid
	Label   PvLabel
	Headers []MdaHeader
}

// Format writes a fresh LABELONE label and an empty metadata area to dev,
// turning an arbitrary block device into a PV. mdaOffset is the byte
// offset of the (sole, for this engine) metadata area, immediately
// following the label sectors.
func Format(ctx context.Context, dev blockdev.Block, name string, mdaOffset uint64) (Pv, error) {
	info, err := dev.GetInfo(ctx)
	if err != nil {
		return Pv{}, vgerrors.Wrap(err, "pvlabel: format")
	}
	deviceSize := info.SizeSectors * uint64(info.SectorSize)

	id, err := uuid.Create()
	if err != nil {
		return Pv{}, vgerrors.Wrap(err, "pvlabel: format")
	}
	header := PvHeader{
		ID:         id,
		DeviceSize: deviceSize,
		DataAreas: []DiskLocn{
			{Offset: mdaOffset + mdaSize, Size: 0},
		},
		MetadataAreas: []DiskLocn{
			{Offset: mdaOffset, Size: mdaSize},
		},
	}
	if err := WriteLabel(ctx, dev, header); err != nil {
		return Pv{}, err
	}

	mda := MdaHeader{
		AreaOffset: mdaOffset + mdaHeaderAreaOffset,
		Start:      mdaOffset + SectorSize,
		Size:       mdaSize - SectorSize,
	}
	if err := writeMdaHeaderRaw(ctx, dev, mda); err != nil {
		return Pv{}, err
	}

	return Pv{
		Name:    name,
		ID:      id,
		Label:   PvLabel{Header: header},
		Headers: []MdaHeader{mda},
	}, nil
}

// Read reconstructs a Pv by reading dev's label and every metadata area it
// references.
func Read(ctx context.Context, name string, dev blockdev.Block) (Pv, error) {
	label, err := ReadLabel(ctx, dev)
	if err != nil {
		return Pv{}, err
	}
	headers := make([]MdaHeader, 0, len(label.Header.MetadataAreas))
	for _, loc := range label.Header.MetadataAreas {
		mda, err := ReadMdaHeader(ctx, dev, loc.Offset)
		if err != nil {
			return Pv{}, err
		}
		headers = append(headers, mda)
	}
	return Pv{Name: name, ID: label.Header.ID, Label: label, Headers: headers}, nil
}

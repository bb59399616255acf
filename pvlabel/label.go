// Package pvlabel implements the on-disk PV label, metadata-area header,
// and circular raw-text buffer that make a block device binary-compatible
// with LVM2: the 512-byte LABELONE label at sector 1, the
// pv_header payload it carries, the mda_header describing a circular
// metadata buffer, and CRC32 verification throughout.
package pvlabel

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

const (
	SectorSize = 512

	// LabelSector is the sector (0-indexed) the label block is written to.
	LabelSector = 1

	labelID  = "LABELONE"
	typeLvm2 = "LVM2 001"

	// labelHeaderFixedLen is id(8) + sector(8) + crc(4) + offset(4) + type(8).
	labelHeaderFixedLen = 8 + 8 + 4 + 4 + 8
)

// DiskLocn is an on-disk (offset, size) descriptor, used both for data-area
// and metadata-area lists in the pv_header.
type DiskLocn struct {
	Offset uint64
	Size   uint64
}

// PvHeader is the payload carried inside the label block: the PV's own
// identity plus the data-area and metadata-area location lists, each
// terminated on disk by a zeroed descriptor.
type PvHeader struct {
	ID            uuid.Uuid
	DeviceSize    uint64
	DataAreas     []DiskLocn
	MetadataAreas []DiskLocn
}

// PvLabel is the full contents of the label sector: the LABELONE framing
// plus the pv_header payload.
type PvLabel struct {
	Header PvHeader
}

// ReadLabel reads sector LabelSector from dev and verifies the LABELONE
// magic, the "LVM2 001" type string, and the label's CRC32.
func ReadLabel(ctx context.Context, dev blockdev.Block) (PvLabel, error) {
	buf := make([]byte, SectorSize)
	if _, err := dev.ReadAt(ctx, LabelSector*SectorSize, buf); err != nil {
		return PvLabel{}, vgerrors.Wrap(err, "pvlabel: reading label sector")
	}

	if string(buf[0:8]) != labelID {
		return PvLabel{}, vgerrors.NewMsg("not an LVM PV")
	}
	sector := binary.LittleEndian.Uint64(buf[8:16])
	crcStored := binary.LittleEndian.Uint32(buf[16:20])
	offset := binary.LittleEndian.Uint32(buf[20:24])
	if string(buf[24:32]) != typeLvm2 {
		return PvLabel{}, vgerrors.NewMsg("not an LVM PV")
	}
	if sector != LabelSector {
		return PvLabel{}, vgerrors.NewMsg("not an LVM PV: label records sector %d, expected %d", sector, LabelSector)
	}

	// CRC covers everything from the field after crc_xl to the end of the
	// sector.
	computed := CRC(InitialCRC, buf[20:])
	if computed != crcStored {
		return PvLabel{}, vgerrors.NewMsg("corrupt metadata: label CRC mismatch (got %08x, want %08x)", computed, crcStored)
	}

	if int(offset) != labelHeaderFixedLen {
		return PvLabel{}, vgerrors.NewMsg("corrupt metadata: unexpected pv_header offset %d", offset)
	}

	header, err := decodePvHeader(buf[offset:])
	if err != nil {
		return PvLabel{}, err
	}
	return PvLabel{Header: header}, nil
}

// WriteLabel stamps sector LabelSector with a fresh LABELONE label carrying
// header.
func WriteLabel(ctx context.Context, dev blockdev.Block, header PvHeader) error {
	buf := make([]byte, SectorSize)
	copy(buf[0:8], labelID)
	binary.LittleEndian.PutUint64(buf[8:16], LabelSector)
	binary.LittleEndian.PutUint32(buf[20:24], labelHeaderFixedLen)
	copy(buf[24:32], typeLvm2)

	payload := encodePvHeader(header)
	if labelHeaderFixedLen+len(payload) > SectorSize {
		return vgerrors.NewMsg("metadata too large: pv_header payload does not fit in one sector")
	}
	copy(buf[labelHeaderFixedLen:], payload)

	crc := CRC(InitialCRC, buf[20:])
	binary.LittleEndian.PutUint32(buf[16:20], crc)

	if _, err := dev.WriteAt(ctx, LabelSector*SectorSize, buf); err != nil {
		return vgerrors.Wrap(err, "pvlabel: writing label sector")
	}
	return nil
}

func encodePvHeader(h PvHeader) []byte {
	var b bytes.Buffer
	b.WriteString(h.ID.Raw())
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], h.DeviceSize)
	b.Write(u64[:])

	writeLocns := func(locns []DiskLocn) {
		for _, l := range locns {
			binary.LittleEndian.PutUint64(u64[:], l.Offset)
			b.Write(u64[:])
			binary.LittleEndian.PutUint64(u64[:], l.Size)
			b.Write(u64[:])
		}
		// zero terminator
		binary.LittleEndian.PutUint64(u64[:], 0)
		b.Write(u64[:])
		b.Write(u64[:])
	}
	writeLocns(h.DataAreas)
	writeLocns(h.MetadataAreas)
	return b.Bytes()
}

func decodePvHeader(buf []byte) (PvHeader, error) {
	if len(buf) < uuid.Length+8 {
		return PvHeader{}, vgerrors.NewMsg("corrupt metadata: pv_header truncated")
	}
	id, err := uuid.OfString(string(buf[0:uuid.Length]))
	if err != nil {
		return PvHeader{}, vgerrors.Wrap(err, "pvlabel: pv_header id")
	}
	pos := uuid.Length
	deviceSize := binary.LittleEndian.Uint64(buf[pos : pos+8])
	pos += 8

	readLocns := func() ([]DiskLocn, error) {
		var out []DiskLocn
		for {
			if pos+16 > len(buf) {
				return nil, vgerrors.NewMsg("corrupt metadata: disk_locn list truncated")
			}
			offset := binary.LittleEndian.Uint64(buf[pos : pos+8])
			size := binary.LittleEndian.Uint64(buf[pos+8 : pos+16])
			pos += 16
			if offset == 0 && size == 0 {
				return out, nil
			}
			out = append(out, DiskLocn{Offset: offset, Size: size})
		}
	}

	dataAreas, err := readLocns()
	if err != nil {
		return PvHeader{}, err
	}
	metadataAreas, err := readLocns()
	if err != nil {
		return PvHeader{}, err
	}
	return PvHeader{ID: id, DeviceSize: deviceSize, DataAreas: dataAreas, MetadataAreas: metadataAreas}, nil
}

package pvlabel

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

const (
	mdaMagic   = "\x20LVM2 x[5A%r0N*>" // FMTT_MAGIC, 16 bytes
	mdaVersion = uint32(1)

	// mdaHeaderFixedLen is checksum(4) + magic(16) + version(4) + start(8) + size(8).
	mdaHeaderFixedLen = 4 + 16 + 4 + 8 + 8

	// RawLocnIgnore marks a raw_location as superseded; readers skip it.
	RawLocnIgnore uint32 = 0x1

	// RawLocnJournalled is this engine's own extension: set on every
	// raw_location written while the VG carries a dedicated redo-log LV
	//, so Connect can tell a stock
	// LVM2 VG from a Journalled one without a separate on-disk field.
	RawLocnJournalled uint32 = 0x2
)

// Magic discriminates a VG's on-disk variant.
type Magic int

const (
	MagicLvm Magic = iota
	MagicJournalled
)

// RawLocn describes one generation of metadata text within the circular
// buffer.
type RawLocn struct {
	Offset   uint64
	Size     uint64
	Checksum uint32
	Flags    uint32
}

func (r RawLocn) Journalled() bool { return r.Flags&RawLocnJournalled != 0 }
func (r RawLocn) Ignored() bool    { return r.Flags&RawLocnIgnore != 0 }

// MdaHeader describes the circular metadata-text buffer living at
// [Start, Start+Size) on the device, plus the history of raw_locations
// written into it (newest first on disk, but readers should pick the
// highest Offset among non-ignored entries).
type MdaHeader struct {
	// AreaOffset is the byte offset of this mda_header on the device
	// (distinct from Start/Size, which describe the circular buffer that
	// follows the header).
	AreaOffset  uint64
	Start       uint64
	Size        uint64
	RawLocns    []RawLocn
}

// maxRawLocns bounds how many generations of raw_locn we keep on disk:
// we clear older raw_location except the most recent
// two", tolerating a torn write of the newest.
const maxRawLocns = 2

func encodeMdaHeader(h MdaHeader) []byte {
	var b bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	// checksum placeholder; patched below.
	b.Write(u32[:])
	b.WriteString(mdaMagic)
	binary.LittleEndian.PutUint32(u32[:], mdaVersion)
	b.Write(u32[:])
	binary.LittleEndian.PutUint64(u64[:], h.Start)
	b.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], h.Size)
	b.Write(u64[:])

	for _, r := range h.RawLocns {
		binary.LittleEndian.PutUint64(u64[:], r.Offset)
		b.Write(u64[:])
		binary.LittleEndian.PutUint64(u64[:], r.Size)
		b.Write(u64[:])
		binary.LittleEndian.PutUint32(u32[:], r.Checksum)
		b.Write(u32[:])
		binary.LittleEndian.PutUint32(u32[:], r.Flags)
		b.Write(u32[:])
	}
	// zero terminator raw_locn
	binary.LittleEndian.PutUint64(u64[:], 0)
	b.Write(u64[:])
	b.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], 0)
	b.Write(u32[:])
	b.Write(u32[:])

	out := b.Bytes()
	crc := CRC(InitialCRC, out[4:])
	binary.LittleEndian.PutUint32(out[0:4], crc)
	return out
}

func decodeMdaHeader(buf []byte, areaOffset uint64) (MdaHeader, error) {
	if len(buf) < mdaHeaderFixedLen {
		return MdaHeader{}, vgerrors.NewMsg("corrupt metadata: mda_header truncated")
	}
	crcStored := binary.LittleEndian.Uint32(buf[0:4])
	if string(buf[4:20]) != mdaMagic {
		return MdaHeader{}, vgerrors.NewMsg("not an LVM PV: bad mda_header magic")
	}
	version := binary.LittleEndian.Uint32(buf[20:24])
	if version != mdaVersion {
		return MdaHeader{}, vgerrors.NewMsg("corrupt metadata: unsupported mda_header version %d", version)
	}
	start := binary.LittleEndian.Uint64(buf[24:32])
	size := binary.LittleEndian.Uint64(buf[32:40])

	computed := CRC(InitialCRC, buf[4:])
	if computed != crcStored {
		return MdaHeader{}, vgerrors.NewMsg("corrupt metadata: mda_header CRC mismatch")
	}

	pos := mdaHeaderFixedLen
	var raws []RawLocn
	for {
		if pos+24 > len(buf) {
			return MdaHeader{}, vgerrors.NewMsg("corrupt metadata: raw_locn list truncated")
		}
		offset := binary.LittleEndian.Uint64(buf[pos : pos+8])
		size := binary.LittleEndian.Uint64(buf[pos+8 : pos+16])
		checksum := binary.LittleEndian.Uint32(buf[pos+16 : pos+20])
		flags := binary.LittleEndian.Uint32(buf[pos+20 : pos+24])
		pos += 24
		if offset == 0 && size == 0 {
			break
		}
		raws = append(raws, RawLocn{Offset: offset, Size: size, Checksum: checksum, Flags: flags})
	}

	return MdaHeader{AreaOffset: areaOffset, Start: start, Size: size, RawLocns: raws}, nil
}

// ReadMdaHeader reads and verifies the mda_header at byte offset areaOffset.
func ReadMdaHeader(ctx context.Context, dev blockdev.Block, areaOffset uint64) (MdaHeader, error) {
	buf := make([]byte, SectorSize)
	if _, err := dev.ReadAt(ctx, int64(areaOffset), buf); err != nil {
		return MdaHeader{}, vgerrors.Wrap(err, "pvlabel: reading mda_header")
	}
	return decodeMdaHeader(buf, areaOffset)
}

func writeMdaHeaderRaw(ctx context.Context, dev blockdev.Block, h MdaHeader) error {
	buf := make([]byte, SectorSize)
	payload := encodeMdaHeader(h)
	if len(payload) > SectorSize {
		return vgerrors.NewMsg("metadata too large: mda_header payload does not fit in one sector")
	}
	copy(buf, payload)
	if _, err := dev.WriteAt(ctx, int64(h.AreaOffset), buf); err != nil {
		return vgerrors.Wrap(err, "pvlabel: writing mda_header")
	}
	return nil
}

// newestRawLocn returns the non-ignored raw_locn with the highest offset,
// the generation of metadata text.
func newestRawLocn(h MdaHeader) (RawLocn, bool) {
	var best RawLocn
	found := false
	for _, r := range h.RawLocns {
		if r.Ignored() || r.Size == 0 {
			continue
		}
		if !found || r.Offset > best.Offset {
			best = r
			found = true
		}
	}
	return best, found
}

// ReadMetadataText reads the newest generation of metadata text from the
// mda's circular buffer, verifying its CRC.
func ReadMetadataText(ctx context.Context, dev blockdev.Block, h MdaHeader) ([]byte, error) {
	loc, ok := newestRawLocn(h)
	if !ok {
		return nil, vgerrors.NewMsg("corrupt metadata: no raw_locn present in mda_header")
	}
	text, err := readCircular(ctx, dev, h, loc.Offset, loc.Size)
	if err != nil {
		return nil, err
	}
	if CRC(InitialCRC, text) != loc.Checksum {
		return nil, vgerrors.NewMsg("corrupt metadata: metadata text CRC mismatch")
	}
	return text, nil
}

// readCircular reads size bytes from the circular buffer [h.Start,
// h.Start+h.Size) starting at relative offset within, wrapping at the
// buffer end.
func readCircular(ctx context.Context, dev blockdev.Block, h MdaHeader, offset, size uint64) ([]byte, error) {
	if size > h.Size {
		return nil, vgerrors.NewMsg("metadata too large: record size %d exceeds buffer size %d", size, h.Size)
	}
	out := make([]byte, size)
	pos := offset % h.Size
	read := uint64(0)
	for read < size {
		chunk := h.Size - pos
		if chunk > size-read {
			chunk = size - read
		}
		if _, err := dev.ReadAt(ctx, int64(h.Start+pos), out[read:read+chunk]); err != nil {
			return nil, vgerrors.Wrap(err, "pvlabel: reading circular metadata buffer")
		}
		read += chunk
		pos = (pos + chunk) % h.Size
	}
	return out, nil
}

func writeCircular(ctx context.Context, dev blockdev.Block, h MdaHeader, offset uint64, data []byte) error {
	if uint64(len(data)) > h.Size {
		return vgerrors.NewMsg("metadata too large: record size %d exceeds buffer size %d", len(data), h.Size)
	}
	pos := offset % h.Size
	written := 0
	for written < len(data) {
		chunk := h.Size - pos
		if chunk > uint64(len(data)-written) {
			chunk = uint64(len(data) - written)
		}
		if _, err := dev.WriteAt(ctx, int64(h.Start+pos), data[written:uint64(written)+chunk]); err != nil {
			return vgerrors.Wrap(err, "pvlabel: writing circular metadata buffer")
		}
		written += int(chunk)
		pos = (pos + chunk) % h.Size
	}
	return nil
}

// WriteMetadataText appends text to h's circular buffer (wrapping as
// needed), computes its CRC, and returns a new MdaHeader whose raw_locn
// list has the fresh generation prepended and all but the most recent two
// generations cleared, so a reader racing a torn write of the newest
// record still finds the prior generation intact. The text is synced to
// the device (the barrier) before the header is written; syncing the
// header itself is the caller's responsibility (see the session package).
func WriteMetadataText(ctx context.Context, dev blockdev.Block, h MdaHeader, text []byte, magic Magic) (MdaHeader, error) {
	var nextOffset uint64
	if loc, ok := newestRawLocn(h); ok {
		nextOffset = (loc.Offset + loc.Size) % h.Size
	}

	if err := writeCircular(ctx, dev, h, nextOffset, text); err != nil {
		return MdaHeader{}, err
	}
	if err := dev.Sync(ctx); err != nil {
		return MdaHeader{}, vgerrors.Wrap(err, "pvlabel: syncing metadata text")
	}

	flags := uint32(0)
	if magic == MagicJournalled {
		flags |= RawLocnJournalled
	}
	newLoc := RawLocn{Offset: nextOffset, Size: uint64(len(text)), Checksum: CRC(InitialCRC, text), Flags: flags}

	updated := h
	updated.RawLocns = append([]RawLocn{newLoc}, h.RawLocns...)
	if len(updated.RawLocns) > maxRawLocns {
		updated.RawLocns = updated.RawLocns[:maxRawLocns]
	}

	if err := writeMdaHeaderRaw(ctx, dev, updated); err != nil {
		return MdaHeader{}, err
	}
	return updated, nil
}

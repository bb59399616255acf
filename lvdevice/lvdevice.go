// Package lvdevice implements the LV block device (C9): translating a
// logical volume's sector-addressed reads and writes through its segment
// map onto the underlying PV devices, and presenting the result as an
// ordinary blockdev.Block so callers (including the redo log) don't need
// to know an LV is involved at all.
package lvdevice

import (
	"context"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vg"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// Volume is a connected handle onto one Lv. It holds only the Lv record
// and a (pv_name -> pe_start) lookup, plus weak (by-name) references to
// the devices it reads/writes through; it does not own the devices, and
// it does not hold a reference to the full Lvs map (only the single Lv it
// was connected to), keeping the id abstract from the rest of the VG.
type Volume struct {
	lv         vg.Lv
	extentSize uint64 // sectors, inherited from the VG at connect time
	sectorSize uint32
	peStart    map[alloc.PvName]uint64
	devices    map[alloc.PvName]blockdev.Block

	disconnected bool
}

var _ blockdev.Block = (*Volume)(nil)

// Connect validates that every device backing meta's PVs reports the same
// sector size, then builds a Volume bound to the Lv identified by id.
func Connect(ctx context.Context, meta vg.Metadata, devices map[alloc.PvName]blockdev.Block, id uuid.Uuid) (*Volume, error) {
	lv, ok := meta.Lvs[id]
	if !ok {
		return nil, &vgerrors.UnknownLV{Ref: id.String()}
	}

	var sectorSize uint32
	peStart := make(map[alloc.PvName]uint64, len(meta.Pvs))
	for _, pv := range meta.Pvs {
		peStart[pv.Name] = pv.PeStart
		dev, ok := devices[pv.Name]
		if !ok {
			continue
		}
		info, err := dev.GetInfo(ctx)
		if err != nil {
			return nil, vgerrors.Wrap(err, "lvdevice: connect %q: pv %q", lv.Name, pv.Name)
		}
		if sectorSize == 0 {
			sectorSize = info.SectorSize
		} else if info.SectorSize != sectorSize {
			return nil, vgerrors.NewMsg("lvdevice: connect %q: pv %q reports sector size %d, expected %d", lv.Name, pv.Name, info.SectorSize, sectorSize)
		}
	}

	return &Volume{
		lv:         lv,
		extentSize: meta.ExtentSize,
		sectorSize: sectorSize,
		peStart:    peStart,
		devices:    devices,
	}, nil
}

// Disconnect releases the Volume's ability to perform further I/O; any
// subsequent call returns a vgerrors.Msg reporting the volume as
// disconnected (there is no separate Disconnected error type).
func (v *Volume) Disconnect() { v.disconnected = true }

func (v *Volume) checkConnected() error {
	if v.disconnected {
		return vgerrors.NewMsg("lvdevice: volume %q is disconnected", v.lv.Name)
	}
	return nil
}

// GetInfo returns the sector size and the Lv's size in sectors. It does
// not report the Lv's access mode (whether it carries the Write status).
func (v *Volume) GetInfo(ctx context.Context) (blockdev.Info, error) {
	if err := v.checkConnected(); err != nil {
		return blockdev.Info{}, err
	}
	return blockdev.Info{
		SectorSize:  v.sectorSize,
		SizeSectors: v.lv.ExtentCount() * v.extentSize,
	}, nil
}

func (v *Volume) Sync(ctx context.Context) error {
	if err := v.checkConnected(); err != nil {
		return err
	}
	var errs []error
	for _, dev := range v.devices {
		if err := dev.Sync(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return firstError(errs)
}

func (v *Volume) Close() error {
	v.disconnected = true
	return nil
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// ReadAt reads len(buf) bytes starting at the given byte offset, walking
// across segment boundaries as needed.
func (v *Volume) ReadAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	return v.transfer(ctx, offset, buf, false)
}

// WriteAt writes buf starting at the given byte offset, walking across
// segment boundaries as needed.
func (v *Volume) WriteAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	return v.transfer(ctx, offset, buf, true)
}

// transfer walks the transfer in bounded sub-buffers: for each chunk, it
// computes the logical extent and within-extent sector offset, looks up
// the segment, translates to a physical device offset, and submits at
// most min(remaining, extent boundary) sectors to the underlying device
// before advancing.
func (v *Volume) transfer(ctx context.Context, byteOffset int64, buf []byte, write bool) (int, error) {
	if err := v.checkConnected(); err != nil {
		return 0, err
	}
	if v.sectorSize == 0 {
		return 0, vgerrors.NewMsg("lvdevice: volume %q has no usable devices", v.lv.Name)
	}
	sectorStart := uint64(byteOffset) / uint64(v.sectorSize)
	if uint64(byteOffset)%uint64(v.sectorSize) != 0 {
		return 0, vgerrors.NewMsg("lvdevice: offset %d is not sector-aligned (sector size %d)", byteOffset, v.sectorSize)
	}

	var transferred int
	for transferred < len(buf) {
		le := sectorStart / v.extentSize
		offInExtent := sectorStart % v.extentSize

		seg, ok := segment.FindExtent(v.lv.Segments, le)
		if !ok {
			return transferred, vgerrors.NewMsg("lvdevice: volume %q: unmapped logical extent %d", v.lv.Name, le)
		}
		if seg.Kind == segment.KindStriped {
			return transferred, vgerrors.NewMsg("striped segments are not supported for I/O")
		}

		pv := seg.Linear.PvName
		dev, ok := v.devices[pv]
		if !ok {
			return transferred, vgerrors.NewMsg("lvdevice: volume %q: unmapped physical volume %q", v.lv.Name, pv)
		}
		peStart, ok := v.peStart[pv]
		if !ok {
			return transferred, vgerrors.NewMsg("lvdevice: volume %q: no pe_start recorded for pv %q", v.lv.Name, pv)
		}

		pe := seg.Linear.PvStartExtent + (le - seg.StartExtent)
		deviceSectorOffset := peStart + pe*v.extentSize + offInExtent
		deviceByteOffset := int64(deviceSectorOffset) * int64(v.sectorSize)

		remainingSectorsInExtent := v.extentSize - offInExtent
		remainingBytes := len(buf) - transferred
		maxBytes := int(remainingSectorsInExtent) * int(v.sectorSize)
		chunk := remainingBytes
		if chunk > maxBytes {
			chunk = maxBytes
		}

		var n int
		var err error
		if write {
			n, err = dev.WriteAt(ctx, deviceByteOffset, buf[transferred:transferred+chunk])
		} else {
			n, err = dev.ReadAt(ctx, deviceByteOffset, buf[transferred:transferred+chunk])
		}
		transferred += n
		if err != nil {
			return transferred, vgerrors.Wrap(err, "lvdevice: volume %q: pv %q", v.lv.Name, pv)
		}
		if n == 0 {
			return transferred, vgerrors.NewMsg("lvdevice: volume %q: pv %q made no progress", v.lv.Name, pv)
		}
		sectorStart += uint64(n) / uint64(v.sectorSize)
	}
	return transferred, nil
}

package vg

import (
	"time"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// Extents converts a byte size to a whole extent count, rounding up, per
// the extent_size (in 512-byte sectors) recorded on meta.
func (m Metadata) Extents(bytes uint64) uint64 {
	extentBytes := m.ExtentSize * 512
	return (bytes + extentBytes - 1) / extentBytes
}

// Create builds the Op that creates a new Lv named name with size bytes,
// allocated first-fit from meta's free space. It refuses to produce an op
// if name already collides with an existing Lv, returning DuplicateLV.
// Apply itself never raises that error, since a replayed LvCreate must be
// able to find its own prior result and no-op.
func Create(meta Metadata, name string, sizeBytes uint64, host string, now time.Time) (Op, error) {
	if _, exists := meta.LvByName(name); exists {
		return Op{}, &vgerrors.DuplicateLV{Name: name}
	}
	count := meta.Extents(sizeBytes)
	allocation, err := AllocatorFind(meta, count)
	if err != nil {
		return Op{}, err
	}
	id, err := uuid.Create()
	if err != nil {
		return Op{}, vgerrors.Wrap(err, "vg: create %q", name)
	}
	segs := segment.LinearSegments(0, allocation)
	lv := Lv{
		ID:           id,
		Name:         name,
		Status:       []LvStatus{LvRead, LvWrite, LvVisible},
		CreationHost: host,
		CreationTime: now,
		Segments:     segs,
	}
	return Op{Kind: OpLvCreate, LvCreate: lv}, nil
}

// Resize builds the Op (LvExpand or LvReduce) that changes the named Lv's
// size to newSizeBytes, rounded to whole extents. Growing allocates fresh
// extents from meta's free space; shrinking simply truncates (the freed
// extents return to free_space when the Op is applied).
func Resize(meta Metadata, name string, newSizeBytes uint64, host string, now time.Time) (Op, error) {
	lv, ok := meta.LvByName(name)
	if !ok {
		return Op{}, &vgerrors.UnknownLV{Ref: name}
	}
	newCount := meta.Extents(newSizeBytes)
	current := lv.ExtentCount()

	if newCount == current {
		// No resize needed. Encode as a same-value LvSetStatus, which
		// applyLvSetStatus's equality check turns into a true no-op.
		return Op{Kind: OpLvSetStatus, ID: lv.ID, Status: lv.Status}, nil
	}
	if newCount < current {
		return Op{Kind: OpLvReduce, ID: lv.ID, NewExtentCount: newCount}, nil
	}

	grow := newCount - current
	allocation, err := AllocatorFind(meta, grow)
	if err != nil {
		return Op{}, err
	}
	segs := segment.LinearSegments(current, allocation)
	return Op{Kind: OpLvExpand, ID: lv.ID, ExpandSegments: segs}, nil
}

// Remove builds the Op that removes the named Lv. Unlike do_op's own
// LvRemove handling, this wrapper requires the Lv to currently exist,
// returning UnknownLV otherwise, so callers get a clear error for a typo'd
// name rather than a silent no-op.
func Remove(meta Metadata, name string) (Op, error) {
	lv, ok := meta.LvByName(name)
	if !ok {
		return Op{}, &vgerrors.UnknownLV{Ref: name}
	}
	return Op{Kind: OpLvRemove, ID: lv.ID}, nil
}

// Rename builds the Op that renames the named Lv to newName.
func Rename(meta Metadata, name, newName string) (Op, error) {
	lv, ok := meta.LvByName(name)
	if !ok {
		return Op{}, &vgerrors.UnknownLV{Ref: name}
	}
	if _, exists := meta.LvByName(newName); exists {
		return Op{}, &vgerrors.DuplicateLV{Name: newName}
	}
	return Op{Kind: OpLvRename, ID: lv.ID, NewName: newName}, nil
}

// AllocatorFind scans meta's Pvs in their stored order and finds n extents
// of free space first-fit, tie-breaking by the order PVs appear in the
// VG's pvs list.
func AllocatorFind(meta Metadata, n uint64) (alloc.Allocation, error) {
	ordered := orderFreeSpaceByPvsList(meta)
	return alloc.Find(ordered, n)
}

// orderFreeSpaceByPvsList rebuilds meta.FreeSpace with PV iteration order
// matching meta.Pvs, since Allocation's own internal order reflects
// whichever order entries were inserted during parsing or a prior
// operation, not necessarily the VG's canonical pvs list order.
func orderFreeSpaceByPvsList(meta Metadata) alloc.Allocation {
	ordered := alloc.New()
	for _, pv := range meta.Pvs {
		ivs := meta.FreeSpace.Intervals(pv.Name)
		if len(ivs) == 0 {
			continue
		}
		ordered = alloc.Merge(ordered, alloc.Of(map[alloc.PvName][]alloc.ExtentInterval{pv.Name: ivs}))
	}
	return ordered
}

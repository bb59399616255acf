package vg

import (
	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// OpKind discriminates the variant carried by an Op. Values are stable:
// the redo log wire-encodes them as an integer tag.
type OpKind int

const (
	OpLvCreate OpKind = iota
	OpLvExpand
	OpLvReduce
	OpLvTransfer
	OpLvRemove
	OpLvRename
	OpLvAddTag
	OpLvRemoveTag
	OpLvSetStatus
)

// Op is the sum type of every mutation Apply understands. Exactly one of
// the fields relevant to Kind is populated; this mirrors a tagged union
// with a flat, self-describing wire form rather than relying on any
// runtime reflection to serialize it.
type Op struct {
	Kind OpKind

	LvCreate Lv // OpLvCreate

	ID uuid.Uuid // OpLvExpand, OpLvReduce, OpLvRemove, OpLvRename, OpLvAddTag, OpLvRemoveTag, OpLvSetStatus

	ExpandSegments []segment.Segment // OpLvExpand
	NewExtentCount uint64            // OpLvReduce

	TransferSrc      uuid.Uuid          // OpLvTransfer
	TransferDst      uuid.Uuid          // OpLvTransfer
	TransferSegments []segment.Segment // OpLvTransfer

	NewName string // OpLvRename
	Tag     Tag    // OpLvAddTag, OpLvRemoveTag
	Status  []LvStatus
}

// Apply runs op against meta and returns the resulting Metadata. Apply is
// pure (no I/O) and idempotent: calling Apply(Apply(meta, op), op) returns
// a result equal to Apply(meta, op) whenever the first call succeeds
// (the property the redo log's replay relies on).
func Apply(meta Metadata, op Op) (Metadata, error) {
	switch op.Kind {
	case OpLvCreate:
		return applyLvCreate(meta, op.LvCreate)
	case OpLvExpand:
		return applyLvExpand(meta, op.ID, op.ExpandSegments)
	case OpLvReduce:
		return applyLvReduce(meta, op.ID, op.NewExtentCount)
	case OpLvTransfer:
		return applyLvTransfer(meta, op.TransferSrc, op.TransferDst, op.TransferSegments)
	case OpLvRemove:
		return applyLvRemove(meta, op.ID)
	case OpLvRename:
		return applyLvRename(meta, op.ID, op.NewName)
	case OpLvAddTag:
		return applyLvAddTag(meta, op.ID, op.Tag)
	case OpLvRemoveTag:
		return applyLvRemoveTag(meta, op.ID, op.Tag)
	case OpLvSetStatus:
		return applyLvSetStatus(meta, op.ID, op.Status)
	default:
		return Metadata{}, vgerrors.NewMsg("vg: unknown op kind %d", op.Kind)
	}
}

func lookupLv(meta Metadata, id uuid.Uuid) (Lv, error) {
	lv, ok := meta.Lvs[id]
	if !ok {
		return Lv{}, &vgerrors.UnknownLV{Ref: id.String()}
	}
	return lv, nil
}

// applyLvCreate installs lv whole-cloth, subtracting its allocation from
// free_space. Idempotent: if an Lv with the same id and an identical
// segment list already exists, this is a no-op (replaying the same
// creation record must not double-subtract free_space).
func applyLvCreate(meta Metadata, lv Lv) (Metadata, error) {
	if existing, ok := meta.Lvs[lv.ID]; ok {
		if segmentsEqual(existing.Segments, lv.Segments) {
			return meta, nil
		}
		return Metadata{}, vgerrors.NewMsg("vg: lv id %s already exists with different segments", lv.ID)
	}
	lvAlloc := segment.ToAllocation(lv.Segments)
	out := meta.clone()
	out.FreeSpace = alloc.Sub(meta.FreeSpace, lvAlloc)
	out.Lvs[lv.ID] = lv
	out.Seqno++
	return out, nil
}

// applyLvExpand appends segs to the named Lv's segment list, subtracting
// their allocation from free_space. Idempotent per start_extent: segments
// in segs that already exist (by start_extent) in the Lv are skipped
// rather than double-subtracted or duplicated.
func applyLvExpand(meta Metadata, id uuid.Uuid, segs []segment.Segment) (Metadata, error) {
	lv, err := lookupLv(meta, id)
	if err != nil {
		return Metadata{}, err
	}
	existingStarts := map[uint64]bool{}
	for _, s := range lv.Segments {
		existingStarts[s.StartExtent] = true
	}
	var fresh []segment.Segment
	for _, s := range segs {
		if existingStarts[s.StartExtent] {
			continue
		}
		fresh = append(fresh, s)
	}
	if len(fresh) == 0 {
		return meta, nil
	}

	newSegs := segment.Append(lv.Segments, fresh)
	if err := segment.Validate(newSegs); err != nil {
		return Metadata{}, vgerrors.Wrap(err, "vg: expanding lv %q", lv.Name)
	}

	freshAlloc := segment.ToAllocation(fresh)
	out := meta.clone()
	out.FreeSpace = alloc.Sub(meta.FreeSpace, freshAlloc)
	lv.Segments = newSegs
	out.Lvs[id] = lv
	out.Seqno++
	return out, nil
}

// applyLvReduce truncates the named Lv to newCount extents, returning the
// freed extents to free_space. Idempotent: reducing to the Lv's current
// extent count is a no-op.
func applyLvReduce(meta Metadata, id uuid.Uuid, newCount uint64) (Metadata, error) {
	lv, err := lookupLv(meta, id)
	if err != nil {
		return Metadata{}, err
	}
	if newCount == lv.ExtentCount() {
		return meta, nil
	}
	freed := segment.ToAllocation(lv.Segments)
	reduced, err := segment.ReduceSizeTo(lv.Segments, newCount)
	if err != nil {
		return Metadata{}, vgerrors.Wrap(err, "vg: reducing lv %q", lv.Name)
	}
	kept := segment.ToAllocation(reduced)
	returned := alloc.Sub(freed, kept)

	out := meta.clone()
	out.FreeSpace = alloc.Merge(meta.FreeSpace, returned)
	lv.Segments = reduced
	out.Lvs[id] = lv
	out.Seqno++
	return out, nil
}

// applyLvTransfer atomically moves segs from src's segment list to dst's.
// Both src and dst must exist; segs must currently belong to src.
func applyLvTransfer(meta Metadata, src, dst uuid.Uuid, segs []segment.Segment) (Metadata, error) {
	srcLv, err := lookupLv(meta, src)
	if err != nil {
		return Metadata{}, err
	}
	dstLv, err := lookupLv(meta, dst)
	if err != nil {
		return Metadata{}, err
	}

	moveStarts := map[uint64]bool{}
	for _, s := range segs {
		moveStarts[s.StartExtent] = true
	}
	// Idempotence: if none of segs' start_extents are present on src
	// anymore (because a prior apply already moved them), this replay is
	// a no-op; dst is not inspected.
	srcHas := false
	for _, s := range srcLv.Segments {
		if moveStarts[s.StartExtent] {
			srcHas = true
			break
		}
	}
	if !srcHas {
		return meta, nil
	}

	var remaining []segment.Segment
	for _, s := range srcLv.Segments {
		if !moveStarts[s.StartExtent] {
			remaining = append(remaining, s)
		}
	}

	out := meta.clone()
	srcLv.Segments = closeGaps(remaining)
	dstLv.Segments = segment.Append(dstLv.Segments, segs)
	if err := segment.Validate(srcLv.Segments); err != nil {
		return Metadata{}, vgerrors.Wrap(err, "vg: transferring from lv %q", srcLv.Name)
	}
	if err := segment.Validate(dstLv.Segments); err != nil {
		return Metadata{}, vgerrors.Wrap(err, "vg: transferring to lv %q", dstLv.Name)
	}
	out.Lvs[src] = srcLv
	out.Lvs[dst] = dstLv
	out.Seqno++
	return out, nil
}

// closeGaps renumbers segs' StartExtent fields to be contiguous from 0,
// preserving relative order, after segments have been removed from the
// middle of a list.
func closeGaps(segs []segment.Segment) []segment.Segment {
	out := make([]segment.Segment, len(segs))
	var le uint64
	for i, s := range segs {
		s.StartExtent = le
		out[i] = s
		le += s.ExtentCount
	}
	return out
}

// applyLvRemove deletes the Lv, returning its extents to free_space.
// Idempotent: removing a missing id is a no-op success.
func applyLvRemove(meta Metadata, id uuid.Uuid) (Metadata, error) {
	lv, ok := meta.Lvs[id]
	if !ok {
		return meta, nil
	}
	out := meta.clone()
	out.FreeSpace = alloc.Merge(meta.FreeSpace, segment.ToAllocation(lv.Segments))
	delete(out.Lvs, id)
	out.Seqno++
	return out, nil
}

// applyLvRename renames the Lv keyed by id. Idempotent: keyed by id, so
// replaying the same rename after the first apply is a no-op.
func applyLvRename(meta Metadata, id uuid.Uuid, newName string) (Metadata, error) {
	lv, err := lookupLv(meta, id)
	if err != nil {
		return Metadata{}, err
	}
	if lv.Name == newName {
		return meta, nil
	}
	if _, exists := meta.LvByName(newName); exists {
		return Metadata{}, vgerrors.NewMsg("vg: cannot rename %q to %q: name already in use", lv.Name, newName)
	}
	out := meta.clone()
	lv.Name = newName
	out.Lvs[id] = lv
	out.Seqno++
	return out, nil
}

// applyLvAddTag adds t to the Lv's tag set. Idempotent: adding an existing
// tag is a no-op.
func applyLvAddTag(meta Metadata, id uuid.Uuid, t Tag) (Metadata, error) {
	lv, err := lookupLv(meta, id)
	if err != nil {
		return Metadata{}, err
	}
	if lv.HasTag(t) {
		return meta, nil
	}
	out := meta.clone()
	lv.Tags = append(append([]Tag(nil), lv.Tags...), t)
	out.Lvs[id] = lv
	out.Seqno++
	return out, nil
}

// applyLvRemoveTag removes t from the Lv's tag set. Idempotent: removing
// an absent tag is a no-op.
func applyLvRemoveTag(meta Metadata, id uuid.Uuid, t Tag) (Metadata, error) {
	lv, err := lookupLv(meta, id)
	if err != nil {
		return Metadata{}, err
	}
	if !lv.HasTag(t) {
		return meta, nil
	}
	var kept []Tag
	for _, lt := range lv.Tags {
		if lt != t {
			kept = append(kept, lt)
		}
	}
	out := meta.clone()
	lv.Tags = kept
	out.Lvs[id] = lv
	out.Seqno++
	return out, nil
}

// applyLvSetStatus replaces the Lv's status flags wholesale. Idempotent:
// setting the same status twice is a no-op on the second apply.
func applyLvSetStatus(meta Metadata, id uuid.Uuid, status []LvStatus) (Metadata, error) {
	lv, err := lookupLv(meta, id)
	if err != nil {
		return Metadata{}, err
	}
	if statusEqual(lv.Status, status) {
		return meta, nil
	}
	out := meta.clone()
	lv.Status = append([]LvStatus(nil), status...)
	out.Lvs[id] = lv
	out.Seqno++
	return out, nil
}

func segmentsEqual(a, b []segment.Segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !segmentEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// segmentEqual compares two segments field-by-field: Segment embeds
// Striped, whose Stripes slice makes the struct non-comparable with ==.
func segmentEqual(a, b segment.Segment) bool {
	if a.StartExtent != b.StartExtent || a.ExtentCount != b.ExtentCount || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case segment.KindLinear:
		return a.Linear == b.Linear
	case segment.KindStriped:
		if a.Striped.StripeSize != b.Striped.StripeSize || len(a.Striped.Stripes) != len(b.Striped.Stripes) {
			return false
		}
		for i := range a.Striped.Stripes {
			if a.Striped.Stripes[i] != b.Striped.Stripes[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func statusEqual(a, b []LvStatus) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[LvStatus]bool{}
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

// Package segment implements the LV segment map: segments ordered by
// logical-extent start, mapping logical extents to physical extents on a
// PV, with lookup, allocation-extraction, and resize operations. The
// package operates on plain []Segment slices so the vg package (which owns
// the Lv type) can reuse it without an import cycle.
package segment

import (
	"sort"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// Kind discriminates a segment's physical mapping.
type Kind int

const (
	KindLinear Kind = iota
	KindStriped
)

// Linear is the physical target of a Linear segment.
type Linear struct {
	PvName        alloc.PvName
	PvStartExtent uint64
}

// Stripe is one (pv, offset) pair of a striped segment.
type Stripe struct {
	PvName        alloc.PvName
	PvStartExtent uint64
}

// Striped is parsed/emitted but never used for I/O: lvdevice returns
// Msg("striped segments are not supported for I/O") for any read/write
// that lands on one.
type Striped struct {
	StripeSize uint64
	Stripes    []Stripe
}

// Segment is one contiguous run of logical extents, mapped either linearly
// or (parse/emit only) via striping.
type Segment struct {
	StartExtent uint64
	ExtentCount uint64
	Kind        Kind
	Linear      Linear
	Striped     Striped
}

func (s Segment) EndExtent() uint64 { return s.StartExtent + s.ExtentCount }

// Validate checks that segs is sorted, gapless, starts at 0, and contains
// no zero-length segment, the invariant required after every operation.
func Validate(segs []Segment) error {
	var next uint64
	for i, s := range segs {
		if s.ExtentCount == 0 {
			return vgerrors.NewMsg("segment: segment %d has zero extent_count", i)
		}
		if s.StartExtent != next {
			return vgerrors.NewMsg("segment: segment %d starts at %d, expected %d (gap or overlap)", i, s.StartExtent, next)
		}
		next = s.EndExtent()
	}
	return nil
}

// FindExtent binary-searches segs for the segment whose half-open interval
// [start_extent, start_extent+extent_count) contains le. Returns (seg, true)
// or (zero, false) when le is beyond the LV's total extents.
func FindExtent(segs []Segment, le uint64) (Segment, bool) {
	lo, hi := 0, len(segs)
	for lo < hi {
		mid := (lo + hi) / 2
		s := segs[mid]
		switch {
		case le < s.StartExtent:
			hi = mid
		case le >= s.EndExtent():
			lo = mid + 1
		default:
			return s, true
		}
	}
	return Segment{}, false
}

// TotalExtents returns the LV's extent count (the end of the last segment).
func TotalExtents(segs []Segment) uint64 {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].EndExtent()
}

// ToAllocation returns the union of physical extents segs occupies: one
// interval per Linear segment's PV, and (for Striped, parse/emit only)
// each stripe's extents rounded up to a multiple of the stripe count.
func ToAllocation(segs []Segment) alloc.Allocation {
	entries := map[alloc.PvName][]alloc.ExtentInterval{}
	for _, s := range segs {
		switch s.Kind {
		case KindLinear:
			entries[s.Linear.PvName] = append(entries[s.Linear.PvName], alloc.ExtentInterval{
				Start: s.Linear.PvStartExtent,
				Count: s.ExtentCount,
			})
		case KindStriped:
			stripeCount := uint64(len(s.Striped.Stripes))
			if stripeCount == 0 {
				continue
			}
			perStripe := (s.ExtentCount + stripeCount - 1) / stripeCount
			for _, st := range s.Striped.Stripes {
				entries[st.PvName] = append(entries[st.PvName], alloc.ExtentInterval{
					Start: st.PvStartExtent,
					Count: perStripe,
				})
			}
		}
	}
	return alloc.Of(entries)
}

// ReduceSizeTo truncates segs to newCount extents, shortening the last
// retained segment to close the gap exactly. Fails if newCount exceeds the
// LV's current extent total.
func ReduceSizeTo(segs []Segment, newCount uint64) ([]Segment, error) {
	total := TotalExtents(segs)
	if newCount > total {
		return nil, vgerrors.NewMsg("segment: cannot reduce to %d extents, only %d present", newCount, total)
	}
	if newCount == total {
		return append([]Segment(nil), segs...), nil
	}
	var out []Segment
	for _, s := range segs {
		if s.StartExtent >= newCount {
			break
		}
		if s.EndExtent() <= newCount {
			out = append(out, s)
			continue
		}
		truncated := s
		truncated.ExtentCount = newCount - s.StartExtent
		if truncated.Kind == KindStriped {
			// Striped segments are only parsed/emitted, never resized for
			// I/O purposes in this engine; truncate the logical extent
			// count only and leave the stripe table as-is.
			truncated.Striped = s.Striped
		}
		out = append(out, truncated)
		break
	}
	return out, nil
}

// LinearSegments builds a sorted, gapless list of Linear segments starting at
// startLE, one segment per (pv, interval) pair of allocation, ordered by
// the allocation's PV order and then by interval start.
func LinearSegments(startLE uint64, allocation alloc.Allocation) []Segment {
	var out []Segment
	le := startLE
	for _, pv := range allocation.PVs() {
		ivs := allocation.Intervals(pv)
		sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
		for _, iv := range ivs {
			out = append(out, Segment{
				StartExtent: le,
				ExtentCount: iv.Count,
				Kind:        KindLinear,
				Linear:      Linear{PvName: pv, PvStartExtent: iv.Start},
			})
			le += iv.Count
		}
	}
	return out
}

// Append returns segs with extra appended, renumbering extra's
// StartExtent fields to continue directly after segs (used by LvExpand).
func Append(segs []Segment, extra []Segment) []Segment {
	le := TotalExtents(segs)
	out := append([]Segment(nil), segs...)
	for _, s := range extra {
		s.StartExtent = le
		out = append(out, s)
		le += s.ExtentCount
	}
	return out
}

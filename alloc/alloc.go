// Package alloc implements the content-addressed free-extent allocator: a
// PV-name-keyed model of free space with merge/subtract/find operations
// over ExtentInterval lists.
package alloc

import (
	"sort"

	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// PvName is the stable key identifying a physical volume in an allocation.
type PvName string

// ExtentInterval is a half-open run of extents [Start, Start+Count).
type ExtentInterval struct {
	Start uint64
	Count uint64
}

func (i ExtentInterval) End() uint64 { return i.Start + i.Count }

func (i ExtentInterval) overlaps(j ExtentInterval) bool {
	return i.Start < j.End() && j.Start < i.End()
}

// Overlaps reports whether i and j share any extent.
func (i ExtentInterval) Overlaps(j ExtentInterval) bool {
	return i.overlaps(j)
}

func (i ExtentInterval) adjacent(j ExtentInterval) bool {
	return i.End() == j.Start || j.End() == i.Start
}

// Allocation is an ordered sequence of (PvName, ExtentInterval) pairs. In
// canonical form, a given PvName appears at most once per disjoint run: all
// intervals for one PV are merged and sorted, and PVs are ordered by the
// order they were first seen (vg.AllocatorFind rebuilds an allocation in
// the VG's pvs-list order before searching it).
type Allocation struct {
	// order keeps first-seen PV ordering stable for deterministic output.
	order   []PvName
	byPV    map[PvName][]ExtentInterval
}

// New returns an empty allocation.
func New() Allocation {
	return Allocation{byPV: map[PvName][]ExtentInterval{}}
}

// Create returns a single-interval allocation [0, peCount) on name, the
// "whole PV free" allocation used when formatting a fresh PV.
func Create(name PvName, peCount uint64) Allocation {
	a := New()
	if peCount == 0 {
		return a
	}
	a.order = []PvName{name}
	a.byPV[name] = []ExtentInterval{{Start: 0, Count: peCount}}
	return a
}

// Of builds an allocation from an explicit set of per-PV intervals,
// canonicalizing as it goes. Used by callers constructing allocations from
// parsed segment tables.
func Of(entries map[PvName][]ExtentInterval) Allocation {
	a := New()
	for name, ivs := range entries {
		for _, iv := range ivs {
			if iv.Count > 0 {
				a = a.add(name, iv)
			}
		}
	}
	return a
}

// PVs returns the PV names touched by this allocation, in first-seen order.
func (a Allocation) PVs() []PvName {
	return append([]PvName(nil), a.order...)
}

// Intervals returns the canonical (sorted, merged) intervals for name.
func (a Allocation) Intervals(name PvName) []ExtentInterval {
	return append([]ExtentInterval(nil), a.byPV[name]...)
}

// Total returns the total extent count across all PVs.
func (a Allocation) Total() uint64 {
	var total uint64
	for _, ivs := range a.byPV {
		for _, iv := range ivs {
			total += iv.Count
		}
	}
	return total
}

// IsEmpty reports whether the allocation has zero extents.
func (a Allocation) IsEmpty() bool {
	return a.Total() == 0
}

// add inserts iv under name, merging with any overlapping/adjacent existing
// intervals, and returns the updated (still canonical) allocation.
func (a Allocation) add(name PvName, iv ExtentInterval) Allocation {
	if iv.Count == 0 {
		return a
	}
	out := a.clone()
	existing, ok := out.byPV[name]
	if !ok {
		out.order = append(out.order, name)
	}
	existing = append(existing, iv)
	out.byPV[name] = canonicalize(existing)
	return out
}

func (a Allocation) clone() Allocation {
	out := Allocation{byPV: make(map[PvName][]ExtentInterval, len(a.byPV))}
	out.order = append([]PvName(nil), a.order...)
	for k, v := range a.byPV {
		out.byPV[k] = append([]ExtentInterval(nil), v...)
	}
	return out
}

func canonicalize(ivs []ExtentInterval) []ExtentInterval {
	filtered := ivs[:0:0]
	for _, iv := range ivs {
		if iv.Count > 0 {
			filtered = append(filtered, iv)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Start < filtered[j].Start })

	var merged []ExtentInterval
	for _, iv := range filtered {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if iv.Start <= last.End() {
				if iv.End() > last.End() {
					last.Count = iv.End() - last.Start
				}
				continue
			}
		}
		merged = append(merged, iv)
	}
	return merged
}

// Merge returns the canonical union of a and b.
func Merge(a, b Allocation) Allocation {
	out := a
	for _, name := range b.order {
		for _, iv := range b.byPV[name] {
			out = out.add(name, iv)
		}
	}
	return out
}

// Sub returns a \ b, canonical. It is undefined (and panics, as a
// fail-fast programmer-error check) if b is not a subset of a, i.e. if b
// claims extents a does not have free for that PV.
func Sub(a, b Allocation) Allocation {
	out := New()
	for _, name := range a.order {
		remaining := subtractIntervals(a.byPV[name], b.byPV[name], name)
		if len(remaining) > 0 {
			out.order = append(out.order, name)
			out.byPV[name] = remaining
		}
	}
	return out
}

func subtractIntervals(from, remove []ExtentInterval, name PvName) []ExtentInterval {
	result := append([]ExtentInterval(nil), from...)
	for _, r := range remove {
		if r.Count == 0 {
			continue
		}
		contained := false
		for _, iv := range result {
			if iv.Start <= r.Start && r.End() <= iv.End() {
				contained = true
				break
			}
		}
		if !contained {
			panic(vgerrors.NewMsg("alloc: sub: %v is not a subset of free space on %s", r, name))
		}
		var next []ExtentInterval
		for _, iv := range result {
			if !iv.overlaps(r) {
				next = append(next, iv)
				continue
			}
			if r.Start <= iv.Start && r.End() >= iv.End() {
				continue // fully removed
			}
			if r.Start > iv.Start {
				next = append(next, ExtentInterval{Start: iv.Start, Count: r.Start - iv.Start})
			}
			if r.End() < iv.End() {
				next = append(next, ExtentInterval{Start: r.End(), Count: iv.End() - r.End()})
			}
		}
		result = next
	}
	return canonicalize(result)
}

// Find scans PVs in the order they appear in a (which callers should build
// to match the VG's pvs list order), and within each PV scans intervals in
// ascending start order, accumulating extents first-fit until n is reached.
// It does not mutate a. If the total free space is less than n, it returns
// an OnlyThisMuchFree error.
func Find(free Allocation, n uint64) (Allocation, error) {
	if n == 0 {
		return New(), nil
	}
	chosen := New()
	var gathered uint64
	for _, name := range free.order {
		if gathered >= n {
			break
		}
		for _, iv := range free.byPV[name] {
			if gathered >= n {
				break
			}
			need := n - gathered
			take := iv.Count
			if take > need {
				take = need
			}
			chosen = chosen.add(name, ExtentInterval{Start: iv.Start, Count: take})
			gathered += take
		}
	}
	if gathered < n {
		return New(), &vgerrors.OnlyThisMuchFree{Needed: n, Available: free.Total()}
	}
	return chosen, nil
}

// Package vg implements the volume group model: the Metadata value, the Lv
// record it contains, and the pure, idempotent operations that mutate it.
// The package is suspension-free; all I/O (reading devices, writing
// metadata text) lives in the session and pvlabel packages.
package vg

import (
	"time"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// Tag is a bounded ASCII label attached to an Lv.
type Tag string

const maxTagLen = 128

// TagOf validates s as a Tag: non-empty, ASCII, at most maxTagLen bytes.
func TagOf(s string) (Tag, error) {
	if s == "" {
		return "", vgerrors.NewMsg("vg: tag must not be empty")
	}
	if len(s) > maxTagLen {
		return "", vgerrors.NewMsg("vg: tag %q exceeds %d characters", s, maxTagLen)
	}
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return "", vgerrors.NewMsg("vg: tag %q contains non-ASCII byte", s)
		}
	}
	return Tag(s), nil
}

// LvStatus is one of the flags an Lv may carry.
type LvStatus int

const (
	LvRead LvStatus = iota
	LvWrite
	LvVisible
)

func (s LvStatus) String() string {
	switch s {
	case LvRead:
		return "READ"
	case LvWrite:
		return "WRITE"
	case LvVisible:
		return "VISIBLE"
	default:
		return "UNKNOWN"
	}
}

// VgStatus is one of the flags a Metadata may carry.
type VgStatus int

const (
	VgRead VgStatus = iota
	VgWrite
	VgResizeable
	VgClustered
)

func (s VgStatus) String() string {
	switch s {
	case VgRead:
		return "READ"
	case VgWrite:
		return "WRITE"
	case VgResizeable:
		return "RESIZEABLE"
	case VgClustered:
		return "CLUSTERED"
	default:
		return "UNKNOWN"
	}
}

// Lv is a logical volume: a name, an identity, a set of status flags and
// tags, and the segment map translating its logical extents to physical
// ones.
type Lv struct {
	ID           uuid.Uuid
	Name         string
	Tags         []Tag
	Status       []LvStatus
	CreationHost string
	CreationTime time.Time
	Segments     []segment.Segment
}

func (lv Lv) HasStatus(s LvStatus) bool {
	for _, st := range lv.Status {
		if st == s {
			return true
		}
	}
	return false
}

func (lv Lv) HasTag(t Tag) bool {
	for _, lt := range lv.Tags {
		if lt == t {
			return true
		}
	}
	return false
}

// ExtentCount is the Lv's total logical extent count.
func (lv Lv) ExtentCount() uint64 {
	return segment.TotalExtents(lv.Segments)
}

// Pv is a physical volume as recorded in a VG's metadata: its identity,
// the device it's bound to (by name, resolved by the session), and the
// extent range available for allocation.
type Pv struct {
	ID       uuid.Uuid
	Name     alloc.PvName
	Device   string
	Status   []VgStatus
	PeStart  uint64
	PeCount  uint64
}

// Metadata is the immutable value describing a volume group at one point
// in time. Every mutation (via Apply) produces a new Metadata; the caller
// is responsible for publishing it.
type Metadata struct {
	Name         string
	ID           uuid.Uuid
	CreationHost string
	CreationTime time.Time
	Seqno        uint32
	Status       []VgStatus
	ExtentSize   uint64 // in 512-byte sectors
	MaxLv        uint32
	MaxPv        uint32
	Pvs          []Pv
	Lvs          map[uuid.Uuid]Lv
	FreeSpace    alloc.Allocation
}

// LvByName returns the Lv named name, if present.
func (m Metadata) LvByName(name string) (Lv, bool) {
	for _, lv := range m.Lvs {
		if lv.Name == name {
			return lv, true
		}
	}
	return Lv{}, false
}

// PvByName returns the Pv named name, if present.
func (m Metadata) PvByName(name alloc.PvName) (Pv, bool) {
	for _, pv := range m.Pvs {
		if pv.Name == name {
			return pv, true
		}
	}
	return Pv{}, false
}

// clone returns a shallow copy of m with its own Lvs map and Pvs/Status
// slices, so mutations build a new value rather than aliasing m's.
func (m Metadata) clone() Metadata {
	out := m
	out.Lvs = make(map[uuid.Uuid]Lv, len(m.Lvs))
	for id, lv := range m.Lvs {
		out.Lvs[id] = lv
	}
	out.Pvs = append([]Pv(nil), m.Pvs...)
	out.Status = append([]VgStatus(nil), m.Status...)
	return out
}

// Validate checks the global invariants a single Metadata value can show
// after a successful operation: free_space and the Lv allocations
// partition the PVs' extents, every Lv references known PVs, and Lv names
// and ids are distinct. Seqno monotonicity spans two values and is not
// checked here.
func (m Metadata) Validate() error {
	// Invariant 1: free_space and every Lv's allocation partition the
	// union of all PVs' extents.
	used := map[alloc.PvName][]alloc.ExtentInterval{}
	for _, lv := range m.Lvs {
		lvAlloc := segment.ToAllocation(lv.Segments)
		for _, pvName := range lvAlloc.PVs() {
			if _, ok := m.PvByName(pvName); !ok {
				return vgerrors.NewMsg("vg: lv %q references unknown pv %q", lv.Name, pvName)
			}
			used[pvName] = append(used[pvName], lvAlloc.Intervals(pvName)...)
		}
	}
	usedAlloc := alloc.Of(used)
	combined := alloc.Merge(usedAlloc, m.FreeSpace)
	for _, pv := range m.Pvs {
		combinedExtents := uint64(0)
		for _, iv := range combined.Intervals(pv.Name) {
			combinedExtents += iv.Count
		}
		if combinedExtents != pv.PeCount {
			return vgerrors.NewMsg("vg: free_space+allocations on pv %q total %d extents, want %d", pv.Name, combinedExtents, pv.PeCount)
		}
	}
	for _, pvName := range usedAlloc.PVs() {
		for _, iv := range usedAlloc.Intervals(pvName) {
			for _, free := range m.FreeSpace.Intervals(pvName) {
				if iv.Overlaps(free) {
					return vgerrors.NewMsg("vg: pv %q has overlapping allocated and free extents", pvName)
				}
			}
		}
	}

	// Invariant 3: distinct names, distinct ids (map keys already
	// guarantee distinct ids).
	seenNames := map[string]bool{}
	for id, lv := range m.Lvs {
		if lv.ID != id {
			return vgerrors.NewMsg("vg: lv %q stored under mismatched id", lv.Name)
		}
		if seenNames[lv.Name] {
			return vgerrors.NewMsg("vg: duplicate lv name %q", lv.Name)
		}
		seenNames[lv.Name] = true
		if err := segment.Validate(lv.Segments); err != nil {
			return vgerrors.Wrap(err, "vg: lv %q", lv.Name)
		}
	}
	return nil
}

package vg

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/configsyntax"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

const generatedByComment = "# Generated by MLVM version 0.1: "

// EmitText renders meta in the LVM2 textual metadata format: a block
// keyed by the VG name holding its fields, followed by the document-level
// attributes every LVM2-compatible metadata text carries.
func EmitText(meta Metadata) string {
	var b strings.Builder
	configsyntax.EmitField(&b, meta.Name, vgNode(meta), 0)
	b.WriteByte('\n')
	b.WriteString(generatedByComment)
	b.WriteString(meta.Name)
	b.WriteByte('\n')
	configsyntax.EmitField(&b, "contents", configsyntax.String("Text Format Volume Group"), 0)
	configsyntax.EmitField(&b, "version", configsyntax.Int(1), 0)
	b.WriteByte('\n')
	configsyntax.EmitField(&b, "description", configsyntax.String(""), 0)
	b.WriteByte('\n')
	configsyntax.EmitField(&b, "creation_host", configsyntax.String(meta.CreationHost), 0)
	configsyntax.EmitField(&b, "creation_time", configsyntax.Int(meta.CreationTime.Unix()), 0)
	return b.String()
}

func vgNode(meta Metadata) configsyntax.Node {
	fields := []configsyntax.Field{
		{Key: "id", Value: configsyntax.String(meta.ID.String())},
		{Key: "seqno", Value: configsyntax.Int(int64(meta.Seqno))},
		{Key: "status", Value: statusArray(meta.Status)},
		{Key: "extent_size", Value: configsyntax.Int(int64(meta.ExtentSize))},
		{Key: "max_lv", Value: configsyntax.Int(int64(meta.MaxLv))},
		{Key: "max_pv", Value: configsyntax.Int(int64(meta.MaxPv))},
		{Key: "physical_volumes", Value: physicalVolumesNode(meta.Pvs)},
		{Key: "logical_volumes", Value: logicalVolumesNode(meta.Lvs)},
	}
	return configsyntax.Struct(fields...)
}

func statusArray[T fmt.Stringer](status []T) configsyntax.Node {
	elems := make([]configsyntax.Node, len(status))
	for i, s := range status {
		elems[i] = configsyntax.String(s.String())
	}
	return configsyntax.Array(elems...)
}

func physicalVolumesNode(pvs []Pv) configsyntax.Node {
	fields := make([]configsyntax.Field, len(pvs))
	for i, pv := range pvs {
		pvFields := []configsyntax.Field{
			{Key: "id", Value: configsyntax.String(pv.ID.String())},
			{Key: "device", Value: configsyntax.String(pv.Device)},
			{Key: "status", Value: statusArray(pv.Status)},
			{Key: "pe_start", Value: configsyntax.Int(int64(pv.PeStart))},
			{Key: "pe_count", Value: configsyntax.Int(int64(pv.PeCount))},
		}
		fields[i] = configsyntax.Field{Key: string(pv.Name), Value: configsyntax.Struct(pvFields...)}
	}
	return configsyntax.Struct(fields...)
}

func logicalVolumesNode(lvs map[uuid.Uuid]Lv) configsyntax.Node {
	ordered := make([]Lv, 0, len(lvs))
	for _, lv := range lvs {
		ordered = append(ordered, lv)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	fields := make([]configsyntax.Field, len(ordered))
	for i, lv := range ordered {
		fields[i] = configsyntax.Field{Key: lv.Name, Value: lvNode(lv)}
	}
	return configsyntax.Struct(fields...)
}

func lvNode(lv Lv) configsyntax.Node {
	fields := []configsyntax.Field{
		{Key: "id", Value: configsyntax.String(lv.ID.String())},
		{Key: "status", Value: statusArray(lv.Status)},
	}
	if len(lv.Tags) > 0 {
		elems := make([]configsyntax.Node, len(lv.Tags))
		for i, t := range lv.Tags {
			elems[i] = configsyntax.String(string(t))
		}
		fields = append(fields, configsyntax.Field{Key: "tags", Value: configsyntax.Array(elems...)})
	}
	fields = append(fields, configsyntax.Field{Key: "segment_count", Value: configsyntax.Int(int64(len(lv.Segments)))})
	for i, s := range lv.Segments {
		fields = append(fields, configsyntax.Field{
			Key:   fmt.Sprintf("segment%d", i+1),
			Value: segmentNode(s),
		})
	}
	return configsyntax.Struct(fields...)
}

func segmentNode(s segment.Segment) configsyntax.Node {
	fields := []configsyntax.Field{
		{Key: "start_extent", Value: configsyntax.Int(int64(s.StartExtent))},
		{Key: "extent_count", Value: configsyntax.Int(int64(s.ExtentCount))},
		{Key: "type", Value: configsyntax.String("striped")},
	}
	switch s.Kind {
	case segment.KindLinear:
		fields = append(fields,
			configsyntax.Field{Key: "stripe_count", Value: configsyntax.Int(1)},
			configsyntax.Field{Key: "stripes", Value: configsyntax.Array(
				configsyntax.String(string(s.Linear.PvName)),
				configsyntax.Int(int64(s.Linear.PvStartExtent)),
			)},
		)
	case segment.KindStriped:
		stripeElems := make([]configsyntax.Node, 0, len(s.Striped.Stripes)*2)
		for _, st := range s.Striped.Stripes {
			stripeElems = append(stripeElems,
				configsyntax.String(string(st.PvName)),
				configsyntax.Int(int64(st.PvStartExtent)),
			)
		}
		fields = append(fields,
			configsyntax.Field{Key: "stripe_count", Value: configsyntax.Int(int64(len(s.Striped.Stripes)))},
			configsyntax.Field{Key: "stripe_size", Value: configsyntax.Int(int64(s.Striped.StripeSize))},
			configsyntax.Field{Key: "stripes", Value: configsyntax.Array(stripeElems...)},
		)
	}
	return configsyntax.Struct(fields...)
}

// ParseText parses LVM2 textual metadata into a Metadata value. vgName
// names the expected top-level block key (the caller typically already
// knows it from context, e.g. a prior connect).
func ParseText(src []byte, vgName string) (Metadata, error) {
	root, err := configsyntax.Parse(src, "metadata")
	if err != nil {
		return Metadata{}, err
	}
	rootView, err := root.ExpectStruct("")
	if err != nil {
		return Metadata{}, err
	}
	vgStruct, err := rootView.ExpectMappedStruct(vgName)
	if err != nil {
		return Metadata{}, err
	}

	id, err := expectUuid(vgStruct, "id")
	if err != nil {
		return Metadata{}, err
	}
	seqno, err := vgStruct.ExpectMappedInt("seqno")
	if err != nil {
		return Metadata{}, err
	}
	status, err := parseStatusArray(vgStruct, "status", parseVgStatus)
	if err != nil {
		return Metadata{}, err
	}
	extentSize, err := vgStruct.ExpectMappedInt("extent_size")
	if err != nil {
		return Metadata{}, err
	}
	maxLv, err := vgStruct.ExpectMappedInt("max_lv")
	if err != nil {
		return Metadata{}, err
	}
	maxPv, err := vgStruct.ExpectMappedInt("max_pv")
	if err != nil {
		return Metadata{}, err
	}
	pvsStruct, err := vgStruct.ExpectMappedStruct("physical_volumes")
	if err != nil {
		return Metadata{}, err
	}
	pvs, err := parsePvs(pvsStruct)
	if err != nil {
		return Metadata{}, err
	}
	lvsStruct, err := vgStruct.ExpectMappedStruct("logical_volumes")
	if err != nil {
		return Metadata{}, err
	}
	lvs, err := parseLvs(lvsStruct)
	if err != nil {
		return Metadata{}, err
	}

	creationHost, _ := rootView.ExpectMappedString("creation_host")
	creationTimeUnix, _ := rootView.ExpectMappedInt("creation_time")

	meta := Metadata{
		Name:         vgName,
		ID:           id,
		CreationHost: creationHost,
		CreationTime: time.Unix(creationTimeUnix, 0).UTC(),
		Seqno:        uint32(seqno),
		Status:       status,
		ExtentSize:   uint64(extentSize),
		MaxLv:        uint32(maxLv),
		MaxPv:        uint32(maxPv),
		Pvs:          pvs,
		Lvs:          lvs,
	}
	meta.FreeSpace = computeFreeSpace(meta)
	return meta, nil
}

// computeFreeSpace rebuilds free_space as the union of every PV's full
// extent range minus every LV's current allocation.
func computeFreeSpace(meta Metadata) alloc.Allocation {
	full := map[alloc.PvName][]alloc.ExtentInterval{}
	for _, pv := range meta.Pvs {
		if pv.PeCount > 0 {
			full[pv.Name] = []alloc.ExtentInterval{{Start: 0, Count: pv.PeCount}}
		}
	}
	fullAlloc := alloc.Of(full)
	used := map[alloc.PvName][]alloc.ExtentInterval{}
	for _, lv := range meta.Lvs {
		lvAlloc := segment.ToAllocation(lv.Segments)
		for _, pvName := range lvAlloc.PVs() {
			used[pvName] = append(used[pvName], lvAlloc.Intervals(pvName)...)
		}
	}
	return alloc.Sub(fullAlloc, alloc.Of(used))
}

func expectUuid(sv configsyntax.StructView, key string) (uuid.Uuid, error) {
	s, err := sv.ExpectMappedString(key)
	if err != nil {
		return uuid.Uuid{}, err
	}
	return uuid.OfString(s)
}

func parseStatusArray[T any](sv configsyntax.StructView, key string, parse func(string) (T, error)) ([]T, error) {
	elems, err := sv.ExpectMappedArray(key)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(elems))
	for _, e := range elems {
		s, err := e.AsString()
		if err != nil {
			return nil, vgerrors.Wrap(err, "vg: parsing %s", key)
		}
		v, err := parse(s)
		if err != nil {
			return nil, vgerrors.Wrap(err, "vg: parsing %s", key)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseVgStatus(s string) (VgStatus, error) {
	switch s {
	case "READ":
		return VgRead, nil
	case "WRITE":
		return VgWrite, nil
	case "RESIZEABLE":
		return VgResizeable, nil
	case "CLUSTERED":
		return VgClustered, nil
	default:
		return 0, vgerrors.NewMsg("vg: unknown vg status %q", s)
	}
}

func parseLvStatus(s string) (LvStatus, error) {
	switch s {
	case "READ":
		return LvRead, nil
	case "WRITE":
		return LvWrite, nil
	case "VISIBLE":
		return LvVisible, nil
	default:
		return 0, vgerrors.NewMsg("vg: unknown lv status %q", s)
	}
}

func parsePvs(sv configsyntax.StructView) ([]Pv, error) {
	var out []Pv
	for _, f := range sv.Fields() {
		pvStruct, err := f.Value.ExpectStruct("physical_volumes." + f.Key)
		if err != nil {
			return nil, err
		}
		id, err := expectUuid(pvStruct, "id")
		if err != nil {
			return nil, err
		}
		device, err := pvStruct.ExpectMappedString("device")
		if err != nil {
			return nil, err
		}
		status, err := parseStatusArray(pvStruct, "status", parseVgStatus)
		if err != nil {
			return nil, err
		}
		peStart, err := pvStruct.ExpectMappedInt("pe_start")
		if err != nil {
			return nil, err
		}
		peCount, err := pvStruct.ExpectMappedInt("pe_count")
		if err != nil {
			return nil, err
		}
		out = append(out, Pv{
			ID:      id,
			Name:    alloc.PvName(f.Key),
			Device:  device,
			Status:  status,
			PeStart: uint64(peStart),
			PeCount: uint64(peCount),
		})
	}
	return out, nil
}

func parseLvs(sv configsyntax.StructView) (map[uuid.Uuid]Lv, error) {
	out := map[uuid.Uuid]Lv{}
	for _, f := range sv.Fields() {
		lvStruct, err := f.Value.ExpectStruct("logical_volumes." + f.Key)
		if err != nil {
			return nil, err
		}
		id, err := expectUuid(lvStruct, "id")
		if err != nil {
			return nil, err
		}
		status, err := parseStatusArray(lvStruct, "status", parseLvStatus)
		if err != nil {
			return nil, err
		}
		var tags []Tag
		if lvStruct.Has("tags") {
			strs, err := parseStatusArray(lvStruct, "tags", func(s string) (Tag, error) { return TagOf(s) })
			if err != nil {
				return nil, err
			}
			tags = strs
		}
		segCount, err := lvStruct.ExpectMappedInt("segment_count")
		if err != nil {
			return nil, err
		}
		segs := make([]segment.Segment, 0, segCount)
		for i := 1; i <= int(segCount); i++ {
			key := fmt.Sprintf("segment%d", i)
			segStruct, err := lvStruct.ExpectMappedStruct(key)
			if err != nil {
				return nil, err
			}
			s, err := parseSegment(segStruct)
			if err != nil {
				return nil, err
			}
			segs = append(segs, s)
		}
		out[id] = Lv{
			ID:     id,
			Name:   f.Key,
			Tags:   tags,
			Status: status,
			Segments: segs,
		}
	}
	return out, nil
}

func parseSegment(sv configsyntax.StructView) (segment.Segment, error) {
	startExtent, err := sv.ExpectMappedInt("start_extent")
	if err != nil {
		return segment.Segment{}, err
	}
	extentCount, err := sv.ExpectMappedInt("extent_count")
	if err != nil {
		return segment.Segment{}, err
	}
	stripeCount, err := sv.ExpectMappedInt("stripe_count")
	if err != nil {
		return segment.Segment{}, err
	}
	stripeElems, err := sv.ExpectMappedArray("stripes")
	if err != nil {
		return segment.Segment{}, err
	}
	if len(stripeElems)%2 != 0 {
		return segment.Segment{}, vgerrors.NewMsg("vg: stripes array has odd length")
	}

	type pair struct {
		name alloc.PvName
		off  uint64
	}
	pairs := make([]pair, 0, len(stripeElems)/2)
	for i := 0; i < len(stripeElems); i += 2 {
		name, err := stripeElems[i].AsString()
		if err != nil {
			return segment.Segment{}, err
		}
		off, err := stripeElems[i+1].AsInt()
		if err != nil {
			return segment.Segment{}, err
		}
		pairs = append(pairs, pair{name: alloc.PvName(name), off: uint64(off)})
	}

	base := segment.Segment{StartExtent: uint64(startExtent), ExtentCount: uint64(extentCount)}
	if stripeCount == 1 {
		if len(pairs) != 1 {
			return segment.Segment{}, vgerrors.NewMsg("vg: linear segment must have exactly one stripe entry")
		}
		base.Kind = segment.KindLinear
		base.Linear = segment.Linear{PvName: pairs[0].name, PvStartExtent: pairs[0].off}
		return base, nil
	}

	stripeSize, err := sv.ExpectMappedInt("stripe_size")
	if err != nil {
		return segment.Segment{}, err
	}
	stripes := make([]segment.Stripe, len(pairs))
	for i, p := range pairs {
		stripes[i] = segment.Stripe{PvName: p.name, PvStartExtent: p.off}
	}
	base.Kind = segment.KindStriped
	base.Striped = segment.Striped{StripeSize: uint64(stripeSize), Stripes: stripes}
	return base, nil
}

// Package session implements the VG session (C8): opening a set of block
// devices as one volume group, caching its metadata, serializing mutations
// through a mutex, and driving the redo log and write-through to the LVM
// metadata areas.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/simonjbeaumont/mirage-block-volume/alloc"
	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/configsyntax"
	"github.com/simonjbeaumont/mirage-block-volume/lvdevice"
	"github.com/simonjbeaumont/mirage-block-volume/pvlabel"
	"github.com/simonjbeaumont/mirage-block-volume/redolog"
	"github.com/simonjbeaumont/mirage-block-volume/segment"
	"github.com/simonjbeaumont/mirage-block-volume/uuid"
	"github.com/simonjbeaumont/mirage-block-volume/vg"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

const (
	// RedoLvName is the reserved name of the dedicated redo-log LV. The
	// session refuses ordinary LV operations targeting it by name.
	RedoLvName = "mirage_block_volume_redo_log"
	// RedoLvSize is the redo-log LV's fixed size.
	RedoLvSize uint64 = 32 * 1024 * 1024

	// defaultExtentSize is 4 MiB expressed in 512-byte sectors, matching
	// LVM2's own default.
	defaultExtentSize uint64 = 8192

	mdaAreaSize = 1 << 20

	eraseChunkBytes = 64 << 10
)

var mdaOffset = uint64(pvlabel.LabelSector*pvlabel.SectorSize + pvlabel.SectorSize)

// Mode is the access mode a session was connected or formatted with.
type Mode int

const (
	ModeRW Mode = iota
	ModeRO
)

// Options configures Connect and Format, decoded from a generic map via
// mapstructure rather than by hand-assigning each field.
type Options struct {
	FlushInterval float64 `mapstructure:"flush_interval"`
	Mode          string  `mapstructure:"mode"`
}

// DecodeOptions decodes raw into Options, applying the defaults
// (flush_interval=120s, mode="RW") for any key raw omits or for a nil map,
// the way builder configs are decoded from a generic map via mapstructure
// rather than by hand-assigning each field.
func DecodeOptions(raw map[string]interface{}) (Options, error) {
	opts := Options{FlushInterval: 120.0, Mode: "RW"}
	if raw == nil {
		return opts, nil
	}
	if err := mapstructure.Decode(raw, &opts); err != nil {
		return Options{}, vgerrors.Wrap(err, "session: decoding options")
	}
	return opts, nil
}

func (o Options) mode() (Mode, error) {
	switch o.Mode {
	case "", "RW":
		return ModeRW, nil
	case "RO":
		return ModeRO, nil
	default:
		return 0, vgerrors.NewMsg("session: unknown mode %q", o.Mode)
	}
}

func (o Options) flushInterval() time.Duration {
	if o.FlushInterval <= 0 {
		return 120 * time.Second
	}
	return time.Duration(o.FlushInterval * float64(time.Second))
}

// Session owns a set of block devices opened as one volume group: the
// mutable metadata cell, the redo-log handle (if the VG carries one), and
// the devices themselves. LV block-device handles (lvdevice.Volume) hold a
// copy of their own Lv record plus weak (by-name) references to these
// devices; they do not own them.
type Session struct {
	mu       sync.Mutex // serializes Update so metadata mutations apply in a single total order
	metadata atomic.Pointer[vg.Metadata]

	devices map[alloc.PvName]blockdev.Block
	mdas    map[alloc.PvName]pvlabel.MdaHeader
	locks   []*flock.Flock

	magic   pvlabel.Magic
	mode    Mode
	logger  hclog.Logger
	redoLog *redolog.Journal
	redoVol *lvdevice.Volume

	flushInterval time.Duration

	waitMu       sync.Mutex
	waitForFlush *redolog.Waiter
}

// Metadata returns the current metadata snapshot. Lock-free: readers never
// contend with Update, since Update publishes a new value with release
// semantics rather than mutating in place.
func (s *Session) Metadata() vg.Metadata {
	return *s.metadata.Load()
}

// Devices returns the set of block devices backing this session, by PV
// name.
func (s *Session) Devices() map[alloc.PvName]blockdev.Block {
	out := make(map[alloc.PvName]blockdev.Block, len(s.devices))
	for k, v := range s.devices {
		out[k] = v
	}
	return out
}

// PhysicalVolumes returns the current metadata's Pv records.
func (s *Session) PhysicalVolumes() []vg.Pv {
	return s.Metadata().Pvs
}

func sortedNames(devices map[alloc.PvName]blockdev.Block) []alloc.PvName {
	names := make([]alloc.PvName, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func ceilToMultiple(v, m uint64) uint64 {
	return ceilDiv(v, m) * m
}

// Format turns a set of raw block devices into a fresh volume group named
// name: it stamps each with a label and empty metadata area (C4), builds a
// virgin Metadata (seqno=1, empty LVs, free_space = the union of each PV's
// full extent range), and, if magic is Journalled, reserves and erases the
// dedicated redo-log LV before committing metadata to every PV.
func Format(ctx context.Context, name, host string, now time.Time, magic pvlabel.Magic, devices map[alloc.PvName]blockdev.Block, opts Options, logger hclog.Logger) (*Session, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if len(devices) == 0 {
		return nil, vgerrors.NewMsg("session: format %q: no devices given", name)
	}

	names := sortedNames(devices)
	pvs := make([]vg.Pv, 0, len(names))
	mdas := make(map[alloc.PvName]pvlabel.MdaHeader, len(names))

	for _, pvName := range names {
		dev := devices[pvName]
		pv, err := pvlabel.Format(ctx, dev, string(pvName), mdaOffset)
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q: pv %q", name, pvName)
		}
		info, err := dev.GetInfo(ctx)
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q: pv %q", name, pvName)
		}
		peStart := ceilToMultiple(ceilDiv(mdaOffset+mdaAreaSize, uint64(info.SectorSize)), defaultExtentSize)
		var peCount uint64
		if info.SizeSectors > peStart {
			peCount = (info.SizeSectors - peStart) / defaultExtentSize
		}
		pvs = append(pvs, vg.Pv{
			ID:      pv.ID,
			Name:    pvName,
			Device:  string(pvName),
			Status:  []vg.VgStatus{vg.VgRead, vg.VgWrite},
			PeStart: peStart,
			PeCount: peCount,
		})
		mdas[pvName] = pv.Headers[0]
	}

	vgID, err := uuid.Create()
	if err != nil {
		return nil, vgerrors.Wrap(err, "session: format %q", name)
	}
	free := alloc.New()
	for _, pv := range pvs {
		free = alloc.Merge(free, alloc.Create(pv.Name, pv.PeCount))
	}
	meta := vg.Metadata{
		Name:         name,
		ID:           vgID,
		CreationHost: host,
		CreationTime: now,
		Seqno:        1,
		Status:       []vg.VgStatus{vg.VgRead, vg.VgWrite, vg.VgResizeable},
		ExtentSize:   defaultExtentSize,
		Pvs:          pvs,
		Lvs:          map[uuid.Uuid]vg.Lv{},
		FreeSpace:    free,
	}

	var redoID uuid.Uuid
	if magic == pvlabel.MagicJournalled {
		extentBytes := defaultExtentSize * pvlabel.SectorSize
		redoExtents := ceilDiv(RedoLvSize, extentBytes)
		allocation, err := vg.AllocatorFind(meta, redoExtents)
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q: reserving redo log", name)
		}
		redoID, err = uuid.Create()
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q", name)
		}
		redoLv := vg.Lv{
			ID:           redoID,
			Name:         RedoLvName,
			Status:       []vg.LvStatus{vg.LvRead, vg.LvWrite},
			CreationHost: host,
			CreationTime: now,
			Segments:     segment.LinearSegments(0, allocation),
		}
		meta, err = vg.Apply(meta, vg.Op{Kind: vg.OpLvCreate, LvCreate: redoLv})
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q: reserving redo log", name)
		}
		redoVol, err := lvdevice.Connect(ctx, meta, devices, redoID)
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q: connecting redo log volume", name)
		}
		if err := eraseVolume(ctx, redoVol); err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q: erasing redo log volume", name)
		}
	}

	if err := meta.Validate(); err != nil {
		return nil, vgerrors.Wrap(err, "session: format %q", name)
	}

	mdas, err = writeMetadataToAllPVs(ctx, devices, mdas, meta, magic)
	if err != nil {
		return nil, vgerrors.Wrap(err, "session: format %q", name)
	}

	s := &Session{
		devices:       devices,
		mdas:          mdas,
		magic:         magic,
		mode:          ModeRW,
		logger:        logger,
		flushInterval: opts.flushInterval(),
	}
	s.metadata.Store(&meta)

	if magic == pvlabel.MagicJournalled {
		if err := s.startRedoLog(ctx, meta, redoID, false); err != nil {
			return nil, vgerrors.Wrap(err, "session: format %q", name)
		}
	}
	return s, nil
}

// Connect opens an existing volume group from devices: it reads a label
// from each device, locates the newest metadata generation, parses it
// (C1/C6), rebuilds free_space, and, if the VG carries a redo log and mode
// is RW, replays any pending records before returning.
func Connect(ctx context.Context, devices map[alloc.PvName]blockdev.Block, opts Options, logger hclog.Logger) (*Session, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	mode, err := opts.mode()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, vgerrors.NewMsg("session: connect: no devices given")
	}

	names := sortedNames(devices)
	mdas := make(map[alloc.PvName]pvlabel.MdaHeader, len(names))
	var magic pvlabel.Magic
	var text []byte
	var newestRawOffset uint64
	haveText := false

	for _, pvName := range names {
		dev := devices[pvName]
		pv, err := pvlabel.Read(ctx, string(pvName), dev)
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: connect: pv %q", pvName)
		}
		if len(pv.Headers) == 0 {
			return nil, vgerrors.NewMsg("session: connect: pv %q has no metadata area", pvName)
		}
		mda := pv.Headers[0]
		mdas[pvName] = mda
		candidate, err := pvlabel.ReadMetadataText(ctx, dev, mda)
		if err != nil {
			return nil, vgerrors.Wrap(err, "session: connect: pv %q", pvName)
		}
		pvMagic, rawOffset := mdaMagic(mda)
		if !haveText || rawOffset > newestRawOffset {
			text = candidate
			newestRawOffset = rawOffset
			haveText = true
			magic = pvMagic
		}
	}
	if !haveText {
		return nil, vgerrors.NewMsg("session: connect: no metadata text found on any device")
	}

	vgName, err := detectVgName(text)
	if err != nil {
		return nil, vgerrors.Wrap(err, "session: connect")
	}
	meta, err := vg.ParseText(text, vgName)
	if err != nil {
		return nil, vgerrors.Wrap(err, "session: connect")
	}
	if err := meta.Validate(); err != nil {
		return nil, vgerrors.Wrap(err, "session: connect %q", vgName)
	}

	s := &Session{
		devices:       devices,
		mdas:          mdas,
		magic:         magic,
		mode:          mode,
		logger:        logger,
		flushInterval: opts.flushInterval(),
	}
	s.metadata.Store(&meta)

	if magic == pvlabel.MagicJournalled && mode == ModeRW {
		if redoLv, ok := meta.LvByName(RedoLvName); ok {
			if err := s.startRedoLog(ctx, meta, redoLv.ID, false); err != nil {
				return nil, vgerrors.Wrap(err, "session: connect %q", vgName)
			}
		}
	}
	return s, nil
}

// mdaMagic reports the Journalled-ness of mda's newest generation and the
// raw_locn offset used to compare "newest metadata across PVs", since the
// offset alone (not wall time) is the ordering LVM2's raw_locn scheme uses.
func mdaMagic(mda pvlabel.MdaHeader) (pvlabel.Magic, uint64) {
	var best pvlabel.RawLocn
	found := false
	for _, r := range mda.RawLocns {
		if r.Ignored() {
			continue
		}
		if !found || r.Offset > best.Offset {
			best = r
			found = true
		}
	}
	if found && best.Journalled() {
		return pvlabel.MagicJournalled, best.Offset
	}
	return pvlabel.MagicLvm, best.Offset
}

// detectVgName returns the top-level struct-valued field's key: per the
// textual schema, the VG's own block is the sole top-level struct, every
// sibling (contents, version, description, creation_host, creation_time)
// being a scalar.
func detectVgName(text []byte) (string, error) {
	root, err := configsyntax.Parse(text, "metadata")
	if err != nil {
		return "", vgerrors.Wrap(err, "session: detecting vg name")
	}
	sv, err := root.ExpectStruct("metadata")
	if err != nil {
		return "", err
	}
	for _, f := range sv.Fields() {
		if f.Value.IsStruct() {
			return f.Key, nil
		}
	}
	return "", vgerrors.NewMsg("session: no vg block found in metadata text")
}

func (s *Session) startRedoLog(ctx context.Context, meta vg.Metadata, redoID uuid.Uuid, erase bool) error {
	vol, err := lvdevice.Connect(ctx, meta, s.devices, redoID)
	if err != nil {
		return vgerrors.Wrap(err, "session: connecting redo log volume")
	}
	s.redoVol = vol
	if erase {
		if err := eraseVolume(ctx, vol); err != nil {
			return vgerrors.Wrap(err, "session: erasing redo log volume")
		}
	}
	j, err := redolog.Start(ctx, vol, s.performFlush, s.logger)
	if err != nil {
		return vgerrors.Wrap(err, "session: starting redo log")
	}
	s.redoLog = j
	return nil
}

// eraseVolume writes zeros across vol in a single pass, clearing any stale
// ring contents before a fresh redo-log LV starts accumulating records.
func eraseVolume(ctx context.Context, vol *lvdevice.Volume) error {
	info, err := vol.GetInfo(ctx)
	if err != nil {
		return err
	}
	totalBytes := int64(info.SizeSectors) * int64(info.SectorSize)
	pattern := make([]byte, eraseChunkBytes)
	var off int64
	for off < totalBytes {
		chunk := pattern
		if remaining := totalBytes - off; remaining < int64(len(chunk)) {
			chunk = pattern[:remaining]
		}
		if _, err := vol.WriteAt(ctx, off, chunk); err != nil {
			return err
		}
		off += int64(len(chunk))
	}
	return vol.Sync(ctx)
}

// performFlush is the redo log's Perform callback: it re-applies the
// batch's ops to the authoritative metadata, writes the result through to
// every PV, and swaps the session's metadata pointer, in that order, so a
// reader never observes a metadata value not yet durable on any PV that
// currently exists on disk without a corresponding redo record.
func (s *Session) performFlush(ctx context.Context, records []redolog.Record) error {
	meta := s.Metadata()
	for _, rec := range records {
		if rec.Seqno < uint64(meta.Seqno) {
			// rec was computed against an older metadata generation than
			// the one already current, meaning the current metadata
			// already incorporates it (Update applies ops in memory before
			// pushing them); skip so an op isn't applied twice under a
			// different resulting state.
			continue
		}
		var err error
		meta, err = vg.Apply(meta, rec.Op)
		if err != nil {
			return vgerrors.Wrap(err, "session: applying redo record seqno %d", rec.Seqno)
		}
	}
	mdas, err := writeMetadataToAllPVs(ctx, s.devices, s.mdas, meta, s.magic)
	if err != nil {
		return err
	}
	s.mdas = mdas
	s.metadata.Store(&meta)
	return nil
}

// writeMetadataToAllPVs renders meta's textual form once and writes it to
// every PV's metadata area concurrently, fanning out one write per PV and
// aggregating any failures rather than stopping at the first one.
func writeMetadataToAllPVs(ctx context.Context, devices map[alloc.PvName]blockdev.Block, mdas map[alloc.PvName]pvlabel.MdaHeader, meta vg.Metadata, magic pvlabel.Magic) (map[alloc.PvName]pvlabel.MdaHeader, error) {
	text := []byte(vg.EmitText(meta))

	type result struct {
		name alloc.PvName
		mda  pvlabel.MdaHeader
	}
	results := make(chan result, len(meta.Pvs))

	var errMu sync.Mutex
	var multi *multierror.Error
	fail := func(err error) error {
		errMu.Lock()
		defer errMu.Unlock()
		multi = multierror.Append(multi, err)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pv := range meta.Pvs {
		pv := pv
		dev, ok := devices[pv.Name]
		if !ok {
			return nil, vgerrors.NewMsg("session: no device open for pv %q", pv.Name)
		}
		mda, ok := mdas[pv.Name]
		if !ok {
			return nil, vgerrors.NewMsg("session: no metadata area cached for pv %q", pv.Name)
		}
		g.Go(func() error {
			updated, err := pvlabel.WriteMetadataText(gctx, dev, mda, text, magic)
			if err != nil {
				return fail(vgerrors.Wrap(err, "session: writing metadata to pv %q", pv.Name))
			}
			if err := dev.Sync(gctx); err != nil {
				return fail(vgerrors.Wrap(err, "session: syncing pv %q", pv.Name))
			}
			results <- result{name: pv.Name, mda: updated}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		multi = multierror.Append(multi, err)
	}
	close(results)
	if multi.ErrorOrNil() != nil {
		return nil, multi
	}

	out := make(map[alloc.PvName]pvlabel.MdaHeader, len(mdas))
	for k, v := range mdas {
		out[k] = v
	}
	for r := range results {
		out[r.name] = r.mda
	}
	return out, nil
}

// Update applies ops to a fresh copy of the current metadata and, once
// accepted, either writes the result through to every PV (no redo log) or
// pushes every op onto the redo log and records the last op's Waiter
// (journalled). It returns once the data is accepted, not necessarily
// flushed; call Sync to wait for durability.
func (s *Session) Update(ctx context.Context, ops []vg.Op) error {
	if s.mode == ModeRO {
		return vgerrors.NewMsg("session: update: session is read-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := s.Metadata()
	preSeqnos := make([]uint64, len(ops))
	for i, op := range ops {
		if refersToRedoLv(meta, op) {
			return vgerrors.NewMsg("session: update: operation targets the redo log lv")
		}
		preSeqnos[i] = uint64(meta.Seqno)
		var err error
		meta, err = vg.Apply(meta, op)
		if err != nil {
			return err
		}
	}
	if err := meta.Validate(); err != nil {
		return vgerrors.Wrap(err, "session: update")
	}

	if s.redoLog == nil {
		mdas, err := writeMetadataToAllPVs(ctx, s.devices, s.mdas, meta, s.magic)
		if err != nil {
			return err
		}
		s.mdas = mdas
		s.metadata.Store(&meta)
		return nil
	}

	var lastWaiter *redolog.Waiter
	for i, op := range ops {
		w, err := s.redoLog.Push(ctx, preSeqnos[i], op)
		if err != nil {
			return vgerrors.Wrap(err, "session: update: pushing to redo log")
		}
		lastWaiter = w
	}
	s.metadata.Store(&meta)
	s.waitMu.Lock()
	s.waitForFlush = lastWaiter
	s.waitMu.Unlock()
	return nil
}

// refersToRedoLv reports whether op targets the reserved redo-log LV by id,
// the VG engine's own refusal of I/O-affecting operations against it.
func refersToRedoLv(meta vg.Metadata, op vg.Op) bool {
	redoLv, ok := meta.LvByName(RedoLvName)
	if !ok {
		return false
	}
	return op.ID == redoLv.ID
}

// Sync waits for any redo-log flush covering prior Update calls to
// complete, guaranteeing that on success every preceding Update is durable
// in the LVM metadata areas on every PV.
func (s *Session) Sync(ctx context.Context) error {
	s.waitMu.Lock()
	w := s.waitForFlush
	s.waitMu.Unlock()
	if w == nil {
		if s.redoLog != nil {
			return s.redoLog.Flush(ctx)
		}
		return nil
	}
	if s.redoLog != nil {
		if err := s.redoLog.Flush(ctx); err != nil {
			return err
		}
	}
	return w.Wait(ctx)
}

// Disconnect releases the session's devices and advisory locks.
func (s *Session) Disconnect() error {
	var multi *multierror.Error
	if s.redoVol != nil {
		s.redoVol.Disconnect()
	}
	for _, dev := range s.devices {
		if err := dev.Close(); err != nil {
			multi = multierror.Append(multi, err)
		}
	}
	for _, l := range s.locks {
		if err := l.Unlock(); err != nil {
			multi = multierror.Append(multi, err)
		}
	}
	return multi.ErrorOrNil()
}

// LockDevices takes an advisory flock(2) lock on each path, enforcing "one
// session owns each device exclusively" across process boundaries. paths
// need only cover the devices that are real files; callers using in-memory
// test devices pass an empty map.
func (s *Session) LockDevices(paths map[alloc.PvName]string) error {
	for _, name := range sortedNames(s.devices) {
		path, ok := paths[name]
		if !ok {
			continue
		}
		l := flock.New(path)
		locked, err := l.TryLock()
		if err != nil {
			return vgerrors.Wrap(err, "session: locking %q", path)
		}
		if !locked {
			return vgerrors.NewMsg("session: device %q is already locked by another session", path)
		}
		s.locks = append(s.locks, l)
	}
	return nil
}

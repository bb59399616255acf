// Package redolog implements the VG engine's redo log (C7): a
// single-producer/single-consumer ring buffer of Op records, stored in a
// dedicated LV, that batches metadata mutations and lets them be replayed
// after a crash before the in-memory model is trusted again.
//
// The on-disk layout is a fixed, sector-aligned header holding a producer
// and a consumer offset, followed by a circular body of length-prefixed,
// xxhash64-checksummed, msgpack-encoded records. The header is written as
// a single sector so a torn write never mixes old and new offsets; the
// body's framing is self-describing enough that a reader can detect and
// stop at a torn tail record without needing every record to be the same
// size.
package redolog

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/simonjbeaumont/mirage-block-volume/blockdev"
	"github.com/simonjbeaumont/mirage-block-volume/vg"
	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

const (
	headerMagic    uint32 = 0x4d4c564a // "MLVJ"
	headerSector          = 512
	recordOverhead        = 4 + 8 // length prefix + xxhash64 checksum
)

// Record is one journaled entry: the Op together with the seqno of the
// Metadata it was computed against, so Replay can tell a stale record
// (seqno already applied) from one that still needs re-applying.
type Record struct {
	Seqno uint64
	Op    vg.Op
}

// header is the fixed producer/consumer pointer block. Offsets are byte
// offsets into the ring body (i.e. excluding the header sector itself),
// modulo the body size.
type header struct {
	Magic    uint32
	Producer uint64
	Consumer uint64
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSector)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint64(buf[4:12], h.Producer)
	binary.BigEndian.PutUint64(buf[12:20], h.Consumer)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSector {
		return header{}, vgerrors.NewMsg("redolog: header short read: got %d bytes, want %d", len(buf), headerSector)
	}
	h := header{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		Producer: binary.BigEndian.Uint64(buf[4:12]),
		Consumer: binary.BigEndian.Uint64(buf[12:20]),
	}
	if h.Magic != headerMagic {
		return header{}, vgerrors.NewMsg("redolog: bad header magic %#x", h.Magic)
	}
	return h, nil
}

// Perform is the callback installed at Start: given the batch of ops
// accumulated since the last flush, it must re-apply them to the
// authoritative in-memory metadata, write the result through to every PV,
// and only then return, so Flush can safely discard the consumed prefix.
type Perform func(ctx context.Context, records []Record) error

// Options configures a Journal. Flush batches accumulate until either
// FlushInterval elapses or Flush is called explicitly.
type Options struct {
	FlushInterval float64 `mapstructure:"flush_interval"` // seconds, informational: session drives the actual timer
}

// Waiter resolves once the record it was returned for has been durably
// flushed (or the flush attempt covering it failed).
type Waiter struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// Wait blocks until a flush attempt covering this record has resolved,
// returning the error of the most recent resolution. After a failed flush
// it returns that error without blocking; once a retry of the same batch
// succeeds, it returns nil.
func (w *Waiter) Wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	select {
	case <-done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

// resolve records err as the outcome of the latest flush attempt and wakes
// anyone blocked in Wait. The channel is closed only on the first resolve;
// a failed batch stays pending for a retry, and a later resolve of that
// retry just replaces the recorded error.
func (w *Waiter) resolve(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

// Journal is a ring-buffered log of pending Records backed by a dedicated
// block device (an lvdevice.Volume in production, anything satisfying
// blockdev.Block in tests).
type Journal struct {
	mu      sync.Mutex
	dev     blockdev.Block
	logger  hclog.Logger
	perform Perform

	bodySize uint64 // bytes, excludes the header sector
	producer uint64 // ring offset, advanced mod bodySize
	consumer uint64

	pending []Record
	waiters []*Waiter
}

// Start opens dev as a journal. If dev already carries a valid header, its
// producer/consumer state is loaded and any committed-but-unflushed
// records between consumer and producer are handed to perform once before
// Push is enabled (crash recovery). If dev carries no recognizable header,
// a fresh empty journal is formatted onto it.
func Start(ctx context.Context, dev blockdev.Block, perform Perform, logger hclog.Logger) (*Journal, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	info, err := dev.GetInfo(ctx)
	if err != nil {
		return nil, vgerrors.Wrap(err, "redolog: start")
	}
	totalBytes := info.SizeSectors * uint64(info.SectorSize)
	if totalBytes <= headerSector {
		return nil, vgerrors.NewMsg("redolog: device too small for a journal: %d bytes", totalBytes)
	}

	j := &Journal{
		dev:      dev,
		logger:   logger,
		perform:  perform,
		bodySize: totalBytes - headerSector,
	}

	hdrBuf := make([]byte, headerSector)
	if _, err := dev.ReadAt(ctx, 0, hdrBuf); err != nil {
		return nil, vgerrors.Wrap(err, "redolog: start: reading header")
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		logger.Debug("formatting fresh redo log header", "reason", err)
		if err := j.writeHeader(ctx, header{Magic: headerMagic}); err != nil {
			return nil, err
		}
		return j, nil
	}
	j.producer = h.Producer
	j.consumer = h.Consumer

	pending, err := j.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		logger.Debug("replaying redo records", "count", len(pending))
		if err := perform(ctx, pending); err != nil {
			return nil, vgerrors.Wrap(err, "redolog: start: replaying pending records")
		}
		if err := j.writeHeader(ctx, header{Magic: headerMagic, Producer: j.producer, Consumer: j.producer}); err != nil {
			return nil, err
		}
		j.consumer = j.producer
	}
	return j, nil
}

func (j *Journal) writeHeader(ctx context.Context, h header) error {
	if _, err := j.dev.WriteAt(ctx, 0, encodeHeader(h)); err != nil {
		return vgerrors.Wrap(err, "redolog: writing header")
	}
	return j.dev.Sync(ctx)
}

// encodeRecord frames one Record as length-prefix + xxhash64 checksum +
// msgpack payload, self-describing enough for readPending to recognize and
// stop at a torn tail write.
func encodeRecord(r Record) ([]byte, error) {
	payload, err := msgpack.Marshal(r)
	if err != nil {
		return nil, vgerrors.Wrap(err, "redolog: encoding record")
	}
	sum := xxhash.Sum64(payload)
	out := make([]byte, 4+8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(out[4:12], sum)
	copy(out[12:], payload)
	return out, nil
}

// decodeRecord reverses encodeRecord, verifying the checksum. ok is false
// (with a nil error) when buf does not contain a complete, valid record,
// the signal to stop replaying rather than fail outright: a torn tail
// write is expected after a crash, not corruption to report.
func decodeRecord(buf []byte) (rec Record, consumed int, ok bool) {
	if len(buf) < recordOverhead {
		return Record{}, 0, false
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	sum := binary.BigEndian.Uint64(buf[4:12])
	total := recordOverhead + int(length)
	if len(buf) < total {
		return Record{}, 0, false
	}
	payload := buf[recordOverhead:total]
	if xxhash.Sum64(payload) != sum {
		return Record{}, 0, false
	}
	var r Record
	if err := msgpack.Unmarshal(payload, &r); err != nil {
		return Record{}, 0, false
	}
	return r, total, true
}

// readPending reads the ring body from consumer to producer and decodes as
// many complete records as it can find, stopping at the first short or
// checksum-mismatched record (the torn tail).
func (j *Journal) readPending(ctx context.Context) ([]Record, error) {
	span := j.spanLen(j.consumer, j.producer)
	if span == 0 {
		return nil, nil
	}
	raw, err := j.readRing(ctx, j.consumer, span)
	if err != nil {
		return nil, err
	}
	var records []Record
	for off := 0; off < len(raw); {
		rec, consumed, ok := decodeRecord(raw[off:])
		if !ok {
			break
		}
		records = append(records, rec)
		off += consumed
	}
	return records, nil
}

// spanLen returns the number of bytes between from and to, wrapping around
// bodySize if to < from.
func (j *Journal) spanLen(from, to uint64) uint64 {
	if to >= from {
		return to - from
	}
	return j.bodySize - from + to
}

// readRing reads n bytes starting at ring offset start, wrapping at
// bodySize, from the body (i.e. device offset headerSector+start).
func (j *Journal) readRing(ctx context.Context, start, n uint64) ([]byte, error) {
	out := make([]byte, n)
	var read uint64
	for read < n {
		pos := (start + read) % j.bodySize
		chunk := n - read
		if max := j.bodySize - pos; chunk > max {
			chunk = max
		}
		if _, err := j.dev.ReadAt(ctx, int64(headerSector+pos), out[read:read+chunk]); err != nil {
			return nil, vgerrors.Wrap(err, "redolog: reading ring at offset %d", pos)
		}
		read += chunk
	}
	return out, nil
}

// writeRing is readRing's write-side counterpart.
func (j *Journal) writeRing(ctx context.Context, start uint64, data []byte) error {
	var written uint64
	n := uint64(len(data))
	for written < n {
		pos := (start + written) % j.bodySize
		chunk := n - written
		if max := j.bodySize - pos; chunk > max {
			chunk = max
		}
		if _, err := j.dev.WriteAt(ctx, int64(headerSector+pos), data[written:written+chunk]); err != nil {
			return vgerrors.Wrap(err, "redolog: writing ring at offset %d", pos)
		}
		written += chunk
	}
	return nil
}

// Push appends op (tagged with seqno, the seqno of the metadata it was
// computed against) to the pending batch and returns a Waiter that
// resolves when the batch containing it is flushed. Push does not itself
// perform I/O beyond staging the encoded record in the ring; callers must
// call Flush (directly, or via the session's flush timer) to make it
// durable.
func (j *Journal) Push(ctx context.Context, seqno uint64, op vg.Op) (*Waiter, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Record{Seqno: seqno, Op: op}
	framed, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if uint64(len(framed)) > j.bodySize {
		return nil, vgerrors.NewMsg("redolog: record of %d bytes exceeds ring capacity %d", len(framed), j.bodySize)
	}
	if j.spanLen(j.consumer, j.producer)+uint64(len(framed)) >= j.bodySize {
		return nil, vgerrors.NewMsg("redolog: ring full: push %d bytes would overrun consumer", len(framed))
	}

	if err := j.writeRing(ctx, j.producer, framed); err != nil {
		return nil, err
	}
	j.producer = (j.producer + uint64(len(framed))) % j.bodySize
	if err := j.writeHeader(ctx, header{Magic: headerMagic, Producer: j.producer, Consumer: j.consumer}); err != nil {
		return nil, err
	}

	j.pending = append(j.pending, rec)
	w := newWaiter()
	j.waiters = append(j.waiters, w)
	return w, nil
}

// Flush invokes perform on the batch accumulated since the last flush. On
// success, the ring's consumer pointer advances past the flushed records
// and every pending Waiter resolves with a nil error; on failure the batch
// is left pending so a later Flush (or crash replay) can retry it, and the
// waiters resolve with the error.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	if len(j.pending) == 0 {
		j.mu.Unlock()
		return nil
	}
	batch := j.pending
	waiters := j.waiters
	producer := j.producer
	j.mu.Unlock()

	err := j.perform(ctx, batch)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.logger.Debug("redo log flush failed, retaining batch", "count", len(batch), "error", err)
		for _, w := range waiters {
			w.resolve(err)
		}
		return err
	}

	if werr := j.writeHeader(ctx, header{Magic: headerMagic, Producer: producer, Consumer: producer}); werr != nil {
		for _, w := range waiters {
			w.resolve(werr)
		}
		return werr
	}
	j.consumer = producer
	j.pending = j.pending[len(batch):]
	j.waiters = j.waiters[len(waiters):]
	for _, w := range waiters {
		w.resolve(nil)
	}
	j.logger.Debug("flushed redo log batch", "count", len(batch))
	return nil
}

// Pending returns a copy of the records accumulated since the last flush,
// for tests and diagnostics.
func (j *Journal) Pending() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.pending))
	copy(out, j.pending)
	return out
}


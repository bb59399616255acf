package blockdev

import (
	"context"
	"sync"

	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// Memory is an in-process Block backed by a byte slice, used in tests in
// place of a real unix-file device.
type Memory struct {
	mu         sync.Mutex
	data       []byte
	sectorSize uint32
	closed     bool
}

// NewMemory allocates a zero-filled memory device of the given size.
func NewMemory(sizeBytes int64, sectorSize uint32) *Memory {
	return &Memory{
		data:       make([]byte, sizeBytes),
		sectorSize: sectorSize,
	}
}

func (m *Memory) GetInfo(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Info{}, vgerrors.NewMsg("blockdev: device closed")
	}
	return Info{
		SectorSize:  m.sectorSize,
		SizeSectors: uint64(len(m.data)) / uint64(m.sectorSize),
	}, nil
}

func (m *Memory) ReadAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, vgerrors.NewMsg("blockdev: device closed")
	}
	if offset < 0 || offset+int64(len(buf)) > int64(len(m.data)) {
		return 0, vgerrors.NewMsg("blockdev: read out of range: offset=%d len=%d size=%d", offset, len(buf), len(m.data))
	}
	n := copy(buf, m.data[offset:])
	return n, nil
}

func (m *Memory) WriteAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, vgerrors.NewMsg("blockdev: device closed")
	}
	if offset < 0 || offset+int64(len(buf)) > int64(len(m.data)) {
		return 0, vgerrors.NewMsg("blockdev: write out of range: offset=%d len=%d size=%d", offset, len(buf), len(m.data))
	}
	n := copy(m.data[offset:], buf)
	return n, nil
}

func (m *Memory) Sync(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

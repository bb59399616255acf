// Package blockdev defines a small polymorphic I/O backend: a capability
// set {read, write, get_info} parameterized over an opaque device handle,
// with a unix-file implementation for real disks and a memory-backed
// implementation for tests. All methods take a context.Context as the
// suspension point for every blocking call.
package blockdev

import "context"

// Info describes the fixed properties of a block device.
type Info struct {
	SectorSize  uint32
	SizeSectors uint64
}

// Block is the capability set every PV/LV I/O path is built on.
type Block interface {
	// GetInfo returns the device's sector size and total size.
	GetInfo(ctx context.Context) (Info, error)
	// ReadAt reads len(buf) bytes starting at the given byte offset.
	ReadAt(ctx context.Context, offset int64, buf []byte) (int, error)
	// WriteAt writes buf starting at the given byte offset.
	WriteAt(ctx context.Context, offset int64, buf []byte) (int, error)
	// Sync forces previously written data to stable storage.
	Sync(ctx context.Context) error
	// Close releases any resources (file descriptors, locks) held by the
	// device.
	Close() error
}

//go:build linux || freebsd || darwin

package blockdev

import (
	"context"
	"os"

	"golang.org/x/sys/unix"

	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

// UnixFile is a Block backed by a regular file or device node, using
// positioned pread/pwrite so concurrent segment I/O never disturbs a shared
// file offset, and Fdatasync for the data-then-barrier-then-header fsync
// ordering required of label/metadata writes.
type UnixFile struct {
	f          *os.File
	sectorSize uint32
}

// OpenUnixFile opens path for reading and writing. sectorSize is supplied
// by the caller (512 for the formats this engine deals in) rather than
// probed, since probing requires platform-specific ioctls out of scope here.
func OpenUnixFile(path string, sectorSize uint32) (*UnixFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, vgerrors.Wrap(err, "blockdev: open %s", path)
	}
	return &UnixFile{f: f, sectorSize: sectorSize}, nil
}

func (u *UnixFile) GetInfo(ctx context.Context) (Info, error) {
	fi, err := u.f.Stat()
	if err != nil {
		return Info{}, vgerrors.Wrap(err, "blockdev: stat %s", u.f.Name())
	}
	size := fi.Size()
	if size == 0 {
		// device nodes report 0 from Stat(); fall back to seeking to the end.
		end, err := u.f.Seek(0, os.SEEK_END)
		if err == nil {
			size = end
		}
	}
	return Info{
		SectorSize:  u.sectorSize,
		SizeSectors: uint64(size) / uint64(u.sectorSize),
	}, nil
}

func (u *UnixFile) ReadAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	n, err := unix.Pread(int(u.f.Fd()), buf, offset)
	if err != nil {
		return n, vgerrors.Wrap(err, "blockdev: pread %s at %d", u.f.Name(), offset)
	}
	return n, nil
}

func (u *UnixFile) WriteAt(ctx context.Context, offset int64, buf []byte) (int, error) {
	n, err := unix.Pwrite(int(u.f.Fd()), buf, offset)
	if err != nil {
		return n, vgerrors.Wrap(err, "blockdev: pwrite %s at %d", u.f.Name(), offset)
	}
	return n, nil
}

// Sync issues fdatasync, the barrier used between writing metadata text and
// writing the header that points at it.
func (u *UnixFile) Sync(ctx context.Context) error {
	if err := unix.Fdatasync(int(u.f.Fd())); err != nil {
		return vgerrors.Wrap(err, "blockdev: fdatasync %s", u.f.Name())
	}
	return nil
}

func (u *UnixFile) Close() error {
	return u.f.Close()
}

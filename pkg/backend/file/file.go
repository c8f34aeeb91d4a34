// Package file provides the backend for local files and block devices.
//
// Reads use pread and run concurrently. Writes and zeroes take a byte-range
// lock keyed by the file identity (device and inode), so overlapping writers
// from different connections serialize while disjoint ones run in parallel.
// Sparse files report extents through SEEK_DATA/SEEK_HOLE and zero requests
// punch holes when the ticket allows it.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/imageiod/internal/bytesize"
	"github.com/marmos91/imageiod/internal/rangelock"
	"github.com/marmos91/imageiod/pkg/backend"
)

// Config holds configuration for the file backend.
type Config struct {
	// BufferSize is the chunk size used for streaming.
	// Default: 8MiB
	BufferSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{BufferSize: int(8 * bytesize.MiB)}
}

// Backend is an open local file or block device.
type Backend struct {
	cfg     Config
	path    string
	key     string
	size    int64
	regular bool
	mode    backend.Mode
	locks   *rangelock.Table

	mu     sync.RWMutex
	f      *os.File
	closed bool
}

var _ backend.Backend = (*Backend)(nil)

// Open opens path for the given mode.
func Open(path string, mode backend.Mode, cfg Config) (*Backend, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	flags := os.O_RDONLY
	if mode == backend.ReadWrite {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", backend.ErrUnavailable, path, err)
	}

	b := &Backend{
		cfg:     cfg,
		path:    path,
		key:     fmt.Sprintf("%d:%d", st.Dev, st.Ino),
		regular: st.Mode&unix.S_IFMT == unix.S_IFREG,
		mode:    mode,
		locks:   rangelock.Shared(),
		f:       f,
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		b.size = st.Size
	case unix.S_IFBLK:
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: size of %s: %v", backend.ErrUnavailable, path, err)
		}
		b.size = size
	default:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file or block device", backend.ErrUnavailable, path)
	}
	return b, nil
}

// Name returns "file".
func (b *Backend) Name() string { return "file" }

// Size returns the file size captured at open.
func (b *Backend) Size() int64 { return b.size }

// BufferSize returns the configured chunk size.
func (b *Backend) BufferSize() int { return b.cfg.BufferSize }

// Capabilities reports native hole punching and extents for regular files.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Write:   b.mode == backend.ReadWrite,
		Extents: b.regular,
		Zero:    b.regular,
		Flush:   true,
	}
}

// file returns the open file, holding a read lock until release is called.
func (b *Backend) file() (*os.File, func(), error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, nil, backend.ErrClosed
	}
	return b.f, b.mu.RUnlock, nil
}

// ReadAt reads len(p) bytes at off.
func (b *Backend) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if err := backend.CheckRange(off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	f, release, err := b.file()
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := f.ReadAt(p, off)
	if err != nil {
		return n, fmt.Errorf("%w: read %s at %d: %v", backend.ErrIO, b.path, off, err)
	}
	return n, nil
}

// WriteAt writes p at off.
func (b *Backend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if b.mode != backend.ReadWrite {
		return 0, backend.ErrNotSupported
	}
	if err := backend.CheckRange(off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	f, release, err := b.file()
	if err != nil {
		return 0, err
	}
	defer release()

	unlock, err := b.locks.Lock(ctx, b.key, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("%w: write %s at %d: %v", backend.ErrIO, b.path, off, err)
	}
	return n, nil
}

// Zero zeroes [off, off+length). Regular files use fallocate: punching a
// hole when punch is set, otherwise zeroing in place. Block devices and
// filesystems without fallocate support get explicit zero writes.
func (b *Backend) Zero(ctx context.Context, off, length int64, punch bool) error {
	if b.mode != backend.ReadWrite {
		return backend.ErrNotSupported
	}
	if err := backend.CheckRange(off, length, b.size); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	f, release, err := b.file()
	if err != nil {
		return err
	}
	defer release()

	unlock, err := b.locks.Lock(ctx, b.key, off, length)
	if err != nil {
		return err
	}
	defer unlock()

	if b.regular {
		fd := int(f.Fd())
		if punch {
			err = unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
			if err == nil {
				return nil
			}
		}
		err = unix.Fallocate(fd, unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, off, length)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%w: zero %s at %d: %v", backend.ErrIO, b.path, off, err)
		}
	}
	return b.writeZeroes(ctx, f, off, length)
}

func (b *Backend) writeZeroes(ctx context.Context, f *os.File, off, length int64) error {
	buf := make([]byte, min(int64(b.cfg.BufferSize), length))
	for length > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(int64(len(buf)), length)
		if _, err := f.WriteAt(buf[:n], off); err != nil {
			return fmt.Errorf("%w: zero %s at %d: %v", backend.ErrIO, b.path, off, err)
		}
		off += n
		length -= n
	}
	return nil
}

// Flush calls fdatasync.
func (b *Backend) Flush(_ context.Context) error {
	f, release, err := b.file()
	if err != nil {
		return err
	}
	defer release()

	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("%w: flush %s: %v", backend.ErrIO, b.path, err)
	}
	return nil
}

// Extents walks data and holes with SEEK_DATA/SEEK_HOLE.
func (b *Backend) Extents(ctx context.Context, off, length int64) iter.Seq2[backend.Extent, error] {
	if err := backend.CheckRange(off, length, b.size); err != nil {
		return backend.ErrorExtents(err)
	}
	if !b.regular {
		return backend.SingleExtent(off, length)
	}

	return func(yield func(backend.Extent, error) bool) {
		f, release, err := b.file()
		if err != nil {
			yield(backend.Extent{}, err)
			return
		}
		defer release()

		fd := int(f.Fd())
		pos, end := off, off+length
		for pos < end {
			if err := ctx.Err(); err != nil {
				yield(backend.Extent{}, err)
				return
			}

			data, err := unix.Seek(fd, pos, unix.SEEK_DATA)
			switch {
			case errors.Is(err, unix.ENXIO):
				// No data after pos: the rest is a hole.
				data = end
			case errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EOPNOTSUPP):
				yield(backend.Extent{Start: pos, Length: end - pos}, nil)
				return
			case err != nil:
				yield(backend.Extent{}, fmt.Errorf("%w: seek data %s: %v", backend.ErrIO, b.path, err))
				return
			}
			data = min(data, end)

			if data > pos {
				if !yield(backend.Extent{Start: pos, Length: data - pos, Zero: true, Hole: true}, nil) {
					return
				}
				pos = data
				continue
			}

			hole, err := unix.Seek(fd, pos, unix.SEEK_HOLE)
			if err != nil {
				yield(backend.Extent{}, fmt.Errorf("%w: seek hole %s: %v", backend.ErrIO, b.path, err))
				return
			}
			hole = min(hole, end)
			if !yield(backend.Extent{Start: pos, Length: hole - pos}, nil) {
				return
			}
			pos = hole
		}
	}
}

// Close closes the file. It is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.f.Close()
}

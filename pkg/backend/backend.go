// Package backend defines the storage contract shared by every resource a
// ticket can point at, and dispatches ticket URLs to the implementation that
// serves their scheme.
//
// Implementations:
//   - file: local files and block devices (pkg/backend/file)
//   - nbd: Network Block Device exports (pkg/backend/nbd)
//   - http/https: another imageiod data plane (pkg/backend/proxy)
//   - s3: read-only objects in S3 compatible storage (pkg/backend/s3)
package backend

import (
	"context"
	"errors"
	"iter"
)

// Standard backend errors. The data plane maps them to HTTP status codes.
var (
	// ErrUnavailable indicates the resource could not be opened: connection
	// refused, missing file, unknown export.
	//
	// HTTP: 502 Bad Gateway
	ErrUnavailable = errors.New("backend unavailable")

	// ErrIO indicates a storage or transport fault during I/O.
	//
	// HTTP: 500 Internal Server Error
	ErrIO = errors.New("backend I/O error")

	// ErrOutOfRange indicates offset+length exceeds the resource size.
	//
	// HTTP: 416 Range Not Satisfiable
	ErrOutOfRange = errors.New("range outside backend size")

	// ErrNotSupported indicates the backend cannot perform the operation.
	//
	// HTTP: 405 Method Not Allowed
	ErrNotSupported = errors.New("operation not supported by backend")

	// ErrClosed indicates use of a backend after Close.
	ErrClosed = errors.New("backend closed")

	// ErrUnknownScheme indicates no backend serves the url scheme.
	//
	// HTTP: 400 Bad Request (control plane)
	ErrUnknownScheme = errors.New("unsupported url scheme")
)

// Mode selects how a resource is opened.
type Mode int

const (
	// ReadOnly opens for reads and extents only.
	ReadOnly Mode = iota
	// ReadWrite opens for every operation.
	ReadWrite
)

// Extent is a contiguous range of a resource. Zero extents read as zeroes;
// Hole additionally means the range is unallocated.
type Extent struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
	Zero   bool  `json:"zero"`
	Hole   bool  `json:"hole"`
}

// End returns the offset just past the extent.
func (e Extent) End() int64 { return e.Start + e.Length }

// Capabilities describes what a backend can do natively.
type Capabilities struct {
	Write   bool // WriteAt/Zero/Flush are allowed
	Extents bool // Extents reports real sparseness
	Zero    bool // Zero avoids writing data (hole punch, NBD WRITE_ZEROES)
	Flush   bool // Flush is a real durability barrier
}

// Features lists the data-plane features derived from the capabilities.
func (c Capabilities) Features() []string {
	features := []string{"extents"}
	if c.Write {
		features = append(features, "zero", "flush")
	}
	return features
}

// Backend is an open handle on one resource.
//
// ReadAt and WriteAt follow io.ReaderAt/io.WriterAt semantics for the full
// buffer: a nil error means len(p) bytes moved. Requests outside [0, Size())
// fail with ErrOutOfRange before any I/O. Implementations must be safe for
// concurrent readers; concurrent writers to overlapping ranges have no
// defined order but never interleave within one call.
type Backend interface {
	// Name returns the backend kind ("file", "nbd", "http", "s3").
	Name() string

	// Size returns the resource size in bytes.
	Size() int64

	// BufferSize is the preferred chunk size for streaming I/O.
	BufferSize() int

	// Capabilities reports native support for optional operations.
	Capabilities() Capabilities

	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// Zero makes [off, off+length) read as zeroes. When punch is true the
	// backend may deallocate the range.
	Zero(ctx context.Context, off, length int64, punch bool) error

	// Flush persists all writes completed on this handle.
	Flush(ctx context.Context) error

	// Extents lazily yields extents covering [off, off+length) in order,
	// without gaps or overlaps.
	Extents(ctx context.Context, off, length int64) iter.Seq2[Extent, error]

	// Close releases the handle. It is idempotent.
	Close() error
}

// CheckRange validates [off, off+length) against size.
func CheckRange(off, length, size int64) error {
	if off < 0 || length < 0 || off > size || length > size-off {
		return ErrOutOfRange
	}
	return nil
}

// SingleExtent yields one data extent covering the range. Backends without
// sparseness information use it.
func SingleExtent(off, length int64) iter.Seq2[Extent, error] {
	return func(yield func(Extent, error) bool) {
		if length > 0 {
			yield(Extent{Start: off, Length: length}, nil)
		}
	}
}

// ErrorExtents yields a single error.
func ErrorExtents(err error) iter.Seq2[Extent, error] {
	return func(yield func(Extent, error) bool) {
		yield(Extent{}, err)
	}
}

// Merge coalesces adjacent extents with the same flags.
func Merge(seq iter.Seq2[Extent, error]) iter.Seq2[Extent, error] {
	return func(yield func(Extent, error) bool) {
		var cur Extent
		have := false
		for e, err := range seq {
			if err != nil {
				yield(Extent{}, err)
				return
			}
			if e.Length == 0 {
				continue
			}
			if have && cur.End() == e.Start && cur.Zero == e.Zero && cur.Hole == e.Hole {
				cur.Length += e.Length
				continue
			}
			if have && !yield(cur, nil) {
				return
			}
			cur, have = e, true
		}
		if have {
			yield(cur, nil)
		}
	}
}

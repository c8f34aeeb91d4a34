package apiclient

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/marmos91/imageiod/internal/logger"
	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/backend/file"
	"github.com/marmos91/imageiod/pkg/backend/proxy"
	"github.com/marmos91/imageiod/pkg/bufpool"
	"github.com/marmos91/imageiod/pkg/checksum"
)

var (
	// ErrChecksumMismatch is returned when the local and remote checksums
	// differ after a transfer.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSizeMismatch is returned when an upload does not fit the remote
	// image, or when a verified upload would not cover it entirely.
	ErrSizeMismatch = errors.New("size mismatch")
)

// TransferOptions configures image downloads and uploads.
type TransferOptions struct {
	// BufferSize is the chunk size of each request.
	// Default: 8MiB
	BufferSize int

	// Timeout bounds each data-plane request.
	// Default: 60s
	Timeout time.Duration

	// Checksum names the algorithm used to verify the transfer against the
	// daemon. Empty skips verification.
	Checksum string

	// CAFile verifies the daemon certificate for https URLs.
	CAFile string

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool

	// Progress is called after every chunk with the bytes processed so far,
	// zero extents included.
	Progress func(done, total int64)
}

func (o TransferOptions) proxyConfig() proxy.Config {
	return proxy.Config{
		BufferSize:         o.BufferSize,
		Timeout:            o.Timeout,
		CAFile:             o.CAFile,
		InsecureSkipVerify: o.InsecureSkipVerify,
	}
}

// TransferStats summarizes a finished transfer.
type TransferStats struct {
	Size     int64         // image size
	Data     int64         // bytes of data moved
	Zero     int64         // bytes covered by zero extents
	Duration time.Duration // wall time of the copy
	Checksum string        // hex digest, when verified
}

// Download copies the image at imageURL, for example
// https://host:54322/images/<ticket-id>, into the local file path. The file
// is created or truncated; zero extents are left as holes.
func Download(ctx context.Context, imageURL, path string, opts TransferOptions) (*TransferStats, error) {
	src, err := proxy.Open(ctx, imageURL, backend.ReadOnly, opts.proxyConfig())
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	err = f.Truncate(src.Size())
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", path, err)
	}

	dst, err := file.Open(path, backend.ReadWrite, file.Config{BufferSize: src.BufferSize()})
	if err != nil {
		return nil, err
	}
	defer func() { _ = dst.Close() }()

	// A freshly truncated file already reads as zeroes.
	skipZero := func(context.Context, backend.Extent) error { return nil }

	stats, err := transfer(ctx, src, dst, skipZero, opts)
	if err != nil {
		return nil, err
	}
	if err := dst.Flush(ctx); err != nil {
		return nil, err
	}
	if err := verify(ctx, src, stats, opts.Checksum); err != nil {
		return stats, err
	}

	logger.DebugCtx(ctx, "Image downloaded",
		logger.URL(imageURL),
		logger.KeySize, stats.Size,
		logger.Bytes(stats.Data),
		logger.DurationMs(stats.Duration))
	return stats, nil
}

// Upload copies the local file or block device at path into the image at
// imageURL and flushes it. The local image must not be larger than the
// remote one; when a checksum is requested the sizes must match.
func Upload(ctx context.Context, path, imageURL string, opts TransferOptions) (*TransferStats, error) {
	src, err := file.Open(path, backend.ReadOnly, file.Config{BufferSize: opts.BufferSize})
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	dst, err := proxy.Open(ctx, imageURL, backend.ReadWrite, opts.proxyConfig())
	if err != nil {
		return nil, err
	}
	defer func() { _ = dst.Close() }()

	if src.Size() > dst.Size() || (opts.Checksum != "" && src.Size() != dst.Size()) {
		return nil, fmt.Errorf("%w: local %d bytes, remote %d bytes", ErrSizeMismatch, src.Size(), dst.Size())
	}

	zero := func(ctx context.Context, ext backend.Extent) error {
		err := dst.Zero(ctx, ext.Start, ext.Length, true)
		if !errors.Is(err, backend.ErrNotSupported) {
			return err
		}
		return writeZeroes(ctx, dst, ext)
	}

	stats, err := transfer(ctx, src, dst, zero, opts)
	if err != nil {
		return nil, err
	}
	if err := dst.Flush(ctx); err != nil {
		return nil, err
	}
	if err := verify(ctx, dst, stats, opts.Checksum); err != nil {
		return stats, err
	}

	logger.DebugCtx(ctx, "Image uploaded",
		logger.URL(imageURL),
		logger.KeySize, stats.Size,
		logger.Bytes(stats.Data),
		logger.DurationMs(stats.Duration))
	return stats, nil
}

// Checksum asks the daemon for the checksum of the image at imageURL.
func Checksum(ctx context.Context, imageURL, algorithm string, opts TransferOptions) (checksum.Result, error) {
	b, err := proxy.Open(ctx, imageURL, backend.ReadOnly, opts.proxyConfig())
	if err != nil {
		return checksum.Result{}, err
	}
	defer func() { _ = b.Close() }()
	return b.Checksum(ctx, algorithm)
}

// FileChecksum computes the checksum of a local file with the same
// algorithm the daemon uses.
func FileChecksum(ctx context.Context, path, algorithm string) (checksum.Result, error) {
	if algorithm == "" {
		algorithm = checksum.Default
	}
	sum, err := checksum.New(algorithm)
	if err != nil {
		return checksum.Result{}, err
	}
	b, err := file.Open(path, backend.ReadOnly, file.Config{})
	if err != nil {
		return checksum.Result{}, err
	}
	defer func() { _ = b.Close() }()

	buf := bufpool.Get(int(min(int64(b.BufferSize()), max(b.Size(), 1))))
	defer bufpool.Put(buf)

	for ext, err := range b.Extents(ctx, 0, b.Size()) {
		if err != nil {
			return checksum.Result{}, err
		}
		if ext.Zero {
			checksum.Zeroes(sum, ext.Length)
			continue
		}
		for pos := ext.Start; pos < ext.End(); {
			chunk := buf[:min(int64(len(buf)), ext.End()-pos)]
			if _, err := b.ReadAt(ctx, chunk, pos); err != nil {
				return checksum.Result{}, err
			}
			sum.Write(chunk)
			pos += int64(len(chunk))
		}
	}
	return checksum.Result{Algorithm: algorithm, Checksum: checksum.Hex(sum), BlockSize: len(buf)}, nil
}

type zeroFunc func(ctx context.Context, ext backend.Extent) error

// transfer walks the source extents, copying data extents chunk by chunk and
// handing zero extents to zero. When opts.Checksum is set the source image
// is folded into a running hash on the way.
func transfer(ctx context.Context, src, dst backend.Backend, zero zeroFunc, opts TransferOptions) (*TransferStats, error) {
	var sum hash.Hash
	if opts.Checksum != "" {
		h, err := checksum.New(opts.Checksum)
		if err != nil {
			return nil, err
		}
		sum = h
	}

	size := src.Size()
	stats := &TransferStats{Size: size}
	start := time.Now()
	buf := bufpool.Get(int(min(int64(dst.BufferSize()), max(size, 1))))
	defer bufpool.Put(buf)

	var done int64
	report := func(n int64) {
		done += n
		if opts.Progress != nil {
			opts.Progress(done, size)
		}
	}

	for ext, err := range src.Extents(ctx, 0, size) {
		if err != nil {
			return nil, err
		}
		if ext.Zero {
			if err := zero(ctx, ext); err != nil {
				return nil, fmt.Errorf("zero %d+%d: %w", ext.Start, ext.Length, err)
			}
			if sum != nil {
				checksum.Zeroes(sum, ext.Length)
			}
			stats.Zero += ext.Length
			report(ext.Length)
			continue
		}
		for pos := ext.Start; pos < ext.End(); {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			chunk := buf[:min(int64(len(buf)), ext.End()-pos)]
			if _, err := src.ReadAt(ctx, chunk, pos); err != nil {
				return nil, fmt.Errorf("read at %d: %w", pos, err)
			}
			if _, err := dst.WriteAt(ctx, chunk, pos); err != nil {
				return nil, fmt.Errorf("write at %d: %w", pos, err)
			}
			if sum != nil {
				sum.Write(chunk)
			}
			n := int64(len(chunk))
			pos += n
			stats.Data += n
			report(n)
		}
	}

	stats.Duration = time.Since(start)
	if sum != nil {
		stats.Checksum = checksum.Hex(sum)
	}
	return stats, nil
}

func writeZeroes(ctx context.Context, dst backend.Backend, ext backend.Extent) error {
	buf := bufpool.Get(int(min(int64(dst.BufferSize()), ext.Length)))
	defer bufpool.Put(buf)
	clear(buf)
	for pos := ext.Start; pos < ext.End(); {
		chunk := buf[:min(int64(len(buf)), ext.End()-pos)]
		if _, err := dst.WriteAt(ctx, chunk, pos); err != nil {
			return err
		}
		pos += int64(len(chunk))
	}
	return nil
}

// verify compares the locally folded checksum with the one computed by the
// daemon for remote.
func verify(ctx context.Context, remote *proxy.Backend, stats *TransferStats, algorithm string) error {
	if algorithm == "" {
		return nil
	}
	res, err := remote.Checksum(ctx, algorithm)
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	if res.Checksum != stats.Checksum {
		return fmt.Errorf("%w: local %s, remote %s", ErrChecksumMismatch, stats.Checksum, res.Checksum)
	}
	return nil
}

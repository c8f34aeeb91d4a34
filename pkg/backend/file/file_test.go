package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/pkg/backend"
)

const testSize = 1 << 20

func newImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.raw")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func openRW(t *testing.T, path string) *Backend {
	t.Helper()
	b, err := Open(path, backend.ReadWrite, Config{BufferSize: 64 << 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251)
	}
	return p
}

func collect(t *testing.T, b backend.Backend, off, length int64) []backend.Extent {
	t.Helper()
	var extents []backend.Extent
	for e, err := range b.Extents(context.Background(), off, length) {
		require.NoError(t, err)
		extents = append(extents, e)
	}
	return extents
}

func TestOpen(t *testing.T) {
	t.Run("MissingFileUnavailable", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "nope"), backend.ReadOnly, DefaultConfig())
		assert.ErrorIs(t, err, backend.ErrUnavailable)
	})

	t.Run("DirectoryUnavailable", func(t *testing.T) {
		_, err := Open(t.TempDir(), backend.ReadOnly, DefaultConfig())
		assert.ErrorIs(t, err, backend.ErrUnavailable)
	})

	t.Run("Properties", func(t *testing.T) {
		b, err := Open(newImage(t, testSize), backend.ReadOnly, Config{})
		require.NoError(t, err)
		defer b.Close()

		assert.Equal(t, "file", b.Name())
		assert.Equal(t, int64(testSize), b.Size())
		assert.Equal(t, 8<<20, b.BufferSize())
		assert.False(t, b.Capabilities().Write)
		assert.True(t, b.Capabilities().Extents)
	})
}

func TestRoundTrip(t *testing.T) {
	b := openRW(t, newImage(t, testSize))
	ctx := context.Background()
	const l = 4096

	for _, off := range []int64{0, testSize - l, testSize / 2} {
		data := pattern(l, byte(off))
		n, err := b.WriteAt(ctx, data, off)
		require.NoError(t, err)
		require.Equal(t, l, n)

		got := make([]byte, l)
		n, err = b.ReadAt(ctx, got, off)
		require.NoError(t, err)
		require.Equal(t, l, n)
		assert.Equal(t, data, got, "offset %d", off)
	}
	require.NoError(t, b.Flush(ctx))
}

func TestRangeChecks(t *testing.T) {
	b := openRW(t, newImage(t, testSize))
	ctx := context.Background()

	_, err := b.ReadAt(ctx, make([]byte, 10), testSize-5)
	assert.ErrorIs(t, err, backend.ErrOutOfRange)
	_, err = b.WriteAt(ctx, make([]byte, 10), testSize-5)
	assert.ErrorIs(t, err, backend.ErrOutOfRange)
	assert.ErrorIs(t, b.Zero(ctx, -1, 10, true), backend.ErrOutOfRange)
	for _, err := range b.Extents(ctx, 0, testSize+1) {
		assert.ErrorIs(t, err, backend.ErrOutOfRange)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	b, err := Open(newImage(t, testSize), backend.ReadOnly, DefaultConfig())
	require.NoError(t, err)
	defer b.Close()

	_, err = b.WriteAt(context.Background(), []byte("x"), 0)
	assert.ErrorIs(t, err, backend.ErrNotSupported)
	assert.ErrorIs(t, b.Zero(context.Background(), 0, 1, false), backend.ErrNotSupported)
}

func TestZero(t *testing.T) {
	for _, punch := range []bool{true, false} {
		t.Run(map[bool]string{true: "Punch", false: "Allocate"}[punch], func(t *testing.T) {
			b := openRW(t, newImage(t, testSize))
			ctx := context.Background()

			data := pattern(256<<10, 7)
			_, err := b.WriteAt(ctx, data, 0)
			require.NoError(t, err)

			require.NoError(t, b.Zero(ctx, 64<<10, 128<<10, punch))

			got := make([]byte, 256<<10)
			_, err = b.ReadAt(ctx, got, 0)
			require.NoError(t, err)
			assert.Equal(t, data[:64<<10], got[:64<<10])
			assert.Equal(t, make([]byte, 128<<10), got[64<<10:192<<10])
			assert.Equal(t, data[192<<10:], got[192<<10:])
		})
	}

	t.Run("WriteFallback", func(t *testing.T) {
		b := openRW(t, newImage(t, testSize))
		ctx := context.Background()
		_, err := b.WriteAt(ctx, bytes.Repeat([]byte{1}, 1000), 0)
		require.NoError(t, err)
		f, release, err := b.file()
		require.NoError(t, err)
		require.NoError(t, b.writeZeroes(ctx, f, 10, 900))
		release()

		got := make([]byte, 1000)
		_, err = b.ReadAt(ctx, got, 0)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{1}, 10), got[:10])
		assert.Equal(t, make([]byte, 900), got[10:910])
	})
}

func TestExtents(t *testing.T) {
	b := openRW(t, newImage(t, testSize))
	ctx := context.Background()

	written := [][2]int64{{0, 64 << 10}, {512 << 10, 64 << 10}}
	for _, w := range written {
		_, err := b.WriteAt(ctx, pattern(int(w[1]), 3), w[0])
		require.NoError(t, err)
	}

	extents := collect(t, b, 0, testSize)
	require.NotEmpty(t, extents)

	// Union covers the range with no gaps or overlaps.
	pos := int64(0)
	for _, e := range extents {
		assert.Equal(t, pos, e.Start)
		assert.Positive(t, e.Length)
		pos = e.End()
	}
	assert.Equal(t, int64(testSize), pos)

	// Written data is never reported as zero.
	for _, e := range extents {
		if !e.Zero {
			continue
		}
		for _, w := range written {
			assert.False(t, e.Start < w[0]+w[1] && w[0] < e.End(), "zero extent %+v overlaps data %v", e, w)
		}
	}

	t.Run("SubRange", func(t *testing.T) {
		sub := collect(t, b, 32<<10, 64<<10)
		require.NotEmpty(t, sub)
		assert.Equal(t, int64(32<<10), sub[0].Start)
		assert.Equal(t, int64(96<<10), sub[len(sub)-1].End())
	})

	t.Run("EarlyStop", func(t *testing.T) {
		count := 0
		for range b.Extents(ctx, 0, testSize) {
			count++
			break
		}
		assert.Equal(t, 1, count)
	})
}

func TestConcurrentReaders(t *testing.T) {
	path := newImage(t, testSize)
	w := openRW(t, path)
	ctx := context.Background()

	first := pattern(testSize/2, 1)
	second := pattern(testSize/2, 2)
	_, err := w.WriteAt(ctx, first, 0)
	require.NoError(t, err)
	_, err = w.WriteAt(ctx, second, testSize/2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, want := range [][]byte{first, second} {
		wg.Add(1)
		go func(off int64, want []byte) {
			defer wg.Done()
			r, err := Open(path, backend.ReadOnly, DefaultConfig())
			if !assert.NoError(t, err) {
				return
			}
			defer r.Close()
			got := make([]byte, len(want))
			for j := 0; j < 20; j++ {
				_, err := r.ReadAt(ctx, got, off)
				assert.NoError(t, err)
				assert.Equal(t, want, got)
			}
		}(int64(i)*testSize/2, want)
	}
	wg.Wait()
}

func TestClose(t *testing.T) {
	b, err := Open(newImage(t, testSize), backend.ReadOnly, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.ReadAt(context.Background(), make([]byte, 1), 0)
	assert.ErrorIs(t, err, backend.ErrClosed)
}

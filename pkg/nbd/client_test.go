package nbd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marmos91/imageiod/pkg/nbd/nbdtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 1 << 20

func dial(t *testing.T, srv *nbdtest.Server, opts Options) *Client {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	c, err := Dial(context.Background(), "tcp", srv.Addr(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialNegotiates(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Export: "disk", Size: testSize})
	c := dial(t, srv, Options{ExportName: "disk"})

	assert.Equal(t, int64(testSize), c.Size())
	assert.False(t, c.ReadOnly())
	assert.True(t, c.CanFlush())
	assert.True(t, c.CanZero())
	assert.True(t, c.CanMultiConn())
	assert.True(t, c.StructuredReplies())
	assert.True(t, c.HasBlockStatus())
}

func TestDialWithoutStructuredReplies(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Size: testSize, NoStructuredReplies: true})
	c := dial(t, srv, Options{})

	assert.False(t, c.StructuredReplies())
	assert.False(t, c.HasBlockStatus())

	_, err := c.BlockStatus(0, testSize)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDialUnknownExport(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Export: "disk", Size: testSize})

	_, err := Dial(context.Background(), "tcp", srv.Addr(), Options{ExportName: "other", Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, ErrExport)
}

func TestRoundTrip(t *testing.T) {
	for _, structured := range []bool{true, false} {
		name := "simple"
		if structured {
			name = "structured"
		}
		t.Run(name, func(t *testing.T) {
			srv := nbdtest.Start(t, nbdtest.Config{Size: testSize, NoStructuredReplies: !structured})
			c := dial(t, srv, Options{})

			const l = 12345
			for _, off := range []int64{0, testSize - l, testSize/2 + 7} {
				pattern := bytes.Repeat([]byte{byte(off % 251)}, l)
				pattern[0], pattern[l-1] = 0xAA, 0x55

				require.NoError(t, c.WriteAt(pattern, off))

				got := make([]byte, l)
				require.NoError(t, c.ReadAt(got, off))
				assert.Equal(t, pattern, got, "offset %d", off)
			}
			assert.Equal(t, 3, srv.Commands(nbdtest.CmdWrite))
			assert.Equal(t, 3, srv.Commands(nbdtest.CmdRead))
		})
	}
}

func TestReadOutOfRange(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Size: testSize})
	c := dial(t, srv, Options{})

	err := c.ReadAt(make([]byte, 10), testSize-5)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, uint32(errInval), cmdErr.Errno)

	// The connection stays usable after a command error.
	require.NoError(t, c.ReadAt(make([]byte, 10), 0))
}

func TestReadOnlyExport(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Size: testSize, ReadOnly: true})
	c := dial(t, srv, Options{})

	require.True(t, c.ReadOnly())
	err := c.WriteAt([]byte("data"), 0)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, uint32(errPerm), cmdErr.Errno)
}

func TestCommandErrors(t *testing.T) {
	for _, structured := range []bool{true, false} {
		srv := nbdtest.Start(t, nbdtest.Config{Size: testSize, NoStructuredReplies: !structured})
		c := dial(t, srv, Options{})

		srv.FailCommand(nbdtest.CmdFlush, errIO)
		err := c.Flush()
		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, "flush", cmdErr.Command)
		assert.Equal(t, uint32(errIO), cmdErr.Errno)
		if structured {
			assert.NotEmpty(t, cmdErr.Message)
		}

		srv.FailCommand(nbdtest.CmdFlush, 0)
		assert.NoError(t, c.Flush())
	}
}

func TestZero(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Size: testSize})
	c := dial(t, srv, Options{})

	require.NoError(t, c.WriteAt(bytes.Repeat([]byte{1}, 4*nbdtest.BlockSize), 0))

	t.Run("Punch", func(t *testing.T) {
		require.NoError(t, c.Zero(0, 2*nbdtest.BlockSize, true))
		assert.False(t, srv.Allocated(0))
		assert.False(t, srv.Allocated(nbdtest.BlockSize))
	})

	t.Run("KeepAllocated", func(t *testing.T) {
		require.NoError(t, c.Zero(2*nbdtest.BlockSize, 2*nbdtest.BlockSize, false))
		assert.True(t, srv.Allocated(2*nbdtest.BlockSize))
	})

	got := make([]byte, 4*nbdtest.BlockSize)
	require.NoError(t, c.ReadAt(got, 0))
	assert.Equal(t, make([]byte, len(got)), got)
}

func TestBlockStatus(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Size: testSize})
	c := dial(t, srv, Options{})

	srv.Fill(bytes.Repeat([]byte{7}, 2*nbdtest.BlockSize), 2*nbdtest.BlockSize)
	require.NoError(t, c.Zero(8*nbdtest.BlockSize, nbdtest.BlockSize, false))

	extents, err := c.BlockStatus(0, testSize)
	require.NoError(t, err)

	want := []Extent{
		{Offset: 0, Length: 2 * nbdtest.BlockSize, Flags: StateHole | StateZero},
		{Offset: 2 * nbdtest.BlockSize, Length: 2 * nbdtest.BlockSize, Flags: 0},
		{Offset: 4 * nbdtest.BlockSize, Length: 4 * nbdtest.BlockSize, Flags: StateHole | StateZero},
		{Offset: 8 * nbdtest.BlockSize, Length: nbdtest.BlockSize, Flags: StateZero},
		{Offset: 9 * nbdtest.BlockSize, Length: testSize - 9*nbdtest.BlockSize, Flags: StateHole | StateZero},
	}
	assert.Equal(t, want, extents)
	assert.True(t, extents[0].Hole())
	assert.True(t, extents[3].Zero())
	assert.False(t, extents[3].Hole())

	t.Run("SubRange", func(t *testing.T) {
		extents, err := c.BlockStatus(3*nbdtest.BlockSize, 2*nbdtest.BlockSize)
		require.NoError(t, err)
		require.Len(t, extents, 2)
		assert.Equal(t, Extent{Offset: 3 * nbdtest.BlockSize, Length: nbdtest.BlockSize}, extents[0])
		assert.True(t, extents[1].Hole())
	})
}

func TestClose(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Size: testSize})
	c, err := Dial(context.Background(), "tcp", srv.Addr(), Options{Timeout: 5 * time.Second})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	err = c.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestServerGoneBreaksClient(t *testing.T) {
	srv := nbdtest.Start(t, nbdtest.Config{Size: testSize})
	c := dial(t, srv, Options{Timeout: time.Second})

	srv.Close()

	err := c.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Flush(), ErrClosed)
}

package dataplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/internal/api/problem"
)

func TestParseRange(t *testing.T) {
	const size = 1000

	tests := []struct {
		name    string
		header  string
		off     int64
		length  int64
		bounded bool
	}{
		{"Empty", "", 0, size, false},
		{"Closed", "bytes=0-99", 0, 100, true},
		{"SingleByte", "bytes=999-999", 999, 1, true},
		{"Open", "bytes=100-", 100, 900, false},
		{"Suffix", "bytes=-10", 990, 10, false},
		{"SuffixLongerThanSize", "bytes=-5000", 0, 1000, false},
		{"Spaces", "bytes= 5-9", 5, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := parseRange(tt.header)
			require.NoError(t, err)
			off, length := r.resolve(size)
			assert.Equal(t, tt.off, off)
			assert.Equal(t, tt.length, length)
			assert.Equal(t, tt.bounded, r.bounded())
		})
	}

	invalid := map[string]string{
		"Unit":     "items=0-1",
		"Multiple": "bytes=0-1,5-9",
		"NoDash":   "bytes=10",
		"Reversed": "bytes=9-5",
		"Negative": "bytes=-0",
		"Garbage":  "bytes=a-b",
	}
	for name, header := range invalid {
		t.Run("Invalid"+name, func(t *testing.T) {
			_, err := parseRange(header)
			assert.ErrorIs(t, err, problem.ErrBadRequest)
		})
	}
}

func TestParseContentRange(t *testing.T) {
	off, length, err := parseContentRange("bytes 512-1023/4096")
	require.NoError(t, err)
	assert.Equal(t, int64(512), off)
	assert.Equal(t, int64(512), length)

	off, length, err = parseContentRange("bytes 0-0/*")
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, int64(1), length)

	for _, h := range []string{"0-10/20", "bytes 0-10", "bytes 10-0/20", "bytes x-1/2"} {
		_, _, err := parseContentRange(h)
		assert.ErrorIs(t, err, problem.ErrBadRequest, h)
	}
}

func TestContentRange(t *testing.T) {
	assert.Equal(t, "bytes 100-199/1000", contentRange(100, 100, 1000))
}

func TestParseFlag(t *testing.T) {
	for _, v := range []string{"y", "YES", "true", "1", "on"} {
		got, err := parseFlag("flush", v, false)
		require.NoError(t, err)
		assert.True(t, got, v)
	}
	for _, v := range []string{"n", "No", "false", "0", "off"} {
		got, err := parseFlag("flush", v, true)
		require.NoError(t, err)
		assert.False(t, got, v)
	}

	got, err := parseFlag("flush", "", true)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = parseFlag("flush", "maybe", true)
	assert.ErrorIs(t, err, problem.ErrBadRequest)
}

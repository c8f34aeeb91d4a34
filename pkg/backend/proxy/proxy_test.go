package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imageiod/pkg/backend"
	"github.com/marmos91/imageiod/pkg/checksum"
)

const testSize = 256 << 10

// remote is a minimal data plane serving one in-memory image.
type remote struct {
	mu       sync.Mutex
	data     []byte
	readOnly bool
	flushes  int
	zeroes   []patchRequest
}

func newRemote(t *testing.T, readOnly bool) (*remote, string) {
	t.Helper()
	r := &remote{data: make([]byte, testSize), readOnly: readOnly}

	router := chi.NewRouter()
	router.Options("/images/{id}", r.options)
	router.Get("/images/{id}", r.get)
	router.Put("/images/{id}", r.put)
	router.Patch("/images/{id}", r.patch)
	router.Get("/images/{id}/extents", r.extents)
	router.Get("/images/{id}/checksum", r.checksum)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return r, srv.URL + "/images/ticket-1"
}

func (r *remote) options(w http.ResponseWriter, _ *http.Request) {
	features := []string{"extents"}
	if !r.readOnly {
		features = append(features, "zero", "flush")
	}
	_ = json.NewEncoder(w).Encode(options{Features: features, MaxReaders: 8, MaxWriters: 8})
}

func (r *remote) get(w http.ResponseWriter, req *http.Request) {
	var start, end int64
	if _, err := fmt.Sscanf(req.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
		http.Error(w, "range required", http.StatusBadRequest)
		return
	}
	if end >= testSize {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	r.mu.Lock()
	chunk := bytes.Clone(r.data[start : end+1])
	r.mu.Unlock()
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, testSize))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(chunk)
}

func (r *remote) put(w http.ResponseWriter, req *http.Request) {
	if r.readOnly {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"title":"Forbidden","detail":"ticket does not allow write"}`))
		return
	}
	var start, end int64
	if _, err := fmt.Sscanf(req.Header.Get("Content-Range"), "bytes %d-%d/*", &start, &end); err != nil {
		http.Error(w, "bad Content-Range", http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	copy(r.data[start:], body)
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *remote) patch(w http.ResponseWriter, req *http.Request) {
	var body patchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch body.Op {
	case "zero":
		clear(r.data[body.Offset : body.Offset+body.Size])
		r.zeroes = append(r.zeroes, body)
	case "flush":
		r.flushes++
	}
	w.WriteHeader(http.StatusOK)
}

// extents reports 4 KiB blocks of zeroes as zero extents.
func (r *remote) extents(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []backend.Extent
	for off := int64(0); off < testSize; off += 4096 {
		zero := bytes.Count(r.data[off:off+4096], []byte{0}) == 4096
		if n := len(out); n > 0 && out[n-1].Zero == zero {
			out[n-1].Length += 4096
			continue
		}
		out = append(out, backend.Extent{Start: off, Length: 4096, Zero: zero})
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (r *remote) checksum(w http.ResponseWriter, req *http.Request) {
	alg := req.URL.Query().Get("algorithm")
	sum, err := checksum.New(alg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	sum.Write(r.data)
	r.mu.Unlock()
	if alg == "" {
		alg = checksum.Default
	}
	_ = json.NewEncoder(w).Encode(checksum.Result{Algorithm: alg, Checksum: checksum.Hex(sum), BlockSize: 4096})
}

func TestOpen(t *testing.T) {
	_, url := newRemote(t, false)
	b, err := Open(context.Background(), url, backend.ReadWrite, Config{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.Equal(t, "http", b.Name())
	assert.Equal(t, int64(testSize), b.Size())
	assert.Equal(t, backend.Capabilities{Write: true, Extents: true, Zero: true, Flush: true}, b.Capabilities())
}

func TestOpenErrors(t *testing.T) {
	t.Run("ReadOnlyRemote", func(t *testing.T) {
		_, url := newRemote(t, true)
		_, err := Open(context.Background(), url, backend.ReadWrite, Config{})
		assert.ErrorIs(t, err, backend.ErrNotSupported)
	})

	t.Run("NotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		_, err := Open(context.Background(), srv.URL+"/images/x", backend.ReadOnly, Config{})
		assert.ErrorIs(t, err, backend.ErrUnavailable)
	})

	t.Run("Refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := Open(context.Background(), url+"/images/x", backend.ReadOnly, Config{})
		assert.ErrorIs(t, err, backend.ErrUnavailable)
	})
}

func TestRoundTrip(t *testing.T) {
	r, url := newRemote(t, false)
	b, err := Open(context.Background(), url, backend.ReadWrite, Config{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	const l = 10000
	for _, off := range []int64{0, testSize - l, 100000} {
		pattern := bytes.Repeat([]byte{byte(off%200) + 1}, l)
		n, err := b.WriteAt(ctx, pattern, off)
		require.NoError(t, err)
		assert.Equal(t, l, n)

		got := make([]byte, l)
		n, err = b.ReadAt(ctx, got, off)
		require.NoError(t, err)
		assert.Equal(t, l, n)
		assert.Equal(t, pattern, got)
	}

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 1, r.flushes)
}

func TestZeroAndExtents(t *testing.T) {
	r, url := newRemote(t, false)
	ctx := context.Background()
	b, err := Open(ctx, url, backend.ReadWrite, Config{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.WriteAt(ctx, bytes.Repeat([]byte{1}, 3*4096), 4096)
	require.NoError(t, err)
	require.NoError(t, b.Zero(ctx, 2*4096, 4096, true))
	require.Len(t, r.zeroes, 1)
	assert.Equal(t, patchRequest{Op: "zero", Offset: 2 * 4096, Size: 4096}, r.zeroes[0])

	var got []backend.Extent
	for e, err := range b.Extents(ctx, 2048, 4*4096) {
		require.NoError(t, err)
		got = append(got, e)
	}
	assert.Equal(t, []backend.Extent{
		{Start: 2048, Length: 2048, Zero: true},
		{Start: 4096, Length: 4096},
		{Start: 2 * 4096, Length: 4096, Zero: true},
		{Start: 3 * 4096, Length: 4096},
		{Start: 4 * 4096, Length: 2048, Zero: true},
	}, got)
}

func TestReadOnly(t *testing.T) {
	_, url := newRemote(t, true)
	ctx := context.Background()
	b, err := Open(ctx, url, backend.ReadOnly, Config{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	assert.False(t, b.Capabilities().Write)
	_, err = b.WriteAt(ctx, []byte("x"), 0)
	assert.ErrorIs(t, err, backend.ErrNotSupported)
	assert.ErrorIs(t, b.Zero(ctx, 0, 1, false), backend.ErrNotSupported)
	assert.NoError(t, b.Flush(ctx))
}

func TestRangeChecks(t *testing.T) {
	_, url := newRemote(t, false)
	ctx := context.Background()
	b, err := Open(ctx, url, backend.ReadWrite, Config{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.ReadAt(ctx, make([]byte, 2), testSize-1)
	assert.ErrorIs(t, err, backend.ErrOutOfRange)
	_, err = b.WriteAt(ctx, make([]byte, 2), testSize-1)
	assert.ErrorIs(t, err, backend.ErrOutOfRange)
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusRequestedRangeNotSatisfiable, backend.ErrOutOfRange},
		{http.StatusMethodNotAllowed, backend.ErrNotSupported},
		{http.StatusForbidden, backend.ErrUnavailable},
		{http.StatusServiceUnavailable, backend.ErrUnavailable},
		{http.StatusInternalServerError, backend.ErrIO},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(tt.status)
			_, _ = rec.WriteString(`{"title":"t","detail":"remote detail"}`)

			err := statusError(http.MethodGet, rec.Result())
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "remote detail")
		})
	}
}

func TestClose(t *testing.T) {
	_, url := newRemote(t, false)
	b, err := Open(context.Background(), url, backend.ReadOnly, Config{})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.ReadAt(context.Background(), make([]byte, 1), 0)
	assert.ErrorIs(t, err, backend.ErrClosed)
}

func TestChecksum(t *testing.T) {
	r, url := newRemote(t, true)
	ctx := context.Background()
	b, err := Open(ctx, url, backend.ReadOnly, Config{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	r.data[100] = 7
	want, err := checksum.New(checksum.SHA256)
	require.NoError(t, err)
	want.Write(r.data)

	res, err := b.Checksum(ctx, checksum.SHA256)
	require.NoError(t, err)
	assert.Equal(t, checksum.SHA256, res.Algorithm)
	assert.Equal(t, checksum.Hex(want), res.Checksum)

	res, err = b.Checksum(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, checksum.Default, res.Algorithm)

	_, err = b.Checksum(ctx, "md5")
	assert.ErrorIs(t, err, backend.ErrIO)
}

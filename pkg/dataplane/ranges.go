package dataplane

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/imageiod/internal/api/problem"
)

// byteRange is a single range from a Range header. last is -1 for an open
// range ("bytes=100-"); suffix ranges ("bytes=-100") set suffix and keep
// the length in last.
type byteRange struct {
	first  int64
	last   int64
	suffix bool
}

// parseRange parses a Range header. An empty header yields nil. Only a single
// byte range is supported.
func parseRange(h string) (*byteRange, error) {
	if h == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported range unit in %q", problem.ErrBadRequest, h)
	}
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: multiple ranges are not supported", problem.ErrBadRequest)
	}
	firstStr, lastStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, fmt.Errorf("%w: invalid range %q", problem.ErrBadRequest, h)
	}

	if firstStr == "" {
		n, err := parseOffset(lastStr)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: invalid suffix range %q", problem.ErrBadRequest, h)
		}
		return &byteRange{last: n, suffix: true}, nil
	}

	first, err := parseOffset(firstStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid range start %q", problem.ErrBadRequest, h)
	}
	if lastStr == "" {
		return &byteRange{first: first, last: -1}, nil
	}
	last, err := parseOffset(lastStr)
	if err != nil || last < first {
		return nil, fmt.Errorf("%w: invalid range end %q", problem.ErrBadRequest, h)
	}
	return &byteRange{first: first, last: last}, nil
}

// resolve returns the offset and length of the range against size. A nil
// range covers the whole resource.
func (r *byteRange) resolve(size int64) (off, length int64) {
	switch {
	case r == nil:
		return 0, size
	case r.suffix:
		n := min(r.last, size)
		return size - n, n
	case r.last < 0:
		return r.first, size - r.first
	default:
		return r.first, r.last - r.first + 1
	}
}

// bounded reports whether the range names its end explicitly.
func (r *byteRange) bounded() bool {
	return r != nil && !r.suffix && r.last >= 0
}

// parseContentRange parses "bytes first-last/total" (total may be "*") from
// a PUT request and returns the offset and length.
func parseContentRange(h string) (off, length int64, err error) {
	spec, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("%w: unsupported content range %q", problem.ErrBadRequest, h)
	}
	rng, _, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: content range %q has no total", problem.ErrBadRequest, h)
	}
	firstStr, lastStr, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: invalid content range %q", problem.ErrBadRequest, h)
	}
	first, err1 := parseOffset(firstStr)
	last, err2 := parseOffset(lastStr)
	if err1 != nil || err2 != nil || last < first {
		return 0, 0, fmt.Errorf("%w: invalid content range %q", problem.ErrBadRequest, h)
	}
	return first, last - first + 1, nil
}

// contentRange formats the Content-Range of a partial response.
func contentRange(off, length, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", off, off+length-1, size)
}

func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative offset %d", n)
	}
	return n, nil
}

// parseFlag parses boolean query values ("y", "n", "yes", "no", "true",
// "false", "1", "0"). An empty value yields def.
func parseFlag(name, v string, def bool) (bool, error) {
	switch strings.ToLower(v) {
	case "":
		return def, nil
	case "y", "yes", "true", "1", "on":
		return true, nil
	case "n", "no", "false", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: invalid %s value %q", problem.ErrBadRequest, name, v)
	}
}

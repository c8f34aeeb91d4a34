package backend

import (
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqOf(extents ...Extent) iter.Seq2[Extent, error] {
	return func(yield func(Extent, error) bool) {
		for _, e := range extents {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func drain(t *testing.T, seq iter.Seq2[Extent, error]) []Extent {
	t.Helper()
	var out []Extent
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestCheckRange(t *testing.T) {
	assert.NoError(t, CheckRange(0, 100, 100))
	assert.NoError(t, CheckRange(100, 0, 100))
	assert.ErrorIs(t, CheckRange(1, 100, 100), ErrOutOfRange)
	assert.ErrorIs(t, CheckRange(-1, 1, 100), ErrOutOfRange)
	assert.ErrorIs(t, CheckRange(0, -1, 100), ErrOutOfRange)
	assert.ErrorIs(t, CheckRange(1<<62, 1<<62, 100), ErrOutOfRange)
}

func TestMerge(t *testing.T) {
	got := drain(t, Merge(seqOf(
		Extent{Start: 0, Length: 10},
		Extent{Start: 10, Length: 10},
		Extent{Start: 20, Length: 0},
		Extent{Start: 20, Length: 5, Zero: true},
		Extent{Start: 25, Length: 5, Zero: true},
		Extent{Start: 30, Length: 5, Zero: true, Hole: true},
		Extent{Start: 35, Length: 5},
	)))

	assert.Equal(t, []Extent{
		{Start: 0, Length: 20},
		{Start: 20, Length: 10, Zero: true},
		{Start: 30, Length: 5, Zero: true, Hole: true},
		{Start: 35, Length: 5},
	}, got)
}

func TestMergePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	seq := func(yield func(Extent, error) bool) {
		if !yield(Extent{Start: 0, Length: 1}, nil) {
			return
		}
		yield(Extent{}, boom)
	}

	var errs []error
	for _, err := range Merge(seq) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	assert.Equal(t, []error{boom}, errs)
}

func TestSingleExtent(t *testing.T) {
	assert.Equal(t, []Extent{{Start: 5, Length: 10}}, drain(t, SingleExtent(5, 10)))
	assert.Empty(t, drain(t, SingleExtent(5, 0)))
}

func TestCapabilitiesFeatures(t *testing.T) {
	assert.Equal(t, []string{"extents"}, Capabilities{}.Features())
	assert.Equal(t, []string{"extents", "zero", "flush"}, Capabilities{Write: true}.Features())
}

package bitmap

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAtomic_InvalidPageSize(t *testing.T) {
	t.Parallel()

	for _, pageSize := range []uint64{0, 3, 4095, 6000} {
		_, err := NewAtomic(1<<20, pageSize)
		require.ErrorIs(t, err, InvalidPageSizeError{PageSize: pageSize})
	}
}

func TestAtomic_Len(t *testing.T) {
	t.Parallel()

	b, err := NewAtomic(0x1000*3+1, 0x1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), b.Len())
	assert.Equal(t, uint64(0x1000), b.PageSize())
}

func TestAtomic_MarkDirty(t *testing.T) {
	t.Parallel()

	const pageSize = 0x1000

	tests := []struct {
		name   string
		offset uint64
		length uint64
		pages  []uint
	}{
		{name: "zero length marks nothing", offset: 0x1000, length: 0},
		{name: "single byte", offset: 0x1234, length: 1, pages: []uint{1}},
		{name: "whole page", offset: 0x2000, length: pageSize, pages: []uint{2}},
		{name: "straddles two pages", offset: 0xfff, length: 2, pages: []uint{0, 1}},
		{name: "spans three pages", offset: 0x800, length: 0x1801, pages: []uint{0, 1, 2}},
		{name: "clamped at the end", offset: 0x3f000, length: 0x10000, pages: []uint{63}},
		{name: "past the end is ignored", offset: 0x40000, length: 0x1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, err := NewAtomic(64*pageSize, pageSize)
			require.NoError(t, err)

			b.MarkDirty(tt.offset, tt.length)

			got := slices.Collect(b.Snapshot().EachSet())
			assert.Equal(t, len(tt.pages), len(got))
			if len(tt.pages) > 0 {
				assert.Equal(t, tt.pages, got)
			}
		})
	}
}

func TestAtomic_MarkDirtyAcrossWords(t *testing.T) {
	t.Parallel()

	b, err := NewAtomic(200*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	b.MarkDirty(60*DefaultPageSize, 70*DefaultPageSize)

	assert.Equal(t, uint64(70), b.Count())
	assert.False(t, b.Dirty(59*DefaultPageSize))
	assert.True(t, b.Dirty(60*DefaultPageSize))
	assert.True(t, b.Dirty(129*DefaultPageSize))
	assert.False(t, b.Dirty(130*DefaultPageSize))
}

func TestAtomic_MarkDirtyOverflowingLength(t *testing.T) {
	t.Parallel()

	b, err := NewAtomic(4*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	b.MarkDirty(DefaultPageSize, ^uint64(0))

	assert.Equal(t, uint64(3), b.Count())
	assert.False(t, b.Dirty(0))
}

func TestAtomic_BitOperations(t *testing.T) {
	t.Parallel()

	b, err := NewAtomic(16*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	require.NoError(t, b.SetBit(5))

	set, err := b.IsBitSet(5)
	require.NoError(t, err)
	assert.True(t, set)

	was, err := b.TestAndClear(5)
	require.NoError(t, err)
	assert.True(t, was)

	was, err = b.TestAndClear(5)
	require.NoError(t, err)
	assert.False(t, was)

	require.ErrorIs(t, b.SetBit(16), IndexOutOfRangeError{Index: 16, Len: 16})

	_, err = b.IsBitSet(100)
	require.ErrorIs(t, err, IndexOutOfRangeError{Index: 100, Len: 16})

	_, err = b.TestAndClear(16)
	require.ErrorIs(t, err, IndexOutOfRangeError{Index: 16, Len: 16})
}

func TestAtomic_Drain(t *testing.T) {
	t.Parallel()

	b, err := NewAtomic(100*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	b.MarkDirty(0, 1)
	b.MarkDirty(70*DefaultPageSize, 1)

	drained := b.Drain()
	assert.Equal(t, uint(100), drained.Len())
	assert.Equal(t, []uint{0, 70}, slices.Collect(drained.EachSet()))

	assert.Equal(t, uint64(0), b.Count())
	assert.Equal(t, uint(0), b.Drain().Count())
}

func TestAtomic_Reset(t *testing.T) {
	t.Parallel()

	b, err := NewAtomic(8*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	b.MarkDirty(0, 8*DefaultPageSize)
	assert.Equal(t, uint64(8), b.Count())

	b.Reset()
	assert.Equal(t, uint64(0), b.Count())
}

// Every page is written exactly once while another goroutine keeps draining.
// The union of all drains must contain every page.
func TestAtomic_ConcurrentDrainLosesNothing(t *testing.T) {
	t.Parallel()

	const pages = 4096

	b, err := NewAtomic(pages*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	seen := make([]bool, pages)
	stop := make(chan struct{})

	var drainer sync.WaitGroup
	drainer.Add(1)

	go func() {
		defer drainer.Done()

		for {
			for idx := range b.Drain().EachSet() {
				seen[idx] = true
			}

			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var writers sync.WaitGroup
	for w := range 8 {
		writers.Add(1)

		go func() {
			defer writers.Done()

			for p := w; p < pages; p += 8 {
				b.MarkDirty(uint64(p)*DefaultPageSize, 1)
			}
		}()
	}

	writers.Wait()
	close(stop)
	drainer.Wait()

	for idx := range b.Drain().EachSet() {
		seen[idx] = true
	}

	for p, ok := range seen {
		require.True(t, ok, "page %d was lost", p)
	}
}

func TestView(t *testing.T) {
	t.Parallel()

	b, err := NewAtomic(8*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	v := NewView(b).At(2 * DefaultPageSize)
	require.True(t, v.Enabled())

	v.MarkDirty(DefaultPageSize, 1)
	assert.True(t, b.Dirty(3*DefaultPageSize))
	assert.True(t, v.Dirty(DefaultPageSize))
	assert.Equal(t, uint64(1), b.Count())
}

func TestView_Noop(t *testing.T) {
	t.Parallel()

	v := NewView(Noop{})
	assert.False(t, v.Enabled())

	v.At(100).MarkDirty(0, 100)
	assert.False(t, v.Dirty(0))

	assert.False(t, NewView(nil).Enabled())
}

package bitmap

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

// DefaultPageSize is the granularity used for dirty tracking when none is configured.
const DefaultPageSize = 4096

const wordBits = 64

// Atomic is a fixed size bitmap with one bit per page, safe for concurrent use.
// Setting and clearing bits is done with atomic read-modify-write operations on whole words.
type Atomic struct {
	words []atomic.Uint64

	pages     uint64
	pageSize  uint64
	pageShift uint
}

var _ Bitmap = (*Atomic)(nil)

// NewAtomic creates a bitmap covering size bytes with pageSize granularity.
func NewAtomic(size, pageSize uint64) (*Atomic, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, InvalidPageSizeError{PageSize: pageSize}
	}

	pages := TotalPages(size, pageSize)

	return &Atomic{
		words:     make([]atomic.Uint64, (pages+wordBits-1)/wordBits),
		pages:     pages,
		pageSize:  pageSize,
		pageShift: uint(bits.TrailingZeros64(pageSize)),
	}, nil
}

// TotalPages returns the number of pages needed to cover size bytes.
func TotalPages(size, pageSize uint64) uint64 {
	pages := size / pageSize
	if size%pageSize != 0 {
		pages++
	}

	return pages
}

// MarkDirty marks every page touched by [offset, offset+length).
// A write straddling a page boundary marks all the pages it touches.
// Pages past the end of the bitmap are ignored.
func (b *Atomic) MarkDirty(offset, length uint64) {
	if length == 0 || b.pages == 0 {
		return
	}

	first := offset >> b.pageShift
	if first >= b.pages {
		return
	}

	end := offset + (length - 1)
	if end < offset {
		end = math.MaxUint64
	}

	last := min(end>>b.pageShift, b.pages-1)

	for w := first / wordBits; w <= last/wordBits; w++ {
		lo := max(first, w*wordBits) - w*wordBits
		hi := min(last, w*wordBits+wordBits-1) - w*wordBits

		b.words[w].Or(rangeMask(lo, hi))
	}
}

func rangeMask(lo, hi uint64) uint64 {
	n := hi - lo + 1
	if n == wordBits {
		return math.MaxUint64
	}

	return ((uint64(1) << n) - 1) << lo
}

func (b *Atomic) Dirty(offset uint64) bool {
	set, err := b.IsBitSet(offset >> b.pageShift)

	return err == nil && set
}

func (b *Atomic) SetBit(idx uint64) error {
	if idx >= b.pages {
		return IndexOutOfRangeError{Index: idx, Len: b.pages}
	}

	b.words[idx/wordBits].Or(uint64(1) << (idx % wordBits))

	return nil
}

func (b *Atomic) IsBitSet(idx uint64) (bool, error) {
	if idx >= b.pages {
		return false, IndexOutOfRangeError{Index: idx, Len: b.pages}
	}

	return b.words[idx/wordBits].Load()&(uint64(1)<<(idx%wordBits)) != 0, nil
}

// TestAndClear clears the bit and reports whether it was set, as one atomic operation.
func (b *Atomic) TestAndClear(idx uint64) (bool, error) {
	if idx >= b.pages {
		return false, IndexOutOfRangeError{Index: idx, Len: b.pages}
	}

	mask := uint64(1) << (idx % wordBits)
	old := b.words[idx/wordBits].And(^mask)

	return old&mask != 0, nil
}

// Drain returns the pages marked since the previous drain and clears them.
// Every word is swapped with zero atomically, so a concurrent MarkDirty is never lost:
// it is either part of the returned set or stays set for the next drain.
func (b *Atomic) Drain() *bitset.BitSet {
	words := make([]uint64, len(b.words))
	for i := range b.words {
		words[i] = b.words[i].Swap(0)
	}

	return bitset.FromWithLength(uint(b.pages), words)
}

// Snapshot returns the currently marked pages without clearing them.
func (b *Atomic) Snapshot() *bitset.BitSet {
	words := make([]uint64, len(b.words))
	for i := range b.words {
		words[i] = b.words[i].Load()
	}

	return bitset.FromWithLength(uint(b.pages), words)
}

// Count returns the number of marked pages.
func (b *Atomic) Count() uint64 {
	var n int
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}

	return uint64(n)
}

func (b *Atomic) Reset() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// Len returns the number of pages tracked.
func (b *Atomic) Len() uint64 {
	return b.pages
}

func (b *Atomic) PageSize() uint64 {
	return b.pageSize
}

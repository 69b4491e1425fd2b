package bitmap

import (
	"iter"

	"github.com/bits-and-blooms/bitset"
)

type Range struct {
	// Start is the start offset of the range in bytes.
	// Start is inclusive.
	Start uint64
	// Size is the size of the range in bytes.
	Size uint64
}

// End returns the exclusive end offset of the range.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

// NewRangeFromPages creates a new range from a start page index and number of pages.
func NewRangeFromPages(startIdx, pages, pageSize uint64) Range {
	return Range{
		Start: startIdx * pageSize,
		Size:  pages * pageSize,
	}
}

// Ranges returns the byte ranges covered by runs of consecutive set bits.
func Ranges(b *bitset.BitSet, pageSize uint64) iter.Seq[Range] {
	return func(yield func(Range) bool) {
		start, ok := b.NextSet(0)

		for ok {
			end, endOk := b.NextClear(start)
			if !endOk {
				end = b.Len()
			}

			if !yield(NewRangeFromPages(uint64(start), uint64(end-start), pageSize)) {
				return
			}

			if !endOk {
				return
			}

			start, ok = b.NextSet(end)
		}
	}
}

func GetSize(rs []Range) (size uint64) {
	for _, r := range rs {
		size += r.Size
	}

	return size
}

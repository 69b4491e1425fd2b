// Package volatile provides access to memory that can be changed at any time by
// an actor outside of the Go program, such as a guest vCPU or a device doing DMA.
//
// The memory is never handed out as a plain Go slice. Every access goes through
// copy routines that read and write each byte exactly once, and all offsets are
// bounds checked before any memory is touched.
package volatile

import (
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/bitmap"
)

// Slice is a bounds checked window into memory that may be mutated concurrently.
// Writes through the slice are recorded in its dirty bitmap view.
type Slice struct {
	mem    []byte
	bitmap bitmap.View
}

// New wraps mem without dirty tracking.
func New(mem []byte) Slice {
	return Slice{mem: mem}
}

// NewWithBitmap wraps mem and records writes in b. Offsets passed to b are relative to mem.
func NewWithBitmap(mem []byte, b bitmap.View) Slice {
	return Slice{mem: mem, bitmap: b}
}

func (s Slice) Len() uint64 {
	return uint64(len(s.mem))
}

func (s Slice) IsEmpty() bool {
	return len(s.mem) == 0
}

func (s Slice) Bitmap() bitmap.View {
	return s.bitmap
}

// ComputeOffset returns base + offset, failing instead of wrapping.
func ComputeOffset(base, offset uint64) (uint64, error) {
	end := base + offset
	if end < base {
		return 0, OverflowError{Base: base, Offset: offset}
	}

	return end, nil
}

// computeEndOffset returns base + offset if the result is within the slice.
func (s Slice) computeEndOffset(base, offset uint64) (uint64, error) {
	end, err := ComputeOffset(base, offset)
	if err != nil {
		return 0, err
	}

	if end > s.Len() {
		return 0, OutOfBoundsError{Addr: end}
	}

	return end, nil
}

// Subslice returns count bytes starting at offset.
func (s Slice) Subslice(offset, count uint64) (Slice, error) {
	end, err := s.computeEndOffset(offset, count)
	if err != nil {
		return Slice{}, err
	}

	return Slice{
		mem:    s.mem[offset:end:end],
		bitmap: s.bitmap.At(offset),
	}, nil
}

// Offset returns the slice starting count bytes further.
func (s Slice) Offset(count uint64) (Slice, error) {
	if count > s.Len() {
		return Slice{}, OutOfBoundsError{Addr: count}
	}

	return Slice{
		mem:    s.mem[count:],
		bitmap: s.bitmap.At(count),
	}, nil
}

// SplitAt returns [0, mid) and [mid, len).
func (s Slice) SplitAt(mid uint64) (Slice, Slice, error) {
	end, err := s.Offset(mid)
	if err != nil {
		return Slice{}, Slice{}, err
	}

	return Slice{mem: s.mem[:mid:mid], bitmap: s.bitmap}, end, nil
}

// CopyTo copies as many bytes as fit into buf and returns the count.
func (s Slice) CopyTo(buf []byte) int {
	return copySlice(buf, s.mem)
}

// CopyFrom copies as many bytes from buf as fit into the slice and returns the count.
func (s Slice) CopyFrom(buf []byte) int {
	n := copySlice(s.mem, buf)
	s.bitmap.MarkDirty(0, uint64(n))

	return n
}

// CopyToSlice copies min(s.Len(), dst.Len()) bytes into dst.
func (s Slice) CopyToSlice(dst Slice) int {
	n := copySlice(dst.mem, s.mem)
	dst.bitmap.MarkDirty(0, uint64(n))

	return n
}

// Write copies buf to addr, truncating at the end of the slice.
func (s Slice) Write(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if addr >= s.Len() {
		return 0, OutOfBoundsError{Addr: addr}
	}

	n := copySlice(s.mem[addr:], buf)
	s.bitmap.MarkDirty(addr, uint64(n))

	return n, nil
}

// Read copies from addr into buf, truncating at the end of the slice.
func (s Slice) Read(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if addr >= s.Len() {
		return 0, OutOfBoundsError{Addr: addr}
	}

	return copySlice(buf, s.mem[addr:]), nil
}

// WriteSlice is Write that fails with PartialBufferError unless all of buf was written.
func (s Slice) WriteSlice(buf []byte, addr uint64) error {
	n, err := s.Write(buf, addr)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return PartialBufferError{Expected: uint64(len(buf)), Completed: uint64(n)}
	}

	return nil
}

// ReadSlice is Read that fails with PartialBufferError unless all of buf was filled.
func (s Slice) ReadSlice(buf []byte, addr uint64) error {
	n, err := s.Read(buf, addr)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return PartialBufferError{Expected: uint64(len(buf)), Completed: uint64(n)}
	}

	return nil
}

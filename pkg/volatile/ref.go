package volatile

import (
	"math"
	"math/bits"
	"unsafe"
)

// Ref is a reference to a single plain value of type T in volatile memory.
type Ref[T any] struct {
	s Slice
}

// GetRef returns a reference to the T at off.
func GetRef[T any](s Slice, off uint64) (Ref[T], error) {
	if err := CheckPlainOf[T](); err != nil {
		return Ref[T]{}, err
	}

	var zero T

	sub, err := s.Subslice(off, uint64(unsafe.Sizeof(zero)))
	if err != nil {
		return Ref[T]{}, err
	}

	return Ref[T]{s: sub}, nil
}

func (r Ref[T]) Len() uint64 {
	return r.s.Len()
}

func (r Ref[T]) Load() T {
	var v T
	copySlice(asBytes(&v), r.s.mem)

	return v
}

func (r Ref[T]) Store(v T) {
	n := copySlice(r.s.mem, asBytes(&v))
	r.s.bitmap.MarkDirty(0, uint64(n))
}

func (r Ref[T]) ToSlice() Slice {
	return r.s
}

// ArrayRef is a reference to n consecutive plain values of type T in volatile memory.
type ArrayRef[T any] struct {
	s    Slice
	n    uint64
	size uint64
}

// GetArrayRef returns a reference to n elements of T starting at off.
func GetArrayRef[T any](s Slice, off, n uint64) (ArrayRef[T], error) {
	if err := CheckPlainOf[T](); err != nil {
		return ArrayRef[T]{}, err
	}

	var zero T
	size := uint64(unsafe.Sizeof(zero))

	hi, nbytes := bits.Mul64(n, size)
	if hi != 0 || nbytes > math.MaxInt64 {
		return ArrayRef[T]{}, TooBigError{Elements: n, Size: size}
	}

	sub, err := s.Subslice(off, nbytes)
	if err != nil {
		return ArrayRef[T]{}, err
	}

	return ArrayRef[T]{s: sub, n: n, size: size}, nil
}

func (a ArrayRef[T]) Len() uint64 {
	return a.n
}

func (a ArrayRef[T]) IsEmpty() bool {
	return a.n == 0
}

func (a ArrayRef[T]) ElementSize() uint64 {
	return a.size
}

func (a ArrayRef[T]) ToSlice() Slice {
	return a.s
}

// Ref returns a reference to the element at index.
func (a ArrayRef[T]) Ref(index uint64) (Ref[T], error) {
	if index >= a.n {
		return Ref[T]{}, OutOfBoundsError{Addr: index}
	}

	off := index * a.size

	return Ref[T]{s: Slice{mem: a.s.mem[off : off+a.size : off+a.size], bitmap: a.s.bitmap.At(off)}}, nil
}

func (a ArrayRef[T]) Load(index uint64) (T, error) {
	r, err := a.Ref(index)
	if err != nil {
		var zero T

		return zero, err
	}

	return r.Load(), nil
}

func (a ArrayRef[T]) Store(index uint64, v T) error {
	r, err := a.Ref(index)
	if err != nil {
		return err
	}

	r.Store(v)

	return nil
}

// CopyTo copies min(len(buf), Len()) elements into buf, one element access at a time.
func (a ArrayRef[T]) CopyTo(buf []T) int {
	count := min(uint64(len(buf)), a.n)
	dst := sliceBytes(buf)

	for i := range count {
		off := i * a.size
		copySlice(dst[off:off+a.size], a.s.mem[off:off+a.size])
	}

	return int(count)
}

// CopyFrom copies min(len(buf), Len()) elements from buf, one element access at a time.
func (a ArrayRef[T]) CopyFrom(buf []T) int {
	count := min(uint64(len(buf)), a.n)
	src := sliceBytes(buf)

	for i := range count {
		off := i * a.size
		copySlice(a.s.mem[off:off+a.size], src[off:off+a.size])
	}

	a.s.bitmap.MarkDirty(0, count*a.size)

	return int(count)
}

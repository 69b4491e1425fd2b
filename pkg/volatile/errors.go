package volatile

import "fmt"

// OutOfBoundsError is returned when an offset or end offset lies outside of the slice.
type OutOfBoundsError struct {
	Addr uint64
}

func (e OutOfBoundsError) Error() string {
	return fmt.Sprintf("address %#x is out of bounds", e.Addr)
}

// OverflowError is returned when base + offset does not fit in 64 bits.
type OverflowError struct {
	Base   uint64
	Offset uint64
}

func (e OverflowError) Error() string {
	return fmt.Sprintf("address %#x offset by %#x would overflow", e.Base, e.Offset)
}

// TooBigError is returned when an array of elements does not fit in the address space.
type TooBigError struct {
	Elements uint64
	Size     uint64
}

func (e TooBigError) Error() string {
	return fmt.Sprintf("%d elements of size %d would overflow", e.Elements, e.Size)
}

type MisalignedError struct {
	Addr      uintptr
	Alignment uint64
}

func (e MisalignedError) Error() string {
	return fmt.Sprintf("address %#x is not aligned to %d", e.Addr, e.Alignment)
}

// PartialBufferError is returned by the exact variants when only part of the buffer was used.
type PartialBufferError struct {
	Expected  uint64
	Completed uint64
}

func (e PartialBufferError) Error() string {
	return fmt.Sprintf("only used %d bytes in %d long buffer", e.Completed, e.Expected)
}

// NotPlainError is returned when a type cannot be overlaid on raw memory.
type NotPlainError struct {
	Type   string
	Reason string
}

func (e NotPlainError) Error() string {
	return fmt.Sprintf("type %s is not plain data: %s", e.Type, e.Reason)
}

package volatile

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// The integer accessors take an explicit byte order. The value is staged in a
// naturally aligned local, so an aligned guest location is accessed once at the
// declared width.

func (s Slice) Uint8(off uint64) (uint8, error) {
	var v uint8
	if err := s.ReadSlice(asBytes(&v), off); err != nil {
		return 0, err
	}

	return v, nil
}

func (s Slice) PutUint8(off uint64, v uint8) error {
	return s.WriteSlice(asBytes(&v), off)
}

func (s Slice) Uint16(off uint64, order binary.ByteOrder) (uint16, error) {
	var raw uint16
	if err := s.ReadSlice(asBytes(&raw), off); err != nil {
		return 0, err
	}

	return order.Uint16(asBytes(&raw)), nil
}

func (s Slice) PutUint16(off uint64, v uint16, order binary.ByteOrder) error {
	var raw uint16
	order.PutUint16(asBytes(&raw), v)

	return s.WriteSlice(asBytes(&raw), off)
}

func (s Slice) Uint32(off uint64, order binary.ByteOrder) (uint32, error) {
	var raw uint32
	if err := s.ReadSlice(asBytes(&raw), off); err != nil {
		return 0, err
	}

	return order.Uint32(asBytes(&raw)), nil
}

func (s Slice) PutUint32(off uint64, v uint32, order binary.ByteOrder) error {
	var raw uint32
	order.PutUint32(asBytes(&raw), v)

	return s.WriteSlice(asBytes(&raw), off)
}

func (s Slice) Uint64(off uint64, order binary.ByteOrder) (uint64, error) {
	var raw uint64
	if err := s.ReadSlice(asBytes(&raw), off); err != nil {
		return 0, err
	}

	return order.Uint64(asBytes(&raw)), nil
}

func (s Slice) PutUint64(off uint64, v uint64, order binary.ByteOrder) error {
	var raw uint64
	order.PutUint64(asBytes(&raw), v)

	return s.WriteSlice(asBytes(&raw), off)
}

// atomicPointer returns the address of [off, off+size) after checking bounds and alignment.
func (s Slice) atomicPointer(off, size uint64) (unsafe.Pointer, error) {
	if _, err := s.computeEndOffset(off, size); err != nil {
		return nil, err
	}

	p := unsafe.Pointer(&s.mem[off])
	if uintptr(p)&uintptr(size-1) != 0 {
		return nil, MisalignedError{Addr: uintptr(p), Alignment: size}
	}

	return p, nil
}

// Atomic accessors use the host byte order.

func (s Slice) LoadUint32(off uint64) (uint32, error) {
	p, err := s.atomicPointer(off, 4)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32((*uint32)(p)), nil
}

func (s Slice) StoreUint32(off uint64, v uint32) error {
	p, err := s.atomicPointer(off, 4)
	if err != nil {
		return err
	}

	atomic.StoreUint32((*uint32)(p), v)
	s.bitmap.MarkDirty(off, 4)

	return nil
}

func (s Slice) CompareAndSwapUint32(off uint64, old, new uint32) (bool, error) {
	p, err := s.atomicPointer(off, 4)
	if err != nil {
		return false, err
	}

	swapped := atomic.CompareAndSwapUint32((*uint32)(p), old, new)
	if swapped {
		s.bitmap.MarkDirty(off, 4)
	}

	return swapped, nil
}

func (s Slice) LoadUint64(off uint64) (uint64, error) {
	p, err := s.atomicPointer(off, 8)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint64((*uint64)(p)), nil
}

func (s Slice) StoreUint64(off uint64, v uint64) error {
	p, err := s.atomicPointer(off, 8)
	if err != nil {
		return err
	}

	atomic.StoreUint64((*uint64)(p), v)
	s.bitmap.MarkDirty(off, 8)

	return nil
}

func (s Slice) CompareAndSwapUint64(off uint64, old, new uint64) (bool, error) {
	p, err := s.atomicPointer(off, 8)
	if err != nil {
		return false, err
	}

	swapped := atomic.CompareAndSwapUint64((*uint64)(p), old, new)
	if swapped {
		s.bitmap.MarkDirty(off, 8)
	}

	return swapped, nil
}

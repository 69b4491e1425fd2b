package memory

import (
	"encoding/binary"
	"io"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/volatile"
)

// accessFunc transfers up to count bytes at the region relative offset, done bytes into the request.
type accessFunc func(done, count, offset uint64, r *Region) (uint64, error)

// tryAccess splits [addr, addr+count) at region boundaries and calls f for every piece.
// It stops at the first gap; a gap at addr itself is reported as AddressNotMappedError.
func (m *Memory) tryAccess(count uint64, addr GuestAddress, f accessFunc) (uint64, error) {
	var total uint64
	cur := addr

	for total < count {
		r, offset, err := m.Translate(cur)
		if err != nil {
			if total == 0 {
				return 0, err
			}

			break
		}

		if r.Closed() {
			return total, RegionClosedError{Base: r.Base}
		}

		n, err := f(total, min(count-total, r.Size-offset), offset, r)
		total += n
		if err != nil {
			return total, err
		}

		if n == 0 {
			break
		}

		cur, err = cur.CheckedAdd(n)
		if err != nil {
			// The top of the address space was reached.
			break
		}
	}

	return total, nil
}

func exact(expected, transferred uint64, err error) error {
	if err != nil {
		return err
	}

	if transferred != expected {
		return PartialTransferError{Expected: expected, Transferred: transferred}
	}

	return nil
}

// Write copies buf to guest memory at addr and returns the number of bytes written.
// A gap after addr ends the transfer early without an error.
func (m *Memory) Write(buf []byte, addr GuestAddress) (int, error) {
	n, err := m.tryAccess(uint64(len(buf)), addr, func(done, count, offset uint64, r *Region) (uint64, error) {
		written, err := r.Slice().Write(buf[done:done+count], offset)

		return uint64(written), err
	})

	return int(n), err
}

// Read copies guest memory at addr into buf and returns the number of bytes read.
// A gap after addr ends the transfer early without an error.
func (m *Memory) Read(buf []byte, addr GuestAddress) (int, error) {
	n, err := m.tryAccess(uint64(len(buf)), addr, func(done, count, offset uint64, r *Region) (uint64, error) {
		read, err := r.Slice().Read(buf[done:done+count], offset)

		return uint64(read), err
	})

	return int(n), err
}

// WriteSlice writes all of buf at addr or fails with PartialTransferError.
func (m *Memory) WriteSlice(buf []byte, addr GuestAddress) error {
	n, err := m.Write(buf, addr)

	return exact(uint64(len(buf)), uint64(n), err)
}

// ReadSlice fills all of buf from addr or fails with PartialTransferError.
func (m *Memory) ReadSlice(buf []byte, addr GuestAddress) error {
	n, err := m.Read(buf, addr)

	return exact(uint64(len(buf)), uint64(n), err)
}

// CopyFromReader reads up to count bytes from r into guest memory at addr.
func (m *Memory) CopyFromReader(addr GuestAddress, r io.Reader, count uint64) (int, error) {
	n, err := m.tryAccess(count, addr, func(_, count, offset uint64, region *Region) (uint64, error) {
		read, err := region.Slice().CopyFromReader(offset, r, count)

		return uint64(read), err
	})

	return int(n), err
}

// CopyFromReaderExact reads exactly count bytes from r into guest memory at addr.
func (m *Memory) CopyFromReaderExact(addr GuestAddress, r io.Reader, count uint64) error {
	n, err := m.tryAccess(count, addr, func(_, count, offset uint64, region *Region) (uint64, error) {
		if err := region.Slice().CopyFromReaderExact(offset, r, count); err != nil {
			return 0, err
		}

		return count, nil
	})

	return exact(count, n, err)
}

// CopyToWriter writes up to count bytes of guest memory at addr to w.
func (m *Memory) CopyToWriter(addr GuestAddress, w io.Writer, count uint64) (int, error) {
	n, err := m.tryAccess(count, addr, func(_, count, offset uint64, region *Region) (uint64, error) {
		written, err := region.Slice().CopyToWriter(offset, w, count)

		return uint64(written), err
	})

	return int(n), err
}

// CopyAllToWriter writes exactly count bytes of guest memory at addr to w.
func (m *Memory) CopyAllToWriter(addr GuestAddress, w io.Writer, count uint64) error {
	n, err := m.tryAccess(count, addr, func(_, count, offset uint64, region *Region) (uint64, error) {
		if err := region.Slice().CopyAllToWriter(offset, w, count); err != nil {
			return 0, err
		}

		return count, nil
	})

	return exact(count, n, err)
}

// contiguous returns the slice holding [addr, addr+size) when it lies in a single region.
func (m *Memory) contiguous(addr GuestAddress, size uint64) (volatile.Slice, bool) {
	r, offset, err := m.Translate(addr)
	if err != nil || r.Closed() || r.Size-offset < size {
		return volatile.Slice{}, false
	}

	s, err := r.Slice().Subslice(offset, size)

	return s, err == nil
}

func (m *Memory) Uint8(addr GuestAddress) (uint8, error) {
	var buf [1]byte
	if err := m.ReadSlice(buf[:], addr); err != nil {
		return 0, err
	}

	return buf[0], nil
}

func (m *Memory) PutUint8(addr GuestAddress, v uint8) error {
	return m.WriteSlice([]byte{v}, addr)
}

// Uint16 reads a 16 bit value in the given byte order. Values that lie in one region are
// read with a single access; values straddling two adjoining regions byte by byte.
func (m *Memory) Uint16(addr GuestAddress, order binary.ByteOrder) (uint16, error) {
	if s, ok := m.contiguous(addr, 2); ok {
		return s.Uint16(0, order)
	}

	var buf [2]byte
	if err := m.ReadSlice(buf[:], addr); err != nil {
		return 0, err
	}

	return order.Uint16(buf[:]), nil
}

func (m *Memory) PutUint16(addr GuestAddress, v uint16, order binary.ByteOrder) error {
	if s, ok := m.contiguous(addr, 2); ok {
		return s.PutUint16(0, v, order)
	}

	var buf [2]byte
	order.PutUint16(buf[:], v)

	return m.WriteSlice(buf[:], addr)
}

func (m *Memory) Uint32(addr GuestAddress, order binary.ByteOrder) (uint32, error) {
	if s, ok := m.contiguous(addr, 4); ok {
		return s.Uint32(0, order)
	}

	var buf [4]byte
	if err := m.ReadSlice(buf[:], addr); err != nil {
		return 0, err
	}

	return order.Uint32(buf[:]), nil
}

func (m *Memory) PutUint32(addr GuestAddress, v uint32, order binary.ByteOrder) error {
	if s, ok := m.contiguous(addr, 4); ok {
		return s.PutUint32(0, v, order)
	}

	var buf [4]byte
	order.PutUint32(buf[:], v)

	return m.WriteSlice(buf[:], addr)
}

func (m *Memory) Uint64(addr GuestAddress, order binary.ByteOrder) (uint64, error) {
	if s, ok := m.contiguous(addr, 8); ok {
		return s.Uint64(0, order)
	}

	var buf [8]byte
	if err := m.ReadSlice(buf[:], addr); err != nil {
		return 0, err
	}

	return order.Uint64(buf[:]), nil
}

func (m *Memory) PutUint64(addr GuestAddress, v uint64, order binary.ByteOrder) error {
	if s, ok := m.contiguous(addr, 8); ok {
		return s.PutUint64(0, v, order)
	}

	var buf [8]byte
	order.PutUint64(buf[:], v)

	return m.WriteSlice(buf[:], addr)
}

// atomicSlice returns the region slice for an atomic access at addr.
// Atomic accesses never cross regions.
func (m *Memory) atomicSlice(addr GuestAddress) (volatile.Slice, uint64, error) {
	r, offset, err := m.Translate(addr)
	if err != nil {
		return volatile.Slice{}, 0, err
	}

	if r.Closed() {
		return volatile.Slice{}, 0, RegionClosedError{Base: r.Base}
	}

	return r.Slice(), offset, nil
}

func (m *Memory) LoadUint32(addr GuestAddress) (uint32, error) {
	s, offset, err := m.atomicSlice(addr)
	if err != nil {
		return 0, err
	}

	return s.LoadUint32(offset)
}

func (m *Memory) StoreUint32(addr GuestAddress, v uint32) error {
	s, offset, err := m.atomicSlice(addr)
	if err != nil {
		return err
	}

	return s.StoreUint32(offset, v)
}

func (m *Memory) CompareAndSwapUint32(addr GuestAddress, old, new uint32) (bool, error) {
	s, offset, err := m.atomicSlice(addr)
	if err != nil {
		return false, err
	}

	return s.CompareAndSwapUint32(offset, old, new)
}

func (m *Memory) LoadUint64(addr GuestAddress) (uint64, error) {
	s, offset, err := m.atomicSlice(addr)
	if err != nil {
		return 0, err
	}

	return s.LoadUint64(offset)
}

func (m *Memory) StoreUint64(addr GuestAddress, v uint64) error {
	s, offset, err := m.atomicSlice(addr)
	if err != nil {
		return err
	}

	return s.StoreUint64(offset, v)
}

func (m *Memory) CompareAndSwapUint64(addr GuestAddress, old, new uint64) (bool, error) {
	s, offset, err := m.atomicSlice(addr)
	if err != nil {
		return false, err
	}

	return s.CompareAndSwapUint64(offset, old, new)
}

package memory

import (
	"unsafe"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/volatile"
)

// ReadObject reads a plain value of type T at addr.
// T must pass volatile.CheckPlain; objects straddling adjoining regions are assembled byte-wise.
func ReadObject[T any](m *Memory, addr GuestAddress) (T, error) {
	var v T
	if err := volatile.CheckPlainOf[T](); err != nil {
		return v, err
	}

	size := uint64(unsafe.Sizeof(v))
	if s, ok := m.contiguous(addr, size); ok {
		ref, err := volatile.GetRef[T](s, 0)
		if err != nil {
			return v, err
		}

		return ref.Load(), nil
	}

	if err := m.ReadSlice(objectBytes(&v), addr); err != nil {
		return v, err
	}

	return v, nil
}

// WriteObject writes the plain value v at addr.
func WriteObject[T any](m *Memory, addr GuestAddress, v T) error {
	if err := volatile.CheckPlainOf[T](); err != nil {
		return err
	}

	size := uint64(unsafe.Sizeof(v))
	if s, ok := m.contiguous(addr, size); ok {
		ref, err := volatile.GetRef[T](s, 0)
		if err != nil {
			return err
		}

		ref.Store(v)

		return nil
	}

	return m.WriteSlice(objectBytes(&v), addr)
}

func objectBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

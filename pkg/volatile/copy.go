package volatile

import (
	"sync/atomic"
	"unsafe"
)

// copySlice copies min(len(dst), len(src)) bytes.
//
// Spans of at most 8 bytes are copied with the widest access both pointers are aligned for,
// so a naturally aligned scalar is read and written exactly once at its own width.
// Larger spans go through the runtime memmove, which the compiler never elides or reorders
// across the call.
func copySlice(dst, src []byte) int {
	n := min(len(dst), len(src))
	if n == 0 {
		return 0
	}

	if n <= 8 {
		copyAligned(unsafe.Pointer(unsafe.SliceData(dst)), unsafe.Pointer(unsafe.SliceData(src)), uintptr(n))

		return n
	}

	return copy(dst[:n], src[:n])
}

func alignment(p unsafe.Pointer) uintptr {
	a := uintptr(p)

	return a & -a
}

func copyAligned(dst, src unsafe.Pointer, total uintptr) {
	align := min(alignment(dst), alignment(src))

	var off uintptr
	for _, width := range [...]uintptr{8, 4, 2, 1} {
		if align < width {
			continue
		}

		for total-off >= width {
			copySingle(width, unsafe.Add(dst, off), unsafe.Add(src, off))
			off += width
		}
	}
}

func copySingle(width uintptr, dst, src unsafe.Pointer) {
	switch width {
	case 8:
		atomic.StoreUint64((*uint64)(dst), atomic.LoadUint64((*uint64)(src)))
	case 4:
		atomic.StoreUint32((*uint32)(dst), atomic.LoadUint32((*uint32)(src)))
	case 2:
		*(*uint16)(dst) = *(*uint16)(src)
	default:
		*(*uint8)(dst) = *(*uint8)(src)
	}
}

// asBytes returns the memory of v as a byte slice.
// T must be plain data.
func asBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), uintptr(len(s))*unsafe.Sizeof(s[0]))
}

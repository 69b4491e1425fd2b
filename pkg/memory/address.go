package memory

import (
	"fmt"
	"math"
)

// GuestAddress is an offset into the guest physical address space.
// All arithmetic is checked and reports AddressOverflowError instead of wrapping.
type GuestAddress uint64

func (a GuestAddress) Raw() uint64 {
	return uint64(a)
}

func (a GuestAddress) CheckedAdd(offset uint64) (GuestAddress, error) {
	if uint64(a) > math.MaxUint64-offset {
		return 0, AddressOverflowError{Addr: a, Offset: offset}
	}

	return a + GuestAddress(offset), nil
}

func (a GuestAddress) CheckedSub(offset uint64) (GuestAddress, error) {
	if uint64(a) < offset {
		return 0, AddressOverflowError{Addr: a, Offset: offset, Sub: true}
	}

	return a - GuestAddress(offset), nil
}

// CheckedOffsetFrom returns a - base.
func (a GuestAddress) CheckedOffsetFrom(base GuestAddress) (uint64, error) {
	if a < base {
		return 0, AddressOverflowError{Addr: a, Offset: uint64(base), Sub: true}
	}

	return uint64(a - base), nil
}

// CheckedAlignUp rounds a up to the next multiple of align, which must be a power of two.
func (a GuestAddress) CheckedAlignUp(align uint64) (GuestAddress, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %d is not a power of two", align)
	}

	mask := align - 1
	up, err := a.CheckedAdd(mask)
	if err != nil {
		return 0, err
	}

	return up &^ GuestAddress(mask), nil
}

func (a GuestAddress) Mask(mask uint64) uint64 {
	return uint64(a) & mask
}

func (a GuestAddress) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

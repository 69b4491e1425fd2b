package memory

import "fmt"

type AddressOverflowError struct {
	Addr   GuestAddress
	Offset uint64
	Sub    bool
}

func (e AddressOverflowError) Error() string {
	op := "+"
	if e.Sub {
		op = "-"
	}

	return fmt.Sprintf("guest address %s %s %#x overflows", e.Addr, op, e.Offset)
}

// AddressNotMappedError is returned when no region contains the address.
type AddressNotMappedError struct {
	Addr GuestAddress
}

func (e AddressNotMappedError) Error() string {
	return fmt.Sprintf("guest address %s is not mapped", e.Addr)
}

// PartialTransferError is returned by the exact accessors when only a prefix of the
// requested range is backed by regions. The transferred prefix is not rolled back.
type PartialTransferError struct {
	Expected    uint64
	Transferred uint64
}

func (e PartialTransferError) Error() string {
	return fmt.Sprintf("only %d of %d bytes were transferred", e.Transferred, e.Expected)
}

type InvalidRegionLayoutError struct {
	Base   GuestAddress
	Size   uint64
	Reason string
}

func (e InvalidRegionLayoutError) Error() string {
	return fmt.Sprintf("invalid memory region [%s, +%#x): %s", e.Base, e.Size, e.Reason)
}

type RegionClosedError struct {
	Base GuestAddress
}

func (e RegionClosedError) Error() string {
	return fmt.Sprintf("memory region at %s is closed", e.Base)
}

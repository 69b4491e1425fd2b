//go:build linux

package backend

import (
	"errors"
	"math"

	"golang.org/x/sys/unix"
)

// Anonymous maps private anonymous memory, optionally backed by huge pages.
type Anonymous struct {
	// HugePages requests MAP_HUGETLB; the size must then be a multiple of the huge page size.
	HugePages bool
	// NoReserve skips swap reservation, so large sparse guests do not fail up front.
	NoReserve bool
	// Populate pre-faults the whole mapping.
	Populate bool
}

var _ Backend = Anonymous{}

func (a Anonymous) CreateMapping(size uint64, file *FileOffset) ([]byte, error) {
	if file != nil {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.New("anonymous backend cannot map a file")}
	}

	if size == 0 || size > math.MaxInt {
		return nil, &MappingError{Op: "create", Size: size, Err: unix.EINVAL}
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if a.HugePages {
		flags |= unix.MAP_HUGETLB
	}

	if a.NoReserve {
		flags |= unix.MAP_NORESERVE
	}

	if a.Populate {
		flags |= unix.MAP_POPULATE
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, &MappingError{Op: "create", Size: size, Err: err}
	}

	return mem, nil
}

func (Anonymous) DestroyMapping(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return &MappingError{Op: "destroy", Size: uint64(len(mem)), Err: err}
	}

	return nil
}

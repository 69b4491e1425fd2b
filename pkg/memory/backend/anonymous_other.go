//go:build !linux

package backend

import (
	"errors"
	"math"

	"github.com/edsrzf/mmap-go"
)

// Anonymous maps private anonymous memory.
// Huge pages and reservation control are only available on Linux.
type Anonymous struct {
	HugePages bool
	NoReserve bool
	Populate  bool
}

var _ Backend = Anonymous{}

func (a Anonymous) CreateMapping(size uint64, file *FileOffset) ([]byte, error) {
	if file != nil {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.New("anonymous backend cannot map a file")}
	}

	if a.HugePages {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.ErrUnsupported}
	}

	if size == 0 || size > math.MaxInt {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.New("invalid size")}
	}

	mm, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, &MappingError{Op: "create", Size: size, Err: err}
	}

	return mm, nil
}

func (Anonymous) DestroyMapping(mem []byte) error {
	mm := mmap.MMap(mem)
	if err := mm.Unmap(); err != nil {
		return &MappingError{Op: "destroy", Size: uint64(len(mem)), Err: err}
	}

	return nil
}

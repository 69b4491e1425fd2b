package backend

import (
	"errors"
	"fmt"
	"math"

	"github.com/edsrzf/mmap-go"
)

// File maps a range of a file shared with other processes, e.g. a memfile handed to the VMM.
type File struct {
	// Private maps the file copy-on-write, so writes never reach the file.
	Private bool
	// Grow extends the file when it is shorter than the mapped range.
	// Without it such a mapping is refused, as touching pages past EOF raises SIGBUS.
	Grow bool
	// Prefault populates the page tables up front, so inaccessible pages fail here instead of on access.
	Prefault bool
}

var _ Backend = File{}

func (b File) CreateMapping(size uint64, file *FileOffset) ([]byte, error) {
	if file == nil || file.File == nil {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.New("file backend requires a file")}
	}

	if size > math.MaxInt || file.Start > math.MaxInt64-size {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.New("size too big")}
	}

	if file.Start%HostPageSize != 0 {
		return nil, &MappingError{Op: "create", Size: size, Err: fmt.Errorf("file offset %d is not aligned to page size %d", file.Start, HostPageSize)}
	}

	stat, err := file.File.Stat()
	if err != nil {
		return nil, &MappingError{Op: "create", Size: size, Err: fmt.Errorf("failed to stat file: %w", err)}
	}

	end := int64(file.Start + size)
	if stat.Size() < end {
		if !b.Grow {
			return nil, &MappingError{Op: "create", Size: size, Err: fmt.Errorf("mapping ends at %d past the end of file (%d)", end, stat.Size())}
		}

		// This should create a sparse file on Linux.
		if err := file.File.Truncate(end); err != nil {
			return nil, &MappingError{Op: "create", Size: size, Err: fmt.Errorf("failed to grow file: %w", err)}
		}
	}

	prot := mmap.RDWR
	if b.Private {
		prot = mmap.COPY
	}

	mm, err := mmap.MapRegion(file.File, int(size), prot, 0, int64(file.Start))
	if err != nil {
		return nil, &MappingError{Op: "create", Size: size, Err: err}
	}

	if b.Prefault {
		if err := prefault(mm); err != nil {
			return nil, errors.Join(&MappingError{Op: "prefault", Size: size, Err: err}, mm.Unmap())
		}
	}

	return mm, nil
}

func (File) DestroyMapping(mem []byte) error {
	mm := mmap.MMap(mem)
	if err := mm.Unmap(); err != nil {
		return &MappingError{Op: "destroy", Size: uint64(len(mem)), Err: err}
	}

	return nil
}

package backend

import (
	"errors"
	"math"
)

// Heap backs regions with memory from the Go heap.
// It is meant for tests and tools that do not share the memory with another process.
type Heap struct{}

var _ Backend = Heap{}

func (Heap) CreateMapping(size uint64, file *FileOffset) ([]byte, error) {
	if file != nil {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.ErrUnsupported}
	}

	if size > math.MaxInt {
		return nil, &MappingError{Op: "create", Size: size, Err: errors.New("size too big")}
	}

	return make([]byte, size), nil
}

func (Heap) DestroyMapping([]byte) error {
	return nil
}

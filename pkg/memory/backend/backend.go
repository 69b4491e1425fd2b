// Package backend creates and destroys the host mappings that back guest memory regions.
//
// The memory layer only ever consumes the returned byte span. Which variant is used
// is decided once, when the regions are constructed.
package backend

import (
	"fmt"
	"os"

	"github.com/tklauser/go-sysconf"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/utils"
)

// HostPageSize is the page size of the host, used to validate file offsets and as
// the default dirty tracking granularity.
var HostPageSize = utils.Must(getPageSize())

// FileOffset describes the file backing a region and where in the file the region starts.
type FileOffset struct {
	File  *os.File
	Start uint64
}

type Backend interface {
	// CreateMapping maps size bytes, either anonymous memory (file == nil) or the given file range.
	CreateMapping(size uint64, file *FileOffset) ([]byte, error)
	// DestroyMapping releases a span returned by CreateMapping.
	DestroyMapping(mem []byte) error
}

type Kind string

const (
	KindAnonymous Kind = "anonymous"
	KindFile      Kind = "file"
	KindHeap      Kind = "heap"
)

// ForKind returns the backend variant for kind.
func ForKind(kind Kind, hugePages bool) (Backend, error) {
	switch kind {
	case KindAnonymous:
		return Anonymous{HugePages: hugePages, NoReserve: true}, nil
	case KindFile:
		return File{Grow: true}, nil
	case KindHeap:
		return Heap{}, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", kind)
	}
}

// MappingError is returned when the host refuses to create or destroy a mapping.
// The underlying OS error is available through errors.Is / errors.As.
type MappingError struct {
	Op   string
	Size uint64
	Err  error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("failed to %s mapping of %d bytes: %v", e.Op, e.Size, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

func getPageSize() (uint64, error) {
	pageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return uint64(pageSize), nil
}

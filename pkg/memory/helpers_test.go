package memory

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/guest-memory/internal/testutils"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory/backend"
)

const testPageSize = 0x100

var errCreateFailed = errors.New("create failed")

// countingBackend hands out heap memory and counts live mappings.
type countingBackend struct {
	live    atomic.Int64
	failAt  int64
	created atomic.Int64
}

func (b *countingBackend) CreateMapping(size uint64, file *backend.FileOffset) ([]byte, error) {
	if b.failAt > 0 && b.created.Add(1) == b.failAt {
		return nil, &backend.MappingError{Op: "create", Size: size, Err: errCreateFailed}
	}

	mem, err := backend.Heap{}.CreateMapping(size, file)
	if err != nil {
		return nil, err
	}

	b.live.Add(1)

	return mem, nil
}

func (b *countingBackend) DestroyMapping(mem []byte) error {
	b.live.Add(-1)

	return backend.Heap{}.DestroyMapping(mem)
}

// pageMmapBackend hands out page aligned anonymous mappings that are unmapped on test cleanup.
type pageMmapBackend struct {
	t *testing.T
}

func (b pageMmapBackend) CreateMapping(size uint64, file *backend.FileOffset) ([]byte, error) {
	if file != nil {
		return nil, errors.ErrUnsupported
	}

	return testutils.NewPageMmap(b.t, size, backend.HostPageSize), nil
}

func (pageMmapBackend) DestroyMapping([]byte) error {
	return nil
}

func newTestRegion(t *testing.T, b backend.Backend, base GuestAddress, size uint64) *Region {
	t.Helper()

	r, err := NewRegion(b, RegionConfig{Base: base, Size: size}, WithDirtyTracking(testPageSize))
	require.NoError(t, err)

	return r
}

// newTestMemory builds a dirty tracking heap backed memory from base/size pairs.
func newTestMemory(t *testing.T, layout ...RegionConfig) *Memory {
	t.Helper()

	m, err := FromConfigs(backend.Heap{}, layout, WithDirtyTracking(testPageSize))
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Close()
	})

	return m
}

func adjoining() []RegionConfig {
	return []RegionConfig{
		{Base: 0x0, Size: 0x1000},
		{Base: 0x1000, Size: 0x1000},
	}
}

func withGap() []RegionConfig {
	return []RegionConfig{
		{Base: 0x0, Size: 0x1000},
		{Base: 0x2000, Size: 0x1000},
	}
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}

	return data
}

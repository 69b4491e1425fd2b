package memory

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/bitmap"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory/backend"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/volatile"
)

// RegionConfig describes one region of the guest physical address space.
type RegionConfig struct {
	Base GuestAddress
	Size uint64
	// File backs the region with a file range instead of anonymous memory.
	File *backend.FileOffset
}

func (c RegionConfig) String() string {
	return fmt.Sprintf("[%s, +%#x)", c.Base, c.Size)
}

func (c RegionConfig) validate() error {
	if c.Size == 0 {
		return InvalidRegionLayoutError{Base: c.Base, Size: c.Size, Reason: "zero length"}
	}

	if uint64(c.Base) > math.MaxUint64-c.Size {
		return InvalidRegionLayoutError{Base: c.Base, Size: c.Size, Reason: "end overflows the address space"}
	}

	return nil
}

type regionOptions struct {
	dirtyPageSize uint64
}

type RegionOption func(*regionOptions)

// WithDirtyTracking enables the dirty bitmap with one bit per pageSize bytes,
// bitmap.DefaultPageSize when pageSize is zero.
func WithDirtyTracking(pageSize uint64) RegionOption {
	return func(o *regionOptions) {
		o.dirtyPageSize = cmp.Or(pageSize, bitmap.DefaultPageSize)
	}
}

// Region is one contiguous span of guest physical memory backed by one host mapping.
// The region owns the mapping and releases it on Close.
type Region struct {
	RegionConfig

	mem     []byte
	bitmap  bitmap.Bitmap
	backend backend.Backend

	closed atomic.Bool
}

func NewRegion(b backend.Backend, cfg RegionConfig, opts ...RegionOption) (*Region, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var o regionOptions
	for _, opt := range opts {
		opt(&o)
	}

	var bm bitmap.Bitmap = bitmap.Noop{}
	if o.dirtyPageSize != 0 {
		tracker, err := bitmap.NewAtomic(cfg.Size, o.dirtyPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create dirty bitmap for region %s: %w", cfg, err)
		}

		bm = tracker
	}

	mem, err := b.CreateMapping(cfg.Size, cfg.File)
	if err != nil {
		return nil, err
	}

	if uint64(len(mem)) != cfg.Size {
		return nil, errors.Join(
			&backend.MappingError{Op: "create", Size: cfg.Size, Err: fmt.Errorf("backend returned %d bytes", len(mem))},
			b.DestroyMapping(mem),
		)
	}

	return &Region{
		RegionConfig: cfg,
		mem:          mem,
		bitmap:       bm,
		backend:      b,
	}, nil
}

// End returns the first address past the region.
func (r *Region) End() GuestAddress {
	return r.Base + GuestAddress(r.Size)
}

func (r *Region) LastAddr() GuestAddress {
	return r.End() - 1
}

func (r *Region) Contains(addr GuestAddress) bool {
	return addr >= r.Base && uint64(addr-r.Base) < r.Size
}

// Slice returns the whole region as a volatile slice.
// Writes through it mark the region's dirty bitmap.
func (r *Region) Slice() volatile.Slice {
	return volatile.NewWithBitmap(r.mem, bitmap.NewView(r.bitmap))
}

// GetSlice returns count bytes starting at the region relative offset.
func (r *Region) GetSlice(offset, count uint64) (volatile.Slice, error) {
	if r.closed.Load() {
		return volatile.Slice{}, RegionClosedError{Base: r.Base}
	}

	return r.Slice().Subslice(offset, count)
}

func (r *Region) Bitmap() bitmap.Bitmap {
	return r.bitmap
}

func (r *Region) DirtyTracking() bool {
	_, ok := r.bitmap.(*bitmap.Atomic)

	return ok
}

// DrainDirty atomically collects and clears the pages written since the previous drain.
// It returns false when the region does not track dirty pages.
func (r *Region) DrainDirty() (*bitset.BitSet, uint64, bool) {
	tracker, ok := r.bitmap.(*bitmap.Atomic)
	if !ok {
		return nil, 0, false
	}

	return tracker.Drain(), tracker.PageSize(), true
}

// Closed reports whether the mapping was already released.
func (r *Region) Closed() bool {
	return r.closed.Load()
}

// Close releases the host mapping. The caller must make sure no access is in flight,
// see Generation.Wait.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := r.backend.DestroyMapping(r.mem); err != nil {
		return fmt.Errorf("failed to release region %s: %w", r.RegionConfig, err)
	}

	return nil
}

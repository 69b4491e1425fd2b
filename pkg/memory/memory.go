// Package memory models the guest physical address space of a virtual machine as an
// ordered set of regions backed by host mappings.
//
// A Memory is immutable once built. Topology changes (hot-add, hot-remove) build a new
// Memory and publish it through an AtomicMemory, so readers never lock.
package memory

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory/backend"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/volatile"
)

// Memory is a sorted collection of non-overlapping regions.
// Regions are laid out back to back in the save image, in address order.
type Memory struct {
	regions      []*Region
	imageOffsets []uint64
}

// New builds a collection from regions sorted by base address.
func New(regions ...*Region) (*Memory, error) {
	if len(regions) == 0 {
		return nil, InvalidRegionLayoutError{Reason: "no memory regions"}
	}

	m := &Memory{
		regions:      slices.Clone(regions),
		imageOffsets: make([]uint64, len(regions)),
	}

	var imageOffset uint64
	for i, r := range m.regions {
		if r == nil {
			return nil, InvalidRegionLayoutError{Reason: fmt.Sprintf("region %d is nil", i)}
		}

		if i > 0 {
			prev := m.regions[i-1]
			if r.Base < prev.Base {
				return nil, InvalidRegionLayoutError{Base: r.Base, Size: r.Size, Reason: "regions are not sorted by base address"}
			}

			if prev.End() > r.Base {
				return nil, InvalidRegionLayoutError{Base: r.Base, Size: r.Size, Reason: fmt.Sprintf("overlaps region %s", prev.RegionConfig)}
			}
		}

		m.imageOffsets[i] = imageOffset
		imageOffset += r.Size
	}

	return m, nil
}

// FromConfigs creates a region for every descriptor and builds a collection out of them.
// Mappings created before a failure are released.
func FromConfigs(b backend.Backend, configs []RegionConfig, opts ...RegionOption) (*Memory, error) {
	regions := make([]*Region, 0, len(configs))

	cleanup := func(err error) error {
		for _, r := range regions {
			err = errors.Join(err, r.Close())
		}

		return err
	}

	for _, cfg := range configs {
		r, err := NewRegion(b, cfg, opts...)
		if err != nil {
			return nil, cleanup(fmt.Errorf("failed to create region %s: %w", cfg, err))
		}

		regions = append(regions, r)
	}

	m, err := New(regions...)
	if err != nil {
		return nil, cleanup(err)
	}

	return m, nil
}

// Insert returns a new collection with r added.
func (m *Memory) Insert(r *Region) (*Memory, error) {
	if r == nil {
		return nil, InvalidRegionLayoutError{Reason: "region is nil"}
	}

	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Base > r.Base
	})

	return New(slices.Insert(slices.Clone(m.regions), idx, r)...)
}

// Remove returns a new collection without the region that exactly matches base and size,
// together with the removed region. The removed region is not closed.
func (m *Memory) Remove(base GuestAddress, size uint64) (*Memory, *Region, error) {
	idx := slices.IndexFunc(m.regions, func(r *Region) bool {
		return r.Base == base && r.Size == size
	})
	if idx < 0 {
		return nil, nil, InvalidRegionLayoutError{Base: base, Size: size, Reason: "no such region"}
	}

	next, err := New(slices.Delete(slices.Clone(m.regions), idx, idx+1)...)
	if err != nil {
		return nil, nil, err
	}

	return next, m.regions[idx], nil
}

func (m *Memory) Regions() iter.Seq[*Region] {
	return slices.Values(m.regions)
}

func (m *Memory) NumRegions() int {
	return len(m.regions)
}

// TotalSize is the sum of all region sizes, which is also the size of the save image.
func (m *Memory) TotalSize() uint64 {
	last := len(m.regions) - 1

	return m.imageOffsets[last] + m.regions[last].Size
}

// LastAddr returns the highest mapped address.
func (m *Memory) LastAddr() GuestAddress {
	return m.regions[len(m.regions)-1].LastAddr()
}

func (m *Memory) find(addr GuestAddress) (int, bool) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].Base > addr
	})
	if i == 0 {
		return 0, false
	}

	return i - 1, m.regions[i-1].Contains(addr)
}

// FindRegion returns the region containing addr.
func (m *Memory) FindRegion(addr GuestAddress) (*Region, bool) {
	idx, ok := m.find(addr)
	if !ok {
		return nil, false
	}

	return m.regions[idx], true
}

// Translate returns the region containing addr and the offset of addr inside it.
func (m *Memory) Translate(addr GuestAddress) (*Region, uint64, error) {
	idx, ok := m.find(addr)
	if !ok {
		return nil, 0, AddressNotMappedError{Addr: addr}
	}

	r := m.regions[idx]

	return r, uint64(addr - r.Base), nil
}

// ImageOffset translates addr to its offset in the save image.
func (m *Memory) ImageOffset(addr GuestAddress) (uint64, error) {
	idx, ok := m.find(addr)
	if !ok {
		return 0, AddressNotMappedError{Addr: addr}
	}

	return m.imageOffsets[idx] + uint64(addr-m.regions[idx].Base), nil
}

func (m *Memory) Contains(addr GuestAddress) bool {
	_, ok := m.find(addr)

	return ok
}

// CheckRange reports whether every byte of [addr, addr+count) is mapped.
func (m *Memory) CheckRange(addr GuestAddress, count uint64) bool {
	n, err := m.tryAccess(count, addr, func(_, n, _ uint64, _ *Region) (uint64, error) {
		return n, nil
	})

	return err == nil && n == count
}

// GetSlice returns [addr, addr+count) as one volatile slice. The range must not cross a region boundary.
func (m *Memory) GetSlice(addr GuestAddress, count uint64) (volatile.Slice, error) {
	r, offset, err := m.Translate(addr)
	if err != nil {
		return volatile.Slice{}, err
	}

	return r.GetSlice(offset, count)
}

// Close releases the mappings of every region.
func (m *Memory) Close() error {
	var errs []error
	for _, r := range m.regions {
		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}

func (m *Memory) String() string {
	parts := make([]string, len(m.regions))
	for i, r := range m.regions {
		parts[i] = r.RegionConfig.String()
	}

	return strings.Join(parts, " ")
}

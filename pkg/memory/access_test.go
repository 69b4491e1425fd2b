package memory

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/bits"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory/backend"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/volatile"
)

func TestMemory_WriteReadAcrossRegions(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, adjoining()...)
	data := pattern(0x1800)

	n, err := m.Write(data, 0x800)
	require.NoError(t, err)
	require.Equal(t, 0x1800, n)

	out := make([]byte, 0x1800)
	n, err = m.Read(out, 0x800)
	require.NoError(t, err)
	require.Equal(t, 0x1800, n)
	assert.Equal(t, data, out)

	first, err := m.GetSlice(0xfff, 1)
	require.NoError(t, err)
	second, err := m.GetSlice(0x1000, 1)
	require.NoError(t, err)

	b0, err := first.Uint8(0)
	require.NoError(t, err)
	b1, err := second.Uint8(0)
	require.NoError(t, err)
	assert.Equal(t, data[0x7ff], b0)
	assert.Equal(t, data[0x800], b1)
}

func TestMemory_ExactRoundTrip(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, adjoining()...)

	for _, size := range []int{1, 7, 0x800, 0x1000, 0x2000} {
		data := pattern(size)
		addr := GuestAddress(0x2000 - size)

		require.NoError(t, m.WriteSlice(data, addr))

		out := make([]byte, size)
		require.NoError(t, m.ReadSlice(out, addr))
		assert.Equal(t, data, out, "size %#x", size)
	}
}

func TestMemory_PartialTransfer(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, withGap()...)
	data := pattern(0x100)

	n, err := m.Write(data, 0xf80)
	require.NoError(t, err)
	assert.Equal(t, 0x80, n)

	stored := make([]byte, 0x80)
	require.NoError(t, m.ReadSlice(stored, 0xf80))
	assert.Equal(t, data[:0x80], stored)

	untouched := make([]byte, 0x80)
	require.NoError(t, m.ReadSlice(untouched, 0x2000))
	assert.Equal(t, make([]byte, 0x80), untouched)

	err = m.WriteSlice(data, 0xf80)
	require.ErrorIs(t, err, PartialTransferError{Expected: 0x100, Transferred: 0x80})

	out := make([]byte, 0x100)
	n, err = m.Read(out, 0xf80)
	require.NoError(t, err)
	assert.Equal(t, 0x80, n)

	err = m.ReadSlice(out, 0xf80)
	require.ErrorIs(t, err, PartialTransferError{Expected: 0x100, Transferred: 0x80})
}

func TestMemory_AccessUnmappedStart(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, withGap()...)
	buf := make([]byte, 0x10)

	_, err := m.Write(buf, 0x1800)
	require.ErrorIs(t, err, AddressNotMappedError{Addr: 0x1800})

	_, err = m.Read(buf, 0x1800)
	require.ErrorIs(t, err, AddressNotMappedError{Addr: 0x1800})

	require.ErrorIs(t, m.ReadSlice(buf, 0x3000), AddressNotMappedError{Addr: 0x3000})

	n, err := m.Write(nil, 0x1800)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemory_AccessClosedRegion(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, adjoining()...)

	r, ok := m.FindRegion(0x1000)
	require.True(t, ok)
	require.NoError(t, r.Close())

	n, err := m.Write(pattern(0x20), 0xff0)
	require.ErrorIs(t, err, RegionClosedError{Base: 0x1000})
	assert.Equal(t, 0x10, n)

	_, err = m.LoadUint64(0x1000)
	require.ErrorIs(t, err, RegionClosedError{Base: 0x1000})
}

func TestMemory_Endianness(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, adjoining()...)

	for _, addr := range []GuestAddress{0x10, 0x13, 0xffd} {
		require.NoError(t, m.PutUint16(addr, 0x1234, binary.BigEndian))
		v16, err := m.Uint16(addr, binary.BigEndian)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x1234), v16)
		v16, err = m.Uint16(addr, binary.LittleEndian)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes16(0x1234), v16)

		require.NoError(t, m.PutUint32(addr, 0xdeadbeef, binary.BigEndian))
		v32, err := m.Uint32(addr, binary.BigEndian)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xdeadbeef), v32)
		v32, err = m.Uint32(addr, binary.LittleEndian)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes32(0xdeadbeef), v32)

		require.NoError(t, m.PutUint64(addr, 0x0102030405060708, binary.BigEndian))
		v64, err := m.Uint64(addr, binary.BigEndian)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x0102030405060708), v64)
		v64, err = m.Uint64(addr, binary.LittleEndian)
		require.NoError(t, err)
		assert.Equal(t, bits.ReverseBytes64(0x0102030405060708), v64)
	}

	raw := make([]byte, 8)
	require.NoError(t, m.ReadSlice(raw, 0xffd))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, raw)

	require.NoError(t, m.PutUint8(0x1fff, 0xab))
	v8, err := m.Uint8(0x1fff)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xab), v8)

	_, err = m.Uint32(0x1ffe, binary.LittleEndian)
	require.ErrorIs(t, err, PartialTransferError{Expected: 4, Transferred: 2})
}

func TestMemory_ScalarAcrossGap(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, withGap()...)

	err := m.PutUint32(0xffe, 1, binary.LittleEndian)
	require.ErrorIs(t, err, PartialTransferError{Expected: 4, Transferred: 2})
}

func TestMemory_Atomics(t *testing.T) {
	t.Parallel()

	m, err := FromConfigs(pageMmapBackend{t: t}, adjoining(), WithDirtyTracking(testPageSize))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	for r := range m.Regions() {
		require.Zero(t, uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))%uintptr(backend.HostPageSize))
	}

	require.NoError(t, m.StoreUint64(0x1008, 42))
	v64, err := m.LoadUint64(0x1008)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v64)

	swapped, err := m.CompareAndSwapUint64(0x1008, 42, 43)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = m.CompareAndSwapUint64(0x1008, 42, 44)
	require.NoError(t, err)
	assert.False(t, swapped)

	require.NoError(t, m.StoreUint32(0x10, 7))
	v32, err := m.LoadUint32(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v32)

	swapped, err = m.CompareAndSwapUint32(0x10, 7, 8)
	require.NoError(t, err)
	assert.True(t, swapped)

	err = m.StoreUint32(0x12, 1)
	require.ErrorAs(t, err, &volatile.MisalignedError{})

	_, err = m.LoadUint64(0xffc)
	require.ErrorIs(t, err, volatile.OutOfBoundsError{Addr: 0x1004})

	_, err = m.LoadUint32(0x3000)
	require.ErrorIs(t, err, AddressNotMappedError{Addr: 0x3000})
}

type shortReader struct {
	r io.Reader
}

func (s shortReader) Read(p []byte) (int, error) {
	return s.r.Read(p[:min(len(p), 0x300)])
}

func TestMemory_ReaderWriter(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, withGap()...)
	data := pattern(0x1000)

	n, err := m.CopyFromReader(0x800, bytes.NewReader(data), 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 0x800, n, "the transfer stops at the gap")

	err = m.CopyFromReaderExact(0x2000, shortReader{bytes.NewReader(data)}, 0x1000)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, m.CopyAllToWriter(0x2000, &out, 0x1000))
	assert.Equal(t, data, out.Bytes())

	out.Reset()
	n, err = m.CopyToWriter(0x800, &out, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 0x800, n)
	assert.Equal(t, data[:0x800], out.Bytes())

	err = m.CopyAllToWriter(0x800, io.Discard, 0x1000)
	require.ErrorIs(t, err, PartialTransferError{Expected: 0x1000, Transferred: 0x800})

	err = m.CopyFromReaderExact(0x2000, bytes.NewReader(data[:0x10]), 0x20)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type byteReader struct {
	data []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}

	p[0] = r.data[0]
	r.data = r.data[1:]

	return 1, nil
}

func TestMemory_CopyFromReaderByteAtATime(t *testing.T) {
	const regionSize = 4 << 20

	m := newTestMemory(t, RegionConfig{Base: 0, Size: regionSize}, RegionConfig{Base: regionSize, Size: regionSize})
	data := pattern(64)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	n, err := m.CopyFromReader(regionSize-32, &byteReader{data: data}, 2*regionSize-(regionSize-32))

	runtime.ReadMemStats(&after)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20), "reads go straight to guest memory")

	out := make([]byte, len(data))
	require.NoError(t, m.ReadSlice(out, regionSize-32))
	assert.Equal(t, data, out)

	err = m.CopyFromReaderExact(0x10, &byteReader{data: data}, regionSize)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type header struct {
	Magic   uint32
	Version uint16
	Flags   uint16
	Size    uint64
}

type withPointer struct {
	Next *header
}

func TestObjects(t *testing.T) {
	t.Parallel()

	m := newTestMemory(t, adjoining()...)
	h := header{Magic: 0x7f454c46, Version: 2, Flags: 0x8001, Size: 0x123456789}

	for _, addr := range []GuestAddress{0x40, 0xff8} {
		require.NoError(t, WriteObject(m, addr, h))

		got, err := ReadObject[header](m, addr)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}

	require.ErrorIs(t, WriteObject(m, 0x1ffc, h), PartialTransferError{Expected: 16, Transferred: 4})

	_, err := ReadObject[withPointer](m, 0)
	require.ErrorAs(t, err, &volatile.NotPlainError{})

	require.ErrorAs(t, WriteObject(m, 0, withPointer{}), &volatile.NotPlainError{})

	arr, err := ReadObject[[4]uint32](m, 0x40)
	require.NoError(t, err)
	assert.Equal(t, h.Magic, arr[0])
}

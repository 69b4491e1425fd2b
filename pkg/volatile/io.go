package volatile

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// CopyFromReader does a single read of at most count bytes from r into [addr, addr+count).
// It returns the number of bytes stored.
func (s Slice) CopyFromReader(addr uint64, r io.Reader, count uint64) (int, error) {
	end, err := s.computeEndOffset(addr, count)
	if err != nil {
		return 0, err
	}

	for {
		n, err := r.Read(s.mem[addr:end])
		if n == 0 && errors.Is(err, syscall.EINTR) {
			continue
		}

		s.bitmap.MarkDirty(addr, uint64(n))

		if err != nil && !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("failed to read into guest memory: %w", err)
		}

		return n, nil
	}
}

// CopyFromReaderExact fills [addr, addr+count) from r or fails.
// Bytes read before a short read stay stored and are marked dirty.
func (s Slice) CopyFromReaderExact(addr uint64, r io.Reader, count uint64) error {
	end, err := s.computeEndOffset(addr, count)
	if err != nil {
		return err
	}

	n, err := io.ReadFull(r, s.mem[addr:end])
	s.bitmap.MarkDirty(addr, uint64(n))

	if err != nil {
		return fmt.Errorf("failed to read into guest memory: %w", err)
	}

	return nil
}

// CopyToWriter does a single write of [addr, addr+count) to w and returns the bytes written.
func (s Slice) CopyToWriter(addr uint64, w io.Writer, count uint64) (int, error) {
	end, err := s.computeEndOffset(addr, count)
	if err != nil {
		return 0, err
	}

	for {
		n, err := w.Write(s.mem[addr:end])
		if n == 0 && errors.Is(err, syscall.EINTR) {
			continue
		}

		if err != nil {
			return n, fmt.Errorf("failed to write guest memory: %w", err)
		}

		return n, nil
	}
}

// CopyAllToWriter writes all of [addr, addr+count) to w.
func (s Slice) CopyAllToWriter(addr uint64, w io.Writer, count uint64) error {
	n, err := s.CopyToWriter(addr, w, count)
	if err != nil {
		return err
	}

	if uint64(n) != count {
		return fmt.Errorf("failed to write guest memory: %w", io.ErrShortWrite)
	}

	return nil
}

//go:build linux

package backend

import (
	"errors"

	"golang.org/x/sys/unix"
)

// prefault populates the page tables of mem.
// MADV_POPULATE_WRITE (Linux 5.14+) reports EFAULT for inaccessible pages instead of raising SIGBUS later.
func prefault(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}

	err := unix.Madvise(mem, unix.MADV_POPULATE_WRITE)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
		// Older kernel, the pages are faulted in on first access instead.
		return nil
	}

	return err
}

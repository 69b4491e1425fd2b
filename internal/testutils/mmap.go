package testutils

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// NewPageMmap maps size bytes of anonymous memory rounded up to pageSize, unmapped on test cleanup.
// Page aligned memory is needed by tests that exercise the single-width atomic accessors.
func NewPageMmap(t *testing.T, size, pageSize uint64) []byte {
	t.Helper()

	l := (size + pageSize - 1) / pageSize * pageSize
	b, err := unix.Mmap(-1, 0, int(l), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err, "failed to mmap")

	t.Cleanup(func() {
		if err := unix.Munmap(b); err != nil {
			t.Errorf("failed to munmap: %v", err)
		}
	})

	return b[:size]
}

// RandomData returns size random bytes.
func RandomData(t *testing.T, size uint64) []byte {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	return data
}

// NewTempFile creates a file of the given size in the test temp dir, closed on cleanup.
func NewTempFile(t *testing.T, size int64) *os.File {
	t.Helper()

	f, err := os.Create(filepath.Join(t.TempDir(), fmt.Sprintf("memfile-%d", size)))
	require.NoError(t, err)

	t.Cleanup(func() {
		f.Close()
	})

	require.NoError(t, f.Truncate(size))

	return f
}

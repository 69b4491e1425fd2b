//go:build !linux

package backend

func prefault([]byte) error {
	return nil
}

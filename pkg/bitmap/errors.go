package bitmap

import "fmt"

type IndexOutOfRangeError struct {
	Index uint64
	Len   uint64
}

func (e IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("bitmap index %d out of range (len %d)", e.Index, e.Len)
}

type InvalidPageSizeError struct {
	PageSize uint64
}

func (e InvalidPageSizeError) Error() string {
	return fmt.Sprintf("page size %d is not a non-zero power of two", e.PageSize)
}

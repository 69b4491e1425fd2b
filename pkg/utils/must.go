package utils

// Must panics if err is not nil, otherwise it returns v.
// Only use it for package level initialization where a failure means the host is unusable.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

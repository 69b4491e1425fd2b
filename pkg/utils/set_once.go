package utils

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAlreadySet = errors.New("value already set")
	ErrNotSet     = errors.New("value not set")
)

// SetOnce holds a value or an error that is set exactly once and can be awaited by many.
type SetOnce[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewSetOnce[T any]() *SetOnce[T] {
	return &SetOnce[T]{
		done: make(chan struct{}),
	}
}

func (o *SetOnce[T]) set(value T, err error) error {
	set := false

	o.once.Do(func() {
		o.value = value
		o.err = err
		set = true

		close(o.done)
	})

	if !set {
		return ErrAlreadySet
	}

	return nil
}

// SetValue sets the value. Only the first SetValue or SetError wins, later calls return ErrAlreadySet.
func (o *SetOnce[T]) SetValue(value T) error {
	return o.set(value, nil)
}

func (o *SetOnce[T]) SetError(err error) error {
	return o.set(*new(T), err)
}

// Done is closed once the value is set.
func (o *SetOnce[T]) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the value is set.
func (o *SetOnce[T]) Wait() (T, error) {
	<-o.done

	return o.value, o.err
}

func (o *SetOnce[T]) WaitWithContext(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		return *new(T), ctx.Err()
	}
}

// Result returns the value without blocking, or ErrNotSet.
func (o *SetOnce[T]) Result() (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	default:
		return *new(T), ErrNotSet
	}
}

package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOnce_SetValue(t *testing.T) {
	t.Parallel()

	o := NewSetOnce[int]()

	_, err := o.Result()
	require.ErrorIs(t, err, ErrNotSet)

	require.NoError(t, o.SetValue(42))
	require.ErrorIs(t, o.SetValue(43), ErrAlreadySet)
	require.ErrorIs(t, o.SetError(errors.New("late")), ErrAlreadySet)

	v, err := o.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = o.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSetOnce_SetError(t *testing.T) {
	t.Parallel()

	o := NewSetOnce[string]()
	expected := errors.New("failed")

	require.NoError(t, o.SetError(expected))

	_, err := o.WaitWithContext(t.Context())
	require.ErrorIs(t, err, expected)
}

func TestSetOnce_WaitWithContextCancelled(t *testing.T) {
	t.Parallel()

	o := NewSetOnce[int]()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := o.WaitWithContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetOnce_ConcurrentSetters(t *testing.T) {
	t.Parallel()

	o := NewSetOnce[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if o.SetValue(i) == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, won)

	select {
	case <-o.Done():
	default:
		t.Fatal("done channel is not closed")
	}
}

func TestMust(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3, Must(3, nil))
	assert.Panics(t, func() {
		Must(0, errors.New("boom"))
	})
}

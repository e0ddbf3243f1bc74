package util

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBackoff(t *testing.T, initial, max time.Duration) *Backoff {
	b, err := NewBackoff(initial, max)
	require.NoError(t, err)
	return b
}

// TestBackoffFailure tests if the backoff time is
// updated correctly.
func TestBackoffFailure(t *testing.T) {
	backoff := newBackoff(t, time.Millisecond, 10*time.Second)
	for i := 0; i < 10; i++ {
		backoff.Failure()
	}
	require.Equal(t, 1024*time.Millisecond, backoff.Timeout())
}

// TestBackoffSuccess tests if the backoff time is
// reset correctly.
func TestBackoffSuccess(t *testing.T) {
	backoff := newBackoff(t, time.Millisecond, 10*time.Second)
	backoff.Failure()
	backoff.Success()
	require.Equal(t, time.Millisecond, backoff.Timeout())
}

// TestBackoffMaximum tests if the backoff time is
// appropriately upper bounded.
func TestBackoffMaximum(t *testing.T) {
	backoff := newBackoff(t, time.Millisecond, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		backoff.Failure()
	}
	require.Equal(t, 10*time.Millisecond, backoff.Timeout())
}

func TestBackoffBounds(t *testing.T) {
	_, err := NewBackoff(0, time.Second)
	require.Error(t, err)
}

func TestClosingChannel(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	done := ClosingChannel(&wg)
	select {
	case <-done:
		t.Fatal("closed before wg was done")
	default:
	}
	wg.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not closed after wg was done")
	}
}

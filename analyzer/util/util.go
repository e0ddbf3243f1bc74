// Package util contains utility analyzer functionality.
package util

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	initialTimeoutLowerBound = 0
	maximumTimeoutUpperBound = math.MaxInt64 / 2
)

// Backoff implements retry backoff on failure.
type Backoff struct {
	initialTimeout time.Duration
	currentTimeout time.Duration
	maximumTimeout time.Duration
}

// NewBackoff returns a new backoff.
func NewBackoff(initialTimeout time.Duration, maximumTimeout time.Duration) (*Backoff, error) {
	if initialTimeout <= initialTimeoutLowerBound {
		return nil, fmt.Errorf(
			"initial timeout %fs less than lower bound %ds",
			initialTimeout.Seconds(),
			initialTimeoutLowerBound,
		)
	}
	if maximumTimeout >= maximumTimeoutUpperBound {
		return nil, fmt.Errorf(
			"maximum timeout %fs greater than upper bound %ds",
			maximumTimeout.Seconds(),
			int64(maximumTimeoutUpperBound),
		)
	}
	return &Backoff{initialTimeout, initialTimeout, maximumTimeout}, nil
}

// Success resets the timeout to its initial value.
func (b *Backoff) Success() {
	b.currentTimeout = b.initialTimeout
}

// Failure doubles the timeout, up to the maximum.
func (b *Backoff) Failure() {
	b.currentTimeout *= 2
	if b.currentTimeout > b.maximumTimeout {
		b.currentTimeout = b.maximumTimeout
	}
}

// Reset resets the backoff.
func (b *Backoff) Reset() {
	b.currentTimeout = b.initialTimeout
}

// Timeout returns the backoff timeout.
func (b *Backoff) Timeout() time.Duration {
	return b.currentTimeout
}

// ClosingChannel returns a channel that closes when the wait group is done.
func ClosingChannel(wg *sync.WaitGroup) <-chan struct{} {
	c := make(chan struct{})
	go func() {
		wg.Wait()
		close(c)
	}()
	return c
}

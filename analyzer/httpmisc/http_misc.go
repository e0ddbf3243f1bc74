// Package httpmisc contains options that are common to a few places that use HTTP.
package httpmisc

import (
	"context"
	"fmt"
	"net/http"
)

func GetWithContextWithClient(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return client.Do(req)
}

// StatusError is returned for a non-2xx HTTP response.
type StatusError struct {
	// Note: .error is the implementation of .Error, .Unwrap etc. It is not
	// in the Unwrap chain. Use something like
	// `StatusError{fmt.Errorf("...: %w", err), code}` to set up an
	// instance with `err` in the Unwrap chain.
	error
	StatusCode int
}

func (err StatusError) Is(target error) bool {
	if _, ok := target.(StatusError); ok {
		return true
	}
	return false
}

// Retryable reports whether the status is worth asking for again.
func (err StatusError) Retryable() bool {
	return RetryableStatus(err.StatusCode)
}

// RetryableStatus reports whether an HTTP status denotes a transient
// condition on the serving side.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ResponseOK returns nil for 2xx responses. Otherwise it closes the body
// and returns a StatusError.
func ResponseOK(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if err := resp.Body.Close(); err != nil {
		return StatusError{fmt.Errorf("HTTP %d, closing body: %w", resp.StatusCode, err), resp.StatusCode}
	}
	return StatusError{fmt.Errorf("HTTP %d", resp.StatusCode), resp.StatusCode}
}

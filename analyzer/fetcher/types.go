// Package fetcher implements the metadata fetch worker pool: a fixed set of
// long-lived workers resolving data:, ipfs:// and http(s):// URLs to JSON
// documents, with retry and exponential backoff for transient failures.
package fetcher

import (
	"encoding/json"
	"errors"
)

// ErrPoolClosed is returned by FetchBatch after Shutdown.
var ErrPoolClosed = errors.New("fetcher: pool is closed")

// Request asks for one URL to be fetched. ID is an opaque correlation id
// assigned by the caller; EntityType names the owner of the result.
type Request struct {
	ID         string
	URL        string
	EntityType string
	// Retries is how many times the owning row has failed before, carried
	// through untouched for bookkeeping.
	Retries int
}

// Result is the outcome of one Request, matched to it by ID.
type Result struct {
	ID         string
	EntityType string
	Success    bool
	Data       json.RawMessage

	Error      string
	ErrorCode  string
	StatusCode int
	Retryable  bool

	// Attempts is the number of times the request was tried.
	Attempts int
	// Request is the request this result answers.
	Request Request
}

// Error codes set on failed results.
const (
	CodeHTTPStatus        = "HTTP_STATUS"
	CodeUnsupportedScheme = "UNSUPPORTED_SCHEME"
	CodeInvalidDataURL    = "INVALID_DATA_URL"
	CodeInvalidMimeType   = "INVALID_MIME_TYPE"
	CodeInvalidJSON       = "INVALID_JSON"
	CodeBodyTooLarge      = "BODY_TOO_LARGE"
	CodeNotPermitted      = "NOT_PERMITTED"
	CodeCancelled         = "ECANCELED"
	CodeUnknown           = "EUNKNOWN"
)

// TerminalError is a failure that no retry can fix.
type TerminalError struct {
	// Note: .error is the implementation of .Error, .Unwrap etc. It is not
	// in the Unwrap chain.
	error
	Code string
}

func (err TerminalError) Is(target error) bool {
	if _, ok := target.(TerminalError); ok {
		return true
	}
	return false
}

func terminal(code string, err error) TerminalError {
	return TerminalError{error: err, Code: code}
}

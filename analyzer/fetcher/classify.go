package fetcher

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/chillwhales/lsp-indexer/analyzer/httpmisc"
	"github.com/chillwhales/lsp-indexer/analyzer/pubclient"
)

// classification is what a failed attempt is recorded as.
type classification struct {
	code       string
	statusCode int
	retryable  bool
}

var retryableErrnos = []struct {
	errno syscall.Errno
	code  string
}{
	{syscall.ECONNRESET, "ECONNRESET"},
	{syscall.ECONNREFUSED, "ECONNREFUSED"},
	{syscall.ETIMEDOUT, "ETIMEDOUT"},
	{syscall.EPIPE, "EPIPE"},
	{syscall.EHOSTUNREACH, "EHOSTUNREACH"},
}

// classify decides whether a failed attempt may be retried. parent is the
// caller's context, used to tell a per-request timeout (retryable) from the
// caller giving up (not retryable).
func classify(parent context.Context, err error) classification {
	var te TerminalError
	if errors.As(err, &te) {
		return classification{code: te.Code}
	}

	if errors.Is(err, pubclient.NotPermittedError{}) {
		return classification{code: CodeNotPermitted}
	}

	var se httpmisc.StatusError
	if errors.As(err, &se) {
		return classification{code: CodeHTTPStatus, statusCode: se.StatusCode, retryable: se.Retryable()}
	}

	if parent.Err() != nil {
		return classification{code: CodeCancelled}
	}

	for _, e := range retryableErrnos {
		if errors.Is(err, e.errno) {
			return classification{code: e.code, retryable: true}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return classification{code: "EAI_AGAIN", retryable: true}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return classification{code: "ETIMEDOUT", retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return classification{code: "ETIMEDOUT", retryable: true}
	}

	return classification{code: CodeUnknown}
}

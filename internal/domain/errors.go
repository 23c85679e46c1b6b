package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidInput indicates a missing, empty, non-string or malformed
	// endpoint URL on write.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUntrustedEndpoint indicates a syntactically valid URL whose host is
	// rejected by the configured allow-list.
	ErrUntrustedEndpoint = errors.New("untrusted endpoint")

	// ErrStorageUnavailable means the endpoint store could not be read or
	// written. Usually transient.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNetwork means the relay could not be reached.
	ErrNetwork = errors.New("network error")

	// ErrNoEndpointKnown means no endpoint has been published yet, or the
	// client has no usable base address.
	ErrNoEndpointKnown = errors.New("no endpoint known")

	// ErrRateLimited is returned when a writer exceeds the allowed update rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// OpError wraps an underlying error with operation context.
type OpError struct {
	Op  string
	URL string
	Err error
}

func (e *OpError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

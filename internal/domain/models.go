// Package domain defines the core data types shared across the relay,
// store, publisher and resolver layers.
package domain

import (
	"errors"
	"time"
)

// EndpointRecord is the single piece of durable relay state: the current
// backend address and when it was last written.
type EndpointRecord struct {
	URL       string
	UpdatedAt time.Time
}

// Source describes where a resolver's active address came from.
type Source string

// Source constants for the resolver's active address.
const (
	SourceDefault   Source = "default"
	SourcePersisted Source = "persisted"
	SourceRelay     Source = "relay"
	SourceOverride  Source = "override"
)

// Machine-readable error codes carried in the relay's JSON error body.
const (
	CodeInvalidInput       = "invalid_input"
	CodeUntrustedEndpoint  = "untrusted_endpoint"
	CodeStorageUnavailable = "storage_unavailable"
	CodeRateLimited        = "rate_limited"
	CodeNotFound           = "not_found"
)

// ErrorCode maps err to its wire error code. Unknown errors map to
// [CodeStorageUnavailable] since the relay has no other server-side failure.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrUntrustedEndpoint):
		return CodeUntrustedEndpoint
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrNoEndpointKnown):
		return CodeNotFound
	default:
		return CodeStorageUnavailable
	}
}

// ErrorForCode returns the sentinel error for a wire error code, or nil.
func ErrorForCode(code string) error {
	switch code {
	case CodeInvalidInput:
		return ErrInvalidInput
	case CodeUntrustedEndpoint:
		return ErrUntrustedEndpoint
	case CodeStorageUnavailable:
		return ErrStorageUnavailable
	case CodeRateLimited:
		return ErrRateLimited
	case CodeNotFound:
		return ErrNoEndpointKnown
	}
	return nil
}

package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestOpErrorMessage(t *testing.T) {
	t.Parallel()

	err := &OpError{Op: "publish", URL: "https://a.trycloudflare.com", Err: ErrStorageUnavailable}
	want := "publish https://a.trycloudflare.com: storage unavailable"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOpErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", &OpError{Op: "fetch", Err: ErrNetwork})
	if !errors.Is(err, ErrNetwork) {
		t.Fatal("expected errors.Is to match ErrNetwork")
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || opErr.Op != "fetch" {
		t.Fatalf("expected errors.As to find OpError, got %#v", opErr)
	}
}

func TestOpErrorWithoutURL(t *testing.T) {
	t.Parallel()

	err := &OpError{Op: "get", Err: ErrNoEndpointKnown}
	want := "get: no endpoint known"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code string
	}{
		{"invalid_input", ErrInvalidInput, CodeInvalidInput},
		{"untrusted", ErrUntrustedEndpoint, CodeUntrustedEndpoint},
		{"storage", ErrStorageUnavailable, CodeStorageUnavailable},
		{"rate_limit", ErrRateLimited, CodeRateLimited},
		{"not_found", ErrNoEndpointKnown, CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ErrorCode(fmt.Errorf("wrapped: %w", tc.err)); got != tc.code {
				t.Fatalf("ErrorCode: got %q, want %q", got, tc.code)
			}
			if got := ErrorForCode(tc.code); !errors.Is(got, tc.err) {
				t.Fatalf("ErrorForCode(%q): got %v, want %v", tc.code, got, tc.err)
			}
		})
	}
}

func TestErrorForUnknownCode(t *testing.T) {
	t.Parallel()

	if err := ErrorForCode("something_else"); err != nil {
		t.Fatalf("expected nil for unknown code, got %v", err)
	}
}

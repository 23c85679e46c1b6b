package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

// StatusError is a non-success response from the relay.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("relay returned %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, msg)
}

// Unwrap maps the response to a domain sentinel, preferring the error code
// and falling back to the status.
func (e *StatusError) Unwrap() error {
	if err := domain.ErrorForCode(e.Code); err != nil {
		return err
	}
	switch {
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusRequestEntityTooLarge:
		return domain.ErrInvalidInput
	case e.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case e.StatusCode == http.StatusNotFound:
		return domain.ErrNoEndpointKnown
	case e.StatusCode >= 500:
		return domain.ErrStorageUnavailable
	}
	return nil
}

// IsRetriable reports whether a publish or fetch failure is transient:
// network errors, 408, 429 and 5xx. Other 4xx responses are request
// errors and fail fast.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusRequestTimeout {
			return true
		}
		return se.StatusCode >= 500
	}
	return errors.Is(err, domain.ErrNetwork)
}

func parseStatusError(resp *resty.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode()}
	var body domain.ErrorResponse
	if err := json.Unmarshal(resp.Body(), &body); err == nil && (body.Error != "" || body.Message != "") {
		se.Code = strings.TrimSpace(body.Error)
		se.Message = strings.TrimSpace(body.Message)
		return se
	}
	se.Message = strings.TrimSpace(string(resp.Body()))
	if len(se.Message) > 200 {
		se.Message = se.Message[:200]
	}
	return se
}

// shortenError extracts the innermost meaningful message from nested network
// errors (e.g. *url.Error → *net.OpError → syscall).
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

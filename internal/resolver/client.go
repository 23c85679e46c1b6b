package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

const apiTimeout = 30 * time.Second

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// newHTTPClient returns a client whose cookie jar sends cookies on every
// API call, including across tunnel hosts under different registrable
// domains.
func newHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &http.Client{Jar: jar, Timeout: apiTimeout}, nil
}

// BuildURL joins the active address with path, adding a leading slash to
// path when missing.
func (r *Resolver) BuildURL(path string) (string, error) {
	base, err := r.CurrentURL()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}

// NewRequest builds a request against the address active at call time.
// It sends JSON unless the caller overrides Content-Type.
func (r *Resolver) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target, err := r.BuildURL(path)
	if err != nil {
		return nil, &domain.OpError{Op: method, URL: path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Do sends req with the resolver's cookie-carrying client.
func (r *Resolver) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &domain.OpError{Op: req.Method, URL: req.URL.String(), Err: fmt.Errorf("%w: %w", domain.ErrNetwork, err)}
	}
	return resp, nil
}

// Fetch issues method path against the active address. Without a known
// address it fails with [domain.ErrNoEndpointKnown] and sends nothing.
func (r *Resolver) Fetch(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := r.NewRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return r.Do(req)
}

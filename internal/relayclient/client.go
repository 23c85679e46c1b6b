// Package relayclient talks to the relay's /tunnel endpoint over HTTP and
// its watch stream over websocket.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/koltyakov/tunnelrelay/internal/domain"
)

const (
	tunnelPath     = "/tunnel"
	watchPath      = "/tunnel/watch"
	defaultTimeout = 10 * time.Second
	userAgent      = "tunnelrelay"
)

type Options struct {
	// Timeout bounds each request. Zero means 10s.
	Timeout time.Duration
	// HTTPClient overrides the underlying client, mostly for tests.
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	base      string
	endpoint  string
	http      *resty.Client
	userAgent string
}

type updateRequest struct {
	URL string `json:"url"`
}

// New returns a client for the relay at relayURL. A trailing /tunnel on
// relayURL is accepted and not doubled.
func New(relayURL string, opts Options) (*Client, error) {
	base, err := normalizeBase(relayURL)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = userAgent
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetTimeout(timeout).
		SetHeader("User-Agent", ua).
		SetHeader("Accept", "application/json")

	return &Client{
		base:      base,
		endpoint:  base + tunnelPath,
		http:      rc,
		userAgent: ua,
	}, nil
}

// Endpoint returns the full /tunnel URL the client reads and writes.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Fetch reads the current endpoint. ok is false when the relay knows no
// endpoint, reported either as null fields or as 404.
func (c *Client) Fetch(ctx context.Context) (domain.EndpointRecord, bool, error) {
	var out domain.TunnelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(c.endpoint)
	if err != nil {
		return domain.EndpointRecord{}, false, networkError("fetch", c.endpoint, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.EndpointRecord{}, false, nil
	case resp.StatusCode() != http.StatusOK:
		return domain.EndpointRecord{}, false, &domain.OpError{Op: "fetch", URL: c.endpoint, Err: parseStatusError(resp)}
	}
	if !isJSON(resp) {
		return domain.EndpointRecord{}, false, &domain.OpError{
			Op:  "fetch",
			URL: c.endpoint,
			Err: fmt.Errorf("%w: unexpected content type %q", domain.ErrNetwork, resp.Header().Get("Content-Type")),
		}
	}
	rec, ok := out.Record()
	return rec, ok, nil
}

// Publish writes u as the current endpoint and returns the stored record.
func (c *Client) Publish(ctx context.Context, u string) (domain.EndpointRecord, error) {
	var out domain.UpdateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(updateRequest{URL: u}).
		SetResult(&out).
		Post(c.endpoint)
	if err != nil {
		return domain.EndpointRecord{}, networkError("publish", c.endpoint, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.EndpointRecord{}, &domain.OpError{Op: "publish", URL: c.endpoint, Err: parseStatusError(resp)}
	}
	if !out.Success {
		return domain.EndpointRecord{}, &domain.OpError{
			Op:  "publish",
			URL: c.endpoint,
			Err: fmt.Errorf("%w: relay did not confirm the update", domain.ErrNetwork),
		}
	}
	return domain.EndpointRecord{URL: out.URL, UpdatedAt: out.UpdatedAt.UTC()}, nil
}

func networkError(op, target string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.OpError{Op: op, URL: target, Err: fmt.Errorf("%w: %w", domain.ErrNetwork, err)}
	}
	return &domain.OpError{Op: op, URL: target, Err: fmt.Errorf("%w: %s", domain.ErrNetwork, shortenError(err))}
}

func isJSON(resp *resty.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header().Get("Content-Type")), "json")
}

func normalizeBase(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: relay url is required", domain.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: relay url %q must be an absolute http(s) url", domain.ErrInvalidInput, raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	base := strings.TrimRight(u.String(), "/")
	base = strings.TrimSuffix(base, tunnelPath)
	return strings.TrimRight(base, "/"), nil
}

// Package endpoint validates and normalizes backend endpoint URLs and
// applies the optional host allow-list.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/koltyakov/tunnelrelay/internal/domain"
	"github.com/koltyakov/tunnelrelay/internal/netutil"
)

// Parse checks that raw is an absolute http(s) URL with a host. Errors wrap
// [domain.ErrInvalidInput].
func Parse(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: url is required", domain.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !u.IsAbs() || u.Opaque != "" {
		return nil, fmt.Errorf("%w: url must be absolute", domain.ErrInvalidInput)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidInput, u.Scheme)
	}
	if netutil.NormalizeHost(u.Host) == "" {
		return nil, fmt.Errorf("%w: url must include a host", domain.ErrInvalidInput)
	}
	return u, nil
}

// Normalize trims surrounding whitespace and trailing slashes, the form both
// the publisher and the resolver persist.
func Normalize(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// Policy restricts endpoint hosts to an allow-list. The zero value allows
// any host.
type Policy struct {
	AllowHosts []string
}

// NewPolicy builds a Policy from patterns, dropping blanks.
func NewPolicy(patterns []string) Policy {
	var out []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return Policy{AllowHosts: out}
}

// Check validates raw with [Parse] and then the allow-list. Allow-list
// failures wrap [domain.ErrUntrustedEndpoint].
func (p Policy) Check(raw string) error {
	u, err := Parse(raw)
	if err != nil {
		return err
	}
	if len(p.AllowHosts) == 0 {
		return nil
	}
	for _, pattern := range p.AllowHosts {
		if netutil.MatchHostPattern(pattern, u.Host) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %q is not allowed", domain.ErrUntrustedEndpoint, netutil.NormalizeHost(u.Host))
}

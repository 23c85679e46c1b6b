// Package netutil provides shared host and address normalization helpers.
package netutil

import (
	"net"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// ClientIP returns the IP part of an http.Request.RemoteAddr value, or the
// trimmed input when it carries no port.
func ClientIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// MatchHostPattern reports whether host matches pattern. A pattern of the
// form "*.example.com" matches any subdomain of example.com but not the apex;
// any other pattern must match exactly. Both sides are normalized first.
func MatchHostPattern(pattern, host string) bool {
	host = NormalizeHost(host)
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if host == "" || pattern == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		suffix = NormalizeHost(suffix)
		return suffix != "" && strings.HasSuffix(host, "."+suffix)
	}
	return host == NormalizeHost(pattern)
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package panel is the HTTP client for remote 3x-ui panels: session
// login, client provisioning and the vless URI rendered from an inbound's
// stream settings.
package panel

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is a normalized panel base address.
type Endpoint struct {
	base *url.URL
}

// ParseEndpoint normalizes a stored server host into a panel base URL.
// Bare host[:port] values get the https scheme; an explicit scheme and any
// path prefix are preserved. A value without a resolvable host is rejected
// before any I/O happens.
func ParseEndpoint(raw string) (*Endpoint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrInvalidEndpoint, raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return &Endpoint{base: u}, nil
}

// String returns the normalized base URL.
func (e *Endpoint) String() string { return e.base.String() }

// Hostname returns the host without port, the address clients connect to.
func (e *Endpoint) Hostname() string { return e.base.Hostname() }

// URL joins path segments onto the base, keeping any path prefix.
func (e *Endpoint) URL(parts ...string) string {
	b := *e.base
	b.Path = e.base.Path + "/" + strings.Join(parts, "/")
	return b.String()
}

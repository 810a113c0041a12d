// Package rewrite readdresses an intercepted request to a gateway endpoint.
//
// The transform is pure: the original request is never modified and the rewritten
// request keeps the method, headers, body and query of the original. Only the
// destination, the Host header and the path change, with the endpoint path used as
// a prefix of the original path.
package rewrite

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// OriginalHostHeader carries the original destination host when provenance is preserved.
const OriginalHostHeader = "X-Original-Host"

// ErrInvalidEndpoint is returned when the gateway URL cannot be used as a destination.
var ErrInvalidEndpoint = errors.New("invalid gateway endpoint")

// Target is a parsed gateway endpoint URL.
type Target struct {
	Scheme string
	Host   string // Hostname without port.
	Port   string // Explicit port or the scheme default.
	Path   string // Escaped path, always ending with a single "/".
}

// Authority returns the host, with the port only when it differs from the scheme default.
func (t Target) Authority() string {
	if t.Port == defaultPort(t.Scheme) {
		return hostLiteral(t.Host)
	}
	return net.JoinHostPort(t.Host, t.Port)
}

func hostLiteral(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// ParseEndpoint parses and normalises a gateway endpoint URL.
// A URL without a path is treated as having the path "/".
func ParseEndpoint(rawURL string) (Target, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Target{}, fmt.Errorf("%w %q : %w", ErrInvalidEndpoint, rawURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Target{}, fmt.Errorf("%w %q : unsupported scheme %q", ErrInvalidEndpoint, rawURL, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("%w %q : missing host", ErrInvalidEndpoint, rawURL)
	}

	port := parsed.Port()
	if port == "" {
		port = defaultPort(scheme)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return Target{}, fmt.Errorf("%w %q : port %q out of range", ErrInvalidEndpoint, rawURL, port)
	}

	return Target{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Path:   strings.TrimRight(parsed.EscapedPath(), "/") + "/",
	}, nil
}

// Request returns a copy of req addressed to the gateway at endpointURL.
//
// The new path is the endpoint path followed by the original path without its
// leading "/". When preserveOriginalHost is set the original host is added in
// OriginalHostHeader, other headers are left untouched.
func Request(req *http.Request, endpointURL string, preserveOriginalHost bool) (*http.Request, error) {
	target, err := ParseEndpoint(endpointURL)
	if err != nil {
		return nil, err
	}

	originalHost := req.Host
	if originalHost == "" && req.URL != nil {
		originalHost = req.URL.Host
	}

	originalPath := ""
	if req.URL != nil {
		originalPath = strings.TrimLeft(req.URL.EscapedPath(), "/")
	}
	escapedPath := target.Path + originalPath

	path, err := url.PathUnescape(escapedPath)
	if err != nil {
		return nil, fmt.Errorf("%w %q : unescaping %q : %w", ErrInvalidEndpoint, endpointURL, escapedPath, err)
	}

	out := req.Clone(req.Context())
	if out.URL == nil {
		out.URL = &url.URL{}
	}
	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Authority()
	out.URL.Path = path
	out.URL.RawPath = escapedPath
	out.URL.Opaque = ""
	out.Host = target.Authority()
	out.RequestURI = ""

	if preserveOriginalHost {
		if out.Header == nil {
			out.Header = make(http.Header)
		}
		out.Header.Add(OriginalHostHeader, originalHost)
	}

	return out, nil
}

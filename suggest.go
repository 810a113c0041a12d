package rotor

import (
	"net"
	"strings"

	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/rotation"
)

// Suggestion is a domain derived from captured traffic together with the URL a
// gateway for it should forward to.
type Suggestion struct {
	Domain     string `json:"domain"`
	TargetURL  string `json:"target_url"`
	Registered bool   `json:"registered"`      // the registry already has the domain
	Error      string `json:"error,omitempty"` // why the domain cannot be registered
}

// Registrable reports whether the suggestion can still be added to the registry.
func (s Suggestion) Registrable() bool {
	return !s.Registered && s.Error == ""
}

type observedHost struct {
	host   string
	scheme string
	port   string
}

func (o observedHost) targetURL() string {
	hostPort := o.host
	if strings.Contains(hostPort, ":") {
		hostPort = "[" + hostPort + "]"
	}
	if o.port != "" && o.port != schemePort(o.scheme) {
		hostPort = net.JoinHostPort(o.host, o.port)
	}
	return o.scheme + "://" + hostPort
}

func schemePort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// SuggestDomains derives one suggestion per host seen in items, in first seen
// order. Hosts are lowercased and the last https observation of a host wins
// over any http one. Ports other than the scheme default are kept in the target URL.
// registry may be nil, in which case nothing is marked as registered.
func SuggestDomains(items []*domain.CapturedRequest, registry *rotation.Registry) []Suggestion {
	var order []string
	seen := make(map[string]*observedHost)

	for _, item := range items {
		if item == nil {
			continue
		}
		host := strings.ToLower(strings.TrimSpace(item.Host))
		if host == "" {
			continue
		}
		scheme := strings.ToLower(item.Scheme)
		if scheme != "https" {
			scheme = "http"
		}

		observed, ok := seen[host]
		if !ok {
			seen[host] = &observedHost{host: host, scheme: scheme, port: item.Port}
			order = append(order, host)
			continue
		}
		if scheme == "https" {
			observed.scheme = scheme
			observed.port = item.Port
		}
	}

	suggestions := make([]Suggestion, 0, len(order))
	for _, host := range order {
		observed := seen[host]
		suggestion := Suggestion{
			Domain:    host,
			TargetURL: observed.targetURL(),
		}
		if err := rotation.ValidateDomain(host); err != nil {
			suggestion.Error = err.Error()
		} else if registry != nil {
			_, suggestion.Registered = registry.Lookup(host)
		}
		suggestions = append(suggestions, suggestion)
	}
	return suggestions
}

package domain

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// DefaultWeight is assigned to endpoints created without an explicit weight.
	DefaultWeight = 100
	// MinWeight and MaxWeight bound the relative weight of an endpoint.
	MinWeight = 1
	MaxWeight = 100

	// UnknownRegion is recorded when a region cannot be inferred from an endpoint URL.
	UnknownRegion = "unknown"
)

// RouteRepository is the persistence contract of the route registry.
// LoadRoutes is called once at startup and SaveRoutes after every mutation.
type RouteRepository interface {
	// LoadRoutes returns the last saved snapshot. An empty store returns an empty snapshot.
	LoadRoutes() (*Snapshot, error)
	// SaveRoutes replaces the stored state with the snapshot.
	SaveRoutes(snapshot *Snapshot) error
}

// Endpoint is a single provisioned gateway endpoint. Two endpoints are the same
// endpoint when their URLs are equal, weight and region do not take part in identity.
type Endpoint struct {
	URL    string `json:"url" yaml:"url"`       // Absolute endpoint URL, may carry a path prefix (the stage).
	Region string `json:"region" yaml:"region"` // Region label, UnknownRegion when it could not be determined.
	Weight int    `json:"weight" yaml:"weight"` // Relative weight in [MinWeight, MaxWeight].
}

// NewEndpoint validates rawURL and builds an Endpoint from it.
// An empty region is inferred from the URL and the weight is clamped to [MinWeight, MaxWeight],
// with zero meaning DefaultWeight.
func NewEndpoint(rawURL, region string, weight int) (Endpoint, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := ValidateURL("url", rawURL); err != nil {
		return Endpoint{}, err
	}

	region = strings.TrimSpace(region)
	if region == "" {
		region = InferRegion(rawURL)
	}

	if weight == 0 {
		weight = DefaultWeight
	}

	return Endpoint{
		URL:    rawURL,
		Region: region,
		Weight: ClampWeight(weight),
	}, nil
}

// ClampWeight forces weight into [MinWeight, MaxWeight].
func ClampWeight(weight int) int {
	return max(MinWeight, min(MaxWeight, weight))
}

// ValidateURL checks that rawURL is an absolute http or https URL with a host.
func ValidateURL(field, rawURL string) error {
	if rawURL == "" {
		return NewValidationError(field, "must not be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return NewValidationError(field, "parsing %q : %v", rawURL, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return NewValidationError(field, "scheme of %q must be http or https", rawURL)
	}

	if parsed.Hostname() == "" {
		return NewValidationError(field, "%q has no host", rawURL)
	}

	return nil
}

// InferRegion extracts the region segment from a gateway URL of the form
// <id>.execute-api.<region>.<provider-domain>. Any other shape yields UnknownRegion.
func InferRegion(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return UnknownRegion
	}

	parts := strings.Split(parsed.Hostname(), ".")
	if len(parts) < 4 || parts[1] != "execute-api" || parts[2] == "" {
		return UnknownRegion
	}

	return parts[2]
}

// Strategy is the selection policy of a domain's route table.
type Strategy int

const (
	// Sequential walks the endpoints in insertion order.
	Sequential Strategy = iota
	// UniformRandom picks any endpoint with equal probability.
	UniformRandom
	// WeightedRandom picks endpoints proportionally to their weight.
	WeightedRandom
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{Sequential, UniformRandom, WeightedRandom}

func (s Strategy) String() string {
	switch s {
	case Sequential:
		return "sequential"
	case UniformRandom:
		return "uniform_random"
	case WeightedRandom:
		return "weighted_random"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses the strategy names produced by String.
// The older ROUND_ROBIN, RANDOM and WEIGHTED names are accepted as aliases.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sequential", "round_robin", "round-robin":
		return Sequential, nil
	case "uniform_random", "uniform-random", "random":
		return UniformRandom, nil
	case "weighted_random", "weighted-random", "weighted":
		return WeightedRandom, nil
	default:
		return Sequential, NewValidationError("strategy", "unknown strategy %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DomainRoutes is the persisted form of one domain's route table.
type DomainRoutes struct {
	Domain    string     `json:"domain" yaml:"domain"`
	Strategy  Strategy   `json:"strategy" yaml:"strategy"`
	Endpoints []Endpoint `json:"endpoints" yaml:"endpoints"`
}

// Snapshot is the full persisted registry state.
type Snapshot struct {
	Enabled              bool           `json:"enabled" yaml:"enabled"`
	PreserveOriginalHost bool           `json:"preserve_original_host" yaml:"preserve_original_host"`
	Domains              []DomainRoutes `json:"domains" yaml:"domains"`
}

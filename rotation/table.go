// Package rotation implements the per-domain rotation engine and the registry that
// maps target domains to their route tables.
//
// Selection is lock free: the endpoint list of a table is replaced copy-on-write and
// read through an atomic pointer, and the sequential cursor is a single atomic
// add, so any number of in-flight requests can call Next concurrently with writers.
package rotation

import (
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tfkr-ae/rotor/domain"
)

// Table is the route table of a single domain.
type Table struct {
	domain string

	mu        sync.Mutex // serialises writers, readers never take it
	endpoints atomic.Pointer[[]domain.Endpoint]
	strategy  atomic.Int32
	cursor    atomic.Uint64

	intn func(n int) int
}

// NewTable returns an empty table for domainName using the given strategy.
func NewTable(domainName string, strategy domain.Strategy) *Table {
	table := &Table{
		domain: domainName,
		intn:   rand.IntN,
	}
	table.strategy.Store(int32(strategy))
	table.endpoints.Store(&[]domain.Endpoint{})
	return table
}

// Domain returns the domain with its original casing.
func (t *Table) Domain() string {
	return t.domain
}

// Strategy returns the current selection strategy.
func (t *Table) Strategy() domain.Strategy {
	return domain.Strategy(t.strategy.Load())
}

// SetStrategy switches the selection strategy. The cursor is left untouched.
func (t *Table) SetStrategy(strategy domain.Strategy) {
	t.strategy.Store(int32(strategy))
}

// Len returns the number of endpoints.
func (t *Table) Len() int {
	return len(*t.endpoints.Load())
}

// Endpoints returns a copy of the endpoints in insertion order.
func (t *Table) Endpoints() []domain.Endpoint {
	return slices.Clone(*t.endpoints.Load())
}

// Contains reports whether an endpoint with rawURL is present.
func (t *Table) Contains(rawURL string) bool {
	return indexOf(*t.endpoints.Load(), rawURL) >= 0
}

// Add appends endpoint unless its URL is already present, in which case the
// existing entry is kept as is and Add returns false.
func (t *Table) Add(endpoint domain.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.endpoints.Load()
	if indexOf(current, endpoint.URL) >= 0 {
		return false
	}

	next := make([]domain.Endpoint, len(current), len(current)+1)
	copy(next, current)
	next = append(next, endpoint)
	t.endpoints.Store(&next)
	return true
}

// Remove deletes the endpoint with rawURL and reports whether it was present.
func (t *Table) Remove(rawURL string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.endpoints.Load()
	idx := indexOf(current, rawURL)
	if idx < 0 {
		return false
	}

	next := slices.Concat(current[:idx], current[idx+1:])
	t.endpoints.Store(&next)
	return true
}

// SetWeight changes the weight of the endpoint with rawURL.
// The weight must already be within [domain.MinWeight, domain.MaxWeight].
func (t *Table) SetWeight(rawURL string, weight int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := *t.endpoints.Load()
	idx := indexOf(current, rawURL)
	if idx < 0 {
		return false
	}

	next := slices.Clone(current)
	next[idx].Weight = weight
	t.endpoints.Store(&next)
	return true
}

// Next selects the endpoint that should carry the next request.
// It returns false when the table has no endpoints.
func (t *Table) Next() (domain.Endpoint, bool) {
	current := *t.endpoints.Load()

	switch len(current) {
	case 0:
		return domain.Endpoint{}, false
	case 1:
		return current[0], true
	}

	switch t.Strategy() {
	case domain.UniformRandom:
		return current[t.intn(len(current))], true
	case domain.WeightedRandom:
		return t.weighted(current), true
	default:
		// the modulo is taken against the list read above, so a cursor left
		// past the end by a removal still resolves
		idx := (t.cursor.Add(1) - 1) % uint64(len(current))
		return current[idx], true
	}
}

func (t *Table) weighted(current []domain.Endpoint) domain.Endpoint {
	total := 0
	for _, endpoint := range current {
		total += endpoint.Weight
	}
	if total <= 0 {
		return current[0]
	}

	r := t.intn(total)
	cumulative := 0
	for _, endpoint := range current {
		cumulative += endpoint.Weight
		if cumulative > r {
			return endpoint
		}
	}
	return current[0]
}

func (t *Table) snapshot() domain.DomainRoutes {
	return domain.DomainRoutes{
		Domain:    t.domain,
		Strategy:  t.Strategy(),
		Endpoints: t.Endpoints(),
	}
}

func indexOf(endpoints []domain.Endpoint, rawURL string) int {
	return slices.IndexFunc(endpoints, func(endpoint domain.Endpoint) bool {
		return endpoint.URL == rawURL
	})
}

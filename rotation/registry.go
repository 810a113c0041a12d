package rotation

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/metrics"
)

var (
	// ErrDomainNotFound is returned when a mutation names a domain that is not registered.
	ErrDomainNotFound = errors.New("domain not registered")

	// ErrEndpointNotFound is returned when a mutation names an endpoint that is not in the domain's table.
	ErrEndpointNotFound = errors.New("endpoint not registered")
)

// Registry maps target domains to their route tables and holds the global rotation flags.
//
// Lookups are case-insensitive while the stored domain keeps its original casing.
// Mutations are serialised and each one is followed by a save to the configured store.
// When a save fails the in-memory change stays applied and the returned error wraps
// domain.ErrPersistence.
type Registry struct {
	writeMu sync.Mutex   // one writer at a time, held across mutation and save
	mu      sync.RWMutex // guards tables and order
	tables  map[string]*Table
	order   []string

	enabled              atomic.Bool
	preserveOriginalHost atomic.Bool

	store   domain.RouteRepository
	logger  *slog.Logger
	metrics *metrics.Collector
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStore sets the persistence store. Without one the registry is memory only.
func WithStore(store domain.RouteRepository) RegistryOption {
	return func(r *Registry) {
		r.store = store
	}
}

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics reports the registry size to collector after every change.
func WithMetrics(collector *metrics.Collector) RegistryOption {
	return func(r *Registry) {
		r.metrics = collector
	}
}

// NewRegistry returns an empty registry with rotation disabled.
func NewRegistry(options ...RegistryOption) *Registry {
	registry := &Registry{
		tables: make(map[string]*Table),
		logger: slog.Default(),
	}
	for _, option := range options {
		option(registry)
	}
	return registry
}

func key(domainName string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domainName), "."))
}

// ValidateDomain reports whether domainName can be registered as a domain.
func ValidateDomain(domainName string) error {
	name := strings.TrimSpace(domainName)
	if name == "" {
		return domain.NewValidationError("domain", "must not be empty")
	}
	if strings.ContainsAny(name, "/ \t:@?#") {
		return domain.NewValidationError("domain", "%q must be a bare hostname", name)
	}
	return nil
}

// Load replaces the registry contents with the stored snapshot.
// On failure the registry is left empty and disabled.
func (r *Registry) Load() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.store == nil {
		return nil
	}

	snapshot, err := r.store.LoadRoutes()
	if err != nil {
		r.reset()
		r.logger.Error("loading routes", "error", err)
		return fmt.Errorf("%w : loading routes : %w", domain.ErrPersistence, err)
	}

	r.apply(snapshot)
	r.observe()
	return nil
}

// Restore replaces the registry contents with snapshot and saves it.
func (r *Registry) Restore(snapshot *domain.Snapshot) error {
	if snapshot == nil {
		return domain.NewValidationError("snapshot", "must not be nil")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.apply(snapshot)
	return r.save()
}

func (r *Registry) reset() {
	r.mu.Lock()
	r.tables = make(map[string]*Table)
	r.order = nil
	r.mu.Unlock()

	r.enabled.Store(false)
	r.preserveOriginalHost.Store(false)
}

// apply builds fresh tables from snapshot and swaps them in under a single lock.
func (r *Registry) apply(snapshot *domain.Snapshot) {
	tables := make(map[string]*Table, len(snapshot.Domains))
	order := make([]string, 0, len(snapshot.Domains))

	for _, routes := range snapshot.Domains {
		if err := ValidateDomain(routes.Domain); err != nil {
			r.logger.Warn("skipping stored domain", "domain", routes.Domain, "error", err)
			continue
		}

		k := key(routes.Domain)
		table, ok := tables[k]
		if !ok {
			table = NewTable(strings.TrimSpace(routes.Domain), routes.Strategy)
			tables[k] = table
			order = append(order, k)
		}

		for _, stored := range routes.Endpoints {
			endpoint, err := domain.NewEndpoint(stored.URL, stored.Region, stored.Weight)
			if err != nil {
				r.logger.Warn("skipping stored endpoint", "domain", routes.Domain, "url", stored.URL, "error", err)
				continue
			}
			table.Add(endpoint)
		}
	}

	r.mu.Lock()
	r.tables = tables
	r.order = order
	r.mu.Unlock()

	r.enabled.Store(snapshot.Enabled)
	r.preserveOriginalHost.Store(snapshot.PreserveOriginalHost)
}

func (r *Registry) observe() {
	if r.metrics == nil {
		return
	}

	r.mu.RLock()
	endpoints := 0
	for _, table := range r.tables {
		endpoints += table.Len()
	}
	domains := len(r.order)
	r.mu.RUnlock()

	r.metrics.SetRegistrySize(domains, endpoints)
}

// save must be called with writeMu held.
func (r *Registry) save() error {
	r.observe()
	if r.store == nil {
		return nil
	}

	if err := r.store.SaveRoutes(r.Snapshot()); err != nil {
		r.logger.Error("saving routes", "error", err)
		return fmt.Errorf("%w : saving routes : %w", domain.ErrPersistence, err)
	}
	return nil
}

// Snapshot returns the current state in registration order.
func (r *Registry) Snapshot() *domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := &domain.Snapshot{
		Enabled:              r.enabled.Load(),
		PreserveOriginalHost: r.preserveOriginalHost.Load(),
		Domains:              make([]domain.DomainRoutes, 0, len(r.order)),
	}
	for _, k := range r.order {
		snapshot.Domains = append(snapshot.Domains, r.tables[k].snapshot())
	}
	return snapshot
}

// Enabled reports the master rotation switch.
func (r *Registry) Enabled() bool {
	return r.enabled.Load()
}

// SetEnabled toggles the master rotation switch.
func (r *Registry) SetEnabled(enabled bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.enabled.Store(enabled)
	return r.save()
}

// PreserveOriginalHost reports whether rewritten requests carry the original host header.
func (r *Registry) PreserveOriginalHost() bool {
	return r.preserveOriginalHost.Load()
}

// SetPreserveOriginalHost toggles the original host header.
func (r *Registry) SetPreserveOriginalHost(preserve bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.preserveOriginalHost.Store(preserve)
	return r.save()
}

// Len returns the number of registered domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Domains returns the registered domains with their original casing.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domains := make([]string, 0, len(r.order))
	for _, k := range r.order {
		domains = append(domains, r.tables[k].Domain())
	}
	return domains
}

// Lookup returns the table registered for host, ignoring case.
func (r *Registry) Lookup(host string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[key(host)]
	return table, ok
}

// FindEndpoint returns the domain whose table holds an endpoint with rawURL.
func (r *Registry) FindEndpoint(rawURL string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.order {
		if table := r.tables[k]; table.Contains(rawURL) {
			return table.Domain(), true
		}
	}
	return "", false
}

// ensure returns the table for domainName, creating it when missing.
// Must be called with writeMu held.
func (r *Registry) ensure(domainName string) (*Table, bool) {
	k := key(domainName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if table, ok := r.tables[k]; ok {
		return table, false
	}

	table := NewTable(strings.TrimSpace(domainName), domain.Sequential)
	r.tables[k] = table
	r.order = append(r.order, k)
	return table, true
}

// AddDomain registers domainName with an empty table.
// It returns false without saving when the domain is already registered.
func (r *Registry) AddDomain(domainName string) (bool, error) {
	if err := ValidateDomain(domainName); err != nil {
		return false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, created := r.ensure(domainName); !created {
		return false, nil
	}
	return true, r.save()
}

// RemoveDomain drops domainName and all of its endpoints.
func (r *Registry) RemoveDomain(domainName string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	k := key(domainName)

	r.mu.Lock()
	if _, ok := r.tables[k]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w : %s", ErrDomainNotFound, domainName)
	}
	delete(r.tables, k)
	r.order = slices.DeleteFunc(r.order, func(existing string) bool { return existing == k })
	r.mu.Unlock()

	return r.save()
}

func (r *Registry) table(domainName string) (*Table, error) {
	table, ok := r.Lookup(domainName)
	if !ok {
		return nil, fmt.Errorf("%w : %s", ErrDomainNotFound, domainName)
	}
	return table, nil
}

// AddEndpoint adds a gateway endpoint to a registered domain. An empty region is
// inferred from the URL and a zero weight means domain.DefaultWeight.
// Adding a URL that is already present is a no-op and returns false.
func (r *Registry) AddEndpoint(domainName, rawURL, region string, weight int) (bool, error) {
	if weight != 0 {
		if err := validateWeight(weight); err != nil {
			return false, err
		}
	}

	endpoint, err := domain.NewEndpoint(rawURL, region, weight)
	if err != nil {
		return false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	table, err := r.table(domainName)
	if err != nil {
		return false, err
	}

	if !table.Add(endpoint) {
		return false, nil
	}
	return true, r.save()
}

// RemoveEndpoint removes rawURL from the domain's table.
func (r *Registry) RemoveEndpoint(domainName, rawURL string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	table, err := r.table(domainName)
	if err != nil {
		return err
	}

	if !table.Remove(rawURL) {
		return fmt.Errorf("%w : %s", ErrEndpointNotFound, rawURL)
	}
	return r.save()
}

// SetWeight changes the weight of rawURL in the domain's table.
func (r *Registry) SetWeight(domainName, rawURL string, weight int) error {
	if err := validateWeight(weight); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	table, err := r.table(domainName)
	if err != nil {
		return err
	}

	if !table.SetWeight(rawURL, weight) {
		return fmt.Errorf("%w : %s", ErrEndpointNotFound, rawURL)
	}
	return r.save()
}

// SetStrategy changes the selection strategy of the domain's table.
func (r *Registry) SetStrategy(domainName string, strategy domain.Strategy) error {
	if !slices.Contains(domain.Strategies, strategy) {
		return domain.NewValidationError("strategy", "unknown strategy %d", int(strategy))
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	table, err := r.table(domainName)
	if err != nil {
		return err
	}

	table.SetStrategy(strategy)
	return r.save()
}

// Attach adds endpoints to domainName, registering the domain first when needed,
// and saves once. It returns how many endpoints were new.
func (r *Registry) Attach(domainName string, endpoints ...domain.Endpoint) (int, error) {
	if err := ValidateDomain(domainName); err != nil {
		return 0, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	table, created := r.ensure(domainName)
	added := 0
	for _, endpoint := range endpoints {
		if table.Add(endpoint) {
			added++
		}
	}

	if added == 0 && !created {
		return 0, nil
	}
	return added, r.save()
}

// Detach removes every endpoint whose URL is in urls, across all domains, and saves once.
// It returns how many endpoints were removed.
func (r *Registry) Detach(urls ...string) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	tables := make([]*Table, 0, len(r.order))
	for _, k := range r.order {
		tables = append(tables, r.tables[k])
	}
	r.mu.RUnlock()

	removed := 0
	for _, table := range tables {
		for _, rawURL := range urls {
			if table.Remove(rawURL) {
				removed++
			}
		}
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, r.save()
}

func validateWeight(weight int) error {
	if weight < domain.MinWeight || weight > domain.MaxWeight {
		return domain.NewValidationError("weight", "%d is outside [%d, %d]", weight, domain.MinWeight, domain.MaxWeight)
	}
	return nil
}

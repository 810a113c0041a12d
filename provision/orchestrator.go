// Package provision fans provider calls out over a bounded worker pool and folds
// their outcomes into a single report.
//
// Every (target, region) pair or gateway reference is an independent work item: a
// failing or hung item becomes a failure entry in the report and never cancels its
// siblings. The report is only returned once every item has finished, after which the
// side effects of the successful items are applied to the route registry and the
// gateway inventory in input order.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/metrics"
	"github.com/tfkr-ae/rotor/rotation"
)

const (
	// DefaultMaxWorkers caps the number of provider calls in flight.
	DefaultMaxWorkers = 10
	// DefaultTimeout bounds a single provider call.
	DefaultTimeout = 60 * time.Second
)

// ErrRemoteOperation wraps the error of every failed provider call.
var ErrRemoteOperation = errors.New("remote operation failed")

// Target is a domain to provision gateways for and the URL the gateways forward to.
type Target struct {
	Domain string `json:"domain"`
	URL    string `json:"target_url"`
}

// CreateRequest asks for one gateway per (target, region) pair.
type CreateRequest struct {
	Targets []Target `json:"targets"`
	Stage   string   `json:"stage"`
	Regions []string `json:"regions"`
}

// GatewayRef identifies a remote gateway.
type GatewayRef struct {
	ID     string `json:"id"`
	Region string `json:"region"`
}

// Orchestrator runs provisioning batches against a GatewayProvider.
type Orchestrator struct {
	provider   domain.GatewayProvider
	registry   *rotation.Registry
	inventory  domain.GatewayRepository
	stages     *StageValidator
	maxWorkers int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Collector
	onReport   func(report *Report)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInventory records created gateways in repo and removes deleted ones.
func WithInventory(repo domain.GatewayRepository) Option {
	return func(o *Orchestrator) {
		o.inventory = repo
	}
}

// WithStageValidator replaces the default stage deny-list.
func WithStageValidator(validator *StageValidator) Option {
	return func(o *Orchestrator) {
		if validator != nil {
			o.stages = validator
		}
	}
}

// WithMaxWorkers sets the worker cap. Values below one are ignored.
func WithMaxWorkers(workers int) Option {
	return func(o *Orchestrator) {
		if workers > 0 {
			o.maxWorkers = workers
		}
	}
}

// WithTimeout sets the per call timeout. Values of zero or less are ignored.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records batch outcomes on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *Orchestrator) {
		o.metrics = collector
	}
}

// WithReportHandler is called with every finished report.
func WithReportHandler(handler func(report *Report)) Option {
	return func(o *Orchestrator) {
		o.onReport = handler
	}
}

// New returns an orchestrator creating gateways through provider and registering
// their endpoints in registry.
func New(provider domain.GatewayProvider, registry *rotation.Registry, options ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:   provider,
		registry:   registry,
		stages:     NewStageValidator(nil),
		maxWorkers: DefaultMaxWorkers,
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(o)
	}
	return o
}

// ValidateStage checks stage against the configured rules.
func (o *Orchestrator) ValidateStage(stage string) (string, error) {
	return o.stages.Validate(stage)
}

// fanOut runs work for every index on at most min(maxWorkers, count) goroutines
// and returns once all of them have finished.
func (o *Orchestrator) fanOut(count int, work func(i int)) {
	p := pool.New().WithMaxGoroutines(min(o.maxWorkers, count))
	for i := range count {
		p.Go(func() {
			work(i)
		})
	}
	p.Wait()
}

// pace waits until a provider that rate limits its calls can start op in region.
// The wait is bounded by the batch context only, the per call timeout starts
// afterwards.
func (o *Orchestrator) pace(ctx context.Context, op, region string) (context.Context, error) {
	pacer, ok := o.provider.(domain.Pacer)
	if !ok {
		return ctx, nil
	}
	paced, err := pacer.Pace(ctx, op, region)
	if err != nil {
		return ctx, fmt.Errorf("waiting for rate limit : %w", err)
	}
	return paced, nil
}

// call runs fn with the per call timeout. A call that ignores its context still
// returns once the timeout expires, and a panic becomes an error.
func call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("provider panic : %v", r)}
			}
		}()
		value, err := fn(callCtx)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		return zero, fmt.Errorf("waiting for provider : %w", callCtx.Err())
	}
}

func remoteError(err error) error {
	return fmt.Errorf("%w : %w", ErrRemoteOperation, err)
}

func normaliseRegions(regions []string) ([]string, error) {
	normalised := make([]string, 0, len(regions))
	for _, region := range regions {
		region = strings.TrimSpace(region)
		if region != "" && !slices.Contains(normalised, region) {
			normalised = append(normalised, region)
		}
	}
	if len(normalised) == 0 {
		return nil, domain.NewValidationError("regions", "select at least one region")
	}
	return normalised, nil
}

func normaliseTargets(targets []Target) ([]Target, error) {
	if len(targets) == 0 {
		return nil, domain.NewValidationError("targets", "select at least one domain")
	}

	normalised := make([]Target, 0, len(targets))
	for _, target := range targets {
		target.URL = strings.TrimRight(strings.TrimSpace(target.URL), "/")
		if err := domain.ValidateURL("target_url", target.URL); err != nil {
			return nil, err
		}

		target.Domain = strings.TrimSpace(target.Domain)
		if target.Domain == "" {
			parsed, _ := url.Parse(target.URL)
			target.Domain = parsed.Hostname()
		}
		normalised = append(normalised, target)
	}
	return normalised, nil
}

type createItem struct {
	target Target
	region string
}

// Create provisions one gateway per (target, region) pair.
//
// Validation failures are returned before any provider call. Provider failures are
// reported per item and never fail the batch. Each successful item adds an endpoint
// for the returned public URL to its domain, registering the domain when needed,
// and records the gateway in the inventory.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Report, error) {
	stage, err := o.stages.Validate(req.Stage)
	if err != nil {
		return nil, err
	}
	targets, err := normaliseTargets(req.Targets)
	if err != nil {
		return nil, err
	}
	regions, err := normaliseRegions(req.Regions)
	if err != nil {
		return nil, err
	}

	items := make([]createItem, 0, len(targets)*len(regions))
	for _, target := range targets {
		for _, region := range regions {
			items = append(items, createItem{target: target, region: region})
		}
	}

	report := newReport(OpCreate)
	report.Stage = stage
	results := &collector{}

	o.logger.Info("creating gateways", "batch", report.ID, "items", len(items), "stage", stage)

	o.fanOut(len(items), func(i int) {
		item := items[i]
		var gateway *domain.RemoteGateway
		callCtx, err := o.pace(ctx, domain.GatewayCreate, item.region)
		if err == nil {
			gateway, err = call(callCtx, o.timeout, func(ctx context.Context) (*domain.RemoteGateway, error) {
				return o.provider.Create(ctx, item.target.URL, item.region, stage)
			})
		}
		if err == nil && gateway == nil {
			err = errors.New("provider returned no gateway")
		}
		if err != nil {
			err = remoteError(fmt.Errorf("creating gateway for %s in %s : %w", item.target.URL, item.region, err))
			results.fail(i, Failure{Domain: item.target.Domain, Region: item.region, Target: item.target.URL, Error: err.Error(), Err: err})
			return
		}

		if gateway.Region == "" {
			gateway.Region = item.region
		}
		if gateway.Stage == "" {
			gateway.Stage = stage
		}
		if gateway.TargetURL == "" {
			gateway.TargetURL = item.target.URL
		}
		if gateway.CreatedAt.IsZero() {
			gateway.CreatedAt = time.Now()
		}
		results.succeed(i, Success{Domain: item.target.Domain, Region: gateway.Region, Gateway: gateway})
	})

	o.applyCreated(report, results.ordered())
	return o.finish(report), nil
}

// applyCreated runs after the join, on the calling goroutine.
func (o *Orchestrator) applyCreated(report *Report, outcomes []outcome) {
	var (
		domains   []string
		endpoints = make(map[string][]domain.Endpoint)
	)

	for _, out := range outcomes {
		if out.failure != nil {
			report.Failed[out.failure.Domain] = append(report.Failed[out.failure.Domain], *out.failure)
			continue
		}

		success := *out.success
		endpoint, err := domain.NewEndpoint(success.Gateway.PublicURL, "", domain.DefaultWeight)
		if err != nil {
			err = remoteError(fmt.Errorf("gateway %s returned an unusable url : %w", success.Gateway.ID, err))
			report.Failed[success.Domain] = append(report.Failed[success.Domain], Failure{
				Domain: success.Domain, Region: success.Region, Target: success.Gateway.TargetURL, Error: err.Error(), Err: err,
			})
			continue
		}

		report.Succeeded[success.Domain] = append(report.Succeeded[success.Domain], success)
		if _, ok := endpoints[success.Domain]; !ok {
			domains = append(domains, success.Domain)
		}
		endpoints[success.Domain] = append(endpoints[success.Domain], endpoint)

		if o.inventory != nil {
			if err := o.inventory.UpsertGateway(success.Gateway); err != nil {
				report.warn("recording gateway %s : %v", success.Gateway.ID, err)
			}
		}
	}

	if o.registry == nil {
		return
	}
	for _, domainName := range domains {
		if _, err := o.registry.Attach(domainName, endpoints[domainName]...); err != nil {
			report.warn("registering endpoints for %s : %v", domainName, err)
		}
	}
}

type deleteItem struct {
	ref     GatewayRef
	domain  string
	gateway *domain.RemoteGateway
}

// Delete removes each referenced gateway. A successful delete also removes the
// matching local endpoint, found through the inventory record of the gateway, and
// the inventory record itself.
func (o *Orchestrator) Delete(ctx context.Context, refs []GatewayRef) (*Report, error) {
	if len(refs) == 0 {
		return nil, domain.NewValidationError("gateways", "select at least one gateway")
	}

	items := make([]deleteItem, 0, len(refs))
	for _, ref := range refs {
		ref.ID = strings.TrimSpace(ref.ID)
		ref.Region = strings.TrimSpace(ref.Region)
		if ref.ID == "" {
			return nil, domain.NewValidationError("id", "must not be empty")
		}
		if ref.Region == "" {
			return nil, domain.NewValidationError("region", "gateway %s has no region", ref.ID)
		}
		items = append(items, o.correlate(ref))
	}

	report := newReport(OpDelete)
	results := &collector{}

	o.logger.Info("deleting gateways", "batch", report.ID, "items", len(items))

	o.fanOut(len(items), func(i int) {
		item := items[i]
		callCtx, err := o.pace(ctx, domain.GatewayDelete, item.ref.Region)
		if err == nil {
			_, err = call(callCtx, o.timeout, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, o.provider.Delete(ctx, item.ref.ID, item.ref.Region)
			})
		}
		if err != nil {
			err = remoteError(fmt.Errorf("deleting gateway %s in %s : %w", item.ref.ID, item.ref.Region, err))
			results.fail(i, Failure{Domain: item.domain, Region: item.ref.Region, Target: item.ref.ID, Error: err.Error(), Err: err})
			return
		}
		results.succeed(i, Success{Domain: item.domain, Region: item.ref.Region, Gateway: item.gateway})
	})

	var urls []string
	for _, out := range results.ordered() {
		if out.failure != nil {
			report.Failed[out.failure.Domain] = append(report.Failed[out.failure.Domain], *out.failure)
			continue
		}

		success := *out.success
		report.Succeeded[success.Domain] = append(report.Succeeded[success.Domain], success)
		if success.Gateway.PublicURL != "" {
			urls = append(urls, success.Gateway.PublicURL)
		}
		if o.inventory != nil {
			if err := o.inventory.DeleteGateway(success.Gateway.ID); err != nil {
				report.warn("removing gateway %s from inventory : %v", success.Gateway.ID, err)
			}
		}
	}

	if o.registry != nil && len(urls) > 0 {
		if _, err := o.registry.Detach(urls...); err != nil {
			report.warn("removing endpoints : %v", err)
		}
	}

	return o.finish(report), nil
}

// correlate resolves the inventory record and owning domain of ref.
func (o *Orchestrator) correlate(ref GatewayRef) deleteItem {
	item := deleteItem{
		ref:     ref,
		domain:  ref.ID,
		gateway: &domain.RemoteGateway{ID: ref.ID, Region: ref.Region},
	}

	if o.inventory == nil {
		return item
	}

	gateway, err := o.inventory.GetGateway(ref.ID)
	if err != nil {
		return item
	}
	item.gateway = gateway

	if o.registry != nil && gateway.PublicURL != "" {
		if domainName, ok := o.registry.FindEndpoint(gateway.PublicURL); ok {
			item.domain = domainName
			return item
		}
	}
	if parsed, err := url.Parse(gateway.TargetURL); err == nil && parsed.Hostname() != "" {
		item.domain = parsed.Hostname()
	}
	return item
}

// Update points gateway id at newTargetURL.
func (o *Orchestrator) Update(ctx context.Context, id, region, newTargetURL string) error {
	id = strings.TrimSpace(id)
	region = strings.TrimSpace(region)
	newTargetURL = strings.TrimRight(strings.TrimSpace(newTargetURL), "/")

	if id == "" {
		return domain.NewValidationError("id", "must not be empty")
	}
	if region == "" {
		return domain.NewValidationError("region", "must not be empty")
	}
	if err := domain.ValidateURL("target_url", newTargetURL); err != nil {
		return err
	}

	_, err := call(ctx, o.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.provider.Update(ctx, id, region, newTargetURL)
	})
	if err != nil {
		return remoteError(fmt.Errorf("updating gateway %s in %s : %w", id, region, err))
	}

	if o.inventory != nil {
		if gateway, err := o.inventory.GetGateway(id); err == nil {
			gateway.TargetURL = newTargetURL
			if err := o.inventory.UpsertGateway(gateway); err != nil {
				o.logger.Warn("recording updated gateway", "id", id, "error", err)
			}
		}
	}
	return nil
}

// Refresh lists the gateways of every region and replaces the inventory records of
// the regions that answered. The report is keyed by region.
func (o *Orchestrator) Refresh(ctx context.Context, regions []string) (*Report, error) {
	regions, err := normaliseRegions(regions)
	if err != nil {
		return nil, err
	}

	report := newReport(OpRefresh)
	listed := make([][]*domain.RemoteGateway, len(regions))
	results := &collector{}

	o.fanOut(len(regions), func(i int) {
		region := regions[i]
		gateways, err := call(ctx, o.timeout, func(ctx context.Context) ([]*domain.RemoteGateway, error) {
			return o.provider.List(ctx, region)
		})
		if err != nil {
			err = remoteError(fmt.Errorf("listing gateways in %s : %w", region, err))
			results.fail(i, Failure{Domain: region, Region: region, Target: region, Error: err.Error(), Err: err})
			return
		}
		listed[i] = gateways
		results.succeed(i, Success{Domain: region, Region: region})
	})

	for _, out := range results.ordered() {
		if out.failure != nil {
			report.Failed[out.failure.Domain] = append(report.Failed[out.failure.Domain], *out.failure)
			continue
		}

		region := regions[out.index]
		for _, gateway := range listed[out.index] {
			if gateway.Region == "" {
				gateway.Region = region
			}
			report.Succeeded[region] = append(report.Succeeded[region], Success{Domain: region, Region: region, Gateway: gateway})
		}
		if _, ok := report.Succeeded[region]; !ok {
			report.Succeeded[region] = []Success{}
		}

		if o.inventory != nil {
			if err := o.inventory.ReplaceRegion(region, listed[out.index]); err != nil {
				report.warn("recording gateways of %s : %v", region, err)
			}
		}
	}

	return o.finish(report), nil
}

func (o *Orchestrator) finish(report *Report) *Report {
	report.FinishedAt = time.Now()

	o.metrics.ObserveProvision(string(report.Operation), report.SuccessCount(), report.FailureCount(), report.FinishedAt.Sub(report.StartedAt))
	o.logger.Info(report.Summary(), "batch", report.ID, "warnings", len(report.Warnings))
	for _, warning := range report.Warnings {
		o.logger.Warn(warning, "batch", report.ID)
	}

	if o.onReport != nil {
		o.onReport(report)
	}
	return report
}

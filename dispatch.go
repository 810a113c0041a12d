package rotor

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/metrics"
	"github.com/tfkr-ae/rotor/rewrite"
	"github.com/tfkr-ae/rotor/rotation"
)

// Reasons reported in a Decision.
const (
	ReasonRewritten    = "rewritten"
	ReasonDisabled     = "disabled"
	ReasonNoDomains    = "no_domains"
	ReasonNoMatch      = "no_match"
	ReasonNoEndpoints  = "no_endpoints"
	ReasonRewriteError = "rewrite_error"
)

// Decision describes what the dispatcher did with one request.
type Decision struct {
	Rewritten bool
	Reason    string
	Domain    string // registered domain the request matched, if any
	Endpoint  domain.Endpoint
	Strategy  domain.Strategy

	// Request is the request to forward. It is the input request unless Rewritten is set.
	Request *http.Request

	// Err is set for ReasonRewriteError. The request is still passed through.
	Err error
}

// Dispatcher decides per request whether it goes to its original target or to
// one of the gateways registered for the target domain.
//
// It keeps no state of its own, so OnOutboundRequest can run concurrently for
// unrelated requests. Selection state lives in the route tables.
type Dispatcher struct {
	registry *rotation.Registry
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewDispatcher returns a dispatcher reading from registry. A nil logger means slog.Default().
func NewDispatcher(registry *rotation.Registry, logger *slog.Logger, collector *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		metrics:  collector,
	}
}

// requestHost returns the destination hostname of req without a port.
func requestHost(req *http.Request) string {
	hostPort := req.Host
	if req.URL != nil && req.URL.Host != "" {
		hostPort = req.URL.Host
	}
	if host, _, err := net.SplitHostPort(hostPort); err == nil {
		return host
	}
	return strings.Trim(hostPort, "[]")
}

func (d *Dispatcher) passthrough(req *http.Request, reason string) Decision {
	d.metrics.ObserveDispatch(metrics.ResultPassthrough, reason)
	return Decision{Reason: reason, Request: req}
}

// OnOutboundRequest returns the request that should be sent for req.
//
// The request passes through unchanged when rotation is disabled, when its host
// is not registered or has no endpoints, and when the chosen endpoint URL
// cannot be used. req itself is never modified.
func (d *Dispatcher) OnOutboundRequest(req *http.Request) Decision {
	if d.registry == nil || !d.registry.Enabled() {
		return d.passthrough(req, ReasonDisabled)
	}
	if d.registry.Len() == 0 {
		return d.passthrough(req, ReasonNoDomains)
	}

	table, ok := d.registry.Lookup(requestHost(req))
	if !ok {
		return d.passthrough(req, ReasonNoMatch)
	}

	endpoint, ok := table.Next()
	if !ok {
		decision := d.passthrough(req, ReasonNoEndpoints)
		decision.Domain = table.Domain()
		return decision
	}

	strategy := table.Strategy()
	d.metrics.ObserveSelection(strategy.String(), endpoint.Region)

	rewritten, err := rewrite.Request(req, endpoint.URL, d.registry.PreserveOriginalHost())
	if err != nil {
		d.logger.Warn("passing request through, gateway url unusable",
			"domain", table.Domain(),
			"endpoint", endpoint.URL,
			"error", err,
		)
		d.metrics.ObserveDispatch(metrics.ResultError, ReasonRewriteError)
		return Decision{
			Reason:   ReasonRewriteError,
			Domain:   table.Domain(),
			Endpoint: endpoint,
			Strategy: strategy,
			Request:  req,
			Err:      err,
		}
	}

	d.metrics.ObserveDispatch(metrics.ResultRewritten, ReasonRewritten)
	return Decision{
		Rewritten: true,
		Reason:    ReasonRewritten,
		Domain:    table.Domain(),
		Endpoint:  endpoint,
		Strategy:  strategy,
		Request:   rewritten,
	}
}

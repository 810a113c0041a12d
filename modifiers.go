package rotor

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
	"github.com/tfkr-ae/rotor/core"
	"github.com/tfkr-ae/rotor/domain"
)

var (
	// ErrSkipPipeline is returned to stop the modifier pipeline for a request / response.
	// The request / response will still continue but won't be processed by any future modifiers
	ErrSkipPipeline = errors.New("stop processing item")

	// ErrRequestIDNotFound is returned when requestID is not found
	ErrRequestIDNotFound = errors.New("invalid or missing requestID")
)

// gatewayErrorHeader is set by API Gateway on responses it generated itself.
const gatewayErrorHeader = "X-Amzn-Errortype"

// RequestModifierFunc is a signature for HTTP request modifiers, it takes in the request and *Proxy
type RequestModifierFunc func(proxy *Proxy, req *http.Request) error

// ResponseModifierFunc is a signature for HTTP response modifiers, it takes in the response and *Proxy
type ResponseModifierFunc func(proxy *Proxy, res *http.Response) error

// reqAdapter lets a RequestModifierFunc satisfy martian.RequestModifier with access to the *Proxy.
type reqAdapter struct {
	proxy    *Proxy
	modifier RequestModifierFunc
}

func (adapter *reqAdapter) ModifyRequest(req *http.Request) error {
	return adapter.modifier(adapter.proxy, req)
}

// resAdapter lets a ResponseModifierFunc satisfy martian.ResponseModifier with access to the *Proxy.
type resAdapter struct {
	proxy    *Proxy
	modifier ResponseModifierFunc
}

func (adapter *resAdapter) ModifyResponse(res *http.Response) error {
	return adapter.modifier(adapter.proxy, res)
}

// getHostPort will return a host:port string based on the request
// It will fall back to 443 or 80 depending on the scheme or req.TLS
func getHostPort(req *http.Request) string {
	hostPort := req.URL.Host
	if hostPort == "" {
		hostPort = req.Host
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = strings.Trim(hostPort, "[]")
		port = defaultPort(req)
	}

	return net.JoinHostPort(host, port)
}

func defaultPort(req *http.Request) string {
	if req.URL.Scheme == "https" || req.TLS != nil {
		return "443"
	}
	return "80"
}

func requestScheme(req *http.Request) string {
	if req.URL.Scheme == "https" || req.TLS != nil {
		return "https"
	}
	return "http"
}

// logOptions returns the log options tying an entry to the request in ctx, if any.
func logOptions(req *http.Request) []core.LogOption {
	if reqID, ok := core.RequestIDFromContext(req.Context()); ok {
		return []core.LogOption{core.LogWithRequestID(reqID)}
	}
	return nil
}

// PreventLoopModifier skips processing a request if it is made to the proxy's active listener address and port, preventing an infinite loop
// It will normalize localhost & 127.0.0.1 when checking the host and port
func PreventLoopModifier(proxy *Proxy, req *http.Request) error {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host = req.Host
		port = defaultPort(req)
	}

	if host == "localhost" {
		host = "127.0.0.1"
	}

	listenerAddr := proxy.Addr
	if listenerAddr == "localhost" {
		listenerAddr = "127.0.0.1"
	}

	if host == listenerAddr && port == proxy.Port {
		martian.NewContext(req).SkipRoundTrip()
		return ErrSkipPipeline
	}
	return nil
}

// SkipConnectRequestModifier will skip processing for CONNECT requests
func SkipConnectRequestModifier(proxy *Proxy, req *http.Request) error {
	if req.Method == http.MethodConnect {
		return ErrSkipPipeline
	}
	return nil
}

// SetupRequestModifier initializes the request context with a new request ID
// and the time the request reached the proxy.
func SetupRequestModifier(proxy *Proxy, req *http.Request) error {
	*req = *core.ContextWithRequestTime(req, time.Now())

	requestID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating uuid for request : %w", err)
	}

	*req = *core.ContextWithRequestID(req, requestID)
	return nil
}

// CaptureRequestModifier queues a summary of the request, as addressed by the
// client, for the captured traffic store. It must run before RotateRequestModifier.
func CaptureRequestModifier(proxy *Proxy, req *http.Request) error {
	requestID, ok := core.RequestIDFromContext(req.Context())
	if !ok {
		return ErrRequestIDNotFound
	}

	requestedAt, ok := core.RequestTimeFromContext(req.Context())
	if !ok {
		requestedAt = time.Now()
	}

	host, port, err := net.SplitHostPort(getHostPort(req))
	if err != nil {
		return fmt.Errorf("splitting host and port of %s : %w", getHostPort(req), err)
	}

	proxy.enqueue(&domain.CapturedRequest{
		ID:          requestID,
		Scheme:      requestScheme(req),
		Host:        strings.ToLower(host),
		Port:        port,
		Method:      req.Method,
		Path:        req.URL.Path,
		RequestedAt: requestedAt,
	})
	return nil
}

// RotateRequestModifier hands the request to the dispatcher. A rewritten request
// replaces req in place and carries a core.Rotation naming the chosen gateway.
// Requests the dispatcher passes through continue unchanged, a rewrite failure is
// logged and never stops the request.
func RotateRequestModifier(proxy *Proxy, req *http.Request) error {
	if proxy.Dispatcher == nil {
		return nil
	}

	decision := proxy.Dispatcher.OnOutboundRequest(req)
	if decision.Err != nil {
		proxy.WriteLog("WARN",
			fmt.Sprintf("Passing request to %s through, gateway %s is unusable : %s", decision.Domain, decision.Endpoint.URL, decision.Err),
			logOptions(req)...,
		)
		return nil
	}
	if !decision.Rewritten {
		return nil
	}

	*req = *core.ContextWithRotation(decision.Request, core.Rotation{
		OriginalHost: getHostPort(req),
		GatewayURL:   decision.Endpoint.URL,
		Region:       decision.Endpoint.Region,
		Strategy:     decision.Strategy,
	})
	return nil
}

// ResponseFilterModifier skips processing for responses to CONNECT requests
// and to requests that skipped the round trip.
func ResponseFilterModifier(proxy *Proxy, res *http.Response) error {
	if res.Request.Method == http.MethodConnect || martian.NewContext(res.Request).SkippingRoundTrip() {
		return ErrSkipPipeline
	}
	return nil
}

// RotationResponseModifier counts responses to rotated requests per gateway region.
// Errors generated by the gateway itself, rather than the target, are logged.
func RotationResponseModifier(proxy *Proxy, res *http.Response) error {
	rotation, ok := core.RotationFromContext(res.Request.Context())
	if !ok {
		return nil
	}
	proxy.Metrics.ObserveUpstream(rotation.Region, res.StatusCode)

	if errorType := res.Header.Get(gatewayErrorHeader); errorType != "" {
		proxy.WriteLog("WARN",
			fmt.Sprintf("Gateway %s for %s answered %d : %s", rotation.GatewayURL, rotation.OriginalHost, res.StatusCode, errorType),
			logOptions(res.Request)...,
		)
	}
	return nil
}

// Package api serves the configuration surface of rotor as JSON over HTTP:
// the rotation flags and route tables, gateway provisioning, the gateway
// inventory, captured traffic and the operational log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tfkr-ae/rotor/db"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/metrics"
	"github.com/tfkr-ae/rotor/provision"
	"github.com/tfkr-ae/rotor/rotation"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// ErrProvisioningUnavailable is returned by the gateway endpoints when no
// provider is configured.
var ErrProvisioningUnavailable = errors.New("provisioning is not configured")

// Provisioner runs gateway batches. It is implemented by *provision.Orchestrator.
type Provisioner interface {
	Create(ctx context.Context, req provision.CreateRequest) (*provision.Report, error)
	Delete(ctx context.Context, refs []provision.GatewayRef) (*provision.Report, error)
	Update(ctx context.Context, id, region, newTargetURL string) error
	Refresh(ctx context.Context, regions []string) (*provision.Report, error)
}

// Store is the read side of the repository the API exposes.
type Store interface {
	domain.TrafficRepository
	domain.LogRepository
	domain.StatsRepository
	GetGateways() ([]*domain.RemoteGateway, error)
}

// Server holds the dependencies of the handlers.
type Server struct {
	registry     *rotation.Registry
	provisioner  Provisioner
	store        Store
	metrics      *metrics.Collector
	logger       *slog.Logger
	regions      func() []string
	defaultStage string
}

// Option configures a Server.
type Option func(*Server)

// WithProvisioner enables the gateway endpoints.
func WithProvisioner(provisioner Provisioner) Option {
	return func(s *Server) {
		s.provisioner = provisioner
	}
}

// WithStore enables the inventory, captured traffic, log and stats endpoints.
func WithStore(store Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithMetrics serves collector on /metrics.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = collector
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegions supplies the regions used when a batch names none.
func WithRegions(regions func() []string) Option {
	return func(s *Server) {
		s.regions = regions
	}
}

// WithDefaultStage is used for create batches that name no stage.
func WithDefaultStage(stage string) Option {
	return func(s *Server) {
		s.defaultStage = stage
	}
}

// New returns a server for registry.
func New(registry *rotation.Registry, options ...Option) *Server {
	s := &Server{
		registry: registry,
		logger:   slog.Default(),
		regions:  func() []string { return nil },
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Router returns the HTTP handler of the API.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/state", s.getState).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.putSettings).Methods(http.MethodPut)
	r.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)

	r.HandleFunc("/domains", s.postDomain).Methods(http.MethodPost)
	r.HandleFunc("/domains/{domain}", s.deleteDomain).Methods(http.MethodDelete)
	r.HandleFunc("/domains/{domain}/strategy", s.putStrategy).Methods(http.MethodPut)
	r.HandleFunc("/domains/{domain}/endpoints", s.postEndpoint).Methods(http.MethodPost)
	r.HandleFunc("/domains/{domain}/endpoints", s.deleteEndpoint).Methods(http.MethodDelete)
	r.HandleFunc("/domains/{domain}/endpoints/weight", s.putWeight).Methods(http.MethodPut)

	r.HandleFunc("/gateways", s.getGateways).Methods(http.MethodGet)
	r.HandleFunc("/gateways", s.postGateways).Methods(http.MethodPost)
	r.HandleFunc("/gateways", s.deleteGateways).Methods(http.MethodDelete)
	r.HandleFunc("/gateways/refresh", s.refreshGateways).Methods(http.MethodPost)
	r.HandleFunc("/gateways/{id}", s.putGateway).Methods(http.MethodPut)

	r.HandleFunc("/captured", s.getCaptured).Methods(http.MethodGet)
	r.HandleFunc("/captured/suggest", s.suggestDomains).Methods(http.MethodPost)
	r.HandleFunc("/logs", s.getLogs).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("encoding response", "error", err)
	}
}

// statusFor maps err to the status code of the response.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, rotation.ErrDomainNotFound),
		errors.Is(err, rotation.ErrEndpointNotFound),
		errors.Is(err, db.ErrGatewayNotFound),
		errors.Is(err, db.ErrNoCapturedRequests):
		return http.StatusNotFound
	case errors.Is(err, ErrProvisioningUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, provision.ErrRemoteOperation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := errorResponse{Error: err.Error()}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		body.Field = validation.Field
	}
	writeJSON(w, status, body)
}

// decodeJSON reads the body of r into v. An empty body is only accepted when
// optional is set.
func decodeJSON(r *http.Request, v any, optional bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.NewValidationError("body", "decoding request : %v", err)
	}
	if decoder.More() {
		return domain.NewValidationError("body", "unexpected data after the request object")
	}
	return nil
}

func (s *Server) requireStore() error {
	if s.store == nil {
		return fmt.Errorf("%w : no repository", domain.ErrPersistence)
	}
	return nil
}

func (s *Server) requireProvisioner() error {
	if s.provisioner == nil {
		return ErrProvisioningUnavailable
	}
	return nil
}

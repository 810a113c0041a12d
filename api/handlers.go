package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/tfkr-ae/rotor"
	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/provision"
)

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

type settingsRequest struct {
	Enabled              *bool `json:"enabled"`
	PreserveOriginalHost *bool `json:"preserve_original_host"`
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled == nil && req.PreserveOriginalHost == nil {
		s.writeError(w, r, domain.NewValidationError("body", "set enabled or preserve_original_host"))
		return
	}

	if req.Enabled != nil {
		if err := s.registry.SetEnabled(*req.Enabled); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.PreserveOriginalHost != nil {
		if err := s.registry.SetPreserveOriginalHost(*req.PreserveOriginalHost); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

type statsResponse struct {
	Enabled   bool `json:"enabled"`
	Domains   int  `json:"domains"`
	Endpoints int  `json:"endpoints"`
	Gateways  int  `json:"gateways"`
	Captured  int  `json:"captured"`
	Logs      int  `json:"logs"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()
	stats := statsResponse{
		Enabled: snapshot.Enabled,
		Domains: len(snapshot.Domains),
	}
	for _, routes := range snapshot.Domains {
		stats.Endpoints += len(routes.Endpoints)
	}

	if s.store != nil {
		var err error
		if stats.Gateways, err = s.store.CountGateways(); err != nil {
			s.writeError(w, r, err)
			return
		}
		if stats.Captured, err = s.store.CountCaptured(); err != nil {
			s.writeError(w, r, err)
			return
		}
		if stats.Logs, err = s.store.CountLogs(); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

type domainRequest struct {
	Domain string `json:"domain"`
}

type domainResponse struct {
	Domain  string `json:"domain"`
	Created bool   `json:"created"`
}

func (s *Server) postDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.registry.AddDomain(req.Domain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, domainResponse{Domain: req.Domain, Created: created})
}

func (s *Server) deleteDomain(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RemoveDomain(mux.Vars(r)["domain"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

func (s *Server) putStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	strategy, err := domain.ParseStrategy(req.Strategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.SetStrategy(mux.Vars(r)["domain"], strategy); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type endpointRequest struct {
	URL    string `json:"url"`
	Region string `json:"region"`
	Weight int    `json:"weight"`
}

type endpointResponse struct {
	Domain  string `json:"domain"`
	URL     string `json:"url"`
	Created bool   `json:"created"`
}

func (s *Server) postEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	domainName := mux.Vars(r)["domain"]
	created, err := s.registry.AddEndpoint(domainName, req.URL, req.Region, req.Weight)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, endpointResponse{Domain: domainName, URL: req.URL, Created: created})
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, r, domain.NewValidationError("url", "must not be empty"))
		return
	}

	if err := s.registry.RemoveEndpoint(mux.Vars(r)["domain"], rawURL); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putWeight(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.registry.SetWeight(mux.Vars(r)["domain"], req.URL, req.Weight); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getGateways(w http.ResponseWriter, r *http.Request) {
	if err := s.requireStore(); err != nil {
		s.writeError(w, r, err)
		return
	}

	gateways, err := s.store.GetGateways()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if gateways == nil {
		gateways = []*domain.RemoteGateway{}
	}
	writeJSON(w, http.StatusOK, gateways)
}

// batchContext detaches a provisioning batch from the request, so a client
// that disconnects does not abandon work the provider already accepted.
func batchContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) postGateways(w http.ResponseWriter, r *http.Request) {
	if err := s.requireProvisioner(); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req provision.CreateRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Stage == "" {
		req.Stage = s.defaultStage
	}
	if len(req.Regions) == 0 {
		req.Regions = s.regions()
	}

	report, err := s.provisioner.Create(batchContext(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type deleteGatewaysRequest struct {
	Gateways []provision.GatewayRef `json:"gateways"`
}

func (s *Server) deleteGateways(w http.ResponseWriter, r *http.Request) {
	if err := s.requireProvisioner(); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req deleteGatewaysRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.provisioner.Delete(batchContext(r), req.Gateways)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type updateGatewayRequest struct {
	Region    string `json:"region"`
	TargetURL string `json:"target_url"`
}

func (s *Server) putGateway(w http.ResponseWriter, r *http.Request) {
	if err := s.requireProvisioner(); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req updateGatewayRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.provisioner.Update(batchContext(r), mux.Vars(r)["id"], req.Region, req.TargetURL); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	Regions []string `json:"regions"`
}

func (s *Server) refreshGateways(w http.ResponseWriter, r *http.Request) {
	if err := s.requireProvisioner(); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req refreshRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Regions) == 0 {
		req.Regions = s.regions()
	}

	report, err := s.provisioner.Refresh(batchContext(r), req.Regions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) getCaptured(w http.ResponseWriter, r *http.Request) {
	if err := s.requireStore(); err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, r, domain.NewValidationError("limit", "%q is not a non negative integer", raw))
			return
		}
		limit = parsed
	}

	captured, err := s.store.GetCapturedRequests(limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if captured == nil {
		captured = []*domain.CapturedRequest{}
	}
	writeJSON(w, http.StatusOK, captured)
}

type suggestRequest struct {
	IDs      []uuid.UUID `json:"ids"`
	Register bool        `json:"register"` // add every registrable suggestion
}

func (s *Server) suggestDomains(w http.ResponseWriter, r *http.Request) {
	if err := s.requireStore(); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req suggestRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		captured []*domain.CapturedRequest
		err      error
	)
	if len(req.IDs) == 0 {
		captured, err = s.store.GetCapturedRequests(0)
	} else {
		captured, err = s.store.GetCapturedRequestsByID(req.IDs)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	suggestions := rotor.SuggestDomains(captured, s.registry)
	if req.Register {
		for i, suggestion := range suggestions {
			if !suggestion.Registrable() {
				continue
			}
			if _, err := s.registry.AddDomain(suggestion.Domain); err != nil {
				s.writeError(w, r, err)
				return
			}
			suggestions[i].Registered = true
		}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.requireStore(); err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		logs []*domain.Log
		err  error
	)
	if batch := r.URL.Query().Get("batch"); batch != "" {
		batchID, parseErr := uuid.Parse(batch)
		if parseErr != nil {
			s.writeError(w, r, domain.NewValidationError("batch", "must be a batch id"))
			return
		}
		logs, err = s.store.GetLogsByBatch(batchID)
	} else {
		logs, err = s.store.GetLogs()
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*domain.Log{}
	}
	writeJSON(w, http.StatusOK, logs)
}

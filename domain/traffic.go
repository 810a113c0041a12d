package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrafficRepository stores a summary of every request observed by the interception host.
// The summaries feed the "add domains from captured traffic" flow.
type TrafficRepository interface {
	// InsertCapturedRequest stores a captured request summary.
	InsertCapturedRequest(req *CapturedRequest) error
	// GetCapturedRequests returns the most recent captured requests, newest first.
	// A limit of zero or less returns every captured request.
	GetCapturedRequests(limit int) ([]*CapturedRequest, error)
	// GetCapturedRequestsByID returns the captured requests matching ids.
	GetCapturedRequestsByID(ids []uuid.UUID) ([]*CapturedRequest, error)
}

// CapturedRequest is the part of an intercepted request needed to derive a target domain.
type CapturedRequest struct {
	ID          uuid.UUID `json:"id"`
	Scheme      string    `json:"scheme"`
	Host        string    `json:"host"` // Hostname without port.
	Port        string    `json:"port"` // Port as seen by the proxy, defaulted from the scheme.
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	RequestedAt time.Time `json:"requested_at"`
}

// GetType identifies captured requests on the proxy write channel.
func (req *CapturedRequest) GetType() string {
	return "captured"
}

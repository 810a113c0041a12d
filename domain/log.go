package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository stores the operational log.
type LogRepository interface {
	InsertLog(log *Log) error
	GetLogs() ([]*Log, error)
	// GetLogsByBatch returns the entries written for one provisioning batch.
	GetLogsByBatch(batchID uuid.UUID) ([]*Log, error)
}

// Log is an operational event surfaced to the configuration surface,
// such as a rewrite failure or a provisioning summary.
type Log struct {
	ID        uuid.UUID      `json:"id"`                   // Unique identifier for the log entry.
	Timestamp time.Time      `json:"timestamp"`            // The time at which the log entry was created.
	Level     string         `json:"level"`                // DEBUG, INFO, WARN, ERROR or FATAL.
	Message   string         `json:"message"`              // The main content of the log message.
	Context   map[string]any `json:"context,omitempty"`    // Additional key-value data.
	RequestID *uuid.UUID     `json:"request_id,omitempty"` // The intercepted request the entry relates to, if any.
	BatchID   *uuid.UUID     `json:"batch_id,omitempty"`   // The provisioning batch the entry relates to, if any.
}

// GetType identifies logs on the proxy write channel.
func (log *Log) GetType() string {
	return "log"
}

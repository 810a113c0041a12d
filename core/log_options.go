// Package core holds the request context helpers shared by the proxy modifiers
// and the options used to build log entries.
package core

import (
	"github.com/google/uuid"
	"github.com/tfkr-ae/rotor/domain"
)

// LogOption adjusts a log entry before it is queued.
type LogOption func(log *domain.Log) error

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) LogOption {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithRequestID ties a log entry to an intercepted request.
func LogWithRequestID(id uuid.UUID) LogOption {
	return func(log *domain.Log) error {
		log.RequestID = &id
		return nil
	}
}

// LogWithBatchID ties a log entry to a provisioning batch.
func LogWithBatchID(id uuid.UUID) LogOption {
	return func(log *domain.Log) error {
		log.BatchID = &id
		return nil
	}
}

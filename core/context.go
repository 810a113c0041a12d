package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/rotor/domain"
)

type (
	requestIDKey   struct{}
	requestTimeKey struct{}
	rotationKey    struct{}
)

// Rotation records where RotateRequestModifier sent a request. It travels with
// the rewritten request so the response side can attribute the answer to the
// gateway that produced it.
type Rotation struct {
	OriginalHost string          // host:port the client addressed
	GatewayURL   string          // endpoint URL the request was rewritten to
	Region       string          // region of the endpoint, empty when unknown
	Strategy     domain.Strategy // strategy of the domain at selection time
}

// ContextWithRequestID returns a new request with a request ID in the context
func ContextWithRequestID(req *http.Request, requestID uuid.UUID) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), requestIDKey{}, requestID))
}

// RequestIDFromContext returns the request ID from the context if it exists
func RequestIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(requestIDKey{}).(uuid.UUID)
	return id, ok
}

// ContextWithRequestTime returns a new request with the time it reached the proxy
func ContextWithRequestTime(req *http.Request, requestTime time.Time) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), requestTimeKey{}, requestTime))
}

// RequestTimeFromContext returns the request time from the context if it exists
func RequestTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(requestTimeKey{}).(time.Time)
	return timestamp, ok
}

// ContextWithRotation returns a new request carrying the rotation decision.
func ContextWithRotation(req *http.Request, rotation Rotation) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), rotationKey{}, rotation))
}

// RotationFromContext returns the rotation decision of a rewritten request.
// ok is false for requests that were passed through.
func RotationFromContext(ctx context.Context) (Rotation, bool) {
	rotation, ok := ctx.Value(rotationKey{}).(Rotation)
	return rotation, ok
}

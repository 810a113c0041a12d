package domain

import (
	"context"
	"sync/atomic"
	"time"
)

// GatewayProvider is the remote cloud API that owns gateway resources.
// Every call is independently failable and must honour ctx cancellation.
type GatewayProvider interface {
	// Create provisions a gateway forwarding to targetURL in region, deployed under stage.
	Create(ctx context.Context, targetURL, region, stage string) (*RemoteGateway, error)
	// Delete removes the gateway identified by id in region.
	Delete(ctx context.Context, id, region string) error
	// Update points an existing gateway at newTargetURL.
	Update(ctx context.Context, id, region, newTargetURL string) error
	// List returns every gateway the provider manages in region.
	List(ctx context.Context, region string) ([]*RemoteGateway, error)
}

// Operations passed to Pacer.Pace.
const (
	GatewayCreate = "create"
	GatewayDelete = "delete"
)

// Pacer is implemented by providers whose mutating calls are rate limited per
// region. Pace blocks until op can start in region and returns the context the
// call must be made with. Callers that bound a provider call with a timeout pace
// it first, so queueing behind other calls never counts against it.
type Pacer interface {
	Pace(ctx context.Context, op, region string) (context.Context, error)
}

type pacedCallsKey struct{}

// ContextWithPacedCalls records on ctx that calls mutating requests were already
// paced through a Pacer.
func ContextWithPacedCalls(ctx context.Context, calls int) context.Context {
	remaining := &atomic.Int64{}
	remaining.Store(int64(calls))
	return context.WithValue(ctx, pacedCallsKey{}, remaining)
}

// TakePacedCall consumes one slot recorded by ContextWithPacedCalls. It reports
// false when ctx carries no slot left.
func TakePacedCall(ctx context.Context) bool {
	remaining, ok := ctx.Value(pacedCallsKey{}).(*atomic.Int64)
	if !ok {
		return false
	}
	for {
		current := remaining.Load()
		if current <= 0 {
			return false
		}
		if remaining.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// GatewayRepository stores the inventory of known remote gateways.
type GatewayRepository interface {
	// UpsertGateway inserts the gateway or replaces the record with the same ID.
	UpsertGateway(gateway *RemoteGateway) error
	// GetGateways returns every known gateway ordered by creation time.
	GetGateways() ([]*RemoteGateway, error)
	// GetGateway returns a single gateway by its provider ID.
	GetGateway(id string) (*RemoteGateway, error)
	// DeleteGateway removes the record for id.
	DeleteGateway(id string) error
	// ReplaceRegion replaces every record of region with gateways.
	ReplaceRegion(region string, gateways []*RemoteGateway) error
}

// RemoteGateway is a gateway resource as reported by the provider.
type RemoteGateway struct {
	ID        string    `json:"id"`         // Provider assigned identifier.
	Name      string    `json:"name"`       // Provider side display name.
	Region    string    `json:"region"`     // Region the resource lives in.
	Stage     string    `json:"stage"`      // Deployment stage, also the path prefix of PublicURL.
	TargetURL string    `json:"target_url"` // Upstream the gateway forwards to.
	PublicURL string    `json:"public_url"` // URL clients send requests to.
	CreatedAt time.Time `json:"created_at"`
}

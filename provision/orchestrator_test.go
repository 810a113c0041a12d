package provision

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tfkr-ae/rotor/domain"
	"github.com/tfkr-ae/rotor/rotation"
)

type testProvider struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32

	create func(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error)
	delete func(ctx context.Context, id, region string) error
	update func(ctx context.Context, id, region, newTargetURL string) error
	list   func(ctx context.Context, region string) ([]*domain.RemoteGateway, error)
}

func (p *testProvider) enter() func() {
	p.calls.Add(1)
	current := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if current <= peak || p.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return func() { p.inFlight.Add(-1) }
}

func (p *testProvider) Create(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error) {
	defer p.enter()()
	if p.create != nil {
		return p.create(ctx, targetURL, region, stage)
	}
	return testGateway(targetURL, region, stage), nil
}

func (p *testProvider) Delete(ctx context.Context, id, region string) error {
	defer p.enter()()
	if p.delete != nil {
		return p.delete(ctx, id, region)
	}
	return nil
}

func (p *testProvider) Update(ctx context.Context, id, region, newTargetURL string) error {
	defer p.enter()()
	if p.update != nil {
		return p.update(ctx, id, region, newTargetURL)
	}
	return nil
}

func (p *testProvider) List(ctx context.Context, region string) ([]*domain.RemoteGateway, error) {
	defer p.enter()()
	if p.list != nil {
		return p.list(ctx, region)
	}
	return nil, nil
}

func testGateway(targetURL, region, stage string) *domain.RemoteGateway {
	parsed, _ := url.Parse(targetURL)
	id := strings.ReplaceAll(parsed.Hostname(), ".", "") + strings.ReplaceAll(region, "-", "")
	return &domain.RemoteGateway{
		ID:        id,
		Name:      "rotor_" + parsed.Hostname(),
		Region:    region,
		Stage:     stage,
		TargetURL: targetURL,
		PublicURL: fmt.Sprintf("https://%s.execute-api.%s.amazonaws.com/%s/", id, region, stage),
		CreatedAt: time.Now(),
	}
}

type testInventory struct {
	mu       sync.Mutex
	gateways map[string]*domain.RemoteGateway
}

func newTestInventory() *testInventory {
	return &testInventory{gateways: make(map[string]*domain.RemoteGateway)}
}

func (i *testInventory) UpsertGateway(gateway *domain.RemoteGateway) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	copied := *gateway
	i.gateways[gateway.ID] = &copied
	return nil
}

func (i *testInventory) GetGateways() ([]*domain.RemoteGateway, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	gateways := make([]*domain.RemoteGateway, 0, len(i.gateways))
	for _, gateway := range i.gateways {
		gateways = append(gateways, gateway)
	}
	return gateways, nil
}

func (i *testInventory) GetGateway(id string) (*domain.RemoteGateway, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	gateway, ok := i.gateways[id]
	if !ok {
		return nil, errors.New("not found")
	}
	copied := *gateway
	return &copied, nil
}

func (i *testInventory) DeleteGateway(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.gateways, id)
	return nil
}

func (i *testInventory) ReplaceRegion(region string, gateways []*domain.RemoteGateway) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, gateway := range i.gateways {
		if gateway.Region == region {
			delete(i.gateways, id)
		}
	}
	for _, gateway := range gateways {
		copied := *gateway
		i.gateways[gateway.ID] = &copied
	}
	return nil
}

func testTargets(count int) []Target {
	targets := make([]Target, count)
	for i := range count {
		host := fmt.Sprintf("app%d.example.com", i+1)
		targets[i] = Target{Domain: host, URL: "https://" + host}
	}
	return targets
}

func TestOrchestrator_CreateValidation(t *testing.T) {
	cases := map[string]CreateRequest{
		"denied stage":       {Targets: testTargets(1), Stage: "Proxy", Regions: []string{"us-east-1"}},
		"invalid stage":      {Targets: testTargets(1), Stage: "v1/../x", Regions: []string{"us-east-1"}},
		"empty stage":        {Targets: testTargets(1), Stage: "  ", Regions: []string{"us-east-1"}},
		"no regions":         {Targets: testTargets(1), Stage: "v1", Regions: []string{" "}},
		"no targets":         {Stage: "v1", Regions: []string{"us-east-1"}},
		"malformed target":   {Targets: []Target{{URL: "example.com"}}, Stage: "v1", Regions: []string{"us-east-1"}},
		"unsupported scheme": {Targets: []Target{{URL: "ftp://example.com"}}, Stage: "v1", Regions: []string{"us-east-1"}},
	}

	for name, req := range cases {
		t.Run("should reject "+name+" before calling the provider", func(t *testing.T) {
			provider := &testProvider{}
			registry := rotation.NewRegistry()
			orchestrator := New(provider, registry)

			report, err := orchestrator.Create(context.Background(), req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrValidation, err)
			}
			if report != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", report)
			}
			if provider.calls.Load() != 0 {
				t.Fatalf("\nwanted:\n0 provider calls\ngot:\n%d", provider.calls.Load())
			}
			if registry.Len() != 0 {
				t.Fatalf("\nwanted:\n0\ngot:\n%d", registry.Len())
			}
		})
	}
}

func TestOrchestrator_Create(t *testing.T) {
	t.Run("should isolate a failing item and register only the successful ones", func(t *testing.T) {
		provider := &testProvider{
			create: func(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error) {
				if strings.Contains(targetURL, "app3.") {
					return nil, errors.New("quota exceeded")
				}
				return testGateway(targetURL, region, stage), nil
			},
		}
		registry := rotation.NewRegistry()
		inventory := newTestInventory()
		orchestrator := New(provider, registry, WithInventory(inventory))

		report, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(5),
			Stage:   "v1",
			Regions: []string{"us-east-1"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if report.SuccessCount() != 4 {
			t.Fatalf("\nwanted:\n4\ngot:\n%d", report.SuccessCount())
		}
		if report.FailureCount() != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", report.FailureCount())
		}

		failure := report.Failed["app3.example.com"][0]
		if !errors.Is(failure.Err, ErrRemoteOperation) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrRemoteOperation, failure.Err)
		}
		if failure.Region != "us-east-1" {
			t.Fatalf("\nwanted:\nus-east-1\ngot:\n%s", failure.Region)
		}

		for _, target := range testTargets(5) {
			table, ok := registry.Lookup(target.Domain)
			if target.Domain == "app3.example.com" {
				if ok {
					t.Fatalf("\nwanted:\n%s absent\ngot:\npresent", target.Domain)
				}
				continue
			}
			if !ok || table.Len() != 1 {
				t.Fatalf("\nwanted:\none endpoint for %s\ngot:\n%v", target.Domain, ok)
			}
			if table.Endpoints()[0].Region != "us-east-1" {
				t.Fatalf("\nwanted:\nus-east-1\ngot:\n%s", table.Endpoints()[0].Region)
			}
			if table.Endpoints()[0].Weight != domain.DefaultWeight {
				t.Fatalf("\nwanted:\n%d\ngot:\n%d", domain.DefaultWeight, table.Endpoints()[0].Weight)
			}
		}

		gateways, _ := inventory.GetGateways()
		if len(gateways) != 4 {
			t.Fatalf("\nwanted:\n4\ngot:\n%d", len(gateways))
		}
	})

	t.Run("should create one gateway per domain and region pair", func(t *testing.T) {
		provider := &testProvider{}
		registry := rotation.NewRegistry()
		orchestrator := New(provider, registry)

		regions := []string{"us-east-1", "eu-west-1", "ap-south-1"}
		report, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(2),
			Stage:   "v1",
			Regions: regions,
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if provider.calls.Load() != 6 {
			t.Fatalf("\nwanted:\n6\ngot:\n%d", provider.calls.Load())
		}
		for _, target := range testTargets(2) {
			successes := report.Succeeded[target.Domain]
			if len(successes) != len(regions) {
				t.Fatalf("\nwanted:\n%d\ngot:\n%d", len(regions), len(successes))
			}
			for i, success := range successes {
				if success.Region != regions[i] {
					t.Fatalf("\nwanted:\n%s\ngot:\n%s", regions[i], success.Region)
				}
			}

			table, _ := registry.Lookup(target.Domain)
			if table.Len() != len(regions) {
				t.Fatalf("\nwanted:\n%d\ngot:\n%d", len(regions), table.Len())
			}
		}
	})

	t.Run("should never run more than the worker cap at once", func(t *testing.T) {
		provider := &testProvider{
			create: func(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error) {
				time.Sleep(10 * time.Millisecond)
				return testGateway(targetURL, region, stage), nil
			},
		}
		orchestrator := New(provider, rotation.NewRegistry())

		report, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(25),
			Stage:   "v1",
			Regions: []string{"us-east-1", "us-west-2"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if report.SuccessCount() != 50 {
			t.Fatalf("\nwanted:\n50\ngot:\n%d", report.SuccessCount())
		}
		if peak := provider.peak.Load(); peak > DefaultMaxWorkers {
			t.Fatalf("\nwanted:\nat most %d in flight\ngot:\n%d", DefaultMaxWorkers, peak)
		}
		if provider.inFlight.Load() != 0 {
			t.Fatalf("\nwanted:\n0 in flight after the join\ngot:\n%d", provider.inFlight.Load())
		}
	})

	t.Run("should turn a hung call into a failure once the timeout expires", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		provider := &testProvider{
			create: func(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error) {
				if region == "eu-west-1" {
					<-release
				}
				return testGateway(targetURL, region, stage), nil
			},
		}
		orchestrator := New(provider, rotation.NewRegistry(), WithTimeout(50*time.Millisecond))

		report, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(1),
			Stage:   "v1",
			Regions: []string{"us-east-1", "eu-west-1"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if report.SuccessCount() != 1 || report.FailureCount() != 1 {
			t.Fatalf("\nwanted:\n1 success and 1 failure\ngot:\n%d and %d", report.SuccessCount(), report.FailureCount())
		}
		failure := report.Failed["app1.example.com"][0]
		if !errors.Is(failure.Err, context.DeadlineExceeded) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", context.DeadlineExceeded, failure.Err)
		}
	})

	t.Run("should record a panicking call as a failure", func(t *testing.T) {
		provider := &testProvider{
			create: func(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error) {
				panic("boom")
			},
		}
		orchestrator := New(provider, rotation.NewRegistry())

		report, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(2),
			Stage:   "v1",
			Regions: []string{"us-east-1"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if report.FailureCount() != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", report.FailureCount())
		}
	})

	t.Run("should hand the finished report to the report handler", func(t *testing.T) {
		var got *Report
		orchestrator := New(&testProvider{}, rotation.NewRegistry(), WithReportHandler(func(report *Report) {
			got = report
		}))

		report, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(1),
			Stage:   "v1",
			Regions: []string{"us-east-1"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if got != report {
			t.Fatalf("\nwanted:\n%p\ngot:\n%p", report, got)
		}
		if got.FinishedAt.Before(got.StartedAt) {
			t.Fatalf("\nwanted:\nfinished after started\ngot:\n%v before %v", got.FinishedAt, got.StartedAt)
		}
	})
}

func TestOrchestrator_Delete(t *testing.T) {
	t.Run("should remove the local endpoint and inventory record of deleted gateways only", func(t *testing.T) {
		provider := &testProvider{}
		registry := rotation.NewRegistry()
		inventory := newTestInventory()
		orchestrator := New(provider, registry, WithInventory(inventory))

		created, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(1),
			Stage:   "v1",
			Regions: []string{"us-east-1", "eu-west-1"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		successes := created.Succeeded["app1.example.com"]
		keep, drop := successes[0].Gateway, successes[1].Gateway

		provider.delete = func(ctx context.Context, id, region string) error {
			if id == "missing" {
				return errors.New("not found")
			}
			return nil
		}

		report, err := orchestrator.Delete(context.Background(), []GatewayRef{
			{ID: drop.ID, Region: drop.Region},
			{ID: "missing", Region: "us-east-1"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if report.SuccessCount() != 1 || report.FailureCount() != 1 {
			t.Fatalf("\nwanted:\n1 success and 1 failure\ngot:\n%d and %d", report.SuccessCount(), report.FailureCount())
		}
		if len(report.Succeeded["app1.example.com"]) != 1 {
			t.Fatalf("\nwanted:\nsuccess keyed by app1.example.com\ngot:\n%v", report.Succeeded)
		}

		table, _ := registry.Lookup("app1.example.com")
		if table.Contains(drop.PublicURL) {
			t.Fatalf("\nwanted:\n%s removed\ngot:\npresent", drop.PublicURL)
		}
		if !table.Contains(keep.PublicURL) {
			t.Fatalf("\nwanted:\n%s kept\ngot:\nabsent", keep.PublicURL)
		}

		if _, err := inventory.GetGateway(drop.ID); err == nil {
			t.Fatalf("\nwanted:\n%s removed from inventory\ngot:\npresent", drop.ID)
		}
		if _, err := inventory.GetGateway(keep.ID); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})

	t.Run("should reject references without an id or region", func(t *testing.T) {
		provider := &testProvider{}
		orchestrator := New(provider, rotation.NewRegistry())

		for _, refs := range [][]GatewayRef{nil, {{ID: "", Region: "us-east-1"}}, {{ID: "abc", Region: ""}}} {
			_, err := orchestrator.Delete(context.Background(), refs)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrValidation, err)
			}
		}
		if provider.calls.Load() != 0 {
			t.Fatalf("\nwanted:\n0 provider calls\ngot:\n%d", provider.calls.Load())
		}
	})
}

func TestOrchestrator_Update(t *testing.T) {
	t.Run("should update the inventory target after a successful call", func(t *testing.T) {
		inventory := newTestInventory()
		inventory.UpsertGateway(&domain.RemoteGateway{ID: "abc", Region: "us-east-1", TargetURL: "https://old.example.com"})
		orchestrator := New(&testProvider{}, rotation.NewRegistry(), WithInventory(inventory))

		if err := orchestrator.Update(context.Background(), "abc", "us-east-1", "https://new.example.com/"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		gateway, _ := inventory.GetGateway("abc")
		if gateway.TargetURL != "https://new.example.com" {
			t.Fatalf("\nwanted:\nhttps://new.example.com\ngot:\n%s", gateway.TargetURL)
		}
	})

	t.Run("should wrap provider failures and reject bad urls", func(t *testing.T) {
		provider := &testProvider{
			update: func(ctx context.Context, id, region, newTargetURL string) error {
				return errors.New("throttled")
			},
		}
		orchestrator := New(provider, rotation.NewRegistry())

		err := orchestrator.Update(context.Background(), "abc", "us-east-1", "https://new.example.com")
		if !errors.Is(err, ErrRemoteOperation) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrRemoteOperation, err)
		}

		err = orchestrator.Update(context.Background(), "abc", "us-east-1", "new.example.com")
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", domain.ErrValidation, err)
		}
	})
}

func TestOrchestrator_Refresh(t *testing.T) {
	t.Run("should replace the inventory of regions that answered", func(t *testing.T) {
		inventory := newTestInventory()
		inventory.UpsertGateway(&domain.RemoteGateway{ID: "stale", Region: "us-east-1"})
		inventory.UpsertGateway(&domain.RemoteGateway{ID: "kept", Region: "eu-west-1"})

		provider := &testProvider{
			list: func(ctx context.Context, region string) ([]*domain.RemoteGateway, error) {
				if region == "eu-west-1" {
					return nil, errors.New("access denied")
				}
				return []*domain.RemoteGateway{testGateway("https://app.example.com", region, "v1")}, nil
			},
		}
		orchestrator := New(provider, rotation.NewRegistry(), WithInventory(inventory))

		report, err := orchestrator.Refresh(context.Background(), []string{"us-east-1", "eu-west-1"})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if len(report.Succeeded["us-east-1"]) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(report.Succeeded["us-east-1"]))
		}
		if len(report.Failed["eu-west-1"]) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(report.Failed["eu-west-1"]))
		}

		if _, err := inventory.GetGateway("stale"); err == nil {
			t.Fatalf("\nwanted:\nstale removed\ngot:\npresent")
		}
		if _, err := inventory.GetGateway("kept"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})
}

type pacedProvider struct {
	*testProvider
	delay time.Duration
	paced atomic.Int32
}

func (p *pacedProvider) Pace(ctx context.Context, op, region string) (context.Context, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return ctx, ctx.Err()
	}
	p.paced.Add(1)
	return domain.ContextWithPacedCalls(ctx, 1), nil
}

func TestOrchestrator_Pacing(t *testing.T) {
	t.Run("should start the call timeout after the provider paced the item", func(t *testing.T) {
		provider := &pacedProvider{delay: 100 * time.Millisecond, testProvider: &testProvider{
			create: func(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error) {
				if !domain.TakePacedCall(ctx) {
					return nil, errors.New("call was not paced")
				}
				return testGateway(targetURL, region, stage), nil
			},
		}}
		orchestrator := New(provider, rotation.NewRegistry(), WithTimeout(50*time.Millisecond))

		report, err := orchestrator.Create(context.Background(), CreateRequest{
			Targets: testTargets(2),
			Stage:   "v1",
			Regions: []string{"us-east-1"},
		})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if report.SuccessCount() != 2 || report.FailureCount() != 0 {
			t.Fatalf("\nwanted:\n2 succeeded, 0 failed\ngot:\n%s %+v", report.Summary(), report.Failed)
		}
		if got := provider.paced.Load(); got != 2 {
			t.Fatalf("\nwanted:\n2\ngot:\n%d", got)
		}
	})

	t.Run("should fail an item whose batch is cancelled while pacing", func(t *testing.T) {
		provider := &pacedProvider{delay: time.Second, testProvider: &testProvider{}}
		orchestrator := New(provider, rotation.NewRegistry())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		report, err := orchestrator.Delete(ctx, []GatewayRef{{ID: "abc123", Region: "us-east-1"}})
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if report.FailureCount() != 1 {
			t.Fatalf("\nwanted:\n1 failure\ngot:\n%s", report.Summary())
		}
		if got := provider.calls.Load(); got != 0 {
			t.Fatalf("\nwanted:\nno provider call\ngot:\n%d", got)
		}
	})
}

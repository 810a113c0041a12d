// Package apigateway implements domain.GatewayProvider on top of AWS API Gateway
// REST APIs.
//
// Each gateway is a REGIONAL REST API imported from a swagger document with an
// http_proxy integration on "/" and "/{proxy+}", deployed under a single stage.
// Calls that create or remove resources are paced by one rate limiter per region,
// read calls are not paced. Throttled calls are retried with exponential backoff.
package apigateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	apigw "github.com/aws/aws-sdk-go-v2/service/apigateway"
	"github.com/aws/aws-sdk-go-v2/service/apigateway/types"
	"github.com/aws/smithy-go"
	"github.com/sethvargo/go-retry"
	"github.com/tfkr-ae/rotor/domain"
	"golang.org/x/time/rate"
)

const (
	proxyPath   = "/{proxy+}"
	proxySuffix = "/{proxy}"
	anyMethod   = "ANY"

	// DefaultRequestsPerSecond stays below the per region limit on gateway
	// creation and removal.
	DefaultRequestsPerSecond = 0.33
	DefaultBurst             = 1
	DefaultMaxRetries        = 3
	DefaultRetryBase         = 500 * time.Millisecond
)

// Credential modes.
const (
	AuthDefault = "default"
	AuthProfile = "profile"
	AuthKeys    = "keys"
)

// ErrProxyResourceNotFound is returned when a REST API has no /{proxy+} resource.
var ErrProxyResourceNotFound = errors.New("proxy resource not found")

// API is the subset of the API Gateway client the provider uses.
type API interface {
	ImportRestApi(ctx context.Context, params *apigw.ImportRestApiInput, optFns ...func(*apigw.Options)) (*apigw.ImportRestApiOutput, error)
	CreateDeployment(ctx context.Context, params *apigw.CreateDeploymentInput, optFns ...func(*apigw.Options)) (*apigw.CreateDeploymentOutput, error)
	DeleteRestApi(ctx context.Context, params *apigw.DeleteRestApiInput, optFns ...func(*apigw.Options)) (*apigw.DeleteRestApiOutput, error)
	GetRestApis(ctx context.Context, params *apigw.GetRestApisInput, optFns ...func(*apigw.Options)) (*apigw.GetRestApisOutput, error)
	GetResources(ctx context.Context, params *apigw.GetResourcesInput, optFns ...func(*apigw.Options)) (*apigw.GetResourcesOutput, error)
	GetIntegration(ctx context.Context, params *apigw.GetIntegrationInput, optFns ...func(*apigw.Options)) (*apigw.GetIntegrationOutput, error)
	UpdateIntegration(ctx context.Context, params *apigw.UpdateIntegrationInput, optFns ...func(*apigw.Options)) (*apigw.UpdateIntegrationOutput, error)
	GetStages(ctx context.Context, params *apigw.GetStagesInput, optFns ...func(*apigw.Options)) (*apigw.GetStagesOutput, error)
	GetAccount(ctx context.Context, params *apigw.GetAccountInput, optFns ...func(*apigw.Options)) (*apigw.GetAccountOutput, error)
}

// ClientFactory returns the client for region.
type ClientFactory func(region string) API

// Credentials selects how the AWS configuration is resolved.
type Credentials struct {
	Mode            string `mapstructure:"auth"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LoadConfig resolves the AWS configuration for creds.
func LoadConfig(ctx context.Context, creds Credentials) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion("us-east-1"),
	}

	switch strings.ToLower(creds.Mode) {
	case "", AuthDefault:
	case AuthProfile:
		if creds.Profile == "" {
			return aws.Config{}, domain.NewValidationError("aws.profile", "must be set when aws.auth is %q", AuthProfile)
		}
		opts = append(opts, config.WithSharedConfigProfile(creds.Profile))
	case AuthKeys:
		if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
			return aws.Config{}, domain.NewValidationError("aws.access_key_id", "access key and secret must be set when aws.auth is %q", AuthKeys)
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	default:
		return aws.Config{}, domain.NewValidationError("aws.auth", "unknown mode %q", creds.Mode)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config : %w", err)
	}
	return cfg, nil
}

// Provider manages gateways through API Gateway.
type Provider struct {
	newClient ClientFactory

	mu      sync.Mutex
	clients map[string]API

	limit      rate.Limit
	burst      int
	limiters   map[string]*rate.Limiter
	maxRetries uint64
	retryBase  time.Duration
	stage      string
	logger     *slog.Logger
	now        func() time.Time
}

var (
	_ domain.GatewayProvider = (*Provider)(nil)
	_ domain.Pacer           = (*Provider)(nil)
)

// pacedOps are the calls counted against the per region limit.
var pacedOps = map[string]bool{
	"ImportRestApi":    true,
	"CreateDeployment": true,
	"DeleteRestApi":    true,
}

// pacedCalls is the number of paced calls each operation makes.
var pacedCalls = map[string]int{
	domain.GatewayCreate: 2,
	domain.GatewayDelete: 1,
}

// Option configures a Provider.
type Option func(*Provider)

// WithRateLimit sets the pace of the calls creating and removing REST APIs in
// each region. A non positive rate disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Provider) {
		p.limit = rate.Limit(max(perSecond, 0))
		p.burst = max(burst, 1)
	}
}

// WithRetries sets how often a throttled call is retried and the first backoff.
func WithRetries(maxRetries uint64, base time.Duration) Option {
	return func(p *Provider) {
		p.maxRetries = maxRetries
		if base > 0 {
			p.retryBase = base
		}
	}
}

// WithDefaultStage is reported for listed APIs that have no deployed stage.
func WithDefaultStage(stage string) Option {
	return func(p *Provider) {
		p.stage = stage
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a provider using cfg with the region replaced per call.
func New(cfg aws.Config, options ...Option) *Provider {
	return NewWithFactory(func(region string) API {
		return apigw.NewFromConfig(cfg, func(o *apigw.Options) {
			o.Region = region
		})
	}, options...)
}

// NewWithFactory returns a provider obtaining its clients from factory.
func NewWithFactory(factory ClientFactory, options ...Option) *Provider {
	p := &Provider{
		newClient:  factory,
		clients:    make(map[string]API),
		limit:      rate.Limit(DefaultRequestsPerSecond),
		burst:      DefaultBurst,
		limiters:   make(map[string]*rate.Limiter),
		maxRetries: DefaultMaxRetries,
		retryBase:  DefaultRetryBase,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

func (p *Provider) client(region string) API {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.clients[region]
	if !ok {
		c = p.newClient(region)
		p.clients[region] = c
	}
	return c
}

// limiter returns the limiter of region, nil when pacing is disabled.
func (p *Provider) limiter(region string) *rate.Limiter {
	if p.limit <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[region]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[region] = l
	}
	return l
}

func (p *Provider) wait(ctx context.Context, region string, calls int) error {
	l := p.limiter(region)
	if l == nil {
		return nil
	}
	for range calls {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Pace takes the limiter slots of every paced call op makes in region.
func (p *Provider) Pace(ctx context.Context, op, region string) (context.Context, error) {
	calls := pacedCalls[op]
	if err := p.wait(ctx, region, calls); err != nil {
		return ctx, err
	}
	if p.limit <= 0 {
		return ctx, nil
	}
	return domain.ContextWithPacedCalls(ctx, calls), nil
}

// PublicURL returns the invoke URL of a deployed stage.
func PublicURL(id, region, stage string) string {
	return fmt.Sprintf("https://%s.execute-api.%s.amazonaws.com/%s/", id, region, stage)
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "ConflictException", "ThrottlingException":
		return true
	}
	return false
}

// do runs fn and retries it while the service throttles. Paced operations wait
// for the limiter of region unless ctx carries a slot taken beforehand.
func (p *Provider) do(ctx context.Context, region, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(p.maxRetries, retry.NewExponential(p.retryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pacedOps[op] && !domain.TakePacedCall(ctx) {
			if err := p.wait(ctx, region, 1); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err != nil && isThrottled(err) {
			p.logger.Debug("api gateway throttled", "op", op, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// Verify checks that the credentials can reach API Gateway in region.
func (p *Provider) Verify(ctx context.Context, region string) error {
	c := p.client(region)
	err := p.do(ctx, region, "GetAccount", func(ctx context.Context) error {
		_, err := c.GetAccount(ctx, &apigw.GetAccountInput{})
		return err
	})
	if err != nil {
		return fmt.Errorf("verifying credentials in %s : %w", region, err)
	}
	return nil
}

// Create imports a REST API proxying to targetURL and deploys it under stage.
// The API is removed again when the deployment fails.
func (p *Provider) Create(ctx context.Context, targetURL, region, stage string) (*domain.RemoteGateway, error) {
	targetURL = strings.TrimRight(targetURL, "/")
	body, err := Template(targetURL, p.now())
	if err != nil {
		return nil, fmt.Errorf("rendering template : %w", err)
	}

	c := p.client(region)

	var imported *apigw.ImportRestApiOutput
	err = p.do(ctx, region, "ImportRestApi", func(ctx context.Context) error {
		out, err := c.ImportRestApi(ctx, &apigw.ImportRestApiInput{
			Body:       body,
			Parameters: map[string]string{"endpointConfigurationTypes": "REGIONAL"},
		})
		imported = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("importing rest api : %w", err)
	}

	id := aws.ToString(imported.Id)
	err = p.do(ctx, region, "CreateDeployment", func(ctx context.Context) error {
		_, err := c.CreateDeployment(ctx, &apigw.CreateDeploymentInput{
			RestApiId:        aws.String(id),
			StageName:        aws.String(stage),
			StageDescription: aws.String("rotor"),
			Description:      aws.String("rotor deployment"),
		})
		return err
	})
	if err != nil {
		if cleanupErr := p.Delete(context.WithoutCancel(ctx), id, region); cleanupErr != nil {
			p.logger.Warn("removing undeployed rest api", "id", id, "region", region, "error", cleanupErr)
		}
		return nil, fmt.Errorf("deploying rest api %s : %w", id, err)
	}

	createdAt := aws.ToTime(imported.CreatedDate)
	if createdAt.IsZero() {
		createdAt = p.now()
	}

	return &domain.RemoteGateway{
		ID:        id,
		Name:      aws.ToString(imported.Name),
		Region:    region,
		Stage:     stage,
		TargetURL: targetURL,
		PublicURL: PublicURL(id, region, stage),
		CreatedAt: createdAt,
	}, nil
}

// Delete removes the REST API id.
func (p *Provider) Delete(ctx context.Context, id, region string) error {
	c := p.client(region)
	err := p.do(ctx, region, "DeleteRestApi", func(ctx context.Context) error {
		_, err := c.DeleteRestApi(ctx, &apigw.DeleteRestApiInput{RestApiId: aws.String(id)})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting rest api %s : %w", id, err)
	}
	return nil
}

func (p *Provider) proxyResourceID(ctx context.Context, c API, region, id string) (string, error) {
	var position *string
	for {
		var out *apigw.GetResourcesOutput
		err := p.do(ctx, region, "GetResources", func(ctx context.Context) error {
			var err error
			out, err = c.GetResources(ctx, &apigw.GetResourcesInput{
				RestApiId: aws.String(id),
				Position:  position,
				Limit:     aws.Int32(500),
			})
			return err
		})
		if err != nil {
			return "", fmt.Errorf("getting resources of %s : %w", id, err)
		}

		for _, resource := range out.Items {
			if aws.ToString(resource.Path) == proxyPath {
				return aws.ToString(resource.Id), nil
			}
		}

		if aws.ToString(out.Position) == "" {
			return "", fmt.Errorf("rest api %s : %w", id, ErrProxyResourceNotFound)
		}
		position = out.Position
	}
}

// Update points the /{proxy+} integration of id at newTargetURL.
func (p *Provider) Update(ctx context.Context, id, region, newTargetURL string) error {
	newTargetURL = strings.TrimRight(newTargetURL, "/")
	c := p.client(region)

	resourceID, err := p.proxyResourceID(ctx, c, region, id)
	if err != nil {
		return err
	}

	err = p.do(ctx, region, "UpdateIntegration", func(ctx context.Context) error {
		_, err := c.UpdateIntegration(ctx, &apigw.UpdateIntegrationInput{
			RestApiId:  aws.String(id),
			ResourceId: aws.String(resourceID),
			HttpMethod: aws.String(anyMethod),
			PatchOperations: []types.PatchOperation{{
				Op:    types.OpReplace,
				Path:  aws.String("/uri"),
				Value: aws.String(newTargetURL + proxySuffix),
			}},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("updating integration of %s : %w", id, err)
	}
	return nil
}

// List returns the rotor owned REST APIs of region. APIs without the expected
// proxy integration are skipped.
func (p *Provider) List(ctx context.Context, region string) ([]*domain.RemoteGateway, error) {
	c := p.client(region)

	var apis []types.RestApi
	paginator := apigw.NewGetRestApisPaginator(c, &apigw.GetRestApisInput{Limit: aws.Int32(500)})
	for paginator.HasMorePages() {
		var page *apigw.GetRestApisOutput
		err := p.do(ctx, region, "GetRestApis", func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing rest apis in %s : %w", region, err)
		}
		apis = append(apis, page.Items...)
	}

	gateways := make([]*domain.RemoteGateway, 0, len(apis))
	for _, api := range apis {
		if !strings.HasPrefix(aws.ToString(api.Name), TitlePrefix) {
			continue
		}

		gateway, err := p.describe(ctx, c, api, region)
		if err != nil {
			p.logger.Debug("skipping rest api", "id", aws.ToString(api.Id), "region", region, "error", err)
			continue
		}
		gateways = append(gateways, gateway)
	}
	return gateways, nil
}

func (p *Provider) describe(ctx context.Context, c API, api types.RestApi, region string) (*domain.RemoteGateway, error) {
	id := aws.ToString(api.Id)

	resourceID, err := p.proxyResourceID(ctx, c, region, id)
	if err != nil {
		return nil, err
	}

	var integrationOut *apigw.GetIntegrationOutput
	err = p.do(ctx, region, "GetIntegration", func(ctx context.Context) error {
		var err error
		integrationOut, err = c.GetIntegration(ctx, &apigw.GetIntegrationInput{
			RestApiId:  aws.String(id),
			ResourceId: aws.String(resourceID),
			HttpMethod: aws.String(anyMethod),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting integration of %s : %w", id, err)
	}

	var stagesOut *apigw.GetStagesOutput
	err = p.do(ctx, region, "GetStages", func(ctx context.Context) error {
		var err error
		stagesOut, err = c.GetStages(ctx, &apigw.GetStagesInput{RestApiId: aws.String(id)})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting stages of %s : %w", id, err)
	}
	stage := p.stage
	if len(stagesOut.Item) > 0 {
		stage = aws.ToString(stagesOut.Item[0].StageName)
	}
	if stage == "" {
		return nil, fmt.Errorf("rest api %s has no stage", id)
	}

	return &domain.RemoteGateway{
		ID:        id,
		Name:      aws.ToString(api.Name),
		Region:    region,
		Stage:     stage,
		TargetURL: strings.TrimSuffix(aws.ToString(integrationOut.Uri), proxySuffix),
		PublicURL: PublicURL(id, region, stage),
		CreatedAt: aws.ToTime(api.CreatedDate),
	}, nil
}

package apigateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	apigw "github.com/aws/aws-sdk-go-v2/service/apigateway"
	"github.com/aws/aws-sdk-go-v2/service/apigateway/types"
	"github.com/aws/smithy-go"
)

type fakeAPI struct {
	mu sync.Mutex

	apis      map[string]types.RestApi
	uris      map[string]string
	stages    map[string]string
	imports   [][]byte
	deleted   []string
	patches   []types.PatchOperation
	throttle  int
	deployErr error
	nextID    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		apis:   make(map[string]types.RestApi),
		uris:   make(map[string]string),
		stages: make(map[string]string),
	}
}

func (f *fakeAPI) ImportRestApi(ctx context.Context, params *apigw.ImportRestApiInput, optFns ...func(*apigw.Options)) (*apigw.ImportRestApiOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.throttle > 0 {
		f.throttle--
		return nil, &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
	}

	var doc swaggerDoc
	if err := json.Unmarshal(params.Body, &doc); err != nil {
		return nil, err
	}

	f.nextID++
	id := fmt.Sprintf("api%d", f.nextID)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.apis[id] = types.RestApi{Id: aws.String(id), Name: aws.String(doc.Info.Title), CreatedDate: &created}
	f.uris[id] = doc.Paths[proxyPath]["x-amazon-apigateway-any-method"].Integration.URI
	f.imports = append(f.imports, params.Body)

	return &apigw.ImportRestApiOutput{Id: aws.String(id), Name: aws.String(doc.Info.Title), CreatedDate: &created}, nil
}

func (f *fakeAPI) CreateDeployment(ctx context.Context, params *apigw.CreateDeploymentInput, optFns ...func(*apigw.Options)) (*apigw.CreateDeploymentOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deployErr != nil {
		return nil, f.deployErr
	}
	f.stages[aws.ToString(params.RestApiId)] = aws.ToString(params.StageName)
	return &apigw.CreateDeploymentOutput{}, nil
}

func (f *fakeAPI) DeleteRestApi(ctx context.Context, params *apigw.DeleteRestApiInput, optFns ...func(*apigw.Options)) (*apigw.DeleteRestApiOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(params.RestApiId)
	if _, ok := f.apis[id]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFoundException", Message: "Invalid API identifier specified"}
	}
	delete(f.apis, id)
	f.deleted = append(f.deleted, id)
	return &apigw.DeleteRestApiOutput{}, nil
}

func (f *fakeAPI) GetRestApis(ctx context.Context, params *apigw.GetRestApisInput, optFns ...func(*apigw.Options)) (*apigw.GetRestApisOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &apigw.GetRestApisOutput{}
	for _, api := range f.apis {
		out.Items = append(out.Items, api)
	}
	return out, nil
}

func (f *fakeAPI) GetResources(ctx context.Context, params *apigw.GetResourcesInput, optFns ...func(*apigw.Options)) (*apigw.GetResourcesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(params.RestApiId)
	items := []types.Resource{{Id: aws.String("root"), Path: aws.String("/")}}
	if _, ok := f.uris[id]; ok {
		items = append(items, types.Resource{Id: aws.String(id + "-proxy"), Path: aws.String(proxyPath)})
	}
	return &apigw.GetResourcesOutput{Items: items}, nil
}

func (f *fakeAPI) GetIntegration(ctx context.Context, params *apigw.GetIntegrationInput, optFns ...func(*apigw.Options)) (*apigw.GetIntegrationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &apigw.GetIntegrationOutput{Uri: aws.String(f.uris[aws.ToString(params.RestApiId)])}, nil
}

func (f *fakeAPI) UpdateIntegration(ctx context.Context, params *apigw.UpdateIntegrationInput, optFns ...func(*apigw.Options)) (*apigw.UpdateIntegrationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.patches = append(f.patches, params.PatchOperations...)
	for _, op := range params.PatchOperations {
		if aws.ToString(op.Path) == "/uri" {
			f.uris[aws.ToString(params.RestApiId)] = aws.ToString(op.Value)
		}
	}
	return &apigw.UpdateIntegrationOutput{}, nil
}

func (f *fakeAPI) GetStages(ctx context.Context, params *apigw.GetStagesInput, optFns ...func(*apigw.Options)) (*apigw.GetStagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stage, ok := f.stages[aws.ToString(params.RestApiId)]
	if !ok {
		return &apigw.GetStagesOutput{}, nil
	}
	return &apigw.GetStagesOutput{Item: []types.Stage{{StageName: aws.String(stage)}}}, nil
}

func (f *fakeAPI) GetAccount(ctx context.Context, params *apigw.GetAccountInput, optFns ...func(*apigw.Options)) (*apigw.GetAccountOutput, error) {
	return &apigw.GetAccountOutput{}, nil
}

func newTestProvider(api *fakeAPI) *Provider {
	return NewWithFactory(func(region string) API { return api },
		WithRateLimit(0, 0),
		WithRetries(3, time.Millisecond),
	)
}

func TestProvider_Create(t *testing.T) {
	t.Run("should import and deploy a regional api", func(t *testing.T) {
		api := newFakeAPI()
		p := newTestProvider(api)

		gateway, err := p.Create(context.Background(), "https://app.example.com/", "eu-west-1", "v1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		want := "https://api1.execute-api.eu-west-1.amazonaws.com/v1/"
		if gateway.PublicURL != want {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", want, gateway.PublicURL)
		}
		if gateway.Name != "rotor_app_example_com" {
			t.Fatalf("\nwanted:\nrotor_app_example_com\ngot:\n%s", gateway.Name)
		}
		if gateway.TargetURL != "https://app.example.com" {
			t.Fatalf("\nwanted:\nhttps://app.example.com\ngot:\n%s", gateway.TargetURL)
		}
		if api.stages["api1"] != "v1" {
			t.Fatalf("\nwanted:\nv1\ngot:\n%s", api.stages["api1"])
		}
		if api.uris["api1"] != "https://app.example.com/{proxy}" {
			t.Fatalf("\nwanted:\nhttps://app.example.com/{proxy}\ngot:\n%s", api.uris["api1"])
		}
	})

	t.Run("should retry throttled calls", func(t *testing.T) {
		api := newFakeAPI()
		api.throttle = 2
		p := newTestProvider(api)

		if _, err := p.Create(context.Background(), "https://app.example.com", "us-east-1", "v1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if len(api.imports) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(api.imports))
		}
	})

	t.Run("should give up once the retries are exhausted", func(t *testing.T) {
		api := newFakeAPI()
		api.throttle = 10
		p := newTestProvider(api)

		_, err := p.Create(context.Background(), "https://app.example.com", "us-east-1", "v1")

		var apiErr smithy.APIError
		if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "TooManyRequestsException" {
			t.Fatalf("\nwanted:\nTooManyRequestsException\ngot:\n%v", err)
		}
	})

	t.Run("should remove the api when the deployment fails", func(t *testing.T) {
		api := newFakeAPI()
		api.deployErr = &smithy.GenericAPIError{Code: "BadRequestException", Message: "bad stage"}
		p := newTestProvider(api)

		if _, err := p.Create(context.Background(), "https://app.example.com", "us-east-1", "v1"); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
		if len(api.deleted) != 1 || len(api.apis) != 0 {
			t.Fatalf("\nwanted:\napi removed\ngot:\n%v", api.apis)
		}
	})
}

func TestProvider_UpdateAndList(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(api)
	ctx := context.Background()

	gateway, err := p.Create(ctx, "https://old.example.com", "us-east-1", "edge")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	api.apis["foreign"] = types.RestApi{Id: aws.String("foreign"), Name: aws.String("someone_else")}

	t.Run("should patch the proxy integration uri", func(t *testing.T) {
		if err := p.Update(ctx, gateway.ID, "us-east-1", "https://new.example.com/"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		patch := api.patches[len(api.patches)-1]
		if patch.Op != types.OpReplace || aws.ToString(patch.Value) != "https://new.example.com/{proxy}" {
			t.Fatalf("\nwanted:\nreplace https://new.example.com/{proxy}\ngot:\n%s %s", patch.Op, aws.ToString(patch.Value))
		}
	})

	t.Run("should list only owned apis with their current target", func(t *testing.T) {
		gateways, err := p.List(ctx, "us-east-1")
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if len(gateways) != 1 {
			t.Fatalf("\nwanted:\n1\ngot:\n%d", len(gateways))
		}

		got := gateways[0]
		if got.TargetURL != "https://new.example.com" || got.Stage != "edge" {
			t.Fatalf("\nwanted:\nhttps://new.example.com edge\ngot:\n%s %s", got.TargetURL, got.Stage)
		}
		if !strings.HasSuffix(got.PublicURL, "/edge/") {
			t.Fatalf("\nwanted:\n.../edge/\ngot:\n%s", got.PublicURL)
		}
	})

	t.Run("should report deletes of unknown apis", func(t *testing.T) {
		if err := p.Delete(ctx, "missing", "us-east-1"); err == nil {
			t.Fatalf("\nwanted:\nerror\ngot:\nnil")
		}
		if err := p.Delete(ctx, gateway.ID, "us-east-1"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})
}

func TestTemplate(t *testing.T) {
	body, err := Template("https://app.example.com", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	var doc swaggerDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	root := doc.Paths["/"]["get"].Integration
	if root.URI != "https://app.example.com/" || root.Type != "http_proxy" {
		t.Fatalf("\nwanted:\nhttps://app.example.com/ http_proxy\ngot:\n%s %s", root.URI, root.Type)
	}
	header := root.RequestParameters["integration.request.header.X-Forwarded-For"]
	if header != "method.request.header.X-My-X-Forwarded-For" {
		t.Fatalf("\nwanted:\nmethod.request.header.X-My-X-Forwarded-For\ngot:\n%s", header)
	}
}

package apigateway

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// TitlePrefix marks the REST APIs this provider owns.
const TitlePrefix = "rotor_"

// forwardedForHeader is relayed to the upstream as X-Forwarded-For. The gateway
// overwrites a client supplied X-Forwarded-For.
const forwardedForHeader = "X-My-X-Forwarded-For"

type swaggerDoc struct {
	Swagger  string                         `json:"swagger"`
	Info     swaggerInfo                    `json:"info"`
	BasePath string                         `json:"basePath"`
	Schemes  []string                       `json:"schemes"`
	Paths    map[string]map[string]swaggerOp `json:"paths"`
}

type swaggerInfo struct {
	Version string `json:"version"`
	Title   string `json:"title"`
}

type swaggerOp struct {
	Produces    []string           `json:"produces,omitempty"`
	Parameters  []swaggerParam     `json:"parameters"`
	Responses   map[string]any     `json:"responses"`
	Integration swaggerIntegration `json:"x-amazon-apigateway-integration"`
}

type swaggerParam struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
}

type swaggerIntegration struct {
	URI                 string                       `json:"uri"`
	Responses           map[string]map[string]string `json:"responses"`
	RequestParameters   map[string]string            `json:"requestParameters"`
	PassthroughBehavior string                       `json:"passthroughBehavior"`
	HTTPMethod          string                       `json:"httpMethod"`
	CacheNamespace      string                       `json:"cacheNamespace"`
	CacheKeyParameters  []string                     `json:"cacheKeyParameters"`
	Type                string                       `json:"type"`
}

// Title returns the REST API name used for targetURL.
func Title(targetURL string) string {
	host := "gateway"
	if parsed, err := url.Parse(targetURL); err == nil && parsed.Hostname() != "" {
		host = parsed.Hostname()
	}
	return TitlePrefix + strings.ReplaceAll(host, ".", "_")
}

func integration(uri string) swaggerIntegration {
	return swaggerIntegration{
		URI:       uri,
		Responses: map[string]map[string]string{"default": {"statusCode": "200"}},
		RequestParameters: map[string]string{
			"integration.request.path.proxy":             "method.request.path.proxy",
			"integration.request.header.X-Forwarded-For": "method.request.header." + forwardedForHeader,
		},
		PassthroughBehavior: "when_no_match",
		HTTPMethod:          "ANY",
		CacheNamespace:      "rotor",
		CacheKeyParameters:  []string{"method.request.path.proxy"},
		Type:                "http_proxy",
	}
}

// Template renders the import document for a gateway proxying every path and
// method to targetURL, which must not end in a slash.
func Template(targetURL string, now time.Time) ([]byte, error) {
	params := []swaggerParam{
		{Name: "proxy", In: "path", Required: true, Type: "string"},
		{Name: forwardedForHeader, In: "header", Required: false, Type: "string"},
	}

	doc := swaggerDoc{
		Swagger: "2.0",
		Info: swaggerInfo{
			Version: now.UTC().Format(time.RFC3339),
			Title:   Title(targetURL),
		},
		BasePath: "/",
		Schemes:  []string{"https"},
		Paths: map[string]map[string]swaggerOp{
			"/": {
				"get": {
					Parameters:  params,
					Responses:   map[string]any{},
					Integration: integration(targetURL + "/"),
				},
			},
			proxyPath: {
				"x-amazon-apigateway-any-method": {
					Produces:    []string{"application/json"},
					Parameters:  params,
					Responses:   map[string]any{},
					Integration: integration(targetURL + proxySuffix),
				},
			},
		},
	}

	return json.MarshalIndent(doc, "", "  ")
}

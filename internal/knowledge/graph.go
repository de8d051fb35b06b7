package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const traverseQuery = `query TraverseRelationships($arns: [String!]!, $relationshipTypes: [String!]!, $depth: Int!) {
  traverseFromArns(arns: $arns, relationshipTypes: $relationshipTypes, depth: $depth) {
    origin
    symbol { arn name kind signature filePath lineNumber documentation }
    relationship
    depth
  }
}`

const resolveQuery = `query ResolveArn($arn: String!) {
  resolveArn(arn: $arn) { arn filePath lineNumber symbolName symbolKind }
}`

const healthQuery = `query HealthCheck { __typename }`

// GraphClient talks to the code graph's GraphQL endpoint.
type GraphClient struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewGraphClient creates a client for the GraphQL endpoint at url.
func NewGraphClient(url string, httpClient *http.Client, logger *slog.Logger) *GraphClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphClient{url: strings.TrimRight(url, "/"), http: httpClient, logger: logger}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// Traverse follows kinds from each of arns up to depth hops.
func (c *GraphClient) Traverse(ctx context.Context, arns, kinds []string, depth int) ([]GraphHit, error) {
	if len(arns) == 0 {
		return nil, errors.New("graph traverse: no arns")
	}
	if len(kinds) == 0 {
		return nil, errors.New("graph traverse: no relationship kinds")
	}
	for _, k := range kinds {
		if !validRelationships[k] {
			return nil, fmt.Errorf("graph traverse: unknown relationship kind %q", k)
		}
	}
	if depth < 1 {
		return nil, errors.New("graph traverse: depth must be at least 1")
	}

	var data struct {
		TraverseFromArns []GraphHit `json:"traverseFromArns"`
	}
	err := c.do(ctx, traverseQuery, map[string]any{
		"arns":              arns,
		"relationshipTypes": kinds,
		"depth":             depth,
	}, &data)
	if err != nil {
		return nil, err
	}

	hits := make([]GraphHit, 0, len(data.TraverseFromArns))
	for _, h := range data.TraverseFromArns {
		s := h.Symbol
		if s.ARN == "" || s.Name == "" || s.Kind == "" || s.FilePath == "" || s.Line < 1 {
			c.logger.Warn("skipping graph hit with missing fields", "arn", s.ARN)
			continue
		}
		if h.Relationship == "" {
			h.Relationship = "unknown"
		}
		if h.Depth < 1 {
			h.Depth = 1
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Resolve maps arn to its file location, or nil when the graph does not know it.
func (c *GraphClient) Resolve(ctx context.Context, arn string) (*Resolved, error) {
	if strings.TrimSpace(arn) == "" {
		return nil, errors.New("graph resolve: empty arn")
	}
	var data struct {
		ResolveArn *Resolved `json:"resolveArn"`
	}
	if err := c.do(ctx, resolveQuery, map[string]any{"arn": arn}, &data); err != nil {
		return nil, err
	}
	if data.ResolveArn == nil || data.ResolveArn.FilePath == "" {
		return nil, nil
	}
	return data.ResolveArn, nil
}

// Healthy reports whether the endpoint answers a trivial query.
func (c *GraphClient) Healthy(ctx context.Context) bool {
	var data struct {
		Typename string `json:"__typename"`
	}
	if err := c.do(ctx, healthQuery, nil, &data); err != nil {
		c.logger.Warn("code graph health check failed", "error", err)
		return false
	}
	return true
}

func (c *GraphClient) do(ctx context.Context, query string, vars map[string]any, out any) error {
	var resp struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := postJSON(ctx, c.http, "code graph", c.url, graphQLRequest{Query: query, Variables: vars}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return &LayerError{Layer: "code graph", Message: "graphql errors: " + strings.Join(msgs, "; ")}
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &LayerError{Layer: "code graph", Message: fmt.Sprintf("decode data: %v", err)}
	}
	return nil
}

package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"
)

// VectorClient queries a Qdrant-compatible vector store. Queries are embedded
// by a separate embedding service first.
type VectorClient struct {
	baseURL      string
	embeddingURL string
	collection   string
	http         *http.Client
	logger       *slog.Logger
}

// NewVectorClient creates a client for collection at baseURL.
func NewVectorClient(baseURL, embeddingURL, collection string, httpClient *http.Client, logger *slog.Logger) *VectorClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		embeddingURL: strings.TrimRight(embeddingURL, "/"),
		collection:   collection,
		http:         httpClient,
		logger:       logger,
	}
}

type searchRequest struct {
	Query       []float64      `json:"query"`
	Limit       int            `json:"limit"`
	WithPayload bool           `json:"with_payload"`
	Filter      map[string]any `json:"filter,omitempty"`
}

type searchResponse struct {
	Result []struct {
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search returns up to limit hits for query ranked by descending score.
// A non-empty pkg restricts hits to that package.
func (c *VectorClient) Search(ctx context.Context, query string, limit int, pkg string) ([]SemanticHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("vector search: empty query")
	}
	embedding, err := c.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	req := searchRequest{Query: embedding, Limit: limit, WithPayload: true}
	if pkg != "" {
		req.Filter = map[string]any{
			"must": []any{map[string]any{"key": "package", "match": map[string]any{"value": pkg}}},
		}
	}

	var resp searchResponse
	endpoint := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, url.PathEscape(c.collection))
	if err := c.postJSON(ctx, "vector store", endpoint, req, &resp); err != nil {
		return nil, err
	}

	hits := make([]SemanticHit, 0, len(resp.Result))
	for _, p := range resp.Result {
		hit := SemanticHit{
			Content:     payloadString(p.Payload, "content"),
			Source:      payloadString(p.Payload, "source"),
			ARN:         payloadString(p.Payload, "arn"),
			RelatedARNs: payloadStrings(p.Payload, "related_arns"),
			SymbolName:  payloadString(p.Payload, "symbol_name"),
			SymbolKind:  payloadString(p.Payload, "symbol_kind"),
			Package:     payloadString(p.Payload, "package"),
			Score:       normalizeScore(p.Score),
		}
		if hit.Content == "" || hit.Source == "" || hit.ARN == "" {
			c.logger.Warn("skipping vector hit with missing fields",
				"has_content", hit.Content != "", "has_source", hit.Source != "", "has_arn", hit.ARN != "")
			continue
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// Healthy reports whether the collection is reachable.
func (c *VectorClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(c.collection)), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("vector store health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *VectorClient) embed(ctx context.Context, text string) ([]float64, error) {
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := c.postJSON(ctx, "embedding service", c.embeddingURL+"/embed", map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, &LayerError{Layer: "embedding service", Message: "empty embedding"}
	}
	return resp.Embedding, nil
}

func (c *VectorClient) postJSON(ctx context.Context, layer, endpoint string, body, out any) error {
	return postJSON(ctx, c.http, layer, endpoint, body, out)
}

func postJSON(ctx context.Context, client *http.Client, layer, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", layer, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", layer, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &LayerError{Layer: layer, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &LayerError{Layer: layer, Message: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &LayerError{Layer: layer, StatusCode: resp.StatusCode, Message: truncate(string(raw), 500)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &LayerError{Layer: layer, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// normalizeScore maps cosine similarity in [-1, 1] onto [0, 1].
func normalizeScore(s float64) float64 {
	n := (s + 1) / 2
	switch {
	case n < 0:
		return 0
	case n > 1:
		return 1
	}
	return n
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

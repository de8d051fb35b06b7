package knowledge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/autopr/internal/config"
)

// Searcher is the semantic layer.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, pkg string) ([]SemanticHit, error)
	Healthy(ctx context.Context) bool
}

// Traverser is the structural layer.
type Traverser interface {
	Traverse(ctx context.Context, arns, kinds []string, depth int) ([]GraphHit, error)
	Resolve(ctx context.Context, arn string) (*Resolved, error)
	Healthy(ctx context.Context) bool
}

// Provider combines both layers. Either layer may be nil, in which case it
// behaves as an empty, unhealthy layer.
type Provider struct {
	vector    Searcher
	graph     Traverser
	logger    *slog.Logger
	counter   TokenCounter
	maxTokens int
	depth     int
}

// Option configures a Provider.
type Option func(*Provider)

// WithTokenBudget caps the rendered context at roughly n tokens. Zero disables the cap.
func WithTokenBudget(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithTokenCounter replaces the tiktoken counter.
func WithTokenCounter(c TokenCounter) Option {
	return func(p *Provider) { p.counter = c }
}

// WithDepth sets the graph traversal depth used for combined context, clamped to 1..2.
func WithDepth(d int) Option {
	return func(p *Provider) {
		p.depth = min(max(d, 1), 2)
	}
}

// NewProvider builds a Provider over the given layers.
func NewProvider(vector Searcher, graph Traverser, logger *slog.Logger, opts ...Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{vector: vector, graph: graph, logger: logger, depth: 2}
	for _, o := range opts {
		o(p)
	}
	if p.counter == nil {
		p.counter = NewTokenCounter()
	}
	return p
}

// New builds a Provider from configuration, wiring only the configured layers.
func New(cfg config.KnowledgeConfig, logger *slog.Logger) *Provider {
	httpClient := &http.Client{Timeout: cfg.Timeout.Std()}
	if cfg.Timeout == 0 {
		httpClient.Timeout = 10 * time.Second
	}
	var (
		vector Searcher
		graph  Traverser
	)
	if cfg.VectorURL != "" {
		vector = NewVectorClient(cfg.VectorURL, cfg.EmbeddingURL, cfg.Collection, httpClient, logger)
	}
	if cfg.GraphURL != "" {
		graph = NewGraphClient(cfg.GraphURL, httpClient, logger)
	}
	return NewProvider(vector, graph, logger, WithTokenBudget(cfg.MaxContextTokens))
}

// SemanticSearch queries the vector layer.
func (p *Provider) SemanticSearch(ctx context.Context, query string, limit int, pkg string) ([]SemanticHit, error) {
	if p.vector == nil {
		return nil, nil
	}
	return p.vector.Search(ctx, query, limit, pkg)
}

// GraphQuery traverses the structural layer.
func (p *Provider) GraphQuery(ctx context.Context, arns, kinds []string, depth int) ([]GraphHit, error) {
	if p.graph == nil {
		return nil, nil
	}
	return p.graph.Traverse(ctx, arns, kinds, depth)
}

// Resolve maps an ARN to a file location, or nil when unknown.
func (p *Provider) Resolve(ctx context.Context, arn string) (*Resolved, error) {
	if p.graph == nil {
		return nil, nil
	}
	return p.graph.Resolve(ctx, arn)
}

// HealthCheck reports whether both layers are reachable. It is advisory.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	if p.vector == nil || p.graph == nil {
		return false
	}
	return p.vector.Healthy(ctx) && p.graph.Healthy(ctx)
}

// CombinedContext runs semantic search for query, follows the hits' ARNs
// through the code graph and renders both into one markdown document. Layer
// failures are logged and treated as empty results. With no semantic hits the
// result is empty and the graph is not queried.
func (p *Provider) CombinedContext(ctx context.Context, query string, limit int) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}

	var hits []SemanticHit
	if p.vector != nil {
		var err error
		hits, err = p.vector.Search(ctx, query, limit, "")
		if err != nil {
			p.logger.Warn("knowledge layer unavailable", "layer", "vector", "error", err)
			hits = nil
		}
	}
	if len(hits) == 0 {
		return ""
	}

	arns := collectARNs(hits)
	var related []GraphHit
	if p.graph != nil && len(arns) > 0 {
		var err error
		related, err = p.graph.Traverse(ctx, arns, ContextRelationships, p.depth)
		if err != nil {
			p.logger.Warn("knowledge layer unavailable", "layer", "graph", "error", err)
			related = nil
		}
	}

	doc := buildDocument(query, hits, groupByOrigin(arns, related))
	return doc.render(p.counter, p.maxTokens)
}

// collectARNs returns each hit's ARN and related ARNs, deduplicated in score order.
func collectARNs(hits []SemanticHit) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, h := range hits {
		add(h.ARN)
		for _, r := range h.RelatedARNs {
			add(r)
		}
	}
	return out
}

type originGroup struct {
	origin string
	hits   []GraphHit
}

// groupByOrigin orders groups by the position of their origin in arns; unknown
// origins follow in first-seen order.
func groupByOrigin(arns []string, hits []GraphHit) []originGroup {
	idx := make(map[string]int)
	var groups []originGroup
	for _, a := range arns {
		idx[a] = len(groups)
		groups = append(groups, originGroup{origin: a})
	}
	for _, h := range hits {
		origin := h.Origin
		if origin == "" {
			origin = "unknown"
		}
		i, ok := idx[origin]
		if !ok {
			i = len(groups)
			idx[origin] = i
			groups = append(groups, originGroup{origin: origin})
		}
		groups[i].hits = append(groups[i].hits, h)
	}

	out := groups[:0]
	for _, g := range groups {
		if len(g.hits) > 0 {
			out = append(out, g)
		}
	}
	return out
}

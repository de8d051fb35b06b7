package knowledge

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts model tokens in text.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a GPT-4 encoding counter. If the codec cannot be
// loaded it estimates four characters per token.
func NewTokenCounter() TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &tiktokenCounter{}
	}
	return &tiktokenCounter{codec: codec}
}

func (c *tiktokenCounter) Count(text string) int {
	if c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

const maxSymbolDoc = 200

// document is the combined context split into droppable blocks.
type document struct {
	header   string
	semantic []string
	groups   []graphGroup
}

type graphGroup struct {
	heading string
	entries []string
}

func buildDocument(query string, hits []SemanticHit, groups []originGroup) *document {
	d := &document{header: "# Context for: " + query + "\n"}
	for i, h := range hits {
		d.semantic = append(d.semantic, formatSemanticHit(i+1, h))
	}
	for _, g := range groups {
		gg := graphGroup{heading: "### From " + g.origin + "\n"}
		for _, h := range g.hits {
			gg.entries = append(gg.entries, formatGraphHit(h))
		}
		d.groups = append(d.groups, gg)
	}
	return d
}

// render joins the blocks. When budget > 0 trailing graph entries are dropped
// first, then trailing semantic hits down to the first one. The header always stays.
func (d *document) render(counter TokenCounter, budget int) string {
	if budget > 0 {
		d.trim(counter, budget)
	}

	var b strings.Builder
	b.WriteString(d.header)
	b.WriteString("\n## Relevant Documentation\n")
	for _, s := range d.semantic {
		b.WriteString("\n")
		b.WriteString(s)
	}
	if len(d.groups) > 0 {
		b.WriteString("\n## Related Code Symbols\n")
		for _, g := range d.groups {
			b.WriteString("\n")
			b.WriteString(g.heading)
			for _, e := range g.entries {
				b.WriteString(e)
			}
		}
	}
	return b.String()
}

func (d *document) trim(counter TokenCounter, budget int) {
	total := counter.Count(d.header) + counter.Count("## Relevant Documentation") + counter.Count("## Related Code Symbols")
	for _, s := range d.semantic {
		total += counter.Count(s)
	}
	for _, g := range d.groups {
		total += counter.Count(g.heading)
		for _, e := range g.entries {
			total += counter.Count(e)
		}
	}

	for total > budget && len(d.groups) > 0 {
		last := &d.groups[len(d.groups)-1]
		if n := len(last.entries); n > 0 {
			total -= counter.Count(last.entries[n-1])
			last.entries = last.entries[:n-1]
		}
		if len(last.entries) == 0 {
			total -= counter.Count(last.heading)
			d.groups = d.groups[:len(d.groups)-1]
		}
	}
	for total > budget && len(d.semantic) > 1 {
		n := len(d.semantic)
		total -= counter.Count(d.semantic[n-1])
		d.semantic = d.semantic[:n-1]
	}
}

func formatSemanticHit(index int, h SemanticHit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %d. %s (score: %.2f)\n", index, h.Source, h.Score)
	if h.SymbolName != "" {
		b.WriteString("**Symbol:** " + h.SymbolName)
		if h.SymbolKind != "" {
			b.WriteString(" (" + h.SymbolKind + ")")
		}
		b.WriteString("\n")
	}
	if h.Package != "" {
		b.WriteString("**Package:** " + h.Package + "\n")
	}
	fmt.Fprintf(&b, "**ARN:** `%s`\n\n%s\n", h.ARN, h.Content)
	return b.String()
}

func formatGraphHit(h GraphHit) string {
	s := h.Symbol
	var b strings.Builder
	fmt.Fprintf(&b, "- **%s** (%s)\n", s.Name, s.Kind)
	fmt.Fprintf(&b, "  - Relationship: %s (depth: %d)\n", h.Relationship, h.Depth)
	fmt.Fprintf(&b, "  - Location: `%s:%d`\n", s.FilePath, s.Line)
	if s.Signature != "" {
		fmt.Fprintf(&b, "  - Signature: `%s`\n", s.Signature)
	}
	if doc := s.Documentation; doc != "" {
		if len(doc) > maxSymbolDoc {
			doc = truncate(doc, maxSymbolDoc) + "..."
		}
		fmt.Fprintf(&b, "  - Doc: %s\n", doc)
	}
	return b.String()
}

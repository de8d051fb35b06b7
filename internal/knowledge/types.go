// Package knowledge retrieves repository context from two layers: semantic
// search over embedded documentation and relationship traversal over a code
// graph. Resource identifiers (ARNs) are the only link between the layers.
package knowledge

import (
	"fmt"
)

// SemanticHit is one documentation chunk returned by the vector store.
type SemanticHit struct {
	Content     string   `json:"content"`
	Source      string   `json:"source"`
	Score       float64  `json:"score"`
	ARN         string   `json:"arn"`
	RelatedARNs []string `json:"related_arns,omitempty"`
	SymbolName  string   `json:"symbol_name,omitempty"`
	SymbolKind  string   `json:"symbol_kind,omitempty"`
	Package     string   `json:"package,omitempty"`
}

// Symbol describes a code graph node.
type Symbol struct {
	ARN           string `json:"arn"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Signature     string `json:"signature,omitempty"`
	FilePath      string `json:"filePath"`
	Line          int    `json:"lineNumber"`
	Documentation string `json:"documentation,omitempty"`
}

// GraphHit is a symbol reached from Origin by following Relationship.
type GraphHit struct {
	Origin       string `json:"origin"`
	Symbol       Symbol `json:"symbol"`
	Relationship string `json:"relationship"`
	Depth        int    `json:"depth"`
}

// Resolved maps an ARN to a concrete file location.
type Resolved struct {
	ARN        string `json:"arn"`
	FilePath   string `json:"filePath"`
	Line       int    `json:"lineNumber"`
	SymbolName string `json:"symbolName"`
	SymbolKind string `json:"symbolKind"`
}

// Relationship kinds understood by the code graph.
const (
	RelContains   = "contains"
	RelReferences = "references"
	RelImplements = "implements"
	RelExtends    = "extends"
	RelImports    = "imports"
)

// ContextRelationships is the fixed set followed when building combined context.
var ContextRelationships = []string{RelContains, RelReferences, RelImplements, RelExtends, RelImports}

var validRelationships = map[string]bool{
	RelContains: true, RelReferences: true, RelImplements: true, RelExtends: true, RelImports: true,
}

// LayerError reports a failed call to one knowledge layer.
type LayerError struct {
	Layer      string
	StatusCode int
	Message    string
}

func (e *LayerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Layer, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Layer, e.Message)
}

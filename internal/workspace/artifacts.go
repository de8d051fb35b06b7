package workspace

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

//go:embed templates/context.md.tmpl
var contextSrc string

//go:embed templates/task.md.tmpl
var taskSrc string

var funcs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}

var (
	contextTmpl = template.Must(template.New("context.md").Funcs(funcs).Option("missingkey=error").Parse(contextSrc))
	taskTmpl    = template.Must(template.New("task.md").Funcs(funcs).Option("missingkey=error").Parse(taskSrc))
)

type artifactData struct {
	ID             string
	Title          string
	Body           string
	Classification *pipeline.Classification
	Packages       []string
	Knowledge      string
}

func writeArtifact(path string, tmpl *template.Template, data artifactData) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpl.Name(), err)
	}
	return nil
}

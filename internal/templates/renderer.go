// Package templates renders the inline upstream-path templates embedded in
// rule documents. Templates come from operator-authored rule files, not from
// clients, but the function map is still stripped of environment and
// filesystem helpers so a rule file cannot read the host.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles and executes inline templates with the sprig function
// map. Safe for concurrent use once constructed.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled template ready for execution.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds the shared function map. Environment and filesystem
// helpers are removed; rule documents have no business reaching either.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	} {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error so optional fields stay optional.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the compiled template with the supplied data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name for logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

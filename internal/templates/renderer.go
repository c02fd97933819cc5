package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles label templates with the sprig function set. Helpers that
// reach the process environment or filesystem are removed, since template
// sources come from user-editable settings.
type Renderer struct {
	funcs template.FuncMap

	mu       sync.Mutex
	compiled map[string]*Template
}

// Template represents a compiled template ready for execution. Templates are
// safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds a renderer. Entries in extra are added on top of sprig
// and win on name clashes.
func NewRenderer(extra template.FuncMap) *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	for name, fn := range extra {
		funcs[name] = fn
	}
	return &Renderer{funcs: funcs, compiled: make(map[string]*Template)}
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error. Compiled templates are kept per name and
// source, so a label rendered on every view is parsed once.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	key := name + "\x00" + source

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.compiled[key]; ok {
		return t, nil
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	t := &Template{name: name, tmpl: tmpl}
	r.compiled[key] = t
	return t, nil
}

// Render executes the compiled template with the supplied data returning the
// rendered string. Errors are propagated for callers to surface or log.
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

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Package render is the templating collaborator contract. The engine only
// assembles context maps; turning them into markup happens here.
package render

import (
	"embed"
	"fmt"
	"html/template"
	"strings"
)

// Renderer renders a named template with a context mapping to markup.
type Renderer interface {
	RenderTemplate(name string, ctx map[string]any) (string, error)
}

//go:embed templates/*.html
var templateFS embed.FS

// TemplateRenderer is the default Renderer over the embedded widget
// templates. Every template emits a single well-formed XML element so the
// engine can splice the result back into the problem tree.
type TemplateRenderer struct {
	t *template.Template
}

func NewTemplateRenderer() (*TemplateRenderer, error) {
	t, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse widget templates: %w", err)
	}
	return &TemplateRenderer{t: t}, nil
}

func (r *TemplateRenderer) RenderTemplate(name string, ctx map[string]any) (string, error) {
	if !strings.HasSuffix(name, ".html") {
		name += ".html"
	}
	var b strings.Builder
	if err := r.t.ExecuteTemplate(&b, name, ctx); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

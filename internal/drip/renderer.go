package drip

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"path"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// RenderData is the personalization available to step templates.
type RenderData struct {
	DisplayName string
	SiteURL     string
	BookingURL  string
}

// Content is a rendered email.
type Content struct {
	Subject string
	Body    string
}

// Renderer renders sequence steps from embedded templates.
type Renderer struct {
	bodies  map[string]*htmltemplate.Template
	funcMap map[string]any
}

// NewRenderer creates a new renderer and loads all body templates.
func NewRenderer() (*Renderer, error) {
	funcMap := map[string]any{
		"title": titleCase,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}

	r := &Renderer{
		bodies:  make(map[string]*htmltemplate.Template),
		funcMap: funcMap,
	}

	files, err := fs.Glob(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	for _, filename := range files {
		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		name := strings.TrimSuffix(path.Base(filename), ".tmpl")
		tmpl, err := htmltemplate.New(name).Funcs(funcMap).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.bodies[name] = tmpl
	}

	return r, nil
}

// Has reports whether a body template with the given name is loaded.
func (r *Renderer) Has(name string) bool {
	_, ok := r.bodies[name]
	return ok
}

// Render renders the subject and HTML body of a step.
func (r *Renderer) Render(step Step, data RenderData) (Content, error) {
	tmpl, ok := r.bodies[step.Template]
	if !ok {
		return Content{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, step.Template)
	}

	subject, err := r.renderSubject(step, data)
	if err != nil {
		return Content{}, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return Content{}, fmt.Errorf("execute template %s: %w", step.Template, err)
	}

	return Content{
		Subject: subject,
		Body:    strings.TrimSpace(buf.String()),
	}, nil
}

// renderSubject renders the plain-text subject line. Subjects are not HTML.
func (r *Renderer) renderSubject(step Step, data RenderData) (string, error) {
	tmpl, err := template.New(step.Template + "_subject").Funcs(r.funcMap).Parse(step.Subject)
	if err != nil {
		return "", fmt.Errorf("parse subject %s: %w", step.Template, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute subject %s: %w", step.Template, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

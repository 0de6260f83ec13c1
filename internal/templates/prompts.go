// Package templates holds the embedded prompt templates used by the
// generative stages.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"text/template"
)

// Prompt template names.
const (
	Writer = "writer.tmpl"
	Editor = "editor.tmpl"
	SEO    = "seo.tmpl"
	System = "system.tmpl"
)

//go:embed prompts/*.tmpl
var promptFiles embed.FS

var funcs = template.FuncMap{
	"join": strings.Join,
}

var prompts = template.Must(template.New("prompts").Funcs(funcs).ParseFS(promptFiles, "prompts/*.tmpl"))

// PromptFS returns the embedded prompt files.
func PromptFS() fs.FS {
	sub, _ := fs.Sub(promptFiles, "prompts")
	return sub
}

// Render executes the named template with data.
func Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

package presentation

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// noMarginStyle removes document margins so rendered articles line up with
// the run detail above them.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// Markdown renders published articles for the terminal.
type Markdown struct {
	renderer *glamour.TermRenderer
}

// NewMarkdown creates a renderer wrapping at width. style is a glamour style
// name ("dark", "light", "notty"); empty means "dark". A fixed style keeps
// glamour from querying the terminal for its background.
func NewMarkdown(width int, style string) (*Markdown, error) {
	if style == "" {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &Markdown{renderer: r}, nil
}

// Render styles a published article. YAML front matter is dropped.
func (m *Markdown) Render(doc string) (string, error) {
	return m.renderer.Render(StripFrontMatter(doc))
}

// StripFrontMatter removes a leading "---" delimited YAML block.
func StripFrontMatter(doc string) string {
	rest, ok := strings.CutPrefix(doc, "---\n")
	if !ok {
		return doc
	}
	_, body, found := strings.Cut(rest, "\n---\n")
	if !found {
		return doc
	}
	return strings.TrimLeft(body, "\n")
}

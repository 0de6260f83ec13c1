package workflow

import (
	"embed"
	"io/fs"
)

// builtinTemplates embeds the built-in workflow definitions.
//
//go:embed templates/*.yaml
var builtinTemplates embed.FS

// BuiltinTemplatesSubFS returns the templates directory with the "templates/"
// prefix removed.
func BuiltinTemplatesSubFS() (fs.FS, error) {
	return fs.Sub(builtinTemplates, "templates")
}

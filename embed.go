// Package rendercompare ships the starter config template and resolves
// project-local overrides of it.
package rendercompare

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var rawTemplates embed.FS

// Templates holds the built-in templates, rooted at templates/.
var Templates fs.FS = mustSub(rawTemplates, "templates")

// ConfigTemplate renders .rendercompare/config.yaml.
const ConfigTemplate = "config.yaml.tmpl"

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// OverlayFS serves files from overrideDir when present there and from
// fallback otherwise.
func OverlayFS(overrideDir string, fallback fs.FS) fs.FS {
	return overlay{dir: overrideDir, fallback: fallback}
}

type overlay struct {
	dir      string
	fallback fs.FS
}

func (o overlay) Open(name string) (fs.File, error) {
	// Backslashes would let a Windows name escape dir.
	if !fs.ValidPath(name) || strings.Contains(name, `\`) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if o.dir != "" {
		if f, err := os.Open(filepath.Join(o.dir, filepath.FromSlash(name))); err == nil {
			return f, nil
		}
	}
	return o.fallback.Open(name)
}

// LoadTemplate parses the named template, preferring a copy in overrideDir.
func LoadTemplate(overrideDir, name string) (*template.Template, error) {
	src, err := fs.ReadFile(OverlayFS(overrideDir, Templates), name)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return tmpl, nil
}

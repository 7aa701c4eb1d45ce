package skill

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
)

//go:embed manifests/*.json
var builtinFS embed.FS

// Builtins decodes the manifests shipped inside the binary.
func Builtins() ([]*Manifest, error) {
	entries, err := fs.ReadDir(builtinFS, "manifests")
	if err != nil {
		return nil, fmt.Errorf("read builtin manifests: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		data, err := builtinFS.ReadFile(path.Join("manifests", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read builtin %s: %w", e.Name(), err)
		}
		m, err := ParseManifest(data, path.Ext(e.Name()))
		if err != nil {
			return nil, fmt.Errorf("parse builtin %s: %w", e.Name(), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// RegisterBuiltins adds the built-in skills to the store.
func RegisterBuiltins(s *Store) []error {
	manifests, err := Builtins()
	if err != nil {
		return []error{err}
	}
	return s.RegisterAll(manifests)
}

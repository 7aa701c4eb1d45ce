package skill

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifestFiles are tried in order inside each skill subdirectory.
var manifestFiles = []string{"skill.json", "skill.yaml", "skill.yml"}

// LoadFromDir scans a directory for skill plugin subdirectories.
// Each subdirectory should contain a skill.json or skill.yaml manifest.
// Subdirectories without one are skipped. If dir doesn't exist, returns an
// empty slice without error. Manifests are decoded, not checked; Store.Register
// applies the meta-schema so one bad plugin cannot hide the others.
func LoadFromDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading skill directory %s: %w", dir, err)
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		m, err := loadManifestFromSubdir(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading skill %s: %w", entry.Name(), err)
		}
		if m != nil {
			manifests = append(manifests, m)
		}
	}

	return manifests, nil
}

func loadManifestFromSubdir(dir string) (*Manifest, error) {
	for _, name := range manifestFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		return LoadFile(path)
	}
	return nil, nil
}

// LoadFile decodes a single manifest file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest document. ext selects the format
// (".json", ".yaml", ".yml"); when empty the format is sniffed.
func ParseManifest(data []byte, ext string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	default:
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return ParseManifest(data, ".json")
		}
		return ParseManifest(data, ".yaml")
	}
	return &m, nil
}

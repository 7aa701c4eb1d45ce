package skill

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Store holds the immutable manifests known to this process, addressed by
// (name, version). The most recently registered version of a skill is its
// current version. Stores are filled at startup and read afterwards.
type Store struct {
	mu       sync.RWMutex
	versions map[string]map[string]*Manifest // name → version → manifest
	current  map[string]*Manifest
	logger   *zap.Logger
}

// NewStore creates an empty Store ready for use.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		versions: make(map[string]map[string]*Manifest),
		current:  make(map[string]*Manifest),
		logger:   logger,
	}
}

// Register checks a manifest against the meta-schema and adds a copy of it
// to the store. A malformed manifest is rejected with a *MalformedError. The
// same (name, version) cannot be registered twice.
func (s *Store) Register(m *Manifest) error {
	m = m.clone()
	if err := m.Check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.versions[m.Name]
	if !ok {
		byVersion = make(map[string]*Manifest)
		s.versions[m.Name] = byVersion
	}
	if _, dup := byVersion[m.Version]; dup {
		return fmt.Errorf("register manifest %s@%s: version already registered", m.Name, m.Version)
	}
	byVersion[m.Version] = m
	s.current[m.Name] = m
	s.logger.Info("manifest registered",
		zap.String("skill", m.Name),
		zap.String("version", m.Version),
		zap.Int("actions", len(m.Actions)))
	return nil
}

// RegisterAll registers every manifest, excluding the ones that fail.
// The failures are logged and returned; healthy skills stay available.
func (s *Store) RegisterAll(manifests []*Manifest) []error {
	var errs []error
	for _, m := range manifests {
		if err := s.Register(m); err != nil {
			s.logger.Error("skill excluded", zap.String("skill", m.Name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errs
}

// Load returns the current manifest of a skill.
func (s *Store) Load(name string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.current[name]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", name, ErrManifestNotFound)
	}
	return m, nil
}

// LoadVersion returns a specific manifest version of a skill.
func (s *Store) LoadVersion(name, version string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.versions[name][version]
	if !ok {
		return nil, fmt.Errorf("load %s@%s: %w", name, version, ErrManifestNotFound)
	}
	return m, nil
}

// Names returns the registered skill names in lexical order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.current))
	for name := range s.current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the current manifest of every skill, ordered by name.
func (s *Store) All() []*Manifest {
	names := s.Names()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Manifest, 0, len(names))
	for _, name := range names {
		out = append(out, s.current[name])
	}
	return out
}

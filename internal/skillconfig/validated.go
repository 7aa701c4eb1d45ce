package skillconfig

import (
	"math"

	"github.com/nidhogg/skillgate/internal/skill"
)

// ValidatedConfig is a configuration that passed validation against one
// manifest version. It is never mutated after construction; accessors that
// return maps return copies.
type ValidatedConfig struct {
	skill    string
	version  string
	enabled  bool
	states   map[string]skill.Visibility
	source   skill.CredentialSource
	fields   map[string]any
	unknown  []string
	hash     string
	defaults map[string]skill.Visibility
}

func newValidatedConfig(m *skill.Manifest, enabled bool, states map[string]skill.Visibility,
	source skill.CredentialSource, fields map[string]any, unknown []string) *ValidatedConfig {
	vc := &ValidatedConfig{
		skill:    m.Name,
		version:  m.Version,
		enabled:  enabled,
		states:   states,
		source:   source,
		fields:   fields,
		unknown:  unknown,
		defaults: make(map[string]skill.Visibility, len(m.Actions)),
	}
	for name, a := range m.Actions {
		vc.defaults[name] = a.DefaultVisibility
	}
	vc.hash = hashJSON(struct {
		Skill   string                      `json:"skill"`
		Version string                      `json:"version"`
		Enabled bool                        `json:"enabled"`
		States  map[string]skill.Visibility `json:"states"`
		Source  skill.CredentialSource      `json:"credential_source"`
		Fields  map[string]any              `json:"field_values"`
	}{vc.skill, vc.version, enabled, states, source, fields})
	return vc
}

func (vc *ValidatedConfig) Skill() string           { return vc.skill }
func (vc *ValidatedConfig) ManifestVersion() string { return vc.version }
func (vc *ValidatedConfig) Enabled() bool           { return vc.enabled }

// CredentialSource is the supplied source, else the manifest default, else
// the platform.
func (vc *ValidatedConfig) CredentialSource() skill.CredentialSource { return vc.source }

// ActionState returns the effective visibility of action and whether the
// owner set it explicitly. Unknown actions report disabled.
func (vc *ValidatedConfig) ActionState(action string) (skill.Visibility, bool) {
	if v, ok := vc.states[action]; ok {
		if _, known := vc.defaults[action]; known {
			return v, true
		}
	}
	if v, ok := vc.defaults[action]; ok {
		return v, false
	}
	return skill.VisibilityDisabled, false
}

// States returns a copy of the explicit overrides.
func (vc *ValidatedConfig) States() map[string]skill.Visibility {
	out := make(map[string]skill.Visibility, len(vc.states))
	for k, v := range vc.states {
		out[k] = v
	}
	return out
}

// Field returns a field value, with manifest defaults applied.
func (vc *ValidatedConfig) Field(name string) (any, bool) {
	v, ok := vc.fields[name]
	return v, ok
}

// IntField returns an integral field value, saturated to the int64 range.
func (vc *ValidatedConfig) IntField(name string) (int64, bool) {
	v, ok := vc.fields[name]
	if !ok {
		return 0, false
	}
	n, ok := asNumber(v)
	if !ok || n != math.Trunc(n) {
		return 0, false
	}
	switch {
	case n >= math.MaxInt64:
		return math.MaxInt64, true
	case n <= math.MinInt64:
		return math.MinInt64, true
	}
	return int64(n), true
}

// Fields returns a copy of every field value, declared or not.
func (vc *ValidatedConfig) Fields() map[string]any {
	out := make(map[string]any, len(vc.fields))
	for k, v := range vc.fields {
		out[k] = v
	}
	return out
}

// Unknown lists supplied fields the manifest does not declare. They are
// kept in Fields for skill code that knows about them.
func (vc *ValidatedConfig) Unknown() []string {
	return append([]string(nil), vc.unknown...)
}

// Hash is a content hash over the manifest identity and the accepted values.
func (vc *ValidatedConfig) Hash() string { return vc.hash }

package skillconfig

import (
	"fmt"
	"strings"

	"github.com/nidhogg/skillgate/internal/skill"
)

const mask = "****"

// Redact returns a copy of values with every sensitive field masked. Long
// secrets keep their last four characters so owners can tell keys apart.
func Redact(m *skill.Manifest, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if m != nil && m.IsSensitive(k) && v != nil {
			out[k] = MaskSecret(v)
			continue
		}
		out[k] = v
	}
	return out
}

// MaskSecret masks a single secret value.
func MaskSecret(v any) string {
	s := fmt.Sprint(v)
	if len(s) < 12 {
		return mask
	}
	return mask + s[len(s)-4:]
}

// Exported is a configuration with every default filled in, safe to show.
type Exported struct {
	Skill            string                      `json:"skill" yaml:"skill"`
	Version          string                      `json:"version" yaml:"version"`
	Enabled          bool                        `json:"enabled" yaml:"enabled"`
	States           map[string]skill.Visibility `json:"states" yaml:"states"`
	CredentialSource skill.CredentialSource      `json:"credential_source" yaml:"credential_source"`
	Fields           map[string]any              `json:"field_values,omitempty" yaml:"field_values,omitempty"`
}

// Export fills every action without a state with its default visibility
// and every absent declared field with its default. It does not validate;
// callers that need a validated view use Validate first.
func Export(m *skill.Manifest, cfg *Config) Exported {
	if cfg == nil {
		cfg = FromMap(nil)
	}
	out := Exported{
		Skill:   m.Name,
		Version: m.Version,
		Enabled: m.EnabledByDefault,
		States:  make(map[string]skill.Visibility, len(m.Actions)),
	}
	if cfg.Enabled != nil {
		out.Enabled = *cfg.Enabled
	}
	for name, a := range m.Actions {
		out.States[name] = a.DefaultVisibility
		if v, ok := cfg.States[name]; ok {
			out.States[name] = v
		}
	}

	fields := make(map[string]any, len(cfg.Fields))
	for k, v := range cfg.Fields {
		fields[k] = v
	}
	var fill func(specs []skill.FieldSpec)
	fill = func(specs []skill.FieldSpec) {
		for _, f := range specs {
			if _, ok := fields[f.Name]; !ok && f.Default != nil {
				fields[f.Name] = f.Default
			}
		}
	}
	fill(m.GlobalFields)
	var walk func(rules []skill.ConditionalRule)
	walk = func(rules []skill.ConditionalRule) {
		for _, r := range rules {
			if v, ok := fields[r.Field]; ok && scalarString(v) == r.Equals {
				fill(r.Fields)
				walk(r.Rules)
			}
		}
	}
	if cfg.CredentialSource != "" {
		fields[skill.CredentialField] = string(cfg.CredentialSource)
	}
	walk(m.ConditionalRules)

	out.CredentialSource = skill.CredentialPlatform
	if s, ok := fields[skill.CredentialField].(string); ok && strings.TrimSpace(s) != "" {
		out.CredentialSource = skill.CredentialSource(s)
	}
	delete(fields, skill.CredentialField)
	if len(fields) > 0 {
		out.Fields = Redact(m, fields)
	}
	return out
}

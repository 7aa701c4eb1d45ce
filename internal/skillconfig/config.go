// Package skillconfig parses an agent owner's configuration of one skill
// and validates it against the skill's manifest.
package skillconfig

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/nidhogg/skillgate/internal/skill"
	"gopkg.in/yaml.v3"
)

// Config is an agent owner's configuration of one skill as submitted or
// stored. Keys it does not recognise are kept verbatim in Fields.
type Config struct {
	Enabled          *bool                       `json:"enabled,omitempty"`
	States           map[string]skill.Visibility `json:"states,omitempty"`
	CredentialSource skill.CredentialSource      `json:"credential_source,omitempty"`
	Fields           map[string]any              `json:"field_values,omitempty"`

	// problems found while decoding; reported by Validate.
	problems []ValidationError
}

// Parse decodes a JSON or YAML configuration document. It fails only when
// the document is not a mapping; type problems inside the document are
// reported later by Validate so the owner sees them all at once.
func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return FromMap(nil), nil
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return FromMap(doc), nil
}

// FromMap builds a Config from a decoded document. Both the structured
// form (enabled, states, credential_source, field_values) and the flat form
// where fields sit at the top level are accepted; states may also be spelled
// action_states and credential_source api_key_provider.
//
// Keys are read in a fixed order. When an alias and its canonical key, or a
// flat field and its field_values entry, carry different values the
// canonical spelling wins and a conflicting_rule problem is recorded.
func FromMap(doc map[string]any) *Config {
	c := &Config{
		States: make(map[string]skill.Visibility),
		Fields: make(map[string]any),
	}
	for _, key := range sortedKeys(doc) {
		raw := doc[key]
		switch key {
		case "enabled":
			b, ok := raw.(bool)
			if !ok {
				c.problems = append(c.problems, mismatch("enabled", "bool", raw))
				continue
			}
			c.Enabled = &b
		case "action_states":
			c.decodeStates(key, raw, false)
		case "states":
			c.decodeStates(key, raw, true)
		case "api_key_provider", skill.CredentialField:
			s, ok := raw.(string)
			if !ok {
				c.problems = append(c.problems, mismatch(skill.CredentialField, "string", raw))
				continue
			}
			c.setSource(skill.CredentialSource(s), key == skill.CredentialField)
		case "field_values":
			// applied after the flat fields
		default:
			c.Fields[key] = raw
		}
	}
	if raw, ok := doc["field_values"]; ok {
		values, ok := raw.(map[string]any)
		if !ok {
			c.problems = append(c.problems, mismatch("field_values", "mapping", raw))
			return c
		}
		for _, k := range sortedKeys(values) {
			v := values[k]
			if old, dup := c.Fields[k]; dup && !reflect.DeepEqual(old, v) {
				c.problems = append(c.problems, conflict(k, "field_values."+k))
			}
			c.Fields[k] = v
		}
	}
	return c
}

func (c *Config) setSource(s skill.CredentialSource, canonical bool) {
	if c.CredentialSource != "" && c.CredentialSource != s {
		c.problems = append(c.problems, conflict(skill.CredentialField, "api_key_provider"))
		if !canonical {
			return
		}
	}
	c.CredentialSource = s
}

func (c *Config) decodeStates(key string, raw any, canonical bool) {
	states, ok := raw.(map[string]any)
	if !ok {
		c.problems = append(c.problems, mismatch(key, "mapping", raw))
		return
	}
	for _, action := range sortedKeys(states) {
		v := states[action]
		s, ok := v.(string)
		if !ok {
			c.problems = append(c.problems, ValidationError{
				Path:    "states." + action,
				Kind:    KindInvalidVisibility,
				Message: fmt.Sprintf("visibility must be a string, got %s", typeName(v)),
			})
			continue
		}
		if old, dup := c.States[action]; dup && old != skill.Visibility(s) {
			c.problems = append(c.problems, conflict("states."+action, "action_states."+action))
			if !canonical {
				continue
			}
		}
		c.States[action] = skill.Visibility(s)
	}
}

// Hash is a content hash of the document in canonical JSON form.
func (c *Config) Hash() string {
	return hashJSON(struct {
		Enabled  *bool                       `json:"enabled"`
		States   map[string]skill.Visibility `json:"states"`
		Source   skill.CredentialSource      `json:"credential_source"`
		Fields   map[string]any              `json:"field_values"`
		Problems []ValidationError           `json:"problems,omitempty"`
	}{c.Enabled, c.States, c.CredentialSource, c.Fields, c.problems})
}

// lookup returns the supplied value of a field. The credential source is
// read from its typed slot first.
func (c *Config) lookup(name string) (any, bool) {
	if name == skill.CredentialField && c.CredentialSource != "" {
		return string(c.CredentialSource), true
	}
	v, ok := c.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// hashJSON relies on encoding/json sorting map keys.
func hashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

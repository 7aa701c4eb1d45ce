package skill

import (
	"slices"
	"sort"
)

// Visibility is the access tier of a skill action.
type Visibility string

const (
	VisibilityDisabled Visibility = "disabled" // nobody
	VisibilityPrivate  Visibility = "private"  // agent owner only
	VisibilityPublic   Visibility = "public"   // agent owner and any authenticated caller
)

// Valid reports whether v is one of the three visibility literals.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityDisabled, VisibilityPrivate, VisibilityPublic:
		return true
	}
	return false
}

// Rank orders visibilities by how many callers they admit.
// disabled < private < public.
func (v Visibility) Rank() int {
	switch v {
	case VisibilityPrivate:
		return 1
	case VisibilityPublic:
		return 2
	}
	return 0
}

// CredentialSource selects whose secret a skill action runs under.
type CredentialSource string

const (
	CredentialPlatform   CredentialSource = "platform"
	CredentialAgentOwner CredentialSource = "agent_owner"
)

// CredentialField is the field name manifests use to declare the credential
// source as a configurable discriminator.
const CredentialField = "credential_source"

// Valid reports whether c is a known credential source.
func (c CredentialSource) Valid() bool {
	return c == CredentialPlatform || c == CredentialAgentOwner
}

// FieldType is the semantic type of a configuration field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
	FieldEnum   FieldType = "enum"
)

// Numeric reports whether bounds apply to the type.
func (t FieldType) Numeric() bool {
	return t == FieldInt || t == FieldFloat
}

// FieldSpec declares one configuration field of a skill.
type FieldSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Title       string    `json:"title,omitempty" yaml:"title,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Type        FieldType `json:"type" yaml:"type"`
	Values      []string  `json:"values,omitempty" yaml:"values,omitempty"`
	Min         *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Sensitive   bool      `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// AllowsValue reports whether s is one of an enum field's values.
func (f FieldSpec) AllowsValue(s string) bool {
	for _, v := range f.Values {
		if v == s {
			return true
		}
	}
	return false
}

// ConditionalRule adds field requirements that apply only while the
// discriminator Field equals Equals. Nested Rules are evaluated only when
// the enclosing rule is active.
type ConditionalRule struct {
	Field  string            `json:"field" yaml:"field"`
	Equals string            `json:"equals" yaml:"equals"`
	Fields []FieldSpec       `json:"fields,omitempty" yaml:"fields,omitempty"`
	Rules  []ConditionalRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// ActionSpec describes one action a skill exposes.
type ActionSpec struct {
	Description         string       `json:"description,omitempty" yaml:"description,omitempty"`
	AllowedVisibilities []Visibility `json:"allowed_visibilities" yaml:"allowed_visibilities"`
	DefaultVisibility   Visibility   `json:"default_visibility" yaml:"default_visibility"`
}

// Allows reports whether v may be chosen for the action.
func (a ActionSpec) Allows(v Visibility) bool {
	for _, av := range a.AllowedVisibilities {
		if av == v {
			return true
		}
	}
	return false
}

// Manifest is the declarative description of a skill family.
// Manifests handed out by a Store are shared between goroutines and must
// be treated as read-only.
type Manifest struct {
	Name             string                `json:"name" yaml:"name"`
	Version          string                `json:"version" yaml:"version"`
	Title            string                `json:"title,omitempty" yaml:"title,omitempty"`
	Description      string                `json:"description,omitempty" yaml:"description,omitempty"`
	EnabledByDefault bool                  `json:"enabled_by_default" yaml:"enabled_by_default"`
	Disabled         bool                  `json:"disabled,omitempty" yaml:"disabled,omitempty"` // platform-wide kill switch
	Actions          map[string]ActionSpec `json:"actions" yaml:"actions"`
	GlobalFields     []FieldSpec           `json:"global_fields,omitempty" yaml:"global_fields,omitempty"`
	ConditionalRules []ConditionalRule     `json:"conditional_rules,omitempty" yaml:"conditional_rules,omitempty"`
}

// clone returns a deep copy. Field defaults are scalars and are shared.
func (m *Manifest) clone() *Manifest {
	c := *m
	if m.Actions != nil {
		c.Actions = make(map[string]ActionSpec, len(m.Actions))
		for name, a := range m.Actions {
			a.AllowedVisibilities = slices.Clone(a.AllowedVisibilities)
			c.Actions[name] = a
		}
	}
	c.GlobalFields = cloneFields(m.GlobalFields)
	c.ConditionalRules = cloneRules(m.ConditionalRules)
	return &c
}

func cloneFields(fields []FieldSpec) []FieldSpec {
	if fields == nil {
		return nil
	}
	out := make([]FieldSpec, len(fields))
	for i, f := range fields {
		f.Values = slices.Clone(f.Values)
		f.Min = cloneBound(f.Min)
		f.Max = cloneBound(f.Max)
		out[i] = f
	}
	return out
}

func cloneBound(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRules(rules []ConditionalRule) []ConditionalRule {
	if rules == nil {
		return nil
	}
	out := make([]ConditionalRule, len(rules))
	for i, r := range rules {
		r.Fields = cloneFields(r.Fields)
		r.Rules = cloneRules(r.Rules)
		out[i] = r
	}
	return out
}

// Action returns the spec of the named action.
func (m *Manifest) Action(name string) (ActionSpec, bool) {
	a, ok := m.Actions[name]
	return a, ok
}

// ActionNames returns the action names in lexical order.
func (m *Manifest) ActionNames() []string {
	names := make([]string, 0, len(m.Actions))
	for name := range m.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GlobalField returns the global field with the given name.
func (m *Manifest) GlobalField(name string) (FieldSpec, bool) {
	for _, f := range m.GlobalFields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Declared reports whether name is declared anywhere in the manifest,
// globally or inside any conditional rule.
func (m *Manifest) Declared(name string) bool {
	found := false
	m.walkFields(func(f FieldSpec) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// SensitiveFields returns the names of every field marked sensitive.
func (m *Manifest) SensitiveFields() []string {
	seen := make(map[string]struct{})
	var names []string
	m.walkFields(func(f FieldSpec) {
		if !f.Sensitive {
			return
		}
		if _, ok := seen[f.Name]; ok {
			return
		}
		seen[f.Name] = struct{}{}
		names = append(names, f.Name)
	})
	sort.Strings(names)
	return names
}

// IsSensitive reports whether any declaration of name is sensitive.
func (m *Manifest) IsSensitive(name string) bool {
	sensitive := false
	m.walkFields(func(f FieldSpec) {
		if f.Name == name && f.Sensitive {
			sensitive = true
		}
	})
	return sensitive
}

// Discriminators returns the set of field names used as rule discriminators.
func (m *Manifest) Discriminators() map[string]struct{} {
	set := make(map[string]struct{})
	var walk func(rules []ConditionalRule)
	walk = func(rules []ConditionalRule) {
		for _, r := range rules {
			set[r.Field] = struct{}{}
			walk(r.Rules)
		}
	}
	walk(m.ConditionalRules)
	return set
}

func (m *Manifest) walkFields(fn func(FieldSpec)) {
	for _, f := range m.GlobalFields {
		fn(f)
	}
	var walk func(rules []ConditionalRule)
	walk = func(rules []ConditionalRule) {
		for _, r := range rules {
			for _, f := range r.Fields {
				fn(f)
			}
			walk(r.Rules)
		}
	}
	walk(m.ConditionalRules)
}

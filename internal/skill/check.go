package skill

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrManifestNotFound is returned when no manifest is registered for a skill.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrManifestMalformed is wrapped by every MalformedError.
	ErrManifestMalformed = errors.New("manifest malformed")
)

// MalformedError lists every structural problem found in one manifest.
type MalformedError struct {
	Skill    string
	Problems []string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("manifest %q malformed: %s", e.Skill, strings.Join(e.Problems, "; "))
}

func (e *MalformedError) Unwrap() error { return ErrManifestMalformed }

// Check verifies the manifest against its meta-schema. It returns a
// *MalformedError listing all problems, or nil.
func (m *Manifest) Check() error {
	var p []string
	add := func(format string, args ...any) {
		p = append(p, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(m.Name) == "" {
		add("name is empty")
	}
	if strings.TrimSpace(m.Version) == "" {
		add("version is empty")
	}
	if len(m.Actions) == 0 {
		add("no actions declared")
	}

	for _, name := range m.ActionNames() {
		a := m.Actions[name]
		if len(a.AllowedVisibilities) == 0 {
			add("action %s: allowed_visibilities is empty", name)
		}
		for _, v := range a.AllowedVisibilities {
			if !v.Valid() {
				add("action %s: unknown visibility %q", name, v)
			}
		}
		if !a.DefaultVisibility.Valid() {
			add("action %s: default_visibility %q is not one of disabled, public, private", name, a.DefaultVisibility)
		} else if !a.Allows(a.DefaultVisibility) {
			add("action %s: default_visibility %q not in allowed_visibilities", name, a.DefaultVisibility)
		}
	}

	globals := make(map[string]FieldSpec, len(m.GlobalFields))
	for i, f := range m.GlobalFields {
		if _, dup := globals[f.Name]; dup {
			add("global_fields[%d]: duplicate field %q", i, f.Name)
		}
		globals[f.Name] = f
		p = append(p, checkField("global_fields", f)...)
	}

	var walk func(path string, rules []ConditionalRule, scope map[string]FieldSpec)
	walk = func(path string, rules []ConditionalRule, scope map[string]FieldSpec) {
		for i, r := range rules {
			rp := fmt.Sprintf("%s[%d]", path, i)
			disc, ok := scope[r.Field]
			switch {
			case r.Field == "":
				add("%s: discriminator field is empty", rp)
			case !ok:
				add("%s: discriminator %q is not a declared field", rp, r.Field)
			case disc.Type == FieldEnum && !disc.AllowsValue(r.Equals):
				add("%s: trigger %q is not a value of enum %q", rp, r.Equals, r.Field)
			}
			if r.Equals == "" {
				add("%s: trigger value is empty", rp)
			}

			inner := make(map[string]FieldSpec, len(scope)+len(r.Fields))
			for k, v := range scope {
				inner[k] = v
			}
			seen := make(map[string]struct{}, len(r.Fields))
			for _, f := range r.Fields {
				if _, dup := seen[f.Name]; dup {
					add("%s: duplicate field %q", rp, f.Name)
				}
				seen[f.Name] = struct{}{}
				p = append(p, checkField(rp+".fields", f)...)
				inner[f.Name] = f
			}
			walk(rp+".rules", r.Rules, inner)
		}
	}
	walk("conditional_rules", m.ConditionalRules, globals)

	if len(p) == 0 {
		return nil
	}
	sort.Strings(p)
	return &MalformedError{Skill: m.Name, Problems: p}
}

func checkField(path string, f FieldSpec) []string {
	var p []string
	add := func(format string, args ...any) {
		p = append(p, path+": "+fmt.Sprintf(format, args...))
	}
	if f.Name == "" {
		add("field name is empty")
	}
	switch f.Type {
	case FieldString, FieldInt, FieldFloat, FieldBool:
	case FieldEnum:
		if len(f.Values) == 0 {
			add("enum %q declares no values", f.Name)
		}
		if s, ok := f.Default.(string); ok && !f.AllowsValue(s) {
			add("enum %q default %q is not one of its values", f.Name, s)
		}
	default:
		add("field %q has unknown type %q", f.Name, f.Type)
	}
	if (f.Min != nil || f.Max != nil) && !f.Type.Numeric() {
		add("field %q: bounds on non-numeric type %q", f.Name, f.Type)
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		add("field %q: min %v greater than max %v", f.Name, *f.Min, *f.Max)
	}
	return p
}

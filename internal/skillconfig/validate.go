package skillconfig

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/nidhogg/skillgate/internal/skill"
)

// Validate checks cfg against the manifest. Global fields are checked
// first, then conditional rules are walked in declaration order; every
// problem found is returned in a single *ValidationFailed. Fields the
// manifest does not declare are accepted and passed through untouched.
func Validate(m *skill.Manifest, cfg *Config) (*ValidatedConfig, error) {
	if cfg == nil {
		cfg = FromMap(nil)
	}
	v := &validation{
		m:              m,
		cfg:            cfg,
		discriminators: m.Discriminators(),
		scope:          make(map[string]skill.FieldSpec),
		errs:           append([]ValidationError(nil), cfg.problems...),
	}
	for _, f := range m.GlobalFields {
		v.scope[f.Name] = f
	}

	v.checkStates()
	v.walk(m.ConditionalRules, true)
	for _, f := range m.GlobalFields {
		v.checkField(f, true)
	}
	for _, f := range v.active {
		v.checkField(f, true)
	}
	for _, f := range v.inactive {
		if _, shadowed := v.scope[f.Name]; shadowed {
			continue
		}
		v.checkField(f, false)
	}
	v.checkCredentialSource()

	if len(v.errs) > 0 {
		return nil, &ValidationFailed{Skill: m.Name, Errors: normalize(v.errs)}
	}
	return v.accept(), nil
}

type validation struct {
	m              *skill.Manifest
	cfg            *Config
	discriminators map[string]struct{}
	scope          map[string]skill.FieldSpec // globals plus fields of active rules
	active         []skill.FieldSpec
	inactive       []skill.FieldSpec
	errs           []ValidationError
}

func (v *validation) fail(path string, kind Kind, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Path: path, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// value resolves a field for rule evaluation: the supplied value, else the
// declared default.
func (v *validation) value(name string) (any, bool) {
	if val, ok := v.cfg.lookup(name); ok {
		return val, true
	}
	if f, ok := v.scope[name]; ok && f.Default != nil {
		return f.Default, true
	}
	return nil, false
}

func (v *validation) walk(rules []skill.ConditionalRule, parentActive bool) {
	for _, r := range rules {
		triggered := false
		if parentActive {
			if val, ok := v.value(r.Field); ok {
				triggered = scalarString(val) == r.Equals
			}
		}
		for _, f := range r.Fields {
			if !triggered {
				v.inactive = append(v.inactive, f)
				continue
			}
			if prev, ok := v.scope[f.Name]; ok && prev.Type != f.Type {
				v.fail(f.Name, KindConflictingRule,
					"declared as %s elsewhere and as %s when %s is %q", prev.Type, f.Type, r.Field, r.Equals)
				continue
			}
			v.scope[f.Name] = f
			v.active = append(v.active, f)
		}
		v.walk(r.Rules, triggered)
	}
}

func (v *validation) checkStates() {
	for _, action := range sortedKeys(v.cfg.States) {
		spec, ok := v.m.Action(action)
		if !ok {
			continue
		}
		vis := v.cfg.States[action]
		path := "states." + action
		switch {
		case !vis.Valid():
			v.fail(path, KindInvalidVisibility, "unknown visibility %q", vis)
		case !spec.Allows(vis):
			v.fail(path, KindInvalidVisibility, "visibility %q not allowed, allowed: %s", vis, joinVisibilities(spec.AllowedVisibilities))
		}
	}
}

func (v *validation) checkField(f skill.FieldSpec, enforceRequired bool) {
	val, ok := v.cfg.lookup(f.Name)
	if !ok {
		if enforceRequired && f.Required && f.Default == nil {
			v.fail(f.Name, KindMissingRequired, "%s is required", f.Name)
		}
		return
	}

	switch f.Type {
	case skill.FieldString:
		if _, ok := val.(string); !ok {
			v.errs = append(v.errs, mismatch(f.Name, "string", val))
		}
	case skill.FieldBool:
		if _, ok := val.(bool); !ok {
			v.errs = append(v.errs, mismatch(f.Name, "bool", val))
		}
	case skill.FieldInt:
		n, ok := asNumber(val)
		if !ok || n != math.Trunc(n) {
			v.errs = append(v.errs, mismatch(f.Name, "integer", val))
			return
		}
		v.checkBounds(f, n)
	case skill.FieldFloat:
		n, ok := asNumber(val)
		if !ok {
			v.errs = append(v.errs, mismatch(f.Name, "number", val))
			return
		}
		v.checkBounds(f, n)
	case skill.FieldEnum:
		s, ok := val.(string)
		if !ok {
			v.errs = append(v.errs, mismatch(f.Name, "string", val))
			return
		}
		if f.AllowsValue(s) {
			return
		}
		kind := KindOutOfRange
		if _, isDisc := v.discriminators[f.Name]; isDisc {
			kind = KindUnknownDiscriminator
		}
		v.fail(f.Name, kind, "%s is not one of %s", v.show(f, s), strings.Join(f.Values, ", "))
	}
}

func (v *validation) checkBounds(f skill.FieldSpec, n float64) {
	if f.Min != nil && n < *f.Min {
		v.fail(f.Name, KindOutOfRange, "%s is below minimum %v", v.show(f, n), *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		v.fail(f.Name, KindOutOfRange, "%s is above maximum %v", v.show(f, n), *f.Max)
	}
}

// checkCredentialSource covers skills that do not declare the credential
// source as a field: only the platform may supply credentials for them.
func (v *validation) checkCredentialSource() {
	if v.m.Declared(skill.CredentialField) {
		return
	}
	val, ok := v.cfg.lookup(skill.CredentialField)
	if !ok {
		return
	}
	if s, isStr := val.(string); !isStr || skill.CredentialSource(s) != skill.CredentialPlatform {
		v.fail(skill.CredentialField, KindOutOfRange, "skill %s only runs with platform credentials", v.m.Name)
	}
}

func (v *validation) accept() *ValidatedConfig {
	fields := make(map[string]any, len(v.cfg.Fields)+len(v.scope))
	for k, val := range v.cfg.Fields {
		fields[k] = val
	}
	for name, f := range v.scope {
		if _, ok := v.cfg.lookup(name); !ok && f.Default != nil {
			fields[name] = f.Default
		}
	}

	source := skill.CredentialPlatform
	if val, ok := v.value(skill.CredentialField); ok {
		if s, isStr := val.(string); isStr && s != "" {
			source = skill.CredentialSource(s)
		}
	}
	delete(fields, skill.CredentialField)

	enabled := v.m.EnabledByDefault
	if v.cfg.Enabled != nil {
		enabled = *v.cfg.Enabled
	}

	states := make(map[string]skill.Visibility, len(v.cfg.States))
	for k, vis := range v.cfg.States {
		states[k] = vis
	}

	var unknown []string
	for _, name := range sortedKeys(v.cfg.Fields) {
		if !v.m.Declared(name) {
			unknown = append(unknown, name)
		}
	}

	return newValidatedConfig(v.m, enabled, states, source, fields, unknown)
}

// show renders a value for an error message without echoing secrets.
func (v *validation) show(f skill.FieldSpec, val any) string {
	if f.Sensitive {
		return "value"
	}
	return fmt.Sprintf("%q", fmt.Sprint(val))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func joinVisibilities(vs []skill.Visibility) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

package skill

// Form is the read-only projection of a manifest used to render a
// configuration form. It never carries configured values; HasValue only
// says whether a value is stored.
type Form struct {
	Skill            string       `json:"skill"`
	Version          string       `json:"version"`
	Title            string       `json:"title,omitempty"`
	Description      string       `json:"description,omitempty"`
	EnabledByDefault bool         `json:"enabled_by_default"`
	Disabled         bool         `json:"disabled,omitempty"`
	Actions          []ActionForm `json:"actions"`
	Fields           []FieldForm  `json:"fields,omitempty"`
	Rules            []RuleForm   `json:"rules,omitempty"`
}

type ActionForm struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Allowed     []Visibility `json:"allowed_visibilities"`
	Default     Visibility   `json:"default_visibility"`
}

type FieldForm struct {
	Name        string    `json:"name"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Type        FieldType `json:"type"`
	Values      []string  `json:"values,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Sensitive   bool      `json:"sensitive,omitempty"`
	Default     any       `json:"default,omitempty"`
	HasValue    bool      `json:"has_value,omitempty"`
}

type RuleForm struct {
	Field  string      `json:"field"`
	Equals string      `json:"equals"`
	Fields []FieldForm `json:"fields,omitempty"`
	Rules  []RuleForm  `json:"rules,omitempty"`
}

// Form builds the projection of m.
func (m *Manifest) Form() Form {
	f := Form{
		Skill:            m.Name,
		Version:          m.Version,
		Title:            m.Title,
		Description:      m.Description,
		EnabledByDefault: m.EnabledByDefault,
		Disabled:         m.Disabled,
	}
	for _, name := range m.ActionNames() {
		a := m.Actions[name]
		f.Actions = append(f.Actions, ActionForm{
			Name:        name,
			Description: a.Description,
			Allowed:     append([]Visibility(nil), a.AllowedVisibilities...),
			Default:     a.DefaultVisibility,
		})
	}
	f.Fields = fieldForms(m.GlobalFields)
	f.Rules = ruleForms(m.ConditionalRules)
	return f
}

// WithValues returns a copy of the form with HasValue set for every field
// present in values. The values themselves are not copied.
func (f Form) WithValues(values map[string]any) Form {
	has := func(name string) bool {
		v, ok := values[name]
		return ok && v != nil
	}
	f.Fields = markFields(f.Fields, has)
	f.Rules = markRules(f.Rules, has)
	return f
}

func fieldForms(specs []FieldSpec) []FieldForm {
	if len(specs) == 0 {
		return nil
	}
	out := make([]FieldForm, 0, len(specs))
	for _, s := range specs {
		ff := FieldForm{
			Name:        s.Name,
			Title:       s.Title,
			Description: s.Description,
			Type:        s.Type,
			Values:      append([]string(nil), s.Values...),
			Min:         s.Min,
			Max:         s.Max,
			Required:    s.Required,
			Sensitive:   s.Sensitive,
		}
		if !s.Sensitive {
			ff.Default = s.Default
		}
		out = append(out, ff)
	}
	return out
}

func ruleForms(rules []ConditionalRule) []RuleForm {
	if len(rules) == 0 {
		return nil
	}
	out := make([]RuleForm, 0, len(rules))
	for _, r := range rules {
		out = append(out, RuleForm{
			Field:  r.Field,
			Equals: r.Equals,
			Fields: fieldForms(r.Fields),
			Rules:  ruleForms(r.Rules),
		})
	}
	return out
}

func markFields(fields []FieldForm, has func(string) bool) []FieldForm {
	if len(fields) == 0 {
		return nil
	}
	out := make([]FieldForm, len(fields))
	for i, ff := range fields {
		ff.HasValue = has(ff.Name)
		out[i] = ff
	}
	return out
}

func markRules(rules []RuleForm, has func(string) bool) []RuleForm {
	if len(rules) == 0 {
		return nil
	}
	out := make([]RuleForm, len(rules))
	for i, r := range rules {
		r.Fields = markFields(r.Fields, has)
		r.Rules = markRules(r.Rules, has)
		out[i] = r
	}
	return out
}

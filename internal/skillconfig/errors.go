package skillconfig

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a validation error.
type Kind string

const (
	KindMissingRequired      Kind = "missing_required"
	KindTypeMismatch         Kind = "type_mismatch"
	KindOutOfRange           Kind = "out_of_range"
	KindUnknownDiscriminator Kind = "unknown_discriminator"
	KindConflictingRule      Kind = "conflicting_rule"
	KindInvalidVisibility    Kind = "invalid_visibility_override"
)

var (
	// ErrValidationFailed is wrapped by every *ValidationFailed.
	ErrValidationFailed = errors.New("configuration validation failed")
	// ErrInvalidVisibilityOverride is additionally wrapped when an action
	// state names a visibility the action does not allow.
	ErrInvalidVisibilityOverride = errors.New("invalid visibility override")
)

// ValidationError is one problem with one field of a configuration.
type ValidationError struct {
	Path    string `json:"field_path"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Kind, e.Message)
}

// ValidationFailed carries the complete set of problems found in one
// validation pass.
type ValidationFailed struct {
	Skill  string
	Errors []ValidationError
}

func (e *ValidationFailed) Error() string {
	parts := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		parts[i] = ve.Error()
	}
	return fmt.Sprintf("skill %s: %d configuration error(s): %s", e.Skill, len(e.Errors), strings.Join(parts, "; "))
}

func (e *ValidationFailed) Unwrap() []error {
	errs := []error{ErrValidationFailed}
	for _, ve := range e.Errors {
		if ve.Kind == KindInvalidVisibility {
			errs = append(errs, ErrInvalidVisibilityOverride)
			break
		}
	}
	return errs
}

// Has reports whether an error of kind exists at path.
func (e *ValidationFailed) Has(path string, kind Kind) bool {
	for _, ve := range e.Errors {
		if ve.Path == path && ve.Kind == kind {
			return true
		}
	}
	return false
}

// normalize sorts errors by path then kind and drops exact duplicates.
func normalize(errs []ValidationError) []ValidationError {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Path != errs[j].Path {
			return errs[i].Path < errs[j].Path
		}
		return errs[i].Kind < errs[j].Kind
	})
	var out []ValidationError
	for _, e := range errs {
		if n := len(out); n > 0 && out[n-1].Path == e.Path && out[n-1].Kind == e.Kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

func mismatch(path, want string, got any) ValidationError {
	return ValidationError{
		Path:    path,
		Kind:    KindTypeMismatch,
		Message: fmt.Sprintf("expected %s, got %s", want, typeName(got)),
	}
}

func conflict(path, alias string) ValidationError {
	return ValidationError{
		Path:    path,
		Kind:    KindConflictingRule,
		Message: fmt.Sprintf("%s disagrees with %s", alias, path),
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64:
		return "number"
	case map[string]any:
		return "mapping"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}

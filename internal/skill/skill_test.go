package skill

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newsManifest() *Manifest {
	return &Manifest{
		Name:    "cryptocompare",
		Version: "1",
		Actions: map[string]ActionSpec{
			"fetch_news": {
				AllowedVisibilities: []Visibility{VisibilityDisabled, VisibilityPublic, VisibilityPrivate},
				DefaultVisibility:   VisibilityDisabled,
			},
		},
		GlobalFields: []FieldSpec{
			{Name: "credential_source", Type: FieldEnum, Values: []string{"platform", "agent_owner"}, Required: true},
		},
		ConditionalRules: []ConditionalRule{
			{
				Field:  "credential_source",
				Equals: "agent_owner",
				Fields: []FieldSpec{{Name: "api_key", Type: FieldString, Required: true, Sensitive: true}},
			},
		},
	}
}

func TestBuiltinsRegister(t *testing.T) {
	store := NewStore(zap.NewNop())
	if errs := RegisterBuiltins(store); len(errs) != 0 {
		t.Fatalf("builtin manifests rejected: %v", errs)
	}

	want := []string{"chainlist", "cryptocompare", "enso", "twitter", "web_scraper"}
	got := store.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	m, err := store.Load("cryptocompare")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a, ok := m.Action("fetch_news"); !ok || a.DefaultVisibility != VisibilityDisabled {
		t.Errorf("fetch_news = %+v, %v", a, ok)
	}
}

func TestCheckAcceptsValidManifest(t *testing.T) {
	if err := newsManifest().Check(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckDefaultOutsideAllowed(t *testing.T) {
	m := newsManifest()
	m.Actions["fetch_news"] = ActionSpec{
		AllowedVisibilities: []Visibility{VisibilityDisabled, VisibilityPrivate},
		DefaultVisibility:   VisibilityPublic,
	}
	err := m.Check()
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MalformedError, got %v", err)
	}
	if !errors.Is(err, ErrManifestMalformed) {
		t.Error("expected errors.Is(err, ErrManifestMalformed)")
	}
	if len(me.Problems) != 1 || !strings.Contains(me.Problems[0], "not in allowed_visibilities") {
		t.Errorf("problems = %v", me.Problems)
	}
}

func TestCheckRejectsHumanReadableVisibility(t *testing.T) {
	m := newsManifest()
	m.Actions["fetch_news"] = ActionSpec{
		AllowedVisibilities: []Visibility{VisibilityDisabled, VisibilityPublic, VisibilityPrivate},
		DefaultVisibility:   "Agent Owner + All Users",
	}
	if err := m.Check(); !errors.Is(err, ErrManifestMalformed) {
		t.Fatalf("expected malformed manifest, got %v", err)
	}
}

func TestCheckUndeclaredDiscriminator(t *testing.T) {
	m := newsManifest()
	m.ConditionalRules[0].Field = "api_key_provider"
	var me *MalformedError
	if !errors.As(m.Check(), &me) {
		t.Fatal("expected *MalformedError")
	}
	if !strings.Contains(strings.Join(me.Problems, ";"), `discriminator "api_key_provider"`) {
		t.Errorf("problems = %v", me.Problems)
	}
}

func TestCheckReportsEveryProblem(t *testing.T) {
	m := newsManifest()
	m.Version = ""
	m.GlobalFields = append(m.GlobalFields,
		FieldSpec{Name: "limit", Type: "integer"},
		FieldSpec{Name: "mode", Type: FieldEnum},
	)
	var me *MalformedError
	if !errors.As(m.Check(), &me) {
		t.Fatal("expected *MalformedError")
	}
	if len(me.Problems) != 3 {
		t.Errorf("got %d problems, want 3: %v", len(me.Problems), me.Problems)
	}
}

func TestCheckNestedDiscriminatorScope(t *testing.T) {
	m := newsManifest()
	m.ConditionalRules[0].Fields = append(m.ConditionalRules[0].Fields,
		FieldSpec{Name: "endpoint_mode", Type: FieldEnum, Values: []string{"default", "custom"}})
	m.ConditionalRules[0].Rules = []ConditionalRule{{
		Field:  "endpoint_mode",
		Equals: "custom",
		Fields: []FieldSpec{{Name: "base_url", Type: FieldString, Required: true}},
	}}
	if err := m.Check(); err != nil {
		t.Fatalf("nested discriminator from enclosing rule rejected: %v", err)
	}

	m.ConditionalRules[0].Rules[0].Equals = "other"
	if err := m.Check(); err == nil {
		t.Fatal("expected trigger outside enum values to be rejected")
	}
}

func TestStoreLoadNotFound(t *testing.T) {
	store := NewStore(zap.NewNop())
	_, err := store.Load("missing")
	if !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("expected ErrManifestNotFound, got %v", err)
	}
}

func TestStoreVersions(t *testing.T) {
	store := NewStore(zap.NewNop())
	v1 := newsManifest()
	v2 := newsManifest()
	v2.Version = "2"

	if err := store.Register(v1); err != nil {
		t.Fatal(err)
	}
	if err := store.Register(v2); err != nil {
		t.Fatal(err)
	}
	if err := store.Register(newsManifest()); err == nil {
		t.Error("expected duplicate version to be rejected")
	}

	cur, _ := store.Load("cryptocompare")
	if cur.Version != "2" {
		t.Errorf("current version = %s, want 2", cur.Version)
	}
	old, err := store.LoadVersion("cryptocompare", "1")
	if err != nil || !reflect.DeepEqual(old, v1) {
		t.Errorf("LoadVersion(1) = %v, %v", old, err)
	}
}

func TestStoreRegisterCopiesManifest(t *testing.T) {
	store := NewStore(zap.NewNop())
	m := newsManifest()
	if err := store.Register(m); err != nil {
		t.Fatal(err)
	}

	m.Disabled = true
	m.Actions["fetch_news"].AllowedVisibilities[0] = VisibilityPublic
	m.Actions["fetch_extra"] = ActionSpec{}
	m.GlobalFields[0].Values[0] = "changed"

	got, err := store.Load("cryptocompare")
	if err != nil {
		t.Fatal(err)
	}
	if got == m {
		t.Fatal("store kept the caller's pointer")
	}
	if !reflect.DeepEqual(got, newsManifest()) {
		t.Errorf("stored manifest changed with the caller's copy: %+v", got)
	}
	if err := got.Check(); err != nil {
		t.Errorf("stored manifest no longer checks: %v", err)
	}
}

func TestStoreRegisterAllExcludesMalformed(t *testing.T) {
	store := NewStore(zap.NewNop())
	bad := newsManifest()
	bad.Name = "broken"
	bad.Actions["fetch_news"] = ActionSpec{DefaultVisibility: VisibilityPublic}

	errs := store.RegisterAll([]*Manifest{newsManifest(), bad})
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if _, err := store.Load("broken"); !errors.Is(err, ErrManifestNotFound) {
		t.Error("malformed skill should be excluded")
	}
	if _, err := store.Load("cryptocompare"); err != nil {
		t.Errorf("healthy skill missing: %v", err)
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()

	jsonDir := filepath.Join(dir, "news")
	os.MkdirAll(jsonDir, 0o755)
	os.WriteFile(filepath.Join(jsonDir, "skill.json"), []byte(`{
		"name": "news", "version": "3",
		"actions": {"headlines": {"allowed_visibilities": ["disabled", "public"], "default_visibility": "public"}}
	}`), 0o644)

	yamlDir := filepath.Join(dir, "weather")
	os.MkdirAll(yamlDir, 0o755)
	os.WriteFile(filepath.Join(yamlDir, "skill.yaml"), []byte(`
name: weather
version: "1"
actions:
  forecast:
    allowed_visibilities: [disabled, private]
    default_visibility: private
global_fields:
  - name: units
    type: enum
    values: [metric, imperial]
    default: metric
`), 0o644)

	os.MkdirAll(filepath.Join(dir, "empty"), 0o755)

	manifests, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if len(manifests) != 2 {
		t.Fatalf("got %d manifests, want 2", len(manifests))
	}
	for _, m := range manifests {
		if err := m.Check(); err != nil {
			t.Errorf("manifest %s: %v", m.Name, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ticker.yml")
	os.WriteFile(path, []byte(`
name: ticker
version: "2"
actions:
  quote:
    allowed_visibilities: [disabled, public]
    default_visibility: public
`), 0o644)

	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if m.Name != "ticker" || m.Version != "2" {
		t.Errorf("manifest = %s@%s", m.Name, m.Version)
	}
	if err := m.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"name": `), 0o644)
	if _, err := LoadFile(bad); err == nil || !strings.Contains(err.Error(), "parse manifest") {
		t.Errorf("malformed manifest: %v", err)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing manifest: %v", err)
	}
}

func TestLoadFromMissingDir(t *testing.T) {
	manifests, err := LoadFromDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || manifests != nil {
		t.Fatalf("got %v, %v; want nil, nil", manifests, err)
	}
}

func TestFormHidesValues(t *testing.T) {
	m := newsManifest()
	m.ConditionalRules[0].Fields[0].Default = "should-not-leak"

	form := m.Form().WithValues(map[string]any{"api_key": "sk-secret"})
	if len(form.Actions) != 1 || form.Actions[0].Name != "fetch_news" {
		t.Fatalf("actions = %+v", form.Actions)
	}
	key := form.Rules[0].Fields[0]
	if !key.Sensitive || !key.HasValue {
		t.Errorf("api_key form = %+v", key)
	}
	if key.Default != nil {
		t.Error("sensitive default must not be projected")
	}
	if form.Fields[0].HasValue {
		t.Error("credential_source has no stored value")
	}
}

package skillconfig

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nidhogg/skillgate/internal/skill"
)

func builtin(t *testing.T, name string) *skill.Manifest {
	t.Helper()
	all, err := skill.Builtins()
	if err != nil {
		t.Fatalf("Builtins: %v", err)
	}
	for _, m := range all {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("no builtin %s", name)
	return nil
}

func mustParse(t *testing.T, doc string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func failure(t *testing.T, err error) *ValidationFailed {
	t.Helper()
	var vf *ValidationFailed
	if !errors.As(err, &vf) {
		t.Fatalf("expected *ValidationFailed, got %v", err)
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Error("expected errors.Is(err, ErrValidationFailed)")
	}
	return vf
}

func TestOwnerCredentialRequiresAPIKey(t *testing.T) {
	m := builtin(t, "cryptocompare")
	cfg := mustParse(t, `{"enabled": true, "credential_source": "agent_owner", "rate_limit_number": 10}`)

	_, err := Validate(m, cfg)
	vf := failure(t, err)
	if len(vf.Errors) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(vf.Errors), vf.Errors)
	}
	if e := vf.Errors[0]; e.Path != "api_key" || e.Kind != KindMissingRequired {
		t.Errorf("error = %+v", e)
	}
}

func TestEmptyStringSatisfiesRequired(t *testing.T) {
	m := builtin(t, "cryptocompare")
	cfg := mustParse(t, `{"credential_source": "agent_owner", "api_key": ""}`)
	if _, err := Validate(m, cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPlatformDefaultAppliesWithoutInput(t *testing.T) {
	m := builtin(t, "cryptocompare")
	vc, err := Validate(m, mustParse(t, ``))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vc.CredentialSource() != skill.CredentialPlatform {
		t.Errorf("credential source = %s", vc.CredentialSource())
	}
	if vc.Enabled() {
		t.Error("cryptocompare is disabled by default")
	}
	if v, explicit := vc.ActionState("fetch_price"); v != skill.VisibilityPrivate || explicit {
		t.Errorf("fetch_price = %s, %v", v, explicit)
	}
}

func TestInactiveRuleFieldsStillTypeChecked(t *testing.T) {
	m := builtin(t, "cryptocompare")
	cfg := mustParse(t, `{"credential_source": "platform", "rate_limit_number": "ten"}`)
	vf := failure(t, func() error { _, err := Validate(m, cfg); return err }())
	if !vf.Has("rate_limit_number", KindTypeMismatch) {
		t.Errorf("errors = %v", vf.Errors)
	}
	if vf.Has("api_key", KindMissingRequired) {
		t.Error("api_key is not required for platform credentials")
	}
}

func TestUnknownTopLevelFieldsPassThrough(t *testing.T) {
	m := builtin(t, "cryptocompare")
	cfg := mustParse(t, `
enabled: true
credential_source: platform
favourite_color: teal
extra:
  nested: 1
`)
	vc, err := Validate(m, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := vc.Unknown(); !reflect.DeepEqual(got, []string{"extra", "favourite_color"}) {
		t.Errorf("Unknown() = %v", got)
	}
	if v, _ := vc.Field("favourite_color"); v != "teal" {
		t.Errorf("favourite_color = %v", v)
	}
}

func TestUnknownDiscriminatorValue(t *testing.T) {
	m := builtin(t, "cryptocompare")
	_, err := Validate(m, mustParse(t, `{"credential_source": "delegated"}`))
	vf := failure(t, err)
	if !vf.Has("credential_source", KindUnknownDiscriminator) {
		t.Errorf("errors = %v", vf.Errors)
	}
}

func TestOutOfRange(t *testing.T) {
	m := builtin(t, "chainlist")
	_, err := Validate(m, mustParse(t, `{"max_results": 500}`))
	vf := failure(t, err)
	if !vf.Has("max_results", KindOutOfRange) {
		t.Errorf("errors = %v", vf.Errors)
	}

	_, err = Validate(m, mustParse(t, `{"max_results": 2.5}`))
	if vf := failure(t, err); !vf.Has("max_results", KindTypeMismatch) {
		t.Errorf("errors = %v", vf.Errors)
	}
}

func TestRateLimitWindowBounded(t *testing.T) {
	for _, name := range []string{"cryptocompare", "enso", "twitter"} {
		_, err := Validate(builtin(t, name), mustParse(t, `{
			"enabled": true, "credential_source": "agent_owner", "api_key": "k",
			"rate_limit_number": 5, "rate_limit_minutes": 1e12}`))
		if vf := failure(t, err); !vf.Has("rate_limit_minutes", KindOutOfRange) {
			t.Errorf("%s: errors = %v", name, vf.Errors)
		}
	}
}

func TestNestedRule(t *testing.T) {
	m := builtin(t, "enso")

	vc, err := Validate(m, mustParse(t, `{"credential_source": "agent_owner", "api_key": "k"}`))
	if err != nil {
		t.Fatalf("default endpoint mode should not require base_url: %v", err)
	}
	if v, _ := vc.Field("endpoint_mode"); v != "default" {
		t.Errorf("endpoint_mode default = %v", v)
	}

	_, err = Validate(m, mustParse(t, `{"credential_source": "agent_owner", "api_key": "k", "endpoint_mode": "custom"}`))
	vf := failure(t, err)
	if len(vf.Errors) != 1 || !vf.Has("base_url", KindMissingRequired) {
		t.Errorf("errors = %v", vf.Errors)
	}

	_, err = Validate(m, mustParse(t, `{"credential_source": "platform", "endpoint_mode": "custom"}`))
	if err != nil {
		t.Errorf("nested rule under inactive parent must not apply: %v", err)
	}
}

func TestVisibilityOverride(t *testing.T) {
	m := builtin(t, "enso")
	cfg := mustParse(t, `{"states": {"wallet_approve": "public", "get_prices": "everyone", "retired_action": "public"}}`)

	_, err := Validate(m, cfg)
	vf := failure(t, err)
	if !errors.Is(err, ErrInvalidVisibilityOverride) {
		t.Error("expected errors.Is(err, ErrInvalidVisibilityOverride)")
	}
	want := []string{"states.get_prices", "states.wallet_approve"}
	var got []string
	for _, e := range vf.Errors {
		got = append(got, e.Path)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}
}

func TestConflictingRule(t *testing.T) {
	m := &skill.Manifest{
		Name:    "demo",
		Version: "1",
		Actions: map[string]skill.ActionSpec{
			"run": {AllowedVisibilities: []skill.Visibility{skill.VisibilityPublic}, DefaultVisibility: skill.VisibilityPublic},
		},
		GlobalFields: []skill.FieldSpec{
			{Name: "mode", Type: skill.FieldEnum, Values: []string{"a", "b"}, Default: "a"},
			{Name: "tier", Type: skill.FieldString, Default: "gold"},
		},
		ConditionalRules: []skill.ConditionalRule{
			{Field: "mode", Equals: "a", Fields: []skill.FieldSpec{{Name: "limit", Type: skill.FieldInt}}},
			{Field: "tier", Equals: "gold", Fields: []skill.FieldSpec{{Name: "limit", Type: skill.FieldString}}},
		},
	}
	if err := m.Check(); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	_, err := Validate(m, FromMap(nil))
	if vf := failure(t, err); !vf.Has("limit", KindConflictingRule) {
		t.Errorf("errors = %v", vf.Errors)
	}
}

func TestValidationIsIdempotent(t *testing.T) {
	m := builtin(t, "twitter")
	cfg := mustParse(t, `{"enabled": "yes", "credential_source": "agent_owner", "api_key": 12, "states": {"get_mentions": 3}}`)

	_, err1 := Validate(m, cfg)
	_, err2 := Validate(m, cfg)
	vf1, vf2 := failure(t, err1), failure(t, err2)
	if !reflect.DeepEqual(vf1.Errors, vf2.Errors) {
		t.Fatalf("error sets differ:\n%v\n%v", vf1.Errors, vf2.Errors)
	}
	if len(vf1.Errors) < 4 {
		t.Errorf("expected every problem reported, got %v", vf1.Errors)
	}
}

func TestAliasesResolveTheSameEveryTime(t *testing.T) {
	m := builtin(t, "cryptocompare")
	docs := []string{
		`{"credential_source": "platform", "api_key_provider": "agent_owner"}`,
		`{"enabled": true, "states": {"fetch_news": "public"}, "action_states": {"fetch_news": "private"}}`,
		`{"enabled": true, "rate_limit_number": 3, "field_values": {"rate_limit_number": 4}}`,
	}
	wantPath := []string{"credential_source", "states.fetch_news", "rate_limit_number"}

	for i, doc := range docs {
		var first []ValidationError
		for n := 0; n < 200; n++ {
			_, err := Validate(m, mustParse(t, doc))
			vf := failure(t, err)
			if n == 0 {
				first = vf.Errors
				if !vf.Has(wantPath[i], KindConflictingRule) {
					t.Fatalf("doc %d: errors = %v, want conflicting_rule on %s", i, vf.Errors, wantPath[i])
				}
				continue
			}
			if !reflect.DeepEqual(first, vf.Errors) {
				t.Fatalf("doc %d: run %d differs:\n%v\n%v", i, n, first, vf.Errors)
			}
		}
	}
}

func TestCanonicalKeysWin(t *testing.T) {
	cfg := mustParse(t, `{
		"credential_source": "platform", "api_key_provider": "agent_owner",
		"states": {"fetch_news": "public"}, "action_states": {"fetch_news": "private"},
		"rate_limit_number": 3, "field_values": {"rate_limit_number": 4}}`)
	if cfg.CredentialSource != skill.CredentialPlatform {
		t.Errorf("credential source = %q", cfg.CredentialSource)
	}
	if cfg.States["fetch_news"] != skill.VisibilityPublic {
		t.Errorf("fetch_news = %q", cfg.States["fetch_news"])
	}
	if cfg.Fields["rate_limit_number"] != float64(4) {
		t.Errorf("rate_limit_number = %v", cfg.Fields["rate_limit_number"])
	}

	// Agreeing aliases are not a conflict.
	vc, err := Validate(builtin(t, "cryptocompare"), mustParse(t,
		`{"credential_source": "agent_owner", "api_key_provider": "agent_owner", "api_key": "k"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if vc.CredentialSource() != skill.CredentialAgentOwner {
		t.Errorf("source = %q", vc.CredentialSource())
	}
}

func TestUndeclaredCredentialSource(t *testing.T) {
	m := builtin(t, "chainlist")
	if _, err := Validate(m, mustParse(t, `{"credential_source": "platform"}`)); err != nil {
		t.Errorf("platform should be accepted: %v", err)
	}
	_, err := Validate(m, mustParse(t, `{"credential_source": "agent_owner"}`))
	if vf := failure(t, err); !vf.Has("credential_source", KindOutOfRange) {
		t.Errorf("errors = %v", vf.Errors)
	}
}

func TestHashIgnoresMapOrder(t *testing.T) {
	m := builtin(t, "cryptocompare")
	a, err := Validate(m, mustParse(t, `{"enabled": true, "states": {"fetch_news": "public", "fetch_price": "private"}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Validate(m, mustParse(t, `{"states": {"fetch_price": "private", "fetch_news": "public"}, "enabled": true}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() != b.Hash() {
		t.Error("equal documents hash differently")
	}
	c, _ := Validate(m, mustParse(t, `{"enabled": false}`))
	if c.Hash() == a.Hash() {
		t.Error("different documents share a hash")
	}
}

func TestRedact(t *testing.T) {
	m := builtin(t, "twitter")
	out := Redact(m, map[string]any{
		"api_key":           "short",
		"access_token":      "1234567890-abcdWXYZ",
		"rate_limit_number": 5,
	})
	if out["api_key"] != "****" {
		t.Errorf("api_key = %v", out["api_key"])
	}
	if out["access_token"] != "****WXYZ" {
		t.Errorf("access_token = %v", out["access_token"])
	}
	if out["rate_limit_number"] != 5 {
		t.Errorf("non-sensitive value changed: %v", out["rate_limit_number"])
	}
}

func TestExportFillsDefaults(t *testing.T) {
	m := builtin(t, "enso")
	cfg := mustParse(t, `{"credential_source": "agent_owner", "api_key": "ens-0123456789abcdef", "states": {"get_prices": "private"}}`)

	exp := Export(m, cfg)
	if len(exp.States) != len(m.Actions) {
		t.Errorf("states = %v", exp.States)
	}
	if exp.States["get_prices"] != skill.VisibilityPrivate || exp.States["get_networks"] != skill.VisibilityPublic {
		t.Errorf("states = %v", exp.States)
	}
	if exp.CredentialSource != skill.CredentialAgentOwner {
		t.Errorf("credential source = %s", exp.CredentialSource)
	}
	if exp.Fields["endpoint_mode"] != "default" || exp.Fields["main_tokens"] != "USDC,ETH" {
		t.Errorf("fields = %v", exp.Fields)
	}
	if s, _ := exp.Fields["api_key"].(string); !strings.HasPrefix(s, "****") {
		t.Errorf("api_key leaked: %v", exp.Fields["api_key"])
	}
}

func TestParseRejectsNonMapping(t *testing.T) {
	if _, err := Parse([]byte("- a\n- b\n")); err == nil {
		t.Error("expected a list document to be rejected")
	}
}

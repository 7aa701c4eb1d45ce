// Package permission turns a validated skill configuration into per-action
// decisions: effective visibility, credential source and rate limit.
package permission

import (
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/skillgate/internal/ratelimit"
	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
)

// Field names an owner uses to set a quota on their own credentials.
const (
	FieldRateLimitNumber  = "rate_limit_number"
	FieldRateLimitMinutes = "rate_limit_minutes"
)

// Decision is the resolved outcome for one agent action.
type Decision struct {
	Skill            string                 `json:"skill"`
	Action           string                 `json:"action"`
	Visibility       skill.Visibility       `json:"visibility"`
	CredentialSource skill.CredentialSource `json:"credential_source"`
	RateLimit        *ratelimit.Limit       `json:"rate_limit,omitempty"`
}

// Permits reports whether caller may invoke the action.
func (d Decision) Permits(c Caller) bool {
	return Authorize(d.Visibility, c) == nil
}

// Key is the rate-limit key for this decision on agentID.
func (d Decision) Key(agentID string) ratelimit.Key {
	return ratelimit.Key{
		AgentID:          agentID,
		Skill:            d.Skill,
		Action:           d.Action,
		CredentialSource: string(d.CredentialSource),
	}
}

// Clone copies the rate limit so callers cannot share it.
func (d Decision) Clone() Decision {
	if d.RateLimit != nil {
		l := *d.RateLimit
		d.RateLimit = &l
	}
	return d
}

// PlatformLimits holds the deployment's quotas on platform credentials:
// skill → action → limit. The action "*" applies to every action of the
// skill without its own entry.
type PlatformLimits map[string]map[string]ratelimit.Limit

// Lookup returns the quota for skill/action, or nil when unlimited.
func (p PlatformLimits) Lookup(skillName, action string) *ratelimit.Limit {
	actions, ok := p[skillName]
	if !ok {
		return nil
	}
	if l, ok := actions[action]; ok {
		return &l
	}
	if l, ok := actions["*"]; ok {
		return &l
	}
	return nil
}

// Resolver computes decisions. It holds no mutable state.
type Resolver struct {
	limits PlatformLimits
}

func NewResolver(limits PlatformLimits) *Resolver {
	return &Resolver{limits: limits}
}

// Resolve computes the decision for action. A disabled skill fails before
// the action is looked up.
func (r *Resolver) Resolve(m *skill.Manifest, vc *skillconfig.ValidatedConfig, action string) (Decision, error) {
	if vc.Skill() != m.Name || vc.ManifestVersion() != m.Version {
		return Decision{}, fmt.Errorf("resolve %s@%s: configuration was validated against %s@%s",
			m.Name, m.Version, vc.Skill(), vc.ManifestVersion())
	}
	if m.Disabled {
		return Decision{}, fmt.Errorf("%w: %s is disabled on this platform", ErrSkillDisabled, m.Name)
	}
	if !vc.Enabled() {
		return Decision{}, fmt.Errorf("%w: %s is not enabled for this agent", ErrSkillDisabled, m.Name)
	}
	spec, ok := m.Action(action)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s has no action %q", ErrActionUnknown, m.Name, action)
	}

	vis, explicit := vc.ActionState(action)
	if !explicit || !spec.Allows(vis) {
		vis = spec.DefaultVisibility
	}

	d := Decision{
		Skill:            m.Name,
		Action:           action,
		Visibility:       vis,
		CredentialSource: vc.CredentialSource(),
	}
	if d.CredentialSource == skill.CredentialAgentOwner {
		d.RateLimit = ownerLimit(vc)
	} else {
		d.RateLimit = r.limits.Lookup(m.Name, action)
	}
	return d, nil
}

// maxWindowMinutes is the longest window a time.Duration can hold.
const maxWindowMinutes = math.MaxInt64 / int64(time.Minute)

// ownerLimit applies only when the owner set both a count and a window.
// Values too large to represent are clamped, never dropped.
func ownerLimit(vc *skillconfig.ValidatedConfig) *ratelimit.Limit {
	n, ok := vc.IntField(FieldRateLimitNumber)
	if !ok || n <= 0 {
		return nil
	}
	mins, ok := vc.IntField(FieldRateLimitMinutes)
	if !ok || mins <= 0 {
		return nil
	}
	return &ratelimit.Limit{
		Count:  int(min(n, int64(math.MaxInt))),
		Window: time.Duration(min(mins, maxWindowMinutes)) * time.Minute,
	}
}

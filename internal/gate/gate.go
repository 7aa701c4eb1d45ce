// Package gate is the entry point the tool-binding layer calls before
// running a skill action: manifest lookup, validation, cached resolution,
// caller authorization and rate limiting, in that order.
package gate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/skillgate/internal/permission"
	"github.com/nidhogg/skillgate/internal/ratelimit"
	"github.com/nidhogg/skillgate/internal/resolution"
	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
)

// Gate decides whether one skill action may run.
type Gate struct {
	manifests *skill.Store
	cache     *resolution.Cache
	limiter   ratelimit.Limiter
	metrics   *Metrics
	logger    *zap.Logger
}

// New creates a Gate. metrics may be nil.
func New(manifests *skill.Store, cache *resolution.Cache, limiter ratelimit.Limiter, metrics *Metrics, logger *zap.Logger) *Gate {
	return &Gate{
		manifests: manifests,
		cache:     cache,
		limiter:   limiter,
		metrics:   metrics,
		logger:    logger,
	}
}

// Request is one attempt to invoke an agent's skill action. When
// Caller.Kind is empty the caller is classified against OwnerID, treating
// any non-empty caller ID as authenticated.
type Request struct {
	AgentID string
	OwnerID string
	Skill   string
	Action  string
	Caller  permission.Caller
	Config  *skillconfig.Config
}

// Outcome is a permitted invocation: what to run it with and how much
// quota is left.
type Outcome struct {
	Decision permission.Decision
	Quota    ratelimit.Result
	Config   *skillconfig.ValidatedConfig
}

// Check runs the full pipeline. Every denial is returned as a typed error;
// permission.Classify groups them for callers.
func (g *Gate) Check(ctx context.Context, req Request) (*Outcome, error) {
	if req.Caller.Kind == "" {
		req.Caller = permission.CallerFor(req.OwnerID, req.Caller.ID, req.Caller.ID != "")
	}

	m, err := g.manifests.Load(req.Skill)
	if err != nil {
		g.metrics.observeDecision(req.Skill, string(permission.CategoryNotFound))
		return nil, fmt.Errorf("check %s.%s: %w", req.Skill, req.Action, err)
	}

	entry, err := g.cache.Lookup(req.AgentID, m, req.Config, req.Action)
	if err != nil {
		g.deny(req, err)
		return nil, fmt.Errorf("check %s.%s: %w", req.Skill, req.Action, err)
	}
	d := entry.Decision

	if err := permission.Authorize(d.Visibility, req.Caller); err != nil {
		g.deny(req, err)
		return nil, fmt.Errorf("check %s.%s: %w", req.Skill, req.Action, err)
	}

	key := d.Key(req.AgentID)
	quota, err := g.limiter.TryAcquire(ctx, key, d.RateLimit)
	if err != nil {
		g.metrics.observeDecision(req.Skill, string(permission.CategoryInternal))
		return nil, fmt.Errorf("check %s.%s: %w", req.Skill, req.Action, err)
	}
	if !quota.Allowed {
		err := quota.Err(key)
		g.metrics.observeRateLimited(req.Skill, string(d.CredentialSource))
		g.deny(req, err)
		return nil, err
	}

	g.metrics.observeDecision(req.Skill, "permitted")
	return &Outcome{Decision: d, Quota: quota, Config: entry.Config}, nil
}

func (g *Gate) deny(req Request, err error) {
	cat := permission.Classify(err)
	g.metrics.observeDecision(req.Skill, string(cat))
	if cat == permission.CategoryConfiguration {
		g.metrics.observeValidationFailure(req.Skill)
	}
	g.logger.Debug("skill action denied",
		zap.String("agent_id", req.AgentID),
		zap.String("skill", req.Skill),
		zap.String("action", req.Action),
		zap.String("caller", string(req.Caller.Kind)),
		zap.String("category", string(cat)),
		zap.Error(err))
}

// Tools lists the actions caller may currently see on the agent's skill.
// A disabled skill yields no actions rather than an error.
func (g *Gate) Tools(agentID, ownerID, skillName string, cfg *skillconfig.Config, caller permission.Caller) ([]string, error) {
	if caller.Kind == "" {
		caller = permission.CallerFor(ownerID, caller.ID, caller.ID != "")
	}
	m, err := g.manifests.Load(skillName)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	var out []string
	for _, action := range m.ActionNames() {
		entry, err := g.cache.Lookup(agentID, m, cfg, action)
		if errors.Is(err, permission.ErrSkillDisabled) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		if entry.Decision.Permits(caller) {
			out = append(out, action)
		}
	}
	return out, nil
}

// Validate checks cfg against the current manifest of skillName.
func (g *Gate) Validate(skillName string, cfg *skillconfig.Config) (*skill.Manifest, *skillconfig.ValidatedConfig, error) {
	m, err := g.manifests.Load(skillName)
	if err != nil {
		return nil, nil, err
	}
	vc, err := skillconfig.Validate(m, cfg)
	if err != nil {
		g.metrics.observeValidationFailure(skillName)
		return m, nil, err
	}
	return m, vc, nil
}

// Invalidate drops cached decisions after the agent's configuration of
// the skill changed.
func (g *Gate) Invalidate(agentID, skillName string) {
	g.cache.Invalidate(agentID, skillName)
}

// Manifests exposes the manifest store.
func (g *Gate) Manifests() *skill.Store {
	return g.manifests
}

package store

import (
	"time"

	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
)

// SkillConfigRow is one agent's stored configuration of one skill. Secrets
// holds the values of sensitive fields; it never reaches field_values.
type SkillConfigRow struct {
	AgentID          string                      `json:"agent_id"`
	Skill            string                      `json:"skill"`
	OwnerID          string                      `json:"owner_id"`
	Enabled          *bool                       `json:"enabled,omitempty"`
	States           map[string]skill.Visibility `json:"states"`
	CredentialSource skill.CredentialSource      `json:"credential_source,omitempty"`
	Fields           map[string]any              `json:"field_values"`
	Secrets          map[string]any              `json:"-"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

// NewSkillConfigRow splits cfg into plain and secret values using the
// manifest's sensitivity flags.
func NewSkillConfigRow(agentID, ownerID string, m *skill.Manifest, cfg *skillconfig.Config) *SkillConfigRow {
	row := &SkillConfigRow{
		AgentID:          agentID,
		Skill:            m.Name,
		OwnerID:          ownerID,
		CredentialSource: cfg.CredentialSource,
		States:           make(map[string]skill.Visibility, len(cfg.States)),
		Fields:           make(map[string]any, len(cfg.Fields)),
		Secrets:          make(map[string]any),
	}
	if cfg.Enabled != nil {
		b := *cfg.Enabled
		row.Enabled = &b
	}
	for k, v := range cfg.States {
		row.States[k] = v
	}
	for k, v := range cfg.Fields {
		if m.IsSensitive(k) {
			row.Secrets[k] = v
			continue
		}
		row.Fields[k] = v
	}
	return row
}

// Config reassembles the configuration document.
func (r *SkillConfigRow) Config() *skillconfig.Config {
	doc := map[string]any{}
	if r.Enabled != nil {
		doc["enabled"] = *r.Enabled
	}
	if len(r.States) > 0 {
		states := make(map[string]any, len(r.States))
		for k, v := range r.States {
			states[k] = string(v)
		}
		doc["states"] = states
	}
	if r.CredentialSource != "" {
		doc[skill.CredentialField] = string(r.CredentialSource)
	}
	values := make(map[string]any, len(r.Fields)+len(r.Secrets))
	for k, v := range r.Fields {
		values[k] = v
	}
	for k, v := range r.Secrets {
		values[k] = v
	}
	doc["field_values"] = values
	return skillconfig.FromMap(doc)
}

func (r *SkillConfigRow) clone() *SkillConfigRow {
	out := *r
	if r.Enabled != nil {
		b := *r.Enabled
		out.Enabled = &b
	}
	out.States = make(map[string]skill.Visibility, len(r.States))
	for k, v := range r.States {
		out.States[k] = v
	}
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	out.Secrets = make(map[string]any, len(r.Secrets))
	for k, v := range r.Secrets {
		out.Secrets[k] = v
	}
	return &out
}

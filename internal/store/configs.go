package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/skillgate/internal/skill"
)

const selectConfig = `
	SELECT agent_id, skill, owner_id, enabled, states, credential_source,
	       field_values, secrets_enc, updated_at
	FROM agent_skill_configs`

// SaveSkillConfig upserts an agent's configuration of a skill. An existing
// row is only replaced when its owner matches; otherwise ErrOwnerMismatch.
func (s *Store) SaveSkillConfig(ctx context.Context, r *SkillConfigRow) error {
	statesJSON, err := json.Marshal(r.States)
	if err != nil {
		return fmt.Errorf("marshal states: %w", err)
	}
	fieldsJSON, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("marshal field values: %w", err)
	}
	secretsEnc, err := s.sealSecrets(r.Secrets)
	if err != nil {
		return fmt.Errorf("save skill config %s/%s: %w", r.AgentID, r.Skill, err)
	}

	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		INSERT INTO agent_skill_configs
			(agent_id, skill, owner_id, enabled, states, credential_source, field_values, secrets_enc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_id, skill) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			states = EXCLUDED.states,
			credential_source = EXCLUDED.credential_source,
			field_values = EXCLUDED.field_values,
			secrets_enc = EXCLUDED.secrets_enc,
			updated_at = EXCLUDED.updated_at
		WHERE agent_skill_configs.owner_id = EXCLUDED.owner_id`,
		r.AgentID, r.Skill, r.OwnerID, r.Enabled, statesJSON, string(r.CredentialSource),
		fieldsJSON, secretsEnc, now,
	)
	if err != nil {
		return fmt.Errorf("save skill config %s/%s: %w", r.AgentID, r.Skill, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save skill config %s/%s: %w", r.AgentID, r.Skill, ErrOwnerMismatch)
	}
	r.UpdatedAt = now
	return nil
}

// GetSkillConfig returns the stored configuration with secrets decrypted.
func (s *Store) GetSkillConfig(ctx context.Context, agentID, skillName string) (*SkillConfigRow, error) {
	row := s.db.QueryRow(ctx, selectConfig+` WHERE agent_id = $1 AND skill = $2`, agentID, skillName)
	r, err := s.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get skill config %s/%s: %w", agentID, skillName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get skill config %s/%s: %w", agentID, skillName, err)
	}
	return r, nil
}

// ListSkillConfigs returns every configuration of one agent.
func (s *Store) ListSkillConfigs(ctx context.Context, agentID string) ([]*SkillConfigRow, error) {
	rows, err := s.db.Query(ctx, selectConfig+` WHERE agent_id = $1 ORDER BY skill`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list skill configs: %w", err)
	}
	defer rows.Close()

	var out []*SkillConfigRow
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skill config: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSkillConfig removes an agent's configuration of a skill.
func (s *Store) DeleteSkillConfig(ctx context.Context, agentID, skillName string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM agent_skill_configs WHERE agent_id = $1 AND skill = $2`, agentID, skillName)
	if err != nil {
		return fmt.Errorf("delete skill config %s/%s: %w", agentID, skillName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete skill config %s/%s: %w", agentID, skillName, ErrNotFound)
	}
	return nil
}

func (s *Store) scan(row pgx.Row) (*SkillConfigRow, error) {
	var r SkillConfigRow
	var source string
	var statesJSON, fieldsJSON, secretsEnc []byte
	if err := row.Scan(&r.AgentID, &r.Skill, &r.OwnerID, &r.Enabled, &statesJSON, &source,
		&fieldsJSON, &secretsEnc, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.CredentialSource = skill.CredentialSource(source)
	if err := json.Unmarshal(statesJSON, &r.States); err != nil {
		return nil, fmt.Errorf("decode states: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &r.Fields); err != nil {
		return nil, fmt.Errorf("decode field values: %w", err)
	}
	secrets, err := s.openSecrets(secretsEnc)
	if err != nil {
		return nil, err
	}
	r.Secrets = secrets
	return &r, nil
}

func (s *Store) sealSecrets(secrets map[string]any) ([]byte, error) {
	if len(secrets) == 0 {
		return nil, nil
	}
	if s.cipher == nil {
		return nil, fmt.Errorf("encryption key not configured, refusing to store secrets")
	}
	data, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}
	return s.cipher.Encrypt(data)
}

func (s *Store) openSecrets(enc []byte) (map[string]any, error) {
	secrets := map[string]any{}
	if len(enc) == 0 {
		return secrets, nil
	}
	if s.cipher == nil {
		return nil, fmt.Errorf("encryption key not configured, cannot read secrets")
	}
	data, err := s.cipher.Decrypt(enc)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return secrets, nil
}

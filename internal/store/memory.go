package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory keeps configurations in process. It backs tests and deployments
// running without PostgreSQL.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]*SkillConfigRow
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*SkillConfigRow)}
}

func memKey(agentID, skillName string) string { return agentID + "\x00" + skillName }

func (m *Memory) SaveSkillConfig(_ context.Context, r *SkillConfigRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(r.AgentID, r.Skill)
	if prev, ok := m.rows[k]; ok && prev.OwnerID != r.OwnerID {
		return fmt.Errorf("save skill config %s/%s: %w", r.AgentID, r.Skill, ErrOwnerMismatch)
	}
	r.UpdatedAt = time.Now().UTC()
	m.rows[k] = r.clone()
	return nil
}

func (m *Memory) GetSkillConfig(_ context.Context, agentID, skillName string) (*SkillConfigRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[memKey(agentID, skillName)]
	if !ok {
		return nil, fmt.Errorf("get skill config %s/%s: %w", agentID, skillName, ErrNotFound)
	}
	return r.clone(), nil
}

func (m *Memory) ListSkillConfigs(_ context.Context, agentID string) ([]*SkillConfigRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SkillConfigRow
	for _, r := range m.rows {
		if r.AgentID == agentID {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out, nil
}

func (m *Memory) DeleteSkillConfig(_ context.Context, agentID, skillName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(agentID, skillName)
	if _, ok := m.rows[k]; !ok {
		return fmt.Errorf("delete skill config %s/%s: %w", agentID, skillName, ErrNotFound)
	}
	delete(m.rows, k)
	return nil
}

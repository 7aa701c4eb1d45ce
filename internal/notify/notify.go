// Package notify tells operators and owners when an agent's skill
// configuration changes. Notices never carry secret values.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
)

// Notifier delivers notices to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, n Notice) error
	Close() error
}

// Notice summarises an accepted configuration change.
type Notice struct {
	AgentID          string                 `json:"agent_id"`
	OwnerID          string                 `json:"owner_id"`
	Skill            string                 `json:"skill"`
	Version          string                 `json:"version"`
	Enabled          bool                   `json:"enabled"`
	Public           []string               `json:"public"`
	Private          []string               `json:"private"`
	CredentialSource skill.CredentialSource `json:"credential_source"`
	Time             time.Time              `json:"time"`
}

// NoticeFor builds the notice for an accepted configuration.
func NoticeFor(agentID, ownerID string, m *skill.Manifest, vc *skillconfig.ValidatedConfig) Notice {
	n := Notice{
		AgentID:          agentID,
		OwnerID:          ownerID,
		Skill:            m.Name,
		Version:          m.Version,
		Enabled:          vc.Enabled(),
		CredentialSource: vc.CredentialSource(),
		Time:             time.Now().UTC(),
	}
	for _, action := range m.ActionNames() {
		switch v, _ := vc.ActionState(action); v {
		case skill.VisibilityPublic:
			n.Public = append(n.Public, action)
		case skill.VisibilityPrivate:
			n.Private = append(n.Private, action)
		}
	}
	return n
}

// Text renders the notice for chat platforms.
func (n Notice) Text() string {
	state := "disabled"
	if n.Enabled {
		state = "enabled"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s updated skill %s (v%s): %s\n", n.AgentID, n.Skill, n.Version, state)
	fmt.Fprintf(&b, "Credentials: %s\n", n.CredentialSource)
	fmt.Fprintf(&b, "Public: %s\n", list(n.Public))
	fmt.Fprintf(&b, "Private: %s", list(n.Private))
	return b.String()
}

func list(actions []string) string {
	if len(actions) == 0 {
		return "none"
	}
	return strings.Join(actions, ", ")
}

// Hub fans notices out to every registered notifier.
type Hub struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	logger    *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{notifiers: make(map[string]Notifier), logger: logger}
}

// Register adds a notifier, replacing any for the same platform.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers[n.Platform()] = n
	h.logger.Info("registered notifier", zap.String("platform", n.Platform()))
}

// Notify delivers n everywhere and joins the failures.
func (h *Hub) Notify(ctx context.Context, n Notice) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var errs []error
	for platform, notifier := range h.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			h.logger.Error("notify failed", zap.String("platform", platform), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", platform, err))
		}
	}
	return errors.Join(errs...)
}

// Platforms lists registered platforms.
func (h *Hub) Platforms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.notifiers))
	for p := range h.notifiers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Close shuts down all notifiers.
func (h *Hub) Close() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for platform, n := range h.notifiers {
		if err := n.Close(); err != nil {
			h.logger.Error("notifier close failed", zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

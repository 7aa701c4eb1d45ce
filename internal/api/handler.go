package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nidhogg/skillgate/internal/gate"
	"github.com/nidhogg/skillgate/internal/notify"
	"github.com/nidhogg/skillgate/internal/permission"
	"github.com/nidhogg/skillgate/internal/ratelimit"
	"github.com/nidhogg/skillgate/internal/skill"
	"github.com/nidhogg/skillgate/internal/skillconfig"
	"github.com/nidhogg/skillgate/internal/store"
)

// The identity headers are trusted as set by the authenticating front end.
const (
	headerCaller = "X-Caller-ID"
	headerOwner  = "X-Owner-ID"
	maxBody      = 1 << 20
)

// ConfigStore persists agent skill configurations.
type ConfigStore interface {
	SaveSkillConfig(ctx context.Context, r *store.SkillConfigRow) error
	GetSkillConfig(ctx context.Context, agentID, skillName string) (*store.SkillConfigRow, error)
	ListSkillConfigs(ctx context.Context, agentID string) ([]*store.SkillConfigRow, error)
	DeleteSkillConfig(ctx context.Context, agentID, skillName string) error
}

// Publisher announces configuration changes to other processes.
type Publisher interface {
	Publish(ctx context.Context, agentID, skillName string) error
}

// Notifier delivers change notices.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	gate      *gate.Gate
	configs   ConfigStore
	publisher Publisher
	notifier  Notifier
	metrics   http.Handler
	logger    *zap.Logger
}

// NewHandler creates a new API handler. publisher, notifier and metrics
// may be nil.
func NewHandler(
	g *gate.Gate,
	configs ConfigStore,
	publisher Publisher,
	notifier Notifier,
	metrics http.Handler,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		gate:      g,
		configs:   configs,
		publisher: publisher,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerCaller, headerOwner},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/skills", h.listSkills)
		r.Get("/skills/{skill}", h.getSkill)
		r.Post("/skills/{skill}/validate", h.validateConfig)

		r.Get("/agents/{agentID}/skills", h.listAgentSkills)
		r.Route("/agents/{agentID}/skills/{skill}", func(r chi.Router) {
			r.Get("/", h.getAgentSkill)
			r.Put("/", h.updateAgentSkill)
			r.Delete("/", h.deleteAgentSkill)
			r.Get("/export", h.exportAgentSkill)
			r.Get("/tools", h.listTools)
			r.Post("/actions/{action}/check", h.checkAction)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "skillgate"})
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	manifests := h.gate.Manifests().All()
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	forms := make([]skill.Form, 0, len(manifests))
	for _, m := range manifests {
		forms = append(forms, m.Form())
	}
	writeJSON(w, http.StatusOK, forms)
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	m, err := h.gate.Manifests().Load(chi.URLParam(r, "skill"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Form())
}

type validateResponse struct {
	Valid            bool                   `json:"valid"`
	Enabled          bool                   `json:"enabled"`
	CredentialSource skill.CredentialSource `json:"credential_source"`
	Unknown          []string               `json:"unknown_fields,omitempty"`
}

func (h *Handler) validateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, ok := readConfig(w, r)
	if !ok {
		return
	}
	_, vc, err := h.gate.Validate(chi.URLParam(r, "skill"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:            true,
		Enabled:          vc.Enabled(),
		CredentialSource: vc.CredentialSource(),
		Unknown:          vc.Unknown(),
	})
}

type agentSkillSummary struct {
	Skill     string    `json:"skill"`
	OwnerID   string    `json:"owner_id"`
	Enabled   *bool     `json:"enabled,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *Handler) listAgentSkills(w http.ResponseWriter, r *http.Request) {
	rows, err := h.configs.ListSkillConfigs(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]agentSkillSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, agentSkillSummary{Skill: row.Skill, OwnerID: row.OwnerID, Enabled: row.Enabled, UpdatedAt: row.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type agentSkillView struct {
	OwnerID   string               `json:"owner_id"`
	UpdatedAt time.Time            `json:"updated_at"`
	Form      skill.Form           `json:"form"`
	Config    skillconfig.Exported `json:"config"`
}

func (h *Handler) getAgentSkill(w http.ResponseWriter, r *http.Request) {
	m, row, ok := h.loadAgentSkill(w, r)
	if !ok {
		return
	}
	cfg := row.Config()
	writeJSON(w, http.StatusOK, agentSkillView{
		OwnerID:   row.OwnerID,
		UpdatedAt: row.UpdatedAt,
		Form:      m.Form().WithValues(cfg.Fields),
		Config:    skillconfig.Export(m, cfg),
	})
}

func (h *Handler) updateAgentSkill(w http.ResponseWriter, r *http.Request) {
	agentID, skillName := chi.URLParam(r, "agentID"), chi.URLParam(r, "skill")
	ownerID := r.Header.Get(headerOwner)
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": headerOwner + " header is required"})
		return
	}
	cfg, ok := readConfig(w, r)
	if !ok {
		return
	}

	m, err := h.gate.Manifests().Load(skillName)
	if err != nil {
		writeError(w, err)
		return
	}

	prev, err := h.configs.GetSkillConfig(r.Context(), agentID, skillName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prev = nil
	case err != nil:
		writeError(w, err)
		return
	case prev.OwnerID != ownerID:
		writeError(w, store.ErrOwnerMismatch)
		return
	}
	if prev != nil {
		keepMaskedSecrets(m, cfg, prev)
	}

	_, vc, err := h.gate.Validate(skillName, cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	row := store.NewSkillConfigRow(agentID, ownerID, m, cfg)
	if err := h.configs.SaveSkillConfig(r.Context(), row); err != nil {
		writeError(w, err)
		return
	}
	h.changed(r.Context(), agentID, skillName)
	if h.notifier != nil {
		if err := h.notifier.Notify(r.Context(), notify.NoticeFor(agentID, ownerID, m, vc)); err != nil {
			h.logger.Warn("change notice not delivered", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	h.logger.Info("skill config updated",
		zap.String("agent_id", agentID),
		zap.String("skill", skillName),
		zap.Any("fields", skillconfig.Redact(m, vc.Fields())))

	writeJSON(w, http.StatusOK, agentSkillView{
		OwnerID:   ownerID,
		UpdatedAt: row.UpdatedAt,
		Form:      m.Form().WithValues(cfg.Fields),
		Config:    skillconfig.Export(m, cfg),
	})
}

func (h *Handler) deleteAgentSkill(w http.ResponseWriter, r *http.Request) {
	agentID, skillName := chi.URLParam(r, "agentID"), chi.URLParam(r, "skill")
	row, err := h.configs.GetSkillConfig(r.Context(), agentID, skillName)
	if err != nil {
		writeError(w, err)
		return
	}
	if row.OwnerID != r.Header.Get(headerOwner) {
		writeError(w, store.ErrOwnerMismatch)
		return
	}
	if err := h.configs.DeleteSkillConfig(r.Context(), agentID, skillName); err != nil {
		writeError(w, err)
		return
	}
	h.changed(r.Context(), agentID, skillName)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) exportAgentSkill(w http.ResponseWriter, r *http.Request) {
	m, row, ok := h.loadAgentSkill(w, r)
	if !ok {
		return
	}
	exp := skillconfig.Export(m, row.Config())
	if strings.Contains(r.Header.Get("Accept"), "yaml") {
		data, err := yaml.Marshal(exp)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	agentID, skillName := chi.URLParam(r, "agentID"), chi.URLParam(r, "skill")
	cfg, ownerID, err := h.storedConfig(r, agentID, skillName)
	if err != nil {
		writeError(w, err)
		return
	}
	tools, err := h.gate.Tools(agentID, ownerID, skillName, cfg, permission.Caller{ID: r.Header.Get(headerCaller)})
	if err != nil {
		writeError(w, err)
		return
	}
	if tools == nil {
		tools = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"skill": skillName, "actions": tools})
}

type checkResponse struct {
	Permitted bool                `json:"permitted"`
	Decision  permission.Decision `json:"decision"`
	Remaining int                 `json:"remaining"`
}

func (h *Handler) checkAction(w http.ResponseWriter, r *http.Request) {
	agentID, skillName := chi.URLParam(r, "agentID"), chi.URLParam(r, "skill")
	cfg, ownerID, err := h.storedConfig(r, agentID, skillName)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.gate.Check(r.Context(), gate.Request{
		AgentID: agentID,
		OwnerID: ownerID,
		Skill:   skillName,
		Action:  chi.URLParam(r, "action"),
		Caller:  permission.Caller{ID: r.Header.Get(headerCaller)},
		Config:  cfg,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Permitted: true, Decision: out.Decision, Remaining: out.Quota.Remaining})
}

// storedConfig returns the agent's stored configuration, or an empty one
// when the owner never configured the skill. The owner recorded with the
// configuration wins over the request header.
func (h *Handler) storedConfig(r *http.Request, agentID, skillName string) (*skillconfig.Config, string, error) {
	row, err := h.configs.GetSkillConfig(r.Context(), agentID, skillName)
	if errors.Is(err, store.ErrNotFound) {
		return skillconfig.FromMap(nil), r.Header.Get(headerOwner), nil
	}
	if err != nil {
		return nil, "", err
	}
	return row.Config(), row.OwnerID, nil
}

func (h *Handler) loadAgentSkill(w http.ResponseWriter, r *http.Request) (*skill.Manifest, *store.SkillConfigRow, bool) {
	m, err := h.gate.Manifests().Load(chi.URLParam(r, "skill"))
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	row, err := h.configs.GetSkillConfig(r.Context(), chi.URLParam(r, "agentID"), m.Name)
	if err != nil {
		writeError(w, err)
		return nil, nil, false
	}
	return m, row, true
}

// changed drops local cached decisions and tells other processes.
func (h *Handler) changed(ctx context.Context, agentID, skillName string) {
	h.gate.Invalidate(agentID, skillName)
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, agentID, skillName); err != nil {
		h.logger.Warn("invalidation not published",
			zap.String("agent_id", agentID),
			zap.String("skill", skillName),
			zap.Error(err))
	}
}

// keepMaskedSecrets replaces secrets submitted in their masked form with
// the stored value, so a form can be saved without re-entering keys.
func keepMaskedSecrets(m *skill.Manifest, cfg *skillconfig.Config, prev *store.SkillConfigRow) {
	for _, name := range m.SensitiveFields() {
		s, ok := cfg.Fields[name].(string)
		if !ok || !strings.HasPrefix(s, "****") {
			continue
		}
		if old, ok := prev.Secrets[name]; ok && skillconfig.MaskSecret(old) == s {
			cfg.Fields[name] = old
		}
	}
}

func readConfig(w http.ResponseWriter, r *http.Request) (*skillconfig.Config, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	cfg, err := skillconfig.Parse(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	return cfg, true
}

type errorResponse struct {
	Error    string                        `json:"error"`
	Category permission.Category           `json:"category"`
	Errors   []skillconfig.ValidationError `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Category: permission.CategoryNotFound})
		return
	case errors.Is(err, store.ErrOwnerMismatch):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "only the agent owner may change its skill configuration", Category: permission.CategoryAuthorization})
		return
	}

	cat := permission.Classify(err)
	resp := errorResponse{Error: err.Error(), Category: cat}
	status := http.StatusInternalServerError
	switch cat {
	case permission.CategoryConfiguration:
		status = http.StatusUnprocessableEntity
		var vf *skillconfig.ValidationFailed
		if errors.As(err, &vf) {
			resp.Errors = vf.Errors
		}
	case permission.CategoryAuthorization:
		status = http.StatusForbidden
	case permission.CategoryRateLimited:
		status = http.StatusTooManyRequests
		var d *ratelimit.Denied
		if errors.As(err, &d) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
	case permission.CategoryNotFound:
		status = http.StatusNotFound
	default:
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

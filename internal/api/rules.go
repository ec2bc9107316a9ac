package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/rules"
)

// RulesHandler manages correction rules. Pattern safety is enforced at
// write time so the pipeline never sees a rule it cannot apply.
type RulesHandler struct {
	db  *database.DB
	log zerolog.Logger
}

func NewRulesHandler(db *database.DB, log zerolog.Logger) *RulesHandler {
	return &RulesHandler{db: db, log: log.With().Str("handler", "rules").Logger()}
}

func (h *RulesHandler) Routes(r chi.Router) {
	r.Get("/workspaces/{workspaceID}/rules", h.List)
	r.Post("/workspaces/{workspaceID}/rules", h.Create)
	r.Post("/rules/global", h.CreateGlobal)
	r.Put("/rules/{ruleID}", h.Update)
	r.Delete("/rules/{ruleID}", h.Deactivate)
}

type ruleView struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Owner       string    `json:"owner,omitempty"`
	IsGlobal    bool      `json:"is_global"`
	Pattern     string    `json:"pattern"`
	Replacement string    `json:"replacement"`
	Scope       string    `json:"scope"`
	Anonymize   bool      `json:"anonymize"`
	Priority    int       `json:"priority"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRuleView(r *database.RuleRow) ruleView {
	return ruleView{
		ID:          r.ID.String(),
		WorkspaceID: r.WorkspaceID,
		Owner:       r.Owner,
		IsGlobal:    r.IsGlobal,
		Pattern:     r.Pattern,
		Replacement: r.Replacement,
		Scope:       r.Scope,
		Anonymize:   r.Anonymize,
		Priority:    r.Priority,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type ruleRequest struct {
	Owner       string `json:"owner"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Scope       string `json:"scope"`
	Anonymize   bool   `json:"anonymize"`
	Priority    int    `json:"priority"`
	Active      *bool  `json:"active"`
}

func (req *ruleRequest) validate() error {
	return rules.ValidatePattern(rules.Scope(req.Scope), req.Pattern)
}

func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.db.ListRules(r.Context(), workspaceID, page.Limit, page.Offset)
	if err != nil {
		WriteFault(w, err)
		return
	}
	views := make([]ruleView, 0, len(rows))
	for i := range rows {
		views = append(views, toRuleView(&rows[i]))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rules": views})
}

func (h *RulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, chi.URLParam(r, "workspaceID"), false)
}

// CreateGlobal registers a platform-wide rule, visible only to workspaces
// that opted in. Anonymize-flagged rules additionally require the source
// workspace's learning consent at apply time.
func (h *RulesHandler) CreateGlobal(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, database.GlobalWorkspace, true)
}

func (h *RulesHandler) create(w http.ResponseWriter, r *http.Request, workspaceID string, global bool) {
	var req ruleRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		WriteFault(w, err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	row := &database.RuleRow{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Owner:       strings.TrimSpace(req.Owner),
		IsGlobal:    global,
		Pattern:     req.Pattern,
		Replacement: req.Replacement,
		Scope:       req.Scope,
		Anonymize:   req.Anonymize,
		Priority:    req.Priority,
		Active:      active,
	}
	if err := h.db.InsertRule(r.Context(), row); err != nil {
		WriteFault(w, err)
		return
	}

	h.log.Info().Str("rule_id", row.ID.String()).Bool("global", global).Msg("rule created")
	WriteJSON(w, http.StatusCreated, toRuleView(row))
}

func (h *RulesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "ruleID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req ruleRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		WriteFault(w, err)
		return
	}

	row, err := h.db.GetRule(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}

	row.Pattern = req.Pattern
	row.Replacement = req.Replacement
	row.Scope = req.Scope
	row.Anonymize = req.Anonymize
	row.Priority = req.Priority
	if req.Active != nil {
		row.Active = *req.Active
	}

	if err := h.db.UpdateRule(r.Context(), row); err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toRuleView(row))
}

// Deactivate handles DELETE /rules/{ruleID}. Rules are soft-deleted:
// already-processed transcripts keep their recorded rule IDs meaningful.
func (h *RulesHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "ruleID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.DeactivateRule(r.Context(), id); err != nil {
		WriteFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/database"
)

// PoliciesHandler manages per-workspace retention policies. Policy edits
// apply to future jobs only; in-flight jobs keep their snapshot.
type PoliciesHandler struct {
	db  *database.DB
	log zerolog.Logger
}

func NewPoliciesHandler(db *database.DB, log zerolog.Logger) *PoliciesHandler {
	return &PoliciesHandler{db: db, log: log.With().Str("handler", "policies").Logger()}
}

func (h *PoliciesHandler) Routes(r chi.Router) {
	r.Get("/workspaces/{workspaceID}/policy", h.Get)
	r.Put("/workspaces/{workspaceID}/policy", h.Put)
}

type policyView struct {
	WorkspaceID            string    `json:"workspace_id"`
	RetentionDays          int       `json:"retention_days"`
	StoreMedia             bool      `json:"store_media"`
	StoreTranscript        bool      `json:"store_transcript"`
	AllowAnonymousLearning bool      `json:"allow_anonymous_learning"`
	GlobalRulesOptIn       bool      `json:"global_rules_opt_in"`
	UpdatedAt              time.Time `json:"updated_at,omitempty"`
}

func (h *PoliciesHandler) Get(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	p, err := h.db.GetPolicy(r.Context(), workspaceID)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, policyView{
		WorkspaceID:            p.WorkspaceID,
		RetentionDays:          p.RetentionDays,
		StoreMedia:             p.StoreMedia,
		StoreTranscript:        p.StoreTranscript,
		AllowAnonymousLearning: p.AllowAnonymousLearning,
		GlobalRulesOptIn:       p.GlobalRulesOptIn,
		UpdatedAt:              p.UpdatedAt,
	})
}

type policyRequest struct {
	RetentionDays          int  `json:"retention_days"`
	StoreMedia             bool `json:"store_media"`
	StoreTranscript        bool `json:"store_transcript"`
	AllowAnonymousLearning bool `json:"allow_anonymous_learning"`
	GlobalRulesOptIn       bool `json:"global_rules_opt_in"`
}

func (h *PoliciesHandler) Put(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	var req policyRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RetentionDays < 0 {
		WriteError(w, http.StatusBadRequest, "retention_days must be >= 0")
		return
	}

	row := &database.RetentionPolicyRow{
		WorkspaceID:            workspaceID,
		RetentionDays:          req.RetentionDays,
		StoreMedia:             req.StoreMedia,
		StoreTranscript:        req.StoreTranscript,
		AllowAnonymousLearning: req.AllowAnonymousLearning,
		GlobalRulesOptIn:       req.GlobalRulesOptIn,
	}
	if err := h.db.UpsertPolicy(r.Context(), row); err != nil {
		WriteFault(w, err)
		return
	}

	h.log.Info().Str("workspace_id", workspaceID).Int("retention_days", req.RetentionDays).Msg("policy updated")
	WriteJSON(w, http.StatusOK, policyView{
		WorkspaceID:            workspaceID,
		RetentionDays:          req.RetentionDays,
		StoreMedia:             req.StoreMedia,
		StoreTranscript:        req.StoreTranscript,
		AllowAnonymousLearning: req.AllowAnonymousLearning,
		GlobalRulesOptIn:       req.GlobalRulesOptIn,
	})
}

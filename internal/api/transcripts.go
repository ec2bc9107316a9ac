package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/database"
)

// TranscriptsHandler serves transcript reads, user edits, speaker
// aliasing, exports, and the audit chain endpoints. Every mutation here
// commits in one transaction with its audit event: a failed chain write
// rolls the mutation back, so the data can never run ahead of the trail.
type TranscriptsHandler struct {
	db    *database.DB
	audit *audit.Log
	log   zerolog.Logger
}

func NewTranscriptsHandler(db *database.DB, auditLog *audit.Log, log zerolog.Logger) *TranscriptsHandler {
	return &TranscriptsHandler{
		db:    db,
		audit: auditLog,
		log:   log.With().Str("handler", "transcripts").Logger(),
	}
}

func (h *TranscriptsHandler) Routes(r chi.Router) {
	r.Get("/transcripts/{transcriptID}", h.Get)
	r.Patch("/transcripts/{transcriptID}/segments/{index}", h.EditSegment)
	r.Put("/transcripts/{transcriptID}/speakers/{placeholder}", h.AssignSpeaker)
	r.Get("/transcripts/{transcriptID}/export", h.Export)
	r.Get("/transcripts/{transcriptID}/audit", h.ListAudit)
	r.Get("/transcripts/{transcriptID}/audit/verify", h.VerifyAudit)
}

type segmentView struct {
	Index        int             `json:"index"`
	Speaker      string          `json:"speaker"`
	StartMs      int64           `json:"start_ms"`
	EndMs        int64           `json:"end_ms"`
	Text         string          `json:"text"`
	BaselineText string          `json:"baseline_text"`
	Confidence   *float32        `json:"confidence,omitempty"`
	Words        json.RawMessage `json:"words,omitempty"`
	Changes      json.RawMessage `json:"changes,omitempty"`
	Edited       bool            `json:"edited"`
}

type transcriptView struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	JobID       string            `json:"job_id"`
	Language    string            `json:"language"`
	Models      map[string]string `json:"models"`
	DurationMs  int64             `json:"duration_ms"`
	Version     int               `json:"version"`
	PurgeAfter  *time.Time        `json:"purge_after,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Speakers    map[string]string `json:"speakers"`
	Segments    []segmentView     `json:"segments"`
}

func (h *TranscriptsHandler) load(r *http.Request) (*transcriptView, error) {
	id, err := PathUUID(r, "transcriptID")
	if err != nil {
		return nil, err
	}

	t, err := h.db.GetTranscript(r.Context(), id)
	if err != nil {
		return nil, err
	}
	segments, err := h.db.ListSegments(r.Context(), id)
	if err != nil {
		return nil, err
	}
	aliases, err := h.db.ListAliases(r.Context(), id)
	if err != nil {
		return nil, err
	}

	v := &transcriptView{
		ID:          t.ID.String(),
		WorkspaceID: t.WorkspaceID,
		JobID:       t.JobID.String(),
		Language:    t.Language,
		Models:      t.Models,
		DurationMs:  t.DurationMs,
		Version:     t.Version,
		PurgeAfter:  t.PurgeAfter,
		CreatedAt:   t.CreatedAt,
		Speakers:    aliases,
		Segments:    make([]segmentView, 0, len(segments)),
	}
	for _, s := range segments {
		v.Segments = append(v.Segments, segmentView{
			Index:        s.Index,
			Speaker:      s.Speaker,
			StartMs:      s.StartMs,
			EndMs:        s.EndMs,
			Text:         s.Text,
			BaselineText: s.BaselineText,
			Confidence:   s.Confidence,
			Words:        s.Words,
			Changes:      s.Changes,
			Edited:       s.Edited,
		})
	}
	return v, nil
}

func (h *TranscriptsHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.load(r)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

type editRequest struct {
	Text  string `json:"text"`
	Actor string `json:"actor"`
}

// EditSegment handles PATCH .../segments/{index}. The corrected text
// changes; the baseline never does, so the full edit history stays
// reconstructible from the audit chain.
func (h *TranscriptsHandler) EditSegment(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "transcriptID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	index, err := PathInt(r, "index")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid segment index")
		return
	}

	var req editRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteError(w, http.StatusBadRequest, "text must not be empty")
		return
	}

	segments, err := h.db.ListSegments(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}
	var before string
	found := false
	for _, s := range segments {
		if s.Index == index {
			before = s.Text
			found = true
			break
		}
	}
	if !found {
		WriteError(w, http.StatusNotFound, "segment not found")
		return
	}

	var version int
	if _, err := h.audit.AppendWith(r.Context(), id, audit.EventEdit, func(ctx context.Context) (any, error) {
		v, err := h.db.UpdateSegmentText(ctx, id, index, req.Text)
		if err != nil {
			return nil, err
		}
		version = v
		return map[string]any{
			"segment": index,
			"before":  before,
			"after":   req.Text,
			"actor":   req.Actor,
			"version": v,
		}, nil
	}); err != nil {
		WriteFault(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"version": version})
}

type aliasRequest struct {
	Alias string `json:"alias"`
	Actor string `json:"actor"`
}

// AssignSpeaker handles PUT .../speakers/{placeholder}. Aliases are
// display-level: segment rows keep the diarization placeholder.
func (h *TranscriptsHandler) AssignSpeaker(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "transcriptID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	placeholder := chi.URLParam(r, "placeholder")

	var req aliasRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Alias) == "" {
		WriteError(w, http.StatusBadRequest, "alias must not be empty")
		return
	}

	// The transcript must exist before an alias is attached.
	if _, err := h.db.GetTranscript(r.Context(), id); err != nil {
		WriteFault(w, err)
		return
	}

	var version int
	if _, err := h.audit.AppendWith(r.Context(), id, audit.EventSpeakerAssign, func(ctx context.Context) (any, error) {
		v, err := h.db.UpsertAlias(ctx, id, placeholder, req.Alias)
		if err != nil {
			return nil, err
		}
		version = v
		return map[string]any{
			"placeholder": placeholder,
			"alias":       req.Alias,
			"actor":       req.Actor,
			"version":     v,
		}, nil
	}); err != nil {
		WriteFault(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"version": version})
}

type exportSegment struct {
	Speaker string `json:"speaker"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

type exportView struct {
	TranscriptID string          `json:"transcript_id"`
	WorkspaceID  string          `json:"workspace_id"`
	Language     string          `json:"language"`
	Version      int             `json:"version"`
	ExportedAt   time.Time       `json:"exported_at"`
	Integrity    *audit.Summary  `json:"integrity"`
	Segments     []exportSegment `json:"segments"`
}

// Export handles GET .../export: the reviewed transcript with aliases
// applied, stamped with the chain integrity summary. A broken chain
// refuses to export.
func (h *TranscriptsHandler) Export(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "transcriptID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.db.GetTranscript(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}
	segments, err := h.db.ListSegments(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}
	aliases, err := h.db.ListAliases(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}

	// Verify before export; then record the export itself.
	summary, err := h.audit.Summarize(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}
	if _, err := h.audit.Append(r.Context(), id, audit.EventExport, map[string]any{
		"version":   t.Version,
		"head_hash": summary.HeadHash,
	}); err != nil {
		WriteFault(w, err)
		return
	}

	v := exportView{
		TranscriptID: t.ID.String(),
		WorkspaceID:  t.WorkspaceID,
		Language:     t.Language,
		Version:      t.Version,
		ExportedAt:   time.Now().UTC(),
		Integrity:    summary,
		Segments:     make([]exportSegment, 0, len(segments)),
	}
	for _, s := range segments {
		speaker := s.Speaker
		if alias, ok := aliases[s.Speaker]; ok {
			speaker = alias
		}
		v.Segments = append(v.Segments, exportSegment{
			Speaker: speaker,
			StartMs: s.StartMs,
			EndMs:   s.EndMs,
			Text:    s.Text,
		})
	}

	WriteJSON(w, http.StatusOK, v)
}

type auditEventView struct {
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	EventTime time.Time       `json:"event_time"`
	PrevHash  string          `json:"prev_hash"`
	CurrHash  string          `json:"curr_hash"`
}

func (h *TranscriptsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "transcriptID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.db.ListAuditEventsPage(r.Context(), id, page.Limit, page.Offset)
	if err != nil {
		WriteFault(w, err)
		return
	}

	views := make([]auditEventView, 0, len(events))
	for _, e := range events {
		views = append(views, auditEventView{
			Seq:       e.Seq,
			EventType: e.EventType,
			Payload:   e.Payload,
			EventTime: e.EventTime,
			PrevHash:  e.PrevHash,
			CurrHash:  e.CurrHash,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (h *TranscriptsHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "transcriptID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.audit.Verify(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}

	body := map[string]any{
		"ok":        res.OK,
		"events":    res.Events,
		"head_hash": res.HeadHash,
	}
	if !res.OK {
		body["bad_index"] = res.BadIndex
		body["reason"] = res.Reason
	}
	WriteJSON(w, http.StatusOK, body)
}

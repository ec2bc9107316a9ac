package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/intake"
)

// JobsHandler serves job submission, status, and cancellation.
type JobsHandler struct {
	db     *database.DB
	intake *intake.Intake
	log    zerolog.Logger
}

func NewJobsHandler(db *database.DB, in *intake.Intake, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		db:     db,
		intake: in,
		log:    log.With().Str("handler", "jobs").Logger(),
	}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/workspaces/{workspaceID}/jobs", h.Submit)
	r.Get("/jobs/{jobID}", h.Get)
	r.Post("/jobs/{jobID}/cancel", h.Cancel)
}

// jobView is the API shape of a job.
type jobView struct {
	ID               string                  `json:"id"`
	WorkspaceID      string                  `json:"workspace_id"`
	TranscriptID     string                  `json:"transcript_id"`
	OriginalFilename string                  `json:"original_filename"`
	Stage            string                  `json:"stage"`
	Status           string                  `json:"status"`
	Attempts         map[string]int          `json:"attempts"`
	LastError        *string                 `json:"last_error,omitempty"`
	ErrorClass       *string                 `json:"error_class,omitempty"`
	FailureEventSeq  *int64                  `json:"failure_event_seq,omitempty"`
	Policy           database.PolicySnapshot `json:"policy"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

func toJobView(j *database.JobRow) jobView {
	return jobView{
		ID:               j.ID.String(),
		WorkspaceID:      j.WorkspaceID,
		TranscriptID:     j.TranscriptID.String(),
		OriginalFilename: j.OriginalFilename,
		Stage:            j.Stage,
		Status:           j.Status,
		Attempts:         j.Attempts,
		LastError:        j.LastError,
		ErrorClass:       j.ErrorClass,
		FailureEventSeq:  j.FailureEventSeq,
		Policy:           j.Policy,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

// Submit handles POST /api/v1/workspaces/{workspaceID}/jobs.
// Accepts a multipart form with a "media" file field. The media is
// streamed into the store, never buffered whole.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	file, header, err := r.FormFile("media")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing media file field")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	contentType := header.Header.Get("Content-Type")
	job, err := h.intake.Submit(r.Context(), workspaceID, header.Filename, file, contentType)
	if err != nil {
		WriteFault(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, toJobView(job))
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "jobID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.db.GetJob(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, toJobView(job))
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel. Cancellation is
// cooperative: the flag is honored at the next stage boundary, and the
// running stage is allowed to finish.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "jobID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := h.db.MarkCancelRequested(r.Context(), id)
	if err != nil {
		WriteFault(w, err)
		return
	}
	if !ok {
		WriteError(w, http.StatusConflict, "job is already in a terminal state")
		return
	}

	h.log.Info().Str("job_id", id.String()).Msg("cancellation requested")
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

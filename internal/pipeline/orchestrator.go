package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/custody-engine/internal/audit"
	"github.com/snarg/custody-engine/internal/database"
	"github.com/snarg/custody-engine/internal/fault"
	"github.com/snarg/custody-engine/internal/metrics"
	"github.com/snarg/custody-engine/internal/rules"
)

// Store is the persistence surface the orchestrator drives jobs through.
// *database.DB implements it.
type Store interface {
	UpdateJobProgress(ctx context.Context, id uuid.UUID, stage, status string, attempts map[string]int) error
	SetJobFailure(ctx context.Context, id uuid.UUID, status, errClass, lastError string, failureEventSeq int64) error
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	InsertTranscript(ctx context.Context, t *database.TranscriptRow, segments []database.SegmentRow, aliases map[string]string) error
	SnapshotRules(ctx context.Context, workspaceID string, globalOptIn bool) ([]database.RuleRow, error)
}

// MediaSource reads and removes stored media objects.
type MediaSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// NotifyFunc publishes job lifecycle events (status pushes, operator
// alerts). May be nil.
type NotifyFunc func(event string, job *database.JobRow)

// Options configures the orchestrator.
type Options struct {
	Store   Store
	Audit   *audit.Log
	Media   MediaSource
	Engines Collaborators

	WorkDir string

	// MaxAttempts bounds transient retries per stage; it also bounds
	// retries of audit appends before declaring an integrity fault.
	MaxAttempts  int
	RetryBase    time.Duration
	StageTimeout time.Duration

	// Validation policy limits. Zero means unlimited.
	MaxDurationMs int64
	MaxSizeBytes  int64

	// GraceWindow delays purge for retention_days=0 workspaces until the
	// client has had a chance to fetch the result.
	GraceWindow time.Duration

	Notify NotifyFunc
	Log    zerolog.Logger
}

// Orchestrator drives one job at a time through the stage sequence. Many
// orchestrator invocations run concurrently across the worker pool; jobs
// share no mutable state except the audit log, which serializes per
// transcript internally.
type Orchestrator struct {
	store   Store
	audit   *audit.Log
	media   MediaSource
	engines Collaborators
	opts    Options
	log     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 10 * time.Minute
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 5 * time.Minute
	}
	return &Orchestrator{
		store:   opts.Store,
		audit:   opts.Audit,
		media:   opts.Media,
		engines: opts.Engines,
		opts:    opts,
		log:     opts.Log.With().Str("component", "pipeline").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jobState carries typed stage outputs through one run.
type jobState struct {
	job       *database.JobRow
	mediaPath string
	info      *MediaInfo
	norm      *NormalizeResult
	asr       *TranscribeResult
	alignment *AlignResult
	diar      *DiarizeResult
	speakers  []string
	segments  []database.SegmentRow
	models    map[string]string
}

// Run executes the full pipeline for one job. The returned error is
// informational for the worker pool; all durable outcomes (failed,
// cancelled, completed, integrity-halted) are already recorded by the time
// it returns.
func (o *Orchestrator) Run(ctx context.Context, job *database.JobRow) error {
	log := o.log.With().Str("job_id", job.ID.String()).Logger()
	if job.Attempts == nil {
		job.Attempts = map[string]int{}
	}
	st := &jobState{job: job, models: map[string]string{}}
	defer o.cleanupWorkFiles(st)

	job.Status = string(StatusRunning)

	lastCompleted := StagePending
	for _, stage := range stageOrder {
		cancelled, err := o.store.IsCancelRequested(ctx, job.ID)
		if err != nil {
			log.Warn().Err(err).Msg("cancel flag read failed, continuing")
		}
		if cancelled {
			return o.cancelJob(ctx, st, lastCompleted)
		}

		job.Stage = string(stage)
		if err := o.store.UpdateJobProgress(ctx, job.ID, job.Stage, job.Status, job.Attempts); err != nil {
			log.Error().Err(err).Str("stage", string(stage)).Msg("progress write failed")
			return o.haltIntegrity(ctx, st, fault.Integrity("persist progress", err))
		}

		if err := o.runStage(ctx, st, stage); err != nil {
			return err // already recorded
		}
		lastCompleted = stage
	}

	return o.completeJob(ctx, st)
}

// runStage executes one stage with bounded retries. Every attempt outcome
// is audited before the orchestrator moves on: availability is subordinate
// to the integrity of the trail.
func (o *Orchestrator) runStage(ctx context.Context, st *jobState, stage Stage) error {
	job := st.job
	log := o.log.With().Str("job_id", job.ID.String()).Str("stage", string(stage)).Logger()

	// One stage_start per stage entry; retries of the same stage are
	// covered by their stage_retry events.
	if _, aerr := o.appendAudit(ctx, job.TranscriptID, audit.EventStageStart, map[string]any{
		"job_id": job.ID.String(),
		"stage":  string(stage),
	}); aerr != nil {
		return o.haltIntegrity(ctx, st, aerr)
	}

	for {
		job.Attempts[string(stage)]++
		attempt := job.Attempts[string(stage)]

		stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
		start := o.now()
		err := o.executeStage(stageCtx, st, stage)
		cancel()
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(o.now().Sub(start).Seconds())

		if err == nil {
			if _, aerr := o.appendAudit(ctx, job.TranscriptID, audit.EventStageComplete, map[string]any{
				"job_id":  job.ID.String(),
				"stage":   string(stage),
				"attempt": attempt,
			}); aerr != nil {
				return o.haltIntegrity(ctx, st, aerr)
			}
			return nil
		}

		// Deadline overruns on an external engine are transient by policy.
		if errors.Is(err, context.DeadlineExceeded) {
			err = fault.Transient(string(stage), err)
		}

		if fault.IsValidation(err) {
			return o.failJob(ctx, st, stage, err)
		}
		if !fault.IsTransient(err) {
			return o.failJob(ctx, st, stage, err)
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("stage attempt failed")
		metrics.StageRetriesTotal.WithLabelValues(string(stage)).Inc()
		if _, aerr := o.appendAudit(ctx, job.TranscriptID, audit.EventStageRetry, map[string]any{
			"job_id":  job.ID.String(),
			"stage":   string(stage),
			"attempt": attempt,
			"error":   err.Error(),
		}); aerr != nil {
			return o.haltIntegrity(ctx, st, aerr)
		}

		if attempt >= o.opts.MaxAttempts {
			return o.failJob(ctx, st, stage, err)
		}
		if serr := o.sleep(ctx, o.backoff(attempt)); serr != nil {
			return o.failJob(ctx, st, stage, fault.Transient("backoff interrupted", serr))
		}
	}
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.opts.RetryBase << (attempt - 1)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// appendAudit writes one audit event, retrying transient store failures
// with the same bounded backoff as stage retries. Exhaustion escalates to
// an integrity fault: the log itself never retries.
func (o *Orchestrator) appendAudit(ctx context.Context, transcriptID uuid.UUID, eventType string, payload any) (*database.AuditEventRow, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		ev, err := o.audit.Append(ctx, transcriptID, eventType, payload)
		if err == nil {
			return ev, nil
		}
		lastErr = err
		if !fault.IsTransient(err) {
			break
		}
		if attempt < o.opts.MaxAttempts {
			if serr := o.sleep(ctx, o.backoff(attempt)); serr != nil {
				break
			}
		}
	}
	metrics.AuditAppendFailuresTotal.Inc()
	return nil, fault.Integrity("audit append "+eventType, lastErr)
}

// haltIntegrity leaves the job in its last durably-recorded state and
// raises the fault on the operator channel. Progress resumes only after
// operator intervention; the chain of custody is a legal requirement, not
// an optimization.
func (o *Orchestrator) haltIntegrity(ctx context.Context, st *jobState, err error) error {
	o.log.Error().Err(err).
		Str("job_id", st.job.ID.String()).
		Str("stage", st.job.Stage).
		Msg("INTEGRITY FAULT: job halted, operator attention required")
	metrics.IntegrityFaultsTotal.Inc()
	o.notify("integrity_halt", st.job)
	return err
}

func (o *Orchestrator) failJob(ctx context.Context, st *jobState, stage Stage, cause error) error {
	job := st.job
	class := fault.Class(cause)

	ev, aerr := o.appendAudit(ctx, job.TranscriptID, audit.EventJobFailed, map[string]any{
		"job_id":      job.ID.String(),
		"stage":       string(stage),
		"attempts":    job.Attempts[string(stage)],
		"error":       cause.Error(),
		"error_class": class,
	})
	if aerr != nil {
		return o.haltIntegrity(ctx, st, aerr)
	}

	if err := o.store.SetJobFailure(ctx, job.ID, string(StatusFailed), class, cause.Error(), ev.Seq); err != nil {
		return o.haltIntegrity(ctx, st, fault.Integrity("persist failure", err))
	}
	job.Status = string(StatusFailed)

	o.log.Warn().
		Str("job_id", job.ID.String()).
		Str("stage", string(stage)).
		Str("class", class).
		Err(cause).
		Msg("job failed")
	metrics.JobsTotal.WithLabelValues("failed").Inc()
	o.notify("job_failed", job)
	return cause
}

func (o *Orchestrator) cancelJob(ctx context.Context, st *jobState, lastCompleted Stage) error {
	job := st.job
	msg := fmt.Sprintf("cancelled after stage %s", lastCompleted)

	ev, aerr := o.appendAudit(ctx, job.TranscriptID, audit.EventJobCancelled, map[string]any{
		"job_id":      job.ID.String(),
		"after_stage": string(lastCompleted),
	})
	if aerr != nil {
		return o.haltIntegrity(ctx, st, aerr)
	}

	if err := o.store.SetJobFailure(ctx, job.ID, string(StatusCancelled), "", msg, ev.Seq); err != nil {
		return o.haltIntegrity(ctx, st, fault.Integrity("persist cancellation", err))
	}
	job.Status = string(StatusCancelled)

	o.log.Info().Str("job_id", job.ID.String()).Str("after_stage", string(lastCompleted)).Msg("job cancelled")
	metrics.JobsTotal.WithLabelValues("cancelled").Inc()
	o.notify("job_cancelled", job)
	return nil
}

func (o *Orchestrator) completeJob(ctx context.Context, st *jobState) error {
	job := st.job

	if _, aerr := o.appendAudit(ctx, job.TranscriptID, audit.EventComplete, map[string]any{
		"job_id":        job.ID.String(),
		"transcript_id": job.TranscriptID.String(),
		"language":      st.asr.Language,
		"segments":      len(st.segments),
		"duration_ms":   st.asr.DurationMs,
	}); aerr != nil {
		return o.haltIntegrity(ctx, st, aerr)
	}

	job.Status = string(StatusCompleted)
	if err := o.store.UpdateJobProgress(ctx, job.ID, job.Stage, job.Status, job.Attempts); err != nil {
		return o.haltIntegrity(ctx, st, fault.Integrity("persist completion", err))
	}

	o.log.Info().
		Str("job_id", job.ID.String()).
		Str("transcript_id", job.TranscriptID.String()).
		Int("segments", len(st.segments)).
		Msg("job completed")
	metrics.JobsTotal.WithLabelValues("completed").Inc()
	o.notify("job_completed", job)
	return nil
}

func (o *Orchestrator) notify(event string, job *database.JobRow) {
	if o.opts.Notify != nil {
		o.opts.Notify(event, job)
	}
}

func (o *Orchestrator) cleanupWorkFiles(st *jobState) {
	if st.mediaPath != "" {
		os.Remove(st.mediaPath)
	}
	if st.norm != nil && st.norm.AudioPath != "" && st.norm.AudioPath != st.mediaPath {
		os.Remove(st.norm.AudioPath)
	}
}

// executeStage dispatches one stage body. Bodies return classified errors;
// unclassified errors are treated as terminal.
func (o *Orchestrator) executeStage(ctx context.Context, st *jobState, stage Stage) error {
	switch stage {
	case StageValidating:
		return o.stageValidate(ctx, st)
	case StageNormalizing:
		return o.stageNormalize(ctx, st)
	case StageTranscribing:
		return o.stageTranscribe(ctx, st)
	case StageAligning:
		return o.stageAlign(ctx, st)
	case StageDiarizing:
		return o.stageDiarize(ctx, st)
	case StagePostProcessing:
		return o.stagePostProcess(ctx, st)
	case StageFinalizing:
		return o.stageFinalize(ctx, st)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

// stageValidate materializes the media into the work area and rejects
// input the pipeline can never process. Validation failures are terminal.
func (o *Orchestrator) stageValidate(ctx context.Context, st *jobState) error {
	if st.mediaPath == "" {
		path, err := o.materialize(ctx, st.job)
		if err != nil {
			return err
		}
		st.mediaPath = path
	}

	info, err := o.engines.Prober.Probe(ctx, st.mediaPath)
	if err != nil {
		return err
	}

	switch {
	case !info.HasAudio:
		return fault.Validation("media has no audio track")
	case info.DurationMs <= 0:
		return fault.Validation("media has zero duration")
	case o.opts.MaxDurationMs > 0 && info.DurationMs > o.opts.MaxDurationMs:
		return fault.Validation("duration %dms exceeds policy limit %dms", info.DurationMs, o.opts.MaxDurationMs)
	case o.opts.MaxSizeBytes > 0 && info.SizeBytes > o.opts.MaxSizeBytes:
		return fault.Validation("size %dB exceeds policy limit %dB", info.SizeBytes, o.opts.MaxSizeBytes)
	}

	st.info = info
	return nil
}

func (o *Orchestrator) materialize(ctx context.Context, job *database.JobRow) (string, error) {
	rc, err := o.media.Open(ctx, job.MediaKey)
	if err != nil {
		return "", fault.Transient("open media", err)
	}
	defer rc.Close()

	if err := os.MkdirAll(o.opts.WorkDir, 0o755); err != nil {
		return "", fault.Transient("work dir", err)
	}
	path := filepath.Join(o.opts.WorkDir, job.ID.String()+filepath.Ext(job.MediaKey))
	f, err := os.Create(path)
	if err != nil {
		return "", fault.Transient("create work file", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(path)
		return "", fault.Transient("copy media", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fault.Transient("close work file", err)
	}
	return path, nil
}

func (o *Orchestrator) stageNormalize(ctx context.Context, st *jobState) error {
	res, err := o.engines.Normalizer.Normalize(ctx, st.mediaPath)
	if err != nil {
		return err
	}
	st.norm = res
	return nil
}

func (o *Orchestrator) stageTranscribe(ctx context.Context, st *jobState) error {
	res, err := o.engines.Transcriber.Transcribe(ctx, st.norm.AudioPath)
	if err != nil {
		return err
	}
	if len(res.Segments) == 0 {
		return fault.Validation("transcription produced no segments")
	}
	st.asr = res
	st.models["transcribe"] = res.Model
	return nil
}

func (o *Orchestrator) stageAlign(ctx context.Context, st *jobState) error {
	res, err := o.engines.Aligner.Align(ctx, st.norm.AudioPath, st.asr.Segments)
	if err != nil {
		return err
	}
	if len(res.Words) != len(st.asr.Segments) {
		return fault.Transient("align", fmt.Errorf("engine returned %d word lists for %d segments", len(res.Words), len(st.asr.Segments)))
	}
	st.alignment = res
	st.models["align"] = res.Model
	return nil
}

func (o *Orchestrator) stageDiarize(ctx context.Context, st *jobState) error {
	res, err := o.engines.Diarizer.Diarize(ctx, st.norm.AudioPath)
	if err != nil {
		return err
	}
	st.diar = res
	st.models["diarize"] = res.Model
	st.speakers = assignSpeakers(st.asr.Segments, res.Turns)
	return nil
}

// stagePostProcess snapshots the applicable rule set once, then applies
// the correction engine to every segment from its baseline text. The
// snapshot makes concurrent rule edits invisible to this run.
func (o *Orchestrator) stagePostProcess(ctx context.Context, st *jobState) error {
	job := st.job

	ruleRows, err := o.store.SnapshotRules(ctx, job.WorkspaceID, job.Policy.GlobalRulesOptIn)
	if err != nil {
		return fault.Transient("snapshot rules", err)
	}
	ruleSet := toEngineRules(ruleRows)

	segments := make([]database.SegmentRow, 0, len(st.asr.Segments))
	for i, raw := range st.asr.Segments {
		res := rules.Apply(rules.Input{
			Baseline:       raw.Text,
			Speaker:        st.speakers[i],
			Rules:          ruleSet,
			GlobalOptIn:    job.Policy.GlobalRulesOptIn,
			AllowAnonymize: job.Policy.AllowAnonymousLearning,
		})

		words, err := json.Marshal(st.alignment.Words[i])
		if err != nil {
			return fmt.Errorf("marshal words: %w", err)
		}
		changes, err := json.Marshal(res.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}

		conf := raw.Confidence
		segments = append(segments, database.SegmentRow{
			TranscriptID: job.TranscriptID,
			Index:        i,
			Speaker:      res.Speaker,
			StartMs:      raw.StartMs,
			EndMs:        raw.EndMs,
			Text:         res.Text,
			BaselineText: raw.Text,
			Confidence:   &conf,
			Words:        words,
			Changes:      changes,
		})
	}

	st.segments = segments
	return nil
}

// stageFinalize checks the ordering invariants, persists the transcript
// aggregate per retention policy, and releases media that must not
// outlive processing.
func (o *Orchestrator) stageFinalize(ctx context.Context, st *jobState) error {
	job := st.job

	if err := checkSegmentInvariants(st.segments, st.alignment); err != nil {
		return err
	}

	if job.Policy.StoreTranscript {
		purge := o.purgeDeadline(job.Policy)
		t := &database.TranscriptRow{
			ID:          job.TranscriptID,
			WorkspaceID: job.WorkspaceID,
			JobID:       job.ID,
			Language:    st.asr.Language,
			Models:      st.models,
			DurationMs:  st.asr.DurationMs,
			Version:     1,
			PurgeAfter:  purge,
		}
		if err := o.store.InsertTranscript(ctx, t, st.segments, map[string]string{}); err != nil {
			return fault.Transient("insert transcript", err)
		}
	}

	if !job.Policy.StoreMedia {
		if err := o.media.Remove(ctx, job.MediaKey); err != nil {
			return fault.Transient("remove media", err)
		}
	}
	return nil
}

func (o *Orchestrator) purgeDeadline(p database.PolicySnapshot) *time.Time {
	var t time.Time
	if p.RetentionDays <= 0 {
		t = o.now().Add(o.opts.GraceWindow)
	} else {
		t = o.now().Add(time.Duration(p.RetentionDays) * 24 * time.Hour)
	}
	t = t.UTC()
	return &t
}

// checkSegmentInvariants enforces the ordering guarantees promised to
// downstream consumers: segments ordered by start time with end > start,
// word spans inside their segment and non-decreasing.
func checkSegmentInvariants(segments []database.SegmentRow, alignment *AlignResult) error {
	var prevStart int64 = -1
	for i, s := range segments {
		if s.EndMs <= s.StartMs {
			return fault.Validation("segment %d: end %dms not after start %dms", i, s.EndMs, s.StartMs)
		}
		if s.StartMs < prevStart {
			return fault.Validation("segment %d: starts at %dms before previous segment", i, s.StartMs)
		}
		prevStart = s.StartMs

		var prevWordStart int64 = -1
		for j, w := range alignment.Words[i] {
			if w.StartMs < s.StartMs || w.EndMs > s.EndMs {
				return fault.Validation("segment %d word %d: span [%d,%d]ms outside segment [%d,%d]ms",
					i, j, w.StartMs, w.EndMs, s.StartMs, s.EndMs)
			}
			if w.StartMs < prevWordStart {
				return fault.Validation("segment %d word %d: non-monotonic start", i, j)
			}
			prevWordStart = w.StartMs
		}
	}
	return nil
}

func toEngineRules(rows []database.RuleRow) []rules.Rule {
	out := make([]rules.Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, rules.Rule{
			ID:          r.ID.String(),
			Owner:       r.Owner,
			Global:      r.IsGlobal,
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
			Scope:       rules.Scope(r.Scope),
			Anonymize:   r.Anonymize,
			Priority:    r.Priority,
			Active:      r.Active,
		})
	}
	return out
}

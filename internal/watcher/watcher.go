// Package watcher monitors an inbox directory for dropped media and
// submits jobs for them. This is an alternative intake path for bulk
// imports that bypasses the HTTP upload endpoint but not the pipeline or
// the audit chain.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Submitter accepts an inbox file as a new job. The workspace comes from
// the first-level directory under the inbox root.
type Submitter interface {
	SubmitFile(ctx context.Context, workspaceID, path string) error
}

var mediaExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
}

// InboxWatcher watches {inbox}/{workspace_id}/ for new media files.
type InboxWatcher struct {
	submitter Submitter
	inboxDir  string
	log       zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file and
	// wait for the upload to finish.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesSubmitted atomic.Int64
	filesSkipped   atomic.Int64
}

const settleDelay = 2 * time.Second

func NewInboxWatcher(submitter Submitter, inboxDir string, log zerolog.Logger) *InboxWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &InboxWatcher{
		submitter:      submitter,
		inboxDir:       inboxDir,
		log:            log.With().Str("component", "inbox").Logger(),
		ctx:            ctx,
		cancel:         cancel,
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start initializes the fsnotify watcher over the inbox tree and submits
// any files already present.
func (w *InboxWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	dirCount := 0
	err = filepath.WalkDir(w.inboxDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking inbox")
			return nil
		}
		if d.IsDir() {
			if addErr := fsw.Add(path); addErr != nil {
				w.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.log.Info().Int("directories", dirCount).Str("inbox", w.inboxDir).Msg("inbox watcher initialized")

	w.wg.Add(1)
	go w.watchLoop()
	go w.scanExisting()
	return nil
}

func (w *InboxWatcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
	w.log.Info().
		Int64("files_submitted", w.filesSubmitted.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("inbox watcher stopped")
}

func (w *InboxWatcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New workspace directory: add it to the watch set.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				}
				continue
			}

			if !mediaExts[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			w.scheduleSubmit(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleSubmit debounces submission until the file stops changing, so a
// large upload is not ingested half-written.
func (w *InboxWatcher) scheduleSubmit(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(settleDelay)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(settleDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.submit(path)
	})
}

func (w *InboxWatcher) submit(path string) {
	workspace := w.workspaceFor(path)
	if workspace == "" {
		w.filesSkipped.Add(1)
		w.log.Warn().Str("path", path).Msg("file outside a workspace directory, skipped")
		return
	}

	if err := w.submitter.SubmitFile(w.ctx, workspace, path); err != nil {
		w.filesSkipped.Add(1)
		w.log.Warn().Err(err).Str("path", path).Msg("inbox submission failed")
		return
	}

	w.filesSubmitted.Add(1)
	// The file was copied into the media store by the submitter; the
	// inbox copy is now redundant.
	if err := os.Remove(path); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to remove ingested inbox file")
	}
}

// scanExisting submits media already sitting in the inbox at startup.
func (w *InboxWatcher) scanExisting() {
	_ = filepath.WalkDir(w.inboxDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !mediaExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		select {
		case <-w.ctx.Done():
			return filepath.SkipAll
		default:
		}
		w.scheduleSubmit(path)
		return nil
	})
}

// workspaceFor derives the workspace from the first path element under the
// inbox root: {inbox}/{workspace_id}/file.wav.
func (w *InboxWatcher) workspaceFor(path string) string {
	rel, err := filepath.Rel(w.inboxDir, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || parts[0] == "" || parts[0] == ".." {
		return ""
	}
	return parts[0]
}

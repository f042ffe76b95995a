// Package worker runs the single inference consumer. One goroutine
// owns the GPU: it drains the ingestion queue in FIFO order, runs
// vision OCR per page, and commits results through the sidecar store
// before handing files to the archive.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/busy"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/llm"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/queue"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/sidecar"
)

// Generator is the slice of the inference client the worker needs.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) string
}

// Tagger swaps the retro-processing tags on archived documents.
type Tagger interface {
	PatchDocument(ctx context.Context, id int, fields map[string]any) error
	AddTag(ctx context.Context, docID int, name string) error
	RemoveTag(ctx context.Context, docID int, name string) error
}

type Config struct {
	IntakeDir string
	OCRPrompt string
}

type Worker struct {
	cfg      Config
	queue    *queue.Queue
	gen      Generator
	flag     *busy.Flag
	sidecars *sidecar.Store
	tagger   Tagger
	logger   *slog.Logger

	// lastActivity feeds the idle supervisor, which reads it from its
	// own goroutine.
	lastActivity atomic.Int64
}

func New(cfg Config, q *queue.Queue, gen Generator, flag *busy.Flag, sidecars *sidecar.Store, tagger Tagger, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		cfg:      cfg,
		queue:    q,
		gen:      gen,
		flag:     flag,
		sidecars: sidecars,
		tagger:   tagger,
		logger:   logger,
	}
	w.lastActivity.Store(time.Now().UnixNano())
	return w
}

// LastActivity reports when the worker last finished a job.
func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load())
}

// Run consumes jobs until ctx is cancelled. It never processes two
// jobs concurrently; that is the whole point.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker.started")
	for {
		job, ok := w.queue.Dequeue(ctx)
		if !ok {
			w.logger.Info("worker.stopped")
			return
		}
		if err := w.safeProcess(ctx, job); err != nil {
			w.logger.Error("worker.job.failed", "uid", job.UID, "file", job.OriginalFilename, "error", err)
			w.recover(job)
		}
		w.queue.TaskDone()
		w.lastActivity.Store(time.Now().UnixNano())
		if w.queue.Empty() {
			// Queue drained: lift the busy flag so text work can use
			// the primary again.
			w.flag.Clear()
		}
	}
}

// safeProcess contains a panicking job. The worker goroutine is the
// pipeline's only consumer; a single bad job must fail like any other
// error, not take the daemon down with the busy flag still set.
func (w *Worker) safeProcess(ctx context.Context, job queue.IngestJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job queue.IngestJob) error {
	start := time.Now()
	w.logger.Info("worker.job.start", "uid", job.UID, "file", job.OriginalFilename, "pages", len(job.Pages))

	content := w.readPages(ctx, job)

	if job.RetroTargetID != 0 {
		if err := w.finishRetro(ctx, job, content); err != nil {
			return err
		}
	} else {
		if err := w.finishIngest(job, content); err != nil {
			return err
		}
	}

	os.RemoveAll(job.WorkDir)
	w.logger.Info("worker.job.done", "uid", job.UID, "duration", time.Since(start))
	return nil
}

// readPages runs vision OCR over the job's pages under the busy flag.
// A page the model cannot read yields a sentinel line instead of
// aborting the whole document.
func (w *Worker) readPages(ctx context.Context, job queue.IngestJob) string {
	w.flag.Set()
	parts := make([]string, 0, len(job.Pages))
	for i, page := range job.Pages {
		text := w.gen.Generate(ctx, llm.GenerateRequest{
			Prompt: w.cfg.OCRPrompt,
			Images: []string{page},
		})
		if strings.TrimSpace(text) == "" {
			w.logger.Warn("worker.page.unreadable", "uid", job.UID, "page", i+1)
			text = constants.SentinelOCRError
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

// finishIngest commits a watched-folder job: sidecar first, then the
// staged file moves to the archive's intake. The order matters; a
// crash between the two steps leaves both artifact and staged file for
// recovery to reconcile, never a consumed file without its artifact.
func (w *Worker) finishIngest(job queue.IngestJob, content string) error {
	art := sidecar.Artifact{
		UID:              job.UID,
		OriginalFilename: job.OriginalFilename,
		AIContent:        content,
		ScanDate:         float64(job.SubmittedAt.UnixNano()) / float64(time.Second),
	}
	if job.DuplicateHint != nil {
		art.DuplicateInfo = &sidecar.DuplicateInfo{
			OriginalID: job.DuplicateHint.OriginalID,
			Similarity: job.DuplicateHint.Similarity,
		}
	}
	if err := w.sidecars.Write(art); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := archive.MoveToIntake(job.StagedPath, w.cfg.IntakeDir, job.OriginalFilename); err != nil {
		// The artifact must not outlive a staged file that never made
		// it to intake, or the next run would pair it with nothing.
		w.sidecars.Purge(job.UID)
		return fmt.Errorf("move to intake: %w", err)
	}
	return nil
}

// finishRetro commits a reprocessing job for a document that already
// lives in the archive: content is patched in place and the request
// tag cycle completes.
func (w *Worker) finishRetro(ctx context.Context, job queue.IngestJob, content string) error {
	if err := w.tagger.PatchDocument(ctx, job.RetroTargetID, map[string]any{"content": content}); err != nil {
		return fmt.Errorf("patch content: %w", err)
	}
	if err := w.tagger.RemoveTag(ctx, job.RetroTargetID, constants.TagRetroProcessing); err != nil {
		w.logger.Warn("worker.retro.untag_failed", "doc_id", job.RetroTargetID, "error", err)
	}
	if err := w.tagger.AddTag(ctx, job.RetroTargetID, constants.TagRetroDone); err != nil {
		w.logger.Warn("worker.retro.tag_failed", "doc_id", job.RetroTargetID, "error", err)
	}
	if job.StagedPath != "" {
		os.Remove(job.StagedPath)
	}
	w.logger.Info("worker.retro.done", "doc_id", job.RetroTargetID, "chars", len(content))
	return nil
}

// recover salvages a failed job: the workdir is disposable, the staged
// original is not. Moving it to intake unprocessed means the archive
// still ingests the document, just without AI content.
func (w *Worker) recover(job queue.IngestJob) {
	w.flag.Clear()
	os.RemoveAll(job.WorkDir)
	if job.RetroTargetID != 0 {
		w.revertRetroClaim(job.RetroTargetID)
		if job.StagedPath != "" {
			os.Remove(job.StagedPath)
		}
		return
	}
	if job.StagedPath == "" {
		return
	}
	if _, err := os.Stat(job.StagedPath); err != nil {
		return
	}
	if err := archive.MoveToIntake(job.StagedPath, w.cfg.IntakeDir, job.OriginalFilename); err != nil {
		w.logger.Error("worker.salvage.failed", "uid", job.UID, "error", err)
	} else {
		w.logger.Warn("worker.salvage.unprocessed", "uid", job.UID, "file", job.OriginalFilename)
	}
}

// revertRetroClaim puts a failed reprocessing job back in the request
// state so the next poll picks it up again.
func (w *Worker) revertRetroClaim(docID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.tagger.RemoveTag(ctx, docID, constants.TagRetroProcessing); err != nil {
		w.logger.Warn("worker.retro.revert_failed", "doc_id", docID, "error", err)
	}
	if err := w.tagger.AddTag(ctx, docID, constants.TagRetroRequested); err != nil {
		w.logger.Warn("worker.retro.revert_failed", "doc_id", docID, "error", err)
	}
}

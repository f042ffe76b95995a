// Package retro reprocesses documents that already live in the
// archive. Users request a rerun by tagging a document; the poller
// picks it up, downloads the original and feeds it through the same
// queue as fresh scans.
package retro

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/queue"
)

type Archive interface {
	ListDocumentsByTag(ctx context.Context, name string) ([]archive.Document, error)
	GetDocumentMetadata(ctx context.Context, id int) (*archive.Metadata, error)
	DownloadDocument(ctx context.Context, id int, dst string) error
	AddTag(ctx context.Context, docID int, name string) error
	RemoveTag(ctx context.Context, docID int, name string) error
}

type PageRenderer interface {
	RenderPages(ctx context.Context, src, workDir string) ([]extract.Page, error)
}

type Config struct {
	StagingDir string
	WorkRoot   string
	Interval   time.Duration
}

type Poller struct {
	cfg    Config
	arch   Archive
	pages  PageRenderer
	queue  *queue.Queue
	logger *slog.Logger
}

func NewPoller(cfg Config, arch Archive, pages PageRenderer, q *queue.Queue, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Poller{cfg: cfg, arch: arch, pages: pages, queue: q, logger: logger}
}

// Run polls for tagged documents until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll enqueues every document currently carrying the request tag.
func (p *Poller) Poll(ctx context.Context) {
	docs, err := p.arch.ListDocumentsByTag(ctx, constants.TagRetroRequested)
	if err != nil {
		p.logger.Error("retro.list.failed", "error", err)
		return
	}
	for _, doc := range docs {
		if ctx.Err() != nil {
			return
		}
		if err := p.enqueue(ctx, doc); err != nil {
			p.logger.Error("retro.enqueue.failed", "doc_id", doc.ID, "error", err)
			p.revert(ctx, doc.ID)
		}
	}
}

func (p *Poller) enqueue(ctx context.Context, doc archive.Document) error {
	// Claim the document first; a second poll (or a second instance)
	// must not pick it up again.
	if err := p.arch.RemoveTag(ctx, doc.ID, constants.TagRetroRequested); err != nil {
		return fmt.Errorf("claim document: %w", err)
	}
	if err := p.arch.AddTag(ctx, doc.ID, constants.TagRetroProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	uid := doc.Checksum
	ext := ".pdf"
	if md, err := p.arch.GetDocumentMetadata(ctx, doc.ID); err == nil && md != nil {
		if md.OriginalChecksum != "" {
			uid = md.OriginalChecksum
		}
		if e := filepath.Ext(md.MediaFilename); e != "" {
			ext = e
		}
	}
	if uid == "" {
		uid = fmt.Sprintf("retro-%d", doc.ID)
	}

	staged := filepath.Join(p.cfg.StagingDir, uid+ext)
	if err := p.arch.DownloadDocument(ctx, doc.ID, staged); err != nil {
		return fmt.Errorf("download original: %w", err)
	}

	workDir := filepath.Join(p.cfg.WorkRoot, constants.WorkDirPrefix+uid)
	pages, err := p.pages.RenderPages(ctx, staged, workDir)
	if err != nil {
		os.RemoveAll(workDir)
		os.Remove(staged)
		return fmt.Errorf("render pages: %w", err)
	}

	imgs := make([]string, len(pages))
	for i, pg := range pages {
		imgs[i] = pg.Base64
	}
	p.queue.Enqueue(queue.IngestJob{
		UID:              uid,
		OriginalFilename: doc.Title,
		StagedPath:       staged,
		WorkDir:          workDir,
		Pages:            imgs,
		RetroTargetID:    doc.ID,
		SubmittedAt:      time.Now(),
	})
	p.logger.Info("retro.enqueued", "doc_id", doc.ID, "pages", len(imgs))
	return nil
}

// revert puts a failed claim back so the request is not silently lost.
func (p *Poller) revert(ctx context.Context, docID int) {
	if err := p.arch.RemoveTag(ctx, docID, constants.TagRetroProcessing); err != nil {
		p.logger.Warn("retro.revert.untag_failed", "doc_id", docID, "error", err)
	}
	if err := p.arch.AddTag(ctx, docID, constants.TagRetroRequested); err != nil {
		p.logger.Warn("retro.revert.retag_failed", "doc_id", docID, "error", err)
	}
}

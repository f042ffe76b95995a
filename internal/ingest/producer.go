package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/dedup"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/queue"
)

// Archive is the slice of the archive client the producer needs for
// binary duplicate checks.
type Archive interface {
	GetDocumentByChecksum(ctx context.Context, checksum string) (*archive.Document, error)
	VerifyPhysicalFile(ctx context.Context, id int) (bool, error)
}

// PageSource renders pages and extracts embedded text.
type PageSource interface {
	RenderPages(ctx context.Context, src, workDir string) ([]extract.Page, error)
	RawText(ctx context.Context, src string) (string, error)
}

type Config struct {
	WatchDir   string
	StagingDir string
	WorkRoot   string
	IntakeDir  string

	// Settle is how long a file must sit unmodified before it is
	// picked up, so half-written scanner uploads are left alone.
	Settle time.Duration

	HintThreshold float64
	MinContentLen int
}

type Producer struct {
	cfg    Config
	pages  PageSource
	arch   Archive
	embed  dedup.Embedder
	index  dedup.Searcher
	queue  *queue.Queue
	logger *slog.Logger
}

func NewProducer(cfg Config, pages PageSource, arch Archive, embed dedup.Embedder, index dedup.Searcher, q *queue.Queue, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	return &Producer{cfg: cfg, pages: pages, arch: arch, embed: embed, index: index, queue: q, logger: logger}
}

// Run sweeps the watched directory until ctx is cancelled.
func (p *Producer) Run(ctx context.Context, interval time.Duration) {
	NewScanner(p.cfg.WatchDir, interval, p.logger).Run(ctx, p.Sweep)
}

// Sweep ingests every settled, supported file currently in the watched
// directory, oldest first.
func (p *Producer) Sweep(ctx context.Context) {
	files, err := p.candidates()
	if err != nil {
		p.logger.Error("ingest.sweep.failed", "dir", p.cfg.WatchDir, "error", err)
		return
	}
	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		if err := p.ingest(ctx, path); err != nil {
			p.logger.Error("ingest.file.failed", "file", filepath.Base(path), "error", err)
			p.failSafe(path)
		}
	}
}

func (p *Producer) candidates() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.WatchDir)
	if err != nil {
		return nil, err
	}
	type cand struct {
		path string
		mod  time.Time
	}
	var cands []cand
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := constants.NormalizeExt(filepath.Ext(e.Name()))
		if _, ok := constants.AllowedExtensions[ext]; !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		// Still being written; the next sweep picks it up.
		if now.Sub(info.ModTime()) < p.cfg.Settle {
			continue
		}
		cands = append(cands, cand{path: filepath.Join(p.cfg.WatchDir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.Before(cands[j].mod) })

	paths := make([]string, len(cands))
	for i, c := range cands {
		paths[i] = c.path
	}
	return paths, nil
}

func (p *Producer) ingest(ctx context.Context, path string) error {
	uid, err := fileMD5(path)
	if err != nil {
		// Unreadable on our side means unreadable for the archive's
		// consumer too; park it instead of handing it over.
		p.moveToError(path)
		return fmt.Errorf("hash file: %w", err)
	}
	name := filepath.Base(path)
	log := p.logger.With("file", name, "uid", uid)

	// Exact binary duplicate: the archive already holds this content.
	if dup, ghost := p.binaryDuplicate(ctx, uid, log); dup {
		return p.moveToDuplicates(path, name)
	} else if ghost {
		log.Info("ingest.ghost_entry", "msg", "archive entry without physical file, reingesting")
	}

	hint := p.duplicateHint(ctx, path, log)

	workDir := filepath.Join(p.cfg.WorkRoot, constants.WorkDirPrefix+uid)
	pages, err := p.pages.RenderPages(ctx, path, workDir)
	if err != nil {
		os.RemoveAll(workDir)
		return fmt.Errorf("render pages: %w", err)
	}

	staged := filepath.Join(p.cfg.StagingDir, uid+filepath.Ext(path))
	if err := os.Rename(path, staged); err != nil {
		os.RemoveAll(workDir)
		return fmt.Errorf("stage file: %w", err)
	}

	imgs := make([]string, len(pages))
	for i, pg := range pages {
		imgs[i] = pg.Base64
	}
	p.queue.Enqueue(queue.IngestJob{
		UID:              uid,
		OriginalFilename: name,
		StagedPath:       staged,
		WorkDir:          workDir,
		Pages:            imgs,
		DuplicateHint:    hint,
		SubmittedAt:      time.Now(),
	})
	log.Info("ingest.enqueued", "pages", len(imgs), "hint", hint != nil, "depth", p.queue.Depth())
	return nil
}

// binaryDuplicate reports (duplicate, ghost): duplicate when the
// archive holds this exact content with its file intact, ghost when
// the index entry exists but the file behind it is gone.
func (p *Producer) binaryDuplicate(ctx context.Context, uid string, log *slog.Logger) (bool, bool) {
	doc, err := p.arch.GetDocumentByChecksum(ctx, uid)
	if err != nil {
		log.Warn("ingest.checksum_lookup.failed", "error", err)
		return false, false
	}
	if doc == nil {
		return false, false
	}
	ok, err := p.arch.VerifyPhysicalFile(ctx, doc.ID)
	if err != nil {
		log.Warn("ingest.verify.failed", "doc_id", doc.ID, "error", err)
		return false, false
	}
	if ok {
		log.Info("ingest.binary_duplicate", "doc_id", doc.ID)
		return true, false
	}
	return false, true
}

// duplicateHint runs the cheap text path: embedded PDF text, one
// embedding on the fallback host, one vector query. A strong hit rides
// along in the job so the post-consume hook can skip its own search.
// Every failure just means no hint.
func (p *Producer) duplicateHint(ctx context.Context, path string, log *slog.Logger) *queue.DuplicateHint {
	if p.embed == nil || p.index == nil {
		return nil
	}
	text, err := p.pages.RawText(ctx, path)
	if err != nil || len(text) < p.cfg.MinContentLen {
		return nil
	}
	vec, err := p.embed.Embeddings(ctx, text)
	if err != nil {
		log.Debug("ingest.hint.embed_failed", "error", err)
		return nil
	}
	hits, err := p.index.Query(ctx, vec, 1, p.cfg.HintThreshold, 0)
	if err != nil {
		log.Debug("ingest.hint.query_failed", "error", err)
		return nil
	}
	if len(hits) == 0 {
		return nil
	}
	log.Info("ingest.hint", "original", hits[0].DocID, "similarity", hits[0].Certainty)
	return &queue.DuplicateHint{OriginalID: hits[0].DocID, Similarity: hits[0].Certainty}
}

func (p *Producer) moveToDuplicates(path, name string) error {
	dir := filepath.Join(p.cfg.WatchDir, constants.DuplicatesDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create duplicates dir: %w", err)
	}
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(dir, time.Now().Format("20060102-150405")+"_"+name)
	}
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move to duplicates: %w", err)
	}
	p.logger.Info("ingest.duplicate_parked", "file", name)
	return nil
}

func (p *Producer) moveToError(path string) {
	name := filepath.Base(path)
	dir := filepath.Join(p.cfg.WatchDir, constants.ErrorDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.logger.Error("ingest.error_park.failed", "file", name, "error", err)
		return
	}
	if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
		p.logger.Error("ingest.error_park.failed", "file", name, "error", err)
		return
	}
	p.logger.Warn("ingest.error_parked", "file", name)
}

// failSafe hands an unprocessable file straight to the archive's
// intake. The document loses its AI content, never its existence.
func (p *Producer) failSafe(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := archive.MoveToIntake(path, p.cfg.IntakeDir, filepath.Base(path)); err != nil {
		p.logger.Error("ingest.failsafe.failed", "file", filepath.Base(path), "error", err)
	} else {
		p.logger.Warn("ingest.failsafe.unprocessed", "file", filepath.Base(path))
	}
}

// fileMD5 is the content uid. MD5 matches the checksum the archive
// stores for its documents, which makes uid equality a direct archive
// lookup.
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package recovery reconciles on-disk state after a crash. Everything
// the pipeline does is staged on the filesystem, so a restart only has
// to look at three places: leftover work directories, staged files and
// their sidecar artifacts.
package recovery

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/busy"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/queue"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/sidecar"
)

type Archive interface {
	GetDocumentByChecksum(ctx context.Context, checksum string) (*archive.Document, error)
	VerifyPhysicalFile(ctx context.Context, id int) (bool, error)
}

type PageRenderer interface {
	RenderPages(ctx context.Context, src, workDir string) ([]extract.Page, error)
}

type Config struct {
	StagingDir string
	WorkRoot   string
	IntakeDir  string
}

type Manager struct {
	cfg      Config
	arch     Archive
	pages    PageRenderer
	sidecars *sidecar.Store
	queue    *queue.Queue
	flag     *busy.Flag
	logger   *slog.Logger
}

func NewManager(cfg Config, arch Archive, pages PageRenderer, sidecars *sidecar.Store, q *queue.Queue, flag *busy.Flag, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, arch: arch, pages: pages, sidecars: sidecars, queue: q, flag: flag, logger: logger}
}

// Run reconciles leftover state. It is called once at startup, before
// the producer and the worker start.
func (m *Manager) Run(ctx context.Context) error {
	m.clearBusyFlag()
	m.purgeWorkDirs()
	return m.reconcileStaged(ctx)
}

// clearBusyFlag removes a marker left behind by a crash mid-batch. No
// vision work is running at startup, so a set flag can only be stale;
// honoring it would route every text request to the fallback forever.
func (m *Manager) clearBusyFlag() {
	if m.flag == nil {
		return
	}
	if m.flag.IsSet() {
		m.logger.Warn("recovery.busy_flag.stale")
	}
	m.flag.Clear()
}

// purgeWorkDirs removes job-scoped working directories. Their contents
// are rebuildable from the staged originals, so deletion is always safe.
func (m *Manager) purgeWorkDirs() {
	entries, err := os.ReadDir(m.cfg.WorkRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("recovery.workdirs.unreadable", "dir", m.cfg.WorkRoot, "error", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), constants.WorkDirPrefix) {
			continue
		}
		path := filepath.Join(m.cfg.WorkRoot, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("recovery.workdir.purge_failed", "dir", path, "error", err)
		} else {
			m.logger.Info("recovery.workdir.purged", "dir", e.Name())
		}
	}
}

// reconcileStaged decides the fate of every staged file:
//
//   - already in the archive with its file intact: a ghost of a job
//     that completed; the staged copy and its sidecar are removed
//   - sidecar present: inference finished, only the intake move was
//     lost; complete it without re-running inference
//   - otherwise: the crash hit mid-inference; re-render and enqueue
func (m *Manager) reconcileStaged(ctx context.Context) error {
	entries, err := os.ReadDir(m.cfg.StagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read staging dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := m.reconcileFile(ctx, e.Name()); err != nil {
			m.logger.Error("recovery.staged.failed", "file", e.Name(), "error", err)
		}
	}
	return nil
}

func (m *Manager) reconcileFile(ctx context.Context, name string) error {
	path := filepath.Join(m.cfg.StagingDir, name)
	uid := strings.TrimSuffix(name, filepath.Ext(name))

	// The filename carries the uid, but the content is the truth.
	if sum, err := fileMD5(path); err == nil && sum != uid {
		m.logger.Warn("recovery.staged.uid_mismatch", "file", name, "recomputed", sum)
		uid = sum
	}
	log := m.logger.With("uid", uid, "file", name)

	if doc, err := m.arch.GetDocumentByChecksum(ctx, uid); err != nil {
		log.Warn("recovery.checksum_lookup.failed", "error", err)
	} else if doc != nil {
		if ok, err := m.arch.VerifyPhysicalFile(ctx, doc.ID); err == nil && ok {
			log.Info("recovery.staged.ghost", "doc_id", doc.ID)
			m.sidecars.Purge(uid)
			return os.Remove(path)
		}
	}

	if m.sidecars.Exists(uid) {
		originalName := m.originalName(uid, name)
		if err := archive.MoveToIntake(path, m.cfg.IntakeDir, originalName); err != nil {
			return fmt.Errorf("complete intake move: %w", err)
		}
		log.Info("recovery.staged.completed", "file", originalName)
		return nil
	}

	return m.requeue(ctx, path, uid, log)
}

// originalName recovers the user-facing filename from the sidecar
// without consuming it; consumption stays reserved for the hook.
func (m *Manager) originalName(uid, fallback string) string {
	art, err := m.sidecars.Peek(uid)
	if err == nil && art != nil && art.OriginalFilename != "" {
		return art.OriginalFilename
	}
	return fallback
}

// requeue re-renders a staged file and puts it back on the queue. The
// pre-inference duplicate hint is not recomputed; the post-consume
// cascade covers it.
func (m *Manager) requeue(ctx context.Context, path, uid string, log *slog.Logger) error {
	workDir := filepath.Join(m.cfg.WorkRoot, constants.WorkDirPrefix+uid)
	pages, err := m.pages.RenderPages(ctx, path, workDir)
	if err != nil {
		os.RemoveAll(workDir)
		// Unrenderable even on the second try: hand it to the archive
		// unprocessed instead of wedging recovery forever.
		if mvErr := archive.MoveToIntake(path, m.cfg.IntakeDir, filepath.Base(path)); mvErr != nil {
			return fmt.Errorf("render failed (%v), intake fallback failed: %w", err, mvErr)
		}
		log.Warn("recovery.staged.unprocessed", "error", err)
		return nil
	}

	imgs := make([]string, len(pages))
	for i, pg := range pages {
		imgs[i] = pg.Base64
	}
	m.queue.Enqueue(queue.IngestJob{
		UID:              uid,
		OriginalFilename: filepath.Base(path),
		StagedPath:       path,
		WorkDir:          workDir,
		Pages:            imgs,
		SubmittedAt:      time.Now(),
	})
	log.Info("recovery.staged.requeued", "pages", len(imgs))
	return nil
}

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

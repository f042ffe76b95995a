package vector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
)

// IndexStore is the slice of the index the janitor needs.
type IndexStore interface {
	ListIDs(ctx context.Context) ([]int, error)
	Delete(ctx context.Context, docID int) error
}

// DocumentChecker resolves a document id against the archive.
type DocumentChecker interface {
	GetDocument(ctx context.Context, id int) (*archive.Document, error)
}

// Janitor drops index entries whose documents have been deleted from
// the archive, so deleted originals stop appearing as candidates.
type Janitor struct {
	index  IndexStore
	docs   DocumentChecker
	logger *slog.Logger
}

func NewJanitor(index IndexStore, docs DocumentChecker, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{index: index, docs: docs, logger: logger}
}

// Run sweeps on the given interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Warn("vector.janitor.failed", "error", err)
			}
		}
	}
}

// Sweep checks every indexed id and removes the orphans. Archive
// errors other than a missing document leave the entry alone.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	ids, err := j.index.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		_, err := j.docs.GetDocument(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, archive.ErrNotFound) {
			j.logger.Debug("vector.janitor.check_failed", "doc_id", id, "error", err)
			continue
		}
		if err := j.index.Delete(ctx, id); err != nil {
			j.logger.Warn("vector.janitor.delete_failed", "doc_id", id, "error", err)
			continue
		}
		j.logger.Info("vector.janitor.removed", "doc_id", id)
		removed++
	}
	return removed, nil
}

package enrich

import (
	"context"
	"log/slog"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/dedup"
)

// Duplicates confirms and marks duplicates. When the ingestion
// pipeline already produced a hint, the expensive search is skipped
// and only the marking runs.
type Duplicates struct {
	engine *dedup.Engine
	marker *dedup.Marker
	logger *slog.Logger
}

func NewDuplicates(engine *dedup.Engine, marker *dedup.Marker, logger *slog.Logger) *Duplicates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Duplicates{engine: engine, marker: marker, logger: logger}
}

func (d *Duplicates) Name() string { return "duplicate_detector" }

func (d *Duplicates) Process(ctx context.Context, doc *Document) error {
	if doc.Hint != nil {
		d.logger.Info("enrich.duplicates.hint", "doc_id", doc.ID, "original", doc.Hint.OriginalID)
		return d.marker.Mark(ctx, doc.ID, dedup.Match{
			OriginalID: doc.Hint.OriginalID,
			Similarity: doc.Hint.Similarity,
		})
	}

	match, err := d.engine.Confirm(ctx, doc.ID, doc.Content)
	if err != nil {
		return err
	}
	if match == nil {
		return nil
	}
	return d.marker.Mark(ctx, doc.ID, *match)
}

package dedup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
)

// ArchiveWriter is the slice of the archive client the marker needs.
type ArchiveWriter interface {
	GetDocument(ctx context.Context, id int) (*archive.Document, error)
	AddNote(ctx context.Context, id int, note string) error
	AddTag(ctx context.Context, docID int, name string) error
	CompareLink(newID, origID int) string
}

// Marker flags a confirmed duplicate in the archive with a note and
// the duplicate tag. The document is kept; a human decides deletion.
type Marker struct {
	arch   ArchiveWriter
	logger *slog.Logger
}

func NewMarker(arch ArchiveWriter, logger *slog.Logger) *Marker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Marker{arch: arch, logger: logger}
}

func (m *Marker) Mark(ctx context.Context, docID int, match Match) error {
	title := fmt.Sprintf("Dokument #%d", match.OriginalID)
	if orig, err := m.arch.GetDocument(ctx, match.OriginalID); err == nil && orig != nil && orig.Title != "" {
		title = orig.Title
	}

	note := fmt.Sprintf(
		"Mögliches Duplikat!\nOriginal: %s (ID: %d)\nÄhnlichkeit: %.0f%%\n\nVergleichslink:\n%s",
		title, match.OriginalID, match.Similarity*100, m.arch.CompareLink(docID, match.OriginalID))

	if err := m.arch.AddNote(ctx, docID, note); err != nil {
		m.logger.Warn("dedup.note.failed", "doc_id", docID, "error", err)
	}
	if err := m.arch.AddTag(ctx, docID, constants.TagDuplicate); err != nil {
		return fmt.Errorf("tag duplicate %d: %w", docID, err)
	}
	m.logger.Info("dedup.marked", "doc_id", docID, "original", match.OriginalID)
	return nil
}

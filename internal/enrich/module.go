// Package enrich holds the post-consume modules that run on every
// freshly archived document: duplicate confirmation, metadata
// extraction and content summarization.
package enrich

import (
	"context"
	"log/slog"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/sidecar"
)

// Document is the unit the modules operate on: the archived document
// plus whatever the watchdog already knows about it.
type Document struct {
	ID      int
	Title   string
	Content string

	// Hint is a pre-confirmed duplicate candidate carried over from
	// the ingestion pipeline, nil when there is none.
	Hint *sidecar.DuplicateInfo
}

// Module is one enrichment step. Modules must tolerate each other's
// absence and failures; they see the document as the archive stored it.
type Module interface {
	Name() string
	Process(ctx context.Context, doc *Document) error
}

// Pipeline runs modules in order. A failing module is logged and
// skipped; later modules still run. The archive's consumption must
// never be blocked by enrichment trouble.
type Pipeline struct {
	modules []Module
	logger  *slog.Logger
}

func NewPipeline(logger *slog.Logger, modules ...Module) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{modules: modules, logger: logger}
}

func (p *Pipeline) Run(ctx context.Context, doc *Document) {
	for _, m := range p.modules {
		if err := m.Process(ctx, doc); err != nil {
			p.logger.Error("enrich.module.failed", "module", m.Name(), "doc_id", doc.ID, "error", err)
			continue
		}
		p.logger.Debug("enrich.module.ok", "module", m.Name(), "doc_id", doc.ID)
	}
}

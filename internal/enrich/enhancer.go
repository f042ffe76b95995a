package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/llm"
)

// NoteWriter attaches notes to archived documents.
type NoteWriter interface {
	AddNote(ctx context.Context, id int, note string) error
}

const defaultSummaryPrompt = `Fasse das folgende Dokument in zwei bis drei Sätzen zusammen.
Nenne Absender, Zweck und die wichtigsten Daten. Antworte nur mit der Zusammenfassung.`

// minSummaryLen skips documents whose content is shorter than any
// useful summary would be.
const minSummaryLen = 200

// Enhancer writes a short model-generated summary as a note. Summaries
// are text-only requests, so while the GPU is busy with vision work
// they run on the fallback host.
type Enhancer struct {
	gen    Generator
	notes  NoteWriter
	prompt string
	logger *slog.Logger
}

func NewEnhancer(gen Generator, notes NoteWriter, prompt string, logger *slog.Logger) *Enhancer {
	if logger == nil {
		logger = slog.Default()
	}
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	return &Enhancer{gen: gen, notes: notes, prompt: prompt, logger: logger}
}

func (e *Enhancer) Name() string { return "content_enhancer" }

func (e *Enhancer) Process(ctx context.Context, doc *Document) error {
	if len(doc.Content) < minSummaryLen {
		return nil
	}
	text := doc.Content
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	summary := strings.TrimSpace(e.gen.Generate(ctx, llm.GenerateRequest{
		Prompt: e.prompt + "\n\n" + text,
	}))
	if summary == "" {
		return fmt.Errorf("model returned nothing")
	}
	if err := e.notes.AddNote(ctx, doc.ID, "Zusammenfassung: "+summary); err != nil {
		return fmt.Errorf("add summary note: %w", err)
	}
	e.logger.Info("enrich.summary.added", "doc_id", doc.ID, "chars", len(summary))
	return nil
}

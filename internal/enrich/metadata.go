package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/llm"
)

// metadataSchema is what the model must produce. Everything is
// optional; the extractor only patches what the model is sure about.
var metadataSchema = llm.MustCompileOutputSchema(map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":         map[string]any{"type": "string", "minLength": 1},
		"created":       map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
		"correspondent": map[string]any{"type": "string"},
		"document_type": map[string]any{"type": "string"},
		"tags": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"additionalProperties": false,
})

type extractedMetadata struct {
	Title         string   `json:"title"`
	Created       string   `json:"created"`
	Correspondent string   `json:"correspondent"`
	DocumentType  string   `json:"document_type"`
	Tags          []string `json:"tags"`
}

// MetadataArchive is the slice of the archive client the extractor
// patches through.
type MetadataArchive interface {
	PatchDocument(ctx context.Context, id int, fields map[string]any) error
	EnsureCorrespondent(ctx context.Context, name string) (int, error)
	EnsureDocumentType(ctx context.Context, name string) (int, error)
	AddTag(ctx context.Context, docID int, name string) error
}

type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) string
}

// Metadata derives title, date, correspondent, type and tags from the
// document text and writes them back to the archive.
type Metadata struct {
	gen    Generator
	arch   MetadataArchive
	prompt string
	logger *slog.Logger
}

const defaultMetadataPrompt = `Analysiere den folgenden Dokumenttext und extrahiere die Metadaten.
Antworte ausschließlich mit einem JSON-Objekt mit den Feldern
title, created (YYYY-MM-DD), correspondent, document_type und tags.
Lasse Felder weg, bei denen du nicht sicher bist.`

// maxPromptChars caps the text handed to the model; metadata lives on
// the first pages anyway.
const maxPromptChars = 4000

func NewMetadata(gen Generator, arch MetadataArchive, prompt string, logger *slog.Logger) *Metadata {
	if logger == nil {
		logger = slog.Default()
	}
	if prompt == "" {
		prompt = defaultMetadataPrompt
	}
	return &Metadata{gen: gen, arch: arch, prompt: prompt, logger: logger}
}

func (m *Metadata) Name() string { return "metadata_extractor" }

func (m *Metadata) Process(ctx context.Context, doc *Document) error {
	if strings.TrimSpace(doc.Content) == "" {
		return nil
	}
	text := doc.Content
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	out := m.gen.Generate(ctx, llm.GenerateRequest{
		Prompt: m.prompt + "\n\n" + text,
		Format: "json",
	})
	if out == "" {
		return fmt.Errorf("model returned nothing")
	}

	raw := llm.ExtractJSON(out)
	if err := metadataSchema.Check(raw); err != nil {
		return fmt.Errorf("metadata rejected: %w", err)
	}
	var md extractedMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	fields := make(map[string]any)
	if t := strings.TrimSpace(md.Title); t != "" {
		fields["title"] = t
	}
	if md.Created != "" {
		if _, err := time.Parse("2006-01-02", md.Created); err == nil {
			fields["created"] = md.Created
		} else {
			m.logger.Warn("enrich.metadata.bad_date", "doc_id", doc.ID, "created", md.Created)
		}
	}
	if name := strings.TrimSpace(md.Correspondent); name != "" {
		if id, err := m.arch.EnsureCorrespondent(ctx, name); err == nil {
			fields["correspondent"] = id
		} else {
			m.logger.Warn("enrich.metadata.correspondent_failed", "doc_id", doc.ID, "name", name, "error", err)
		}
	}
	if name := strings.TrimSpace(md.DocumentType); name != "" {
		if id, err := m.arch.EnsureDocumentType(ctx, name); err == nil {
			fields["document_type"] = id
		} else {
			m.logger.Warn("enrich.metadata.type_failed", "doc_id", doc.ID, "name", name, "error", err)
		}
	}

	if len(fields) > 0 {
		if err := m.arch.PatchDocument(ctx, doc.ID, fields); err != nil {
			return fmt.Errorf("patch metadata: %w", err)
		}
	}
	for _, tag := range md.Tags {
		if tag = strings.TrimSpace(tag); tag == "" {
			continue
		}
		if err := m.arch.AddTag(ctx, doc.ID, tag); err != nil {
			m.logger.Warn("enrich.metadata.tag_failed", "doc_id", doc.ID, "tag", tag, "error", err)
		}
	}
	m.logger.Info("enrich.metadata.applied", "doc_id", doc.ID, "fields", len(fields), "tags", len(md.Tags))
	return nil
}

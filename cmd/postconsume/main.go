// Command postconsume runs as the archive's post-consume hook. It
// pairs the freshly ingested document with the sidecar artifact the
// watchdog staged for it, applies the AI content and runs the
// enrichment modules. It always exits 0; a broken hook must never
// block the archive's consumption pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/busy"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/config"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/dedup"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/enrich"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/llm"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/logging"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/runtime"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/sidecar"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/vector"
)

func main() {
	// Exit code 0 no matter what happens inside, panics included.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "postconsume: recovered: %v\n", r)
		}
	}()
	run()
}

func run() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	docID, err := documentID()
	if err != nil {
		logger.Error("postconsume.args.invalid", "error", err)
		return
	}
	log := logger.With("doc_id", docID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	arch := archive.NewClient(archive.Config{
		BaseURL:   cfg.Archive.URL,
		PublicURL: cfg.Archive.PublicURL,
		Token:     cfg.Archive.Token,
		MediaRoot: cfg.Archive.MediaRoot,
	}, logger)

	doc, err := arch.GetDocument(ctx, docID)
	if err != nil {
		log.Error("postconsume.document.fetch_failed", "error", err)
		return
	}

	flag := busy.NewFlag(cfg.Watchdog.BusyFlagPath, logger)
	containers := runtime.NewManager(cfg.Inference.DockerSocket, logger)
	gen := llm.NewClient(llm.Config{
		PrimaryHost:       cfg.Inference.PrimaryURL,
		FallbackHost:      cfg.Inference.FallbackURL,
		VisionModel:       cfg.Inference.VisionModel,
		SummaryModel:      cfg.Inference.SummaryModel,
		EmbeddingModel:    cfg.Inference.EmbeddingModel,
		PrimaryContainer:  cfg.Inference.PrimaryContainer,
		FallbackContainer: cfg.Inference.FallbackContainer,
		RetryBackoff:      cfg.Inference.RetryBackoff,
		Timeout:           cfg.Inference.Timeout,
		EmbeddingTimeout:  cfg.Inference.EmbeddingTimeout,
	}, flag, containers, logger)

	store := sidecar.NewStore(cfg.Watchdog.SidecarDir, logger)
	content, hint := applyArtifact(ctx, cfg, store, arch, gen, doc, log)

	var index *vector.Index
	if idx, err := vector.NewIndex(vector.Config{
		Host:   cfg.Vector.Host,
		Scheme: cfg.Vector.Scheme,
		Class:  cfg.Vector.Class,
	}, logger); err != nil {
		log.Warn("postconsume.vector.unavailable", "error", err)
	} else if err := idx.EnsureSchema(ctx); err != nil {
		log.Warn("postconsume.vector.unavailable", "error", err)
	} else {
		index = idx
	}

	var modules []enrich.Module
	if cfg.Modules.DuplicateDetector && cfg.Dedup.Enabled && index != nil {
		engine := dedup.NewEngine(cfg.Dedup, arch, gen, index, logger)
		marker := dedup.NewMarker(arch, logger)
		modules = append(modules, enrich.NewDuplicates(engine, marker, logger))
	}
	if cfg.Modules.MetadataExtractor {
		modules = append(modules, enrich.NewMetadata(gen, arch, cfg.Prompts.MetadataText, logger))
	}
	if cfg.Modules.ContentEnhancer {
		modules = append(modules, enrich.NewEnhancer(gen, arch, cfg.Prompts.Summary, logger))
	}

	enrich.NewPipeline(logger, modules...).Run(ctx, &enrich.Document{
		ID:      docID,
		Title:   doc.Title,
		Content: content,
		Hint:    hint,
	})

	// Index the final content so future scans can find this document.
	if index != nil && len(content) >= cfg.Dedup.MinContentLen {
		if vec, err := gen.Embeddings(ctx, content); err != nil {
			log.Warn("postconsume.embed.failed", "error", err)
		} else if err := index.Upsert(ctx, docID, content, vec); err != nil {
			log.Warn("postconsume.index.failed", "error", err)
		} else if n, err := index.Count(ctx); err == nil {
			log.Debug("postconsume.index.size", "documents", n)
		}
	}

	if err := arch.AddTag(ctx, docID, constants.TagProcessed); err != nil {
		log.Warn("postconsume.tag.failed", "error", err)
	}
	log.Info("postconsume.done", "chars", len(content), "modules", len(modules))
}

// applyArtifact consumes the sidecar artifact for the document and
// patches the AI content into the archive. Without an artifact, a
// document whose OCR came up empty gets one vision retry from the
// original file.
func applyArtifact(ctx context.Context, cfg *config.Config, store *sidecar.Store, arch *archive.Client, gen *llm.Client, doc *archive.Document, log *slog.Logger) (string, *sidecar.DuplicateInfo) {
	art, err := store.Consume(doc.Checksum)
	if err != nil {
		log.Warn("postconsume.sidecar.broken", "error", err)
	}
	if art != nil && strings.TrimSpace(art.AIContent) != "" {
		if err := arch.PatchDocument(ctx, doc.ID, map[string]any{"content": art.AIContent}); err != nil {
			log.Error("postconsume.content.patch_failed", "error", err)
			return doc.Content, art.DuplicateInfo
		}
		log.Info("postconsume.content.applied", "chars", len(art.AIContent))
		return art.AIContent, art.DuplicateInfo
	}

	// No artifact: the document arrived through a path the watchdog
	// never saw, or its artifact was lost. Retry vision OCR only when
	// the archive's own OCR produced nothing usable.
	if len(strings.TrimSpace(doc.Content)) >= cfg.Dedup.MinContentLen {
		return doc.Content, nil
	}
	content := visionRetry(ctx, cfg, arch, gen, doc, log)
	if content == "" {
		return doc.Content, nil
	}
	if err := arch.PatchDocument(ctx, doc.ID, map[string]any{"content": content}); err != nil {
		log.Error("postconsume.content.patch_failed", "error", err)
		return doc.Content, nil
	}
	log.Info("postconsume.content.vision_retry", "chars", len(content))
	return content, nil
}

func visionRetry(ctx context.Context, cfg *config.Config, arch *archive.Client, gen *llm.Client, doc *archive.Document, log *slog.Logger) string {
	workDir, err := os.MkdirTemp(cfg.Watchdog.WorkRoot, constants.WorkDirPrefix+"retry-")
	if err != nil {
		log.Warn("postconsume.retry.workdir_failed", "error", err)
		return ""
	}
	defer os.RemoveAll(workDir)

	src := filepath.Join(workDir, fmt.Sprintf("doc-%d.pdf", doc.ID))
	if err := arch.DownloadDocument(ctx, doc.ID, src); err != nil {
		log.Warn("postconsume.retry.download_failed", "error", err)
		return ""
	}

	extractor := extract.NewExtractor(extract.Config{
		DPI:       cfg.Watchdog.DPI,
		ResizeMax: cfg.Watchdog.ResizeMax,
		MaxPages:  cfg.Watchdog.MaxPages,
	}, log)
	pages, err := extractor.RenderPages(ctx, src, workDir)
	if err != nil {
		log.Warn("postconsume.retry.render_failed", "error", err)
		return ""
	}

	parts := make([]string, 0, len(pages))
	for _, pg := range pages {
		text := gen.Generate(ctx, llm.GenerateRequest{
			Prompt: cfg.Prompts.OCRBase,
			Images: []string{pg.Base64},
		})
		if strings.TrimSpace(text) == "" {
			text = constants.SentinelOCRError
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}

// documentID resolves the document id from argv or the environment the
// archive passes to its hooks.
func documentID() (int, error) {
	if len(os.Args) > 1 {
		return strconv.Atoi(os.Args[1])
	}
	if v := os.Getenv("DOCUMENT_ID"); v != "" {
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("no document id in argv or DOCUMENT_ID")
}

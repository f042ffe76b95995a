// Command runocr renders a single scan file and runs vision OCR on it,
// printing the recognized text. Useful for checking rasterization
// settings and prompt quality without going through the daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/config"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/llm"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/logging"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/runtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if len(os.Args) != 2 {
		logger.Error("usage", "cmd", "runocr <scan-file>")
		os.Exit(2)
	}
	src := os.Args[1]
	if _, err := os.Stat(src); err != nil {
		logger.Error("cannot read input", "path", src, "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	var containers llm.ContainerManager
	if cfg.Inference.DockerSocket != "" {
		containers = runtime.NewManager(cfg.Inference.DockerSocket, logger)
	}
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
	}, nil, containers, logger)

	extractor := extract.NewExtractor(extract.Config{
		DPI:       cfg.Watchdog.DPI,
		ResizeMax: cfg.Watchdog.ResizeMax,
		MaxPages:  cfg.Watchdog.MaxPages,
	}, logger)

	workDir, err := os.MkdirTemp("", "runocr-")
	if err != nil {
		logger.Error("create work directory", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(workDir)

	start := time.Now()
	pages, err := extractor.RenderPages(ctx, src, workDir)
	if err != nil {
		logger.Error("render failed", "path", src, "error", err)
		os.Exit(1)
	}

	var failed int
	parts := make([]string, 0, len(pages))
	for _, pg := range pages {
		text := gen.Generate(ctx, llm.GenerateRequest{
			Prompt: cfg.Prompts.OCRBase,
			Images: []string{pg.Base64},
		})
		if strings.TrimSpace(text) == "" {
			failed++
			continue
		}
		parts = append(parts, text)
	}

	out := strings.Join(parts, "\n\n")
	fmt.Println(out)
	logger.Info("ocr done",
		"pages", len(pages),
		"failed", failed,
		"bytes", len(out),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Command aiwatchdogd watches the scanner drop directory, runs vision
// OCR on new documents and hands them to the archive with their
// inference results staged in sidecar artifacts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/busy"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/config"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/dedup"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/ingest"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/llm"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/logging"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/queue"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/recovery"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/retro"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/runtime"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/sidecar"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/vector"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("watchdog.config.invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{
		cfg.Watchdog.WatchDir,
		cfg.Watchdog.StagingDir,
		cfg.Watchdog.SidecarDir,
		cfg.Watchdog.WorkRoot,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("watchdog.dir.create_failed", "dir", dir, "error", err)
			os.Exit(1)
		}
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

	extractor := extract.NewExtractor(extract.Config{
		DPI:       cfg.Watchdog.DPI,
		ResizeMax: cfg.Watchdog.ResizeMax,
		MaxPages:  cfg.Watchdog.MaxPages,
	}, logger)

	arch := archive.NewClient(archive.Config{
		BaseURL:   cfg.Archive.URL,
		PublicURL: cfg.Archive.PublicURL,
		Token:     cfg.Archive.Token,
		MediaRoot: cfg.Archive.MediaRoot,
	}, logger)

	// The vector index is an accelerator, not a dependency: without it
	// the daemon still ingests, it just produces no duplicate hints.
	var searcher dedup.Searcher
	var janitor *vector.Janitor
	if idx, err := vector.NewIndex(vector.Config{
		Host:   cfg.Vector.Host,
		Scheme: cfg.Vector.Scheme,
		Class:  cfg.Vector.Class,
	}, logger); err != nil {
		logger.Warn("watchdog.vector.unavailable", "error", err)
	} else if err := idx.EnsureSchema(ctx); err != nil {
		logger.Warn("watchdog.vector.unavailable", "error", err)
	} else {
		searcher = idx
		janitor = vector.NewJanitor(idx, arch, logger)
	}

	q := queue.New()
	store := sidecar.NewStore(cfg.Watchdog.SidecarDir, logger)

	rec := recovery.NewManager(recovery.Config{
		StagingDir: cfg.Watchdog.StagingDir,
		WorkRoot:   cfg.Watchdog.WorkRoot,
		IntakeDir:  cfg.Archive.IntakeDir,
	}, arch, extractor, store, q, flag, logger)
	if err := rec.Run(ctx); err != nil {
		logger.Error("watchdog.recovery.failed", "error", err)
		os.Exit(1)
	}
	logger.Info("watchdog.recovery.done", "requeued", q.Depth())

	w := worker.New(worker.Config{
		IntakeDir: cfg.Archive.IntakeDir,
		OCRPrompt: cfg.Prompts.OCRBase,
	}, q, gen, flag, store, arch, logger)

	producer := ingest.NewProducer(ingest.Config{
		WatchDir:      cfg.Watchdog.WatchDir,
		StagingDir:    cfg.Watchdog.StagingDir,
		WorkRoot:      cfg.Watchdog.WorkRoot,
		IntakeDir:     cfg.Archive.IntakeDir,
		HintThreshold: cfg.Dedup.HintThreshold,
		MinContentLen: cfg.Dedup.MinContentLen,
	}, extractor, arch, gen, searcher, q, logger)

	poller := retro.NewPoller(retro.Config{
		StagingDir: cfg.Watchdog.StagingDir,
		WorkRoot:   cfg.Watchdog.WorkRoot,
		Interval:   cfg.Watchdog.RetroPoll,
	}, arch, extractor, q, logger)

	go w.Run(ctx)
	go producer.Run(ctx, cfg.Watchdog.PollInterval)
	go poller.Run(ctx)
	go superviseIdle(ctx, cfg, q, w, gen, containers, logger)
	if janitor != nil {
		go janitor.Run(ctx, cfg.Watchdog.IndexSweep)
	}

	logger.Info("watchdog.started",
		"watch_dir", cfg.Watchdog.WatchDir,
		"intake_dir", cfg.Archive.IntakeDir,
		"vision_model", cfg.Inference.VisionModel)

	<-ctx.Done()
	logger.Info("watchdog.shutdown")
}

// superviseIdle frees the GPU and stops the fallback container once
// the pipeline has been quiet for the configured idle timeout.
func superviseIdle(ctx context.Context, cfg *config.Config, q *queue.Queue, w *worker.Worker, gen *llm.Client, containers *runtime.Manager, logger *slog.Logger) {
	if cfg.Watchdog.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	released := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		idle := q.Empty() && time.Since(w.LastActivity()) > cfg.Watchdog.IdleTimeout
		if !idle {
			released = false
			continue
		}
		if released {
			continue
		}
		logger.Info("watchdog.idle", "since", w.LastActivity())
		gen.Unload(ctx)
		if cfg.Inference.FallbackContainer != "" {
			if err := containers.Stop(ctx, cfg.Inference.FallbackContainer); err != nil {
				logger.Warn("watchdog.idle.stop_failed", "container", cfg.Inference.FallbackContainer, "error", err)
			}
		}
		released = true
	}
}

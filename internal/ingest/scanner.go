// Package ingest is the producer side of the pipeline: it discovers
// scanner drops in the watched directory, runs the cheap pre-inference
// checks, rasterizes pages and enqueues jobs for the worker.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Scanner drives periodic directory sweeps. The poll is authoritative;
// filesystem notifications only shorten the latency between a scanner
// drop and the next sweep, so a lost event costs one poll interval at
// worst.
type Scanner struct {
	dir      string
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger
}

func NewScanner(dir string, interval time.Duration, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scanner{dir: dir, interval: interval, debounce: 500 * time.Millisecond, logger: logger}
}

// Run calls sweep once immediately and then on every poll tick or
// coalesced filesystem event until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, sweep func(context.Context)) {
	wake := make(chan struct{}, 1)

	w, err := fsnotify.NewWatcher()
	if err == nil {
		if err := w.Add(s.dir); err != nil {
			s.logger.Warn("ingest.watch.unavailable", "dir", s.dir, "error", err)
			w.Close()
			w = nil
		}
	} else {
		s.logger.Warn("ingest.watch.unavailable", "dir", s.dir, "error", err)
		w = nil
	}
	if w != nil {
		defer w.Close()
		go s.forwardEvents(ctx, w, wake)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		case <-wake:
			sweep(ctx)
		}
	}
}

func (s *Scanner) forwardEvents(ctx context.Context, w *fsnotify.Watcher, wake chan<- struct{}) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce the burst a multi-page scan produces.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("ingest.watch.error", "error", err)
		}
	}
}

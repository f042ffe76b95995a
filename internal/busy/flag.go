// Package busy implements the shared "accelerator busy" signal consulted
// by the inference router. The flag is an in-process atomic backed by a
// filesystem marker so that sibling processes (the post-consume pipeline)
// can observe it too. The filesystem side is best effort: the atomic is
// authoritative within the daemon, the marker only widens visibility.
package busy

import (
	"log/slog"
	"os"
	"sync/atomic"
)

type Flag struct {
	path   string
	logger *slog.Logger
	set    atomic.Bool
}

func NewFlag(path string, logger *slog.Logger) *Flag {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flag{path: path, logger: logger}
}

// Set marks the accelerator busy. Idempotent.
func (f *Flag) Set() {
	f.set.Store(true)
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		f.logger.Warn("busy.flag.touch_failed", "path", f.path, "error", err)
		return
	}
	_ = file.Close()
}

// Clear marks the accelerator free. Safe to call when already clear.
func (f *Flag) Clear() {
	f.set.Store(false)
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("busy.flag.remove_failed", "path", f.path, "error", err)
	}
}

// IsSet reports whether the accelerator is busy. The in-memory state
// wins; the marker file is consulted only so that a separate process
// sharing the flag path sees the daemon's vision batches.
func (f *Flag) IsSet() bool {
	if f.set.Load() {
		return true
	}
	_, err := os.Stat(f.path)
	return err == nil
}

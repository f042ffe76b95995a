// Package sidecar persists per-document inference results between the
// watchdog and the archive's post-consume hook. An artifact is written
// once when inference finishes and consumed exactly once when the
// archive has ingested the file.
package sidecar

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DuplicateInfo carries a pre-confirmed duplicate decision so the hook
// can skip its own similarity search.
type DuplicateInfo struct {
	OriginalID int     `json:"original_id"`
	Similarity float64 `json:"similarity"`
}

type Artifact struct {
	UID              string
	OriginalFilename string
	AIContent        string
	Metadata         json.RawMessage
	DuplicateInfo    *DuplicateInfo // nil when no duplicate was confirmed
	ScanDate         float64
}

// artifactJSON is the on-disk form. The metadata and duplicate_info
// keys are always written, as empty objects when unset; the hook
// indexes into both without checking for presence.
type artifactJSON struct {
	UID              string          `json:"uid"`
	OriginalFilename string          `json:"original_filename"`
	AIContent        string          `json:"ai_content"`
	Metadata         json.RawMessage `json:"metadata"`
	DuplicateInfo    json.RawMessage `json:"duplicate_info"`
	ScanDate         float64         `json:"scan_date"`
}

var emptyObject = json.RawMessage("{}")

func (a Artifact) MarshalJSON() ([]byte, error) {
	w := artifactJSON{
		UID:              a.UID,
		OriginalFilename: a.OriginalFilename,
		AIContent:        a.AIContent,
		Metadata:         a.Metadata,
		DuplicateInfo:    emptyObject,
		ScanDate:         a.ScanDate,
	}
	if len(w.Metadata) == 0 {
		w.Metadata = emptyObject
	}
	if a.DuplicateInfo != nil {
		raw, err := json.Marshal(a.DuplicateInfo)
		if err != nil {
			return nil, err
		}
		w.DuplicateInfo = raw
	}
	return json.Marshal(w)
}

func (a *Artifact) UnmarshalJSON(raw []byte) error {
	var w artifactJSON
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	*a = Artifact{
		UID:              w.UID,
		OriginalFilename: w.OriginalFilename,
		AIContent:        w.AIContent,
		Metadata:         w.Metadata,
		ScanDate:         w.ScanDate,
	}
	if len(w.DuplicateInfo) > 0 {
		var d DuplicateInfo
		if err := json.Unmarshal(w.DuplicateInfo, &d); err != nil {
			return fmt.Errorf("duplicate_info: %w", err)
		}
		// The empty object means no decision; a real one always names
		// the original document.
		if d.OriginalID != 0 {
			a.DuplicateInfo = &d
		}
	}
	return nil
}

type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

func (s *Store) path(uid string) string {
	return filepath.Join(s.dir, uid+".json")
}

// Exists reports whether an artifact for uid has been written and not
// yet consumed.
func (s *Store) Exists(uid string) bool {
	_, err := os.Stat(s.path(uid))
	return err == nil
}

// Write persists the artifact atomically: a staged file plus a rename,
// so a crash never leaves a half-written artifact behind.
func (s *Store) Write(a Artifact) error {
	if a.UID == "" {
		return fmt.Errorf("artifact without uid")
	}
	if a.ScanDate == 0 {
		a.ScanDate = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create sidecar dir: %w", err)
	}
	raw, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", a.UID, err)
	}
	tmp := s.path(a.UID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", a.UID, err)
	}
	if err := os.Rename(tmp, s.path(a.UID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit artifact %s: %w", a.UID, err)
	}
	s.logger.Debug("sidecar.written", "uid", a.UID, "file", a.OriginalFilename)
	return nil
}

// Peek reads the artifact for uid without consuming it. A missing
// artifact returns (nil, nil).
func (s *Store) Peek(uid string) (*Artifact, error) {
	raw, err := os.ReadFile(s.path(uid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact %s: %w", uid, err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", uid, err)
	}
	return &a, nil
}

// Consume reads and deletes the artifact for uid. A missing artifact
// returns (nil, nil): the document was never seen by the watchdog, or
// its artifact was already consumed.
func (s *Store) Consume(uid string) (*Artifact, error) {
	raw, err := os.ReadFile(s.path(uid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact %s: %w", uid, err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		// Unparseable artifacts are removed so they cannot wedge the
		// hook on every future consume attempt.
		os.Remove(s.path(uid))
		return nil, fmt.Errorf("decode artifact %s: %w", uid, err)
	}
	if err := os.Remove(s.path(uid)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove artifact %s: %w", uid, err)
	}
	s.logger.Debug("sidecar.consumed", "uid", uid)
	return &a, nil
}

// Purge removes a never-consumed artifact, used when reconciliation
// decides the staged file it belonged to is gone.
func (s *Store) Purge(uid string) {
	if err := os.Remove(s.path(uid)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("sidecar.purge_failed", "uid", uid, "error", err)
	}
}

package sidecar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteConsumeRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	art := Artifact{
		UID:              "d41d8cd98f00b204e9800998ecf8427e",
		OriginalFilename: "scan_0042.pdf",
		AIContent:        "Rechnung Nr. 4711",
		Metadata:         json.RawMessage(`{"title":"Stromrechnung"}`),
		DuplicateInfo:    &DuplicateInfo{OriginalID: 17, Similarity: 0.97},
	}
	if err := s.Write(art); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.Exists(art.UID) {
		t.Fatal("artifact should exist after write")
	}

	got, err := s.Consume(art.UID)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got == nil {
		t.Fatal("expected artifact")
	}
	if got.AIContent != art.AIContent || got.OriginalFilename != art.OriginalFilename {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.DuplicateInfo == nil || got.DuplicateInfo.OriginalID != 17 {
		t.Fatalf("duplicate info lost: %+v", got.DuplicateInfo)
	}
	if got.ScanDate == 0 {
		t.Fatal("scan date should be stamped on write")
	}
}

func TestWriteAlwaysEmitsObjectKeys(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	if err := s.Write(Artifact{UID: "plain", AIContent: "x"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "plain.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"metadata", "duplicate_info"} {
		v, ok := doc[key]
		if !ok {
			t.Fatalf("%s key missing from artifact file", key)
		}
		var obj map[string]any
		if err := json.Unmarshal(v, &obj); err != nil || len(obj) != 0 {
			t.Fatalf("%s = %s, want empty object", key, v)
		}
	}

	// The empty duplicate_info object reads back as no decision.
	got, err := s.Consume("plain")
	if err != nil || got == nil {
		t.Fatalf("Consume: %+v %v", got, err)
	}
	if got.DuplicateInfo != nil {
		t.Fatalf("empty duplicate_info must read back nil, got %+v", got.DuplicateInfo)
	}
}

func TestConsumeAtMostOnce(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if err := s.Write(Artifact{UID: "abc", AIContent: "x"}); err != nil {
		t.Fatal(err)
	}
	first, err := s.Consume("abc")
	if err != nil || first == nil {
		t.Fatalf("first consume: %+v %v", first, err)
	}
	second, err := s.Consume("abc")
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if second != nil {
		t.Fatal("second consume must return nil")
	}
}

func TestConsumeUnknownUID(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	got, err := s.Consume("never-seen")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got != nil {
		t.Fatalf("unknown uid must yield nil, got %+v", got)
	}
}

func TestConsumeCorruptArtifactRemoved(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Consume("bad"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt artifact should be removed")
	}
}

func TestWriteRequiresUID(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if err := s.Write(Artifact{}); err == nil {
		t.Fatal("expected error for artifact without uid")
	}
}

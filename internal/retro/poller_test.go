package retro

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/queue"
)

type fakeArchive struct {
	tagged      []archive.Document
	meta        map[int]*archive.Metadata
	downloadErr error
	added       map[int][]string
	removed     map[int][]string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		meta:    make(map[int]*archive.Metadata),
		added:   make(map[int][]string),
		removed: make(map[int][]string),
	}
}

func (f *fakeArchive) ListDocumentsByTag(context.Context, string) ([]archive.Document, error) {
	return f.tagged, nil
}

func (f *fakeArchive) GetDocumentMetadata(_ context.Context, id int) (*archive.Metadata, error) {
	return f.meta[id], nil
}

func (f *fakeArchive) DownloadDocument(_ context.Context, _ int, dst string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	return os.WriteFile(dst, []byte("%PDF-1.4"), 0o644)
}

func (f *fakeArchive) AddTag(_ context.Context, docID int, name string) error {
	f.added[docID] = append(f.added[docID], name)
	return nil
}

func (f *fakeArchive) RemoveTag(_ context.Context, docID int, name string) error {
	f.removed[docID] = append(f.removed[docID], name)
	return nil
}

type fakePages struct{}

func (fakePages) RenderPages(_ context.Context, _, workDir string) ([]extract.Page, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	return []extract.Page{{Index: 0, Base64: "cGFnZQ=="}}, nil
}

func newTestPoller(t *testing.T, arch *fakeArchive) (*Poller, *queue.Queue) {
	t.Helper()
	base := t.TempDir()
	cfg := Config{
		StagingDir: filepath.Join(base, "staging"),
		WorkRoot:   filepath.Join(base, "work"),
	}
	for _, d := range []string{cfg.StagingDir, cfg.WorkRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	q := queue.New()
	return NewPoller(cfg, arch, fakePages{}, q, nil), q
}

func TestPollEnqueuesTaggedDocument(t *testing.T) {
	arch := newFakeArchive()
	arch.tagged = []archive.Document{{ID: 7, Title: "Altvertrag", Checksum: "aabbcc"}}
	arch.meta[7] = &archive.Metadata{OriginalChecksum: "aabbcc", MediaFilename: "0007.pdf"}
	p, q := newTestPoller(t, arch)

	p.Poll(context.Background())

	job, ok := q.Dequeue(context.Background())
	if !ok {
		t.Fatal("no job enqueued")
	}
	if job.RetroTargetID != 7 {
		t.Fatalf("retro target %d", job.RetroTargetID)
	}
	if job.UID != "aabbcc" {
		t.Fatalf("uid %s", job.UID)
	}
	if _, err := os.Stat(job.StagedPath); err != nil {
		t.Fatalf("downloaded copy missing: %v", err)
	}

	// Tag cycle: request claimed, processing marked.
	if arch.removed[7][0] != constants.TagRetroRequested {
		t.Fatalf("removed %v", arch.removed[7])
	}
	if arch.added[7][0] != constants.TagRetroProcessing {
		t.Fatalf("added %v", arch.added[7])
	}
}

func TestPollRevertsOnDownloadFailure(t *testing.T) {
	arch := newFakeArchive()
	arch.tagged = []archive.Document{{ID: 9, Checksum: "ddeeff"}}
	arch.downloadErr = fmt.Errorf("504 gateway timeout")
	p, q := newTestPoller(t, arch)

	p.Poll(context.Background())

	if !q.Empty() {
		t.Fatal("failed claim must not be enqueued")
	}
	// The request tag came back so the next poll retries.
	added := arch.added[9]
	if len(added) == 0 || added[len(added)-1] != constants.TagRetroRequested {
		t.Fatalf("request tag not restored: %v", added)
	}
	removed := arch.removed[9]
	if removed[len(removed)-1] != constants.TagRetroProcessing {
		t.Fatalf("processing tag not cleared: %v", removed)
	}
}

func TestPollUsesChecksumFallback(t *testing.T) {
	arch := newFakeArchive()
	arch.tagged = []archive.Document{{ID: 4}}
	p, q := newTestPoller(t, arch)

	p.Poll(context.Background())

	job, ok := q.Dequeue(context.Background())
	if !ok {
		t.Fatal("no job enqueued")
	}
	if job.UID != "retro-4" {
		t.Fatalf("uid %s, want synthetic fallback", job.UID)
	}
}

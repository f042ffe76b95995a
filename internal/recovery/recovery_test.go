package recovery

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/archive"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/busy"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/extract"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/queue"
	"github.com/heikob-lang/paperless-ai-high-performance/internal/sidecar"
)

type fakeArchive struct {
	byChecksum map[string]*archive.Document
	verify     bool
}

func (f *fakeArchive) GetDocumentByChecksum(_ context.Context, sum string) (*archive.Document, error) {
	return f.byChecksum[sum], nil
}

func (f *fakeArchive) VerifyPhysicalFile(context.Context, int) (bool, error) {
	return f.verify, nil
}

type fakePages struct{ calls int }

func (f *fakePages) RenderPages(_ context.Context, _, workDir string) ([]extract.Page, error) {
	f.calls++
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	return []extract.Page{{Index: 0, Base64: "cGFnZQ=="}}, nil
}

type recFixture struct {
	m     *Manager
	q     *queue.Queue
	store *sidecar.Store
	pages    *fakePages
	flag     *busy.Flag
	flagPath string
	cfg      Config
}

func newRecFixture(t *testing.T, arch *fakeArchive) *recFixture {
	t.Helper()
	base := t.TempDir()
	cfg := Config{
		StagingDir: filepath.Join(base, "staging"),
		WorkRoot:   filepath.Join(base, "work"),
		IntakeDir:  filepath.Join(base, "intake"),
	}
	for _, d := range []string{cfg.StagingDir, cfg.WorkRoot, cfg.IntakeDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	q := queue.New()
	store := sidecar.NewStore(filepath.Join(base, "sidecars"), nil)
	pages := &fakePages{}
	flagPath := filepath.Join(base, "gpu-busy")
	flag := busy.NewFlag(flagPath, nil)
	return &recFixture{
		m:        NewManager(cfg, arch, pages, store, q, flag, nil),
		q:        q,
		store:    store,
		pages:    pages,
		flag:     flag,
		flagPath: flagPath,
		cfg:      cfg,
	}
}

// stage writes content into the staging dir under its md5 uid and
// returns the uid.
func (f *recFixture) stage(t *testing.T, content []byte) string {
	t.Helper()
	sum := md5.Sum(content)
	uid := hex.EncodeToString(sum[:])
	if err := os.WriteFile(filepath.Join(f.cfg.StagingDir, uid+".pdf"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	return uid
}

func TestRunPurgesLeftoverWorkDirs(t *testing.T) {
	f := newRecFixture(t, &fakeArchive{})
	leftover := filepath.Join(f.cfg.WorkRoot, constants.WorkDirPrefix+"deadbeef")
	if err := os.MkdirAll(filepath.Join(leftover, "imgs"), 0o755); err != nil {
		t.Fatal(err)
	}
	foreign := filepath.Join(f.cfg.WorkRoot, "keepme")
	if err := os.MkdirAll(foreign, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatal("leftover workdir should be purged")
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatal("foreign directory must be left alone")
	}
}

func TestRunClearsStaleBusyMarker(t *testing.T) {
	f := newRecFixture(t, &fakeArchive{})
	// Marker written by the previous process, which crashed before it
	// could clear the flag. This instance has no vision work running.
	if err := os.WriteFile(f.flagPath, nil, 0o666); err != nil {
		t.Fatal(err)
	}
	if !f.flag.IsSet() {
		t.Fatal("marker file must read as busy before recovery")
	}

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.flag.IsSet() {
		t.Fatal("stale busy marker must be cleared at startup")
	}
	if _, err := os.Stat(f.flagPath); !os.IsNotExist(err) {
		t.Fatal("marker file should be removed")
	}
}

func TestRunRequeuesStagedWithoutSidecar(t *testing.T) {
	f := newRecFixture(t, &fakeArchive{})
	uid := f.stage(t, []byte("interrupted mid inference"))

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job, ok := f.q.Dequeue(context.Background())
	if !ok {
		t.Fatal("staged file without sidecar must be requeued")
	}
	if job.UID != uid {
		t.Fatalf("uid %s, want %s", job.UID, uid)
	}
	if f.pages.calls != 1 {
		t.Fatalf("render calls %d", f.pages.calls)
	}
}

func TestRunCompletesIntakeMoveWhenSidecarExists(t *testing.T) {
	f := newRecFixture(t, &fakeArchive{})
	uid := f.stage(t, []byte("inference done, move lost"))
	if err := f.store.Write(sidecar.Artifact{
		UID: uid, OriginalFilename: "scan_0007.pdf", AIContent: "Inhalt",
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// No second inference run: the job is finished, not requeued.
	if !f.q.Empty() {
		t.Fatal("completed job must not be requeued")
	}
	if f.pages.calls != 0 {
		t.Fatal("no re-render for a finished job")
	}
	// Intake move completed under the original filename, sidecar kept
	// for the consume hook.
	if _, err := os.Stat(filepath.Join(f.cfg.IntakeDir, "scan_0007.pdf")); err != nil {
		t.Fatalf("intake file: %v", err)
	}
	if !f.store.Exists(uid) {
		t.Fatal("sidecar must survive until the hook consumes it")
	}
}

func TestRunRemovesGhostStagedFile(t *testing.T) {
	content := []byte("already ingested before the crash")
	sum := md5.Sum(content)
	uid := hex.EncodeToString(sum[:])
	arch := &fakeArchive{
		byChecksum: map[string]*archive.Document{uid: {ID: 12, Checksum: uid}},
		verify:     true,
	}
	f := newRecFixture(t, arch)
	f.stage(t, content)
	if err := f.store.Write(sidecar.Artifact{UID: uid, AIContent: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !f.q.Empty() {
		t.Fatal("ghost must never be re-enqueued")
	}
	if _, err := os.Stat(filepath.Join(f.cfg.StagingDir, uid+".pdf")); !os.IsNotExist(err) {
		t.Fatal("ghost staged file should be removed")
	}
	if f.store.Exists(uid) {
		t.Fatal("ghost sidecar should be purged")
	}
}

func TestRunHandlesArchiveEntryWithMissingFile(t *testing.T) {
	// Index entry exists but the archive lost the physical file: the
	// staged copy is the only surviving version, so it runs again.
	content := []byte("archive entry is stale")
	sum := md5.Sum(content)
	uid := hex.EncodeToString(sum[:])
	arch := &fakeArchive{
		byChecksum: map[string]*archive.Document{uid: {ID: 3, Checksum: uid}},
		verify:     false,
	}
	f := newRecFixture(t, arch)
	f.stage(t, content)

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.q.Empty() {
		t.Fatal("staged file must be requeued when the archive file is gone")
	}
}

func TestRunRecomputesMismatchedUID(t *testing.T) {
	f := newRecFixture(t, &fakeArchive{})
	content := []byte("renamed by hand")
	if err := os.WriteFile(filepath.Join(f.cfg.StagingDir, "wrongname.pdf"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job, ok := f.q.Dequeue(context.Background())
	if !ok {
		t.Fatal("expected requeue")
	}
	sum := md5.Sum(content)
	if job.UID != hex.EncodeToString(sum[:]) {
		t.Fatalf("uid %s not recomputed from content", job.UID)
	}
}

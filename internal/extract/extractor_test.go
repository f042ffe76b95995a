package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

type fakeRunner struct {
	pages  int
	stdout []byte
	err    error
	calls  [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, []byte("boom"), f.err
	}
	if name == "pdftoppm" {
		prefix := args[len(args)-1]
		for i := 1; i <= f.pages; i++ {
			img := imaging.New(40, 60, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
			if err := imaging.Save(img, fmt.Sprintf("%s-%02d.jpg", prefix, i)); err != nil {
				return nil, nil, err
			}
		}
	}
	return f.stdout, nil, nil
}

func writeTestImage(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	img := imaging.New(w, h, color.NRGBA{R: 120, G: 120, B: 120, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save test image: %v", err)
	}
	return path
}

func TestRenderPagesPDF(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}

	fr := &fakeRunner{pages: 3}
	e := NewExtractor(Config{DPI: 150, MaxPages: 10}, nil).WithRunner(fr)

	pages, err := e.RenderPages(context.Background(), src, dir)
	if err != nil {
		t.Fatalf("RenderPages: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("got %d pages, want 3", len(pages))
	}
	for _, p := range pages {
		raw, err := base64.StdEncoding.DecodeString(p.Base64)
		if err != nil {
			t.Fatalf("page %d not base64: %v", p.Index, err)
		}
		if _, _, err := image.Decode(strings.NewReader(string(raw))); err != nil {
			t.Fatalf("page %d not a decodable image: %v", p.Index, err)
		}
	}
	call := fr.calls[0]
	if call[0] != "pdftoppm" {
		t.Fatalf("expected pdftoppm invocation, got %v", call)
	}
	joined := strings.Join(call, " ")
	if !strings.Contains(joined, "-r 150") || !strings.Contains(joined, "-jpeg") {
		t.Fatalf("unexpected pdftoppm args: %v", call)
	}
}

func TestRenderPagesCapsAtMaxPages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "long.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewExtractor(Config{MaxPages: 2}, nil).WithRunner(&fakeRunner{pages: 5})
	pages, err := e.RenderPages(context.Background(), src, dir)
	if err != nil {
		t.Fatalf("RenderPages: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want cap of 2", len(pages))
	}
}

func TestRenderPagesNativeImage(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, "photo.jpg", 80, 50)

	e := NewExtractor(Config{}, nil).WithRunner(&fakeRunner{})
	pages, err := e.RenderPages(context.Background(), src, dir)
	if err != nil {
		t.Fatalf("RenderPages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
}

func TestRenderPagesResizesLargePages(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, "big.png", 400, 200)

	e := NewExtractor(Config{ResizeMax: 100}, nil).WithRunner(&fakeRunner{})
	pages, err := e.RenderPages(context.Background(), src, dir)
	if err != nil {
		t.Fatalf("RenderPages: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(pages[0].Base64)
	img, _, err := image.Decode(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 100 || b.Dy() > 100 {
		t.Fatalf("page not bounded: %dx%d", b.Dx(), b.Dy())
	}
}

func TestRenderPagesUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(src, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewExtractor(Config{}, nil).WithRunner(&fakeRunner{})
	if _, err := e.RenderPages(context.Background(), src, dir); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestRenderPagesRasterizeFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewExtractor(Config{}, nil).WithRunner(&fakeRunner{err: fmt.Errorf("exit status 1")})
	if _, err := e.RenderPages(context.Background(), src, dir); err == nil {
		t.Fatal("expected error when pdftoppm fails")
	}
}

func TestRawText(t *testing.T) {
	fr := &fakeRunner{stdout: []byte("Rechnung Nr. 4711\nBetrag 12,50 EUR\n")}
	e := NewExtractor(Config{}, nil).WithRunner(fr)

	text, err := e.RawText(context.Background(), "/tmp/doc.pdf")
	if err != nil {
		t.Fatalf("RawText: %v", err)
	}
	if !strings.Contains(text, "Rechnung Nr. 4711") {
		t.Fatalf("unexpected text: %q", text)
	}

	// Non-PDF input yields no text and no command invocation.
	text, err = e.RawText(context.Background(), "/tmp/photo.jpg")
	if err != nil || text != "" {
		t.Fatalf("expected empty text for image, got %q err %v", text, err)
	}
	if len(fr.calls) != 1 {
		t.Fatalf("expected exactly one pdftotext call, got %d", len(fr.calls))
	}
}

// Package extract turns an incoming file into a bounded sequence of
// normalized page images ready for vision inference.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/heikob-lang/paperless-ai-high-performance/constants"
)

type Config struct {
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Pdftotext string // if empty -> "pdftotext"

	DPI       int // rasterization DPI, default 300
	ResizeMax int // bounding box for normalized pages, default 3072
	MaxPages  int // hard cap per job, default 10
}

// Page is one rendered, normalized page, independently encoded for
// transport to the inference backend.
type Page struct {
	Index  int
	Base64 string
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.ResizeMax <= 0 {
		cfg.ResizeMax = 3072
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	return &Extractor{cfg: cfg, runner: newExecRunner(logger), logger: logger}
}

// WithRunner swaps the command runner; tests use this to avoid poppler.
func (e *Extractor) WithRunner(r Runner) *Extractor {
	e.runner = r
	return e
}

// RenderPages rasterizes src into workDir and returns the normalized,
// encoded pages in order, capped at MaxPages. A page that fails
// normalization is logged and dropped; the job goes on without it.
// workDir is owned by the caller and must be removed on every exit path.
func (e *Extractor) RenderPages(ctx context.Context, src, workDir string) ([]Page, error) {
	imgDir := filepath.Join(workDir, "imgs")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	var paths []string
	ext := constants.NormalizeExt(filepath.Ext(src))
	switch {
	case constants.IsPDFExt(ext):
		var err error
		paths, err = e.rasterizePDF(ctx, src, imgDir)
		if err != nil {
			return nil, err
		}
	case constants.IsImageExt(ext):
		paths = []string{src}
	default:
		return nil, fmt.Errorf("unsupported extension: %q", ext)
	}

	if len(paths) > e.cfg.MaxPages {
		paths = paths[:e.cfg.MaxPages]
	}

	pages := make([]Page, 0, len(paths))
	for i, p := range paths {
		encoded, err := e.normalizePage(p)
		if err != nil {
			e.logger.Warn("extract.page.dropped", "src", src, "page", i+1, "error", err)
			continue
		}
		pages = append(pages, Page{Index: i, Base64: encoded})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no usable pages rendered from %s", filepath.Base(src))
	}
	e.logger.Info("extract.pages.ok", "src", filepath.Base(src), "pages", len(pages))
	return pages, nil
}

func (e *Extractor) rasterizePDF(ctx context.Context, src, imgDir string) ([]string, error) {
	prefix := filepath.Join(imgDir, "page")
	// pdftoppm -r <dpi> -jpeg -l <maxPages> <src> <prefix>
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm,
		"-r", fmt.Sprintf("%d", e.cfg.DPI),
		"-jpeg",
		"-l", fmt.Sprintf("%d", e.cfg.MaxPages),
		src, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w (%s)", err, clip(string(errb), 512))
	}
	matches, _ := filepath.Glob(prefix + "-*.jpg")
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images")
	}
	return matches, nil
}

// normalizePage applies the deterministic pipeline grayscale -> bounded
// resize -> unsharp mask -> contrast, then encodes the result as PNG
// base64 (lossless for the model).
func (e *Extractor) normalizePage(path string) (string, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	img = normalize(img, e.cfg.ResizeMax)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode page: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func normalize(img image.Image, resizeMax int) image.Image {
	out := imaging.Grayscale(img)
	b := out.Bounds()
	if b.Dx() > resizeMax || b.Dy() > resizeMax {
		out = imaging.Fit(out, resizeMax, resizeMax, imaging.CatmullRom)
	}
	out = imaging.Sharpen(out, 1.5)
	out = imaging.AdjustContrast(out, 25)
	return out
}

// RawText extracts embedded text from a PDF for the cheap pre-inference
// duplicate hint. Empty output is a normal outcome for pure scans.
func (e *Extractor) RawText(ctx context.Context, src string) (string, error) {
	if !constants.IsPDFExt(filepath.Ext(src)) {
		return "", nil
	}
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", src, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w (%s)", err, clip(string(errb), 512))
	}
	return string(out), nil
}

// Package archive is the HTTP client for the document archive's REST
// API: lookups by checksum, tag management, notes, and file downloads.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound reports a 404 from the archive, usually a document that
// has been deleted since it was referenced.
var ErrNotFound = errors.New("archive: not found")

type Config struct {
	BaseURL   string // e.g. http://paperless:8000
	PublicURL string // browser-reachable base for links, falls back to BaseURL
	Token     string
	MediaRoot string // local mount of the archive's media directory, "" disables physical checks
	Timeout   time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.PublicURL == "" {
		cfg.PublicURL = cfg.BaseURL
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Document is the subset of the archive's document resource we consume.
type Document struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	Checksum      string `json:"checksum"`
	Created       string `json:"created"`
	Correspondent *int   `json:"correspondent"`
	DocumentType  *int   `json:"document_type"`
	Tags          []int  `json:"tags"`
}

type Metadata struct {
	MediaFilename        string `json:"media_filename"`
	ArchiveMediaFilename string `json:"archive_media_filename"`
	OriginalChecksum     string `json:"original_checksum"`
}

type listResponse struct {
	Count   int        `json:"count"`
	Results []Document `json:"results"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("archive request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("archive %s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("archive %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id int) (*Document, error) {
	var doc Document
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/", id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetDocumentByChecksum resolves a content checksum to an archived
// document, or nil when no document carries it. The full-text search
// backend can return fuzzy hits, so every result is re-checked against
// the exact checksum.
func (c *Client) GetDocumentByChecksum(ctx context.Context, checksum string) (*Document, error) {
	q := url.Values{}
	q.Set("query", "checksum:"+checksum)
	var list listResponse
	if err := c.do(ctx, http.MethodGet, "/api/documents/?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	for i := range list.Results {
		if strings.EqualFold(list.Results[i].Checksum, checksum) {
			return &list.Results[i], nil
		}
	}
	return nil, nil
}

func (c *Client) GetDocumentMetadata(ctx context.Context, id int) (*Metadata, error) {
	var md Metadata
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/metadata/", id), nil, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// VerifyPhysicalFile reports whether the document's media file actually
// exists on disk. An index entry whose file is gone is a ghost and must
// not count as a duplicate original. With no media root configured the
// check degrades to trusting the index.
func (c *Client) VerifyPhysicalFile(ctx context.Context, id int) (bool, error) {
	if c.cfg.MediaRoot == "" {
		return true, nil
	}
	md, err := c.GetDocumentMetadata(ctx, id)
	if err != nil {
		return false, err
	}
	for _, rel := range []string{md.ArchiveMediaFilename, md.MediaFilename} {
		if rel == "" {
			continue
		}
		sub := "archive"
		if rel == md.MediaFilename {
			sub = "originals"
		}
		if _, err := os.Stat(filepath.Join(c.cfg.MediaRoot, "documents", sub, rel)); err == nil {
			return true, nil
		}
	}
	c.logger.Warn("archive.media.missing", "doc_id", id, "media", md.MediaFilename)
	return false, nil
}

// DownloadDocument fetches the original file into dst.
func (c *Client) DownloadDocument(ctx context.Context, id int, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/documents/%d/download/?original=true", c.cfg.BaseURL, id), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download document %d: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download document %d: status %d", id, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// PatchDocument applies a partial update. fields maps API field names
// to new values, e.g. {"content": "..."} or {"title": "...", "created": "..."}.
func (c *Client) PatchDocument(ctx context.Context, id int, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/documents/%d/", id), fields, nil)
}

func (c *Client) AddNote(ctx context.Context, id int, note string) error {
	body := map[string]any{"note": note}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/documents/%d/notes/", id), body, nil)
}

type tag struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type tagListResponse struct {
	Results []tag `json:"results"`
}

// GetTagIDByName returns the tag id, or 0 when the tag does not exist.
func (c *Client) GetTagIDByName(ctx context.Context, name string) (int, error) {
	q := url.Values{}
	q.Set("name__iexact", name)
	var list tagListResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags/?"+q.Encode(), nil, &list); err != nil {
		return 0, err
	}
	for _, t := range list.Results {
		if strings.EqualFold(t.Name, name) {
			return t.ID, nil
		}
	}
	return 0, nil
}

// EnsureTag returns the id of the named tag, creating it when missing.
func (c *Client) EnsureTag(ctx context.Context, name string) (int, error) {
	id, err := c.GetTagIDByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	var created tag
	if err := c.do(ctx, http.MethodPost, "/api/tags/", map[string]any{"name": name}, &created); err != nil {
		return 0, fmt.Errorf("create tag %q: %w", name, err)
	}
	return created.ID, nil
}

// ensureNamed resolves a name to an id on one of the archive's named
// resources (correspondents, document types), creating it when missing.
func (c *Client) ensureNamed(ctx context.Context, resource, name string) (int, error) {
	q := url.Values{}
	q.Set("name__iexact", name)
	var list tagListResponse
	if err := c.do(ctx, http.MethodGet, "/api/"+resource+"/?"+q.Encode(), nil, &list); err != nil {
		return 0, err
	}
	for _, it := range list.Results {
		if strings.EqualFold(it.Name, name) {
			return it.ID, nil
		}
	}
	var created tag
	if err := c.do(ctx, http.MethodPost, "/api/"+resource+"/", map[string]any{"name": name}, &created); err != nil {
		return 0, fmt.Errorf("create %s %q: %w", resource, name, err)
	}
	return created.ID, nil
}

func (c *Client) EnsureCorrespondent(ctx context.Context, name string) (int, error) {
	return c.ensureNamed(ctx, "correspondents", name)
}

func (c *Client) EnsureDocumentType(ctx context.Context, name string) (int, error) {
	return c.ensureNamed(ctx, "document_types", name)
}

// AddTag attaches the named tag to the document. Adding an already
// present tag is a no-op.
func (c *Client) AddTag(ctx context.Context, docID int, name string) error {
	tagID, err := c.EnsureTag(ctx, name)
	if err != nil {
		return err
	}
	doc, err := c.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	for _, t := range doc.Tags {
		if t == tagID {
			return nil
		}
	}
	tags := append(append([]int{}, doc.Tags...), tagID)
	return c.PatchDocument(ctx, docID, map[string]any{"tags": tags})
}

// RemoveTag detaches the named tag; missing tag or detached state is a no-op.
func (c *Client) RemoveTag(ctx context.Context, docID int, name string) error {
	tagID, err := c.GetTagIDByName(ctx, name)
	if err != nil {
		return err
	}
	if tagID == 0 {
		return nil
	}
	doc, err := c.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	tags := make([]int, 0, len(doc.Tags))
	for _, t := range doc.Tags {
		if t != tagID {
			tags = append(tags, t)
		}
	}
	if len(tags) == len(doc.Tags) {
		return nil
	}
	return c.PatchDocument(ctx, docID, map[string]any{"tags": tags})
}

// ListDocumentsByTag returns all documents carrying the named tag,
// following pagination.
func (c *Client) ListDocumentsByTag(ctx context.Context, name string) ([]Document, error) {
	q := url.Values{}
	q.Set("tags__name__iexact", name)
	q.Set("page_size", "100")

	var docs []Document
	page := 1
	for {
		q.Set("page", fmt.Sprintf("%d", page))
		var list struct {
			Next    *string    `json:"next"`
			Results []Document `json:"results"`
		}
		if err := c.do(ctx, http.MethodGet, "/api/documents/?"+q.Encode(), nil, &list); err != nil {
			return nil, err
		}
		docs = append(docs, list.Results...)
		if list.Next == nil || len(list.Results) == 0 {
			return docs, nil
		}
		page++
	}
}

// DocumentLink returns the archive UI URL for a document. Links are
// built on PublicURL so they work from a browser even when the client
// itself talks to an internal address.
func (c *Client) DocumentLink(id int) string {
	return fmt.Sprintf("%s/documents/%d/", c.cfg.PublicURL, id)
}

// CompareLink returns the side-by-side duplicate comparison URL.
func (c *Client) CompareLink(newID, origID int) string {
	return fmt.Sprintf("%s/documents/%d/details#compare=%d", c.cfg.PublicURL, newID, origID)
}

// Package llm routes generation requests across the two inference
// hosts. The routing rule exists to never force a model swap on the
// GPU host: while vision work is in flight, text work goes to the
// CPU fallback instead.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/heikob-lang/paperless-ai-high-performance/internal/busy"
)

// ContainerManager starts inference containers on demand.
type ContainerManager interface {
	EnsureStarted(ctx context.Context, name string) error
}

type Config struct {
	PrimaryHost  string // GPU host base URL
	FallbackHost string // CPU host base URL

	VisionModel    string
	SummaryModel   string
	EmbeddingModel string

	PrimaryContainer  string
	FallbackContainer string

	RetryBackoff []time.Duration
	Timeout      time.Duration

	// EmbeddingTimeout bounds embedding calls separately; they finish in
	// seconds while vision completions can run for minutes.
	EmbeddingTimeout time.Duration
}

type Client struct {
	cfg        Config
	busy       *busy.Flag
	containers ContainerManager
	http       *http.Client
	embedHTTP  *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, flag *busy.Flag, containers ContainerManager, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.EmbeddingTimeout <= 0 {
		cfg.EmbeddingTimeout = 3 * time.Minute
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	}
	cfg.PrimaryHost = strings.TrimRight(cfg.PrimaryHost, "/")
	cfg.FallbackHost = strings.TrimRight(cfg.FallbackHost, "/")
	return &Client{
		cfg:        cfg,
		busy:       flag,
		containers: containers,
		http:       &http.Client{Timeout: cfg.Timeout},
		embedHTTP:  &http.Client{Timeout: cfg.EmbeddingTimeout},
		logger:     logger,
	}
}

// GenerateRequest describes one completion. Images are base64-encoded
// page renders; a non-empty Images slice makes this a vision request.
type GenerateRequest struct {
	Prompt string
	System string
	Images []string
	Format string // "json" to force structured output, "" for free text
}

type generateBody struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Images  []string       `json:"images,omitempty"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// route picks host, model and container for a request. Vision always
// runs on the primary. Text runs on the primary too, reusing the
// loaded vision model, unless vision work is in flight; then it moves
// to the fallback so the primary never swaps models mid-batch.
func (c *Client) route(req GenerateRequest) (host, model, container string) {
	if len(req.Images) > 0 {
		return c.cfg.PrimaryHost, c.cfg.VisionModel, c.cfg.PrimaryContainer
	}
	if c.busy != nil && c.busy.IsSet() {
		return c.cfg.FallbackHost, c.cfg.SummaryModel, c.cfg.FallbackContainer
	}
	return c.cfg.PrimaryHost, c.cfg.VisionModel, c.cfg.PrimaryContainer
}

// Generate runs one completion with retries. Connection failures and
// server errors are retried on the configured backoff; when the last
// attempt still fails the result is an empty string so the pipeline
// can degrade instead of stalling.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) string {
	host, model, container := c.route(req)
	if c.containers != nil && container != "" {
		if err := c.containers.EnsureStarted(ctx, container); err != nil {
			c.logger.Warn("llm.container.unavailable", "container", container, "error", err)
		}
	}

	body := generateBody{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Images:  req.Images,
		Format:  req.Format,
		Stream:  false,
		Options: map[string]any{"temperature": 0.1},
	}

	for attempt := 0; ; attempt++ {
		out, err := c.generate(ctx, host, body)
		if err == nil {
			return out
		}
		if attempt >= len(c.cfg.RetryBackoff) || !retryable(err) {
			c.logger.Error("llm.generate.failed", "host", host, "model", model, "attempts", attempt+1, "error", err)
			return ""
		}
		wait := c.cfg.RetryBackoff[attempt]
		c.logger.Warn("llm.generate.retry", "host", host, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(wait):
		}
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference status %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	// Anything that never produced a status is a transport failure.
	return !errors.Is(err, context.Canceled)
}

func (c *Client) generate(ctx context.Context, host string, body generateBody) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	c.logger.Debug("llm.generate.ok", "host", host, "model", body.Model, "duration", time.Since(start))
	return out.Response, nil
}

type embedBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embeddings computes a text embedding on the fallback host, which
// keeps the small embedding model resident and never touches the GPU.
func (c *Client) Embeddings(ctx context.Context, text string) ([]float32, error) {
	if c.containers != nil && c.cfg.FallbackContainer != "" {
		if err := c.containers.EnsureStarted(ctx, c.cfg.FallbackContainer); err != nil {
			return nil, fmt.Errorf("start embedding host: %w", err)
		}
	}
	raw, err := json.Marshal(embedBody{Model: c.cfg.EmbeddingModel, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.FallbackHost+"/api/embeddings", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.embedHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding for %d chars of text", len(text))
	}
	return out.Embedding, nil
}

// Unload asks the primary host to evict the vision model so the GPU
// frees its memory during idle periods. Best effort.
func (c *Client) Unload(ctx context.Context) {
	body := map[string]any{"model": c.cfg.VisionModel, "keep_alive": 0}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.PrimaryHost+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("llm.unload.failed", "error", err)
		return
	}
	resp.Body.Close()
	c.logger.Info("llm.model.unloaded", "model", c.cfg.VisionModel)
}

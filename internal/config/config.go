package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const configPathEnv = "AI_WATCHDOG_CONFIG"

// Config holds all settings for the watchdog daemon and the
// post-consume pipeline. Everything tunable in the duplicate cascade is
// configuration on purpose; the defaults mirror the values the system
// was tuned with in production.
type Config struct {
	Archive   ArchiveConfig   `yaml:"archive"`
	Inference InferenceConfig `yaml:"inference"`
	Vector    VectorConfig    `yaml:"vector"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Modules   ModulesConfig   `yaml:"modules"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	LogLevel  string          `yaml:"log_level"`
}

// ArchiveConfig describes the document-management backend.
type ArchiveConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	PublicURL string `yaml:"public_url"` // user-facing links; falls back to URL
	MediaRoot string `yaml:"media_root"` // for physical-file verification
	IntakeDir string `yaml:"intake_dir"` // the backend's consume directory
}

// InferenceConfig describes the primary (accelerated) and fallback (CPU)
// inference backends and the model variants served on each.
type InferenceConfig struct {
	PrimaryURL       string        `yaml:"primary_url"`
	FallbackURL      string        `yaml:"fallback_url"`
	VisionModel      string        `yaml:"vision_model"`
	SummaryModel     string        `yaml:"summary_model"`
	EmbeddingModel   string        `yaml:"embedding_model"`
	Timeout          time.Duration `yaml:"timeout"`
	EmbeddingTimeout time.Duration `yaml:"embedding_timeout"`
	// RetryBackoff is the fixed backoff schedule for transient failures.
	RetryBackoff      []time.Duration `yaml:"retry_backoff"`
	PrimaryContainer  string          `yaml:"primary_container"`
	FallbackContainer string          `yaml:"fallback_container"`
	DockerSocket      string          `yaml:"docker_socket"`
}

// VectorConfig describes the vector index service.
type VectorConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
	Class  string `yaml:"class"`
}

// WatchdogConfig describes the filesystem contracts and pipeline limits.
type WatchdogConfig struct {
	WatchDir     string        `yaml:"watch_dir"`
	StagingDir   string        `yaml:"staging_dir"`
	SidecarDir   string        `yaml:"sidecar_dir"`
	WorkRoot     string        `yaml:"work_root"`
	BusyFlagPath string        `yaml:"busy_flag_path"`
	DPI          int           `yaml:"dpi"`
	ResizeMax    int           `yaml:"resize_max"`
	MaxPages     int           `yaml:"max_pages"`
	PollInterval time.Duration `yaml:"poll_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	RetroPoll    time.Duration `yaml:"retro_poll"`
	IndexSweep   time.Duration `yaml:"index_sweep"`
}

// DedupConfig carries the duplicate-confirmation thresholds. The
// relaxation values apply above HighSimilarity (see the engine).
type DedupConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Threshold        float64 `yaml:"threshold"`          // vector search floor
	HintThreshold    float64 `yaml:"hint_threshold"`     // pre-vision hint floor
	Candidates       int     `yaml:"candidates"`         // top-N neighbors
	MinContentLen    int     `yaml:"min_content_len"`    // skip shorter texts
	DateJaccard      float64 `yaml:"date_jaccard"`       // required date overlap
	FeatureJaccard   float64 `yaml:"feature_jaccard"`    // required feature overlap
	RelaxedJaccard   float64 `yaml:"relaxed_jaccard"`    // date/feature floor above HighSimilarity
	HighSimilarity   float64 `yaml:"high_similarity"`    // relaxation cutoff
	LengthRatioMin   float64 `yaml:"length_ratio_min"`
	LengthRatioMax   float64 `yaml:"length_ratio_max"`
	WordBase         float64 `yaml:"word_base"`          // word-overlap floor
	WordBaseShort    float64 `yaml:"word_base_short"`    // floor for short texts
	ShortTextLen     int     `yaml:"short_text_len"`     // "short" boundary
	WordRelaxCutoff  float64 `yaml:"word_relax_cutoff"`  // similarity above which the floor drops
	WordRelaxAmount  float64 `yaml:"word_relax_amount"`
}

// ModulesConfig toggles the post-consume enrichment modules.
type ModulesConfig struct {
	DuplicateDetector bool `yaml:"duplicate_detector"`
	MetadataExtractor bool `yaml:"metadata_extractor"`
	ContentEnhancer   bool `yaml:"content_enhancer"`
}

// PromptsConfig holds the model prompts; tuned text, not code.
type PromptsConfig struct {
	OCRBase      string `yaml:"ocr_base"`
	MetadataText string `yaml:"metadata_text"`
	Summary      string `yaml:"summary"`
}

// Load reads the YAML config named by AI_WATCHDOG_CONFIG (if set) on top
// of the defaults, then applies environment overrides.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			URL:       "http://localhost:8000",
			MediaRoot: "/usr/src/paperless/media",
			IntakeDir: "/usr/src/paperless/consume",
		},
		Inference: InferenceConfig{
			PrimaryURL:       "http://localhost:11434",
			FallbackURL:      "http://localhost:11435",
			VisionModel:      "qwen2.5vl:7b",
			SummaryModel:     "llama3.2:3b",
			EmbeddingModel:   "nomic-embed-text",
			Timeout:          5 * time.Minute,
			EmbeddingTimeout: 3 * time.Minute,
			RetryBackoff:     []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second},
			DockerSocket:     "/var/run/docker.sock",
		},
		Vector: VectorConfig{
			Host:   "localhost:8100",
			Scheme: "http",
			Class:  "ArchiveDocument",
		},
		Watchdog: WatchdogConfig{
			WatchDir:     "/usr/src/paperless/scan_input",
			StagingDir:   "/var/lib/ai-watchdog/staging",
			SidecarDir:   "/var/lib/ai-watchdog/buffer",
			WorkRoot:     os.TempDir(),
			BusyFlagPath: "/var/lib/ai-watchdog/.gpu_busy",
			DPI:          300,
			ResizeMax:    3072,
			MaxPages:     10,
			PollInterval: 5 * time.Second,
			IdleTimeout:  5 * time.Minute,
			RetroPoll:    5 * time.Minute,
			IndexSweep:   6 * time.Hour,
		},
		Dedup: DedupConfig{
			Enabled:         true,
			Threshold:       0.85,
			HintThreshold:   0.95,
			Candidates:      25,
			MinContentLen:   50,
			DateJaccard:     0.8,
			FeatureJaccard:  0.8,
			RelaxedJaccard:  0.5,
			HighSimilarity:  0.98,
			LengthRatioMin:  0.8,
			LengthRatioMax:  1.25,
			WordBase:        0.85,
			WordBaseShort:   0.90,
			ShortTextLen:    1500,
			WordRelaxCutoff: 0.95,
			WordRelaxAmount: 0.10,
		},
		Modules: ModulesConfig{
			DuplicateDetector: true,
			MetadataExtractor: true,
			ContentEnhancer:   false,
		},
		Prompts: PromptsConfig{
			OCRBase:      "Transcribe the text in this image exactly, preserving the layout.",
			MetadataText: "Read document metadata from this text and answer as JSON with the keys title, created (YYYY-MM-DD), correspondent, tags (list), document_type.\n\nDocument text (excerpt):",
			Summary:      "Summarize this document in a few sentences:",
		},
		LogLevel: "info",
	}
}

func (c *Config) applyEnvOverrides() {
	c.Archive.URL = getEnv("ARCHIVE_URL", c.Archive.URL)
	c.Archive.Token = getEnv("ARCHIVE_TOKEN", c.Archive.Token)
	c.Archive.MediaRoot = getEnv("ARCHIVE_MEDIA_ROOT", c.Archive.MediaRoot)
	c.Archive.IntakeDir = getEnv("ARCHIVE_INTAKE_DIR", c.Archive.IntakeDir)
	c.Inference.PrimaryURL = getEnv("INFERENCE_PRIMARY_URL", c.Inference.PrimaryURL)
	c.Inference.FallbackURL = getEnv("INFERENCE_FALLBACK_URL", c.Inference.FallbackURL)
	c.Inference.Timeout = getEnvAsDuration("INFERENCE_TIMEOUT", c.Inference.Timeout)
	c.Vector.Host = getEnv("VECTOR_HOST", c.Vector.Host)
	c.Vector.Scheme = getEnv("VECTOR_SCHEME", c.Vector.Scheme)
	c.Watchdog.WatchDir = getEnv("WATCH_DIR", c.Watchdog.WatchDir)
	c.Watchdog.StagingDir = getEnv("STAGING_DIR", c.Watchdog.StagingDir)
	c.Watchdog.SidecarDir = getEnv("SIDECAR_DIR", c.Watchdog.SidecarDir)
	c.Watchdog.MaxPages = getEnvAsInt("MAX_PAGES", c.Watchdog.MaxPages)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Archive.URL == "" {
		return fmt.Errorf("archive.url is required")
	}
	if c.Archive.Token == "" {
		return fmt.Errorf("archive.token is required")
	}
	if c.Archive.IntakeDir == "" {
		return fmt.Errorf("archive.intake_dir is required")
	}
	if c.Watchdog.WatchDir == "" {
		return fmt.Errorf("watchdog.watch_dir is required")
	}
	if c.Watchdog.MaxPages <= 0 {
		return fmt.Errorf("watchdog.max_pages must be positive")
	}
	if c.Dedup.LengthRatioMin <= 0 || c.Dedup.LengthRatioMax <= c.Dedup.LengthRatioMin {
		return fmt.Errorf("dedup length ratio band is invalid")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

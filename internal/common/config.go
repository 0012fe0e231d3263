package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the worker daemon configuration.
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Queue       QueueConfig      `toml:"queue"`
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
	Generation  GenerationConfig `toml:"generation"`
	Duplicate   DuplicateConfig  `toml:"duplicate"`
	Memory      MemoryConfig     `toml:"memory"`
	Shapes      ShapesConfig     `toml:"shapes"`
	LLM         LLMConfig        `toml:"llm"`
	Scheduler   SchedulerConfig  `toml:"scheduler"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // how often workers poll for jobs
	VisibilityTimeout string `toml:"visibility_timeout"` // claim timeout before redelivery
	MaxAttempts       int    `toml:"max_attempts"`       // attempts before terminal failure
	QueueName         string `toml:"queue_name"`         // key prefix in Badger

	// Concurrency caps per job type. Zero means the default cap.
	Concurrency        map[string]int `toml:"concurrency"`
	DefaultConcurrency int            `toml:"default_concurrency"`
}

type StorageConfig struct {
	Path                string `toml:"path"`                 // Badger database directory
	ResultTTL           string `toml:"result_ttl"`           // intermediate result TTL (default 1h)
	TranscriptTTL       string `toml:"transcript_ttl"`       // voice transcript cache TTL
	DiagnosticRetention string `toml:"diagnostic_retention"` // flight recorder retention (default 24h)
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// GenerationConfig bounds the duplicate-retry loop and guest-mode model
// substitution.
type GenerationConfig struct {
	MaxAttempts         int    `toml:"max_attempts"`        // duplicate-retry cap (default 3)
	GuestDefaultModel   string `toml:"guest_default_model"` // free-tier substitution
	GuestVisionModel    string `toml:"guest_vision_model"`  // free-tier vision substitution
	FallbackVisionModel string `toml:"fallback_vision_model"`
	RequestTimeout      string `toml:"request_timeout"`
}

// DuplicateConfig holds the swiss-cheese detector thresholds.
type DuplicateConfig struct {
	MinLength         int     `toml:"min_length"`         // responses shorter than this skip detection
	JaccardThreshold  float64 `toml:"jaccard_threshold"`  // word overlap match
	BigramThreshold   float64 `toml:"bigram_threshold"`   // character bigram match
	BigramNearMiss    float64 `toml:"bigram_near_miss"`   // logged at INFO, not a duplicate
	SemanticThreshold float64 `toml:"semantic_threshold"` // embedding cosine match
	RecentWindow      int     `toml:"recent_window"`      // assistant messages compared against
}

type MemoryConfig struct {
	PendingAttemptCap  int     `toml:"pending_attempt_cap"`  // default 3
	RetryBatchSize     int     `toml:"retry_batch_size"`     // default 100
	ChannelBudgetRatio float64 `toml:"channel_budget_ratio"` // share of retrieval budget scoped to channel
}

type ShapesConfig struct {
	BaseURL        string  `toml:"base_url"`
	FetchTimeout   string  `toml:"fetch_timeout"`
	AvatarTimeout  string  `toml:"avatar_timeout"`
	AvatarMaxBytes int64   `toml:"avatar_max_bytes"`
	RequestsPerSec float64 `toml:"requests_per_sec"` // fetcher rate limit
	CredentialKey  string  `toml:"credential_key"`   // hex AES key; env override recommended
}

type LLMConfig struct {
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	GeminiAPIKey    string `toml:"gemini_api_key"`
	Model           string `toml:"model"`
	EmbeddingModel  string `toml:"embedding_model"`
	EmbeddingDim    int    `toml:"embedding_dim"`
	Timeout         string `toml:"timeout"`
	DownloadTimeout string `toml:"download_timeout"` // attachment byte fetch
}

type SchedulerConfig struct {
	PendingMemorySchedule     string `toml:"pending_memory_schedule"` // cron spec
	DiagnosticCleanupSchedule string `toml:"diagnostic_cleanup_schedule"`
}

// NewDefaultConfig returns the baseline configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Queue: QueueConfig{
			PollInterval:       "250ms",
			VisibilityTimeout:  "5m",
			MaxAttempts:        3,
			QueueName:          "tzurot",
			DefaultConcurrency: 4,
			Concurrency: map[string]int{
				"llm_generation":      4,
				"audio_transcription": 2,
				"image_description":   2,
				"shapes_import":       1,
				"shapes_export":       1,
			},
		},
		Storage: StorageConfig{
			Path:                "./data",
			ResultTTL:           "1h",
			TranscriptTTL:       "24h",
			DiagnosticRetention: "24h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Generation: GenerationConfig{
			MaxAttempts:         3,
			GuestDefaultModel:   "google/gemini-2.0-flash",
			GuestVisionModel:    "google/gemini-2.0-flash",
			FallbackVisionModel: "anthropic/claude-3-5-haiku",
			RequestTimeout:      "120s",
		},
		Duplicate: DuplicateConfig{
			MinLength:         30,
			JaccardThreshold:  0.95,
			BigramThreshold:   0.85,
			BigramNearMiss:    0.75,
			SemanticThreshold: 0.93,
			RecentWindow:      5,
		},
		Memory: MemoryConfig{
			PendingAttemptCap:  3,
			RetryBatchSize:     100,
			ChannelBudgetRatio: 0.5,
		},
		Shapes: ShapesConfig{
			BaseURL:        "https://shapes.inc",
			FetchTimeout:   "30s",
			AvatarTimeout:  "10s",
			AvatarMaxBytes: 8 * 1024 * 1024,
			RequestsPerSec: 2,
		},
		LLM: LLMConfig{
			Model:           "claude-sonnet-4-20250514",
			EmbeddingModel:  "gemini-embedding-001",
			EmbeddingDim:    768,
			Timeout:         "120s",
			DownloadTimeout: "30s",
		},
		Scheduler: SchedulerConfig{
			PendingMemorySchedule:     "@every 5m",
			DiagnosticCleanupSchedule: "@hourly",
		},
	}
}

// LoadFromFile reads a TOML config file over the defaults and applies env
// overrides. A missing file is not an error; env overrides still apply.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies TZUROT_* environment variables on top of file
// values. Only settings that vary per deployment get dedicated variables.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TZUROT_DB_PATH"); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv("TZUROT_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		config.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.LLM.GeminiAPIKey = v
	}
	if v := os.Getenv("TZUROT_GUEST_DEFAULT_MODEL"); v != "" {
		config.Generation.GuestDefaultModel = v
	}
	if v := os.Getenv("TZUROT_FALLBACK_VISION_MODEL"); v != "" {
		config.Generation.FallbackVisionModel = v
	}
	if v := os.Getenv("TZUROT_GENERATION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Generation.MaxAttempts = n
		}
	}
	if v := os.Getenv("TZUROT_DUPLICATE_SEMANTIC_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			config.Duplicate.SemanticThreshold = f
		}
	}
	if v := os.Getenv("TZUROT_SHAPES_BASE_URL"); v != "" {
		config.Shapes.BaseURL = v
	}
	if v := os.Getenv("TZUROT_SHAPES_CREDENTIAL_KEY"); v != "" {
		config.Shapes.CredentialKey = v
	}
}

// Validate checks duration fields and numeric bounds up front so workers
// fail fast on bad configuration.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"queue.poll_interval":          c.Queue.PollInterval,
		"queue.visibility_timeout":     c.Queue.VisibilityTimeout,
		"storage.result_ttl":           c.Storage.ResultTTL,
		"storage.transcript_ttl":       c.Storage.TranscriptTTL,
		"storage.diagnostic_retention": c.Storage.DiagnosticRetention,
		"generation.request_timeout":   c.Generation.RequestTimeout,
		"llm.timeout":                  c.LLM.Timeout,
		"llm.download_timeout":         c.LLM.DownloadTimeout,
		"shapes.fetch_timeout":         c.Shapes.FetchTimeout,
		"shapes.avatar_timeout":        c.Shapes.AvatarTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Generation.MaxAttempts <= 0 {
		return fmt.Errorf("generation.max_attempts must be positive")
	}
	if c.Memory.ChannelBudgetRatio < 0 || c.Memory.ChannelBudgetRatio > 1 {
		return fmt.Errorf("memory.channel_budget_ratio must be in [0,1]")
	}
	return nil
}

// Duration parses a config duration string that Validate already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ConcurrencyFor returns the worker cap for a job type.
func (q *QueueConfig) ConcurrencyFor(jobType string) int {
	if n, ok := q.Concurrency[jobType]; ok && n > 0 {
		return n
	}
	if q.DefaultConcurrency > 0 {
		return q.DefaultConcurrency
	}
	return 1
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Package config provides configuration management for Cortex.
// Settings are loaded from environment variables with the CORTEX_ prefix and
// then overridden by a JSON file persisted under the data directory
// (config.json). The provider block supports hot reload via fsnotify.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration settings for the Cortex service.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Providers ProviderConfig  `json:"providers"`
	Memory    MemoryConfig    `json:"memory"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Security  SecurityConfig  `json:"security"`
	Export    ExportConfig    `json:"export"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `json:"port"` // default: 9377
	Host string `json:"host"` // default: 0.0.0.0
}

// StorageConfig contains database and vector backend configuration.
type StorageConfig struct {
	// DBPath is the SQLite database path (default: cortex/brain.db).
	DBPath string `json:"db_path"`

	// VectorBackend selects the vector index implementation: "chromem"
	// (local, default) or "pgvector" (external Postgres).
	VectorBackend string `json:"vector_backend"`

	// VectorPath is the persistence directory for the chromem backend.
	VectorPath string `json:"vector_path"`

	// PostgresDSN is used when VectorBackend is "pgvector".
	PostgresDSN string `json:"postgres_dsn,omitempty"`
}

// ProviderConfig contains LLM / embedding / reranker provider settings.
// This block is hot-reloadable.
type ProviderConfig struct {
	ChatProvider string `json:"chat_provider"` // openai, ollama (default: ollama)

	OpenAIAPIKey  string `json:"openai_api_key,omitempty"`
	OpenAIBaseURL string `json:"openai_base_url,omitempty"`
	OpenAIModel   string `json:"openai_model"` // default: gpt-4o-mini

	OllamaURL            string `json:"ollama_url"`             // default: http://localhost:11434
	OllamaModel          string `json:"ollama_model"`           // default: qwen2.5:7b
	OllamaEmbeddingModel string `json:"ollama_embedding_model"` // default: nomic-embed-text

	EmbeddingProvider string `json:"embedding_provider"` // openai, ollama (default: follows ChatProvider)
	EmbeddingModel    string `json:"embedding_model"`    // default: text-embedding-3-small for openai

	RerankerEnabled bool    `json:"reranker_enabled"`
	RerankerWeight  float64 `json:"reranker_weight"` // fusion weight w, default 0.6

	// EmbeddingCacheSize bounds the LRU over embedding calls.
	EmbeddingCacheSize int `json:"embedding_cache_size"` // default: 2048
}

// MemoryConfig contains ingestion and recall tuning.
type MemoryConfig struct {
	ExactDupThreshold    float64 `json:"exact_dup_threshold"`    // default: 0.08
	SimilarityThreshold  float64 `json:"similarity_threshold"`   // default: 0.35
	LegacyDedupThreshold float64 `json:"legacy_dedup_threshold"` // default: 0.15
	SmartUpdateEnabled   bool    `json:"smart_update_enabled"`   // default: true
	ParallelChannels     bool    `json:"parallel_channels"`      // default: true
	QueryExpansion       bool    `json:"query_expansion"`        // default: true

	WorkingTTL Duration `json:"working_ttl"` // default: 72h

	VectorWeight float64 `json:"vector_weight"` // default: 0.7
	TextWeight   float64 `json:"text_weight"`   // default: 0.3
	AccessCap    int     `json:"access_cap"`    // default: 10

	// ContextMessages is how many prior messages are given to the deep channel.
	ContextMessages int `json:"context_messages"` // default: 6

	// FlushMaxChars truncates the joined conversation text handed to Flush.
	FlushMaxChars int `json:"flush_max_chars"` // default: 20000

	// PatternFile optionally points at a YAML file with additional
	// signal detector patterns (additive to the built-in table).
	PatternFile string `json:"pattern_file,omitempty"`
}

// LifecycleConfig contains background maintenance tuning.
type LifecycleConfig struct {
	PromotionThreshold float64  `json:"promotion_threshold"` // default: 0.6
	ArchiveThreshold   float64  `json:"archive_threshold"`   // default: 0.2
	ArchiveTTL         Duration `json:"archive_ttl"`         // default: 720h
	DecayLambda        float64  `json:"decay_lambda"`        // default: 0.03
	DedupJaccard       float64  `json:"dedup_jaccard"`       // default: 0.85
	CompressBackToCore bool     `json:"compress_back_to_core"` // default: true

	// BoilerplatePrefixes are stripped before lifecycle dedup comparison.
	BoilerplatePrefixes []string `json:"boilerplate_prefixes,omitempty"`

	// RunHour is the local hour (0-23) of the daily sweep. Default: 3.
	RunHour int `json:"run_hour"`
}

// SecurityConfig contains authentication and rate limiting settings.
type SecurityConfig struct {
	// AuthToken guards /api/* and /mcp/* when non-empty. /api/v1/health
	// stays publicly readable.
	AuthToken string `json:"auth_token,omitempty"`

	// RateLimitPerMinute is the per-client-IP budget on /api/*. Default: 120.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
}

// ExportConfig controls the Markdown export writer.
type ExportConfig struct {
	Enabled  bool     `json:"enabled"`
	Dir      string   `json:"dir,omitempty"`      // default: <data dir>/export
	Debounce Duration `json:"debounce,omitempty"` // default: 5m
}

// Duration is a time.Duration that marshals as a string ("5m", "72h").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Tolerate plain nanosecond integers.
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load builds a Config from environment variables, then applies the JSON
// file next to the database if one exists. The file takes precedence.
func Load() (*Config, error) {
	cfg := fromEnv()
	path := cfg.FilePath()
	if _, err := os.Stat(path); err == nil {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// FilePath returns where the JSON config is persisted: the database's
// directory, falling back to the current working directory.
func (c *Config) FilePath() string {
	dir := filepath.Dir(c.Storage.DBPath)
	if dir == "" || dir == "." {
		dir, _ = os.Getwd()
	}
	return filepath.Join(dir, "config.json")
}

// Save persists the config as JSON under the store's directory.
func (c *Config) Save() error {
	path := c.FilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("CORTEX_PORT", 9377),
			Host: getEnv("CORTEX_HOST", "0.0.0.0"),
		},
		Storage: StorageConfig{
			DBPath:        getEnv("CORTEX_DB_PATH", filepath.Join("cortex", "brain.db")),
			VectorBackend: getEnv("CORTEX_VECTOR_BACKEND", "chromem"),
			VectorPath:    getEnv("CORTEX_VECTOR_PATH", filepath.Join("cortex", "vectors")),
			PostgresDSN:   os.Getenv("CORTEX_POSTGRES_DSN"),
		},
		Providers: ProviderConfig{
			ChatProvider:         getEnv("CORTEX_CHAT_PROVIDER", "ollama"),
			OpenAIAPIKey:         os.Getenv("CORTEX_OPENAI_API_KEY"),
			OpenAIBaseURL:        os.Getenv("CORTEX_OPENAI_BASE_URL"),
			OpenAIModel:          getEnv("CORTEX_OPENAI_MODEL", "gpt-4o-mini"),
			OllamaURL:            getEnv("CORTEX_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:          getEnv("CORTEX_OLLAMA_MODEL", "qwen2.5:7b"),
			OllamaEmbeddingModel: getEnv("CORTEX_OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
			EmbeddingProvider:    getEnv("CORTEX_EMBEDDING_PROVIDER", ""),
			EmbeddingModel:       getEnv("CORTEX_EMBEDDING_MODEL", "text-embedding-3-small"),
			RerankerEnabled:      getEnvBool("CORTEX_RERANKER_ENABLED", false),
			RerankerWeight:       0.6,
			EmbeddingCacheSize:   getEnvInt("CORTEX_EMBEDDING_CACHE_SIZE", 2048),
		},
		Memory: MemoryConfig{
			ExactDupThreshold:    0.08,
			SimilarityThreshold:  0.35,
			LegacyDedupThreshold: 0.15,
			SmartUpdateEnabled:   getEnvBool("CORTEX_SMART_UPDATE", true),
			ParallelChannels:     getEnvBool("CORTEX_PARALLEL_CHANNELS", true),
			QueryExpansion:       getEnvBool("CORTEX_QUERY_EXPANSION", true),
			WorkingTTL:           Duration(72 * time.Hour),
			VectorWeight:         0.7,
			TextWeight:           0.3,
			AccessCap:            10,
			ContextMessages:      6,
			FlushMaxChars:        20000,
			PatternFile:          os.Getenv("CORTEX_PATTERN_FILE"),
		},
		Lifecycle: LifecycleConfig{
			PromotionThreshold: 0.6,
			ArchiveThreshold:   0.2,
			ArchiveTTL:         Duration(720 * time.Hour),
			DecayLambda:        0.03,
			DedupJaccard:       0.85,
			CompressBackToCore: true,
			RunHour:            getEnvInt("CORTEX_LIFECYCLE_HOUR", 3),
		},
		Security: SecurityConfig{
			AuthToken:          os.Getenv("CORTEX_AUTH_TOKEN"),
			RateLimitPerMinute: getEnvInt("CORTEX_RATE_LIMIT", 120),
		},
		Export: ExportConfig{
			Enabled:  getEnvBool("CORTEX_EXPORT_ENABLED", false),
			Debounce: Duration(5 * time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

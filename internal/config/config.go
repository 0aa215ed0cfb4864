// Package config loads graphkeep's runtime configuration. Values come from
// environment variables first (via godotenv, so a local .env is picked up
// without being required), with an optional YAML file providing defaults
// for anything not set in the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ObsConfig controls logging and OpenTelemetry export.
type ObsConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"log_level"`
	LogPath        string `yaml:"log_path"`
	OTLP           string `yaml:"otlp_endpoint"`
}

// StoreConfig selects and configures the graph/vector backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // "memory" | "postgres"
	DSN        string `yaml:"dsn"`
	VectorKind string `yaml:"vector_kind"` // "pgvector" | "qdrant"
	QdrantAddr string `yaml:"qdrant_addr"`

	// ReaderDSN points the read pool at a replica; empty means "same
	// primary as DSN, separate pool".
	ReaderDSN      string `yaml:"reader_dsn"`
	WriterMaxConns int32  `yaml:"writer_max_conns"`
	ReaderMaxConns int32  `yaml:"reader_max_conns"`
}

// LLMConfig selects and configures the extraction/embedding/vision provider.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // "openai" | "anthropic" | "google"
	APIKey         string `yaml:"-"`
	ExtractModel   string `yaml:"extract_model"`
	EmbedModel     string `yaml:"embed_model"`
	VisionModel    string `yaml:"vision_model"`
	RequestTimeout time.Duration `yaml:"-"`
}

// Config is the fully resolved configuration for one graphkeep process.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	MaxConcurrentJobs      int           `yaml:"max_concurrent_jobs"`
	JobApprovalTimeout     time.Duration `yaml:"-"`
	JobCompletedRetention  time.Duration `yaml:"-"`
	JobFailedRetention     time.Duration `yaml:"-"`
	JobCleanupInterval     time.Duration `yaml:"-"`

	EmbeddingDimension   int     `yaml:"embedding_dimension"`
	ConceptMergeThreshold float64 `yaml:"concept_merge_threshold"`

	ChunkTargetTokens  int `yaml:"chunk_target_tokens"`
	ChunkOverlapTokens int `yaml:"chunk_overlap_tokens"`

	VocabularyExpansion bool          `yaml:"vocabulary_expansion"`
	ChunkMaxRetries     int           `yaml:"chunk_max_retries"`
	ChunkTimeout        time.Duration `yaml:"-"`
	OrphanResumeWindow  time.Duration `yaml:"-"`
	ReconciliationInterval time.Duration `yaml:"-"`

	Obs   ObsConfig   `yaml:"observability"`
	Store StoreConfig `yaml:"store"`
	LLM   LLMConfig   `yaml:"llm"`
}

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		MaxConcurrentJobs:     4,
		JobApprovalTimeout:    15 * time.Minute,
		JobCompletedRetention: 24 * time.Hour,
		JobFailedRetention:    72 * time.Hour,
		JobCleanupInterval:    5 * time.Minute,
		EmbeddingDimension:    1536,
		ConceptMergeThreshold: 0.85,
		ChunkTargetTokens:     800,
		ChunkOverlapTokens:    100,
		VocabularyExpansion:   true,
		ChunkMaxRetries:       3,
		ChunkTimeout:          10 * time.Minute,
		OrphanResumeWindow:    30 * time.Minute,
		ReconciliationInterval: 10 * time.Minute,
		Obs: ObsConfig{
			ServiceName:    "graphkeep",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
		},
		Store: StoreConfig{
			Backend:        "memory",
			VectorKind:     "pgvector",
			WriterMaxConns: 16,
			ReaderMaxConns: 16,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			ExtractModel:   "gpt-4o-mini",
			EmbedModel:     "text-embedding-3-small",
			VisionModel:    "gpt-4o-mini",
			RequestTimeout: 60 * time.Second,
		},
	}
}

// Load resolves configuration: defaults, then an optional YAML file at
// yamlPath (if non-empty and present), then environment variables, which
// always win. godotenv.Overload loads a .env file in the working directory
// if one exists; it is not an error if it doesn't.
func Load(yamlPath string) (Config, error) {
	_ = godotenv.Overload()

	cfg := defaults()

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config yaml %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config yaml %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("llm api key is required: set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY for provider %q", cfg.LLM.Provider)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strVar(&cfg.ListenAddr, "LISTEN_ADDR")

	intVar(&cfg.MaxConcurrentJobs, "MAX_CONCURRENT_JOBS")
	durationVar(&cfg.JobApprovalTimeout, "JOB_APPROVAL_TIMEOUT")
	durationVar(&cfg.JobCompletedRetention, "JOB_COMPLETED_RETENTION")
	durationVar(&cfg.JobFailedRetention, "JOB_FAILED_RETENTION")
	durationVar(&cfg.JobCleanupInterval, "JOB_CLEANUP_INTERVAL")

	intVar(&cfg.EmbeddingDimension, "EMBEDDING_DIMENSION")
	floatVar(&cfg.ConceptMergeThreshold, "CONCEPT_MERGE_THRESHOLD")

	intVar(&cfg.ChunkTargetTokens, "CHUNK_TARGET_TOKENS")
	intVar(&cfg.ChunkOverlapTokens, "CHUNK_OVERLAP_TOKENS")

	boolVar(&cfg.VocabularyExpansion, "VOCABULARY_EXPANSION")
	intVar(&cfg.ChunkMaxRetries, "CHUNK_MAX_RETRIES")
	durationVar(&cfg.ChunkTimeout, "CHUNK_TIMEOUT")
	durationVar(&cfg.OrphanResumeWindow, "ORPHAN_RESUME_WINDOW")
	durationVar(&cfg.ReconciliationInterval, "RECONCILIATION_INTERVAL")

	strVar(&cfg.Obs.ServiceName, "OTEL_SERVICE_NAME")
	strVar(&cfg.Obs.ServiceVersion, "SERVICE_VERSION")
	strVar(&cfg.Obs.Environment, "ENVIRONMENT")
	strVar(&cfg.Obs.LogLevel, "LOG_LEVEL")
	strVar(&cfg.Obs.LogPath, "LOG_PATH")
	strVar(&cfg.Obs.OTLP, "OTEL_EXPORTER_OTLP_ENDPOINT")

	strVar(&cfg.Store.Backend, "STORE_BACKEND")
	strVar(&cfg.Store.DSN, "DATABASE_URL")
	strVar(&cfg.Store.VectorKind, "VECTOR_KIND")
	strVar(&cfg.Store.QdrantAddr, "QDRANT_ADDR")
	strVar(&cfg.Store.ReaderDSN, "READER_DATABASE_URL")
	int32Var(&cfg.Store.WriterMaxConns, "WRITER_POOL_MAX_CONNS")
	int32Var(&cfg.Store.ReaderMaxConns, "READER_POOL_MAX_CONNS")

	strVar(&cfg.LLM.Provider, "LLM_PROVIDER")
	strVar(&cfg.LLM.ExtractModel, "LLM_EXTRACT_MODEL")
	strVar(&cfg.LLM.EmbedModel, "LLM_EMBED_MODEL")
	strVar(&cfg.LLM.VisionModel, "LLM_VISION_MODEL")
	durationVar(&cfg.LLM.RequestTimeout, "LLM_REQUEST_TIMEOUT")

	switch strings.ToLower(cfg.LLM.Provider) {
	case "anthropic":
		strVar(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	case "google":
		strVar(&cfg.LLM.APIKey, "GOOGLE_API_KEY")
	default:
		strVar(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	}
}

func strVar(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int32Var(dst *int32, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func floatVar(dst *float64, env string) {
	if v := os.Getenv(env); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func boolVar(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func durationVar(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

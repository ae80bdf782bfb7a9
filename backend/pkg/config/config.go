package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"act-placemat/backend/internal/constants"
	apperrors "act-placemat/backend/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Neo4j (system of record mirror of the Notion workspace)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Supabase Postgres cache of LinkedIn / Gmail records
	SupabaseDSN string

	// Local identity snapshot
	SQLitePath string

	// AI research enrichment (Groq or any OpenAI-compatible endpoint)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Pipeline tuning, optionally read from a YAML file
	PipelineConfigPath string
	Pipeline           Pipeline
}

// Pipeline holds the knobs of a resolution/discovery/linking run.
type Pipeline struct {
	ConfidenceThreshold float64           `yaml:"confidence_threshold"`
	MaxConcurrency      int               `yaml:"max_concurrency"`
	MentionWindowDays   int               `yaml:"mention_window_days"`
	RelationField       string            `yaml:"relation_field"`
	RelationFields      map[string]string `yaml:"relation_fields"`
	Schedule            string            `yaml:"schedule"`
	DryRun              bool              `yaml:"dry_run"`
	StrictAutonomy      bool              `yaml:"strict_autonomy"`
	Sources             []string          `yaml:"sources"`
	EntityKinds         []string          `yaml:"entity_kinds"`
}

// DefaultPipeline returns the settings used when no file or env overrides exist.
func DefaultPipeline() Pipeline {
	return Pipeline{
		ConfidenceThreshold: constants.DefaultConfidenceThreshold,
		MaxConcurrency:      constants.DefaultMaxConcurrency,
		MentionWindowDays:   constants.DefaultMentionWindowDays,
		RelationField:       constants.DefaultRelationField,
		RelationFields:      map[string]string{},
		Schedule:            constants.DefaultSchedule,
		Sources: []string{
			constants.SourceNotionPerson, constants.SourceNotionOrg, constants.SourceNotionProject,
			constants.SourceLinkedIn, constants.SourceGmail,
		},
		EntityKinds: []string{"project"},
	}
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		Neo4jURI:           getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:          getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:      getEnv("NEO4J_PASSWORD", "password"),
		SupabaseDSN:        getEnv("SUPABASE_DB_URL", ""),
		SQLitePath:         getEnv("SQLITE_PATH", "placemat-identities.db"),
		LLMBaseURL:         getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
		LLMAPIKey:          getEnv("GROQ_API_KEY", ""),
		LLMModel:           getEnv("LLM_MODEL", "llama-3.3-70b-versatile"),
		PipelineConfigPath: getEnv("PIPELINE_CONFIG", ""),
		Pipeline:           DefaultPipeline(),
	}

	if cfg.PipelineConfigPath != "" {
		p, err := LoadPipelineFile(cfg.PipelineConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.Pipeline = p
	}
	cfg.applyPipelineEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadPipelineFile reads pipeline settings from YAML. Keys missing from the
// file keep their defaults.
func LoadPipelineFile(path string) (Pipeline, error) {
	p := DefaultPipeline()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}
	if p.RelationFields == nil {
		p.RelationFields = map[string]string{}
	}
	return p, nil
}

func (c *Config) applyPipelineEnv() {
	c.Pipeline.ConfidenceThreshold = getEnvFloat("CONFIDENCE_THRESHOLD", c.Pipeline.ConfidenceThreshold)
	c.Pipeline.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", c.Pipeline.MaxConcurrency)
	c.Pipeline.MentionWindowDays = getEnvInt("MENTION_WINDOW_DAYS", c.Pipeline.MentionWindowDays)
	c.Pipeline.RelationField = getEnv("RELATION_FIELD", c.Pipeline.RelationField)
	c.Pipeline.Schedule = getEnv("PIPELINE_SCHEDULE", c.Pipeline.Schedule)
	if v := os.Getenv("DRY_RUN"); v != "" {
		c.Pipeline.DryRun = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_URI")
	}
	if c.Neo4jUser == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_USER")
	}
	if c.Neo4jPassword == "" {
		return apperrors.NewConfigMissingRequired("NEO4J_PASSWORD")
	}
	// Supabase DSN and LLM key are optional; the stages using them are skipped
	return c.Pipeline.Validate()
}

// Validate checks pipeline settings ranges
func (p Pipeline) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return apperrors.NewConfigValidationFailed("confidence_threshold", "must be within [0, 1]")
	}
	if p.MaxConcurrency < 1 {
		return apperrors.NewConfigValidationFailed("max_concurrency", "must be at least 1")
	}
	if p.MentionWindowDays < 1 {
		return apperrors.NewConfigValidationFailed("mention_window_days", "must be at least 1")
	}
	if strings.TrimSpace(p.RelationField) == "" {
		return apperrors.NewConfigValidationFailed("relation_field", "must not be empty")
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EnrichmentEnabled reports whether AI research enrichment can run
func (c *Config) EnrichmentEnabled() bool {
	return c.LLMAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

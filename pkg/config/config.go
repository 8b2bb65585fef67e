package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the NL2SQL service.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`

	// SchemaFile overrides the embedded schema registry when set.
	SchemaFile string `yaml:"schema_file" env:"SCHEMA_FILE" env-default:""`

	// MigrationsPath is the golang-migrate file source directory.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	Database       DatabaseConfig       `yaml:"database"`
	LLM            LLMConfig            `yaml:"llm"`
	Embedding      EmbeddingConfig      `yaml:"embedding"`
	Resolver       ResolverConfig       `yaml:"resolver"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Documents      DocumentsConfig      `yaml:"documents"`
	Redis          RedisConfig          `yaml:"redis"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// ResumeTokenKey seals pending disambiguation state handed to API callers.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	ResumeTokenKey string `yaml:"-" env:"RESUME_TOKEN_KEY"` // Secret - not in YAML

	// SessionKey signs the cookie session that remembers a caller's pending decision.
	SessionKey string `yaml:"-" env:"SESSION_KEY"` // Secret - not in YAML

	// ResumeTokenTTL bounds how long a pending decision can be resumed.
	ResumeTokenTTL time.Duration `yaml:"resume_token_ttl" env:"RESUME_TOKEN_TTL" env-default:"30m"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_nl2sql"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// ConnectionString builds a PostgreSQL URL from the individual fields.
func (d DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", ResolveHostForDocker(d.Host), d.Port),
		Path:   "/" + d.Database,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// LLMConfig selects and configures the completion collaborator.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "anthropic".
	Provider     string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	BaseURL      string  `yaml:"base_url" env:"LLM_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model        string  `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	Temperature  float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0"`
	MaxTokens    int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"2048"`
	APIKey       string  `yaml:"-" env:"LLM_API_KEY"`       // Secret - not in YAML
	AnthropicKey string  `yaml:"-" env:"ANTHROPIC_API_KEY"` // Secret - not in YAML
}

// EmbeddingConfig configures the embedding collaborator.
// Dimensions must match between ingestion and query time.
type EmbeddingConfig struct {
	BaseURL    string `yaml:"base_url" env:"EMBEDDING_BASE_URL" env-default:""` // Falls back to llm.base_url
	Model      string `yaml:"model" env:"EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	Dimensions int    `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS" env-default:"1536"`
	BatchSize  int    `yaml:"batch_size" env:"EMBEDDING_BATCH_SIZE" env-default:"64"`
	Workers    int    `yaml:"workers" env:"EMBEDDING_WORKERS" env-default:"4"`
	APIKey     string `yaml:"-" env:"EMBEDDING_API_KEY"` // Falls back to LLM_API_KEY
}

// ResolverConfig holds the retrieval cutoffs and confidence constants.
type ResolverConfig struct {
	EntitySoftK     int     `yaml:"entity_soft_k" env:"RESOLVER_ENTITY_SOFT_K" env-default:"3"`
	EntityHardK     int     `yaml:"entity_hard_k" env:"RESOLVER_ENTITY_HARD_K" env-default:"5"`
	EntityThreshold float64 `yaml:"entity_threshold" env:"RESOLVER_ENTITY_THRESHOLD" env-default:"0.70"`
	HardMinimum     float64 `yaml:"hard_minimum" env:"RESOLVER_HARD_MINIMUM" env-default:"0.70"`
	Margin          float64 `yaml:"margin" env:"RESOLVER_MARGIN" env-default:"0.01"`

	GuidanceSoftK     int     `yaml:"guidance_soft_k" env:"RESOLVER_GUIDANCE_SOFT_K" env-default:"3"`
	GuidanceHardK     int     `yaml:"guidance_hard_k" env:"RESOLVER_GUIDANCE_HARD_K" env-default:"6"`
	GuidanceThreshold float64 `yaml:"guidance_threshold" env:"RESOLVER_GUIDANCE_THRESHOLD" env-default:"0.55"`

	ColumnK int `yaml:"column_k" env:"RESOLVER_COLUMN_K" env-default:"3"`

	// Hydrate attaches the source row of each accepted entity to its filter.
	Hydrate bool `yaml:"hydrate" env:"RESOLVER_HYDRATE" env-default:"true"`
}

// GatewayConfig bounds what the SQL execution gateway will run.
type GatewayConfig struct {
	DefaultRowLimit  int           `yaml:"default_row_limit" env:"GATEWAY_DEFAULT_ROW_LIMIT" env-default:"100"`
	MaxRowLimit      int           `yaml:"max_row_limit" env:"GATEWAY_MAX_ROW_LIMIT" env-default:"1000"`
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"GATEWAY_STATEMENT_TIMEOUT" env-default:"15s"`
}

// DocumentsConfig configures unstructured retrieval.
type DocumentsConfig struct {
	// Backend is "pgvector" or "qdrant".
	Backend    string `yaml:"backend" env:"DOCUMENTS_BACKEND" env-default:"pgvector"`
	QdrantURL  string `yaml:"qdrant_url" env:"QDRANT_URL" env-default:"http://localhost:6333"`
	Collection string `yaml:"collection" env:"QDRANT_COLLECTION" env-default:"document_chunks"`
	TopK       int    `yaml:"top_k" env:"DOCUMENTS_TOP_K" env-default:"5"`
	// CandidateK is how many chunks are fetched before reranking.
	CandidateK int `yaml:"candidate_k" env:"DOCUMENTS_CANDIDATE_K" env-default:"20"`
	// MinSimilarity drops chunks below this cosine similarity. A question
	// whose closest chunk falls below it gets no documents at all.
	MinSimilarity float64 `yaml:"min_similarity" env:"DOCUMENTS_MIN_SIMILARITY" env-default:"0.3"`

	RerankSimilarity float64 `yaml:"rerank_similarity" env:"DOCUMENTS_RERANK_SIMILARITY" env-default:"0.7"`
	RerankFreshness  float64 `yaml:"rerank_freshness" env:"DOCUMENTS_RERANK_FRESHNESS" env-default:"0.2"`
	RerankAuthority  float64 `yaml:"rerank_authority" env:"DOCUMENTS_RERANK_AUTHORITY" env-default:"0.1"`
}

// RedisConfig configures the optional query-embedding cache and resume
// token store. Leave Host empty to disable both.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_EMBEDDING_TTL" env-default:"24h"`
}

// RetryConfig configures retries of transient LLM and embedding failures.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"RETRY_MAX_RETRIES" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"RETRY_INITIAL_DELAY" env-default:"500ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"10s"`
	Multiplier   float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER" env-default:"2"`
}

// CircuitBreakerConfig configures the breaker in front of the LLM provider.
type CircuitBreakerConfig struct {
	Threshold  int           `yaml:"threshold" env:"CIRCUIT_BREAKER_THRESHOLD" env-default:"5"`
	ResetAfter time.Duration `yaml:"reset_after" env:"CIRCUIT_BREAKER_RESET_AFTER" env-default:"30s"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A .env file in the working directory is loaded first if present; values already
// set in the process environment win over it.
func Load(version string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.applyFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = c.LLM.BaseURL
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.LLM.APIKey
	}
	c.LLM.BaseURL = ResolveURLForDocker(c.LLM.BaseURL)
	c.Embedding.BaseURL = ResolveURLForDocker(c.Embedding.BaseURL)
	c.Documents.QdrantURL = ResolveURLForDocker(c.Documents.QdrantURL)
	if c.Redis.Host != "" {
		c.Redis.Host = ResolveHostForDocker(c.Redis.Host)
	}
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}
	switch c.Documents.Backend {
	case "pgvector", "qdrant":
	default:
		return fmt.Errorf("documents.backend must be pgvector or qdrant, got %q", c.Documents.Backend)
	}
	if c.Documents.MinSimilarity < 0 || c.Documents.MinSimilarity > 1 {
		return fmt.Errorf("documents.min_similarity must be within [0, 1], got %v", c.Documents.MinSimilarity)
	}

	r := c.Resolver
	if r.EntitySoftK < 0 || r.EntityHardK < 1 || r.EntitySoftK > r.EntityHardK {
		return fmt.Errorf("resolver entity cutoffs require 0 <= soft_k <= hard_k and hard_k >= 1")
	}
	if r.GuidanceSoftK < 0 || r.GuidanceHardK < 1 || r.GuidanceSoftK > r.GuidanceHardK {
		return fmt.Errorf("resolver guidance cutoffs require 0 <= soft_k <= hard_k and hard_k >= 1")
	}
	if r.ColumnK < 1 {
		return fmt.Errorf("resolver.column_k must be at least 1")
	}

	g := c.Gateway
	if g.DefaultRowLimit < 1 || g.MaxRowLimit < g.DefaultRowLimit {
		return fmt.Errorf("gateway limits require 1 <= default_row_limit <= max_row_limit")
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	return nil
}

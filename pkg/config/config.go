package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-insights.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3444"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config
	// AdminToken enables the super-admin routes. Empty disables them.
	AdminToken string `yaml:"-" env:"ADMIN_TOKEN"`

	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	WebSearch     WebSearchConfig     `yaml:"web_search"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Executor      ExecutorConfig      `yaml:"executor"`
	DeepContent   DeepContentConfig   `yaml:"deep_content"`
	Detector      DetectorConfig      `yaml:"detector"`
	Learning      LearningConfig      `yaml:"learning"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Retention     RetentionConfig     `yaml:"retention"`
	Defaults      TenantDefaults      `yaml:"defaults"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_insights"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds Redis configuration for the quota ledger.
// Leaving Host empty falls back to the in-process ledger store.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// LLMConfig selects the completion provider used for delta analysis.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "anthropic".
	Provider string        `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	BaseURL  string        `yaml:"base_url" env:"LLM_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model    string        `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	APIKey   string        `yaml:"-" env:"LLM_API_KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" env-default:"60s"`
	// RequestsPerMinute is the per-tenant completion budget. Callers wait for a token.
	RequestsPerMinute int `yaml:"requests_per_minute" env:"LLM_REQUESTS_PER_MINUTE" env-default:"30"`
	Burst             int `yaml:"burst" env:"LLM_BURST" env-default:"5"`
	// Circuit breaker shared by all tenants.
	BreakerThreshold  int           `yaml:"breaker_threshold" env:"LLM_BREAKER_THRESHOLD" env-default:"5"`
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after" env:"LLM_BREAKER_RESET_AFTER" env-default:"30s"`
}

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	BaseURL string        `yaml:"base_url" env:"EMBEDDING_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model   string        `yaml:"model" env:"EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	APIKey  string        `yaml:"-" env:"EMBEDDING_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"EMBEDDING_TIMEOUT" env-default:"30s"`
}

// WebSearchConfig configures the external web search provider.
type WebSearchConfig struct {
	Endpoint   string        `yaml:"endpoint" env:"WEB_SEARCH_ENDPOINT" env-default:""`
	APIKey     string        `yaml:"-" env:"WEB_SEARCH_API_KEY"`
	Timeout    time.Duration `yaml:"timeout" env:"WEB_SEARCH_TIMEOUT" env-default:"15s"`
	MaxResults int           `yaml:"max_results" env:"WEB_SEARCH_MAX_RESULTS" env-default:"20"`
}

// SchedulerConfig controls the due-search scan.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"SCHEDULER_TICK_INTERVAL" env-default:"1m"`
	PageSize     int           `yaml:"page_size" env:"SCHEDULER_PAGE_SIZE" env-default:"100"`
	// LockKey is the advisory lock id that elects a single scheduler leader.
	LockKey int64 `yaml:"lock_key" env:"SCHEDULER_LOCK_KEY" env-default:"724519"`
}

// ExecutorConfig controls the search execution worker pool.
type ExecutorConfig struct {
	Workers       int           `yaml:"workers" env:"EXECUTOR_WORKERS" env-default:"8"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"EXECUTOR_POLL_INTERVAL" env-default:"2s"`
	MaxAttempts   int           `yaml:"max_attempts" env:"EXECUTOR_MAX_ATTEMPTS" env-default:"5"`
	BaseBackoff   time.Duration `yaml:"base_backoff" env:"EXECUTOR_BASE_BACKOFF" env-default:"5s"`
	MaxBackoff    time.Duration `yaml:"max_backoff" env:"EXECUTOR_MAX_BACKOFF" env-default:"5m"`
	SourceTimeout time.Duration `yaml:"source_timeout" env:"EXECUTOR_SOURCE_TIMEOUT" env-default:"20s"`
	InternalLimit int           `yaml:"internal_limit" env:"EXECUTOR_INTERNAL_LIMIT" env-default:"50"`
}

// DeepContentConfig controls the page fetch, chunk and embed pipeline.
type DeepContentConfig struct {
	Workers       int           `yaml:"workers" env:"DEEP_CONTENT_WORKERS" env-default:"3"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"DEEP_CONTENT_POLL_INTERVAL" env-default:"2s"`
	MaxAttempts   int           `yaml:"max_attempts" env:"DEEP_CONTENT_MAX_ATTEMPTS" env-default:"3"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" env:"DEEP_CONTENT_FETCH_TIMEOUT" env-default:"10s"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" env:"DEEP_CONTENT_MAX_BODY_BYTES" env-default:"5242880"`
	MinTextLength int           `yaml:"min_text_length" env:"DEEP_CONTENT_MIN_TEXT_LENGTH" env-default:"100"`
	ChunkTokens   int           `yaml:"chunk_tokens" env:"DEEP_CONTENT_CHUNK_TOKENS" env-default:"512"`
	UserAgent     string        `yaml:"user_agent" env:"DEEP_CONTENT_USER_AGENT" env-default:"ekaya-insights/1.0"`
}

// DetectorConfig controls change detection.
type DetectorConfig struct {
	Workers      int           `yaml:"workers" env:"DETECTOR_WORKERS" env-default:"4"`
	PollInterval time.Duration `yaml:"poll_interval" env:"DETECTOR_POLL_INTERVAL" env-default:"2s"`
	MaxAttempts  int           `yaml:"max_attempts" env:"DETECTOR_MAX_ATTEMPTS" env-default:"3"`
	LLMRetries   int           `yaml:"llm_retries" env:"DETECTOR_LLM_RETRIES" env-default:"2"`
	// MaxChunksInPrompt bounds how much page text goes into one prompt.
	MaxChunksInPrompt int `yaml:"max_chunks_in_prompt" env:"DETECTOR_MAX_CHUNKS_IN_PROMPT" env-default:"12"`
}

// LearningConfig controls feedback-driven threshold refinement.
type LearningConfig struct {
	RefineInterval       time.Duration `yaml:"refine_interval" env:"LEARNING_REFINE_INTERVAL" env-default:"1h"`
	WindowDays           int           `yaml:"window_days" env:"LEARNING_WINDOW_DAYS" env-default:"30"`
	MinSamples           int           `yaml:"min_samples" env:"LEARNING_MIN_SAMPLES" env-default:"10"`
	FalsePositiveCeiling float64       `yaml:"false_positive_ceiling" env:"LEARNING_FALSE_POSITIVE_CEILING" env-default:"0.25"`
	RelevantFloor        float64       `yaml:"relevant_floor" env:"LEARNING_RELEVANT_FLOOR" env-default:"0.9"`
	ConfidenceZ          float64       `yaml:"confidence_z" env:"LEARNING_CONFIDENCE_Z" env-default:"1.0"`
	ThresholdStep        float64       `yaml:"threshold_step" env:"LEARNING_THRESHOLD_STEP" env-default:"0.05"`
	ThresholdFloor       float64       `yaml:"threshold_floor" env:"LEARNING_THRESHOLD_FLOOR" env-default:"0.3"`
	ThresholdCeiling     float64       `yaml:"threshold_ceiling" env:"LEARNING_THRESHOLD_CEILING" env-default:"0.95"`
	SuppressionMinHits   int           `yaml:"suppression_min_hits" env:"LEARNING_SUPPRESSION_MIN_HITS" env-default:"3"`
}

// NotificationsConfig configures delivery channels.
type NotificationsConfig struct {
	DigestCheckInterval time.Duration `yaml:"digest_check_interval" env:"NOTIFY_DIGEST_CHECK_INTERVAL" env-default:"5m"`
	MaxRetries          int           `yaml:"max_retries" env:"NOTIFY_MAX_RETRIES" env-default:"3"`
	Timeout             time.Duration `yaml:"timeout" env:"NOTIFY_TIMEOUT" env-default:"10s"`
	SMTP                SMTPConfig    `yaml:"smtp"`
	PushGatewayURL      string        `yaml:"push_gateway_url" env:"NOTIFY_PUSH_GATEWAY_URL" env-default:""`
	PushGatewayToken    string        `yaml:"-" env:"NOTIFY_PUSH_GATEWAY_TOKEN"`
	AppURL              string        `yaml:"app_url" env:"NOTIFY_APP_URL" env-default:""`
}

// SMTPConfig configures the email channel. Empty Host disables email.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST" env-default:""`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USERNAME" env-default:""`
	Password string `yaml:"-" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"SMTP_FROM" env-default:"alerts@ekaya.ai"`
}

// RetentionConfig controls expiry of snapshots, pages and alerts.
type RetentionConfig struct {
	Interval time.Duration `yaml:"interval" env:"RETENTION_INTERVAL" env-default:"24h"`
}

// TenantDefaults apply when a tenant has not overridden a setting.
type TenantDefaults struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"DEFAULT_CONFIDENCE_THRESHOLD" env-default:"0.7"`
	DigestSchedule      string  `yaml:"digest_schedule" env:"DEFAULT_DIGEST_SCHEDULE" env-default:"daily"`
	RetentionDays       int     `yaml:"retention_days" env:"DEFAULT_RETENTION_DAYS" env-default:"90"`
	LearningEnabled     bool    `yaml:"learning_enabled" env:"DEFAULT_LEARNING_ENABLED" env-default:"true"`
	MaxActiveSearches   int64   `yaml:"max_active_searches" env:"DEFAULT_MAX_ACTIVE_SEARCHES" env-default:"50"`
	MaxDailyExecutions  int64   `yaml:"max_daily_executions" env:"DEFAULT_MAX_DAILY_EXECUTIONS" env-default:"500"`
	MaxDailyNotify      int64   `yaml:"max_daily_notifications" env:"DEFAULT_MAX_DAILY_NOTIFICATIONS" env-default:"1000"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.resolveDockerHosts()

	if err := cfg.validate(); err != nil {
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

// validate rejects settings the pipeline cannot run with.
func (c *Config) validate() error {
	if c.LLM.Provider != "openai" && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if c.Executor.Workers <= 0 || c.DeepContent.Workers <= 0 || c.Detector.Workers <= 0 {
		return fmt.Errorf("worker counts must be positive")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be positive")
	}
	if c.DeepContent.FetchTimeout > 30*time.Second {
		return fmt.Errorf("deep_content.fetch_timeout must not exceed 30s")
	}
	if c.Learning.ThresholdFloor >= c.Learning.ThresholdCeiling {
		return fmt.Errorf("learning.threshold_floor must be below learning.threshold_ceiling")
	}
	if c.Defaults.ConfidenceThreshold < 0 || c.Defaults.ConfidenceThreshold > 1 {
		return fmt.Errorf("defaults.confidence_threshold must be within [0,1]")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

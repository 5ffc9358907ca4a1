package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// SchemaEmbeddingDimensions is the width of the chunks.embedding column.
const SchemaEmbeddingDimensions = 1536

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	// Payload storage falls back to Postgres when S3 is not configured
	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"lectern-documents"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	OpenAIAPIKey        string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `envconfig:"OPENAI_BASE_URL"`
	ChatModel           string        `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	VisionModel         string        `envconfig:"VISION_MODEL" default:"gpt-4o-mini"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int           `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	ProviderRPS         float64       `envconfig:"PROVIDER_RPS" default:"8"`
	ProviderTimeout     time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"45s"`

	RetryMaxAttempts  int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"500ms"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`

	MaxUploadBytes     int64         `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`
	PageOverlap        float64       `envconfig:"PAGE_OVERLAP" default:"0.25"`
	OCRLanguage        string        `envconfig:"OCR_LANGUAGE" default:"eng"`
	RenderDPI          int           `envconfig:"RENDER_DPI" default:"150"`
	PageConcurrency    int           `envconfig:"PAGE_CONCURRENCY" default:"4"`
	EmbedConcurrency   int           `envconfig:"EMBED_CONCURRENCY" default:"6"`
	IngestConcurrency  int           `envconfig:"INGEST_CONCURRENCY" default:"2"`
	IngestPollInterval time.Duration `envconfig:"INGEST_POLL_INTERVAL" default:"5s"`
	StaleJobAfter      time.Duration `envconfig:"STALE_JOB_AFTER" default:"30m"`

	TopK            int     `envconfig:"TOP_K" default:"3"`
	MinScore        float64 `envconfig:"MIN_SCORE" default:"0"`
	AugmentFallback bool    `envconfig:"AUGMENT_FALLBACK" default:"true"`
	SummaryWindow   int     `envconfig:"SUMMARY_WINDOW" default:"2048"`

	// Command line of the normalization child process, e.g. "python3 normalize.py"
	NormalizerCommand string `envconfig:"NORMALIZER_COMMAND"`

	RedisAddr         string        `envconfig:"REDIS_ADDR"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `envconfig:"REDIS_DB" default:"0"`
	EmbeddingCacheTTL time.Duration `envconfig:"EMBEDDING_CACHE_TTL" default:"168h"`

	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS"`
	KafkaDocumentTopic string   `envconfig:"KAFKA_DOCUMENT_TOPIC" default:"lectern.documents"`

	SentryDSN      string `envconfig:"SENTRY_DSN"`
	PromptsFile    string `envconfig:"PROMPTS_FILE"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("LECTERN", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) validate() error {
	if c.PageOverlap < 0 || c.PageOverlap > 1 {
		return fmt.Errorf("PAGE_OVERLAP must be between 0 and 1, got %v", c.PageOverlap)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("TOP_K must be positive, got %d", c.TopK)
	}
	if c.SummaryWindow <= 0 {
		return fmt.Errorf("SUMMARY_WINDOW must be positive, got %d", c.SummaryWindow)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.EmbeddingDimensions != SchemaEmbeddingDimensions {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be %d to match the chunks table, got %d",
			SchemaEmbeddingDimensions, c.EmbeddingDimensions)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}

func (c *Config) HasKafka() bool {
	return len(c.KafkaBrokers) > 0
}

func (c *Config) HasNormalizerCommand() bool {
	return c.NormalizerCommand != ""
}

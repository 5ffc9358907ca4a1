package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloo-solutions/lectern/internal/cache"
	"github.com/cloo-solutions/lectern/internal/config"
	"github.com/cloo-solutions/lectern/internal/database"
	"github.com/cloo-solutions/lectern/internal/events"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/cloo-solutions/lectern/internal/normalize"
	"github.com/cloo-solutions/lectern/internal/ocr"
	"github.com/cloo-solutions/lectern/internal/openai"
	"github.com/cloo-solutions/lectern/internal/pdf"
	"github.com/cloo-solutions/lectern/internal/prompt"
	"github.com/cloo-solutions/lectern/internal/repository"
	"github.com/cloo-solutions/lectern/internal/resilience"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/cloo-solutions/lectern/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goopenai "github.com/sashabaranov/go-openai"
)

// components is the wired object graph shared by every command.
type components struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	documentRepo *repository.DocumentRepository
	chunkRepo    *repository.ChunkRepository
	jobRepo      *repository.IngestionJobRepository

	documents *service.DocumentService
	pipeline  *service.IngestionPipeline
	augmenter *service.QueryAugmenter
	answers   *service.AnswerService

	redis   *cache.RedisStore
	closers []func() error
	logger  *slog.Logger
}

// buildComponents connects to Postgres and wires the services. Close must
// be called even when an error is returned.
func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{cfg: cfg, logger: logger.WithComponent("admin")}

	if !cfg.HasOpenAI() {
		return c, errors.New("OPENAI_API_KEY is required")
	}

	prompts, err := prompt.Load(cfg.PromptsFile)
	if err != nil {
		return c, err
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.MetricsEnabled {
		c.metrics = metrics.New(c.registry)
	}

	pool, err := database.NewPool(ctx, database.Config{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
	})
	if err != nil {
		return c, err
	}
	c.pool = pool
	c.logger.Info("connected to database")

	c.documentRepo = repository.NewDocumentRepository(pool)
	c.chunkRepo = repository.NewChunkRepository(pool)
	c.jobRepo = repository.NewIngestionJobRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	blobs, err := c.blobStore(ctx)
	if err != nil {
		return c, err
	}

	oaCfg := openai.Config{
		APIKey:              cfg.OpenAIAPIKey,
		BaseURL:             cfg.OpenAIBaseURL,
		EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		ChatModel:           cfg.ChatModel,
		VisionModel:         cfg.VisionModel,
		VisionPrompt:        prompts.Describe,
		Timeout:             cfg.ProviderTimeout,
		Limiter:             openai.NewRateLimiter(cfg.ProviderRPS),
	}
	api := openai.NewAPI(oaCfg)
	chat := openai.NewChatClient(api, oaCfg)

	embedder, err := c.embedder(ctx, openai.NewClientWithConfig(oaCfg))
	if err != nil {
		return c, err
	}

	normalizer, err := c.normalizer()
	if err != nil {
		return c, err
	}

	publisher := c.publisher()

	retry := resilience.RetryConfig{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}

	c.documents = service.NewDocumentServiceWithTx(c.documentRepo, c.jobRepo, c.chunkRepo, blobs, cfg.MaxUploadBytes, txRunner)
	c.documents.SetEventPublisher(publisher)

	c.pipeline = service.NewIngestionPipeline(service.IngestionDeps{
		Documents:  c.documentRepo,
		Chunks:     c.chunkRepo,
		Blobs:      blobs,
		Renderer:   pdf.NewRenderer(nil, pdf.Config{DPI: cfg.RenderDPI, Concurrency: cfg.PageConcurrency, Timeout: cfg.ProviderTimeout}),
		OCR:        ocr.NewTesseract(nil, ocr.Config{Timeout: cfg.ProviderTimeout}),
		Describer:  openai.NewVisionClient(api, oaCfg),
		Normalizer: normalizer,
		Embedder:   embedder,
		TxRunner:   txRunner,
		Events:     publisher,
		Metrics:    c.metrics,
	}, service.IngestionConfig{
		PageOverlap:      cfg.PageOverlap,
		OCRLanguage:      cfg.OCRLanguage,
		PageConcurrency:  cfg.PageConcurrency,
		EmbedConcurrency: cfg.EmbedConcurrency,
		Dimensions:       cfg.EmbeddingDimensions,
		Retry:            retry,
	})

	c.augmenter = service.NewQueryAugmenter(normalizer, embedder, c.chunkRepo, service.AugmentConfig{
		TopK:     cfg.TopK,
		MinScore: cfg.MinScore,
		Template: prompts.Augment,
		Retry:    retry,
	})
	c.augmenter.SetMetrics(c.metrics)

	summarizer := service.NewReduceSummarizer(chat, service.SummarizeConfig{
		WindowSize:  cfg.SummaryWindow,
		Concurrency: cfg.PageConcurrency,
		Template:    prompts.Summarize,
		Retry:       retry,
	})
	summarizer.SetMetrics(c.metrics)

	composer := service.NewResponseComposer(chat, prompts.Compose, retry)

	c.answers = service.NewAnswerService(c.documentRepo, c.augmenter, summarizer, composer, cfg.AugmentFallback)
	c.answers.SetMetrics(c.metrics)

	return c, nil
}

func (c *components) blobStore(ctx context.Context) (service.BlobStore, error) {
	if !c.cfg.HasS3() {
		c.logger.Info("S3 not configured, storing payloads in postgres")
		return repository.NewPayloadRepository(c.pool), nil
	}
	client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        c.cfg.S3Endpoint,
		Region:          c.cfg.S3Region,
		AccessKeyID:     c.cfg.S3AccessKey,
		SecretAccessKey: c.cfg.S3SecretKey,
		Bucket:          c.cfg.S3Bucket,
		UsePathStyle:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
	}
	c.logger.Info("S3 bucket ready", "bucket", c.cfg.S3Bucket)
	return client, nil
}

func (c *components) embedder(ctx context.Context, upstream *openai.Client) (service.Embedder, error) {
	if !c.cfg.HasRedis() {
		return upstream, nil
	}
	store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addr:     c.cfg.RedisAddr,
		Password: c.cfg.RedisPassword,
		DB:       c.cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	c.redis = store
	c.closers = append(c.closers, store.Close)

	cached := cache.NewEmbeddingCache(upstream, store, upstream.Model(), c.cfg.EmbeddingCacheTTL)
	cached.SetTimeout(c.cfg.ProviderTimeout)
	c.metrics.RegisterCacheStats(cached.Stats)
	c.logger.Info("embedding cache enabled", "addr", c.cfg.RedisAddr)
	return cached, nil
}

func (c *components) normalizer() (service.Normalizer, error) {
	if !c.cfg.HasNormalizerCommand() {
		return normalize.NewLocal(), nil
	}
	proc, err := normalize.NewSubprocess(c.cfg.NormalizerCommand, logger.WithComponent("normalizer"))
	if err != nil {
		return nil, err
	}
	proc.SetTimeout(c.cfg.ProviderTimeout)
	c.closers = append(c.closers, proc.Close)
	return proc, nil
}

func (c *components) publisher() service.EventPublisher {
	if !c.cfg.HasKafka() {
		return events.Nop{}
	}
	producer := events.NewProducer(c.cfg.KafkaBrokers, c.cfg.KafkaDocumentTopic)
	c.closers = append(c.closers, producer.Close)
	c.logger.Info("publishing document events", "topic", c.cfg.KafkaDocumentTopic)
	return producer
}

// Close releases connections in reverse order of creation.
func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("close failed", "error", err)
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
}

func loadComponents(ctx context.Context) (*components, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	c, err := buildComponents(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/Lexa/internal/api/handlers"
	"github.com/markdave123-py/Lexa/internal/config"
	"github.com/markdave123-py/Lexa/internal/core"
	"github.com/markdave123-py/Lexa/internal/core/answering"
	"github.com/markdave123-py/Lexa/internal/core/chunker"
	db "github.com/markdave123-py/Lexa/internal/core/database"
	"github.com/markdave123-py/Lexa/internal/core/ingestion_engine"
	"github.com/markdave123-py/Lexa/internal/core/llm"
	"github.com/markdave123-py/Lexa/internal/core/memstore"
	objectclient "github.com/markdave123-py/Lexa/internal/core/object-client"
	"github.com/markdave123-py/Lexa/internal/core/qdrant"
	"github.com/markdave123-py/Lexa/internal/services"
)

type App struct {
	Documents core.DocumentRepository
	Vectors   core.VectorIndex
	Objects   core.ObjectClient
	Ingestor  *ingestion_engine.DocumentIngestor
	Engine    *answering.Engine
	Service   *services.DocumentService
	Server    *Server

	closers []func() error
}

// NewApp selects the configured backends and wires the ingestion pipeline,
// the answering engine and the HTTP server on top of them.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	embedder, err := a.newEmbedder(appCtx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	if err := a.newStores(appCtx, cfg, logger); err != nil {
		return nil, err
	}
	if err := a.newObjects(appCtx, cfg, logger); err != nil {
		return nil, err
	}
	generator, err := a.newLLM(appCtx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the generator, %w", err)
	}

	chunks, err := chunker.New(
		chunker.WithMaxSize(cfg.ChunkSize),
		chunker.WithOverlap(cfg.ChunkOverlap),
		chunker.WithTokenCounter(tokenCounter(cfg.Tokenizer, logger)),
	)
	if err != nil {
		return nil, err
	}

	useReadability := false
	a.Ingestor, err = ingestion_engine.NewDocumentIngestor(ingestion_engine.Dependencies{
		Documents: a.Documents,
		Vectors:   a.Vectors,
		Objects:   a.Objects,
		Embedder:  embedder,
		Extractor: ingestion_engine.NewDocconvExtractor(useReadability),
		Chunker:   chunks,
		Logger:    logger,
	}, ingestion_engine.IngestConfig{
		BatchSize:  cfg.EmbedBatchSize,
		QueueSize:  cfg.IngestQueue,
		JobTimeout: cfg.IngestTimeout,
	})
	if err != nil {
		return nil, err
	}

	a.Engine = answering.New(embedder, a.Vectors, generator, a.Documents, answering.Options{
		DefaultTopK: cfg.QueryTopK,
		Logger:      logger,
	})
	a.Service = services.NewDocumentService(a.Documents, a.Vectors, a.Objects, a.Ingestor, logger)

	router := NewRouter(RouterConfig{
		Documents:      handlers.NewDocumentHandler(a.Service, a.Engine, int64(cfg.MaxUploadMB)<<20),
		Queries:        handlers.NewQueryHandler(a.Engine, cfg.SearchTopK, cfg.QueryTopK),
		JWTSecret:      cfg.JWTSecret,
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})
	a.Server = NewServer(cfg.Port, router, logger)
	return a, nil
}

func (a *App) newStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var dbClient *db.DatabaseClient
	if cfg.VectorBackend == "pgvector" || cfg.DatabaseURL != "" {
		c, err := db.NewDatabaseClient(ctx, db.Options{
			URL:         cfg.DatabaseURL,
			SSLRootCert: cfg.SslCertPath,
			Dimensions:  cfg.EmbedDim,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, c.Close)
		dbClient = c
		a.Documents = c.Documents()
		logger.Info("database initialized and ready")
	} else {
		a.Documents = memstore.NewDocumentStore()
		logger.Warn("no DATABASE_URL configured, documents are kept in memory")
	}

	switch cfg.VectorBackend {
	case "pgvector":
		a.Vectors = dbClient.Vectors()
	case "qdrant":
		s, err := qdrant.New(ctx, qdrant.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.CollectionName,
			Dimensions: cfg.EmbedDim,
		})
		if err != nil {
			return err
		}
		a.Vectors = s
	default:
		a.Vectors = memstore.NewVectorIndex(cfg.EmbedDim)
	}
	logger.Info("vector index ready", "backend", cfg.VectorBackend, "dimensions", a.Vectors.Dimensions())
	return nil
}

func (a *App) newObjects(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.ObjectBackend != "s3" {
		a.Objects = objectclient.NewMemoryClient()
		return nil
	}
	c, err := objectclient.NewS3Client(ctx, objectclient.S3Options{
		AccessKey: cfg.AwsAccessKey,
		SecretKey: cfg.AwsSecretKey,
		Region:    cfg.AwsRegion,
		Bucket:    cfg.BucketName,
	})
	if err != nil {
		return err
	}
	a.Objects = c
	logger.Info("object client initialized and ready", "bucket", cfg.BucketName)
	return nil
}

func (a *App) newEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.EmbeddingProvider, error) {
	var inner core.EmbeddingProvider
	switch cfg.EmbedProvider {
	case "gemini":
		g, err := llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		inner = g
	case "ollama":
		o, err := llm.NewOllamaEmbedder(llm.OllamaConfig{
			BaseURL:    cfg.OllamaURL,
			Model:      cfg.EmbedModel,
			Dimensions: cfg.EmbedDim,
		})
		if err != nil {
			return nil, err
		}
		inner = o
	default:
		inner = llm.NewHashEmbedder(cfg.EmbedDim)
	}
	return llm.NewResilientEmbedder(inner, retryPolicy(cfg, cfg.EmbedTimeout), llm.NewLimiter(cfg.EmbedRPS), logger), nil
}

// newLLM returns nil for LLM_PROVIDER=none; answers then degrade.
func (a *App) newLLM(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.LLMProvider, error) {
	var inner core.LLMProvider
	switch cfg.LLMProvider {
	case "gemini":
		g, err := llm.NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		inner = g
	case "openai":
		o, err := llm.NewOpenAILLM(llm.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel})
		if err != nil {
			return nil, err
		}
		inner = o
	case "deepseek":
		o, err := llm.NewOpenAILLM(llm.OpenAIConfig{APIKey: cfg.DeepSeekAPIKey, BaseURL: cfg.DeepSeekURL, Model: cfg.DeepSeekModel})
		if err != nil {
			return nil, err
		}
		inner = o
	default:
		logger.Warn("no generation backend configured, questions will be answered with an apology")
		return nil, nil
	}
	return llm.NewResilientLLM(inner, retryPolicy(cfg, cfg.GenTimeout), logger), nil
}

func retryPolicy(cfg *config.Config, timeout time.Duration) llm.RetryPolicy {
	return llm.RetryPolicy{
		Attempts:  cfg.RetryAttempts,
		BaseDelay: cfg.RetryBaseDelay,
		Timeout:   timeout,
	}
}

func tokenCounter(model string, logger *slog.Logger) chunker.TokenCounter {
	if model == "" {
		return chunker.ApproxCounter{}
	}
	tc, err := chunker.NewTiktokenCounter(model)
	if err != nil {
		logger.Warn("tokenizer unavailable, estimating token counts", "model", model, "err", err)
		return chunker.ApproxCounter{}
	}
	return tc
}

// Close releases every backend opened by NewApp, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

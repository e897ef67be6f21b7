package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/contexta/internal/api/handlers"
	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/chat"
	db "github.com/markdave123-py/contexta/internal/core/database"
	"github.com/markdave123-py/contexta/internal/core/events"
	"github.com/markdave123-py/contexta/internal/core/indexer"
	"github.com/markdave123-py/contexta/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta/internal/core/llm"
	"github.com/markdave123-py/contexta/internal/core/memstore"
	objectclient "github.com/markdave123-py/contexta/internal/core/object-client"
	"github.com/markdave123-py/contexta/internal/core/retrieval"
	"github.com/markdave123-py/contexta/internal/services"
)

// Backends are the external systems the pipeline runs on.
//
// Store:     metadata and vectors.
// Objects:   raw uploads and processed text.
// Queue:     conversion jobs.
// Embedder:  chunk and query embeddings.
// Providers: chat models; Config.PrimaryProvider must be among them.
// Reranker:  cross-encoder, nil keeps similarity order.
type Backends struct {
	Store     db.Store
	Objects   core.ObjectClient
	Queue     core.JobQueue
	Embedder  core.EmbeddingProvider
	Providers []llm.Provider
	Reranker  retrieval.Reranker
	Checks    map[string]handlers.Pinger
	Closers   []func() error
}

type App struct {
	Store     db.Store
	Objects   core.ObjectClient
	Hub       *events.Hub
	Ingestor  *ingestion_engine.DocumentIngestor
	Documents *services.DocumentService
	Search    *retrieval.Engine
	Chat      *chat.Manager
	Router    *llm.Router
	Server    *Server

	cfg     *config.Config
	closers []func() error
}

// NewApp connects to the configured backends and wires the pipeline.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	b, err := connect(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a, err := Wire(cfg, b)
	if err != nil {
		for _, c := range b.Closers {
			_ = c()
		}
		return nil, err
	}
	return a, nil
}

func connect(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{Checks: map[string]handlers.Pinger{}}

	switch cfg.StoreDriver {
	case "memory":
		b.Store = memstore.NewStore()
		b.Objects = memstore.NewObjectStore()
		b.Queue = memstore.NewQueue(0)
		slog.Warn("running with in-memory store, nothing survives a restart")
	default:
		dbClient, err := db.NewDatabaseClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("database initialized and ready")
		b.Store = dbClient
		b.Queue = db.NewJobQueue(dbClient, cfg.JobTimeout+time.Minute, time.Second)
		b.Checks["database"] = dbClient.Ping
		b.Closers = append(b.Closers, dbClient.Close)

		objClient, err := objectclient.NewS3Client(ctx, cfg)
		if err != nil {
			_ = dbClient.Close()
			return nil, err
		}
		slog.Info("object client initialized and ready")
		b.Objects = objClient
	}

	fail := func(err error) (*Backends, error) {
		for _, c := range b.Closers {
			_ = c()
		}
		return nil, err
	}

	switch cfg.EmbedProvider {
	case "openai":
		b.Embedder = llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
	default:
		emb, err := llm.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return fail(fmt.Errorf("couldn't initialize the embedder: %w", err))
		}
		b.Embedder = emb
		b.Closers = append(b.Closers, emb.Close)
	}

	if cfg.GeminiAPIKey != "" {
		gem, err := llm.NewGeminiLLM(ctx, cfg.GeminiAPIKey, cfg.GenModel, cfg.LLMTimeout, cfg.ModelInputBudget, llm.DefaultPricing["gemini"])
		if err != nil {
			return fail(fmt.Errorf("couldn't initialize gemini: %w", err))
		}
		b.Providers = append(b.Providers, gem)
		b.Closers = append(b.Closers, gem.Close)
	}
	if cfg.OpenAIAPIKey != "" {
		b.Providers = append(b.Providers,
			llm.NewOpenAIChat(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.LLMTimeout, cfg.ModelInputBudget, llm.DefaultPricing["openai"]))
	}
	if cfg.AnthropicAPIKey != "" {
		b.Providers = append(b.Providers,
			llm.NewAnthropicLLM(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.LLMTimeout, cfg.ModelInputBudget, llm.DefaultPricing["anthropic"]))
	}

	if cfg.RerankerURL != "" {
		var rr retrieval.Reranker = retrieval.NewHTTPReranker(cfg.RerankerURL, cfg.RerankTimeout)
		if cfg.RerankCacheTTL > 0 {
			rr = retrieval.NewCachedReranker(rr, cfg.RerankCacheTTL)
		}
		b.Reranker = rr
	} else {
		slog.Warn("RERANKER_URL not set, results keep similarity order")
	}
	return b, nil
}

// Wire assembles the pipeline on top of already connected backends.
func Wire(cfg *config.Config, b *Backends) (*App, error) {
	if b.Store == nil || b.Objects == nil || b.Queue == nil || b.Embedder == nil {
		return nil, errors.New("store, objects, queue and embedder are required")
	}
	router, err := llm.NewRouter(cfg.PrimaryProvider, cfg.FallbackProvider, b.Providers...)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()
	ix := indexer.New(b.Store, b.Store, b.Embedder, indexer.Config{
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.EmbedConcurrency,
		RPS:         cfg.EmbedRPS,
		Timeout:     cfg.EmbedTimeout,
		Attempts:    3,
		Backoff:     200 * time.Millisecond,
	})
	ingestor := ingestion_engine.NewDocumentIngestor(b.Store, b.Objects, ix, ingestion_engine.NewExtractor(), b.Queue, hub,
		&ingestion_engine.IngestConfig{
			TargetTokens:  cfg.ChunkMaxTokens,
			OverlapTokens: cfg.ChunkOverlapTokens,
			MaxAttempts:   cfg.ConvertMaxAttempts,
			Backoff:       cfg.ConvertBackoff,
			JobTimeout:    cfg.JobTimeout,
		})
	docs := services.NewDocumentService(b.Store, b.Objects, ix, ingestor)

	engine := retrieval.NewEngine(b.Store, b.Store, b.Embedder, b.Reranker, retrieval.Config{
		TopK:          cfg.SearchTopK,
		CandidatePool: cfg.CandidatePool,
		EmbedTimeout:  cfg.EmbedTimeout,
		RerankTimeout: cfg.RerankTimeout,
	})
	chats := chat.NewManager(b.Store, engine, router, chat.Config{
		HistoryWindow:   cfg.HistoryWindow,
		TopK:            cfg.SearchTopK,
		ContextBudget:   cfg.ContextTokenBudget,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})

	server := NewServer(cfg, Handlers{
		Documents: handlers.NewDocumentHandler(docs, hub, int64(cfg.MaxUploadMB)<<20, cfg.CORSOrigins),
		Search:    handlers.NewSearchHandler(engine, 0),
		Chat:      handlers.NewChatHandler(chats),
		Health:    handlers.NewHealthHandler(b.Checks),
	})

	slog.Info("pipeline wired", "store", cfg.StoreDriver, "providers", router.Providers(),
		"primary", cfg.PrimaryProvider, "fallback", cfg.FallbackProvider, "reranker", b.Reranker != nil)

	return &App{
		Store:     b.Store,
		Objects:   b.Objects,
		Hub:       hub,
		Ingestor:  ingestor,
		Documents: docs,
		Search:    engine,
		Chat:      chats,
		Router:    router,
		Server:    server,
		cfg:       cfg,
		closers:   b.Closers,
	}, nil
}

// StartWorkers launches the conversion worker pool.
func (a *App) StartWorkers(ctx context.Context) {
	n := a.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}
	a.Ingestor.Start(ctx, n)
	slog.Info("conversion workers started", "count", n)
}

func (a *App) Close() {
	a.Hub.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close backend", "err", err)
		}
	}
}

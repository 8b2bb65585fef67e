// Package app assembles the NL2SQL services from configuration. The HTTP
// server and the command line tool share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/audit"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/config"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/crypto"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/llm"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/schema"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

// App holds the wired services and the connections behind them.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *database.DB
	Redis    *redis.Client
	Registry *schema.Registry

	Engine   services.NL2SQLEngine
	Answers  services.AnswerService
	Entities services.EntityResolver
	MCPAudit services.MCPAuditService

	// ResumeTokens is nil unless Redis is configured.
	ResumeTokens repositories.ResumeTokenRepository

	EntityIngestion   services.EntityIngestionService
	GuidanceIngestion services.GuidanceIngestionService
	ColumnIngestion   services.ColumnIngestionService
	DocumentIngestion services.DocumentIngestionService
	EntitySync        services.EntitySyncService

	closers []func()
}

// LoadRegistry returns the schema registry named by cfg.SchemaFile, or the
// embedded default.
func LoadRegistry(cfg *config.Config) (*schema.Registry, error) {
	if cfg.SchemaFile != "" {
		return schema.LoadFile(cfg.SchemaFile)
	}
	return schema.Default()
}

// New connects to the database and optional Redis, then builds every service.
// Migrations must have run already. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	registry, err := LoadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to load schema registry: %w", err)
	}
	a.Registry = registry

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	if redisClient != nil {
		a.Redis = redisClient
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
	}

	sealer, err := crypto.NewStateSealer(cfg.ResumeTokenKey, cfg.ResumeTokenTTL)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidKey) {
			return fmt.Errorf("RESUME_TOKEN_KEY is required: %w", err)
		}
		return fmt.Errorf("failed to create resume token sealer: %w", err)
	}

	collaborators, err := llm.NewCollaborators(cfg, a.Logger.Named("llm"))
	if err != nil {
		return err
	}

	// Query-time lookups repeat often; ingestion embeds each text once.
	queryEmbedder := collaborators.Embedder
	if a.Redis != nil {
		cache := repositories.NewRedisEmbeddingCache(a.Redis, cfg.Redis.TTL)
		queryEmbedder = llm.NewCachedEmbedder(collaborators.Embedder, cache, cfg.Embedding.Model, a.Logger)
		a.Logger.Info("Query embedding cache enabled", zap.String("redis_host", cfg.Redis.Host))
		a.ResumeTokens = repositories.NewRedisResumeTokenRepository(a.Redis, cfg.ResumeTokenTTL)
	}

	documents, err := a.documentStore(ctx)
	if err != nil {
		return err
	}

	entityRepo := repositories.NewEntityRepository(db)
	guidanceRepo := repositories.NewGuidanceRepository(db)
	columnRepo := repositories.NewColumnRepository(db)
	sourceRepo := repositories.NewSourceRepository(db)

	limits := services.RowLimits{Default: cfg.Gateway.DefaultRowLimit, Max: cfg.Gateway.MaxRowLimit}
	auditor := audit.NewSecurityAuditor(a.Logger)
	gateway := services.NewSQLGateway(db, limits, cfg.Gateway.StatementTimeout, auditor, a.Logger)

	r := cfg.Resolver
	entityCutoff := services.CutoffOptions{SoftK: r.EntitySoftK, HardK: r.EntityHardK, Threshold: r.EntityThreshold}
	confidence := services.ConfidencePolicy{HardMinimum: r.HardMinimum, Margin: r.Margin}

	guidance := services.NewGuidanceRetriever(guidanceRepo, queryEmbedder,
		services.CutoffOptions{SoftK: r.GuidanceSoftK, HardK: r.GuidanceHardK, Threshold: r.GuidanceThreshold}, a.Logger)
	planner := services.NewPlanner(registry, guidance, collaborators.Completer, limits, cfg.LLM.Temperature, a.Logger)
	columns := services.NewColumnResolver(columnRepo, registry, queryEmbedder, a.Logger)
	a.Entities = services.NewEntityResolver(entityRepo, queryEmbedder, a.Logger)

	a.Engine = services.NewNL2SQLEngine(
		registry,
		planner,
		columns,
		a.Entities,
		services.NewSQLAssembler(registry, limits),
		gateway,
		sealer,
		services.EngineConfig{
			Entity:     entityCutoff,
			Confidence: confidence,
			ColumnK:    r.ColumnK,
			Hydrate:    r.Hydrate,
		},
		a.Logger,
	)

	reranker := services.NewDeterministicReranker(services.RerankWeights{
		Similarity: cfg.Documents.RerankSimilarity,
		Freshness:  cfg.Documents.RerankFreshness,
		Authority:  cfg.Documents.RerankAuthority,
	})
	retriever := services.NewDocumentRetriever(documents, queryEmbedder, reranker, cfg.Documents.CandidateK, cfg.Documents.MinSimilarity, a.Logger)
	a.Answers = services.NewAnswerService(a.Engine, gateway, retriever, collaborators.Completer, cfg.Documents.TopK, cfg.LLM.Temperature, a.Logger)

	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: cfg.Embedding.Workers}, a.Logger)
	batch := cfg.Embedding.BatchSize
	a.EntityIngestion = services.NewEntityIngestionService(registry, sourceRepo, entityRepo, collaborators.Embedder, pool, batch, a.Logger)
	a.GuidanceIngestion = services.NewGuidanceIngestionService(registry, guidanceRepo, collaborators.Embedder, pool, batch, a.Logger)
	a.ColumnIngestion = services.NewColumnIngestionService(registry, columnRepo, collaborators.Embedder, pool, batch, a.Logger)
	a.DocumentIngestion = services.NewDocumentIngestionService(documents, collaborators.Embedder, pool, batch, a.Logger)
	a.EntitySync = services.NewEntitySyncService(registry, a.Entities, a.EntityIngestion, gateway, r.EntityThreshold, a.Logger)

	a.MCPAudit = services.NewMCPAuditService(repositories.NewMCPAuditRepository(db), a.Logger)
	return nil
}

func (a *App) documentStore(ctx context.Context) (repositories.DocumentStore, error) {
	cfg := a.Config.Documents
	if cfg.Backend != "qdrant" {
		return repositories.NewPgDocumentStore(a.DB), nil
	}

	store, err := repositories.NewQdrantDocumentStore(cfg.QdrantURL, cfg.Collection, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	if err := store.EnsureCollection(ctx, a.Config.Embedding.Dimensions); err != nil {
		return nil, fmt.Errorf("failed to prepare qdrant collection %s: %w", cfg.Collection, err)
	}
	return store, nil
}

// HealthChecks returns a ping per backing connection.
func (a *App) HealthChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"database": func(ctx context.Context) error { return a.DB.Ping(ctx) },
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

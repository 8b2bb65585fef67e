package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/app"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/config"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/database"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/handlers"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/mcp"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/middleware"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", cfg.Database.User+"@"+cfg.Database.Host+"/"+cfg.Database.Database),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.String("embedding_model", cfg.Embedding.Model),
		zap.String("documents_backend", cfg.Documents.Backend),
		zap.Bool("redis_cache", cfg.Redis.Host != ""),
	)

	if err := database.MigrateURL(cfg.Database.ConnectionString(), cfg.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer a.Close()

	mux := http.NewServeMux()

	checks := make(map[string]handlers.HealthCheck)
	toolChecks := make(map[string]tools.HealthCheck)
	for name, check := range a.HealthChecks() {
		checks[name] = check
		toolChecks[name] = check
	}
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)

	var sessions *handlers.ResumeSessions
	if cfg.SessionKey != "" {
		var tokens handlers.ResumeTokenStore
		if a.ResumeTokens != nil {
			tokens = a.ResumeTokens
		}
		sessions = handlers.NewResumeSessions(cfg.SessionKey, cfg.ResumeTokenTTL, cfg.Env != "local", tokens)
	} else {
		logger.Warn("SESSION_KEY not set; resume calls must carry their token")
	}
	handlers.NewNL2SQLHandler(a.Engine, a.Answers, sessions, logger).RegisterRoutes(mux)
	handlers.NewIngestHandler(a.EntityIngestion, a.GuidanceIngestion, a.ColumnIngestion, a.DocumentIngestion, a.EntitySync, logger).RegisterRoutes(mux)
	handlers.NewMCPAuditHandler(a.MCPAudit, logger).RegisterRoutes(mux)

	auditLogger := mcp.NewAuditLogger(a.MCPAudit, logger)
	mcpServer := mcp.NewServer("ekaya-nl2sql", Version, logger, server.WithHooks(auditLogger.Hooks()))
	tools.RegisterHealthTool(mcpServer.MCP(), Version, toolChecks)
	tools.RegisterNL2SQLTools(mcpServer.MCP(), &tools.NL2SQLToolDeps{
		Answers:  a.Answers,
		Entities: a.Entities,
		Registry: a.Registry,
		Cutoff: services.CutoffOptions{
			SoftK:     cfg.Resolver.EntitySoftK,
			HardK:     cfg.Resolver.EntityHardK,
			Threshold: cfg.Resolver.EntityThreshold,
		},
		Confidence: services.ConfidencePolicy{HardMinimum: cfg.Resolver.HardMinimum, Margin: cfg.Resolver.Margin},
		Logger:     logger.Named("mcp"),
	})
	mux.Handle("/mcp", middleware.MCPRequestLogger(logger)(mcpServer.NewStreamableHTTPServer()))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-nl2sql", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	auditLogger.Wait()
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

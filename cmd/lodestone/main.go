package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/budget"
	"github.com/lodestone-ai/lodestone/internal/chunker"
	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/db"
	dbRedis "github.com/lodestone-ai/lodestone/internal/db/redis"
	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
	logpkg "github.com/lodestone-ai/lodestone/internal/logger"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/rank"
	budgetrepo "github.com/lodestone-ai/lodestone/internal/repository/budget"
	"github.com/lodestone-ai/lodestone/internal/repository/chunkstore"
	"github.com/lodestone-ai/lodestone/internal/repository/embcache"
	"github.com/lodestone-ai/lodestone/internal/resilience"
	"github.com/lodestone-ai/lodestone/internal/token"
	chiTransport "github.com/lodestone-ai/lodestone/internal/transport/chi"
	openaiEmb "github.com/lodestone-ai/lodestone/internal/transport/openai"
	"github.com/lodestone-ai/lodestone/internal/transport/qdrant"
	embeddinguc "github.com/lodestone-ai/lodestone/internal/usecase/embedding"
	healthuc "github.com/lodestone-ai/lodestone/internal/usecase/health"
	ingestuc "github.com/lodestone-ai/lodestone/internal/usecase/ingest"
	retrieveuc "github.com/lodestone-ai/lodestone/internal/usecase/retrieve"
	"github.com/lodestone-ai/lodestone/internal/version"
)

// embedderChain is the decorated embedder assembled in buildEmbedder. Every
// layer supports both single and batch embedding.
type embedderChain interface {
	domain.Embedder
	domain.BatchEmbedder
}

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting lodestone API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("vector_store", fmt.Sprintf("%s:%d", cfg.VectorStore.Host, cfg.VectorStore.Port)),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Username: cfg.Database.Username,
		Password: cfg.Database.Password,
		DB:       cfg.Database.DB,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterRetrievalMetrics()

	vectors, err := qdrant.New(&qdrant.Config{
		Host:       cfg.VectorStore.Host,
		Port:       cfg.VectorStore.Port,
		APIKey:     cfg.VectorStore.APIKey,
		UseTLS:     cfg.VectorStore.UseTLS,
		Collection: cfg.VectorStore.Collection,
		Dimensions: cfg.VectorStore.Dimensions,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Failed to create vector store client", zap.Error(err))
	}
	defer vectors.Close()

	if err := vectors.EnsureCollection(ctx); err != nil {
		logger.Fatal("Failed to ensure vector collection", zap.Error(err))
	}
	logger.Info("Vector store ready", zap.String("collection", cfg.VectorStore.Collection))

	// Embedder chain — composition root
	vecCfg := cfg.Embedding.Vectorizers[cfg.Embedding.DefaultVectorizer]
	provName := vecCfg.Provider
	provCfg := cfg.Embedding.Providers[provName]

	// Single BudgetTracker shared by both embedder chains.
	var budgetTracker *embeddinguc.BudgetTracker
	budgetCfg := provCfg.Budget
	if budgetCfg.DailyTokenLimit > 0 || budgetCfg.MonthlyTokenLimit > 0 {
		action := embeddinguc.BudgetActionWarn
		if budgetCfg.Action == "reject" {
			action = embeddinguc.BudgetActionReject
		}
		budgetTracker = embeddinguc.NewBudgetTracker(
			provName, budgetCfg.DailyTokenLimit, budgetCfg.MonthlyTokenLimit, action, logger,
		)
		budgetStore := budgetrepo.New(store, 48*time.Hour, 62*24*time.Hour)
		budgetTracker.WithStore(ctx, budgetStore)
	}

	// Pass nil interface (not typed nil pointer!) if budget is not configured.
	var budgetChecker embeddinguc.BudgetChecker
	if budgetTracker != nil {
		budgetChecker = budgetTracker
	}

	cacheTTL := time.Duration(cfg.Embedding.CacheTTLSec) * time.Second
	docEmbedder := buildEmbedder(
		provName, provCfg, vecCfg, vecCfg.DocumentInstruction,
		store, cacheTTL, budgetChecker, logger,
	)
	queryEmbedder := buildEmbedder(
		provName, provCfg, vecCfg, vecCfg.QueryInstruction,
		store, cacheTTL, budgetChecker, logger,
	)
	logger.Info("Embedders created",
		zap.String("provider", provName),
		zap.String("model", vecCfg.Model),
		zap.Int("dimensions", vecCfg.Dimensions),
	)

	// Shared resilience primitives, injected everywhere
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		MonitoringWindow: time.Duration(cfg.Resilience.MonitoringWindowSec) * time.Second,
		ResetTimeout:     time.Duration(cfg.Resilience.ResetTimeoutSec) * time.Second,
		HalfOpenMaxCalls: cfg.Resilience.HalfOpenMaxCalls,
		CallTimeout:      time.Duration(cfg.Resilience.CallTimeoutSec) * time.Second,
	})
	retryer := resilience.NewRetryer(resilience.RetryConfig{
		MaxRetries:   cfg.Resilience.MaxRetries,
		InitialDelay: time.Duration(cfg.Resilience.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Resilience.MaxDelayMs) * time.Millisecond,
	})
	tracker := resilience.NewTracker()
	prometheus.MustRegister(metrics.NewBreakerCollector(breakers.Stats))

	counter := token.NewCounter()
	chunks := chunkstore.New(store)
	lexical := index.NewBM25(index.DefaultK1, index.DefaultB)

	ingestSvc := ingestuc.New(
		chunker.New(counter, docEmbedder, logger),
		docEmbedder, vectors, chunks, lexical,
		breakers, retryer, logger,
	)
	if !cfg.Chunking.IsZero() {
		ingestSvc = ingestSvc.WithChunkingDefaults(chunkingOptions(cfg.Chunking))
	}

	retrieveSvc := retrieveuc.New(
		lexical, queryEmbedder, vectors, nil,
		breakers, retryer, tracker, budget.NewAllocator(counter),
		retrieveConfig(cfg.Retrieval), logger,
	)

	healthSvc := healthuc.New(store, newEmbeddingHealthChecker(docEmbedder), vectors, tracker)

	server := chiTransport.NewServer(ingestSvc, retrieveSvc, healthSvc, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// retrieveConfig maps YAML retrieval settings onto the pipeline config.
func chunkingOptions(cc config.ChunkingConfig) chunker.Options {
	return chunker.Options{
		Strategy:           chunker.Strategy(cc.Strategy),
		MaxTokens:          cc.MaxTokens,
		MinTokens:          cc.MinTokens,
		OverlapTokens:      cc.OverlapTokens,
		FallbackToSentence: cc.FallbackToSentence,
		Encoding:           cc.Encoding,
	}
}

func retrieveConfig(rc config.RetrievalConfig) retrieveuc.Config {
	return retrieveuc.Config{
		TopK:           rc.TopK,
		Weights:        rank.Weights{Lexical: rc.LexicalWeight, Vector: rc.VectorWeight},
		Deduplicate:    rc.Deduplicate,
		DedupThreshold: rc.DedupThreshold,
		MMREnabled:     rc.MMR.Enabled,
		MMRLambda:      rc.MMR.Lambda,
		Rerank: rank.RerankConfig{
			Strategy: rank.RerankStrategy(rc.Rerank.Strategy),
			Weights: rank.RerankWeights{
				Relevance: rc.Rerank.Relevance,
				Authority: rc.Rerank.Authority,
				Freshness: rc.Rerank.Freshness,
				Original:  rc.Rerank.Original,
			},
		},
		Threshold: rank.ThresholdOptions{
			Enabled:      rc.Threshold.Enabled,
			Default:      rc.Threshold.Default,
			MinThreshold: rc.Threshold.MinThreshold,
			MaxThreshold: rc.Threshold.MaxThreshold,
			MinResults:   rc.Threshold.MinResults,
			MaxResults:   rc.Threshold.MaxResults,
			Percentile:   rc.Threshold.Percentile,
		},
		WebEnabled:            rc.WebSearch.Enabled,
		WebMaxResults:         rc.WebSearch.MaxResults,
		BudgetModel:           rc.Budget.Model,
		BudgetResponseReserve: rc.Budget.ResponseReserve,
		BudgetAllocation: &budget.Allocation{
			Document: rc.Budget.DocumentRatio,
			Web:      rc.Budget.WebRatio,
		},
	}
}

// embeddingHealthChecker adapts the embedder chain to health.EmbeddingChecker.
type embeddingHealthChecker struct {
	embedder domain.Embedder
}

func newEmbeddingHealthChecker(embedder domain.Embedder) *embeddingHealthChecker {
	return &embeddingHealthChecker{embedder: embedder}
}

func (h *embeddingHealthChecker) HealthCheck(ctx context.Context) error {
	if hc, ok := h.embedder.(domain.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding health check: %w", err)
		}
	}
	return nil
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instrumented -> Instruction
func buildEmbedder(
	provName string,
	provCfg config.ProviderConfig,
	vecCfg config.VectorizerConfig,
	instruction string,
	store db.Store,
	cacheTTL time.Duration,
	budgetChecker embeddinguc.BudgetChecker,
	logger *zap.Logger,
) embedderChain {
	base := openaiEmb.NewEmbedder(&openaiEmb.Config{
		APIKey:     provCfg.APIKey,
		BaseURL:    provCfg.BaseURL,
		Model:      vecCfg.Model,
		Dimensions: vecCfg.Dimensions,
		Provider:   provName,
		Logger:     logger,
	})

	var embedder embedderChain = base
	if store != nil {
		embedder = embcache.New(embedder, store, cacheTTL, metrics.EmbeddingCacheTotal, logger)
	}

	embedder = embeddinguc.NewInstrumentedEmbedder(
		embedder, provName, vecCfg.Model, budgetChecker, logger,
	)

	// Instruction prefix goes outermost so the cache key includes it.
	if instruction != "" {
		return domain.NewInstructionEmbedder(embedder, instruction)
	}

	return embedder
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}

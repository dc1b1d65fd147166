// Package main wires the gateway's HTTP surface together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/himudigonda/inferencegateway/api/handlers"
	"github.com/himudigonda/inferencegateway/cache"
	"github.com/himudigonda/inferencegateway/config"
	"github.com/himudigonda/inferencegateway/internal/database"
	"github.com/himudigonda/inferencegateway/internal/metrics"
	"github.com/himudigonda/inferencegateway/internal/server"
	"github.com/himudigonda/inferencegateway/internal/telemetry"
	"github.com/himudigonda/inferencegateway/pipeline"
	"github.com/himudigonda/inferencegateway/providers"
	"github.com/himudigonda/inferencegateway/types"
	"github.com/himudigonda/inferencegateway/vault"
)

// logSinkBuffer, settlementLogBuffer, and evalSinkBuffer bound the
// background-drain channels the pipeline's log/billing stages send to,
// matching the log stage's own "never block the response on a write" design.
const (
	logSinkBuffer       = 1024
	settlementLogBuffer = 256
	evalSinkBuffer      = 256
)

// Server is the gateway's top-level process: HTTP + metrics listeners, the
// pipeline engine, and the background workers draining its output channels.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler      *handlers.HealthHandler
	chatHandler        *handlers.ChatHandler
	adminAPIKeyHandler *handlers.AdminAPIKeyHandler

	metricsCollector *metrics.Collector

	poolManager *database.PoolManager
	engine      *pipeline.Engine
	deps        *pipeline.Dependencies

	logSink       chan *types.RequestLog
	settlementLog chan *pipeline.StreamSettlement
	evalSink      chan *types.EvaluationPair

	workersCtx    context.Context
	workersCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewServer builds a Server around an already-opened database pool manager.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers, poolManager *database.PoolManager) *Server {
	_ = otelProviders // kept for parity with the teacher's constructor surface; OTel is wired at init-time via the global propagator/tracer
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		logger:        logger,
		poolManager:   poolManager,
		workersCtx:    ctx,
		workersCancel: cancel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start initializes every collaborator and brings up the HTTP and metrics
// listeners.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("gateway", s.logger)
	s.poolManager.SetMetrics(s.metricsCollector)

	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	s.startBackgroundWorkers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initPipeline constructs the vault, semantic cache, provider registry, and
// the full pipeline.Dependencies/Engine.
func (s *Server) initPipeline() error {
	v, err := vault.New(s.cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("failed to init credential vault: %w", err)
	}

	semCache, err := cache.New(s.cfg.Redis.URL, 24*time.Hour, s.logger)
	if err != nil {
		s.logger.Warn("semantic cache unavailable, falling back to permanent miss", zap.Error(err))
		semCache = cache.NoopCache{}
	}

	registry := providers.NewRegistry(s.cfg.Upstream.Timeout, s.logger)

	logSink := make(chan *types.RequestLog, logSinkBuffer)
	settlementLog := make(chan *pipeline.StreamSettlement, settlementLogBuffer)
	evalSink := make(chan *types.EvaluationPair, evalSinkBuffer)

	s.deps = &pipeline.Dependencies{
		DB:              s.poolManager,
		Cache:           semCache,
		Vault:           v,
		Providers:       registry,
		Logger:          s.logger,
		Metrics:         s.metricsCollector,
		UpstreamTimeout: s.cfg.Upstream.Timeout,
		ShadowEnabled:   s.cfg.Upstream.ShadowModel != "",
		ShadowModelSlug: s.cfg.Upstream.ShadowModel,
		LogSink:         logSink,
		SettlementLog:   settlementLog,
		EvalSink:        evalSink,
	}
	if s.deps.ShadowModelSlug == "" {
		s.deps.ShadowModelSlug = pipeline.DefaultShadowModelSlug
	}
	if s.cfg.Simulator.Enabled {
		s.deps.ShadowProvider = "simulator"
	} else {
		s.deps.ShadowProvider = providers.Canonicalize(s.deps.ShadowModelSlug)
	}

	s.engine = pipeline.NewEngine(s.logger, s.metricsCollector, pipeline.NewStages(s.deps)...)

	// Dependencies only ever sees the send-only direction of these channels;
	// the Server keeps the bidirectional handles, which its background
	// workers receive from.
	s.logSink, s.settlementLog, s.evalSink = logSink, settlementLog, evalSink

	return nil
}

// initHandlers wires the health and chat handlers.
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.chatHandler = handlers.NewChatHandler(s.engine, s.deps, s.logger)
	s.adminAPIKeyHandler = handlers.NewAdminAPIKeyHandler(s.poolManager.DB(), s.logger)
	s.logger.Info("handlers initialized")
	return nil
}

// startBackgroundWorkers launches the goroutines draining LogSink,
// SettlementLog, and EvalSink, so the pipeline's own non-blocking sends into
// those channels never stall the client-facing request path.
func (s *Server) startBackgroundWorkers() {
	s.wg.Add(3)
	go s.runLogWorker()
	go s.runSettlementWorker()
	go s.runEvalWorker()
}

func (s *Server) runLogWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.workersCtx.Done():
			return
		case entry := <-s.logSink:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.poolManager.DB().WithContext(ctx).Create(entry).Error; err != nil {
				s.logger.Error("failed to persist request log", zap.Error(err), zap.String("request_id", entry.RequestID))
			}
			cancel()
		}
	}
}

func (s *Server) runSettlementWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.workersCtx.Done():
			return
		case settlement := <-s.settlementLog:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.poolManager.DB().WithContext(ctx).Model(&types.RequestLog{}).
				Where("request_id = ?", settlement.RequestID).
				Updates(map[string]any{
					"prompt_tokens":     settlement.PromptTokens,
					"completion_tokens": settlement.CompletionTokens,
					"cost_usd":          settlement.CostUSD,
					"settled_at":        settlement.SettledAt,
				}).Error
			if err != nil {
				s.logger.Error("failed to apply stream settlement", zap.Error(err), zap.String("request_id", settlement.RequestID))
			}
			cancel()
		}
	}
}

func (s *Server) runEvalWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.workersCtx.Done():
			return
		case pair := <-s.evalSink:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.poolManager.DB().WithContext(ctx).Create(pair).Error; err != nil {
				s.logger.Error("failed to persist evaluation pair", zap.Error(err), zap.String("request_id", pair.RequestID))
			}
			cancel()
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// The pipeline's own auth stage is the authentication boundary for
	// this route; it must never sit behind APIKeyAuth's static key list.
	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)

	// Minimal admin surface: simple CRUD against already-seeded rows. Gated
	// by APIKeyAuth's static operator key list below (coarse "is this caller
	// allowed at all"), then by JWTAuth/TenantRateLimiter here (which tenant
	// is acting, and per-tenant throttling of admin calls, distinct from the
	// global per-IP RateLimiter) — config/loader.go's JWTConfig is
	// documented for exactly this surface.
	adminAuth := func(h http.HandlerFunc) http.Handler {
		return Chain(h,
			JWTAuth(s.cfg.Auth.JWT, nil, s.logger),
			TenantRateLimiter(s.workersCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		)
	}
	mux.Handle("/v1/admin/api-keys", adminAuth(s.adminAPIKeyHandler.HandleCollection))
	mux.Handle("/v1/admin/api-keys/", adminAuth(s.adminAPIKeyHandler.HandleItem))

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics", "/v1/chat/completions"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		RequestID(),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.workersCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		APIKeyAuth(s.cfg.Server.AdminAPIKeys, skipAuthPaths, false, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown blocks until the HTTP manager observes a shutdown signal,
// then runs Shutdown.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown gracefully stops every listener and background worker.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown...")

	ctx := context.Background()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	s.workersCancel()
	s.wg.Wait()

	s.logger.Info("graceful shutdown completed")
}

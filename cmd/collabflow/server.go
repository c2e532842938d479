package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/collabflow/config"
	"github.com/BaSui01/collabflow/internal/cache"
	"github.com/BaSui01/collabflow/internal/database"
	"github.com/BaSui01/collabflow/internal/metrics"
	"github.com/BaSui01/collabflow/internal/server"
	"github.com/BaSui01/collabflow/internal/telemetry"
	"github.com/BaSui01/collabflow/store"
	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

const (
	sweepInterval = time.Minute
	statsInterval = 30 * time.Second
)

// Server wires the engine services together with their runtime surface:
// the websocket hub, the metrics endpoint, and the background sweeps.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers

	store *store.Store
	pool  *database.Pool
	cache *cache.Manager

	hub       *server.Hub
	collector *metrics.Collector

	httpMgr    *server.Manager
	metricsMgr *server.Manager

	// Engine services, exposed for embedding and tests.
	Instances *workflow.InstanceService
	Executor  *workflow.Executor
	Contexts  *workflow.ContextService
	Conflicts *workflow.ConflictService
	Approvals *workflow.ApprovalService
	Sessions  *workflow.SessionService

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer assembles the engine from configuration. The store must
// already be migrated.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers, st *store.Store) (*Server, error) {
	pool, err := database.NewPool(st.DB(), database.PoolConfig{
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init database pool: %w", err)
	}

	// Presence is optional. Without Redis the engine still runs; recovery
	// then has no liveness signal and treats reconnects as fresh sessions.
	var cacheMgr *cache.Manager
	var presence workflow.PresenceCache
	if cfg.Redis.Addr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		cacheCfg.PoolSize = cfg.Redis.PoolSize
		cacheCfg.MinIdleConns = cfg.Redis.MinIdleConns
		cacheCfg.DefaultTTL = cfg.Engine.Session.PresenceTTL

		cacheMgr, err = cache.NewManager(cacheCfg, logger)
		if err != nil {
			logger.Warn("presence cache unavailable, continuing without it", zap.Error(err))
			cacheMgr = nil
		} else {
			presence = cacheMgr
		}
	}

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector("collabflow", promReg, logger)
	hub := server.NewHub(logger)
	notifier := workflow.MultiNotifier{hub, collector}

	defs, err := workflow.LoadDefinitions(cfg.Engine.DefinitionsPath)
	if err != nil {
		return nil, fmt.Errorf("load workflow definitions: %w", err)
	}
	registry, err := workflow.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("build definition registry: %w", err)
	}

	var tokenizer types.Tokenizer
	if tk, err := types.NewTiktokenTokenizer("cl100k_base"); err != nil {
		logger.Warn("tiktoken unavailable, falling back to estimate tokenizer", zap.Error(err))
		tokenizer = types.NewEstimateTokenizer()
	} else {
		tokenizer = tk
	}

	router := workflow.NewAgentRouter()
	factory := &workflow.HandlerFactory{Mode: workflow.HandlerMode(cfg.Engine.HandlerMode)}
	registered := make(map[string]bool)
	for _, def := range defs {
		for _, step := range def.Steps {
			if registered[step.AgentID] {
				continue
			}
			h, err := factory.ForAgent(step.AgentID)
			if err != nil {
				return nil, fmt.Errorf("handler for agent %q: %w", step.AgentID, err)
			}
			router.Register(step.AgentID, h)
			registered[step.AgentID] = true
		}
	}

	contexts := workflow.NewContextService(st.Contexts(), st.Instances(), tokenizer, workflow.ContextBudget{
		MaxBytes:  cfg.Engine.Context.MaxBytes,
		MaxTokens: cfg.Engine.Context.MaxTokens,
	}, logger)
	instances := workflow.NewInstanceService(registry, st.Instances(), st.History(), st.Contexts(), notifier, logger)
	executor := workflow.NewExecutor(registry, st.Instances(), contexts, router, workflow.MapSchemaValidator{}, notifier, logger)
	conflicts := workflow.NewConflictService(st.Inputs(), st.Conflicts(), st.Contexts(), notifier, workflow.ConflictConfig{
		Expiry:             cfg.Engine.Conflict.Expiry,
		EscalationRetryCap: cfg.Engine.Conflict.EscalationRetryCap,
		InputRateLimit:     rate.Limit(cfg.Engine.Conflict.InputRateLimit),
		InputRateBurst:     cfg.Engine.Conflict.InputRateBurst,
	}, logger)
	approvals := workflow.NewApprovalService(st.Approvals(), st.Instances(), contexts, instances, notifier, cfg.Engine.Approval.ConfidenceThreshold, logger)
	sessions := workflow.NewSessionService(st.Sessions(), presence, notifier, workflow.SessionConfig{
		RecoveryWindow: cfg.Engine.Session.RecoveryWindow,
		IdleTimeout:    cfg.Engine.Session.IdleTimeout,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpCfg := server.DefaultConfig()
	httpCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	httpCfg.ReadTimeout = cfg.Server.ReadTimeout
	httpCfg.WriteTimeout = cfg.Server.WriteTimeout
	httpCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	metricsCfg := server.DefaultConfig()
	metricsCfg.Addr = fmt.Sprintf(":%d", cfg.Server.MetricsPort)

	return &Server{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "server")),
		providers:  providers,
		store:      st,
		pool:       pool,
		cache:      cacheMgr,
		hub:        hub,
		collector:  collector,
		httpMgr:    server.NewManager(mux, httpCfg, logger),
		metricsMgr: server.NewManager(metricsMux, metricsCfg, logger),
		Instances:  instances,
		Executor:   executor,
		Contexts:   contexts,
		Conflicts:  conflicts,
		Approvals:  approvals,
		Sessions:   sessions,
	}, nil
}

// Start launches both HTTP listeners and the background sweeps.
func (s *Server) Start() error {
	if err := s.httpMgr.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	if err := s.metricsMgr.Start(); err != nil {
		s.httpMgr.Shutdown(context.Background())
		return fmt.Errorf("start metrics server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go s.conflictSweepLoop(ctx)
	go s.approvalSweepLoop(ctx)
	go s.statsLoop(ctx)

	s.logger.Info("collabflow started",
		zap.String("addr", s.httpMgr.Addr()),
		zap.String("metrics_addr", s.metricsMgr.Addr()),
		zap.String("handler_mode", s.cfg.Engine.HandlerMode),
	)
	return nil
}

// WaitForShutdown blocks until a termination signal, then tears the
// engine down in dependency order.
func (s *Server) WaitForShutdown() {
	s.httpMgr.WaitForShutdown()
	s.Stop()
}

// Stop halts the sweeps and closes every component.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpMgr.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := s.metricsMgr.Shutdown(ctx); err != nil {
		s.logger.Error("metrics shutdown failed", zap.Error(err))
	}
	s.hub.Close()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache close failed", zap.Error(err))
		}
	}
	if err := s.pool.Close(); err != nil {
		s.logger.Error("pool close failed", zap.Error(err))
	}
	if err := s.providers.Shutdown(ctx); err != nil {
		s.logger.Error("telemetry shutdown failed", zap.Error(err))
	}
}

// conflictSweepLoop expires stale conflicts and retries failed
// escalation notifications.
func (s *Server) conflictSweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Conflicts.ExpireConflicts(ctx); err != nil {
				s.logger.Error("conflict expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("expired conflicts", zap.Int("count", n))
			}
			if n, err := s.Conflicts.RetryEscalations(ctx); err != nil {
				s.logger.Error("escalation retry sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("retried escalations", zap.Int("count", n))
			}
		}
	}
}

// approvalSweepLoop reminds reviewers about aging approval requests and
// times out the ones past the review deadline.
func (s *Server) approvalSweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			needsReminder, timedOut, err := s.Approvals.GetTimedOutApprovals(ctx,
				s.cfg.Engine.Approval.ReminderAfter, s.cfg.Engine.Approval.ReviewTimeout)
			if err != nil {
				s.logger.Error("approval sweep failed", zap.Error(err))
				continue
			}
			for _, req := range needsReminder {
				s.logger.Info("approval pending reminder",
					zap.String("approval_id", req.ID),
					zap.String("workflow_id", req.WorkflowID),
					zap.Time("requested_at", req.RequestedAt),
				)
			}
			for _, req := range timedOut {
				if err := s.Approvals.MarkAsTimedOut(ctx, req.ID); err != nil {
					s.logger.Error("failed to time out approval",
						zap.String("approval_id", req.ID), zap.Error(err))
				}
			}
		}
	}
}

// statsLoop exports connection-pool gauges.
func (s *Server) statsLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pool.Stats()
			s.collector.RecordDBConnections(stats.OpenConnections, stats.Idle)
		}
	}
}

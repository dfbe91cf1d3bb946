// Package main is the entry point for the session coordination core.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coordcore/sessioncore/internal/agent"
	"github.com/coordcore/sessioncore/internal/config"
	"github.com/coordcore/sessioncore/internal/connpool"
	"github.com/coordcore/sessioncore/internal/health"
	"github.com/coordcore/sessioncore/internal/kg"
	"github.com/coordcore/sessioncore/internal/logging"
	"github.com/coordcore/sessioncore/internal/metrics"
	"github.com/coordcore/sessioncore/internal/rollback"
	"github.com/coordcore/sessioncore/internal/rollback/conflict"
	"github.com/coordcore/sessioncore/internal/session"
)

const (
	serviceName    = "sessioncore"
	serviceVersion = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional; env vars and defaults apply otherwise)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	logger.Info("starting session coordination core", "service", serviceName, "version", serviceVersion, "environment", cfg.App.Environment)

	ctx := context.Background()

	pool, err := connpool.New(ctx, connpool.Config{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
		AcquireTimeout:  cfg.Redis.AcquireTimeout,
		CircuitBreaker: connpool.CircuitBreakerConfig{
			FailureThreshold: cfg.Redis.CircuitBreakerFailureRatio,
			TimeWindow:       cfg.Redis.CircuitBreakerWindow,
			MinRequests:      cfg.Redis.CircuitBreakerMinRequests,
			OpenTimeout:      cfg.Redis.CircuitBreakerOpenTimeout,
			HalfOpenMaxCalls: cfg.Redis.CircuitBreakerHalfOpenMax,
		},
	}, logger)
	if err != nil {
		logger.Error("connect to redis", "error", err)
		os.Exit(1)
	}
	facade := pool.Facade()
	registry := metrics.DefaultRegistry()
	pool.OnBreakerStateChange(func(from, to connpool.State) {
		registry.KV().CircuitBreakerState.Set(float64(to))
		if to == connpool.StateOpen {
			registry.KV().CircuitBreakerTripsTotal.Inc()
		}
	})

	store := session.NewStore(facade, cfg.Session.MaxTTL, logger)
	enhancedStore := session.NewEnhancedSessionStore(store, session.EnhancedConfig{
		CacheSize: cfg.Session.CacheSize,
	}, logger)

	coordinator := agent.NewCoordinator(facade, agent.Config{
		Strategy:          mapStrategy(cfg.Agent.DefaultStrategy),
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Agent.HeartbeatTimeout,
		SchedulerInterval: cfg.Agent.SchedulerInterval,
	}, logger)
	coordinator.SetMetrics(registry.Agent())

	collaborators := []rollback.Collaborator{
		session.NewCollaborator(store),
		agent.NewCollaborator(coordinator),
	}
	rollbackCfg := rollback.DefaultConfig()
	rollbackCfg.GradualBatchSize = cfg.Rollback.GradualBatchSize
	rollbackCfg.GradualBatchDelay = cfg.Rollback.GradualBatchInterval
	rollbackManager := rollback.NewManager(facade, collaborators, &rollbackCfg, logger)
	rollbackManager.SetMergeResolver(conflict.NewResolver())
	rollbackManager.SetMetrics(registry.Rollback())

	sessionManager := session.NewManager(facade, store, kg.Noop{}, rollbackManager, session.ManagerConfig{
		DefaultTTL:             cfg.Session.DefaultTTL,
		GraceTTL:               cfg.Session.MaxTTL - cfg.Session.DefaultTTL,
		CheckpointWindow:       cfg.Session.EventBufferSize,
		EnableFailureSnapshots: true,
	}, logger)
	sessionManager.SetMetrics(registry.Session())

	alertHistory := newAlertHistory(50)
	snapshotter := metrics.NewSnapshotter(time.Minute, 7, func() metrics.SessionMetricsSnapshot {
		return collectSnapshot(ctx, store, coordinator, logger)
	})
	snapshotter.Start()
	defer snapshotter.Stop()

	alertEvaluator := metrics.NewAlertEvaluator(nil, 30*time.Second, func() metrics.SessionMetricsSnapshot {
		snap, _ := snapshotter.Latest()
		return snap
	}, alertHistory.record, logger)
	alertEvaluator.Start()
	defer alertEvaluator.Stop()

	checker := health.NewChecker(store, pool, nil, nil,
		func() interface{} {
			snap, ok := snapshotter.Latest()
			if !ok {
				return nil
			}
			return snap
		},
		alertHistory.recent,
		logger,
	)

	shutdownCfg := health.DefaultShutdownConfig()
	shutdownCfg.DrainTTL = cfg.App.GracefulShutdownTimeout / 3
	if shutdownCfg.DrainTTL <= 0 {
		shutdownCfg.DrainTTL = 10 * time.Second
	}
	shutdownCfg.ForceCloseAfter = cfg.App.GracefulShutdownTimeout

	graceful := health.NewGracefulShutdown(shutdownCfg, store, sessionManager, facade, health.Components{
		Manager: closerFunc(func() error {
			coordinator.Stop()
			return nil
		}),
		Store: closerFunc(func() error {
			enhancedStore.Close()
			return nil
		}),
		KV: closerFunc(func() error {
			return pool.Close()
		}),
	}, func() {
		alertEvaluator.Stop()
		snapshotter.Stop()
	}, func() map[string]interface{} {
		return map[string]interface{}{
			"environment":     cfg.App.Environment,
			"defaultStrategy": string(cfg.Agent.DefaultStrategy),
		}
	}, func() interface{} {
		snap, _ := snapshotter.Latest()
		return snap
	}, logger)

	coordinator.Start(ctx)

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.GetHealth(r.Context()))
	})

	server := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: mux,
	}
	go func() {
		logger.Info("metrics/health server starting", "addr", cfg.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics/health server failed", "error", err)
		}
	}()

	signalListener := health.NewSignalListener(graceful, logger)
	signalListener.Start()

	signalListener.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.GracefulShutdownTimeout+5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("session coordination core stopped")
}

func mapStrategy(name string) agent.Strategy {
	switch name {
	case "round_robin":
		return agent.StrategyRoundRobin
	case "least_loaded":
		return agent.StrategyLeastLoaded
	case "priority_based":
		return agent.StrategyPriorityBased
	case "capability_weighted":
		return agent.StrategyCapabilityWeighted
	default:
		return agent.StrategyDynamic
	}
}

func collectSnapshot(ctx context.Context, store *session.Store, coordinator *agent.Coordinator, logger *slog.Logger) metrics.SessionMetricsSnapshot {
	snap := metrics.SessionMetricsSnapshot{Timestamp: time.Now()}

	stats, err := store.Stats(ctx, 100)
	if err != nil {
		logger.Warn("snapshot: session stats failed", "error", err)
	} else {
		snap.ActiveSessions = int(stats.ActiveSessions)
		snap.ActiveAgents = int(stats.UniqueAgents)
	}

	agentSnapshot, err := coordinator.Snapshot(ctx)
	if err != nil {
		logger.Warn("snapshot: agent snapshot failed", "error", err)
		return snap
	}
	var dead int
	deadline := time.Now().Add(-time.Minute)
	for _, a := range agentSnapshot.Agents {
		if a.LastHeartbeat.Before(deadline) {
			dead++
		}
	}
	snap.DeadAgents = dead
	return snap
}

// closerFunc adapts a plain func() error into health.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// alertHistory retains the most recent fired alerts for the health
// endpoint, bounded to a fixed capacity.
type alertHistory struct {
	mu       sync.Mutex
	capacity int
	alerts   []metrics.FiredAlert
}

func newAlertHistory(capacity int) *alertHistory {
	return &alertHistory{capacity: capacity}
}

func (h *alertHistory) record(a metrics.FiredAlert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a)
	if len(h.alerts) > h.capacity {
		h.alerts = h.alerts[len(h.alerts)-h.capacity:]
	}
}

func (h *alertHistory) recent() []interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]interface{}, len(h.alerts))
	for i, a := range h.alerts {
		out[i] = a
	}
	return out
}

func writeHealth(w http.ResponseWriter, h health.Health) {
	status := http.StatusOK
	switch h.Overall {
	case health.StatusCritical, health.StatusDown:
		status = http.StatusServiceUnavailable
	case health.StatusWarning:
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(h)
}

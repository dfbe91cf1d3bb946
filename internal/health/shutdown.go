package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	coorderrors "github.com/coordcore/sessioncore/internal/errors"
	"github.com/coordcore/sessioncore/internal/kv"
	"github.com/coordcore/sessioncore/internal/session"
)

const recoveryDataKey = "session:recovery:data"

// Closer is satisfied by any component that needs an orderly shutdown.
type Closer interface {
	Close() error
}

// Components lists the subsystems GracefulShutdown closes, in the
// order they're closed. A nil entry is skipped.
type Components struct {
	Replay    Closer
	Migration Closer
	Manager   Closer
	Store     Closer
	KV        Closer
}

func (c Components) ordered() []struct {
	name string
	c    Closer
} {
	return []struct {
		name string
		c    Closer
	}{
		{"sessionReplay", c.Replay},
		{"sessionMigration", c.Migration},
		{"sessionManager", c.Manager},
		{"sessionStore", c.Store},
		{"kv", c.KV},
	}
}

// ShutdownConfig tunes GracefulShutdown's timing.
type ShutdownConfig struct {
	DrainTTL              time.Duration
	ForceCloseAfter       time.Duration
	ForcedCloseDeadline   time.Duration
	CheckpointConcurrency int
	RecoveryTTL           time.Duration
}

// DefaultShutdownConfig matches the timings named for the shutdown
// phases.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		DrainTTL:              10 * time.Second,
		ForceCloseAfter:       25 * time.Second,
		ForcedCloseDeadline:   5 * time.Second,
		CheckpointConcurrency: 8,
		RecoveryTTL:           24 * time.Hour,
	}
}

// GracefulShutdown drives the initiated -> draining -> checkpointing ->
// cleanup -> complete|forced phase sequence.
type GracefulShutdown struct {
	cfg        ShutdownConfig
	store      *session.Store
	manager    *session.Manager
	facade     kv.Facade
	components Components

	stopHealthTimer func()
	configSnapshot  func() map[string]interface{}
	statsProvider   func() interface{}

	logger *slog.Logger

	mu    sync.Mutex
	phase Phase
}

// NewGracefulShutdown builds a GracefulShutdown. stopHealthTimer,
// configSnapshot, and statsProvider may be nil.
func NewGracefulShutdown(
	cfg ShutdownConfig,
	store *session.Store,
	manager *session.Manager,
	facade kv.Facade,
	components Components,
	stopHealthTimer func(),
	configSnapshot func() map[string]interface{},
	statsProvider func() interface{},
	logger *slog.Logger,
) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainTTL <= 0 {
		cfg = DefaultShutdownConfig()
	}
	return &GracefulShutdown{
		cfg:             cfg,
		store:           store,
		manager:         manager,
		facade:          facade,
		components:      components,
		stopHealthTimer: stopHealthTimer,
		configSnapshot:  configSnapshot,
		statsProvider:   statsProvider,
		logger:          logger,
		phase:           PhaseInitiated,
	}
}

// Phase returns the current shutdown phase.
func (g *GracefulShutdown) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

func (g *GracefulShutdown) setPhase(p Phase) {
	g.mu.Lock()
	g.phase = p
	g.mu.Unlock()
	g.logger.Info("shutdown phase", "phase", string(p))
}

// Run executes the full shutdown sequence. If it does not complete
// within cfg.ForceCloseAfter, it switches to the forced path, which
// races each component's Close against cfg.ForcedCloseDeadline.
func (g *GracefulShutdown) Run(ctx context.Context) (*RecoveryData, error) {
	g.setPhase(PhaseInitiated)

	type outcome struct {
		recovery *RecoveryData
		err      error
	}
	done := make(chan outcome, 1)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		recovery, err := g.run(runCtx)
		done <- outcome{recovery, err}
	}()

	select {
	case o := <-done:
		return o.recovery, o.err
	case <-time.After(g.cfg.ForceCloseAfter):
		g.setPhase(PhaseForced)
		g.logger.Warn("shutdown exceeded deadline, forcing component close",
			"force_close_after", g.cfg.ForceCloseAfter)
		// Cancel the in-flight run so it bails out before reaching
		// closeComponentsInOrder: the forced path below owns closing
		// every component from here, so nothing gets closed twice.
		cancelRun()
		forceCtx, cancel := context.WithTimeout(context.Background(), g.cfg.ForcedCloseDeadline)
		defer cancel()
		g.forceCloseAll(forceCtx)
		return nil, coorderrors.New(coorderrors.CodeTimeout, "graceful shutdown forced after deadline")
	}
}

func (g *GracefulShutdown) run(ctx context.Context) (*RecoveryData, error) {
	if g.stopHealthTimer != nil {
		g.stopHealthTimer()
	}

	g.setPhase(PhaseDraining)
	var ids []string
	if g.store != nil {
		var err error
		ids, err = g.store.ListActive(ctx)
		if err != nil {
			g.logger.Error("failed to list active sessions during shutdown", "error", err)
		}
		for _, id := range ids {
			if err := g.store.SetTTL(ctx, id, g.cfg.DrainTTL); err != nil {
				g.logger.Warn("failed to shorten ttl during shutdown", "session_id", id, "error", err)
			}
		}
	}

	g.setPhase(PhaseCheckpointing)
	entries := g.checkpointAll(ctx, ids)

	recovery := &RecoveryData{
		Timestamp:      time.Now(),
		ActiveSessions: entries,
	}
	if g.configSnapshot != nil {
		recovery.Configuration = g.configSnapshot()
	}
	if g.statsProvider != nil {
		recovery.Statistics = g.statsProvider()
	}

	if err := g.persistRecovery(ctx, recovery); err != nil {
		g.logger.Error("failed to persist recovery data", "error", err)
		recovery.Errors = append(recovery.Errors, err.Error())
	}

	if ctx.Err() != nil {
		// Caller already switched to the forced path, which owns
		// closing every component; don't race it.
		return recovery, ctx.Err()
	}

	g.setPhase(PhaseCleanup)
	g.closeComponentsInOrder()

	g.setPhase(PhaseComplete)
	return recovery, nil
}

// checkpointAll checkpoints every active session with bounded
// concurrency, recording each session's last observed activity for the
// recovery blob.
func (g *GracefulShutdown) checkpointAll(ctx context.Context, ids []string) []SessionRecoveryEntry {
	entries := make([]SessionRecoveryEntry, len(ids))
	if g.manager == nil || g.store == nil || len(ids) == 0 {
		return entries
	}

	sem := semaphore.NewWeighted(int64(g.cfg.CheckpointConcurrency))
	var eg errgroup.Group

	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				entries[i] = SessionRecoveryEntry{SessionID: id, LastActivity: time.Now()}
				return nil
			}
			defer sem.Release(1)

			last := time.Now()
			if _, events, err := g.store.Get(ctx, id); err == nil && len(events) > 0 {
				last = events[len(events)-1].Timestamp
			}

			if _, err := g.manager.Checkpoint(ctx, id, session.CheckpointOptions{CaptureFailureSnapshot: true}); err != nil {
				g.logger.Warn("checkpoint failed during shutdown", "session_id", id, "error", err)
			}
			// Checkpoint sets the session's grace TTL; restore the drain TTL.
			if err := g.store.SetTTL(ctx, id, g.cfg.DrainTTL); err != nil {
				g.logger.Warn("failed to shorten ttl during shutdown", "session_id", id, "error", err)
			}

			entries[i] = SessionRecoveryEntry{SessionID: id, LastActivity: last}
			return nil
		})
	}
	_ = eg.Wait()
	return entries
}

func (g *GracefulShutdown) persistRecovery(ctx context.Context, data *RecoveryData) error {
	if g.facade == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := g.facade.HSet(ctx, recoveryDataKey, map[string]string{"data": string(payload)}); err != nil {
		return err
	}
	return g.facade.Expire(ctx, recoveryDataKey, g.cfg.RecoveryTTL)
}

func (g *GracefulShutdown) closeComponentsInOrder() {
	for _, item := range g.components.ordered() {
		if item.c == nil {
			continue
		}
		if err := item.c.Close(); err != nil {
			g.logger.Error("component close failed during shutdown", "component", item.name, "error", err)
		}
	}
}

func (g *GracefulShutdown) forceCloseAll(ctx context.Context) {
	for _, item := range g.components.ordered() {
		if item.c == nil {
			continue
		}
		done := make(chan error, 1)
		go func(c Closer) { done <- c.Close() }(item.c)

		select {
		case err := <-done:
			if err != nil {
				g.logger.Error("forced component close failed", "component", item.name, "error", err)
			}
		case <-ctx.Done():
			g.logger.Error("forced component close exceeded deadline", "component", item.name)
		}
	}
}

// SignalListener subscribes to SIGTERM/SIGINT/SIGQUIT and invokes a
// GracefulShutdown run on the first one received, following the
// teacher's signal-handler lifecycle shape (ctx+cancel+WaitGroup over a
// buffered signal channel).
type SignalListener struct {
	shutdown *GracefulShutdown
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sigChan chan os.Signal
}

// NewSignalListener builds a SignalListener bound to shutdown.
func NewSignalListener(shutdown *GracefulShutdown, logger *slog.Logger) *SignalListener {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalListener{
		shutdown: shutdown,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sigChan:  make(chan os.Signal, 1),
	}
}

// Start begins listening for termination signals in a background
// goroutine.
func (l *SignalListener) Start() {
	signal.Notify(l.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	l.wg.Add(1)
	go l.listen()
}

// Stop ends signal listening without running a shutdown.
func (l *SignalListener) Stop() {
	signal.Stop(l.sigChan)
	close(l.sigChan)
	l.cancel()
	l.wg.Wait()
}

// Wait blocks until the listener goroutine exits: either a termination
// signal arrived and its graceful shutdown ran to completion, or Stop
// was called to cancel listening early.
func (l *SignalListener) Wait() {
	l.wg.Wait()
}

func (l *SignalListener) listen() {
	defer l.wg.Done()

	select {
	case sig, ok := <-l.sigChan:
		if !ok {
			return
		}
		l.logger.Info("received shutdown signal", "signal", sig.String())
		if _, err := l.shutdown.Run(context.Background()); err != nil {
			l.logger.Error("graceful shutdown completed with error", "error", err)
		}
	case <-l.ctx.Done():
		return
	}
}

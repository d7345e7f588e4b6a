// Package recovery replays work that was pending when the daemon went down
// and keeps the agent backend healthy while it runs.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/agent"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/shared"
)

// Dispatcher accepts replayed dispatch jobs.
type Dispatcher interface {
	Submit(req agent.DispatchRequest) bool
}

// Replay enqueues a dispatch for every group whose chat has user messages
// past its cursor. Run once at startup, after the queue starts accepting.
func Replay(ctx context.Context, store *persistence.Store, dispatcher Dispatcher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	groups, err := store.ListGroups(ctx)
	if err != nil {
		return err
	}
	replayed := 0
	for _, g := range groups {
		last, err := store.LastUserMessageTime(ctx, g.ChatAddress)
		if err != nil {
			logger.Warn("replay check failed", "folder", g.Folder, "error", err)
			continue
		}
		if last.IsZero() {
			continue
		}
		cursor, err := store.GetCursor(ctx, g.ChatAddress)
		if err != nil {
			logger.Warn("replay cursor read failed", "folder", g.Folder, "error", err)
			continue
		}
		if !last.After(cursor) {
			continue
		}
		if dispatcher.Submit(agent.DispatchRequest{Folder: g.Folder, Reason: "replay"}) {
			replayed++
			logger.Info("replaying unanswered messages", "folder", g.Folder, "last_user_ts", last)
		}
	}
	if replayed > 0 {
		logger.Info("startup replay complete", "groups", replayed)
	}
	return nil
}

// SupervisorConfig tunes backend health supervision.
type SupervisorConfig struct {
	Interval time.Duration
	// FailureThreshold is how many consecutive failed checks trigger a
	// backend re-init.
	FailureThreshold int
}

// Supervisor probes the backend periodically and re-initializes it after
// repeated failures, so a bounced docker daemon or revoked API session heals
// without a restart.
type Supervisor struct {
	backend agent.Backend
	clock   shared.Clock
	cfg     SupervisorConfig
	logger  *slog.Logger

	mu       sync.Mutex
	failures int
	healthy  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(backend agent.Backend, clock shared.Clock, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		backend: backend,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		healthy: true,
	}
}

// Start begins the probe loop in a background goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.Interval):
				s.Check(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Healthy reports the result of the latest probe.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Check runs one probe. Exported so tests can drive the supervisor without
// the loop.
func (s *Supervisor) Check(ctx context.Context) {
	err := s.backend.HealthCheck(ctx)

	s.mu.Lock()
	if err == nil {
		if s.failures > 0 {
			s.logger.Info("backend recovered", "after_failures", s.failures)
		}
		s.failures = 0
		s.healthy = true
		s.mu.Unlock()
		return
	}
	s.failures++
	failures := s.failures
	s.healthy = false
	s.mu.Unlock()

	s.logger.Warn("backend health check failed", "consecutive", failures, "error", err)
	if failures < s.cfg.FailureThreshold {
		return
	}

	s.logger.Error("backend unhealthy, reinitializing", "consecutive", failures)
	if err := s.backend.Init(ctx); err != nil {
		s.logger.Error("backend reinit failed", "error", err)
		return
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	s.logger.Info("backend reinitialized")
}

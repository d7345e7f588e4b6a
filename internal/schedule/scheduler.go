// Package schedule fires stored tasks when they come due and keeps each
// group's heartbeat task alive.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/qwibitai/nanoclaw-sub014/internal/agent"
	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	otelx "github.com/qwibitai/nanoclaw-sub014/internal/otel"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRun computes the first firing of a schedule strictly after from.
// Kinds: cron (5-field expression, evaluated in loc), interval (Go duration),
// once (RFC 3339 timestamp).
func NextRun(kind, expr string, from time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	switch kind {
	case persistence.ScheduleCron:
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad cron expression %q: %w", expr, err)
		}
		return sched.Next(from.In(loc)), nil
	case persistence.ScheduleInterval:
		d, err := time.ParseDuration(expr)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("bad interval %q", expr)
		}
		return from.Add(d), nil
	case persistence.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q: %w", expr, err)
		}
		if !at.After(from) {
			return time.Time{}, fmt.Errorf("one-shot time %q is in the past", expr)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// Dispatcher accepts dispatch jobs. Submit reports whether the job was
// accepted (false when the group queue is full); TaskActive reports whether a
// job with the given reason is still queued or executing.
type Dispatcher interface {
	Submit(req agent.DispatchRequest) bool
	TaskActive(folder, reason string) bool
}

// Config holds scheduler dependencies.
type Config struct {
	Store      *persistence.Store
	Dispatcher Dispatcher
	Heartbeat  *Heartbeat
	EventBus   *bus.Bus
	Metrics    *otelx.Metrics
	Clock      shared.Clock
	Logger     *slog.Logger
	Interval   time.Duration
	Location   *time.Location
}

// Scheduler ticks on a fixed interval, fires due tasks into the dispatch
// queue and advances their next run. A missed tick fires the task once on the
// next tick, never once per missed slot.
type Scheduler struct {
	store      *persistence.Store
	dispatcher Dispatcher
	heartbeat  *Heartbeat
	eventBus   *bus.Bus
	metrics    *otelx.Metrics
	clock      shared.Clock
	logger     *slog.Logger
	interval   time.Duration
	loc        *time.Location

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		heartbeat:  cfg.Heartbeat,
		eventBus:   cfg.EventBus,
		metrics:    cfg.Metrics,
		clock:      clock,
		logger:     logger.With("component", "scheduler"),
		interval:   interval,
		loc:        loc,
	}
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			s.Tick(ctx)
		}
	}
}

// Tick fires everything due right now. Exported so tests can drive the
// scheduler without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due tasks", "error", err)
		return
	}
	for _, task := range due {
		s.fire(ctx, task, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, task persistence.Task, now time.Time) {
	// A previous run of this task is still queued or executing: skip the tick
	// and leave next_run alone, so the slot fires once the run clears instead
	// of stacking the task behind itself.
	if s.dispatcher.TaskActive(task.Folder, "task:"+task.ID) {
		s.logger.Debug("previous run still active, tick skipped", "task_id", task.ID, "folder", task.Folder)
		if s.eventBus != nil {
			s.eventBus.Publish(bus.TopicTaskSkipped, bus.TaskFiredEvent{
				TaskID: task.ID, Folder: task.Folder, Reason: "previous run active",
			})
		}
		return
	}

	// Advance or retire the schedule first so a crash mid-fire cannot
	// re-fire the same slot forever.
	if task.ScheduleKind == persistence.ScheduleOnce {
		if err := s.store.SetTaskNextRun(ctx, task.ID, nil); err != nil {
			s.logger.Error("failed to retire one-shot task", "task_id", task.ID, "error", err)
			return
		}
	} else {
		next, err := NextRun(task.ScheduleKind, task.ScheduleExpr, now, s.loc)
		if err != nil {
			s.logger.Error("unschedulable task disabled", "task_id", task.ID, "error", err)
			_ = s.store.SetTaskEnabled(ctx, task.ID, false)
			return
		}
		if err := s.store.SetTaskNextRun(ctx, task.ID, &next); err != nil {
			s.logger.Error("failed to advance task", "task_id", task.ID, "error", err)
			return
		}
	}

	if s.heartbeat != nil && s.heartbeat.Owns(task) {
		s.heartbeat.Fire(ctx, task, now)
		return
	}

	runID, err := s.store.StartTaskRun(ctx, task.ID, now)
	if err != nil {
		s.logger.Error("failed to record task run", "task_id", task.ID, "error", err)
	}

	// The run record stays open until the runner (or the queue, on give-up)
	// closes it with the outcome.
	accepted := s.dispatcher.Submit(agent.DispatchRequest{
		Folder:      task.Folder,
		Reason:      "task:" + task.ID,
		TaskPrompt:  task.Prompt,
		ContextMode: task.ContextMode,
		TaskRunID:   runID,
	})
	status := "queued"
	if !accepted {
		status = "rejected"
		s.logger.Warn("task dispatch rejected, queue full", "task_id", task.ID, "folder", task.Folder)
		if runID != "" {
			_ = s.store.FinishTaskRun(ctx, runID, status, "queue full", s.clock.Now())
		}
	}

	if s.metrics != nil {
		s.metrics.TasksFired.Add(ctx, 1)
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicTaskFired, bus.TaskFiredEvent{
			TaskID: task.ID, Folder: task.Folder, Reason: status,
		})
	}
	s.logger.Info("task fired", "task_id", task.ID, "folder", task.Folder, "status", status)
}

package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/agent"
	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/shared"
)

const (
	heartbeatTaskPrefix = "heartbeat-"
	heartbeatFile       = "HEARTBEAT.md"
	heartbeatConfigFile = "heartbeat-config.json"
)

const heartbeatPrompt = `Run through the group's heartbeat checklist below. Work the unchecked items.
If everything is fine and nothing needs attention, reply with exactly HEARTBEAT_OK.
Otherwise describe what needs attention.

`

// everyPattern is the accepted cadence syntax in heartbeat-config.json,
// e.g. "30m" or "2h".
var everyPattern = regexp.MustCompile(`^\d+[mh]$`)

var htmlComment = regexp.MustCompile(`(?s)<!--.*?-->`)

// HeartbeatConfig tunes the per-group heartbeat task.
type HeartbeatConfig struct {
	CronExpr string
	Location *time.Location
}

// groupHeartbeatConfig is the optional per-group heartbeat-config.json in the
// workspace. Zero values fall back to the daemon-wide defaults.
type groupHeartbeatConfig struct {
	Enabled            *bool             `json:"enabled"`
	Every              string            `json:"every"`
	ActiveHours        *activeHoursRange `json:"activeHours"`
	SuppressOK         *bool             `json:"suppressOk"`
	MaxSuppressedChars int               `json:"maxSuppressedChars"`
}

func (c groupHeartbeatConfig) enabled() bool    { return c.Enabled == nil || *c.Enabled }
func (c groupHeartbeatConfig) suppressOK() bool { return c.SuppressOK == nil || *c.SuppressOK }

// activeHoursRange restricts beats to [Start, End) hours of the day. A range
// crossing midnight (start > end) wraps.
type activeHoursRange struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Timezone string `json:"timezone"`
}

func (c *activeHoursRange) contains(now time.Time, fallback *time.Location) bool {
	loc := fallback
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	hour := now.In(loc).Hour()
	switch {
	case c.Start == c.End:
		return true
	case c.Start < c.End:
		return hour >= c.Start && hour < c.End
	default:
		return hour >= c.Start || hour < c.End
	}
}

// Heartbeat maintains one recurring checklist task per registered group. The
// checklist lives in the group workspace as HEARTBEAT.md; a missing or
// contentless file skips the run entirely, so idle groups cost nothing.
type Heartbeat struct {
	store      *persistence.Store
	dispatcher Dispatcher
	resolver   agent.WorkspaceResolver
	eventBus   *bus.Bus
	clock      shared.Clock
	cfg        HeartbeatConfig
	logger     *slog.Logger
}

func NewHeartbeat(store *persistence.Store, dispatcher Dispatcher, resolver agent.WorkspaceResolver, eventBus *bus.Bus, clock shared.Clock, cfg HeartbeatConfig, logger *slog.Logger) *Heartbeat {
	if cfg.CronExpr == "" {
		cfg.CronExpr = "*/30 * * * *"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		store:      store,
		dispatcher: dispatcher,
		resolver:   resolver,
		eventBus:   eventBus,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With("component", "heartbeat"),
	}
}

// TaskID returns the fixed task id for a group's heartbeat.
func TaskID(folder string) string {
	return heartbeatTaskPrefix + folder
}

// Owns reports whether a task is a heartbeat task.
func (h *Heartbeat) Owns(task persistence.Task) bool {
	return strings.HasPrefix(task.ID, heartbeatTaskPrefix)
}

// EnsureTasks creates missing heartbeat tasks for every registered group.
// Called at startup and after group registration.
func (h *Heartbeat) EnsureTasks(ctx context.Context) error {
	groups, err := h.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := h.EnsureTask(ctx, g.Folder); err != nil {
			h.logger.Warn("could not ensure heartbeat task", "folder", g.Folder, "error", err)
		}
	}
	return nil
}

// EnsureTask creates the heartbeat task for one group, or rebuilds it when
// heartbeat-config.json changed the cadence since it was created.
func (h *Heartbeat) EnsureTask(ctx context.Context, folder string) error {
	id := TaskID(folder)
	kind, expr := persistence.ScheduleCron, h.cfg.CronExpr
	if cfg := h.loadConfig(folder); cfg.Every != "" {
		kind, expr = persistence.ScheduleInterval, cfg.Every
	}

	existing, err := h.store.TaskByID(ctx, id)
	if err == nil {
		if existing.ScheduleKind == kind && existing.ScheduleExpr == expr {
			return nil
		}
		if err := h.store.DeleteTask(ctx, id); err != nil {
			return err
		}
	} else if !errors.Is(err, persistence.ErrUnknownTask) {
		return err
	}

	next, err := NextRun(kind, expr, h.clock.Now(), h.cfg.Location)
	if err != nil {
		return err
	}
	_, err = h.store.CreateTask(ctx, persistence.Task{
		ID:           id,
		Folder:       folder,
		ScheduleKind: kind,
		ScheduleExpr: expr,
		Prompt:       heartbeatPrompt,
		ContextMode:  persistence.ContextGroup,
		Enabled:      true,
		NextRunAt:    &next,
	})
	if err != nil {
		return err
	}
	h.logger.Info("heartbeat task created", "folder", folder, "schedule", expr)
	return nil
}

// Fire dispatches one heartbeat run, or skips it when the group config says
// so or the checklist has no content. Both decisions are made at fire time,
// not at scheduling time, so editing the workspace files takes effect on the
// next beat. The schedule was already advanced by the caller, so a skipped
// beat still moves on.
func (h *Heartbeat) Fire(ctx context.Context, task persistence.Task, now time.Time) {
	cfg := h.loadConfig(task.Folder)
	if !cfg.enabled() {
		h.skip(ctx, task, "Skipped: disabled")
		return
	}
	if cfg.ActiveHours != nil && !cfg.ActiveHours.contains(now, h.cfg.Location) {
		h.skip(ctx, task, "Skipped: inactive hours")
		return
	}
	checklist, ok := h.readChecklist(task.Folder)
	if !ok {
		h.skip(ctx, task, "Skipped: empty")
		return
	}

	runID, err := h.store.StartTaskRun(ctx, task.ID, now)
	if err != nil {
		h.logger.Warn("failed to record heartbeat run", "task_id", task.ID, "error", err)
	}
	accepted := h.dispatcher.Submit(agent.DispatchRequest{
		Folder:              task.Folder,
		Reason:              "task:" + task.ID,
		TaskPrompt:          heartbeatPrompt + checklist,
		ContextMode:         persistence.ContextGroup,
		TaskRunID:           runID,
		SuppressHeartbeatOK: cfg.suppressOK(),
		HeartbeatOKLimit:    cfg.MaxSuppressedChars,
	})
	if !accepted {
		h.logger.Warn("heartbeat dispatch rejected, queue full", "folder", task.Folder)
		if runID != "" {
			_ = h.store.FinishTaskRun(ctx, runID, "rejected", "queue full", now)
		}
		return
	}
	if h.eventBus != nil {
		h.eventBus.Publish(bus.TopicTaskFired, bus.TaskFiredEvent{
			TaskID: task.ID, Folder: task.Folder, Reason: "heartbeat",
		})
	}
	h.logger.Info("heartbeat fired", "folder", task.Folder)
}

func (h *Heartbeat) skip(ctx context.Context, task persistence.Task, result string) {
	h.logger.Debug("heartbeat skipped", "folder", task.Folder, "result", result)
	if err := h.store.SetTaskLastStatus(ctx, task.ID, result); err != nil {
		h.logger.Warn("could not record heartbeat skip", "task_id", task.ID, "error", err)
	}
	if h.eventBus != nil {
		h.eventBus.Publish(bus.TopicTaskSkipped, bus.TaskFiredEvent{
			TaskID: task.ID, Folder: task.Folder, Reason: result,
		})
	}
}

// loadConfig reads the group's heartbeat-config.json. A missing file means
// all defaults; a malformed file is ignored with a warning rather than
// silencing the heartbeat.
func (h *Heartbeat) loadConfig(folder string) groupHeartbeatConfig {
	var cfg groupHeartbeatConfig
	path := filepath.Join(h.resolver.WorkspaceDir(folder), heartbeatConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		h.logger.Warn("malformed heartbeat config ignored", "folder", folder, "error", err)
		return groupHeartbeatConfig{}
	}
	if cfg.Every != "" && !everyPattern.MatchString(cfg.Every) {
		h.logger.Warn("bad heartbeat cadence ignored", "folder", folder, "every", cfg.Every)
		cfg.Every = ""
	}
	return cfg
}

// readChecklist loads HEARTBEAT.md and reports whether it has any real
// content. Headers, HTML comments and blank lines do not count; anything
// else, prose and checked items included, makes the beat worth running.
func (h *Heartbeat) readChecklist(folder string) (string, bool) {
	path := filepath.Join(h.resolver.WorkspaceDir(folder), heartbeatFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := string(data)
	for _, line := range strings.Split(htmlComment.ReplaceAllString(content, ""), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return content, true
	}
	return "", false
}

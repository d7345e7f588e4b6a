package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/authz"
	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	"github.com/qwibitai/nanoclaw-sub014/internal/channels"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/schedule"
	"github.com/qwibitai/nanoclaw-sub014/internal/shared"
)

var (
	ErrUnauthorized = errors.New("ipc: unauthorized")
	ErrBadRequest   = errors.New("ipc: bad request")
)

// Sender is the outbound slice of the channel router. React and SendPoll
// degrade gracefully on channels without the capability.
type Sender interface {
	Send(ctx context.Context, msg channels.OutboundMessage) error
	React(ctx context.Context, addr channels.Address, messageID, emoji string) error
	SendPoll(ctx context.Context, addr channels.Address, question string, options []string) error
}

// PathResolver translates the container-side paths agents put in requests
// into host paths, refusing anything outside the principal's mounts.
type PathResolver interface {
	Resolve(folder, logicalPath string) (string, authz.Mount, error)
}

// HostController performs host-level operations on behalf of the main group.
type HostController interface {
	StageUpdate(ctx context.Context, version string) error
	Restart(ctx context.Context) error
}

// GroupProvisioner prepares host-side state for a newly registered group.
type GroupProvisioner interface {
	ProvisionGroup(ctx context.Context, folder string) error
}

// HandlerConfig tunes request handling.
type HandlerConfig struct {
	MainFolder string
	// DedupeWindow collapses repeated update_project requests per folder.
	DedupeWindow time.Duration
	Location     *time.Location
}

// Handler authorizes and executes decoded IPC requests. The principal is the
// directory the request file arrived in, never anything inside the payload.
type Handler struct {
	store       *persistence.Store
	sender      Sender
	host        HostController
	provisioner GroupProvisioner
	resolver    PathResolver
	eventBus    *bus.Bus
	clock       shared.Clock
	cfg         HandlerConfig
	logger      *slog.Logger

	mu          sync.Mutex
	lastProject map[string]time.Time
}

func NewHandler(store *persistence.Store, sender Sender, host HostController, provisioner GroupProvisioner, resolver PathResolver, eventBus *bus.Bus, clock shared.Clock, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.MainFolder == "" {
		cfg.MainFolder = "main"
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 30 * time.Second
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
	return &Handler{
		store:       store,
		sender:      sender,
		host:        host,
		provisioner: provisioner,
		resolver:    resolver,
		eventBus:    eventBus,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.With("component", "ipc"),
		lastProject: make(map[string]time.Time),
	}
}

// privilegedKinds may only come from the main group's directory.
var privilegedKinds = map[string]bool{
	KindRegisterGroup: true,
	KindRefreshGroups: true,
	KindUpdateProject: true,
	KindSelfUpdate:    true,
}

// Handle executes one request on behalf of principal. The returned map is the
// result document written next to the request.
func (h *Handler) Handle(ctx context.Context, principal string, req Request) (map[string]any, error) {
	isMain := principal == h.cfg.MainFolder
	if privilegedKinds[req.Kind] && !isMain {
		return nil, fmt.Errorf("%w: %s may not use %s", ErrUnauthorized, principal, req.Kind)
	}

	switch req.Kind {
	case KindSendMessage:
		return h.handleSendMessage(ctx, principal, isMain, req)
	case KindReaction:
		return h.handleReaction(ctx, principal, isMain, req)
	case KindPoll:
		return h.handlePoll(ctx, principal, isMain, req)
	case KindScheduleTask:
		return h.handleScheduleTask(ctx, principal, req)
	case KindPauseTask:
		return h.handleSetTaskEnabled(ctx, principal, isMain, req, false)
	case KindResumeTask:
		return h.handleSetTaskEnabled(ctx, principal, isMain, req, true)
	case KindCancelTask:
		return h.handleCancelTask(ctx, principal, isMain, req)
	case KindTriggerHeartbeat:
		return h.handleTriggerHeartbeat(ctx, principal, isMain, req)
	case KindRegisterGroup:
		return h.handleRegisterGroup(ctx, req)
	case KindRefreshGroups:
		return h.handleRefreshGroups(ctx)
	case KindUpdateProject:
		return h.handleUpdateProject(ctx, principal, req)
	case KindSelfUpdate:
		return h.handleSelfUpdate(ctx, req)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadRequest, req.Kind)
	}
}

// targetAddress resolves the chat a request goes to. The default is the
// principal's own chat; only main may address another one.
func (h *Handler) targetAddress(ctx context.Context, principal string, isMain bool, to string) (channels.Address, error) {
	group, err := h.store.GroupByFolder(ctx, principal)
	if err != nil {
		return channels.Address{}, fmt.Errorf("%w: principal %q is not a registered group", ErrUnauthorized, principal)
	}
	target := group.ChatAddress
	if to != "" && to != group.ChatAddress {
		if !isMain {
			return channels.Address{}, fmt.Errorf("%w: %s may only address its own chat", ErrUnauthorized, principal)
		}
		target = to
	}
	addr, err := channels.ParseAddress(target)
	if err != nil {
		return channels.Address{}, fmt.Errorf("%w: bad target address %q", ErrBadRequest, target)
	}
	return addr, nil
}

func (h *Handler) handleSendMessage(ctx context.Context, principal string, isMain bool, req Request) (map[string]any, error) {
	addr, err := h.targetAddress(ctx, principal, isMain, req.To)
	if err != nil {
		return nil, err
	}
	attachments, err := h.resolveAttachments(principal, req.Attachments)
	if err != nil {
		return nil, err
	}
	if err := h.sender.Send(ctx, channels.OutboundMessage{
		Address:     addr,
		Text:        req.Text,
		ReplyToID:   req.ReplyTo,
		Attachments: attachments,
	}); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return map[string]any{"ok": true, "to": addr.String(), "attachments": len(attachments)}, nil
}

// resolveAttachments maps container paths to host paths against the
// principal's mounts. An escaping path fails the whole request; a path that
// resolves but does not exist is skipped with a warning.
func (h *Handler) resolveAttachments(principal string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if h.resolver == nil {
		return nil, fmt.Errorf("%w: attachments not supported", ErrBadRequest)
	}
	var out []string
	for _, p := range paths {
		hostPath, _, err := h.resolver.Resolve(principal, p)
		if errors.Is(err, authz.ErrPathEscapes) {
			return nil, fmt.Errorf("%w: attachment %q escapes the workspace", ErrUnauthorized, p)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %q: %v", ErrBadRequest, p, err)
		}
		if _, err := os.Stat(hostPath); err != nil {
			h.logger.Warn("attachment skipped, not found", "folder", principal, "path", p)
			continue
		}
		out = append(out, hostPath)
	}
	return out, nil
}

func (h *Handler) handleReaction(ctx context.Context, principal string, isMain bool, req Request) (map[string]any, error) {
	addr, err := h.targetAddress(ctx, principal, isMain, req.To)
	if err != nil {
		return nil, err
	}
	if err := h.sender.React(ctx, addr, req.MessageID, req.Emoji); err != nil {
		return nil, fmt.Errorf("react: %w", err)
	}
	return map[string]any{"ok": true, "to": addr.String()}, nil
}

func (h *Handler) handlePoll(ctx context.Context, principal string, isMain bool, req Request) (map[string]any, error) {
	addr, err := h.targetAddress(ctx, principal, isMain, req.To)
	if err != nil {
		return nil, err
	}
	if err := h.sender.SendPoll(ctx, addr, req.Question, req.Options); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return map[string]any{"ok": true, "to": addr.String(), "options": len(req.Options)}, nil
}

func (h *Handler) handleScheduleTask(ctx context.Context, principal string, req Request) (map[string]any, error) {
	if _, err := h.store.GroupByFolder(ctx, principal); err != nil {
		return nil, fmt.Errorf("%w: principal %q is not a registered group", ErrUnauthorized, principal)
	}

	next, err := schedule.NextRun(req.ScheduleKind, req.ScheduleExpr, h.clock.Now(), h.cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	id, err := h.store.CreateTask(ctx, persistence.Task{
		Folder:       principal,
		ScheduleKind: req.ScheduleKind,
		ScheduleExpr: req.ScheduleExpr,
		Prompt:       req.Prompt,
		ContextMode:  req.ContextMode,
		Enabled:      true,
		NextRunAt:    &next,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	h.logger.Info("task scheduled via ipc", "folder", principal, "task_id", id, "kind", req.ScheduleKind)
	return map[string]any{"ok": true, "task_id": id, "next_run_at": next.Format(time.RFC3339)}, nil
}

// ownedTask loads a task and checks the principal may manage it: its own
// tasks always, anyone's from main.
func (h *Handler) ownedTask(ctx context.Context, principal string, isMain bool, taskID string) (persistence.Task, error) {
	task, err := h.store.TaskByID(ctx, taskID)
	if errors.Is(err, persistence.ErrUnknownTask) {
		return persistence.Task{}, fmt.Errorf("%w: no task %q", ErrBadRequest, taskID)
	}
	if err != nil {
		return persistence.Task{}, fmt.Errorf("lookup task: %w", err)
	}
	if !isMain && task.Folder != principal {
		return persistence.Task{}, fmt.Errorf("%w: %s may not manage tasks of %s", ErrUnauthorized, principal, task.Folder)
	}
	return task, nil
}

func (h *Handler) handleCancelTask(ctx context.Context, principal string, isMain bool, req Request) (map[string]any, error) {
	if _, err := h.ownedTask(ctx, principal, isMain, req.TaskID); err != nil {
		return nil, err
	}
	if err := h.store.DeleteTask(ctx, req.TaskID); err != nil {
		return nil, fmt.Errorf("delete task: %w", err)
	}
	return map[string]any{"ok": true, "task_id": req.TaskID}, nil
}

func (h *Handler) handleSetTaskEnabled(ctx context.Context, principal string, isMain bool, req Request, enabled bool) (map[string]any, error) {
	task, err := h.ownedTask(ctx, principal, isMain, req.TaskID)
	if err != nil {
		return nil, err
	}
	if err := h.store.SetTaskEnabled(ctx, req.TaskID, enabled); err != nil {
		return nil, fmt.Errorf("set task enabled: %w", err)
	}
	// A resumed task whose slot passed while paused gets a fresh next run so
	// it does not fire immediately for every missed slot.
	if enabled {
		now := h.clock.Now()
		if task.NextRunAt == nil || task.NextRunAt.Before(now) {
			if next, err := schedule.NextRun(task.ScheduleKind, task.ScheduleExpr, now, h.cfg.Location); err == nil {
				_ = h.store.SetTaskNextRun(ctx, req.TaskID, &next)
			}
		}
	}
	return map[string]any{"ok": true, "task_id": req.TaskID, "enabled": enabled}, nil
}

func (h *Handler) handleTriggerHeartbeat(ctx context.Context, principal string, isMain bool, req Request) (map[string]any, error) {
	folder := req.Folder
	if folder == "" {
		folder = principal
	}
	if folder != principal && !isMain {
		return nil, fmt.Errorf("%w: %s may not trigger the heartbeat of %s", ErrUnauthorized, principal, folder)
	}
	now := h.clock.Now()
	id := schedule.TaskID(folder)
	if err := h.store.SetTaskNextRun(ctx, id, &now); err != nil {
		if errors.Is(err, persistence.ErrUnknownTask) {
			return nil, fmt.Errorf("%w: no heartbeat task for %q", ErrBadRequest, folder)
		}
		return nil, fmt.Errorf("trigger heartbeat: %w", err)
	}
	h.logger.Info("heartbeat triggered via ipc", "folder", folder)
	return map[string]any{"ok": true, "task_id": id, "next_run_at": now.Format(time.RFC3339)}, nil
}

func (h *Handler) handleRegisterGroup(ctx context.Context, req Request) (map[string]any, error) {
	g := persistence.RegisteredGroup{
		Folder:          req.Folder,
		ChatAddress:     req.ChatAddress,
		DisplayName:     req.DisplayName,
		RequiresTrigger: req.RequiresTrigger,
	}
	if err := h.store.RegisterGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if h.provisioner != nil {
		if err := h.provisioner.ProvisionGroup(ctx, req.Folder); err != nil {
			h.logger.Warn("group provisioning failed", "folder", req.Folder, "error", err)
		}
	}
	h.logger.Info("group registered via ipc", "folder", req.Folder, "address", req.ChatAddress)
	return map[string]any{"ok": true, "folder": req.Folder}, nil
}

func (h *Handler) handleRefreshGroups(ctx context.Context) (map[string]any, error) {
	groups, err := h.store.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if h.provisioner != nil {
		for _, g := range groups {
			if err := h.provisioner.ProvisionGroup(ctx, g.Folder); err != nil {
				h.logger.Warn("group refresh failed", "folder", g.Folder, "error", err)
			}
		}
	}
	return map[string]any{"ok": true, "groups": len(groups)}, nil
}

func (h *Handler) handleUpdateProject(ctx context.Context, principal string, req Request) (map[string]any, error) {
	now := h.clock.Now()
	h.mu.Lock()
	last, seen := h.lastProject[principal]
	if seen && now.Sub(last) < h.cfg.DedupeWindow {
		h.mu.Unlock()
		h.logger.Debug("update_project deduped", "folder", principal)
		return map[string]any{"ok": true, "deduped": true}, nil
	}
	h.lastProject[principal] = now
	h.mu.Unlock()

	key := "project_note:" + principal
	if err := h.store.KVSet(ctx, key, req.Note); err != nil {
		return nil, fmt.Errorf("store project note: %w", err)
	}
	return map[string]any{"ok": true}, nil
}

func (h *Handler) handleSelfUpdate(ctx context.Context, req Request) (map[string]any, error) {
	if h.host == nil {
		return nil, fmt.Errorf("%w: self update not available", ErrBadRequest)
	}
	if err := h.host.StageUpdate(ctx, req.Version); err != nil {
		return nil, fmt.Errorf("stage update: %w", err)
	}
	if err := h.host.Restart(ctx); err != nil {
		return nil, fmt.Errorf("restart: %w", err)
	}
	return map[string]any{"ok": true, "version": req.Version}, nil
}

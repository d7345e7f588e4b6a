package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	"github.com/qwibitai/nanoclaw-sub014/internal/channels"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/shared"
)

// heartbeatOKToken opens an all-clear heartbeat reply.
const heartbeatOKToken = "HEARTBEAT_OK"

// apologyText is sent when a run fails terminally so the chat is not left
// hanging and the same input is not re-dispatched forever.
const apologyText = "Sorry, I hit a problem I could not recover from while handling that. Please try again or rephrase."

// Messenger is the slice of the channel router the runner needs.
type Messenger interface {
	Send(ctx context.Context, msg channels.OutboundMessage) error
	UpdateStream(ctx context.Context, addr channels.Address, runID, text string)
	FinishStream(ctx context.Context, addr channels.Address, runID, text string) bool
}

// WorkspaceResolver maps folders to host workspace directories.
type WorkspaceResolver interface {
	WorkspaceDir(folder string) string
}

// RunnerConfig tunes dispatch runs.
type RunnerConfig struct {
	Timeout  time.Duration
	Location *time.Location
	// HeartbeatOKMaxExtra is how much text may follow HEARTBEAT_OK before the
	// reply stops counting as all-clear.
	HeartbeatOKMaxExtra int
	// WindowLimit caps how many messages one dispatch reads.
	WindowLimit int
	// Secrets are forwarded to the backend over stdin.
	Secrets map[string]string
}

// Runner executes one dispatch: read the window past the cursor, run the
// backend, deliver the reply, advance the cursor.
type Runner struct {
	store     *persistence.Store
	backend   Backend
	messenger Messenger
	resolver  WorkspaceResolver
	eventBus  *bus.Bus
	cfg       RunnerConfig
	logger    *slog.Logger
}

func NewRunner(store *persistence.Store, backend Backend, messenger Messenger, resolver WorkspaceResolver, eventBus *bus.Bus, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.HeartbeatOKMaxExtra <= 0 {
		cfg.HeartbeatOKMaxExtra = 300
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		backend:   backend,
		messenger: messenger,
		resolver:  resolver,
		eventBus:  eventBus,
		cfg:       cfg,
		logger:    logger.With("component", "runner"),
	}
}

// Run executes one dispatch for a group. A nil return means the job is done
// (including terminal failures, which advance the cursor); a non-nil return
// asks the queue to retry with backoff.
func (r *Runner) Run(ctx context.Context, req DispatchRequest) error {
	group, err := r.store.GroupByFolder(ctx, req.Folder)
	if errors.Is(err, persistence.ErrUnknownGroup) {
		r.logger.Warn("dispatch for unregistered folder dropped", "folder", req.Folder)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup group: %w", err)
	}

	addr, err := channels.ParseAddress(group.ChatAddress)
	if err != nil {
		r.logger.Error("registered group has malformed address", "folder", group.Folder, "address", group.ChatAddress)
		return nil
	}

	sessionID, err := r.store.EnsureSession(ctx, group.Folder)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	cursor, err := r.store.GetCursor(ctx, group.ChatAddress)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	window, err := r.store.MessagesAfter(ctx, group.ChatAddress, cursor, r.cfg.WindowLimit)
	if err != nil {
		return fmt.Errorf("read window: %w", err)
	}

	var lastUserTS time.Time
	userMessages := 0
	for _, m := range window {
		if !m.IsFromBot {
			userMessages++
			if m.Timestamp.After(lastUserTS) {
				lastUserTS = m.Timestamp
			}
		}
	}

	if req.TaskPrompt == "" {
		// Chat-triggered jobs with an empty window were handled by an earlier
		// coalesced run; nothing to do.
		if userMessages == 0 {
			r.logger.Debug("window already drained", "folder", group.Folder)
			return nil
		}
		// A reply newer than the last user message means a previous attempt
		// already answered this window and only the cursor write was lost.
		// Replaying the agent would double-post, so just repair the cursor.
		answered, err := r.store.HasAgentMessageAfter(ctx, group.ChatAddress, lastUserTS)
		if err != nil {
			return fmt.Errorf("drain check: %w", err)
		}
		if answered {
			r.logger.Debug("window already answered, repairing cursor", "folder", group.Folder)
			if err := r.store.AdvanceCursor(ctx, group.ChatAddress, lastUserTS); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
			return nil
		}
	}

	prompt := r.buildPrompt(req, window)
	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithFolder(ctx, group.Folder), runID)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	r.writeSnapshots(runCtx, group.Folder)

	events, err := r.backend.Run(runCtx, RunRequest{
		Folder:       group.Folder,
		SessionID:    sessionID,
		ChatAddress:  group.ChatAddress,
		Prompt:       prompt,
		WorkspaceDir: r.resolver.WorkspaceDir(group.Folder),
		Secrets:      r.cfg.Secrets,
	})
	if err != nil {
		return fmt.Errorf("start backend run: %w", err)
	}

	started := time.Now()
	var acc strings.Builder
	for ev := range events {
		switch ev := ev.(type) {
		case Chunk:
			acc.WriteString(ev.Text)
			r.messenger.UpdateStream(runCtx, addr, runID, acc.String())
			if r.eventBus != nil {
				r.eventBus.Publish(bus.TopicStreamChunk, bus.StreamChunkEvent{
					Folder: group.Folder, ChatAddress: group.ChatAddress, RunID: runID, Text: ev.Text,
				})
			}
		case ToolCall:
			r.logger.Info("agent tool call", "folder", group.Folder, "tool", ev.Name, "run_id", runID)
		case Final:
			return r.deliverFinal(ctx, req, group, addr, runID, ev, lastUserTS, time.Since(started))
		case ErrorEvent:
			terminal := ev.Terminal || errors.Is(ev.Err, context.DeadlineExceeded)
			if !terminal {
				return fmt.Errorf("agent run failed: %w", ev.Err)
			}
			return r.failTerminal(ctx, req, group, addr, runID, ev.Err, lastUserTS)
		}
	}

	// Producer closed without Final or ErrorEvent; treat as transient.
	return fmt.Errorf("agent stream ended without a final event")
}

// deliverFinal records the reply, delivers it best-effort and advances the
// cursor. Persistence comes first: a channel outage must not lose the reply
// or wedge the window, so delivery failures are logged and swallowed.
func (r *Runner) deliverFinal(ctx context.Context, req DispatchRequest, group persistence.RegisteredGroup, addr channels.Address, runID string, final Final, lastUserTS time.Time, took time.Duration) error {
	suppressed := req.SuppressHeartbeatOK && r.isHeartbeatOK(final.Text, req.HeartbeatOKLimit)
	if suppressed {
		r.logger.Debug("heartbeat all clear, reply suppressed", "folder", group.Folder, "run_id", runID)
	} else {
		if err := r.store.InsertMessage(ctx, persistence.ChatMessage{
			ChatAddress: group.ChatAddress,
			MessageID:   "agent-" + runID,
			SenderID:    "agent",
			SenderName:  "agent",
			Content:     final.Text,
			IsFromBot:   true,
			Timestamp:   time.Now(),
		}); err != nil {
			return fmt.Errorf("record agent reply: %w", err)
		}
		if !r.messenger.FinishStream(ctx, addr, runID, final.Text) {
			if err := r.messenger.Send(ctx, channels.OutboundMessage{Address: addr, Text: final.Text}); err != nil {
				r.logger.Warn("reply delivery failed",
					"chat", group.ChatAddress, "channel", addr.Channel, "reason", err)
			}
		}
	}

	if final.SessionID != "" {
		if err := r.store.SetSession(ctx, group.Folder, final.SessionID); err != nil {
			r.logger.Warn("could not persist session handle", "folder", group.Folder, "error", err)
		}
	}

	if !lastUserTS.IsZero() {
		if err := r.store.AdvanceCursor(ctx, group.ChatAddress, lastUserTS); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	res := RunResult{ReplySent: !suppressed, Suppressed: suppressed, Duration: took}
	r.finishTaskRun(ctx, req, "ok", res.Detail())
	if r.eventBus != nil {
		r.eventBus.Publish(bus.TopicStreamFinal, bus.StreamChunkEvent{
			Folder: group.Folder, ChatAddress: group.ChatAddress, RunID: runID, Text: final.Text,
		})
	}
	r.logger.Info("dispatch finished", "folder", group.Folder, "run_id", runID, "took", took, "suppressed", suppressed)
	return nil
}

// failTerminal advances the cursor past input that will never succeed and
// apologizes in the chat.
func (r *Runner) failTerminal(ctx context.Context, req DispatchRequest, group persistence.RegisteredGroup, addr channels.Address, runID string, runErr error, lastUserTS time.Time) error {
	r.logger.Error("agent run failed terminally", "folder", group.Folder, "run_id", runID, "error", runErr)
	if err := r.messenger.Send(ctx, channels.OutboundMessage{Address: addr, Text: apologyText}); err != nil {
		r.logger.Warn("could not deliver apology", "folder", group.Folder, "error", err)
	}
	if !lastUserTS.IsZero() {
		if err := r.store.AdvanceCursor(ctx, group.ChatAddress, lastUserTS); err != nil {
			return fmt.Errorf("advance cursor after terminal failure: %w", err)
		}
	}
	r.finishTaskRun(ctx, req, "error", runErr.Error())
	return nil
}

// finishTaskRun closes the task_runs row a scheduled job carries. Chat jobs
// carry none.
func (r *Runner) finishTaskRun(ctx context.Context, req DispatchRequest, status, detail string) {
	if req.TaskRunID == "" {
		return
	}
	if err := r.store.FinishTaskRun(ctx, req.TaskRunID, status, detail, time.Now()); err != nil {
		r.logger.Warn("could not close task run", "task_run", req.TaskRunID, "error", err)
	}
}

func (r *Runner) isHeartbeatOK(text string, limit int) bool {
	if limit <= 0 {
		limit = r.cfg.HeartbeatOKMaxExtra
	}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, heartbeatOKToken) {
		return false
	}
	extra := strings.TrimSpace(strings.TrimPrefix(trimmed, heartbeatOKToken))
	return len(extra) < limit
}

// buildPrompt renders the chat window for the agent. Isolated task runs get
// only the task prompt; group-context runs get history plus the task prompt.
func (r *Runner) buildPrompt(req DispatchRequest, window []persistence.ChatMessage) string {
	if req.TaskPrompt != "" && req.ContextMode == persistence.ContextIsolated {
		return req.TaskPrompt
	}

	var b strings.Builder
	if len(window) > 0 {
		b.WriteString("Recent messages:\n")
		for _, m := range window {
			name := m.SenderName
			if name == "" {
				name = m.SenderID
			}
			if m.IsFromBot {
				name = "you"
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.In(r.cfg.Location).Format("2006-01-02 15:04"), name, m.Content)
		}
	}
	if req.TaskPrompt != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Scheduled task:\n")
		b.WriteString(req.TaskPrompt)
	}
	return b.String()
}

// writeSnapshots materializes tasks and groups into the workspace when the
// backend supports it. Failures are logged, not fatal: the agent just sees a
// stale snapshot.
func (r *Runner) writeSnapshots(ctx context.Context, folder string) {
	sw, ok := r.backend.(SnapshotWriter)
	if !ok {
		return
	}
	dir := r.resolver.WorkspaceDir(folder)

	if tasks, err := r.store.ListTasks(ctx, folder); err == nil {
		if data, err := json.MarshalIndent(tasks, "", "  "); err == nil {
			if err := sw.WriteTasksSnapshot(ctx, dir, data); err != nil {
				r.logger.Warn("tasks snapshot failed", "folder", folder, "error", err)
			}
		}
	}
	if groups, err := r.store.ListGroups(ctx); err == nil {
		if data, err := json.MarshalIndent(groups, "", "  "); err == nil {
			if err := sw.WriteGroupsSnapshot(ctx, dir, data); err != nil {
				r.logger.Warn("groups snapshot failed", "folder", folder, "error", err)
			}
		}
	}
}

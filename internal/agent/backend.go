// Package agent runs one dispatch at a time per group through a pluggable
// Backend and turns the backend's event stream into chat replies and cursor
// movement.
package agent

import (
	"context"
	"fmt"
	"time"
)

// RunRequest is everything a backend needs for one agent run.
type RunRequest struct {
	Folder       string
	SessionID    string
	ChatAddress  string
	Prompt       string
	WorkspaceDir string
	// Secrets are written to the agent over stdin, never the environment.
	Secrets map[string]string
}

// AgentEvent is the closed set of things a backend can emit during a run.
// Exactly one of the variants below implements it.
type AgentEvent interface {
	isAgentEvent()
}

// Chunk is a partial piece of the reply text.
type Chunk struct {
	Text string
}

// ToolCall reports that the agent invoked a tool.
type ToolCall struct {
	Name   string
	Detail string
}

// Final is the complete reply. It is the last event of a successful run.
// SessionID, when set, is the backend's resumable session handle; the runner
// persists it so the next run for the folder picks up the same session.
type Final struct {
	Text      string
	SessionID string
}

// ErrorEvent terminates a run. Terminal errors advance the cursor (the input
// will never succeed); transient ones leave it for the queue to retry.
type ErrorEvent struct {
	Err      error
	Terminal bool
}

func (Chunk) isAgentEvent()      {}
func (ToolCall) isAgentEvent()   {}
func (Final) isAgentEvent()      {}
func (ErrorEvent) isAgentEvent() {}

// Backend produces agent runs. Run returns a channel owned by a single
// producer goroutine; the channel closes when the run is over, and
// cancelling ctx must stop the producer promptly.
type Backend interface {
	Init(ctx context.Context) error
	Run(ctx context.Context, req RunRequest) (<-chan AgentEvent, error)
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SnapshotWriter is an optional backend capability: materialize host state as
// files in a group workspace so the sandboxed agent can read it without IPC.
type SnapshotWriter interface {
	WriteTasksSnapshot(ctx context.Context, workspaceDir string, tasksJSON []byte) error
	WriteGroupsSnapshot(ctx context.Context, workspaceDir string, groupsJSON []byte) error
}

// DispatchRequest describes one queue job handed to the Runner.
type DispatchRequest struct {
	Folder string
	Reason string
	// TaskPrompt is set when a scheduled task fired; empty for chat traffic.
	TaskPrompt  string
	ContextMode string
	// TaskRunID is the open task_runs row for this job; the runner closes it
	// with the outcome. Empty for chat traffic.
	TaskRunID string
	// SuppressHeartbeatOK hides all-clear heartbeat replies from the chat.
	SuppressHeartbeatOK bool
	// HeartbeatOKLimit overrides the runner's suppression threshold when > 0.
	HeartbeatOKLimit int
}

// RunResult summarizes a finished dispatch for logs and task run records.
type RunResult struct {
	ReplySent  bool
	Suppressed bool
	Duration   time.Duration
}

// Detail renders the result as the task_runs detail string.
func (r RunResult) Detail() string {
	return fmt.Sprintf("reply_sent=%t suppressed=%t took=%s", r.ReplySent, r.Suppressed, r.Duration.Round(time.Millisecond))
}

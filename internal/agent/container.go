package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerConfig tunes the docker backend.
type ContainerConfig struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
}

// ContainerBackend runs each dispatch in an ephemeral docker container. The
// group workspace is bind-mounted at /workspace; the run request (prompt,
// session, secrets) goes in over stdin as one JSON document and the agent
// emits one JSON event per stdout line.
type ContainerBackend struct {
	client *client.Client
	cfg    ContainerConfig
	logger *slog.Logger
}

// containerEvent is the stdout line protocol from the agent process.
type containerEvent struct {
	Event     string `json:"event"` // "chunk", "tool_call", "final", "error"
	Text      string `json:"text,omitempty"`
	Name      string `json:"name,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Terminal  bool   `json:"terminal,omitempty"`
}

// containerInput is the stdin document handed to the agent process.
type containerInput struct {
	Folder    string            `json:"folder"`
	SessionID string            `json:"session_id"`
	Prompt    string            `json:"prompt"`
	Secrets   map[string]string `json:"secrets,omitempty"`
}

func NewContainerBackend(cfg ContainerConfig, logger *slog.Logger) (*ContainerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = "nanoclaw/agent:latest"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ContainerBackend{
		client: cli,
		cfg:    cfg,
		logger: logger.With("component", "container-backend"),
	}, nil
}

func (b *ContainerBackend) Init(ctx context.Context) error {
	if _, err := b.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (b *ContainerBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

func (b *ContainerBackend) Shutdown(ctx context.Context) error {
	return b.client.Close()
}

// Run creates, starts and supervises one agent container. Events stream on
// the returned channel; the channel closes when the container exits or ctx is
// cancelled (the container is then killed).
func (b *ContainerBackend) Run(ctx context.Context, req RunRequest) (<-chan AgentEvent, error) {
	resp, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:        b.cfg.Image,
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: b.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(b.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", req.WorkspaceDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	attach, err := b.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := b.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	events := make(chan AgentEvent, 16)
	go b.supervise(ctx, containerID, attach, req, events)
	return events, nil
}

func (b *ContainerBackend) supervise(ctx context.Context, containerID string, attach types.HijackedResponse, req RunRequest, events chan<- AgentEvent) {
	defer close(events)
	defer attach.Close()

	// Hand the run request (secrets included) to the agent over stdin, then
	// half-close so the agent sees EOF.
	input := containerInput{
		Folder:    req.Folder,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Secrets:   req.Secrets,
	}
	if err := json.NewEncoder(attach.Conn).Encode(input); err != nil {
		events <- ErrorEvent{Err: fmt.Errorf("write agent input: %w", err), Terminal: false}
		_ = b.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return
	}
	_ = attach.CloseWrite()

	// Demultiplex the attached stream; stdout carries the event protocol,
	// stderr goes to the log.
	stdoutR, stdoutW := io.Pipe()
	go func() {
		stderr := &logWriter{logger: b.logger, containerID: containerID}
		_, err := stdcopy.StdCopy(stdoutW, stderr, attach.Reader)
		_ = stdoutW.CloseWithError(err)
	}()

	sawFinal := false
	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev containerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			b.logger.Warn("unparseable agent output line", "container", containerID[:12], "error", err)
			continue
		}
		switch ev.Event {
		case "chunk":
			events <- Chunk{Text: ev.Text}
		case "tool_call":
			events <- ToolCall{Name: ev.Name, Detail: ev.Detail}
		case "final":
			sawFinal = true
			events <- Final{Text: ev.Text, SessionID: ev.SessionID}
		case "error":
			sawFinal = true
			events <- ErrorEvent{Err: errors.New(ev.Message), Terminal: ev.Terminal}
		default:
			b.logger.Warn("unknown agent event", "event", ev.Event)
		}
	}

	statusCh, errCh := b.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if !sawFinal {
			events <- ErrorEvent{Err: fmt.Errorf("wait container: %w", err), Terminal: false}
		}
	case status := <-statusCh:
		if status.StatusCode != 0 && !sawFinal {
			events <- ErrorEvent{Err: fmt.Errorf("agent exited with status %d", status.StatusCode), Terminal: false}
		} else if !sawFinal {
			events <- ErrorEvent{Err: errors.New("agent exited without a final reply"), Terminal: false}
		}
	case <-ctx.Done():
		_ = b.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		if !sawFinal {
			events <- ErrorEvent{Err: ctx.Err(), Terminal: true}
		}
	}
}

// WriteTasksSnapshot materializes the folder's scheduled tasks as a JSON file
// the sandboxed agent can read.
func (b *ContainerBackend) WriteTasksSnapshot(ctx context.Context, workspaceDir string, tasksJSON []byte) error {
	return writeSnapshot(workspaceDir, "tasks.json", tasksJSON)
}

// WriteGroupsSnapshot materializes the registered groups as a JSON file.
func (b *ContainerBackend) WriteGroupsSnapshot(ctx context.Context, workspaceDir string, groupsJSON []byte) error {
	return writeSnapshot(workspaceDir, "groups.json", groupsJSON)
}

func writeSnapshot(workspaceDir, name string, data []byte) error {
	dir := filepath.Join(workspaceDir, ".nanoclaw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// logWriter forwards container stderr to the host log.
type logWriter struct {
	logger      *slog.Logger
	containerID string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug("agent stderr", "container", w.containerID[:12], "output", string(p))
	return len(p), nil
}

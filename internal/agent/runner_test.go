package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/channels"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
)

// fakeBackend replays a scripted event sequence and records the request.
type fakeBackend struct {
	script   []AgentEvent
	startErr error
	lastReq  RunRequest
	runs     int
}

func (f *fakeBackend) Init(ctx context.Context) error        { return nil }
func (f *fakeBackend) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeBackend) Shutdown(ctx context.Context) error    { return nil }

func (f *fakeBackend) Run(ctx context.Context, req RunRequest) (<-chan AgentEvent, error) {
	f.runs++
	f.lastReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	events := make(chan AgentEvent, len(f.script))
	for _, ev := range f.script {
		events <- ev
	}
	close(events)
	return events, nil
}

// fakeMessenger records outbound traffic.
type fakeMessenger struct {
	sent          []channels.OutboundMessage
	streamUpdates int
	finishOK      bool
	sendErr       error
}

func (f *fakeMessenger) Send(ctx context.Context, msg channels.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (f *fakeMessenger) UpdateStream(ctx context.Context, addr channels.Address, runID, text string) {
	f.streamUpdates++
}

func (f *fakeMessenger) FinishStream(ctx context.Context, addr channels.Address, runID, text string) bool {
	return f.finishOK
}

type fixedResolver struct{ root string }

func (r fixedResolver) WorkspaceDir(folder string) string { return filepath.Join(r.root, folder) }

func runnerFixture(t *testing.T, backend Backend) (*Runner, *persistence.Store, *fakeMessenger) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "nanoclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m := &fakeMessenger{}
	r := NewRunner(store, backend, m, fixedResolver{root: t.TempDir()}, nil, RunnerConfig{
		Timeout:             time.Minute,
		HeartbeatOKMaxExtra: 300,
	}, nil)
	return r, store, m
}

func seedGroup(t *testing.T, store *persistence.Store, folder, addr string) {
	t.Helper()
	err := store.RegisterGroup(context.Background(), persistence.RegisteredGroup{
		Folder: folder, ChatAddress: addr, DisplayName: folder,
	})
	if err != nil {
		t.Fatalf("register group: %v", err)
	}
}

func seedUserMessage(t *testing.T, store *persistence.Store, addr, id, text string, ts time.Time) {
	t.Helper()
	err := store.InsertMessage(context.Background(), persistence.ChatMessage{
		ChatAddress: addr, MessageID: id, SenderID: "u1", SenderName: "Ada",
		Content: text, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func TestRunDeliversFinalAndAdvancesCursor(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{
		Chunk{Text: "work"},
		Chunk{Text: "ing"},
		Final{Text: "done, here is the answer"},
	}}
	r, store, m := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	ts := time.Unix(1000, 0).UTC()
	seedUserMessage(t, store, "telegram:10", "m1", "please help", ts)

	if err := r.Run(ctx, DispatchRequest{Folder: "family", Reason: "message"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(m.sent) != 1 || m.sent[0].Text != "done, here is the answer" {
		t.Fatalf("sent = %#v", m.sent)
	}
	if m.streamUpdates != 2 {
		t.Fatalf("stream updates = %d, want 2", m.streamUpdates)
	}

	cursor, err := store.GetCursor(ctx, "telegram:10")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.Equal(ts) {
		t.Fatalf("cursor = %v, want %v", cursor, ts)
	}

	// The reply is recorded so later runs can see it in history.
	ok, err := store.HasAgentMessageAfter(ctx, "telegram:10", ts.Add(-time.Second))
	if err != nil {
		t.Fatalf("has agent message: %v", err)
	}
	if !ok {
		t.Fatal("agent reply not recorded")
	}
}

func TestRunSkipsWhenWindowDrained(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{Final{Text: "should not run"}}}
	r, store, m := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	ts := time.Unix(1000, 0).UTC()
	seedUserMessage(t, store, "telegram:10", "m1", "hello", ts)
	if err := store.AdvanceCursor(ctx, "telegram:10", ts); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := r.Run(ctx, DispatchRequest{Folder: "family", Reason: "message"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.runs != 0 {
		t.Fatal("backend ran against an empty window")
	}
	if len(m.sent) != 0 {
		t.Fatalf("unexpected sends: %#v", m.sent)
	}
}

func TestRunSkipsWhenWindowAlreadyAnswered(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{Final{Text: "should not run"}}}
	r, store, m := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	ts := time.Unix(1000, 0).UTC()
	seedUserMessage(t, store, "telegram:10", "m1", "hello", ts)
	// A reply exists but the cursor write was lost, as after a crash between
	// delivery and cursor advance.
	err := store.InsertMessage(ctx, persistence.ChatMessage{
		ChatAddress: "telegram:10", MessageID: "agent-old", SenderID: "agent",
		Content: "already answered", IsFromBot: true, Timestamp: ts.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("insert reply: %v", err)
	}

	if err := r.Run(ctx, DispatchRequest{Folder: "family", Reason: "recovery"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.runs != 0 {
		t.Fatal("backend must not replay an answered window")
	}
	if len(m.sent) != 0 {
		t.Fatalf("no chat traffic expected: %#v", m.sent)
	}
	cursor, err := store.GetCursor(ctx, "telegram:10")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.Equal(ts) {
		t.Fatalf("cursor must be repaired to %v; got %v", ts, cursor)
	}
}

func TestRunSendFailureStillRecordsAndAdvances(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{Final{Text: "the answer"}}}
	r, store, m := runnerFixture(t, backend)
	m.sendErr = errors.New("telegram 502")
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	ts := time.Unix(1000, 0).UTC()
	seedUserMessage(t, store, "telegram:10", "m1", "hello", ts)

	if err := r.Run(ctx, DispatchRequest{Folder: "family", Reason: "message"}); err != nil {
		t.Fatalf("a delivery failure must not fail the run: %v", err)
	}

	// The reply is part of history even though the channel rejected it, and
	// the cursor moves so the window is not re-dispatched.
	ok, err := store.HasAgentMessageAfter(ctx, "telegram:10", ts)
	if err != nil || !ok {
		t.Fatalf("reply not recorded (ok=%v err=%v)", ok, err)
	}
	cursor, _ := store.GetCursor(ctx, "telegram:10")
	if !cursor.Equal(ts) {
		t.Fatalf("cursor = %v, want %v", cursor, ts)
	}
}

func TestRunPersistsSessionHandleFromFinal(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{Final{Text: "done", SessionID: "sess-backend-7"}}}
	r, store, _ := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	seedUserMessage(t, store, "telegram:10", "m1", "hello", time.Unix(1000, 0).UTC())

	if err := r.Run(ctx, DispatchRequest{Folder: "family", Reason: "message"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	id, err := store.EnsureSession(ctx, "family")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if id != "sess-backend-7" {
		t.Fatalf("session = %q, want the backend-issued handle", id)
	}
	if backend.lastReq.SessionID == "sess-backend-7" {
		t.Fatal("first run must not already see the new handle")
	}
}

func TestRunClosesTaskRunRecord(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{Final{Text: "report ready"}}}
	r, store, _ := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	taskID, err := store.CreateTask(ctx, persistence.Task{
		Folder: "family", ScheduleKind: persistence.ScheduleInterval, ScheduleExpr: "1h",
		Prompt: "weekly report", ContextMode: persistence.ContextIsolated, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	runID, err := store.StartTaskRun(ctx, taskID, time.Now())
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	err = r.Run(ctx, DispatchRequest{
		Folder: "family", Reason: "task:" + taskID,
		TaskPrompt: "weekly report", ContextMode: persistence.ContextIsolated,
		TaskRunID: runID,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	runs, err := store.ListTaskRuns(ctx, taskID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "ok" {
		t.Fatalf("task run not closed: %#v", runs)
	}
	if !strings.Contains(runs[0].Detail, "reply_sent=true") {
		t.Fatalf("run detail missing outcome: %q", runs[0].Detail)
	}
}

func TestRunTerminalErrorApologizesAndAdvances(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{
		ErrorEvent{Err: errors.New("model rejected input"), Terminal: true},
	}}
	r, store, m := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	ts := time.Unix(1000, 0).UTC()
	seedUserMessage(t, store, "telegram:10", "m1", "poison", ts)

	if err := r.Run(ctx, DispatchRequest{Folder: "family", Reason: "message"}); err != nil {
		t.Fatalf("terminal failure should not return an error: %v", err)
	}
	if len(m.sent) != 1 || !strings.Contains(m.sent[0].Text, "Sorry") {
		t.Fatalf("apology missing: %#v", m.sent)
	}
	cursor, _ := store.GetCursor(ctx, "telegram:10")
	if !cursor.Equal(ts) {
		t.Fatalf("cursor must advance past poison input; got %v", cursor)
	}
}

func TestRunTransientErrorBubblesWithoutAdvancing(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{
		ErrorEvent{Err: errors.New("connection reset"), Terminal: false},
	}}
	r, store, m := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	seedUserMessage(t, store, "telegram:10", "m1", "hello", time.Unix(1000, 0).UTC())

	if err := r.Run(ctx, DispatchRequest{Folder: "family", Reason: "message"}); err == nil {
		t.Fatal("transient failure must surface for retry")
	}
	if len(m.sent) != 0 {
		t.Fatalf("no chat traffic expected on transient failure: %#v", m.sent)
	}
	cursor, _ := store.GetCursor(ctx, "telegram:10")
	if !cursor.IsZero() {
		t.Fatalf("cursor must not move on transient failure; got %v", cursor)
	}
}

func TestRunStartErrorBubbles(t *testing.T) {
	backend := &fakeBackend{startErr: errors.New("docker daemon down")}
	r, store, _ := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	seedUserMessage(t, store, "telegram:10", "m1", "hello", time.Unix(1000, 0).UTC())

	if err := r.Run(ctx, DispatchRequest{Folder: "family"}); err == nil {
		t.Fatal("start failure must surface for retry")
	}
}

func TestRunHeartbeatOKSuppressed(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{
		Final{Text: "HEARTBEAT_OK nothing pending"},
	}}
	r, store, m := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")

	err := r.Run(ctx, DispatchRequest{
		Folder: "family", Reason: "heartbeat",
		TaskPrompt: "check the list", ContextMode: persistence.ContextGroup,
		SuppressHeartbeatOK: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(m.sent) != 0 {
		t.Fatalf("all-clear heartbeat must stay silent: %#v", m.sent)
	}
}

func TestRunHeartbeatWithFindingsIsDelivered(t *testing.T) {
	long := "HEARTBEAT_OK " + strings.Repeat("found a real problem, details follow. ", 10)
	backend := &fakeBackend{script: []AgentEvent{Final{Text: long}}}
	r, store, m := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")

	err := r.Run(ctx, DispatchRequest{
		Folder: "family", TaskPrompt: "check the list",
		ContextMode: persistence.ContextGroup, SuppressHeartbeatOK: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(m.sent) != 1 {
		t.Fatal("a heartbeat with substantive findings must be delivered")
	}
}

func TestRunIsolatedTaskGetsOnlyTaskPrompt(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{Final{Text: "report ready"}}}
	r, store, _ := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	seedUserMessage(t, store, "telegram:10", "m1", "private chatter", time.Unix(1000, 0).UTC())

	err := r.Run(ctx, DispatchRequest{
		Folder: "family", TaskPrompt: "summarize the week",
		ContextMode: persistence.ContextIsolated,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.lastReq.Prompt != "summarize the week" {
		t.Fatalf("isolated prompt leaked history: %q", backend.lastReq.Prompt)
	}
}

func TestRunGroupTaskIncludesHistoryAndPrompt(t *testing.T) {
	backend := &fakeBackend{script: []AgentEvent{Final{Text: "ok"}}}
	r, store, _ := runnerFixture(t, backend)
	ctx := context.Background()

	seedGroup(t, store, "family", "telegram:10")
	seedUserMessage(t, store, "telegram:10", "m1", "remember the milk", time.Unix(1000, 0).UTC())

	err := r.Run(ctx, DispatchRequest{
		Folder: "family", TaskPrompt: "morning digest",
		ContextMode: persistence.ContextGroup,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	prompt := backend.lastReq.Prompt
	if !strings.Contains(prompt, "remember the milk") || !strings.Contains(prompt, "morning digest") {
		t.Fatalf("group-context prompt incomplete: %q", prompt)
	}
	if !strings.Contains(prompt, "Ada") {
		t.Fatalf("sender name missing from history: %q", prompt)
	}
}

func TestRunUnknownFolderDropsJob(t *testing.T) {
	backend := &fakeBackend{}
	r, _, _ := runnerFixture(t, backend)

	if err := r.Run(context.Background(), DispatchRequest{Folder: "ghost"}); err != nil {
		t.Fatalf("unknown folder should drop, not retry: %v", err)
	}
	if backend.runs != 0 {
		t.Fatal("backend must not run for an unknown folder")
	}
}

func TestIsHeartbeatOKBoundary(t *testing.T) {
	r := &Runner{cfg: RunnerConfig{HeartbeatOKMaxExtra: 10}}

	if !r.isHeartbeatOK("HEARTBEAT_OK", 0) {
		t.Fatal("bare token is all clear")
	}
	if !r.isHeartbeatOK("  HEARTBEAT_OK all good ", 0) {
		t.Fatal("short trailer is still all clear")
	}
	if r.isHeartbeatOK("HEARTBEAT_OK "+strings.Repeat("x", 11), 0) {
		t.Fatal("long trailer means findings")
	}
	if r.isHeartbeatOK("all good HEARTBEAT_OK", 0) {
		t.Fatal("token must open the reply")
	}
	// A per-group limit overrides the configured one.
	if !r.isHeartbeatOK("HEARTBEAT_OK "+strings.Repeat("x", 11), 50) {
		t.Fatal("wider per-group limit must apply")
	}
	if r.isHeartbeatOK("HEARTBEAT_OK abc", 3) {
		t.Fatal("narrower per-group limit must apply")
	}
}

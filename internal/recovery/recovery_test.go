package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/agent"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
)

type recordingDispatcher struct {
	folders []string
}

func (d *recordingDispatcher) Submit(req agent.DispatchRequest) bool {
	d.folders = append(d.folders, req.Folder)
	return true
}

type flakyBackend struct {
	mu       sync.Mutex
	healthy  bool
	inits    int
	checkErr error
}

func (b *flakyBackend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits++
	b.checkErr = nil
	return nil
}

func (b *flakyBackend) Run(ctx context.Context, req agent.RunRequest) (<-chan agent.AgentEvent, error) {
	return nil, errors.New("not used")
}

func (b *flakyBackend) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkErr
}

func (b *flakyBackend) Shutdown(ctx context.Context) error { return nil }

func (b *flakyBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkErr = err
}

func (b *flakyBackend) initCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inits
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "nanoclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReplayEnqueuesGroupsBehindCursor(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	groups := map[string]string{
		"answered":   "telegram:1",
		"unanswered": "telegram:2",
		"silent":     "telegram:3",
	}
	for folder, addr := range groups {
		if err := store.RegisterGroup(ctx, persistence.RegisteredGroup{Folder: folder, ChatAddress: addr}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ts := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	for _, addr := range []string{"telegram:1", "telegram:2"} {
		err := store.InsertMessage(ctx, persistence.ChatMessage{
			ChatAddress: addr, MessageID: "m1", SenderID: "u", Content: "hello", Timestamp: ts,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// "answered" was handled before the restart.
	if err := store.AdvanceCursor(ctx, "telegram:1", ts); err != nil {
		t.Fatalf("advance: %v", err)
	}

	d := &recordingDispatcher{}
	if err := Replay(ctx, store, d, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(d.folders) != 1 || d.folders[0] != "unanswered" {
		t.Fatalf("replayed = %v, want only the unanswered group", d.folders)
	}
}

func TestSupervisorReinitsAfterThreshold(t *testing.T) {
	backend := &flakyBackend{}
	s := NewSupervisor(backend, nil, SupervisorConfig{Interval: time.Minute, FailureThreshold: 3}, nil)
	ctx := context.Background()

	s.Check(ctx)
	if !s.Healthy() {
		t.Fatal("healthy backend reported unhealthy")
	}

	backend.fail(errors.New("docker gone"))
	s.Check(ctx)
	s.Check(ctx)
	if backend.initCount() != 0 {
		t.Fatal("reinit before the threshold")
	}
	if s.Healthy() {
		t.Fatal("failing backend reported healthy")
	}

	s.Check(ctx) // third consecutive failure
	if backend.initCount() != 1 {
		t.Fatalf("inits = %d, want 1", backend.initCount())
	}

	// Init cleared the fault; the next check recovers.
	s.Check(ctx)
	if !s.Healthy() {
		t.Fatal("backend should be healthy after reinit")
	}
}

func TestSupervisorRecoveryResetsCounter(t *testing.T) {
	backend := &flakyBackend{}
	s := NewSupervisor(backend, nil, SupervisorConfig{FailureThreshold: 3}, nil)
	ctx := context.Background()

	backend.fail(errors.New("blip"))
	s.Check(ctx)
	s.Check(ctx)

	backend.fail(nil)
	s.Check(ctx) // recovery resets the streak

	backend.fail(errors.New("blip again"))
	s.Check(ctx)
	s.Check(ctx)
	if backend.initCount() != 0 {
		t.Fatal("streak must reset after a healthy probe")
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/agent"
	"github.com/qwibitai/nanoclaw-sub014/internal/channels"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/shared"
)

// countingRunner tracks per-folder and global concurrency and can be scripted
// to fail.
type countingRunner struct {
	mu          sync.Mutex
	runs        []agent.DispatchRequest
	active      int32
	maxActive   int32
	perFolder   map[string]int
	maxInFolder int
	failures    map[string]int // folder -> remaining failures
	block       chan struct{}  // when set, runs wait here
}

func newCountingRunner() *countingRunner {
	return &countingRunner{perFolder: make(map[string]int), failures: make(map[string]int)}
}

func (r *countingRunner) Run(ctx context.Context, req agent.DispatchRequest) error {
	cur := atomic.AddInt32(&r.active, 1)
	for {
		max := atomic.LoadInt32(&r.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&r.maxActive, max, cur) {
			break
		}
	}

	r.mu.Lock()
	r.perFolder[req.Folder]++
	if r.perFolder[req.Folder] > r.maxInFolder {
		r.maxInFolder = r.perFolder[req.Folder]
	}
	r.runs = append(r.runs, req)
	remaining := r.failures[req.Folder]
	if remaining > 0 {
		r.failures[req.Folder] = remaining - 1
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.perFolder[req.Folder]--
	r.mu.Unlock()
	atomic.AddInt32(&r.active, -1)

	if remaining > 0 {
		return errors.New("transient failure")
	}
	return nil
}

func (r *countingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
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

func TestGroupJobsRunSerially(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	d := NewDispatcher(Config{Concurrency: 5, Depth: 10}, runner, openStore(t), nil, nil, nil, nil)
	d.Start(context.Background())

	for i := 0; i < 3; i++ {
		if !d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: fmt.Sprintf("task:%d", i)}) {
			t.Fatal("submit rejected")
		}
	}
	waitFor(t, time.Second, func() bool { return runner.runCount() >= 1 })
	close(runner.block)
	waitFor(t, time.Second, func() bool { return runner.runCount() == 3 })

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.maxInFolder > 1 {
		t.Fatalf("group ran %d dispatches at once", runner.maxInFolder)
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	d := NewDispatcher(Config{Concurrency: 2, Depth: 10}, runner, openStore(t), nil, nil, nil, nil)
	d.Start(context.Background())

	for _, folder := range []string{"a", "b", "c", "d"} {
		d.Submit(agent.DispatchRequest{Folder: folder, TaskPrompt: "t"})
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&runner.active) == 2 })
	time.Sleep(50 * time.Millisecond)
	if max := atomic.LoadInt32(&runner.maxActive); max > 2 {
		t.Fatalf("cap exceeded: %d concurrent dispatches", max)
	}
	close(runner.block)
	waitFor(t, time.Second, func() bool { return runner.runCount() == 4 })
}

func TestChatJobsCoalesce(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10}, runner, openStore(t), nil, nil, nil, nil)
	d.Start(context.Background())

	d.Submit(agent.DispatchRequest{Folder: "family", Reason: "message"})
	waitFor(t, time.Second, func() bool { return runner.runCount() == 1 })

	// Burst of messages while the first run is in flight: one pending job.
	for i := 0; i < 5; i++ {
		d.Submit(agent.DispatchRequest{Folder: "family", Reason: "message"})
	}
	if depth := d.Depth("family"); depth != 1 {
		t.Fatalf("pending chat jobs = %d, want 1", depth)
	}

	// Distinct tasks are never absorbed, but a repeat firing of the same
	// task is.
	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:42"})
	if depth := d.Depth("family"); depth != 2 {
		t.Fatalf("depth = %d, want chat + task", depth)
	}
	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:42"})
	if depth := d.Depth("family"); depth != 2 {
		t.Fatalf("repeat task firing stacked: depth = %d", depth)
	}

	close(runner.block)
	waitFor(t, time.Second, func() bool { return runner.runCount() == 3 })
}

func TestQueueDepthBound(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	defer close(runner.block)
	d := NewDispatcher(Config{Concurrency: 1, Depth: 2}, runner, openStore(t), nil, nil, nil, nil)
	d.Start(context.Background())

	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t0"})
	waitFor(t, time.Second, func() bool { return runner.runCount() == 1 })

	if !d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t1"}) {
		t.Fatal("first pending job rejected")
	}
	if !d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t2"}) {
		t.Fatal("second pending job rejected")
	}
	if d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t3"}) {
		t.Fatal("job beyond queue depth must be rejected")
	}
}

func TestRetryThenSucceed(t *testing.T) {
	runner := newCountingRunner()
	runner.failures["family"] = 2
	clock := shared.NewFakeClock(time.Now())
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10, MaxRetries: 5, RetryBase: 5 * time.Second, RetryCap: 5 * time.Minute}, runner, openStore(t), nil, nil, clock, nil)
	d.Start(context.Background())

	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t"})

	// Keep advancing the clock until the retries have burned through.
	waitFor(t, 2*time.Second, func() bool {
		clock.Advance(10 * time.Minute)
		return runner.runCount() == 3
	})
}

func TestGiveUpAfterMaxRetries(t *testing.T) {
	runner := newCountingRunner()
	runner.failures["family"] = 100
	clock := shared.NewFakeClock(time.Now())
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10, MaxRetries: 2, RetryBase: time.Second, RetryCap: time.Minute}, runner, openStore(t), nil, nil, clock, nil)
	d.Start(context.Background())

	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t"})

	waitFor(t, 2*time.Second, func() bool {
		clock.Advance(10 * time.Minute)
		return runner.runCount() == 3 // first attempt + 2 retries
	})

	// Give-up means the worker goes idle; no further attempts.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if runner.runCount() != 3 {
		t.Fatalf("runs after give-up: %d", runner.runCount())
	}
}

func TestSameTaskAbsorbedWhileRunning(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10}, runner, openStore(t), nil, nil, nil, nil)
	d.Start(context.Background())

	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:t1"})
	waitFor(t, time.Second, func() bool { return runner.runCount() == 1 })

	// The same task firing again while its first run executes is absorbed,
	// not queued behind itself.
	if !d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:t1"}) {
		t.Fatal("repeat firing must be absorbed, not rejected")
	}
	if depth := d.Depth("family"); depth != 0 {
		t.Fatalf("depth = %d, want the repeat absorbed", depth)
	}
	if !d.TaskActive("family", "task:t1") {
		t.Fatal("executing task must report active")
	}

	close(runner.block)
	waitFor(t, time.Second, func() bool { return !d.TaskActive("family", "task:t1") })
	if runner.runCount() != 1 {
		t.Fatalf("task ran %d times, want 1", runner.runCount())
	}
}

func TestAbortCancelsInFlightAndDiscardsQueued(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{}) // never closed: only Abort ends the run
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10}, runner, openStore(t), nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)

	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:t1"})
	waitFor(t, time.Second, func() bool { return runner.runCount() == 1 })
	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:t2"})
	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:t3"})

	if dropped := d.Abort("family"); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	waitFor(t, time.Second, func() bool { return !d.TaskActive("family", "task:t1") })
	if depth := d.Depth("family"); depth != 0 {
		t.Fatalf("queued jobs survived abort: %d", depth)
	}
	if runner.runCount() != 1 {
		t.Fatalf("discarded jobs ran: %d runs", runner.runCount())
	}

	// The group accepts work again after an abort.
	if !d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:t4"}) {
		t.Fatal("submit after abort rejected")
	}
	waitFor(t, time.Second, func() bool { return runner.runCount() == 2 })
}

// noticeSender captures give-up notices.
type noticeSender struct {
	mu   sync.Mutex
	sent []channels.OutboundMessage
}

func (s *noticeSender) Send(ctx context.Context, msg channels.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *noticeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestGiveUpNotifiesChatAndDropsQueued(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.RegisterGroup(ctx, persistence.RegisteredGroup{Folder: "family", ChatAddress: "telegram:2"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	runner := newCountingRunner()
	runner.failures["family"] = 100
	clock := shared.NewFakeClock(time.Now())
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10, MaxRetries: 1, RetryBase: time.Second, RetryCap: time.Minute}, runner, store, nil, nil, clock, nil)
	sender := &noticeSender{}
	d.SetSender(sender)
	d.Start(ctx)

	d.Submit(agent.DispatchRequest{Folder: "family", Reason: "message"})
	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t", Reason: "task:t9"})

	waitFor(t, 2*time.Second, func() bool {
		clock.Advance(10 * time.Minute)
		return sender.count() == 1
	})

	sender.mu.Lock()
	notice := sender.sent[0]
	sender.mu.Unlock()
	if !strings.Contains(notice.Text, "Sorry") {
		t.Fatalf("give-up notice should apologize: %q", notice.Text)
	}
	if notice.Address.String() != "telegram:2" {
		t.Fatalf("notice went to %s", notice.Address.String())
	}
	if depth := d.Depth("family"); depth != 0 {
		t.Fatalf("queued jobs survived give-up: %d", depth)
	}

	// First attempt plus one retry, and the discarded task job never runs.
	time.Sleep(50 * time.Millisecond)
	if runner.runCount() != 2 {
		t.Fatalf("runs = %d, want 2", runner.runCount())
	}
}

func TestRecheckReenqueuesAfterLateMessages(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	if err := store.RegisterGroup(ctx, persistence.RegisteredGroup{Folder: "family", ChatAddress: "telegram:2"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A user message the runner never consumes: cursor stays behind.
	err := store.InsertMessage(ctx, persistence.ChatMessage{
		ChatAddress: "telegram:2", MessageID: "m1", SenderID: "u",
		Content: "late message", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	runner := newCountingRunner()
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10}, runner, store, nil, nil, nil, nil)
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	d.Start(runCtx)

	d.Submit(agent.DispatchRequest{Folder: "family", Reason: "message"})

	// The no-op run finishes, recheck sees the un-consumed message and
	// re-enqueues at least once.
	waitFor(t, time.Second, func() bool { return runner.runCount() >= 2 })
}

func TestDrainWaitsForInFlight(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	d := NewDispatcher(Config{Concurrency: 1, Depth: 10}, runner, openStore(t), nil, nil, nil, nil)
	d.Start(context.Background())

	d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t"})
	waitFor(t, time.Second, func() bool { return runner.runCount() == 1 })

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(runner.block)
	}()
	if !d.Drain(2 * time.Second) {
		t.Fatal("drain should finish once the run completes")
	}

	if d.Submit(agent.DispatchRequest{Folder: "family", TaskPrompt: "t"}) {
		t.Fatal("drained dispatcher must reject jobs")
	}
}

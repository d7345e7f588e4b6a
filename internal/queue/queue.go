// Package queue serializes agent dispatches per group, bounds global
// concurrency and retries transient failures with backoff.
package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/qwibitai/nanoclaw-sub014/internal/agent"
	"github.com/qwibitai/nanoclaw-sub014/internal/bus"
	"github.com/qwibitai/nanoclaw-sub014/internal/channels"
	otelx "github.com/qwibitai/nanoclaw-sub014/internal/otel"
	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
	"github.com/qwibitai/nanoclaw-sub014/internal/shared"
)

// Runner executes one dispatch. A nil return finishes the job; any error is
// retried with backoff.
type Runner interface {
	Run(ctx context.Context, req agent.DispatchRequest) error
}

// Sender delivers give-up notices to the chat. Set after construction since
// the channel router and the dispatcher reference each other.
type Sender interface {
	Send(ctx context.Context, msg channels.OutboundMessage) error
}

// giveUpText reaches the chat when a group's dispatches exhaust their retries.
const giveUpText = "Sorry, I kept hitting errors while processing this chat and had to give up for now. Recent messages may have gone unanswered."

// Config tunes the dispatcher.
type Config struct {
	// Concurrency caps dispatches running at once across all groups.
	Concurrency int
	// Depth bounds each group's pending job list.
	Depth int
	// RetryBase and RetryCap bound the exponential backoff.
	RetryBase time.Duration
	RetryCap  time.Duration
	// MaxRetries is how many retries a job gets after its first attempt.
	MaxRetries int
}

type job struct {
	req     agent.DispatchRequest
	attempt int
}

type groupQueue struct {
	jobs    []job
	running bool
	// activeReason and activeTask describe the job currently executing, so
	// coalescing and busy checks can see past the queue into the in-flight run.
	activeReason string
	activeTask   bool
	cancel       context.CancelFunc
}

// Dispatcher owns the per-group queues. Each group runs strictly one dispatch
// at a time; chat jobs already waiting absorb further chat enqueues since one
// run reads the whole window anyway.
type Dispatcher struct {
	cfg      Config
	runner   Runner
	store    *persistence.Store
	eventBus *bus.Bus
	metrics  *otelx.Metrics
	clock    shared.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	groups    map[string]*groupQueue
	sender    Sender
	accepting bool

	sem chan struct{}
	wg  sync.WaitGroup
	ctx context.Context
}

func NewDispatcher(cfg Config, runner Runner, store *persistence.Store, eventBus *bus.Bus, metrics *otelx.Metrics, clock shared.Clock, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 64
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		eventBus: eventBus,
		metrics:  metrics,
		clock:    clock,
		logger:   logger.With("component", "queue"),
		groups:   make(map[string]*groupQueue),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Start makes the dispatcher accept jobs. ctx cancellation stops in-flight
// retries; use Drain for a graceful stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.accepting = true
	d.mu.Unlock()
}

// Enqueue queues a plain chat dispatch. Implements the channel router's
// dispatcher interface.
func (d *Dispatcher) Enqueue(folder, reason string) {
	d.Submit(agent.DispatchRequest{Folder: folder, Reason: reason})
}

// Submit queues a dispatch job. Returns false when the dispatcher is stopped
// or the group's queue is full.
func (d *Dispatcher) Submit(req agent.DispatchRequest) bool {
	d.mu.Lock()
	if !d.accepting {
		d.mu.Unlock()
		return false
	}
	gq := d.groups[req.Folder]
	if gq == nil {
		gq = &groupQueue{}
		d.groups[req.Folder] = gq
	}

	// One pending chat job covers any number of new messages, and one pending
	// task job covers repeat firings of the same task. A task still executing
	// absorbs its own repeat firings too; finishing late is not a reason to
	// run the same task twice.
	sameTaskRunning := req.TaskPrompt != "" && req.Reason != "" &&
		gq.running && gq.activeTask && gq.activeReason == req.Reason
	if sameTaskRunning {
		d.mu.Unlock()
		d.publish(bus.TopicDispatchCoalesced, bus.DispatchEvent{Folder: req.Folder, Reason: req.Reason})
		return true
	}
	for _, j := range gq.jobs {
		sameChat := req.TaskPrompt == "" && j.req.TaskPrompt == ""
		sameTask := req.TaskPrompt != "" && req.Reason != "" && j.req.Reason == req.Reason
		if sameChat || sameTask {
			d.mu.Unlock()
			d.publish(bus.TopicDispatchCoalesced, bus.DispatchEvent{Folder: req.Folder, Reason: req.Reason})
			return true
		}
	}

	if len(gq.jobs) >= d.cfg.Depth {
		d.mu.Unlock()
		d.logger.Warn("group queue full, job rejected", "folder", req.Folder, "reason", req.Reason)
		return false
	}

	gq.jobs = append(gq.jobs, job{req: req})
	startWorker := !gq.running
	if startWorker {
		gq.running = true
		d.wg.Add(1)
	}
	ctx := d.ctx
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.QueueDepth.Add(context.Background(), 1)
	}
	d.publish(bus.TopicDispatchEnqueued, bus.DispatchEvent{Folder: req.Folder, Reason: req.Reason})

	if startWorker {
		go d.runGroup(ctx, req.Folder)
	}
	return true
}

// runGroup drains one group's queue, one job at a time. Each job gets its own
// cancelable context so Abort can cut a run short without touching the rest
// of the dispatcher.
func (d *Dispatcher) runGroup(ctx context.Context, folder string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		gq := d.groups[folder]
		if len(gq.jobs) == 0 || ctx.Err() != nil {
			gq.running = false
			d.mu.Unlock()
			return
		}
		j := gq.jobs[0]
		gq.jobs = gq.jobs[1:]
		gq.activeReason = j.req.Reason
		gq.activeTask = j.req.TaskPrompt != ""
		jobCtx, cancel := context.WithCancel(ctx)
		gq.cancel = cancel
		d.mu.Unlock()

		if d.metrics != nil {
			d.metrics.QueueDepth.Add(ctx, -1)
		}
		d.runJob(jobCtx, j)
		cancel()

		d.mu.Lock()
		gq.activeReason = ""
		gq.activeTask = false
		gq.cancel = nil
		d.mu.Unlock()
	}
}

// runJob runs one job to completion, retrying transient failures. The global
// concurrency slot is held only while the runner executes, not during backoff
// sleeps.
func (d *Dispatcher) runJob(ctx context.Context, j job) {
	for {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		if d.metrics != nil {
			d.metrics.ActiveDispatches.Add(ctx, 1)
		}
		d.publish(bus.TopicDispatchStarted, bus.DispatchEvent{Folder: j.req.Folder, Attempt: j.attempt, Reason: j.req.Reason})

		start := time.Now()
		err := d.runner.Run(ctx, j.req)
		took := time.Since(start)

		<-d.sem
		if d.metrics != nil {
			d.metrics.ActiveDispatches.Add(ctx, -1)
			d.metrics.DispatchCount.Add(ctx, 1)
			d.metrics.DispatchDuration.Record(ctx, took.Seconds())
		}

		if err == nil {
			d.publish(bus.TopicDispatchFinished, bus.DispatchEvent{Folder: j.req.Folder, Attempt: j.attempt})
			d.recheck(ctx, j.req)
			return
		}

		// Aborted or shutting down: drop the job without retry or give-up noise.
		if ctx.Err() != nil {
			d.logger.Info("dispatch canceled", "folder", j.req.Folder, "reason", j.req.Reason)
			d.failTaskRun(context.Background(), j.req, "canceled")
			return
		}

		j.attempt++
		if j.attempt > d.cfg.MaxRetries {
			d.logger.Warn("dispatch gave up",
				"folder", j.req.Folder, "reason", j.req.Reason, "attempts", j.attempt, "error", err)
			d.publish(bus.TopicDispatchGaveUp, bus.DispatchEvent{Folder: j.req.Folder, Attempt: j.attempt, Reason: err.Error()})
			d.giveUp(ctx, j, err)
			return
		}

		delay := d.backoff(j.attempt)
		d.logger.Info("dispatch will retry",
			"folder", j.req.Folder, "attempt", j.attempt, "delay", delay, "error", err)
		if d.metrics != nil {
			d.metrics.DispatchRetries.Add(ctx, 1)
		}
		d.publish(bus.TopicDispatchRetrying, bus.DispatchEvent{Folder: j.req.Folder, Attempt: j.attempt, Reason: err.Error()})

		select {
		case <-d.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// giveUp fails the exhausted job's task run, drops whatever else the group
// had queued and tells the chat. A group whose dispatches keep failing fails
// them all the same way, and silence would leave the window looking merely
// slow.
func (d *Dispatcher) giveUp(ctx context.Context, j job, runErr error) {
	d.failTaskRun(ctx, j.req, runErr.Error())

	d.mu.Lock()
	var dropped []job
	if gq := d.groups[j.req.Folder]; gq != nil {
		dropped = gq.jobs
		gq.jobs = nil
	}
	d.mu.Unlock()

	for _, dj := range dropped {
		d.logger.Warn("queued dispatch discarded after give-up", "folder", dj.req.Folder, "reason", dj.req.Reason)
		d.publish(bus.TopicDispatchGaveUp, bus.DispatchEvent{Folder: dj.req.Folder, Reason: dj.req.Reason})
		d.failTaskRun(ctx, dj.req, "discarded after repeated dispatch failures")
	}
	if d.metrics != nil && len(dropped) > 0 {
		d.metrics.QueueDepth.Add(context.Background(), int64(-len(dropped)))
	}

	d.mu.Lock()
	sender := d.sender
	d.mu.Unlock()
	if sender == nil || d.store == nil {
		return
	}
	group, err := d.store.GroupByFolder(ctx, j.req.Folder)
	if err != nil {
		return
	}
	addr, err := channels.ParseAddress(group.ChatAddress)
	if err != nil {
		return
	}
	if err := sender.Send(ctx, channels.OutboundMessage{Address: addr, Text: giveUpText}); err != nil {
		d.logger.Warn("could not deliver give-up notice", "chat", group.ChatAddress, "reason", err)
	}
}

func (d *Dispatcher) failTaskRun(ctx context.Context, req agent.DispatchRequest, detail string) {
	if req.TaskRunID == "" || d.store == nil {
		return
	}
	if err := d.store.FinishTaskRun(ctx, req.TaskRunID, "failed", detail, time.Now()); err != nil {
		d.logger.Warn("could not close task run", "task_run", req.TaskRunID, "error", err)
	}
}

// recheck re-enqueues a chat job when new user messages arrived while this
// one was running, so nothing sits unanswered until the next inbound event.
func (d *Dispatcher) recheck(ctx context.Context, req agent.DispatchRequest) {
	if req.TaskPrompt != "" {
		return
	}
	group, err := d.store.GroupByFolder(ctx, req.Folder)
	if err != nil {
		return
	}
	last, err := d.store.LastUserMessageTime(ctx, group.ChatAddress)
	if err != nil || last.IsZero() {
		return
	}
	cursor, err := d.store.GetCursor(ctx, group.ChatAddress)
	if err != nil {
		return
	}
	if last.After(cursor) {
		d.Submit(agent.DispatchRequest{Folder: req.Folder, Reason: "recheck"})
	}
}

// backoff is exponential from RetryBase, capped at RetryCap, with 25% jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.RetryCap {
			delay = d.cfg.RetryCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	delay += jitter
	if delay < time.Second {
		delay = time.Second
	}
	if delay > d.cfg.RetryCap {
		delay = d.cfg.RetryCap
	}
	return delay
}

// SetSender wires the chat surface used for give-up notices.
func (d *Dispatcher) SetSender(s Sender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

// TaskActive reports whether a job with this reason is queued or running for
// the group. The scheduler asks before firing so a slow task is not stacked
// behind itself.
func (d *Dispatcher) TaskActive(folder, reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	gq := d.groups[folder]
	if gq == nil {
		return false
	}
	if gq.running && gq.activeReason == reason {
		return true
	}
	for _, j := range gq.jobs {
		if j.req.Reason == reason {
			return true
		}
	}
	return false
}

// Abort cancels the group's in-flight dispatch, discards its queued jobs and
// reports how many were dropped. Canceled runs are not retried.
func (d *Dispatcher) Abort(folder string) int {
	d.mu.Lock()
	gq := d.groups[folder]
	if gq == nil {
		d.mu.Unlock()
		return 0
	}
	dropped := len(gq.jobs)
	gq.jobs = nil
	cancel := gq.cancel
	running := gq.running
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d.metrics != nil && dropped > 0 {
		d.metrics.QueueDepth.Add(context.Background(), int64(-dropped))
	}
	d.logger.Info("group dispatches aborted", "folder", folder, "dropped", dropped, "in_flight", running)
	return dropped
}

// Depth reports pending jobs for one group.
func (d *Dispatcher) Depth(folder string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gq := d.groups[folder]; gq != nil {
		return len(gq.jobs)
	}
	return 0
}

// Drain stops accepting new jobs and waits up to timeout for in-flight work.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	d.mu.Lock()
	d.accepting = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		d.logger.Warn("drain timed out with dispatches still running")
		return false
	}
}

func (d *Dispatcher) publish(topic string, ev bus.DispatchEvent) {
	if d.eventBus != nil {
		d.eventBus.Publish(topic, ev)
	}
}

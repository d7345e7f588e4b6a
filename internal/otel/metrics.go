package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all NanoClaw metrics instruments.
type Metrics struct {
	DispatchDuration metric.Float64Histogram
	DispatchCount    metric.Int64Counter
	DispatchRetries  metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	ActiveDispatches metric.Int64UpDownCounter
	IPCFiles         metric.Int64Counter
	IPCRejects       metric.Int64Counter
	AgentDuration    metric.Float64Histogram
	MessagesStored   metric.Int64Counter
	TasksFired       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("nanoclaw.dispatch.duration",
		metric.WithDescription("Dispatch run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchCount, err = meter.Int64Counter("nanoclaw.dispatch.count",
		metric.WithDescription("Total dispatch runs"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchRetries, err = meter.Int64Counter("nanoclaw.dispatch.retries",
		metric.WithDescription("Dispatch retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("nanoclaw.queue.depth",
		metric.WithDescription("Pending dispatch jobs across all groups"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveDispatches, err = meter.Int64UpDownCounter("nanoclaw.dispatch.active",
		metric.WithDescription("Dispatches currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.IPCFiles, err = meter.Int64Counter("nanoclaw.ipc.files",
		metric.WithDescription("IPC files processed"),
	)
	if err != nil {
		return nil, err
	}

	m.IPCRejects, err = meter.Int64Counter("nanoclaw.ipc.rejects",
		metric.WithDescription("IPC files rejected (unauthorized, oversize, malformed)"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("nanoclaw.agent.duration",
		metric.WithDescription("Agent backend run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesStored, err = meter.Int64Counter("nanoclaw.messages.stored",
		metric.WithDescription("Chat messages persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFired, err = meter.Int64Counter("nanoclaw.tasks.fired",
		metric.WithDescription("Scheduled tasks fired"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

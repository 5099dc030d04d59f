package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every Numerus metric instrument: job/task lifecycle
// durations and counts for spawn retries and circuit-breaker trips
// (spec §4.B, §4.E).
type Metrics struct {
	JobDuration          metric.Float64Histogram
	TaskDuration         metric.Float64Histogram
	InvocationDuration   metric.Float64Histogram
	SpawnRetries         metric.Int64Counter
	SpawnFailures        metric.Int64Counter
	BreakerTrips         metric.Int64Counter
	BreakerRejections    metric.Int64Counter
	ActiveSessions       metric.Int64UpDownCounter
	TasksCompleted       metric.Int64Counter
	TasksFailed          metric.Int64Counter
	LocksHeld            metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobDuration, err = meter.Float64Histogram("numerus.job.duration",
		metric.WithDescription("Job wall-clock duration in seconds, plan-to-terminal"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("numerus.task.duration",
		metric.WithDescription("Task duration in seconds, claim-to-terminal"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationDuration, err = meter.Float64Histogram("numerus.invocation.duration",
		metric.WithDescription("Single agent invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnRetries, err = meter.Int64Counter("numerus.spawn.retries",
		metric.WithDescription("Number of spawn attempts beyond the first"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnFailures, err = meter.Int64Counter("numerus.spawn.failures",
		metric.WithDescription("Spawn attempts exhausted without a live child"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("numerus.breaker.trips",
		metric.WithDescription("Circuit breaker transitions into the open state"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerRejections, err = meter.Int64Counter("numerus.breaker.rejections",
		metric.WithDescription("Calls rejected because the breaker was open"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("numerus.sessions.active",
		metric.WithDescription("PTY sessions currently checked out of the pool"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("numerus.task.completed",
		metric.WithDescription("Tasks that reached the succeeded state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("numerus.task.failed",
		metric.WithDescription("Tasks that reached the failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.LocksHeld, err = meter.Int64UpDownCounter("numerus.locks.held",
		metric.WithDescription("Write-path locks currently held across the job"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

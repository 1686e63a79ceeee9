package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentdeck"

// Metrics holds all AgentDeck metric instruments.
type Metrics struct {
	TasksDispatched  metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	StuckResolved    metric.Int64Counter
	StreamReconnects metric.Int64Counter
	RegistryErrors   metric.Int64Counter
	TaskDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("agentdeck.tasks.dispatched",
		metric.WithDescription("Number of tasks dispatched to the agent"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentdeck.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentdeck.tasks.failed",
		metric.WithDescription("Number of tasks failed, aborted or start-failed"))
	if err != nil {
		return nil, err
	}

	m.StuckResolved, err = meter.Int64Counter("agentdeck.stuck.resolved",
		metric.WithDescription("Number of stuck tasks resolved from registry state"))
	if err != nil {
		return nil, err
	}

	m.StreamReconnects, err = meter.Int64Counter("agentdeck.stream.reconnects",
		metric.WithDescription("Number of stream reconnects after the view became visible"))
	if err != nil {
		return nil, err
	}

	m.RegistryErrors, err = meter.Int64Counter("agentdeck.registry.errors",
		metric.WithDescription("Number of failed registry calls"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentdeck.task.duration_seconds",
		metric.WithDescription("Task duration from dispatch to terminal phase in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the moderation metric instruments.
type Metrics struct {
	MessagesScored       metric.Int64Counter
	ScoreDuration        metric.Float64Histogram
	Violations           metric.Int64Counter
	SanctionTransitions  metric.Int64Counter
	ActionsIssued        metric.Int64Counter
	ActionFailures       metric.Int64Counter
	CorrelationsResolved metric.Int64Counter
	CorrelationsOrphaned metric.Int64Counter
	CommandsHandled      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesScored, err = meter.Int64Counter("warden.messages.scored",
		metric.WithDescription("Messages evaluated against the rule set"),
	)
	if err != nil {
		return nil, err
	}

	m.ScoreDuration, err = meter.Float64Histogram("warden.score.duration",
		metric.WithDescription("Rule loading and evaluation time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Violations, err = meter.Int64Counter("warden.violations",
		metric.WithDescription("Messages whose total weight reached the threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.SanctionTransitions, err = meter.Int64Counter("warden.sanction.transitions",
		metric.WithDescription("Sanction status changes by target status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsIssued, err = meter.Int64Counter("warden.actions.issued",
		metric.WithDescription("Platform actions sent by action name"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionFailures, err = meter.Int64Counter("warden.actions.failed",
		metric.WithDescription("Platform actions that failed to send or were rejected"),
	)
	if err != nil {
		return nil, err
	}

	m.CorrelationsResolved, err = meter.Int64Counter("warden.correlations.resolved",
		metric.WithDescription("Delayed responses matched to a pending workflow"),
	)
	if err != nil {
		return nil, err
	}

	m.CorrelationsOrphaned, err = meter.Int64Counter("warden.correlations.orphaned",
		metric.WithDescription("Pending workflows expired without a response"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandsHandled, err = meter.Int64Counter("warden.commands",
		metric.WithDescription("Admin commands handled by command name and outcome"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

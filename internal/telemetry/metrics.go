package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/service"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "atomic-funnel"

// FunnelMetrics records orchestrator transitions as OTel instruments
type FunnelMetrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	steps    metric.Float64Histogram

	mu       sync.Mutex
	inFlight map[string]stepMark // session id -> current step
	now      func() time.Time
}

type stepMark struct {
	attemptID string
	stage     domain.State
	at        time.Time
}

// NewFunnelMetrics creates the funnel instruments on provider's meter
func NewFunnelMetrics(provider metric.MeterProvider) (*FunnelMetrics, error) {
	meter := provider.Meter(meterName)

	started, err := meter.Int64Counter("funnel.attempts.started",
		metric.WithDescription("Purchase attempts started"),
	)
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("funnel.attempts.finished",
		metric.WithDescription("Purchase attempts that reached redirect or failure"),
	)
	if err != nil {
		return nil, err
	}
	steps, err := meter.Float64Histogram("funnel.step.duration",
		metric.WithDescription("Time spent in each storefront step"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &FunnelMetrics{
		started:  started,
		finished: finished,
		steps:    steps,
		inFlight: make(map[string]stepMark),
		now:      time.Now,
	}, nil
}

// Observe is a service.Observer
func (m *FunnelMetrics) Observe(ctx context.Context, t service.Transition) {
	now := m.now()

	m.mu.Lock()
	prev, tracked := m.inFlight[t.SessionID]
	if t.To.InFlight() && t.AttemptID != "" {
		m.inFlight[t.SessionID] = stepMark{attemptID: t.AttemptID, stage: t.To, at: now}
	} else {
		delete(m.inFlight, t.SessionID)
	}
	m.mu.Unlock()

	if tracked && prev.attemptID == t.AttemptID {
		m.steps.Record(ctx, now.Sub(prev.at).Seconds(),
			metric.WithAttributes(attribute.String("stage", string(prev.stage))),
		)
	}

	if t.To.InFlight() && !t.From.InFlight() && t.AttemptID != "" {
		m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(t.To))))
	}

	switch {
	case t.To == domain.StateRedirecting:
		m.finished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", domain.OutcomeRedirected),
		))
	case t.To == domain.StateFailed && t.Failure != nil && t.AttemptID != "":
		// rejected input never started an attempt
		m.finished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", domain.OutcomeFailed),
			attribute.String("stage", string(t.Failure.Stage)),
			attribute.String("failure_kind", string(t.Failure.Kind)),
		))
	}
}

// Package metrics exposes OpenTelemetry counters for engine and arbitration
// outcomes.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/obralink/foreman/pkg/models"
)

const meterName = "github.com/obralink/foreman"

// Metrics holds the service's instrument set. A nil *Metrics is safe to call.
type Metrics struct {
	transitions   metric.Int64Counter
	rejections    metric.Int64Counter
	resolutions   metric.Int64Counter
	sweepClosures metric.Int64Counter
}

// New registers the instruments on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)

	transitions, err := meter.Int64Counter("foreman.transitions",
		metric.WithDescription("Committed session transitions"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("foreman.rejections",
		metric.WithDescription("Rejected transition requests by kind"))
	if err != nil {
		return nil, err
	}
	resolutions, err := meter.Int64Counter("foreman.resolutions",
		metric.WithDescription("Arbitration resolutions by action"))
	if err != nil {
		return nil, err
	}
	sweepClosures, err := meter.Int64Counter("foreman.sweep_closures",
		metric.WithDescription("Sessions abandoned by the expiration sweep"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions:   transitions,
		rejections:    rejections,
		resolutions:   resolutions,
		sweepClosures: sweepClosures,
	}, nil
}

// RecordTransition counts one committed transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to models.SessionState, trigger string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("trigger", trigger),
	))
}

// RecordRejection counts one rejected request by kind.
func (m *Metrics) RecordRejection(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordResolution counts one arbitration outcome by action.
func (m *Metrics) RecordResolution(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordSweepClosure counts one session abandoned by the sweep.
func (m *Metrics) RecordSweepClosure(ctx context.Context) {
	if m == nil {
		return
	}
	m.sweepClosures.Add(ctx, 1)
}

// Package metrics records the counters and gauges named in the ambient
// observability section: mailbox sends/acks, broadcast ingests, swarm
// status transitions, and current presence online count, all on
// go.opentelemetry.io/otel/metric instruments.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OnlineCounter reports how many roster users are online right now; the
// Recorder polls it from an async gauge callback so the presence tracker
// never has to push metric updates itself.
type OnlineCounter func() int64

// Recorder wraps the counters and gauges every engine writes through.
type Recorder struct {
	sends             metric.Int64Counter
	acks              metric.Int64Counter
	ingests           metric.Int64Counter
	statusTransitions metric.Int64Counter
}

// New builds a Recorder on its own SDK MeterProvider and registers it as
// the global provider. No exporter is attached by default: the instruments
// are real and accumulate, but nothing ships off-process until a reader is
// wired in, matching the "ambient without a collector" requirement.
func New(online OnlineCounter) (*Recorder, error) {
	provider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(provider)
	return newRecorder(provider.Meter("github.com/hive/server"), online)
}

// newRecorder creates the Recorder's instruments on meter.
func newRecorder(meter metric.Meter, online OnlineCounter) (*Recorder, error) {
	sends, err := meter.Int64Counter("hive.mailbox.sends",
		metric.WithDescription("messages sent through the mailbox"))
	if err != nil {
		return nil, err
	}
	acks, err := meter.Int64Counter("hive.mailbox.acks",
		metric.WithDescription("messages acknowledged"))
	if err != nil {
		return nil, err
	}
	ingests, err := meter.Int64Counter("hive.buzz.ingests",
		metric.WithDescription("broadcast events ingested"))
	if err != nil {
		return nil, err
	}
	statusTransitions, err := meter.Int64Counter("hive.swarm.status_transitions",
		metric.WithDescription("task status transitions"))
	if err != nil {
		return nil, err
	}

	if online != nil {
		_, err = meter.Int64ObservableGauge("hive.presence.online",
			metric.WithDescription("roster users currently online"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(online())
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}

	return &Recorder{
		sends:             sends,
		acks:              acks,
		ingests:           ingests,
		statusTransitions: statusTransitions,
	}, nil
}

// RecordSend counts one mailbox send.
func (r *Recorder) RecordSend(ctx context.Context) {
	if r == nil {
		return
	}
	r.sends.Add(ctx, 1)
}

// RecordAck counts one mailbox ack (or one unit of a batch ack).
func (r *Recorder) RecordAck(ctx context.Context, n int64) {
	if r == nil || n == 0 {
		return
	}
	r.acks.Add(ctx, n)
}

// RecordIngest counts one Buzz ingest, tagged by source app.
func (r *Recorder) RecordIngest(ctx context.Context, appName string) {
	if r == nil {
		return
	}
	r.ingests.Add(ctx, 1, metric.WithAttributes(attribute.String("app", appName)))
}

// RecordStatusTransition counts one task status transition, tagged by the
// status transitioned into.
func (r *Recorder) RecordStatusTransition(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.statusTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

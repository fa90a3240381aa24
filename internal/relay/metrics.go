package relay

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/aaronromeo/mailrelay/internal/relay"

type metrics struct {
	cycles   metric.Int64Counter
	matched  metric.Int64Counter
	attempts metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(instrumentationName)
	}
	cycles, err := meter.Int64Counter("mailrelay.cycles",
		metric.WithDescription("Poll cycles run"))
	if err != nil {
		return nil, err
	}
	matched, err := meter.Int64Counter("mailrelay.messages.matched",
		metric.WithDescription("Unseen messages from the watched sender"))
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter("mailrelay.replies",
		metric.WithDescription("Reply attempts by status"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("mailrelay.reconnects",
		metric.WithDescription("IMAP reconnect attempts"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("mailrelay.cycle.duration",
		metric.WithDescription("Poll cycle duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		cycles:   cycles,
		matched:  matched,
		attempts: attempts,
		retries:  retries,
		duration: duration,
	}, nil
}

func (m *metrics) attempt(ctx context.Context, status Status) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

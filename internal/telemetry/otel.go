// Package telemetry bootstraps OpenTelemetry and builds the process logger.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/aaronromeo/mailrelay/internal/config"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	serviceVersion = "1.0.0"
	grpcPort       = "4317"
)

// Telemetry holds what Setup installed. LoggerProvider is nil when logs
// are not exported.
type Telemetry struct {
	LoggerProvider otellog.LoggerProvider
	ServiceName    string

	shutdownFuncs []func(context.Context) error
}

// Shutdown flushes and stops every provider. The errors are joined and
// each provider is shut down once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range t.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdownFuncs = nil
	return err
}

type Option func(*setupOptions)

type setupOptions struct {
	stdout io.Writer
}

// WithStdoutWriter redirects the stdout exporter.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *setupOptions) {
		o.stdout = w
	}
}

// Setup installs the global propagator and providers for cfg.Exporter.
// On error everything already started is shut down.
func Setup(ctx context.Context, cfg config.Telemetry, opts ...Option) (t *Telemetry, err error) {
	o := setupOptions{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	t = &Telemetry{ServiceName: cfg.ServiceName}
	if t.ServiceName == "" {
		t.ServiceName = "mailrelay"
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, t.Shutdown(ctx))
	}

	otel.SetTextMapPropagator(newPropagator(cfg.XRayIDs))

	exporter := strings.ToLower(cfg.Exporter)
	if exporter == "" || exporter == ExporterNone {
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", t.ServiceName),
			attribute.String("service.version", serviceVersion),
		))
	if err != nil {
		handleErr(err)
		return nil, err
	}

	switch exporter {
	case ExporterStdout:
		loggerProvider, err := newStdoutLoggerProvider(res, o.stdout)
		if err != nil {
			handleErr(err)
			return nil, err
		}
		t.shutdownFuncs = append(t.shutdownFuncs, loggerProvider.Shutdown)
		t.LoggerProvider = loggerProvider
		global.SetLoggerProvider(loggerProvider)

	case ExporterOTLP:
		tracerProvider, err := newTraceProvider(ctx, cfg, res)
		if err != nil {
			handleErr(err)
			return nil, err
		}
		t.shutdownFuncs = append(t.shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)

		meterProvider, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			handleErr(err)
			return nil, err
		}
		t.shutdownFuncs = append(t.shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)

		loggerProvider, err := newLoggerProvider(ctx, cfg, res)
		if err != nil {
			handleErr(err)
			return nil, err
		}
		t.shutdownFuncs = append(t.shutdownFuncs, loggerProvider.Shutdown)
		t.LoggerProvider = loggerProvider
		global.SetLoggerProvider(loggerProvider)

	default:
		err = fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
		handleErr(err)
		return nil, err
	}

	return t, nil
}

func newPropagator(xrayIDs bool) propagation.TextMapPropagator {
	propagators := []propagation.TextMapPropagator{
		propagation.TraceContext{},
		propagation.Baggage{},
	}
	if xrayIDs {
		propagators = append(propagators, xray.Propagator{})
	}
	return propagation.NewCompositeTextMapPropagator(propagators...)
}

func newTraceProvider(ctx context.Context, cfg config.Telemetry, res *resource.Resource) (*trace.TracerProvider, error) {
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithHeaders(cfg.Headers),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if cfg.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, err
	}

	providerOptions := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithBatcher(exporter, trace.WithBatchTimeout(time.Second)),
	}
	if cfg.XRayIDs {
		providerOptions = append(providerOptions, trace.WithIDGenerator(xray.NewIDGenerator()))
	}
	return trace.NewTracerProvider(providerOptions...), nil
}

func preferDeltaTemporality(kind metric.InstrumentKind) metricdata.Temporality {
	switch kind {
	case metric.InstrumentKindCounter,
		metric.InstrumentKindObservableCounter,
		metric.InstrumentKindHistogram:
		return metricdata.DeltaTemporality
	default:
		return metricdata.CumulativeTemporality
	}
}

// grpcEndpoint adds the OTLP/gRPC port when endpoint has none.
func grpcEndpoint(endpoint string) string {
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint
	}
	return net.JoinHostPort(endpoint, grpcPort)
}

func newMeterProvider(ctx context.Context, cfg config.Telemetry, res *resource.Resource) (*metric.MeterProvider, error) {
	options := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(grpcEndpoint(cfg.Endpoint)),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
		otlpmetricgrpc.WithCompressor(gzip.Name),
		otlpmetricgrpc.WithTemporalitySelector(preferDeltaTemporality),
	}
	if cfg.Insecure {
		options = append(options, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, options...)
	if err != nil {
		return nil, err
	}

	reader := metric.NewPeriodicReader(exporter, metric.WithInterval(15*time.Second))
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	), nil
}

func newLoggerProvider(ctx context.Context, cfg config.Telemetry, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	options := []otlploghttp.Option{
		otlploghttp.WithEndpoint(cfg.Endpoint),
		otlploghttp.WithHeaders(cfg.Headers),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if cfg.Insecure {
		options = append(options, otlploghttp.WithInsecure())
	}
	exporter, err := otlploghttp.New(ctx, options...)
	if err != nil {
		return nil, err
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	), nil
}

func newStdoutLoggerProvider(res *resource.Resource, w io.Writer) (*sdklog.LoggerProvider, error) {
	exporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)),
	), nil
}

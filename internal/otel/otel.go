// Package otel sets up tracing and metrics for the moderation daemon. With
// telemetry disabled every tracer and instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "warden"
	MeterName  = "warden"
	// Version is reported in telemetry and by `warden version`.
	Version = "v0.3.0"
)

// Exporters accepted in Config.Exporter.
const (
	ExporterOTLP   = "otlp-http"
	ExporterFile   = "file"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// TraceFile receives JSON spans for exporter "file". The daemon's stdout
	// already carries JSON logs, so "file" is the usual local choice.
	TraceFile string `yaml:"trace_file,omitempty"`
	// MetricsEnabled defaults to true; false keeps traces but no-ops every
	// moderation counter.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         mp.Meter(MeterName),
		MeterProvider: mp,
		shutdown:      func(context.Context) error { return nil },
	}
}

// Init builds the providers. The returned Provider must be Shutdown on exit
// so batched spans are flushed.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "warden"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		attribute.String("warden.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, closer, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{TracerProvider: tp, Tracer: tp.Tracer(TracerName)}
	var sdkMeters *sdkmetric.MeterProvider
	if cfg.metricsOn() {
		sdkMeters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.MeterProvider = sdkMeters
	} else {
		p.MeterProvider = noop.NewMeterProvider()
	}
	p.Meter = p.MeterProvider.Meter(MeterName)

	p.shutdown = func(ctx context.Context) error {
		errs := []error{tp.Shutdown(ctx)}
		if sdkMeters != nil {
			errs = append(errs, sdkMeters.Shutdown(ctx))
		}
		if closer != nil {
			errs = append(errs, closer.Close())
		}
		return errors.Join(errs...)
	}
	return p, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// newExporter returns the span exporter and, for "file", the handle to close
// after the exporter has flushed.
func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, io.Closer, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		return exp, nil, err
	case ExporterFile:
		if cfg.TraceFile == "" {
			return nil, nil, errors.New("exporter \"file\" requires trace_file")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.TraceFile), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, nil, err
	case ExporterNone:
		return discardExporter{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, file, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }

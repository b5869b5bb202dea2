// OTel SDK runtime: tracer, meter and logger providers built from configuration
// Console exporters write to an injectable writer; OTLP exporters speak http/protobuf or grpc
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/andrewh/agentotel/pkg/config"
)

// Runtime owns the SDK providers for one host lifetime.
// MeterProvider is nil when no metrics exporter is active and LoggerProvider
// is nil when logs are disabled. TracerProvider is always set so spans carry
// valid trace ids even when traces are not exported.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider

	onError func(error)

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	writer  io.Writer
	onError func(error)
	extra   []sdktrace.SpanProcessor
}

// Option configures New.
type Option func(*options)

// WithWriter sets the destination of console exporters. Defaults to stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithOnError sets the callback that receives each shutdown failure.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithSpanProcessor adds a span processor alongside the configured exporter.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.extra = append(o.extra, sp) }
}

// New builds the providers described by cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	o := options{writer: os.Stdout, onError: func(error) {}}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	rt := &Runtime{onError: o.onError}

	rt.TracerProvider, err = createTracerProvider(ctx, cfg.Traces, res, o)
	if err != nil {
		return nil, fmt.Errorf("creating tracer provider: %w", err)
	}

	rt.MeterProvider, err = createMeterProvider(ctx, cfg.Metrics, res, o)
	if err != nil {
		_ = rt.TracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("creating meter provider: %w", err)
	}

	rt.LoggerProvider, err = createLoggerProvider(ctx, cfg.Logs, res, o)
	if err != nil {
		_ = rt.TracerProvider.Shutdown(ctx)
		if rt.MeterProvider != nil {
			_ = rt.MeterProvider.Shutdown(ctx)
		}
		return nil, fmt.Errorf("creating logger provider: %w", err)
	}

	return rt, nil
}

func createTracerProvider(ctx context.Context, sig config.Signal, res *resource.Resource, o options) (*sdktrace.TracerProvider, error) {
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, sp := range o.extra {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}

	switch sig.Exporter {
	case config.ExporterConsole:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(o.writer))
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	case config.ExporterOTLP:
		exporter, err := createTraceExporter(ctx, sig)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	}
	return sdktrace.NewTracerProvider(tpOpts...), nil
}

func createTraceExporter(ctx context.Context, sig config.Signal) (sdktrace.SpanExporter, error) {
	switch sig.Protocol {
	case config.ProtocolGRPC:
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpointURL(sig.Endpoint),
			otlptracegrpc.WithHeaders(sig.Headers),
		)
	case config.ProtocolHTTP, "":
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(sig.Endpoint),
			otlptracehttp.WithHeaders(sig.Headers),
		)
	default:
		return nil, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", sig.Protocol)
	}
}

// createMeterProvider returns nil when only the none exporter is configured.
func createMeterProvider(ctx context.Context, m config.Metrics, res *resource.Resource, o options) (*sdkmetric.MeterProvider, error) {
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	readers := 0
	for _, e := range m.Exporters {
		var (
			exporter sdkmetric.Exporter
			err      error
		)
		switch e {
		case config.ExporterConsole:
			exporter, err = stdoutmetric.New(stdoutmetric.WithWriter(o.writer))
		case config.ExporterOTLP:
			exporter, err = createMetricExporter(ctx, m)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		readerOpts := []sdkmetric.PeriodicReaderOption{}
		if m.ExportInterval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(m.ExportInterval))
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)))
		readers++
	}
	if readers == 0 {
		return nil, nil
	}
	return sdkmetric.NewMeterProvider(mpOpts...), nil
}

func createMetricExporter(ctx context.Context, m config.Metrics) (sdkmetric.Exporter, error) {
	switch m.Protocol {
	case config.ProtocolGRPC:
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpointURL(m.Endpoint),
			otlpmetricgrpc.WithHeaders(m.Headers),
		)
	case config.ProtocolHTTP, "":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpointURL(m.Endpoint),
			otlpmetrichttp.WithHeaders(m.Headers),
		)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for metrics", m.Protocol)
	}
}

// createLoggerProvider returns nil when logs are disabled.
func createLoggerProvider(ctx context.Context, sig config.Signal, res *resource.Resource, o options) (*sdklog.LoggerProvider, error) {
	var processor sdklog.Processor
	switch sig.Exporter {
	case config.ExporterConsole:
		exporter, err := stdoutlog.New(stdoutlog.WithWriter(o.writer))
		if err != nil {
			return nil, err
		}
		processor = sdklog.NewSimpleProcessor(exporter)
	case config.ExporterOTLP:
		exporter, err := createLogExporter(ctx, sig)
		if err != nil {
			return nil, err
		}
		processor = sdklog.NewBatchProcessor(exporter)
	default:
		return nil, nil
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(processor),
		sdklog.WithResource(res),
	), nil
}

func createLogExporter(ctx context.Context, sig config.Signal) (sdklog.Exporter, error) {
	switch sig.Protocol {
	case config.ProtocolGRPC:
		return otlploggrpc.New(ctx,
			otlploggrpc.WithEndpointURL(sig.Endpoint),
			otlploggrpc.WithHeaders(sig.Headers),
		)
	case config.ProtocolHTTP, "":
		return otlploghttp.New(ctx,
			otlploghttp.WithEndpointURL(sig.Endpoint),
			otlploghttp.WithHeaders(sig.Headers),
		)
	default:
		return nil, fmt.Errorf("unsupported protocol %q for logs", sig.Protocol)
	}
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// Shutdown flushes and shuts down every provider. Each failure is passed to
// the error callback; one failure does not stop the others. Later calls
// return the result of the first.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		items := map[string]shutdownable{"tracer provider": r.TracerProvider}
		if r.MeterProvider != nil {
			items["meter provider"] = r.MeterProvider
		}
		if r.LoggerProvider != nil {
			items["logger provider"] = r.LoggerProvider
		}
		r.shutdownErr = shutdownAll(ctx, items, r.onError)
	})
	return r.shutdownErr
}

// shutdownAll shuts down all items concurrently within the given context.
// A slow item does not block the others.
func shutdownAll[S shutdownable](ctx context.Context, items map[string]S, onError func(error)) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for label, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				err = fmt.Errorf("shutting down %s: %w", label, err)
				mu.Lock()
				defer mu.Unlock()
				errs = append(errs, err)
				onError(err)
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

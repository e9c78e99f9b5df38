// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel installs the global OpenTelemetry providers used by the
// heimdallr command. Session instruments and schema upload spans are
// recorded against whatever providers are global when they are created.
package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/heimdallr/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// shutdowns runs its functions in reverse order of registration and joins
// their errors.
type shutdowns []ShutdownFunc

func (s shutdowns) run(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		if err := s[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitProvider exports session metrics, and schema upload traces when
// cfg.TracesEnabled is set, to the OTLP gRPC collector at cfg.Endpoint.
// instanceID identifies this process in the exported resource.
func InitProvider(ctx context.Context, cfg config.MetricsConfig, instanceID string) (ShutdownFunc, error) {
	res, err := newResource(ctx, cfg, instanceID)
	if err != nil {
		return nil, err
	}

	var sd shutdowns
	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		sd = append(sd, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = sd.run(ctx)
		return nil, err
	}
	otel.SetMeterProvider(mp)
	sd = append(sd, mp.Shutdown)

	return sd.run, nil
}

func newResource(ctx context.Context, cfg config.MetricsConfig, instanceID string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(instanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg config.MetricsConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx, traceExporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(64),
			trace.WithBatchTimeout(cfg.ExportInterval),
			trace.WithExportTimeout(cfg.ExportTimeout),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.MetricsConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx, metricExporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(cfg.ExportInterval),
			metric.WithTimeout(cfg.ExportTimeout),
		)),
	), nil
}

func metricExporterOptions(cfg config.MetricsConfig) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	if cfg.Compression != "" {
		opts = append(opts, otlpmetricgrpc.WithCompressor(cfg.Compression))
	}
	return opts
}

func traceExporterOptions(cfg config.MetricsConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if cfg.Compression != "" {
		opts = append(opts, otlptracegrpc.WithCompressor(cfg.Compression))
	}
	return opts
}

//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package trace provides the shared tracer used across datalab. It is a
// noop until Start wires an OTLP exporter; callers always go through the
// package-level Tracer so instrumentation is free when tracing is off.
package trace

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentName identifies datalab spans in exported traces.
const InstrumentName = "github.com/chatexcel/datalab"

const defaultEndpoint = "localhost:4318"

// TracerProvider is the provider backing Tracer. A noop provider until
// Start succeeds.
var TracerProvider trace.TracerProvider = noop.NewTracerProvider()

// Tracer is the tracer used by all datalab packages.
var Tracer = TracerProvider.Tracer(InstrumentName)

type options struct {
	endpoint    string
	serviceName string
}

// Option configures Start.
type Option func(*options)

// WithEndpoint sets the OTLP HTTP endpoint (host:port).
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithServiceName overrides the reported service.name resource attribute.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// Start initializes the global tracer with an OTLP HTTP exporter and
// returns a cleanup function that flushes and shuts the provider down.
func Start(ctx context.Context, opts ...Option) (func() error, error) {
	o := &options{
		endpoint:    tracesEndpoint("http"),
		serviceName: "datalab",
	}
	for _, opt := range opts {
		opt(o)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(o.endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	TracerProvider = tp
	Tracer = tp.Tracer(InstrumentName)
	otel.SetTracerProvider(tp)

	clean := func() error {
		return tp.Shutdown(context.Background())
	}
	return clean, nil
}

// tracesEndpoint resolves the exporter endpoint from the standard OTLP
// environment variables, specific over generic, with a local default.
func tracesEndpoint(protocol string) string {
	_ = protocol
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"); ep != "" {
		return ep
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		return ep
	}
	return defaultEndpoint
}

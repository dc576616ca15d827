// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry wires OpenTelemetry providers for the engine.
//
// Traces go to stdout (the engine is a local tool, there is no
// collector to ship to) and metrics are exposed on a Prometheus
// /metrics endpoint. Both are off by default; Init is a no-op shutdown
// when nothing is enabled.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrNilContext is returned when Init is called without a context.
var ErrNilContext = errors.New("telemetry: nil context")

// Config controls which providers are installed.
type Config struct {
	// ServiceName identifies the engine in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version string.
	ServiceVersion string

	// Traces enables span export to stdout.
	Traces bool

	// Metrics enables the Prometheus meter provider and /metrics server.
	Metrics bool

	// MetricsAddr is the listen address for /metrics (default :9464).
	MetricsAddr string
}

// DefaultConfig returns defaults for local use, with the standard
// OTEL_SDK_DISABLED escape hatch honored.
func DefaultConfig() Config {
	disabled := os.Getenv("OTEL_SDK_DISABLED") == "true"
	return Config{
		ServiceName:    "chisel",
		ServiceVersion: "dev",
		Traces:         !disabled && os.Getenv("CHISEL_TRACES") == "true",
		Metrics:        !disabled && os.Getenv("CHISEL_METRICS") == "true",
		MetricsAddr:    ":9464",
	}
}

// Init installs the configured global providers and returns a shutdown
// function that must be called on exit.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		// Reverse order: the metrics server drains before its provider.
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			if err := shutdownFuncs[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.Traces {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	if cfg.Metrics {
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

		addr := cfg.MetricsAddr
		if addr == "" {
			addr = ":9464"
		}
		stopServer := serveMetrics(addr)
		shutdownFuncs = append(shutdownFuncs, stopServer)
	}

	return shutdown, nil
}

// serveMetrics exposes the default Prometheus registry (which the otel
// exporter registers with) on /metrics and returns a stopper.
func serveMetrics(addr string) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv.Shutdown
}

// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracing wraps each dispatch in an OpenTelemetry span carrying the
// request kind and the engine trace id. The trace id itself is assigned
// by the dispatcher before any stage runs, so downstream hops always
// see it on the request object.
type Tracing struct {
	tracer trace.Tracer
}

// NewTracing creates the tracing stage. tracerName scopes the spans,
// e.g. "chisel.dispatch".
func NewTracing(tracerName string) *Tracing {
	return &Tracing{tracer: otel.Tracer(tracerName)}
}

// Name implements Middleware.
func (t *Tracing) Name() string { return "tracing" }

// Handle starts a span around the rest of the chain.
func (t *Tracing) Handle(ctx context.Context, req Request, next Next) (any, error) {
	ctx, span := t.tracer.Start(ctx, "dispatch "+req.Kind(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("chisel.kind", req.Kind()),
			attribute.String("chisel.trace_id", req.TraceID()),
			attribute.Bool("chisel.mutating", req.Mutating()),
		))
	defer span.End()

	value, err := next(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return value, err
}

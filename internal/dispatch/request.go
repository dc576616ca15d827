// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"time"
)

// Request is the closed interface every dispatchable operation
// implements. The Kind discriminant selects the handler; the remaining
// methods expose what the cross-cutting middleware needs without
// reflection.
type Request interface {
	// Kind is the handler discriminant, e.g. "file.write".
	Kind() string

	// TraceID returns the distributed trace id, empty if unassigned.
	TraceID() string

	// SetTraceID stores the trace id for downstream hops.
	SetTraceID(id string)

	// Resource is the lock key this request operates on, typically the
	// project root. Empty means no resource locking.
	Resource() string

	// Mutating reports whether the request writes; writes take the
	// resource exclusively, reads share it.
	Mutating() bool

	// PathFields returns pointers to every path-like field so the
	// normalization stage can canonicalize them in place.
	PathFields() []*string

	// CoalesceFields returns the semantically-relevant fields that
	// identify this request for de-duplication. Volatile fields (ids,
	// timestamps) must be excluded.
	CoalesceFields() []string
}

// Base carries the trace id for request types. Embed it and implement
// the rest of Request on the concrete type.
type Base struct {
	trace string
}

// TraceID returns the assigned trace id.
func (b *Base) TraceID() string { return b.trace }

// SetTraceID stores the trace id.
func (b *Base) SetTraceID(id string) { b.trace = id }

// Handler executes one request kind and returns its value.
type Handler func(ctx context.Context, req Request) (any, error)

// Next invokes the remainder of the middleware chain.
type Next func(ctx context.Context, req Request) (any, error)

// Middleware is one stage of the dispatch pipeline. A stage may mutate
// the request, short-circuit without calling next, or post-process the
// outcome.
type Middleware interface {
	// Name identifies the stage in logs and metrics.
	Name() string

	// Handle processes the request, usually delegating to next.
	Handle(ctx context.Context, req Request, next Next) (any, error)
}

// Result is the structured outcome the dispatcher returns. The
// dispatcher never lets an error or panic escape; failures are folded
// in here with their messages redacted.
type Result struct {
	// Success is true when the handler completed without error.
	Success bool `json:"success"`

	// Kind is the dispatched request kind.
	Kind string `json:"kind"`

	// TraceID is the trace id the request ran under.
	TraceID string `json:"trace_id"`

	// Value is the handler's return value, nil on failure.
	Value any `json:"value,omitempty"`

	// Err is the redacted failure message, empty on success.
	Err string `json:"error,omitempty"`

	// Duration is the wall-clock dispatch time.
	Duration time.Duration `json:"duration_ns"`
}

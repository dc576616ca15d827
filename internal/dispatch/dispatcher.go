// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatch routes typed requests to registered handlers through
// an ordered chain of cross-cutting middleware: tracing, path
// normalization, resource locking, request coalescing, circuit
// breaking, self-healing retries, rate limiting, and chaos injection.
//
// The dispatcher is the error boundary of the engine: handler errors
// and panics are caught, logged with secrets scrubbed, and converted
// into structured failure results. Nothing escapes to the caller as a
// raw error.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxDispatchDepth bounds recursive self-dispatch per trace id. A
// handler that dispatches further requests inherits the trace id, so a
// dispatch cycle shows up as runaway depth.
const MaxDispatchDepth = 10

// Sentinel errors for dispatch.
var (
	// ErrUnknownKind indicates no handler is registered for the
	// request's kind.
	ErrUnknownKind = errors.New("no handler registered for request kind")

	// ErrDepthExceeded indicates runaway recursive dispatch.
	ErrDepthExceeded = errors.New("max dispatch depth exceeded")
)

// Config configures a Dispatcher.
type Config struct {
	// MaxDepth overrides MaxDispatchDepth when positive.
	MaxDepth int

	// Redactor scrubs secrets from failure messages and logged stacks.
	// Default: NewRedactor().
	Redactor *Redactor

	// Metrics records dispatch counters and durations. Nil disables.
	Metrics *Metrics

	// Logger for dispatch diagnostics, nil for slog.Default().
	Logger *slog.Logger
}

// Dispatcher routes requests to handlers through the middleware chain.
//
// # Thread Safety
//
// Register and Use must complete before the first Dispatch; Dispatch
// itself is safe for concurrent use from many goroutines.
type Dispatcher struct {
	handlers map[string]Handler
	chain    []Middleware
	maxDepth int
	redactor *Redactor
	metrics  *Metrics
	logger   *slog.Logger

	depthMu sync.Mutex
	depth   map[string]int
}

// New creates an empty dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = MaxDispatchDepth
	}
	if cfg.Redactor == nil {
		cfg.Redactor = NewRedactor()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		maxDepth: cfg.MaxDepth,
		redactor: cfg.Redactor,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "dispatcher"),
		depth:    make(map[string]int),
	}
}

// Register binds a handler to a request kind. Registering the same
// kind twice is an error; the registry is explicit and closed.
func (d *Dispatcher) Register(kind string, h Handler) error {
	if kind == "" {
		return errors.New("dispatch: kind must not be empty")
	}
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for kind %q", kind)
	}
	if _, dup := d.handlers[kind]; dup {
		return fmt.Errorf("dispatch: handler for kind %q already registered", kind)
	}
	d.handlers[kind] = h
	return nil
}

// Use appends middleware stages. Stages run in the order given, the
// first wrapping all the rest.
func (d *Dispatcher) Use(stages ...Middleware) {
	d.chain = append(d.chain, stages...)
}

// Dispatch routes one request and always returns a structured result.
//
// A trace id is assigned if the request carries none. The depth guard
// runs before the chain: past the maximum per-trace depth the request
// fails fast. Errors and panics from any stage or the handler are
// caught here, logged with secrets scrubbed, and folded into the
// result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Result {
	start := time.Now()

	traceID := req.TraceID()
	if traceID == "" {
		traceID = uuid.NewString()
		req.SetTraceID(traceID)
	}

	res := &Result{Kind: req.Kind(), TraceID: traceID}

	if err := d.enterDepth(traceID); err != nil {
		d.logger.Error("dispatch depth guard tripped",
			"trace_id", traceID,
			"kind", req.Kind(),
			"max_depth", d.maxDepth)
		res.Err = err.Error()
		res.Duration = time.Since(start)
		d.observe(ctx, res)
		return res
	}
	defer d.exitDepth(traceID)

	value, err := d.run(ctx, req)
	res.Duration = time.Since(start)

	if err != nil {
		res.Err = d.redactor.Sanitize(err.Error())
		d.logger.Error("dispatch failed",
			"trace_id", traceID,
			"kind", req.Kind(),
			"duration", res.Duration.String(),
			"error", res.Err)
	} else {
		res.Success = true
		res.Value = value
	}

	d.observe(ctx, res)
	return res
}

// run executes the chain plus handler, converting panics to errors.
func (d *Dispatcher) run(ctx context.Context, req Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := d.redactor.Sanitize(string(debug.Stack()))
			d.logger.Error("handler panicked",
				"trace_id", req.TraceID(),
				"kind", req.Kind(),
				"panic", fmt.Sprint(r),
				"stack", stack)
			value = nil
			err = fmt.Errorf("handler for %q panicked: %v", req.Kind(), r)
		}
	}()

	next := d.invokeHandler
	for i := len(d.chain) - 1; i >= 0; i-- {
		stage := d.chain[i]
		inner := next
		next = func(ctx context.Context, req Request) (any, error) {
			return stage.Handle(ctx, req, inner)
		}
	}
	return next(ctx, req)
}

// invokeHandler is the innermost stage: the registry lookup and call.
func (d *Dispatcher) invokeHandler(ctx context.Context, req Request) (any, error) {
	h, ok := d.handlers[req.Kind()]
	if !ok {
		return nil, fmt.Errorf("%q: %w", req.Kind(), ErrUnknownKind)
	}
	return h(ctx, req)
}

// ===== Depth Guard =====

func (d *Dispatcher) enterDepth(traceID string) error {
	d.depthMu.Lock()
	defer d.depthMu.Unlock()
	if d.depth[traceID] >= d.maxDepth {
		return fmt.Errorf("trace %s at depth %d: %w", traceID, d.depth[traceID], ErrDepthExceeded)
	}
	d.depth[traceID]++
	return nil
}

func (d *Dispatcher) exitDepth(traceID string) {
	d.depthMu.Lock()
	defer d.depthMu.Unlock()
	if d.depth[traceID] <= 1 {
		delete(d.depth, traceID)
	} else {
		d.depth[traceID]--
	}
}

func (d *Dispatcher) observe(ctx context.Context, res *Result) {
	if d.metrics != nil {
		d.metrics.record(ctx, res)
	}
}

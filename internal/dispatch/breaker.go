// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CircuitState is the per-handler breaker state.
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │
//	   │                         [cooldown]
//	   └───[success]◄── HALF_OPEN ◄───┘
type CircuitState int

const (
	// CircuitClosed is normal operation.
	CircuitClosed CircuitState = iota

	// CircuitOpen fast-fails requests until the cooldown elapses.
	CircuitOpen

	// CircuitHalfOpen lets one trial request through to probe recovery.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ErrCircuitOpen is returned while a handler's circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes the per-handler circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// CoolDown is how long the circuit stays open before a half-open
	// trial. Default: 30s.
	CoolDown time.Duration

	// Metrics records state transitions. Nil disables.
	Metrics *Metrics
}

// DefaultBreakerConfig returns standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// Breaker is the circuit-breaking stage: an independent failure counter
// per handler kind. After the threshold of consecutive failures a
// kind's circuit opens and its requests fast-fail until the cooldown
// elapses, then one trial request decides recovery.
//
// # Thread Safety
//
// Safe for concurrent use; each circuit has its own mutex.
type Breaker struct {
	config BreakerConfig

	mu       sync.Mutex
	circuits map[string]*circuit
}

// circuit is one kind's breaker state.
type circuit struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates the circuit-breaking stage.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	return &Breaker{
		config:   config,
		circuits: make(map[string]*circuit),
	}
}

// Name implements Middleware.
func (b *Breaker) Name() string { return "breaker" }

// Handle consults the request kind's circuit before running next.
func (b *Breaker) Handle(ctx context.Context, req Request, next Next) (any, error) {
	c := b.circuitFor(req.Kind())

	if !b.allow(ctx, c, req.Kind()) {
		return nil, fmt.Errorf("handler %q: %w", req.Kind(), ErrCircuitOpen)
	}

	value, err := next(ctx, req)
	b.record(ctx, c, req.Kind(), err)
	return value, err
}

// State returns the current circuit state for a kind.
func (b *Breaker) State(kind string) CircuitState {
	c := b.circuitFor(kind)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (b *Breaker) circuitFor(kind string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[kind]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[kind] = c
	}
	return c
}

// allow decides whether the request may proceed.
func (b *Breaker) allow(ctx context.Context, c *circuit, kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if time.Since(c.lastFailure) > b.config.CoolDown {
			b.transition(ctx, c, kind, CircuitHalfOpen)
			c.probing = true
			return true
		}
		return false

	case CircuitHalfOpen:
		// One probe at a time; concurrent requests wait out the trial.
		if c.probing {
			return false
		}
		c.probing = true
		return true

	default:
		return false
	}
}

// record updates the circuit with an outcome.
func (b *Breaker) record(ctx context.Context, c *circuit, kind string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = false

	if err != nil {
		c.failures++
		c.lastFailure = time.Now()
		switch c.state {
		case CircuitClosed:
			if c.failures >= b.config.FailureThreshold {
				b.transition(ctx, c, kind, CircuitOpen)
			}
		case CircuitHalfOpen:
			// Failed probe goes straight back to open.
			b.transition(ctx, c, kind, CircuitOpen)
		}
		return
	}

	c.failures = 0
	if c.state == CircuitHalfOpen {
		b.transition(ctx, c, kind, CircuitClosed)
	}
}

// transition moves the circuit to a new state. Caller holds c.mu.
func (b *Breaker) transition(ctx context.Context, c *circuit, kind string, state CircuitState) {
	if c.state == state {
		return
	}
	c.state = state
	if b.config.Metrics != nil {
		b.config.Metrics.BreakerTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("state", state.String())))
	}
}

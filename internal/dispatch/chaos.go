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
	"math/rand"
	"sync"
	"time"
)

// ErrChaosInjected marks a failure manufactured by the chaos stage.
var ErrChaosInjected = errors.New("chaos fault injected")

// ChaosConfig tunes fault injection for resilience testing. The stage
// is inert at zero probability, which is the default; it exists so the
// retry, breaker, and rollback paths can be exercised under load
// without touching the handlers.
type ChaosConfig struct {
	// ErrorProbability is the chance (0.0 to 1.0) a request fails with
	// ErrChaosInjected before reaching its handler.
	ErrorProbability float64

	// LatencyProbability is the chance a request is delayed.
	LatencyProbability float64

	// MaxLatency bounds injected delays. Default: 500ms.
	MaxLatency time.Duration

	// Seed makes the fault sequence reproducible. Zero seeds from the
	// clock.
	Seed int64
}

// Chaos is the fault injection stage.
type Chaos struct {
	config ChaosConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewChaos creates the chaos stage.
func NewChaos(config ChaosConfig) *Chaos {
	if config.MaxLatency <= 0 {
		config.MaxLatency = 500 * time.Millisecond
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Chaos{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Name implements Middleware.
func (c *Chaos) Name() string { return "chaos" }

// Handle rolls the dice before delegating.
func (c *Chaos) Handle(ctx context.Context, req Request, next Next) (any, error) {
	if delay := c.roll(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if delay < 0 {
		return nil, ErrChaosInjected
	}
	return next(ctx, req)
}

// roll returns a positive delay for latency injection, a negative value
// for an error injection, or zero for a clean pass.
func (c *Chaos) roll() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.ErrorProbability > 0 && c.rng.Float64() < c.config.ErrorProbability {
		return -1
	}
	if c.config.LatencyProbability > 0 && c.rng.Float64() < c.config.LatencyProbability {
		return time.Duration(c.rng.Int63n(int64(c.config.MaxLatency)))
	}
	return 0
}

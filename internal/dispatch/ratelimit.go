// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimit throttles dispatch throughput with a token bucket. It sits
// early in the chain so a runaway caller queues instead of flooding the
// handlers.
type RateLimit struct {
	limiter *rate.Limiter
}

// NewRateLimit creates the rate limiting stage allowing rps requests
// per second with the given burst.
func NewRateLimit(rps float64, burst int) *RateLimit {
	return &RateLimit{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Name implements Middleware.
func (r *RateLimit) Name() string { return "ratelimit" }

// Handle waits for a token, respecting context cancellation.
func (r *RateLimit) Handle(ctx context.Context, req Request, next Next) (any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %q: %w", req.Kind(), err)
	}
	return next(ctx, req)
}

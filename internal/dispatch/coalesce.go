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

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Coalescer de-duplicates semantically identical concurrent requests:
// followers of an in-flight request wait for the leader's outcome and
// share it instead of re-executing. Identity is a content hash of the
// request kind plus its CoalesceFields, which deliberately exclude
// volatile fields like trace ids.
//
// Only non-mutating requests are coalesced. Two concurrent writers with
// identical content are rare, and sharing a writer's outcome would hide
// real ordering.
type Coalescer struct {
	group   singleflight.Group
	metrics *Metrics
}

// NewCoalescer creates the coalescing stage. metrics may be nil.
func NewCoalescer(metrics *Metrics) *Coalescer {
	return &Coalescer{metrics: metrics}
}

// Name implements Middleware.
func (c *Coalescer) Name() string { return "coalesce" }

// Handle executes next through the in-flight group keyed by the
// request's content hash.
func (c *Coalescer) Handle(ctx context.Context, req Request, next Next) (any, error) {
	if req.Mutating() {
		return next(ctx, req)
	}

	key := coalesceKey(req)
	value, err, shared := c.group.Do(key, func() (any, error) {
		return next(ctx, req)
	})
	if shared && c.metrics != nil {
		c.metrics.CoalescedTotal.Add(ctx, 1)
	}
	return value, err
}

// coalesceKey hashes the request's stable identity fields.
func coalesceKey(req Request) string {
	h := xxhash.New()
	h.WriteString(req.Kind())
	for _, field := range req.CoalesceFields() {
		// Length prefix keeps ("ab","c") distinct from ("a","bc").
		fmt.Fprintf(h, "%d:", len(field))
		h.WriteString(field)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

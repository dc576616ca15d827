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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the dispatcher's OpenTelemetry instruments. All metric
// names carry the "chisel_" prefix.
type Metrics struct {
	// DispatchesTotal counts dispatches by kind and outcome.
	DispatchesTotal metric.Int64Counter

	// DispatchDuration records dispatch duration in seconds by kind.
	DispatchDuration metric.Float64Histogram

	// CoalescedTotal counts requests that joined an in-flight leader
	// instead of executing.
	CoalescedTotal metric.Int64Counter

	// BreakerTransitionsTotal counts circuit state transitions by
	// handler kind and target state.
	BreakerTransitionsTotal metric.Int64Counter

	// RemediationsTotal counts self-heal remediation attempts by kind
	// and outcome.
	RemediationsTotal metric.Int64Counter
}

// NewMetrics registers the dispatcher's instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchesTotal, err = meter.Int64Counter(
		"chisel_dispatches_total",
		metric.WithDescription("Total dispatched requests by kind and outcome"))
	if err != nil {
		return nil, fmt.Errorf("registering dispatch counter: %w", err)
	}

	m.DispatchDuration, err = meter.Float64Histogram(
		"chisel_dispatch_duration_seconds",
		metric.WithDescription("Dispatch duration in seconds by kind"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("registering dispatch histogram: %w", err)
	}

	m.CoalescedTotal, err = meter.Int64Counter(
		"chisel_coalesced_requests_total",
		metric.WithDescription("Requests answered by an in-flight identical request"))
	if err != nil {
		return nil, fmt.Errorf("registering coalesce counter: %w", err)
	}

	m.BreakerTransitionsTotal, err = meter.Int64Counter(
		"chisel_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions by kind and state"))
	if err != nil {
		return nil, fmt.Errorf("registering breaker counter: %w", err)
	}

	m.RemediationsTotal, err = meter.Int64Counter(
		"chisel_remediations_total",
		metric.WithDescription("Self-heal remediation attempts by kind and outcome"))
	if err != nil {
		return nil, fmt.Errorf("registering remediation counter: %w", err)
	}

	return m, nil
}

// record observes one completed dispatch.
func (m *Metrics) record(ctx context.Context, res *Result) {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", res.Kind),
		attribute.String("outcome", outcome))

	m.DispatchesTotal.Add(ctx, 1, attrs)
	m.DispatchDuration.Record(ctx, res.Duration.Seconds(),
		metric.WithAttributes(attribute.String("kind", res.Kind)))
}

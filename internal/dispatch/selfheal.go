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
	"log/slog"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Diagnostician maps a failure to a known remediation command. A nil
// command with ok=false means the failure has no known cure and the
// error propagates as-is.
type Diagnostician interface {
	// Remediate inspects the failed request and its error and returns a
	// shell command that is believed to fix the cause.
	Remediate(ctx context.Context, req Request, failure error) (command string, ok bool)
}

// CommandRunner executes a remediation command. Swappable for tests.
type CommandRunner func(ctx context.Context, command string) error

// SelfHealConfig tunes the self-healing retry stage.
type SelfHealConfig struct {
	// Diagnostician supplies remediations. Required.
	Diagnostician Diagnostician

	// Runner executes remediation commands. Default: sh -c via exec.
	Runner CommandRunner

	// RetryDelay is the pause between remediation and the retry.
	// Default: 1s.
	RetryDelay time.Duration

	// Metrics records remediation attempts. Nil disables.
	Metrics *Metrics

	// Logger for remediation events, nil for slog.Default().
	Logger *slog.Logger
}

// SelfHeal retries a failed request once after running a known
// remediation: when a handler fails, the diagnostician is consulted
// for a cure; if one exists, it is executed and the original request
// gets exactly one more attempt. Requests that fail again, or whose
// failure has no known remediation, propagate their error unchanged.
type SelfHeal struct {
	config SelfHealConfig
	logger *slog.Logger
}

// NewSelfHeal creates the self-healing stage.
func NewSelfHeal(config SelfHealConfig) *SelfHeal {
	if config.Runner == nil {
		config.Runner = runShellCommand
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SelfHeal{
		config: config,
		logger: config.Logger.With("component", "selfheal"),
	}
}

// Name implements Middleware.
func (s *SelfHeal) Name() string { return "selfheal" }

// Handle runs next and, on failure with a known remediation, retries
// once after executing it.
func (s *SelfHeal) Handle(ctx context.Context, req Request, next Next) (any, error) {
	value, err := next(ctx, req)
	if err == nil || s.config.Diagnostician == nil {
		return value, err
	}

	command, ok := s.config.Diagnostician.Remediate(ctx, req, err)
	if !ok {
		return value, err
	}

	s.logger.Info("attempting remediation",
		"trace_id", req.TraceID(),
		"kind", req.Kind(),
		"command", command)

	if healErr := s.config.Runner(ctx, command); healErr != nil {
		s.observe(ctx, req.Kind(), "remediation_failed")
		s.logger.Warn("remediation command failed",
			"trace_id", req.TraceID(),
			"command", command,
			"error", healErr)
		return value, err // original failure, never the remediation's
	}

	// Give the remediation a moment to take effect before the retry.
	select {
	case <-time.After(s.config.RetryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	value, retryErr := next(ctx, req)
	if retryErr != nil {
		s.observe(ctx, req.Kind(), "retry_failed")
		return value, fmt.Errorf("retry after remediation %q failed: %w", command, retryErr)
	}

	s.observe(ctx, req.Kind(), "healed")
	s.logger.Info("request healed by remediation",
		"trace_id", req.TraceID(),
		"kind", req.Kind())
	return value, nil
}

func (s *SelfHeal) observe(ctx context.Context, kind, outcome string) {
	if s.config.Metrics != nil {
		s.config.Metrics.RemediationsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome)))
	}
}

// runShellCommand is the default remediation runner.
func runShellCommand(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running %q: %w (output: %s)", command, err, out)
	}
	return nil
}

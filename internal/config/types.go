// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the
// familiar "5s" / "2m30s" form.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type ChiselConfig struct {
	// Project: where transactions write and where control state lives
	Project ProjectConfig `yaml:"project"`

	// Lock: cross-process mutual exclusion on the project
	Lock LockConfig `yaml:"lock"`

	// Dispatch: middleware pipeline knobs
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Chronicle: the transaction history store
	Chronicle ChronicleConfig `yaml:"chronicle"`

	// Telemetry: toggle for traces and metrics
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging: sink level and format
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	ControlDir string `yaml:"control_dir"` // e.g. .chisel
	Simulate   bool   `yaml:"simulate"`    // plan without writing
}

type LockConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"` // e.g. 5s
	AcquireTimeout    Duration `yaml:"acquire_timeout"`    // e.g. 30s
	RetryInterval     Duration `yaml:"retry_interval"`     // e.g. 500ms
	StaleFactor       int      `yaml:"stale_factor"`       // heartbeats missed before a holder is stale
	Interactive       *bool    `yaml:"interactive,omitempty"`
}

type DispatchConfig struct {
	MaxDepth  int             `yaml:"max_depth"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	SelfHeal  SelfHealConfig  `yaml:"self_heal"`
	Chaos     ChaosConfig     `yaml:"chaos"`
}

type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	CoolDown         Duration `yaml:"cooldown"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type SelfHealConfig struct {
	Enabled    bool     `yaml:"enabled"`
	RetryDelay Duration `yaml:"retry_delay"`

	// Remediations maps failure messages to shell commands that are
	// run once before a single retry.
	Remediations []RemediationRule `yaml:"remediations,omitempty"`
}

// RemediationRule fires when a failure message contains Match.
type RemediationRule struct {
	Match   string `yaml:"match"`
	Command string `yaml:"command"`
}

// ChaosConfig stays zeroed outside of resilience testing.
type ChaosConfig struct {
	ErrorProbability   float64  `yaml:"error_probability"`
	LatencyProbability float64  `yaml:"latency_probability"`
	MaxLatency         Duration `yaml:"max_latency"`
	Seed               int64    `yaml:"seed"`
}

type ChronicleConfig struct {
	InMemory   bool     `yaml:"in_memory"`
	SyncWrites bool     `yaml:"sync_writes"`
	GCInterval Duration `yaml:"gc_interval"`
}

type TelemetryConfig struct {
	Traces      bool   `yaml:"traces"`
	Metrics     bool   `yaml:"metrics"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"` // e.g. :9464
}

type LoggingConfig struct {
	// Level can be "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
	// Format can be "text" or "json".
	Format string `yaml:"format"`
}

func DefaultConfig() ChiselConfig {
	return ChiselConfig{
		Project: ProjectConfig{
			ControlDir: ".chisel",
		},
		Lock: LockConfig{
			HeartbeatInterval: Duration(5 * time.Second),
			AcquireTimeout:    Duration(30 * time.Second),
			RetryInterval:     Duration(500 * time.Millisecond),
			StaleFactor:       4,
		},
		Dispatch: DispatchConfig{
			MaxDepth: 10,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				CoolDown:         Duration(30 * time.Second),
			},
			RateLimit: RateLimitConfig{
				Enabled: false,
				RPS:     50,
				Burst:   10,
			},
			SelfHeal: SelfHealConfig{
				Enabled:    true,
				RetryDelay: Duration(time.Second),
			},
		},
		Chronicle: ChronicleConfig{
			SyncWrites: false,
			GCInterval: Duration(5 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			Traces:      false,
			Metrics:     false,
			MetricsAddr: ":9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects values that would misbehave at runtime rather than
// letting them surface as confusing lock or breaker behavior later.
func (c *ChiselConfig) Validate() error {
	if c.Project.ControlDir == "" {
		return fmt.Errorf("project.control_dir must not be empty")
	}
	if c.Lock.HeartbeatInterval <= 0 {
		return fmt.Errorf("lock.heartbeat_interval must be positive, got %s", c.Lock.HeartbeatInterval.Std())
	}
	if c.Lock.StaleFactor < 2 {
		return fmt.Errorf("lock.stale_factor must be at least 2, got %d", c.Lock.StaleFactor)
	}
	if c.Dispatch.MaxDepth < 1 {
		return fmt.Errorf("dispatch.max_depth must be at least 1, got %d", c.Dispatch.MaxDepth)
	}
	if c.Dispatch.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("dispatch.breaker.failure_threshold must be at least 1, got %d", c.Dispatch.Breaker.FailureThreshold)
	}
	if p := c.Dispatch.Chaos.ErrorProbability; p < 0 || p > 1 {
		return fmt.Errorf("dispatch.chaos.error_probability must be in [0,1], got %g", p)
	}
	if p := c.Dispatch.Chaos.LatencyProbability; p < 0 || p > 1 {
		return fmt.Errorf("dispatch.chaos.latency_probability must be in [0,1], got %g", p)
	}
	for i, rule := range c.Dispatch.SelfHeal.Remediations {
		if rule.Match == "" || rule.Command == "" {
			return fmt.Errorf("dispatch.self_heal.remediations[%d] needs both match and command", i)
		}
	}
	if c.Dispatch.RateLimit.Enabled && c.Dispatch.RateLimit.RPS <= 0 {
		return fmt.Errorf("dispatch.rate_limit.rps must be positive when enabled, got %g", c.Dispatch.RateLimit.RPS)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

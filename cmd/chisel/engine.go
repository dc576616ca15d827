// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/chiselworks/chisel/internal/chronicle"
	"github.com/chiselworks/chisel/internal/config"
	"github.com/chiselworks/chisel/internal/dispatch"
	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/txn"
	"github.com/chiselworks/chisel/pkg/logging"
)

// engine bundles the dispatcher, its middleware chain, and the
// chronicle store for one CLI invocation. Every operation that touches
// the project goes through the dispatcher so it picks up tracing,
// locking, the circuit breaker, and the error boundary.
type engine struct {
	root       string
	cfg        config.ChiselConfig
	logger     *logging.Logger
	store      *chronicle.Store
	dispatcher *dispatch.Dispatcher
}

// applyRequest asks the engine to run a manifest as one transaction.
type applyRequest struct {
	dispatch.Base
	Root     string
	Manifest Manifest
	RiteName string
	Simulate bool
	NoLock   bool
}

func (r *applyRequest) Kind() string          { return "apply-blueprint" }
func (r *applyRequest) Resource() string      { return r.Root }
func (r *applyRequest) Mutating() bool        { return true }
func (r *applyRequest) PathFields() []*string { return []*string{&r.Root} }
func (r *applyRequest) CoalesceFields() []string { return nil }

// applyOutcome is the apply handler's result value.
type applyOutcome struct {
	TxID    string
	Dossier map[string]fsops.WriteResult
	Issues  []string
	Elapsed time.Duration
}

// chronicleListRequest asks for recent sealed transactions.
type chronicleListRequest struct {
	dispatch.Base
	Root  string
	Limit int
}

func (r *chronicleListRequest) Kind() string          { return "inspect-chronicle" }
func (r *chronicleListRequest) Resource() string      { return r.Root }
func (r *chronicleListRequest) Mutating() bool        { return false }
func (r *chronicleListRequest) PathFields() []*string { return []*string{&r.Root} }
func (r *chronicleListRequest) CoalesceFields() []string {
	return []string{r.Root, strconv.Itoa(r.Limit)}
}

// newEngine opens the chronicle and assembles the dispatcher with the
// middleware chain the config asks for.
func newEngine(root string, cfg config.ChiselConfig, logger *logging.Logger) (*engine, error) {
	store, err := openChronicle(root, cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics, err := dispatch.NewMetrics(otel.Meter("chisel"))
	if err != nil {
		logger.Warn("dispatch metrics unavailable", "error", err)
		metrics = nil
	}

	d := dispatch.New(dispatch.Config{
		MaxDepth: cfg.Dispatch.MaxDepth,
		Metrics:  metrics,
		Logger:   logger.Slog(),
	})

	stages := []dispatch.Middleware{
		dispatch.NewTracing("chisel"),
	}
	if cfg.Dispatch.RateLimit.Enabled {
		stages = append(stages, dispatch.NewRateLimit(
			cfg.Dispatch.RateLimit.RPS, cfg.Dispatch.RateLimit.Burst))
	}
	stages = append(stages,
		dispatch.NewPathNorm(),
		dispatch.NewResourceLock(),
		dispatch.NewCoalescer(metrics),
		dispatch.NewBreaker(dispatch.BreakerConfig{
			FailureThreshold: cfg.Dispatch.Breaker.FailureThreshold,
			CoolDown:         cfg.Dispatch.Breaker.CoolDown.Std(),
			Metrics:          metrics,
		}),
	)
	if cfg.Dispatch.SelfHeal.Enabled {
		stages = append(stages, dispatch.NewSelfHeal(dispatch.SelfHealConfig{
			Diagnostician: &ruleDiagnostician{rules: cfg.Dispatch.SelfHeal.Remediations},
			RetryDelay:    cfg.Dispatch.SelfHeal.RetryDelay.Std(),
			Metrics:       metrics,
			Logger:        logger.Slog(),
		}))
	}
	if cfg.Dispatch.Chaos.ErrorProbability > 0 || cfg.Dispatch.Chaos.LatencyProbability > 0 {
		stages = append(stages, dispatch.NewChaos(dispatch.ChaosConfig{
			ErrorProbability:   cfg.Dispatch.Chaos.ErrorProbability,
			LatencyProbability: cfg.Dispatch.Chaos.LatencyProbability,
			MaxLatency:         cfg.Dispatch.Chaos.MaxLatency.Std(),
			Seed:               cfg.Dispatch.Chaos.Seed,
		}))
	}
	d.Use(stages...)

	eng := &engine{
		root:       root,
		cfg:        cfg,
		logger:     logger,
		store:      store,
		dispatcher: d,
	}
	if err := d.Register("apply-blueprint", eng.handleApply); err != nil {
		store.Close()
		return nil, err
	}
	if err := d.Register("inspect-chronicle", eng.handleChronicleList); err != nil {
		store.Close()
		return nil, err
	}
	return eng, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}

// handleApply runs one manifest inside a transaction. The named return
// lets the deferred End surface rollback and commit errors to the
// dispatcher's error boundary.
func (e *engine) handleApply(ctx context.Context, req dispatch.Request) (_ any, err error) {
	r, ok := req.(*applyRequest)
	if !ok {
		return nil, fmt.Errorf("apply-blueprint got %T", req)
	}

	start := time.Now()
	tx, err := txn.Begin(ctx, r.Root, txn.Options{
		Name:       r.RiteName,
		ControlDir: e.cfg.Project.ControlDir,
		Simulate:   r.Simulate,
		SkipLock:   r.NoLock,
		Lock:       lockConfigFrom(e.cfg.Lock),
		Chronicle:  e.store,
		Logger:     e.logger.Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	tx.SetContext("trace_id", r.TraceID())
	defer tx.End(&err)

	if err = stageManifest(tx, r.Manifest); err != nil {
		return nil, err
	}
	for _, edict := range r.Manifest.Edicts {
		if err = tx.RecordEdict(edict); err != nil {
			return nil, err
		}
	}

	// Commit before snapshotting so the outcome carries the enriched
	// dossier. End sees the transaction as materialized and only seals.
	if err = tx.Materialize(ctx); err != nil {
		return nil, err
	}

	return &applyOutcome{
		TxID:    tx.ID(),
		Dossier: tx.Dossier(),
		Issues:  tx.Issues(),
		Elapsed: time.Since(start),
	}, nil
}

func (e *engine) handleChronicleList(ctx context.Context, req dispatch.Request) (any, error) {
	r, ok := req.(*chronicleListRequest)
	if !ok {
		return nil, fmt.Errorf("inspect-chronicle got %T", req)
	}
	return e.store.List(ctx, r.Limit)
}

// ruleDiagnostician matches failure messages against the config's
// remediation rules, first match wins.
type ruleDiagnostician struct {
	rules []config.RemediationRule
}

func (d *ruleDiagnostician) Remediate(ctx context.Context, req dispatch.Request, failure error) (string, bool) {
	for _, rule := range d.rules {
		if strings.Contains(failure.Error(), rule.Match) {
			return rule.Command, true
		}
	}
	return "", false
}

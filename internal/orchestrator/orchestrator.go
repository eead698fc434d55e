// Package orchestrator drives the download pipeline: fetch manifest,
// plan against local state, execute transfers, record the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dumptools/dumpsync/internal/config"
	"github.com/dumptools/dumpsync/internal/manifest"
	"github.com/dumptools/dumpsync/internal/planner"
	"github.com/dumptools/dumpsync/internal/state"
	"github.com/dumptools/dumpsync/internal/transfer"
)

// Options controls a single run.
type Options struct {
	// DryRun plans only: no transfers, no state mutations.
	DryRun bool
}

// FailedFile names one path that ended failed, with its reason.
type FailedFile struct {
	Path     string
	Reason   string
	Attempts int
}

// RunSummary is the end-of-run report.
type RunSummary struct {
	Dump    string
	Version string
	Job     string

	Planned          int
	Succeeded        int
	Failed           int
	UpToDate         int
	BytesTransferred int64
	FailedFiles      []FailedFile

	DryRun   bool
	Duration time.Duration
}

// OK reports whether the run completed without failed transfers.
func (s *RunSummary) OK() bool {
	return s.Failed == 0
}

// Orchestrator owns run sequencing. All other components are stateless
// services except the state store, which owns durable state.
type Orchestrator struct {
	cfg     *config.Config
	fetcher *manifest.Fetcher
	store   *state.Store
	engine  *transfer.Engine
	logger  *slog.Logger
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, fetcher *manifest.Fetcher, store *state.Store, engine *transfer.Engine, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		engine:  engine,
		logger:  logger,
	}
}

// Plan fetches the manifest and computes the transfer plan without
// executing it. A manifest fetch failure aborts; an empty manifest
// aborts unless the config allows it, in which case the empty plan is
// returned.
func (o *Orchestrator) Plan(ctx context.Context) (*planner.Plan, error) {
	version, err := o.fetcher.ResolveVersion(ctx, o.cfg.Dump, o.cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("resolving dump version: %w", err)
	}

	var fileRegex *regexp.Regexp
	if o.cfg.FileRegex != "" {
		fileRegex, err = regexp.Compile(o.cfg.FileRegex)
		if err != nil {
			return nil, fmt.Errorf("compiling file_regex: %w", err)
		}
	}

	m, err := o.fetcher.Fetch(ctx, manifest.Request{
		Dump:      o.cfg.Dump,
		Version:   version,
		Job:       o.cfg.Job,
		FileRegex: fileRegex,
	})
	if err != nil {
		if errors.Is(err, manifest.ErrEmpty) && o.cfg.AllowEmpty {
			o.logger.Warn("manifest is empty, proceeding as configured", "dump", o.cfg.Dump, "version", version)
		} else {
			return nil, err
		}
	}

	states, err := o.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading local state: %w", err)
	}

	plan, err := planner.Build(m, states, o.cfg.MirrorURL, o.cfg.OutDir)
	if err != nil {
		return nil, fmt.Errorf("planning transfers: %w", err)
	}

	o.logger.Info("plan computed",
		"dump", plan.Dump,
		"version", plan.Version,
		"job", plan.Job,
		"tasks", len(plan.Tasks),
		"up_to_date", plan.UpToDate,
		"bytes_to_transfer", humanize.Bytes(uint64(plan.BytesToTransfer())))
	return plan, nil
}

// Run executes the full pipeline and returns the RunSummary. Manifest
// failures abort before any transfer starts; per-task failures are
// collected into the summary instead of propagating. A cancelled
// context returns the partial summary together with the context error.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunSummary, error) {
	start := time.Now()

	plan, err := o.Plan(ctx)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{
		Dump:     plan.Dump,
		Version:  plan.Version,
		Job:      plan.Job,
		Planned:  len(plan.Tasks),
		UpToDate: plan.UpToDate,
		DryRun:   opts.DryRun,
	}

	if opts.DryRun {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	// Remote metadata changed for these verified files; restart them
	// from scratch.
	for _, path := range plan.Resets {
		if err := o.store.ResetPending(path); err != nil {
			return nil, fmt.Errorf("resetting changed file %s: %w", path, err)
		}
		o.logger.Info("verified file changed upstream, re-downloading", "path", path)
	}

	run := &state.Run{
		Dump:      plan.Dump,
		Version:   plan.Version,
		Job:       plan.Job,
		StartTime: start.UTC(),
		Status:    "running",
	}
	if err := o.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}

	results := o.engine.Execute(ctx, plan.Tasks)

	for _, res := range results {
		if res.Verified {
			summary.Succeeded++
			summary.BytesTransferred += res.BytesFetched
			continue
		}
		summary.Failed++
		summary.FailedFiles = append(summary.FailedFiles, FailedFile{
			Path:     res.Task.Path,
			Reason:   res.Err.Error(),
			Attempts: res.Attempts,
		})
	}
	summary.Duration = time.Since(start)

	run.EndTime = time.Now().UTC()
	run.Succeeded = summary.Succeeded
	run.Failed = summary.Failed
	run.Skipped = summary.UpToDate
	run.BytesTransferred = summary.BytesTransferred
	switch {
	case ctx.Err() != nil:
		run.Status = "partial"
		run.ErrorMessage = ctx.Err().Error()
	case summary.Failed == 0:
		run.Status = "success"
	case summary.Succeeded > 0:
		run.Status = "partial"
	default:
		run.Status = "failed"
	}
	if err := o.store.UpdateRun(run); err != nil {
		o.logger.Error("failed to record run completion", "run_id", run.ID, "error", err)
	}

	o.logger.Info("run complete",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"up_to_date", summary.UpToDate,
		"transferred", humanize.Bytes(uint64(summary.BytesTransferred)),
		"duration", summary.Duration.Round(time.Millisecond))

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

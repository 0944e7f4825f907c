// Package runner coordinates a fixed pool of inference workers over one
// shared set of model parameters.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"

	"github.com/SyedDaiam9101/infer-workers/internal/machine"
	"github.com/SyedDaiam9101/infer-workers/internal/metrics"
	"github.com/SyedDaiam9101/infer-workers/internal/middleware"
	"github.com/SyedDaiam9101/infer-workers/internal/sink"
	"github.com/SyedDaiam9101/infer-workers/internal/worker"
)

var tracer = otel.Tracer("github.com/SyedDaiam9101/infer-workers/internal/runner")

// Options fixes the shape of a run.
type Options struct {
	Workers    int
	Iterations int // per worker
	Seed       uint64
	Backend    string
	// InputSize and OutputSize, when non-zero, must match the model.
	InputSize  int
	OutputSize int
}

// Report summarizes a run, complete or not.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Workers   []worker.Stats
}

// Passes is the total number of forward passes across workers.
func (r *Report) Passes() int {
	n := 0
	for _, w := range r.Workers {
		n += w.Passes
	}
	return n
}

// Run creates one parameter-sharing machine per worker from origin, runs
// every worker to completion and joins them. The first worker failure
// cancels the rest. Every machine created here is destroyed exactly once;
// origin stays owned by the caller.
func Run(ctx context.Context, opts Options, origin machine.Sharer, out sink.Sink) (*Report, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", opts.Workers)
	}
	if opts.Iterations < 0 {
		return nil, fmt.Errorf("iterations must not be negative, got %d", opts.Iterations)
	}
	if opts.InputSize > 0 && origin.InputSize() != opts.InputSize {
		return nil, fmt.Errorf("%w: model input is %d, configured %d", machine.ErrShapeMismatch, origin.InputSize(), opts.InputSize)
	}
	if opts.OutputSize > 0 && origin.OutputSize() != opts.OutputSize {
		return nil, fmt.Errorf("%w: model output is %d, configured %d", machine.ErrShapeMismatch, origin.OutputSize(), opts.OutputSize)
	}

	runID := middleware.GetRunID(ctx)
	report := &Report{RunID: runID, StartedAt: time.Now()}

	ctx, span := tracer.Start(ctx, "runner.Run")
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.workers", opts.Workers),
		attribute.Int("run.iterations", opts.Iterations),
	)
	defer span.End()

	// Create every local machine up front so a failure here leaves no
	// worker running.
	locals := make([]machine.Machine, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		m, err := origin.Share()
		if err != nil {
			metrics.RecordFailure("share")
			for _, l := range locals {
				err = multierr.Append(err, l.Destroy())
			}
			err = fmt.Errorf("creating machine for worker %d: %w", i, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		locals = append(locals, m)
	}

	log.Printf("[%s] starting %d workers x %d iterations (%s backend)", runID, opts.Workers, opts.Iterations, opts.Backend)

	var (
		mu    sync.Mutex
		stats = make([]worker.Stats, opts.Workers)
	)
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, m := range locals {
		cfg := worker.Config{ID: i, Iterations: opts.Iterations, Seed: opts.Seed, Backend: opts.Backend}
		p.Go(func(ctx context.Context) error {
			st, err := worker.Run(ctx, cfg, m, out)
			mu.Lock()
			stats[cfg.ID] = st
			mu.Unlock()
			return err
		})
	}
	err := p.Wait()

	report.Workers = stats
	report.Duration = time.Since(report.StartedAt)

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			err = fmt.Errorf("run cancelled: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	span.SetAttributes(attribute.Int("run.passes", report.Passes()))
	log.Printf("[%s] %d passes in %s", runID, report.Passes(), report.Duration.Round(time.Millisecond))
	return report, nil
}

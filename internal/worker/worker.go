// Package worker runs the per-goroutine inference loop.
package worker

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"

	"github.com/SyedDaiam9101/infer-workers/internal/machine"
	"github.com/SyedDaiam9101/infer-workers/internal/metrics"
	"github.com/SyedDaiam9101/infer-workers/internal/sink"
)

var tracer = otel.Tracer("github.com/SyedDaiam9101/infer-workers/internal/worker")

// Config is the fixed shape of one worker's loop.
type Config struct {
	ID         int
	Iterations int
	// Seed and ID together select the worker's input stream.
	Seed uint64
	// Backend labels metrics only.
	Backend string
}

// Stats summarizes a finished worker.
type Stats struct {
	ID       int
	Passes   int
	Duration time.Duration
}

// Run performs cfg.Iterations forward passes on m with fresh uniform
// [0,1) input each time and hands every output to out. It takes ownership
// of m and destroys it exactly once before returning. The first failure
// stops the loop; so does ctx being cancelled.
func Run(ctx context.Context, cfg Config, m machine.Machine, out sink.Sink) (stats Stats, err error) {
	stats.ID = cfg.ID
	start := time.Now()

	ctx, span := tracer.Start(ctx, "worker.Run")
	span.SetAttributes(
		attribute.Int("worker.id", cfg.ID),
		attribute.Int("worker.iterations", cfg.Iterations),
	)

	metrics.WorkerStarted()
	defer func() {
		metrics.WorkerStopped()
		if derr := m.Destroy(); derr != nil {
			metrics.RecordFailure("destroy")
			err = multierr.Append(err, fmt.Errorf("worker %d: destroy: %w", cfg.ID, derr))
		}
		stats.Duration = time.Since(start)
		span.SetAttributes(attribute.Int("worker.passes", stats.Passes))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.ID)))
	input := make([]float32, m.InputSize())
	output := make([]float32, m.OutputSize())

	for iter := 0; iter < cfg.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		for i := range input {
			input[i] = rng.Float32()
		}

		fwdStart := time.Now()
		if err := m.Forward(input, output); err != nil {
			metrics.RecordFailure("forward")
			return stats, fmt.Errorf("worker %d: forward pass %d: %w", cfg.ID, iter, err)
		}
		metrics.RecordForward(cfg.Backend, cfg.ID, time.Since(fwdStart).Seconds())

		if err := out.Write(ctx, sink.Record{WorkerID: cfg.ID, Iteration: iter, Probs: output}); err != nil {
			metrics.RecordFailure("output")
			return stats, fmt.Errorf("worker %d: output %d: %w", cfg.ID, iter, err)
		}
		stats.Passes++
	}

	log.Printf("worker %d: finished %d passes in %s", cfg.ID, stats.Passes, time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// cmd/infer/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"

	"github.com/SyedDaiam9101/infer-workers/internal/cache"
	"github.com/SyedDaiam9101/infer-workers/internal/config"
	"github.com/SyedDaiam9101/infer-workers/internal/history"
	"github.com/SyedDaiam9101/infer-workers/internal/machine"
	"github.com/SyedDaiam9101/infer-workers/internal/middleware"
	"github.com/SyedDaiam9101/infer-workers/internal/onnx"
	"github.com/SyedDaiam9101/infer-workers/internal/runner"
	"github.com/SyedDaiam9101/infer-workers/internal/sink"
	"github.com/SyedDaiam9101/infer-workers/internal/status"
	"github.com/SyedDaiam9101/infer-workers/internal/tracing"
)

const (
	serviceName    = "infer-workers"
	serviceVersion = "1.0.0"
)

func main() {
	fs := pflag.NewFlagSet(serviceName, pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Printf("Run failed: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) (err error) {
	runID := middleware.NewRunID()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = middleware.WithRunID(ctx, runID)

	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	log.Printf("Starting %s run %s", serviceName, runID)
	log.Printf("Configuration: backend=%s, model=%s, workers=%d, iterations=%d, seed=%d, gpu=%v",
		cfg.Backend, cfg.Model, cfg.Workers, cfg.Iterations, cfg.Seed, cfg.UseGPU)
	log.Printf("Host: %s, %d physical / %d logical cores, avx2=%v",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))

	// Initialize OpenTelemetry tracer
	if cfg.OTELEnabled {
		shutdown, terr := tracing.Init(serviceName, serviceVersion, cfg.OTELEndpoint, os.Stderr)
		if terr != nil {
			log.Printf("Warning: Failed to initialize tracer: %v", terr)
		} else {
			log.Printf("OpenTelemetry tracing enabled (endpoint: %s)", cfg.OTELEndpoint)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdown(sctx)
			}()
		}
	}

	statusServer := status.New(status.Options{
		ServiceName: serviceName,
		RunID:       runID,
		HTTPPort:    cfg.MetricsPort,
		GRPCPort:    cfg.GRPCPort,
		Tracing:     cfg.OTELEnabled,
	})
	if err := statusServer.Start(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		statusServer.Shutdown(sctx)
	}()

	origin, err := loadOrigin(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if derr := origin.Destroy(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("destroying shared machine: %w", derr))
		}
	}()

	out := sink.Multi{sink.NewConsole(os.Stdout)}
	if cfg.Redis != "" {
		log.Printf("Connecting to Redis at %s...", cfg.Redis)
		c, cerr := cache.New(ctx, cfg.Redis, runID, cfg.RedisTTL)
		if cerr != nil {
			log.Printf("Warning: %v (continuing without Redis sink)", cerr)
		} else {
			defer c.Close()
			redisSink := sink.NewBestEffort("redis", c)
			defer func() {
				if n := redisSink.Failures(); n > 0 {
					log.Printf("Warning: %d Redis sink writes failed", n)
				}
			}()
			out = append(out, redisSink)
			log.Printf("Redis connected successfully")
		}
	}

	statusServer.SetServing()
	report, runErr := runner.Run(ctx, runner.Options{
		Workers:    cfg.Workers,
		Iterations: cfg.Iterations,
		Seed:       cfg.Seed,
		Backend:    cfg.Backend,
		InputSize:  cfg.InputDim,
		OutputSize: cfg.OutputDim,
	}, origin, out)
	statusServer.SetNotServing()

	if cfg.HistoryDB != "" && report != nil {
		if herr := recordHistory(cfg, report, runErr); herr != nil {
			log.Printf("Warning: failed to record run history: %v", herr)
		}
	}
	return runErr
}

// loadOrigin reads the model blob and builds the machine that owns the
// parameters.
func loadOrigin(ctx context.Context, cfg *config.Config) (machine.Sharer, error) {
	_, span := otel.Tracer(serviceName).Start(ctx, "loadOrigin")
	defer span.End()

	blob, err := os.ReadFile(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}
	log.Printf("Loaded model %s (%s)", cfg.Model, humanize.Bytes(uint64(len(blob))))

	switch cfg.Backend {
	case config.BackendONNX:
		s, err := onnx.New(blob, onnx.Options{
			LibraryPath:    cfg.ONNXLibrary,
			InputName:      cfg.ONNXInput,
			OutputName:     cfg.ONNXOutput,
			InputSize:      cfg.InputDim,
			OutputSize:     cfg.OutputDim,
			UseGPU:         cfg.UseGPU,
			DeviceID:       cfg.GPUDevice,
			IntraOpThreads: cfg.ONNXThreads,
		})
		if err != nil {
			return nil, fmt.Errorf("creating ONNX session: %w", err)
		}
		return s, nil

	default:
		n, err := machine.CreateForInference(blob)
		if err != nil {
			return nil, fmt.Errorf("creating machine: %w", err)
		}
		if cfg.RandomizeParams {
			log.Printf("Warning: using randomized parameters; outputs are meaningless")
			err = n.RandomizeParams(cfg.Seed)
		} else {
			log.Printf("Loading parameters from %s", cfg.ParamsDir)
			err = n.LoadParameters(cfg.ParamsDir)
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("initializing parameters: %w", err), n.Destroy())
		}
		return n, nil
	}
}

func recordHistory(cfg *config.Config, report *runner.Report, runErr error) error {
	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	r := history.Run{
		ID:         report.RunID,
		Backend:    cfg.Backend,
		Model:      cfg.Model,
		Workers:    cfg.Workers,
		Iterations: cfg.Iterations,
		Passes:     report.Passes(),
		StartedAt:  report.StartedAt,
		Duration:   report.Duration,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	for _, w := range report.Workers {
		r.WorkerStats = append(r.WorkerStats, history.WorkerStat{WorkerID: w.ID, Passes: w.Passes, Duration: w.Duration})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Record(ctx, r); err != nil {
		return err
	}
	log.Printf("Recorded run %s in %s", r.ID, cfg.HistoryDB)
	return nil
}

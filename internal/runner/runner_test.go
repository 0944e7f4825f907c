package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/SyedDaiam9101/infer-workers/internal/machine"
	"github.com/SyedDaiam9101/infer-workers/internal/middleware"
	"github.com/SyedDaiam9101/infer-workers/internal/sink"
)

func TestRun_AllWorkersComplete(t *testing.T) {
	origin := machine.NewMock()
	var buf bytes.Buffer

	ctx := middleware.WithRunID(context.Background(), "run-ok")
	report, err := Run(ctx, Options{Workers: 4, Iterations: 50, Seed: 3, InputSize: 784, OutputSize: 10}, origin, sink.NewConsole(&buf))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.RunID != "run-ok" {
		t.Errorf("Expected run ID run-ok, got %s", report.RunID)
	}
	if report.Passes() != 200 {
		t.Errorf("Expected 200 passes, got %d", report.Passes())
	}
	for i, w := range report.Workers {
		if w.ID != i || w.Passes != 50 {
			t.Errorf("worker %d stats = %+v", i, w)
		}
	}

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 200 {
		t.Fatalf("Expected 200 output lines, got %d", len(lines))
	}
	for _, l := range lines {
		if fields := strings.Fields(strings.TrimPrefix(l, "Prob:")); len(fields) != 10 {
			t.Fatalf("Expected 10 values per line, got %q", l)
		}
	}

	children := origin.Children()
	if len(children) != 4 {
		t.Fatalf("Expected 4 shared machines, got %d", len(children))
	}
	for i, c := range children {
		if c.DestroyCount() != 1 {
			t.Errorf("machine %d destroyed %d times, expected 1", i, c.DestroyCount())
		}
	}
	if origin.DestroyCount() != 0 {
		t.Error("Run must not destroy the origin")
	}
}

func TestRun_ForwardFailureCancelsRun(t *testing.T) {
	origin := machine.NewMock()
	origin.SetError("device lost", 10)

	report, err := Run(context.Background(), Options{Workers: 4, Iterations: 1000}, origin, sink.NewConsole(&bytes.Buffer{}))
	if err == nil || !strings.Contains(err.Error(), "device lost") {
		t.Fatalf("Expected device lost error, got %v", err)
	}
	if report.Passes() >= 4000 {
		t.Errorf("Expected run to stop early, got %d passes", report.Passes())
	}
	for i, c := range origin.Children() {
		if c.DestroyCount() != 1 {
			t.Errorf("machine %d destroyed %d times, expected 1", i, c.DestroyCount())
		}
	}
}

func TestRun_ShareFailureDestroysCreated(t *testing.T) {
	origin := &failingSharer{MockMachine: machine.NewMock(), failAt: 3}

	_, err := Run(context.Background(), Options{Workers: 4, Iterations: 1}, origin, sink.NewConsole(&bytes.Buffer{}))
	if err == nil {
		t.Fatal("Expected share error")
	}
	if len(origin.created) != 2 {
		t.Fatalf("Expected 2 machines before failure, got %d", len(origin.created))
	}
	for i, m := range origin.created {
		if m.DestroyCount() != 1 {
			t.Errorf("machine %d destroyed %d times, expected 1", i, m.DestroyCount())
		}
		if m.CallCount() != 0 {
			t.Errorf("machine %d ran %d passes, expected none", i, m.CallCount())
		}
	}
}

// failingSharer fails its failAt-th Share call.
type failingSharer struct {
	*machine.MockMachine
	failAt  int
	calls   int
	created []*machine.MockMachine
}

func (f *failingSharer) Share() (machine.Machine, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, errors.New("out of device memory")
	}
	m, err := f.MockMachine.Share()
	if err != nil {
		return nil, err
	}
	f.created = append(f.created, m.(*machine.MockMachine))
	return m, nil
}

func TestRun_Cancelled(t *testing.T) {
	origin := machine.NewMock()
	ctx, cancel := context.WithCancel(context.Background())

	blocking := sink.Func(func(ctx context.Context, rec sink.Record) error {
		if rec.Iteration == 5 {
			cancel()
		}
		return nil
	})

	_, err := Run(ctx, Options{Workers: 2, Iterations: 100000}, origin, blocking)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	for i, c := range origin.Children() {
		if c.DestroyCount() != 1 {
			t.Errorf("machine %d destroyed %d times, expected 1", i, c.DestroyCount())
		}
	}
}

func TestRun_ShapeCheck(t *testing.T) {
	origin := machine.NewMock()
	_, err := Run(context.Background(), Options{Workers: 1, Iterations: 1, OutputSize: 12}, origin, sink.NewConsole(&bytes.Buffer{}))
	if !errors.Is(err, machine.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
	if len(origin.Children()) != 0 {
		t.Error("Expected no machines to be created")
	}
}

func TestRun_InvalidWorkers(t *testing.T) {
	if _, err := Run(context.Background(), Options{Workers: 0}, machine.NewMock(), sink.NewConsole(&bytes.Buffer{})); err == nil {
		t.Error("Expected error for zero workers")
	}
}

func TestRun_NativeNetwork(t *testing.T) {
	blob, err := machine.EncodeConfig(&machine.ModelConfig{
		InputSize: 784,
		Layers: []machine.LayerConfig{
			{Name: "hidden", Size: 32, Activation: machine.ActivationSigmoid},
			{Name: "output", Size: 10, Activation: machine.ActivationSoftmax},
		},
	})
	if err != nil {
		t.Fatalf("EncodeConfig failed: %v", err)
	}
	origin, err := machine.CreateForInference(blob)
	if err != nil {
		t.Fatalf("CreateForInference failed: %v", err)
	}
	defer origin.Destroy()
	if err := origin.RandomizeParams(1); err != nil {
		t.Fatalf("RandomizeParams failed: %v", err)
	}

	var buf bytes.Buffer
	report, err := Run(context.Background(), Options{Workers: 4, Iterations: 20, InputSize: 784, OutputSize: 10}, origin, sink.NewConsole(&buf))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Passes() != 80 {
		t.Errorf("Expected 80 passes, got %d", report.Passes())
	}
	if n := strings.Count(buf.String(), "\n"); n != 80 {
		t.Errorf("Expected 80 lines, got %d", n)
	}
}

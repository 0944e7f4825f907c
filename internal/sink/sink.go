// Package sink delivers per-pass inference results to their consumers.
package sink

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/SyedDaiam9101/infer-workers/internal/metrics"
)

// Record is the result of one forward pass.
type Record struct {
	WorkerID  int
	Iteration int
	Probs     []float32
}

// Sink consumes records. Implementations must be safe for concurrent use;
// Probs is only valid for the duration of the call.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// FormatProbs renders probs as one output line: "Prob: " then each value
// with two decimals, space separated, newline terminated.
func FormatProbs(probs []float32) []byte {
	b := make([]byte, 0, 6+len(probs)*6)
	b = append(b, "Prob:"...)
	for _, p := range probs {
		b = append(b, ' ')
		b = strconv.AppendFloat(b, float64(p), 'f', 2, 32)
	}
	return append(b, '\n')
}

// Console writes one line per record. The lock is held only while the
// finished line is written, so lines from different workers never
// interleave.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Write(_ context.Context, rec Record) error {
	line := FormatProbs(rec.Probs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// Multi fans a record out to every sink and combines their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rec Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, rec))
	}
	return err
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, rec Record) error

func (f Func) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

// BestEffort wraps an optional sink. Its failures are counted and logged
// but never returned, so an unreachable side store cannot stop a run.
type BestEffort struct {
	name     string
	sink     Sink
	failures atomic.Int64
}

func NewBestEffort(name string, s Sink) *BestEffort {
	return &BestEffort{name: name, sink: s}
}

func (b *BestEffort) Write(ctx context.Context, rec Record) error {
	err := b.sink.Write(ctx, rec)
	if err == nil {
		return nil
	}
	n := b.failures.Add(1)
	metrics.RecordFailure("sink_" + b.name)
	// first failure, then every thousandth
	if n == 1 || n%1000 == 0 {
		log.Printf("Warning: %s sink write failed (%d failures so far): %v", b.name, n, err)
	}
	return nil
}

// Failures returns how many writes the wrapped sink has rejected.
func (b *BestEffort) Failures() int64 { return b.failures.Load() }

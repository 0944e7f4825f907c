package sink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestFormatProbs(t *testing.T) {
	got := string(FormatProbs([]float32{0.1, 0.256, 1, 0}))
	want := "Prob: 0.10 0.26 1.00 0.00\n"
	if got != want {
		t.Errorf("FormatProbs = %q, expected %q", got, want)
	}
}

func TestConsole_LinesNeverInterleave(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	const workers, perWorker, width = 8, 250, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			// every value in this worker's lines is its id
			probs := make([]float32, width)
			for i := range probs {
				probs[i] = float32(id)
			}
			for i := 0; i < perWorker; i++ {
				if err := c.Write(context.Background(), Record{WorkerID: id, Iteration: i, Probs: probs}); err != nil {
					t.Errorf("Write failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	lines := strings.SplitAfter(buf.String(), "\n")
	lines = lines[:len(lines)-1] // trailing empty element
	if len(lines) != workers*perWorker {
		t.Fatalf("Expected %d lines, got %d", workers*perWorker, len(lines))
	}

	perID := make(map[string]int)
	for i, l := range lines {
		fields := strings.Fields(l)
		if len(fields) != width+1 || fields[0] != "Prob:" {
			t.Fatalf("line %d = %q, expected \"Prob:\" and %d values", i, l, width)
		}
		for _, f := range fields[2:] {
			if f != fields[1] {
				t.Fatalf("line %d = %q mixes values from different workers", i, l)
			}
		}
		perID[fields[1]]++
	}
	if len(perID) != workers {
		t.Errorf("Expected lines from %d workers, got %d", workers, len(perID))
	}
	for id, n := range perID {
		if n != perWorker {
			t.Errorf("worker %s wrote %d lines, expected %d", id, n, perWorker)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestConsole_WriteError(t *testing.T) {
	c := NewConsole(failingWriter{})
	if err := c.Write(context.Background(), Record{Probs: []float32{1}}); err == nil {
		t.Error("Expected error from failing writer")
	}
}

func TestMulti_CombinesErrors(t *testing.T) {
	var calls int
	ok := Func(func(context.Context, Record) error { calls++; return nil })
	bad := Func(func(context.Context, Record) error { calls++; return errors.New("redis down") })

	err := Multi{ok, bad, ok}.Write(context.Background(), Record{})
	if err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Errorf("Expected combined error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected every sink to be called, got %d calls", calls)
	}
}

func TestBestEffort_SwallowsErrors(t *testing.T) {
	var calls int
	bad := Func(func(context.Context, Record) error { calls++; return errors.New("redis down") })
	be := NewBestEffort("redis", bad)

	for i := 0; i < 3; i++ {
		if err := be.Write(context.Background(), Record{Iteration: i}); err != nil {
			t.Fatalf("Expected best-effort write to succeed, got %v", err)
		}
	}
	if calls != 3 {
		t.Errorf("Expected inner sink to be called 3 times, got %d", calls)
	}
	if be.Failures() != 3 {
		t.Errorf("Expected 3 failures, got %d", be.Failures())
	}
}

func TestBestEffort_KeepsRunWithConsole(t *testing.T) {
	var buf bytes.Buffer
	bad := Func(func(context.Context, Record) error { return errors.New("redis down") })
	out := Multi{NewConsole(&buf), NewBestEffort("redis", bad)}

	if err := out.Write(context.Background(), Record{Probs: []float32{0.5}}); err != nil {
		t.Fatalf("Expected no error when only the optional sink fails, got %v", err)
	}
	if buf.String() != "Prob: 0.50\n" {
		t.Errorf("Console got %q", buf.String())
	}
}

// internal/machine/mock.go
package machine

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MockMachine is a Sharer for tests. It writes DefaultOutput on every
// Forward and counts calls so tests can check that every machine was
// destroyed exactly once.
type MockMachine struct {
	// In is the expected input dimensionality
	In int
	// DefaultOutput is copied to out on every successful Forward
	DefaultOutput []float32

	mu           sync.Mutex
	errorMessage string
	failAt       int64
	shareErr     string
	children     []*MockMachine

	calls    atomic.Int64
	destroys atomic.Int64
}

// NewMock creates a MockMachine with 784 inputs and a uniform 10-way output
func NewMock() *MockMachine {
	out := make([]float32, 10)
	for i := range out {
		out[i] = 0.1
	}
	return NewMockWithOutput(784, out)
}

// NewMockWithOutput creates a MockMachine with a custom output
func NewMockWithOutput(in int, output []float32) *MockMachine {
	return &MockMachine{In: in, DefaultOutput: output}
}

func (m *MockMachine) InputSize() int  { return m.In }
func (m *MockMachine) OutputSize() int { return len(m.DefaultOutput) }

// Forward validates buffer sizes and copies DefaultOutput to out.
func (m *MockMachine) Forward(in, out []float32) error {
	call := m.calls.Add(1)

	if m.destroys.Load() > 0 {
		return ErrDestroyed
	}

	m.mu.Lock()
	msg, failAt := m.errorMessage, m.failAt
	m.mu.Unlock()
	if msg != "" && (failAt == 0 || call >= failAt) {
		return fmt.Errorf("%s", msg)
	}

	if len(in) != m.In {
		return fmt.Errorf("%w: input has %d values, expected %d", ErrShapeMismatch, len(in), m.In)
	}
	if len(out) != len(m.DefaultOutput) {
		return fmt.Errorf("%w: output has %d values, expected %d", ErrShapeMismatch, len(out), len(m.DefaultOutput))
	}
	copy(out, m.DefaultOutput)
	return nil
}

// Share returns a child mock that inherits the configured errors.
func (m *MockMachine) Share() (Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroys.Load() > 0 {
		return nil, ErrDestroyed
	}
	if m.shareErr != "" {
		return nil, fmt.Errorf("%s", m.shareErr)
	}
	child := &MockMachine{
		In:            m.In,
		DefaultOutput: m.DefaultOutput,
		errorMessage:  m.errorMessage,
		failAt:        m.failAt,
	}
	m.children = append(m.children, child)
	return child, nil
}

// Destroy counts the call. A second call returns ErrDestroyed.
func (m *MockMachine) Destroy() error {
	if m.destroys.Add(1) > 1 {
		return ErrDestroyed
	}
	return nil
}

// SetError configures Forward to fail with msg from the failAt-th call on.
// failAt 0 fails every call.
func (m *MockMachine) SetError(msg string, failAt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMessage = msg
	m.failAt = int64(failAt)
}

// SetShareError configures Share to fail with msg.
func (m *MockMachine) SetShareError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shareErr = msg
}

// ClearError clears any configured error
func (m *MockMachine) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMessage = ""
	m.failAt = 0
	m.shareErr = ""
}

// CallCount is the number of Forward calls made on this machine.
func (m *MockMachine) CallCount() int { return int(m.calls.Load()) }

// DestroyCount is the number of Destroy calls made on this machine.
func (m *MockMachine) DestroyCount() int { return int(m.destroys.Load()) }

// Children returns the machines created by Share, in creation order.
func (m *MockMachine) Children() []*MockMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockMachine(nil), m.children...)
}

// Ensure MockMachine implements Sharer at compile time
var _ Sharer = (*MockMachine)(nil)

// internal/onnx/session.go
package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"github.com/SyedDaiam9101/infer-workers/internal/machine"
)

// Options configures how the ONNX runtime session is built.
type Options struct {
	// LibraryPath is the onnxruntime shared library; empty uses the default.
	LibraryPath string
	// InputName and OutputName are the graph's tensor names.
	InputName  string
	OutputName string
	// InputSize and OutputSize are the per-sample tensor widths.
	InputSize  int
	OutputSize int
	// UseGPU appends the CUDA execution provider on DeviceID.
	UseGPU   bool
	DeviceID int
	// IntraOpThreads bounds the runtime's own thread pool; 0 keeps its default.
	IntraOpThreads int
}

var (
	envMu   sync.Mutex
	envRefs int
)

// initEnvironment initializes the ONNX runtime once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// Session owns the runtime session (the model's parameters) and is the
// origin machine for the ONNX backend. Sharers run the same session with
// their own tensors.
type Session struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	opts      Options
	refs      int
	destroyed bool
	local     *localMachine
}

// New creates a Session from the bytes of an .onnx model.
func New(blob []byte, opts Options) (*Session, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty model blob", machine.ErrInvalidConfig)
	}
	if opts.InputSize <= 0 || opts.OutputSize <= 0 {
		return nil, fmt.Errorf("%w: input and output sizes must be positive", machine.ErrInvalidConfig)
	}

	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}

	options, err := newSessionOptions(opts)
	if err != nil {
		return nil, multierr.Append(err, releaseEnvironment())
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		blob,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		options,
	)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create ONNX session: %w", err), releaseEnvironment())
	}

	s := &Session{session: session, opts: opts, refs: 1}
	local, err := s.newLocal()
	if err != nil {
		return nil, multierr.Append(err, s.release())
	}
	s.local = local
	return s, nil
}

func newSessionOptions(opts Options) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if opts.UseGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": fmt.Sprint(opts.DeviceID)}); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to configure CUDA provider: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
		}
	}
	return options, nil
}

func (s *Session) InputSize() int  { return s.opts.InputSize }
func (s *Session) OutputSize() int { return s.opts.OutputSize }

// Forward runs the session with the origin's own tensors.
func (s *Session) Forward(in, out []float32) error {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil {
		return machine.ErrDestroyed
	}
	return local.Forward(in, out)
}

// Share returns a machine with its own input and output tensors bound to
// the same session.
func (s *Session) Share() (machine.Machine, error) {
	s.mu.Lock()
	if s.destroyed || s.refs == 0 {
		s.mu.Unlock()
		return nil, machine.ErrDestroyed
	}
	s.refs++
	s.mu.Unlock()

	local, err := s.newLocal()
	if err != nil {
		return nil, multierr.Append(err, s.release())
	}
	return local, nil
}

// Destroy releases the origin's tensors. The session itself is freed once
// every sharer has been destroyed too.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return machine.ErrDestroyed
	}
	s.destroyed = true
	local := s.local
	s.local = nil
	s.mu.Unlock()

	return local.Destroy()
}

// release drops one reference and tears the session down with the last.
func (s *Session) release() error {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	session := s.session
	if last {
		s.session = nil
	}
	s.mu.Unlock()

	if !last {
		return nil
	}
	var err error
	if session != nil {
		if derr := session.Destroy(); derr != nil {
			err = fmt.Errorf("failed to destroy session: %w", derr)
		}
	}
	return multierr.Append(err, releaseEnvironment())
}

func (s *Session) newLocal() (*localMachine, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(s.opts.InputSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(s.opts.OutputSize)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	return &localMachine{owner: s, input: input, output: output}, nil
}

// localMachine is one worker's view of a Session.
type localMachine struct {
	owner     *Session
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	destroyed bool
}

func (l *localMachine) InputSize() int  { return l.owner.opts.InputSize }
func (l *localMachine) OutputSize() int { return l.owner.opts.OutputSize }

func (l *localMachine) Forward(in, out []float32) error {
	if l.destroyed {
		return machine.ErrDestroyed
	}
	if len(in) != l.InputSize() {
		return fmt.Errorf("%w: input has %d values, expected %d", machine.ErrShapeMismatch, len(in), l.InputSize())
	}
	if len(out) != l.OutputSize() {
		return fmt.Errorf("%w: output has %d values, expected %d", machine.ErrShapeMismatch, len(out), l.OutputSize())
	}

	l.owner.mu.Lock()
	session := l.owner.session
	l.owner.mu.Unlock()
	if session == nil {
		return machine.ErrDestroyed
	}

	copy(l.input.GetData(), in)
	err := session.Run(
		[]ort.ArbitraryTensor{l.input},
		[]ort.ArbitraryTensor{l.output},
	)
	if err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	copy(out, l.output.GetData())
	return nil
}

func (l *localMachine) Destroy() error {
	if l.destroyed {
		return machine.ErrDestroyed
	}
	l.destroyed = true
	err := multierr.Combine(l.input.Destroy(), l.output.Destroy())
	return multierr.Append(err, l.owner.release())
}

// Ensure Session implements Sharer at compile time
var _ machine.Sharer = (*Session)(nil)

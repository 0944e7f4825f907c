// internal/machine/network.go
package machine

import (
	"fmt"
	"sync"
)

// Network is the native fully-connected implementation of Machine.
// Parameters live in a refcounted paramSet; the per-layer activation
// buffers belong to the Network alone.
type Network struct {
	mu        sync.Mutex
	cfg       *ModelConfig
	params    *paramSet
	scratch   [][]float32
	destroyed bool
}

// CreateForInference builds a machine that owns a fresh parameter set
// from a serialized model blob. Parameters start uninitialized; call
// LoadParameters or RandomizeParams before Forward.
func CreateForInference(blob []byte) (*Network, error) {
	cfg, err := ParseConfig(blob)
	if err != nil {
		return nil, err
	}
	return newNetwork(cfg, newParamSet(cfg)), nil
}

// CreateSharedParam builds a machine from blob that reuses origin's
// parameters. The blob must describe the same topology as origin.
func CreateSharedParam(origin *Network, blob []byte) (*Network, error) {
	if origin == nil {
		return nil, fmt.Errorf("%w: origin is nil", ErrInvalidConfig)
	}
	cfg, err := ParseConfig(blob)
	if err != nil {
		return nil, err
	}

	origin.mu.Lock()
	defer origin.mu.Unlock()
	if origin.destroyed {
		return nil, ErrDestroyed
	}
	if !cfg.sameTopology(origin.cfg) {
		return nil, fmt.Errorf("%w: blob topology differs from origin", ErrInvalidConfig)
	}
	if err := origin.params.acquire(); err != nil {
		return nil, err
	}
	return newNetwork(cfg, origin.params), nil
}

func newNetwork(cfg *ModelConfig, params *paramSet) *Network {
	scratch := make([][]float32, len(cfg.Layers))
	for i, l := range cfg.Layers {
		scratch[i] = make([]float32, l.Size)
	}
	return &Network{cfg: cfg, params: params, scratch: scratch}
}

// Share implements Sharer using the receiver's own topology.
func (n *Network) Share() (Machine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed {
		return nil, ErrDestroyed
	}
	if err := n.params.acquire(); err != nil {
		return nil, err
	}
	return newNetwork(n.cfg, n.params), nil
}

// Config returns the topology the machine was built from.
func (n *Network) Config() *ModelConfig { return n.cfg }

func (n *Network) InputSize() int  { return n.cfg.InputSize }
func (n *Network) OutputSize() int { return n.cfg.OutputSize() }

// RandomizeParams fills the shared parameters with N(0, 1/fan_in) weights
// and zero biases. Every machine sharing the parameters sees the change.
func (n *Network) RandomizeParams(seed uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed {
		return ErrDestroyed
	}
	n.params.randomize(n.cfg, seed)
	return nil
}

// LoadParameters reads one file per weight and bias from dir.
func (n *Network) LoadParameters(dir string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed {
		return ErrDestroyed
	}
	return n.params.load(n.cfg, dir)
}

// SaveParameters writes the parameters to dir in the format LoadParameters
// reads.
func (n *Network) SaveParameters(dir string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed {
		return ErrDestroyed
	}
	return n.params.save(n.cfg, dir)
}

// Forward runs one inference pass. No gradients are kept.
func (n *Network) Forward(in, out []float32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.destroyed {
		return ErrDestroyed
	}
	if len(in) != n.cfg.InputSize {
		return fmt.Errorf("%w: input has %d values, expected %d", ErrShapeMismatch, len(in), n.cfg.InputSize)
	}
	if len(out) != n.cfg.OutputSize() {
		return fmt.Errorf("%w: output has %d values, expected %d", ErrShapeMismatch, len(out), n.cfg.OutputSize())
	}

	n.params.mu.RLock()
	defer n.params.mu.RUnlock()
	if !n.params.initialized {
		return ErrNoParameters
	}

	x := in
	for i, l := range n.cfg.Layers {
		p := n.params.layers[i]
		y := n.scratch[i]
		copy(y, p.b)
		for j, xj := range x {
			if xj == 0 {
				continue
			}
			row := p.w[j*l.Size : (j+1)*l.Size]
			for k, wk := range row {
				y[k] += xj * wk
			}
		}
		activations[l.Activation](y)
		x = y
	}
	copy(out, x)
	return nil
}

// Destroy releases the machine's working state and its reference to the
// shared parameters.
func (n *Network) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.destroyed {
		return ErrDestroyed
	}
	n.destroyed = true
	n.scratch = nil
	n.params.release()
	return nil
}

// Ensure Network implements Sharer at compile time
var _ Sharer = (*Network)(nil)

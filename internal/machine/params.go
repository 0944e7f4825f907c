// internal/machine/params.go
package machine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
)

// Parameter file header: int32 format version, uint32 bytes per value,
// uint64 value count. Values follow as little-endian float32.
const (
	paramFormatVersion = 0
	paramValueSize     = 4
)

type paramHeader struct {
	Version   int32
	ValueSize uint32
	Count     uint64
}

// layerParams holds the weights of one fully-connected layer. w is laid out
// [in][out] so row j holds the fan-out of input j.
type layerParams struct {
	w []float32
	b []float32
}

// paramSet is the parameter storage shared by a machine and its sharers.
// mu is held for reading during Forward and for writing while new values are
// installed, so a reload never races an in-flight pass.
type paramSet struct {
	mu          sync.RWMutex
	layers      []layerParams
	initialized bool

	refMu sync.Mutex
	refs  int
}

func newParamSet(cfg *ModelConfig) *paramSet {
	p := &paramSet{
		layers: make([]layerParams, len(cfg.Layers)),
		refs:   1,
	}
	in := cfg.InputSize
	for i, l := range cfg.Layers {
		p.layers[i] = layerParams{
			w: make([]float32, in*l.Size),
			b: make([]float32, l.Size),
		}
		in = l.Size
	}
	return p
}

// acquire adds a reference. It fails once the set has been released.
func (p *paramSet) acquire() error {
	p.refMu.Lock()
	defer p.refMu.Unlock()
	if p.refs == 0 {
		return ErrDestroyed
	}
	p.refs++
	return nil
}

// release drops a reference and frees the weights with the last one.
func (p *paramSet) release() {
	p.refMu.Lock()
	p.refs--
	last := p.refs == 0
	p.refMu.Unlock()

	if last {
		p.mu.Lock()
		p.layers = nil
		p.initialized = false
		p.mu.Unlock()
	}
}

// WeightName is the parameter file name holding a layer's weight matrix.
func WeightName(layer string) string { return "_" + layer + ".w0" }

// BiasName is the parameter file name holding a layer's bias vector.
func BiasName(layer string) string { return "_" + layer + ".wbias" }

func (p *paramSet) randomize(cfg *ModelConfig, seed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rng := rand.New(rand.NewPCG(seed, uint64(len(cfg.Layers))))
	in := cfg.InputSize
	for i, l := range cfg.Layers {
		std := 1 / math.Sqrt(float64(in))
		for j := range p.layers[i].w {
			p.layers[i].w[j] = float32(rng.NormFloat64() * std)
		}
		clear(p.layers[i].b)
		in = l.Size
	}
	p.initialized = true
}

// load reads every parameter file into fresh buffers and installs them only
// when all of them are valid. A failed load leaves the current values alone.
func (p *paramSet) load(cfg *ModelConfig, dir string) error {
	layers := make([]layerParams, len(cfg.Layers))
	in := cfg.InputSize
	for i, l := range cfg.Layers {
		layers[i] = layerParams{
			w: make([]float32, in*l.Size),
			b: make([]float32, l.Size),
		}
		if err := readParamFile(filepath.Join(dir, WeightName(l.Name)), layers[i].w); err != nil {
			return err
		}
		if err := readParamFile(filepath.Join(dir, BiasName(l.Name)), layers[i].b); err != nil {
			return err
		}
		in = l.Size
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.layers == nil {
		return ErrDestroyed
	}
	p.layers = layers
	p.initialized = true
	return nil
}

func (p *paramSet) save(cfg *ModelConfig, dir string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return ErrNoParameters
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parameter dir: %w", err)
	}
	for i, l := range cfg.Layers {
		if err := writeParamFile(filepath.Join(dir, WeightName(l.Name)), p.layers[i].w); err != nil {
			return err
		}
		if err := writeParamFile(filepath.Join(dir, BiasName(l.Name)), p.layers[i].b); err != nil {
			return err
		}
	}
	return nil
}

// readParamFile fills dst from a parameter file. The stored count must
// match len(dst) exactly.
func readParamFile(path string, dst []float32) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParameters, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var h paramHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("%w: %s: reading header: %v", ErrParameters, path, err)
	}
	if h.Version != paramFormatVersion {
		return fmt.Errorf("%w: %s: unsupported version %d", ErrParameters, path, h.Version)
	}
	if h.ValueSize != paramValueSize {
		return fmt.Errorf("%w: %s: value size %d, expected %d", ErrParameters, path, h.ValueSize, paramValueSize)
	}
	if h.Count != uint64(len(dst)) {
		return fmt.Errorf("%w: %s: has %d values, expected %d", ErrParameters, path, h.Count, len(dst))
	}
	if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s: truncated", ErrParameters, path)
		}
		return fmt.Errorf("%w: %s: %v", ErrParameters, path, err)
	}
	return nil
}

func writeParamFile(path string, src []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parameter file: %w", err)
	}

	w := bufio.NewWriter(f)
	h := paramHeader{Version: paramFormatVersion, ValueSize: paramValueSize, Count: uint64(len(src))}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := binary.Write(w, binary.LittleEndian, src); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

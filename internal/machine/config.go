// internal/machine/config.go
package machine

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Activation names accepted in a layer config.
const (
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationSigmoid = "sigmoid"
	ActivationTanh    = "tanh"
	ActivationSoftmax = "softmax"
)

// Field numbers of the serialized model config.
//
//	message ModelConfig { uint32 input_size = 1; repeated LayerConfig layer = 2; }
//	message LayerConfig { string name = 1; uint32 size = 2; string activation = 3; }
const (
	fieldInputSize = protowire.Number(1)
	fieldLayer     = protowire.Number(2)

	fieldLayerName       = protowire.Number(1)
	fieldLayerSize       = protowire.Number(2)
	fieldLayerActivation = protowire.Number(3)
)

// MaxParamElements bounds the size of any single weight matrix. It keeps a
// hostile or corrupt blob from driving an allocation the runtime cannot
// survive.
const MaxParamElements = 1 << 28

// LayerConfig describes one fully-connected layer.
type LayerConfig struct {
	Name       string `yaml:"name"`
	Size       int    `yaml:"size"`
	Activation string `yaml:"activation"`
}

// ModelConfig is the topology carried by a serialized model blob.
type ModelConfig struct {
	InputSize int           `yaml:"input_size"`
	Layers    []LayerConfig `yaml:"layers"`
}

// OutputSize returns the size of the last layer.
func (c *ModelConfig) OutputSize() int {
	if len(c.Layers) == 0 {
		return 0
	}
	return c.Layers[len(c.Layers)-1].Size
}

// Validate checks that the config describes a usable network.
func (c *ModelConfig) Validate() error {
	if c.InputSize <= 0 {
		return fmt.Errorf("%w: input size must be positive, got %d", ErrInvalidConfig, c.InputSize)
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidConfig)
	}
	if c.InputSize > MaxParamElements {
		return fmt.Errorf("%w: input size %d exceeds %d", ErrInvalidConfig, c.InputSize, MaxParamElements)
	}
	seen := make(map[string]bool, len(c.Layers))
	in := c.InputSize
	for i, l := range c.Layers {
		if l.Name == "" {
			return fmt.Errorf("%w: layer %d has no name", ErrInvalidConfig, i)
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate layer name %q", ErrInvalidConfig, l.Name)
		}
		seen[l.Name] = true
		if l.Size <= 0 {
			return fmt.Errorf("%w: layer %q size must be positive, got %d", ErrInvalidConfig, l.Name, l.Size)
		}
		// both factors are already bounded, so the product fits in int64
		if l.Size > MaxParamElements || int64(in)*int64(l.Size) > MaxParamElements {
			return fmt.Errorf("%w: layer %q has %d x %d weights, limit is %d", ErrInvalidConfig, l.Name, in, l.Size, MaxParamElements)
		}
		in = l.Size
		if _, ok := activations[l.Activation]; !ok {
			return fmt.Errorf("%w: layer %q has unknown activation %q", ErrInvalidConfig, l.Name, l.Activation)
		}
	}
	return nil
}

// sameTopology reports whether two configs describe identical networks.
func (c *ModelConfig) sameTopology(o *ModelConfig) bool {
	if c.InputSize != o.InputSize || len(c.Layers) != len(o.Layers) {
		return false
	}
	for i := range c.Layers {
		if c.Layers[i] != o.Layers[i] {
			return false
		}
	}
	return true
}

// ParseConfig decodes a serialized model blob. Unknown fields are skipped.
func ParseConfig(blob []byte) (*ModelConfig, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrInvalidConfig)
	}

	cfg := &ModelConfig{}
	b := blob
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldInputSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: input_size: %v", ErrInvalidConfig, protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: input_size %d out of range", ErrInvalidConfig, v)
			}
			cfg.InputSize = int(v)
			b = b[n:]
		case num == fieldLayer && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: layer: %v", ErrInvalidConfig, protowire.ParseError(n))
			}
			layer, err := parseLayer(raw)
			if err != nil {
				return nil, err
			}
			cfg.Layers = append(cfg.Layers, layer)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrInvalidConfig, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLayer(b []byte) (LayerConfig, error) {
	var l LayerConfig
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return l, fmt.Errorf("%w: layer tag: %v", ErrInvalidConfig, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldLayerName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return l, fmt.Errorf("%w: layer name: %v", ErrInvalidConfig, protowire.ParseError(n))
			}
			l.Name = v
			b = b[n:]
		case num == fieldLayerSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return l, fmt.Errorf("%w: layer size: %v", ErrInvalidConfig, protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return l, fmt.Errorf("%w: layer size %d out of range", ErrInvalidConfig, v)
			}
			l.Size = int(v)
			b = b[n:]
		case num == fieldLayerActivation && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return l, fmt.Errorf("%w: layer activation: %v", ErrInvalidConfig, protowire.ParseError(n))
			}
			l.Activation = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return l, fmt.Errorf("%w: layer field %d: %v", ErrInvalidConfig, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if l.Activation == "" {
		l.Activation = ActivationLinear
	}
	return l, nil
}

// EncodeConfig serializes cfg into the blob format read by ParseConfig.
func EncodeConfig(cfg *ModelConfig) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, fieldInputSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cfg.InputSize))
	for _, l := range cfg.Layers {
		var lb []byte
		lb = protowire.AppendTag(lb, fieldLayerName, protowire.BytesType)
		lb = protowire.AppendString(lb, l.Name)
		lb = protowire.AppendTag(lb, fieldLayerSize, protowire.VarintType)
		lb = protowire.AppendVarint(lb, uint64(l.Size))
		lb = protowire.AppendTag(lb, fieldLayerActivation, protowire.BytesType)
		lb = protowire.AppendString(lb, l.Activation)

		b = protowire.AppendTag(b, fieldLayer, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	return b, nil
}

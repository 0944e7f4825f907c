// internal/machine/config_test.go
package machine

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func testConfig() *ModelConfig {
	return &ModelConfig{
		InputSize: 4,
		Layers: []LayerConfig{
			{Name: "fc1", Size: 3, Activation: ActivationReLU},
			{Name: "out", Size: 2, Activation: ActivationSoftmax},
		},
	}
}

func testBlob(t *testing.T) []byte {
	t.Helper()
	blob, err := EncodeConfig(testConfig())
	if err != nil {
		t.Fatalf("EncodeConfig failed: %v", err)
	}
	return blob
}

func TestParseConfig_EncodedBlob(t *testing.T) {
	cfg, err := ParseConfig(testBlob(t))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if !cfg.sameTopology(testConfig()) {
		t.Errorf("Parsed config %+v differs from %+v", cfg, testConfig())
	}
	if cfg.OutputSize() != 2 {
		t.Errorf("Expected output size 2, got %d", cfg.OutputSize())
	}
}

func TestParseConfig_SkipsUnknownFields(t *testing.T) {
	blob := testBlob(t)
	blob = protowire.AppendTag(blob, 15, protowire.BytesType)
	blob = protowire.AppendString(blob, "trainer settings")
	blob = protowire.AppendTag(blob, 16, protowire.VarintType)
	blob = protowire.AppendVarint(blob, 42)

	cfg, err := ParseConfig(blob)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if len(cfg.Layers) != 2 {
		t.Errorf("Expected 2 layers, got %d", len(cfg.Layers))
	}
}

func TestParseConfig_DefaultActivationIsLinear(t *testing.T) {
	var layer []byte
	layer = protowire.AppendTag(layer, fieldLayerName, protowire.BytesType)
	layer = protowire.AppendString(layer, "fc")
	layer = protowire.AppendTag(layer, fieldLayerSize, protowire.VarintType)
	layer = protowire.AppendVarint(layer, 5)

	var blob []byte
	blob = protowire.AppendTag(blob, fieldInputSize, protowire.VarintType)
	blob = protowire.AppendVarint(blob, 3)
	blob = protowire.AppendTag(blob, fieldLayer, protowire.BytesType)
	blob = protowire.AppendBytes(blob, layer)

	cfg, err := ParseConfig(blob)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if cfg.Layers[0].Activation != ActivationLinear {
		t.Errorf("Expected linear activation, got %q", cfg.Layers[0].Activation)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	blob := testBlob(t)

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": blob[:len(blob)-3],
		"garbage":   {0xff, 0xff, 0xff},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(b)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestModelConfig_Validate(t *testing.T) {
	cfg := testConfig()
	cfg.Layers[1].Activation = "gelu"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for unknown activation, got %v", err)
	}

	cfg = testConfig()
	cfg.Layers[1].Name = "fc1"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for duplicate names, got %v", err)
	}

	cfg = testConfig()
	cfg.InputSize = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for zero input, got %v", err)
	}

	cfg = testConfig()
	cfg.InputSize = MaxParamElements + 1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for oversized input, got %v", err)
	}

	// each size is in range on its own but the weight matrix is not
	cfg = testConfig()
	cfg.InputSize = 1 << 15
	cfg.Layers[0].Size = 1 << 15
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for oversized weight matrix, got %v", err)
	}

	if _, err := EncodeConfig(&ModelConfig{InputSize: 4}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected EncodeConfig to reject a config without layers, got %v", err)
	}
}

func TestCreateForInference_RejectsHugeSizes(t *testing.T) {
	layer := func(size uint64) []byte {
		var lb []byte
		lb = protowire.AppendTag(lb, fieldLayerName, protowire.BytesType)
		lb = protowire.AppendString(lb, "fc")
		lb = protowire.AppendTag(lb, fieldLayerSize, protowire.VarintType)
		return protowire.AppendVarint(lb, size)
	}
	blob := func(input, size uint64) []byte {
		var b []byte
		b = protowire.AppendTag(b, fieldInputSize, protowire.VarintType)
		b = protowire.AppendVarint(b, input)
		b = protowire.AppendTag(b, fieldLayer, protowire.BytesType)
		return protowire.AppendBytes(b, layer(size))
	}

	cases := map[string][]byte{
		"input beyond int32":  blob(1<<40, 10),
		"layer beyond int32":  blob(784, 1<<40),
		"matrix beyond limit": blob(1<<20, 1<<20),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			n, err := CreateForInference(b)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
			if n != nil {
				t.Errorf("Expected no network for a rejected blob")
			}
		})
	}
}

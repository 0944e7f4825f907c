// cmd/convert/main.go converts a yaml model description into the binary
// blob read by infer, and optionally writes an initial parameter set.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/SyedDaiam9101/infer-workers/internal/machine"
)

func main() {
	in := pflag.StringP("in", "i", "models/mnist_mlp.yaml", "yaml model description")
	out := pflag.StringP("out", "o", "trainer_config.bin", "serialized model output")
	initParams := pflag.String("init-params", "", "also write randomized parameters to this directory")
	seed := pflag.Uint64("seed", 1, "seed for --init-params")
	describe := pflag.String("describe", "", "print the yaml description of an existing blob and exit")
	pflag.Parse()

	if *describe != "" {
		if err := describeBlob(*describe); err != nil {
			log.Fatalf("Failed to describe %s: %v", *describe, err)
		}
		return
	}

	blob, err := convert(*in)
	if err != nil {
		log.Fatalf("Failed to convert %s: %v", *in, err)
	}
	if err := os.WriteFile(*out, blob, 0o644); err != nil {
		log.Fatalf("Failed to write %s: %v", *out, err)
	}
	log.Printf("Wrote %s (%s)", *out, humanize.Bytes(uint64(len(blob))))

	if *initParams != "" {
		if err := writeInitialParams(blob, *initParams, *seed); err != nil {
			log.Fatalf("Failed to write parameters: %v", err)
		}
		log.Printf("Wrote randomized parameters to %s", *initParams)
	}
}

// convert reads a yaml description and returns the serialized blob.
// Layers without an activation are linear.
func convert(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg machine.ModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model description: %w", err)
	}
	for i := range cfg.Layers {
		if cfg.Layers[i].Activation == "" {
			cfg.Layers[i].Activation = machine.ActivationLinear
		}
	}
	return machine.EncodeConfig(&cfg)
}

func writeInitialParams(blob []byte, dir string, seed uint64) error {
	n, err := machine.CreateForInference(blob)
	if err != nil {
		return err
	}
	defer n.Destroy()

	if err := n.RandomizeParams(seed); err != nil {
		return err
	}
	return n.SaveParameters(dir)
}

func describeBlob(path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := machine.ParseConfig(blob)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(cfg)
}

// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// Config holds all configuration for a run
type Config struct {
	// Model
	Model           string `mapstructure:"model"`
	Backend         string `mapstructure:"backend"`
	ParamsDir       string `mapstructure:"params_dir"`
	RandomizeParams bool   `mapstructure:"randomize_params"`

	// Workload
	Workers    int    `mapstructure:"workers"`
	Iterations int    `mapstructure:"iterations"`
	InputDim   int    `mapstructure:"input_dim"`
	OutputDim  int    `mapstructure:"output_dim"`
	Seed       uint64 `mapstructure:"seed"`

	// ONNX runtime
	UseGPU      bool   `mapstructure:"use_gpu"`
	GPUDevice   int    `mapstructure:"gpu_device"`
	ONNXLibrary string `mapstructure:"onnx_library"`
	ONNXInput   string `mapstructure:"onnx_input"`
	ONNXOutput  string `mapstructure:"onnx_output"`
	ONNXThreads int    `mapstructure:"onnx_threads"`

	// Status surface
	MetricsPort int `mapstructure:"metrics_port"`
	GRPCPort    int `mapstructure:"grpc_port"`

	// Optional sinks
	Redis     string        `mapstructure:"redis"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl"`
	HistoryDB string        `mapstructure:"history_db"`

	// OpenTelemetry configuration
	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", "./trainer_config.bin")
	v.SetDefault("backend", BackendNative)
	v.SetDefault("params_dir", "")
	v.SetDefault("randomize_params", false)

	v.SetDefault("workers", 4)
	v.SetDefault("iterations", 1000)
	v.SetDefault("input_dim", 784)
	v.SetDefault("output_dim", 10)
	v.SetDefault("seed", 0)

	v.SetDefault("use_gpu", false)
	v.SetDefault("gpu_device", 0)
	v.SetDefault("onnx_library", "")
	v.SetDefault("onnx_input", "input")
	v.SetDefault("onnx_output", "prob")
	v.SetDefault("onnx_threads", 0)

	v.SetDefault("metrics_port", 0)
	v.SetDefault("grpc_port", 0)

	v.SetDefault("redis", "")
	v.SetDefault("redis_ttl", 10*time.Minute)
	v.SetDefault("history_db", "")

	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "")
}

// RegisterFlags defines the command-line overrides on fs. Flag names use
// dashes; they map onto the underscore config keys.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file (optional)")
	fs.String("model", "", "Path to the serialized model (default ./trainer_config.bin)")
	fs.String("backend", "", "Execution backend: native or onnx")
	fs.String("params-dir", "", "Directory holding one file per parameter")
	fs.Bool("randomize-params", false, "Use random parameters instead of loading them (demo only)")
	fs.Int("workers", 0, "Number of inference workers (default 4)")
	fs.Int("iterations", 0, "Forward passes per worker (default 1000)")
	fs.Uint64("seed", 0, "Input and parameter seed; 0 picks one from the clock")
	fs.Bool("gpu", false, "Run the onnx backend on the CUDA execution provider")
	fs.Int("metrics-port", 0, "Serve /metrics and health on this port")
	fs.Int("grpc-port", 0, "Serve gRPC health on this port")
	fs.String("redis", "", "Redis address for last-prediction sink")
	fs.String("history-db", "", "sqlite file recording finished runs")
}

var flagKeys = map[string]string{
	"model":            "model",
	"backend":          "backend",
	"params-dir":       "params_dir",
	"randomize-params": "randomize_params",
	"workers":          "workers",
	"iterations":       "iterations",
	"seed":             "seed",
	"gpu":              "use_gpu",
	"metrics-port":     "metrics_port",
	"grpc-port":        "grpc_port",
	"redis":            "redis",
	"history-db":       "history_db",
}

// Load loads configuration from flags, environment variables, and optional config file.
// Priority (highest to lowest): flags > env vars > config file > defaults.
// Only flags that were set on the command line override other sources.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("INFER_WORKERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Also read the OTEL standard endpoint
	v.BindEnv("otel_endpoint", "INFER_WORKERS_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/infer-workers/")
		v.AddConfigPath("$HOME/.infer-workers")

		// Read config file if present (ignore error if not found)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.OTELEndpoint != "" {
		cfg.OTELEnabled = true
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model path is required")
	}
	if c.Backend != BackendNative && c.Backend != BackendONNX {
		return fmt.Errorf("invalid backend %q: must be %s or %s", c.Backend, BackendNative, BackendONNX)
	}
	if c.ParamsDir == "" && !c.RandomizeParams && c.Backend == BackendNative {
		return fmt.Errorf("params_dir is required unless randomize_params is set")
	}
	if c.ParamsDir != "" && c.RandomizeParams {
		return fmt.Errorf("params_dir and randomize_params are mutually exclusive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d", c.Workers)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("invalid iterations: %d", c.Iterations)
	}
	if c.InputDim <= 0 || c.OutputDim <= 0 {
		return fmt.Errorf("invalid dimensions: input=%d, output=%d", c.InputDim, c.OutputDim)
	}
	if c.UseGPU && c.Backend != BackendONNX {
		return fmt.Errorf("use_gpu requires the %s backend", BackendONNX)
	}
	for name, port := range map[string]int{"metrics_port": c.MetricsPort, "grpc_port": c.GRPCPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.GRPCPort {
		return fmt.Errorf("metrics_port and grpc_port must be different")
	}
	return nil
}

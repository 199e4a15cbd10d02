// Package config loads runtime configuration from flags, environment
// variables, and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type PathsConfig struct {
	ModelsDir     string `mapstructure:"models_dir"`
	VoicesDir     string `mapstructure:"voices_dir"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
}

type RuntimeConfig struct {
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTAPIVersion  int    `mapstructure:"ort_api_version"`
}

// SamplingConfig controls the per-frame diffusion sampler.
type SamplingConfig struct {
	InferenceSteps int     `mapstructure:"inference_steps"`
	CFGScale       float64 `mapstructure:"cfg_scale"`
	Seed           uint64  `mapstructure:"seed"`
}

// EngineConfig controls decode-loop limits and concurrency.
type EngineConfig struct {
	MaxSteps         int     `mapstructure:"max_steps"`
	EOSThreshold     float64 `mapstructure:"eos_threshold"`
	DecodeFrameBatch int     `mapstructure:"decode_frame_batch"`
	Workers          int     `mapstructure:"workers"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			ModelsDir:     "models",
			VoicesDir:     "voices",
			TokenizerPath: "models/tokenizer.json",
		},
		Runtime: RuntimeConfig{
			ORTLibraryPath: "",
			ORTAPIVersion:  0,
		},
		Sampling: SamplingConfig{
			InferenceSteps: 5,
			CFGScale:       1.5,
			Seed:           42,
		},
		Engine: EngineConfig{
			MaxSteps:         512,
			EOSThreshold:     0.5,
			DecodeFrameBatch: 4,
			Workers:          1,
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("paths-models-dir", defaults.Paths.ModelsDir, "Directory holding manifest.json and ONNX graphs")
	fs.String("paths-voices-dir", defaults.Paths.VoicesDir, "Directory holding voice presets")
	fs.String("paths-tokenizer-path", defaults.Paths.TokenizerPath, "Path to tokenizer.json")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.Int("runtime-ort-api-version", defaults.Runtime.ORTAPIVersion, "ONNX Runtime API version (0 = library default)")
	fs.Int("sampling-inference-steps", defaults.Sampling.InferenceSteps, "Diffusion denoising steps per frame")
	fs.Float64("sampling-cfg-scale", defaults.Sampling.CFGScale, "Classifier-free guidance scale (1.0 disables guidance)")
	fs.Uint64("sampling-seed", defaults.Sampling.Seed, "Base RNG seed for diffusion noise")
	fs.Int("engine-max-steps", defaults.Engine.MaxSteps, "Maximum autoregressive steps per request")
	fs.Float64("engine-eos-threshold", defaults.Engine.EOSThreshold, "End-of-speech probability threshold")
	fs.Int("engine-decode-frame-batch", defaults.Engine.DecodeFrameBatch, "Latent frames decoded per acoustic decoder call")
	fs.Int("engine-workers", defaults.Engine.Workers, "Max concurrently running generation sessions")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("VIBEVOICE")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "VIBEVOICE_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("vibevoice")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.models_dir", c.Paths.ModelsDir)
	v.SetDefault("paths.voices_dir", c.Paths.VoicesDir)
	v.SetDefault("paths.tokenizer_path", c.Paths.TokenizerPath)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_api_version", c.Runtime.ORTAPIVersion)
	v.SetDefault("sampling.inference_steps", c.Sampling.InferenceSteps)
	v.SetDefault("sampling.cfg_scale", c.Sampling.CFGScale)
	v.SetDefault("sampling.seed", c.Sampling.Seed)
	v.SetDefault("engine.max_steps", c.Engine.MaxSteps)
	v.SetDefault("engine.eos_threshold", c.Engine.EOSThreshold)
	v.SetDefault("engine.decode_frame_batch", c.Engine.DecodeFrameBatch)
	v.SetDefault("engine.workers", c.Engine.Workers)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("paths.models_dir", "paths-models-dir")
	v.RegisterAlias("paths.voices_dir", "paths-voices-dir")
	v.RegisterAlias("paths.tokenizer_path", "paths-tokenizer-path")
	v.RegisterAlias("runtime.ort_library_path", "runtime-ort-library-path")
	v.RegisterAlias("runtime.ort_library_path", "ort-lib")
	v.RegisterAlias("runtime.ort_api_version", "runtime-ort-api-version")
	v.RegisterAlias("sampling.inference_steps", "sampling-inference-steps")
	v.RegisterAlias("sampling.cfg_scale", "sampling-cfg-scale")
	v.RegisterAlias("sampling.seed", "sampling-seed")
	v.RegisterAlias("engine.max_steps", "engine-max-steps")
	v.RegisterAlias("engine.eos_threshold", "engine-eos-threshold")
	v.RegisterAlias("engine.decode_frame_batch", "engine-decode-frame-batch")
	v.RegisterAlias("engine.workers", "engine-workers")
}

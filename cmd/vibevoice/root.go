package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/example/go-vibevoice/internal/config"
	"github.com/example/go-vibevoice/internal/engine"
	"github.com/example/go-vibevoice/internal/onnx"
	"github.com/example/go-vibevoice/internal/tokenizer"
	"github.com/example/go-vibevoice/internal/voice"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "vibevoice",
		Short: "VibeVoice text-to-speech command line",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newSynthCmd())
	cmd.AddCommand(newVoicesCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl := parseLogLevel(levelStr)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.ModelsDir == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

// buildEngine constructs a ready-to-use engine from loaded configuration:
// voice store, tokenizer, ONNX Runtime detection, then the engine itself.
func buildEngine(cfg config.Config) (*engine.Engine, error) {
	store, err := voice.Load(cfg.Paths.VoicesDir)
	if err != nil {
		return nil, fmt.Errorf("load voice presets from %q: %w", cfg.Paths.VoicesDir, err)
	}

	tok, err := tokenizer.NewBPETokenizer(cfg.Paths.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer from %q: %w", cfg.Paths.TokenizerPath, err)
	}

	rt, err := onnx.DetectRuntime(cfg.Runtime.ORTLibraryPath, "")
	if err != nil {
		return nil, err
	}
	slog.Info("onnx runtime detected", "path", rt.LibraryPath, "version", rt.Version)

	ecfg := engine.DefaultConfig()
	ecfg.NumInferenceSteps = cfg.Sampling.InferenceSteps
	ecfg.CFGScale = cfg.Sampling.CFGScale
	ecfg.Seed = cfg.Sampling.Seed
	ecfg.MaxSteps = cfg.Engine.MaxSteps
	ecfg.EOSThreshold = cfg.Engine.EOSThreshold
	ecfg.DecodeFrameBatch = cfg.Engine.DecodeFrameBatch
	ecfg.Workers = cfg.Engine.Workers

	rcfg := onnx.RunnerConfig{
		LibraryPath: rt.LibraryPath,
		APIVersion:  uint32(cfg.Runtime.ORTAPIVersion),
	}

	return engine.NewEngine(ecfg, cfg.Paths.ModelsDir, store, tok, rcfg)
}

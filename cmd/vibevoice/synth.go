package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/example/go-vibevoice/internal/audio"
	"github.com/example/go-vibevoice/internal/engine"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	var text string
	var out string
	var voiceID string
	var stream bool
	var steps int
	var cfgScale float64
	var seed uint64

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("steps") {
				cfg.Sampling.InferenceSteps = steps
			}
			if cmd.Flags().Changed("cfg-scale") {
				cfg.Sampling.CFGScale = cfgScale
			}
			if cmd.Flags().Changed("seed") {
				cfg.Sampling.Seed = seed
			}

			inputText, err := readSynthText(text, os.Stdin)
			if err != nil {
				return err
			}

			eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			req := engine.Request{Text: inputText, Voice: voiceID}
			if stream {
				return synthStreaming(cmd, eng, req, out)
			}
			return synthComplete(cmd, eng, req, out)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().StringVar(&voiceID, "voice", "", "Voice preset ID from the voices directory")
	cmd.Flags().BoolVar(&stream, "stream", false, "Write audio incrementally as it is generated")
	cmd.Flags().IntVar(&steps, "steps", 0, "Diffusion steps per frame (shorthand for --sampling-inference-steps)")
	cmd.Flags().Float64Var(&cfgScale, "cfg-scale", 0, "Guidance scale (shorthand for --sampling-cfg-scale)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "RNG seed (shorthand for --sampling-seed)")

	return cmd
}

func synthComplete(cmd *cobra.Command, eng *engine.Engine, req engine.Request, out string) error {
	result, err := eng.Generate(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("synth failed: %w", err)
	}
	logResultFlags(result)

	wavData, err := audio.EncodeWAV(result.Samples)
	if err != nil {
		return fmt.Errorf("encode WAV: %w", err)
	}
	return writeSynthOutput(out, wavData, os.Stdout)
}

// synthStreaming writes a streaming WAV header followed by PCM chunks as
// they arrive, so playback can start before generation finishes.
func synthStreaming(cmd *cobra.Command, eng *engine.Engine, req engine.Request, out string) error {
	w, closeFn, err := openSynthOutput(out, os.Stdout)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := eng.GenerateStream(cmd.Context(), req, engine.StreamOptions{})
	if err != nil {
		return fmt.Errorf("synth failed: %w", err)
	}

	if _, err := audio.WriteWAVHeaderStreaming(w); err != nil {
		return fmt.Errorf("write WAV header: %w", err)
	}
	for chunk := range st.Chunks {
		if _, err := audio.WritePCM16Samples(w, chunk.Samples); err != nil {
			return fmt.Errorf("write PCM chunk at sample %d: %w", chunk.Offset, err)
		}
	}

	result, err := st.Result()
	if err != nil {
		return fmt.Errorf("synth failed: %w", err)
	}
	logResultFlags(result)
	return nil
}

func logResultFlags(result *engine.Result) {
	if result.Truncated {
		slog.Warn("generation hit the step budget before end of speech", "frames", result.Frames)
	}
	if result.Incomplete {
		slog.Warn("generation ended early; output is partial", "frames", result.Frames)
	}
}

func openSynthOutput(outPath string, stdout io.Writer) (io.Writer, func(), error) {
	if outPath == "-" {
		return stdout, func() {}, nil
	}
	f, err := os.Create(outPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create output %q: %w", outPath, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func writeSynthOutput(outPath string, wavData []byte, stdout io.Writer) error {
	if outPath == "-" {
		_, err := stdout.Write(wavData)
		return err
	}
	return os.WriteFile(outPath, wavData, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return input, nil
}

package engine

import "fmt"

// SampleRate is the fixed output rate of the acoustic decoder.
const SampleRate = 24000

// Config holds the numeric engine parameters. Zero values are filled from
// DefaultConfig by Validate.
type Config struct {
	HiddenSize        int     // backbone hidden width H
	LatentSize        int     // diffusion latent width L
	SpeechVAEDim      int     // acoustic decoder channel count V
	NumTrainTimesteps int     // DDPM training schedule length
	NumInferenceSteps int     // K denoising iterations per frame
	BetaStart         float64 // linear beta schedule start
	BetaEnd           float64 // linear beta schedule end
	CFGScale          float64 // classifier-free guidance scale; <= 1 disables the negative pass
	MaxSteps          int     // autoregressive step budget
	EOSThreshold      float64 // stop probability threshold in (0, 1)
	Seed              uint64  // base RNG seed; combined with a per-session sequence number
	DecodeFrameBatch  int     // latent frames decoded per streamed chunk
	Workers           int     // concurrent sessions admitted to the forward-pass graphs
}

// DefaultConfig returns the VibeVoice-Realtime-0.5B parameters.
func DefaultConfig() Config {
	return Config{
		HiddenSize:        896,
		LatentSize:        64,
		SpeechVAEDim:      64,
		NumTrainTimesteps: 1000,
		NumInferenceSteps: 5,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		CFGScale:          1.5,
		MaxSteps:          512,
		EOSThreshold:      0.5,
		Seed:              42,
		DecodeFrameBatch:  4,
		Workers:           1,
	}
}

// Validate fills zero values from defaults and rejects out-of-range settings.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.HiddenSize == 0 {
		c.HiddenSize = d.HiddenSize
	}
	if c.LatentSize == 0 {
		c.LatentSize = d.LatentSize
	}
	if c.SpeechVAEDim == 0 {
		c.SpeechVAEDim = d.SpeechVAEDim
	}
	if c.NumTrainTimesteps == 0 {
		c.NumTrainTimesteps = d.NumTrainTimesteps
	}
	if c.NumInferenceSteps == 0 {
		c.NumInferenceSteps = d.NumInferenceSteps
	}
	if c.BetaStart == 0 {
		c.BetaStart = d.BetaStart
	}
	if c.BetaEnd == 0 {
		c.BetaEnd = d.BetaEnd
	}
	if c.CFGScale == 0 {
		c.CFGScale = d.CFGScale
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.EOSThreshold == 0 {
		c.EOSThreshold = d.EOSThreshold
	}
	if c.DecodeFrameBatch == 0 {
		c.DecodeFrameBatch = d.DecodeFrameBatch
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}

	if c.HiddenSize < 1 || c.LatentSize < 1 || c.SpeechVAEDim < 1 {
		return fmt.Errorf("model dimensions must be positive")
	}
	if c.NumInferenceSteps < 1 || c.NumInferenceSteps > c.NumTrainTimesteps {
		return fmt.Errorf("num inference steps %d must be in [1, %d]", c.NumInferenceSteps, c.NumTrainTimesteps)
	}
	if c.BetaStart <= 0 || c.BetaEnd <= c.BetaStart || c.BetaEnd >= 1 {
		return fmt.Errorf("beta schedule (%g, %g) must satisfy 0 < start < end < 1", c.BetaStart, c.BetaEnd)
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("max steps %d must be positive", c.MaxSteps)
	}
	if c.EOSThreshold <= 0 || c.EOSThreshold >= 1 {
		return fmt.Errorf("eos threshold %g must be in (0, 1)", c.EOSThreshold)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers %d must be positive", c.Workers)
	}
	return nil
}

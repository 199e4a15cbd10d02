package engine

import (
	"context"
	"fmt"

	"github.com/example/go-vibevoice/internal/onnx"
)

// Manifest names of the graphs the engine requires. All seven must be
// present at startup; there is no per-call fallback.
const (
	GraphTextEncoder       = "text_encoder"
	GraphTTSPrefill        = "tts_prefill"
	GraphTTSStep           = "tts_step"
	GraphPredictionHead    = "prediction_head"
	GraphAcousticConnector = "acoustic_connector"
	GraphAcousticDecoder   = "acoustic_decoder"
	GraphEOSClassifier     = "eos_classifier"
)

// RequiredGraphs lists every graph the engine loads at startup.
var RequiredGraphs = []string{
	GraphTextEncoder,
	GraphTTSPrefill,
	GraphTTSStep,
	GraphPredictionHead,
	GraphAcousticConnector,
	GraphAcousticDecoder,
	GraphEOSClassifier,
}

func (e *Engine) runner(name string) (onnx.GraphRunner, error) {
	r, ok := e.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: graph %q not loaded", ErrModelLoad, name)
	}
	return r, nil
}

// textEncode runs the full-sequence text encoder over the prompt tokens,
// attending over the voice's LM prompt cache. The cache is consumed once
// per session; its grown form is not needed afterwards.
//
// Inputs: input_ids [1,S] i64, attention_mask [1,S] i64, past_key_i/past_value_i.
// Output: hidden_states [1,S,H] f32.
func (e *Engine) textEncode(ctx context.Context, tokens []int64, lm *onnx.KVCache) (*onnx.Tensor, error) {
	runner, err := e.runner(GraphTextEncoder)
	if err != nil {
		return nil, err
	}

	seqLen := int64(len(tokens))
	ids, err := onnx.NewTensor(tokens, []int64{1, seqLen})
	if err != nil {
		return nil, fmt.Errorf("text_encoder: build input_ids: %w", err)
	}
	maskData := make([]int64, seqLen)
	for i := range maskData {
		maskData[i] = 1
	}
	mask, _ := onnx.NewTensor(maskData, []int64{1, seqLen})

	inputs := map[string]*onnx.Tensor{
		"input_ids":      ids,
		"attention_mask": mask,
	}
	addCacheInputs(inputs, lm)

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("text_encoder: run: %w", err)
	}

	hidden, ok := outputs["hidden_states"]
	if !ok {
		return nil, fmt.Errorf("text_encoder: missing 'hidden_states' in output")
	}
	shape := hidden.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != seqLen || shape[2] != int64(e.cfg.HiddenSize) {
		return nil, fmt.Errorf("text_encoder: hidden_states shape %v, want [1 %d %d]", shape, seqLen, e.cfg.HiddenSize)
	}
	return hidden, nil
}

// backboneForward runs the TTS backbone over embeds using cache, replacing
// the cache with the grown present state. graphName selects the prefill or
// single-step export; both share the same node names.
//
// Inputs: inputs_embeds [1,T,H], past_key_i/past_value_i [1,KVH,P,HD].
// Outputs: hidden [1,H] (last position), present_key_i/present_value_i.
func (e *Engine) backboneForward(ctx context.Context, graphName string, embeds *onnx.Tensor, cache *onnx.KVCache) ([]float32, error) {
	runner, err := e.runner(graphName)
	if err != nil {
		return nil, err
	}

	inputs := map[string]*onnx.Tensor{"inputs_embeds": embeds}
	addCacheInputs(inputs, cache)

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: run: %w", graphName, err)
	}

	present := make([]onnx.LayerKV, cache.NumLayers())
	for i := range present {
		key, ok := outputs[fmt.Sprintf("present_key_%d", i)]
		if !ok {
			return nil, fmt.Errorf("%s: missing 'present_key_%d' in output", graphName, i)
		}
		value, ok := outputs[fmt.Sprintf("present_value_%d", i)]
		if !ok {
			return nil, fmt.Errorf("%s: missing 'present_value_%d' in output", graphName, i)
		}
		present[i] = onnx.LayerKV{Key: key, Value: value}
	}
	if err := cache.Replace(present); err != nil {
		return nil, fmt.Errorf("%s: present state: %w", graphName, err)
	}

	hidden, ok := outputs["hidden"]
	if !ok {
		return nil, fmt.Errorf("%s: missing 'hidden' in output", graphName)
	}
	data, err := hidden.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%s: hidden: %w", graphName, err)
	}
	if len(data) != e.cfg.HiddenSize {
		return nil, fmt.Errorf("%s: hidden has %d values, want %d", graphName, len(data), e.cfg.HiddenSize)
	}
	return data, nil
}

// predictNoise runs one denoising forward pass of the prediction head.
func (e *Engine) predictNoise(ctx context.Context, latent []float32, timestep int, conditioning []float32) ([]float32, error) {
	runner, err := e.runner(GraphPredictionHead)
	if err != nil {
		return nil, err
	}

	latentT, err := onnx.NewTensor(latent, []int64{1, int64(len(latent))})
	if err != nil {
		return nil, fmt.Errorf("prediction_head: build latent: %w", err)
	}
	tsT, _ := onnx.NewTensor([]int64{int64(timestep)}, []int64{1})
	condT, err := onnx.NewTensor(conditioning, []int64{1, int64(len(conditioning))})
	if err != nil {
		return nil, fmt.Errorf("prediction_head: build conditioning: %w", err)
	}

	outputs, err := runner.Run(ctx, map[string]*onnx.Tensor{
		"noisy_latent": latentT,
		"timestep":     tsT,
		"conditioning": condT,
	})
	if err != nil {
		return nil, fmt.Errorf("prediction_head: run: %w", err)
	}

	pred, ok := outputs["predicted_noise"]
	if !ok {
		return nil, fmt.Errorf("prediction_head: missing 'predicted_noise' in output")
	}
	data, err := pred.Float32s()
	if err != nil {
		return nil, fmt.Errorf("prediction_head: predicted_noise: %w", err)
	}
	if len(data) != len(latent) {
		return nil, fmt.Errorf("prediction_head: predicted %d values, want %d", len(data), len(latent))
	}
	return data, nil
}

// connect projects a decoded latent frame back into backbone embedding space.
func (e *Engine) connect(ctx context.Context, latent []float32) ([]float32, error) {
	runner, err := e.runner(GraphAcousticConnector)
	if err != nil {
		return nil, err
	}

	latentT, err := onnx.NewTensor(latent, []int64{1, int64(len(latent))})
	if err != nil {
		return nil, fmt.Errorf("acoustic_connector: build latent: %w", err)
	}

	outputs, err := runner.Run(ctx, map[string]*onnx.Tensor{"latent": latentT})
	if err != nil {
		return nil, fmt.Errorf("acoustic_connector: run: %w", err)
	}

	emb, ok := outputs["embedding"]
	if !ok {
		return nil, fmt.Errorf("acoustic_connector: missing 'embedding' in output")
	}
	data, err := emb.Float32s()
	if err != nil {
		return nil, fmt.Errorf("acoustic_connector: embedding: %w", err)
	}
	if len(data) != e.cfg.HiddenSize {
		return nil, fmt.Errorf("acoustic_connector: embedding has %d values, want %d", len(data), e.cfg.HiddenSize)
	}
	return data, nil
}

// eosProbability runs the stop classifier on a backbone hidden state and
// returns the sigmoid of its logit.
func (e *Engine) eosProbability(ctx context.Context, hidden []float32) (float64, error) {
	runner, err := e.runner(GraphEOSClassifier)
	if err != nil {
		return 0, err
	}

	hiddenT, err := onnx.NewTensor(hidden, []int64{1, int64(len(hidden))})
	if err != nil {
		return 0, fmt.Errorf("eos_classifier: build hidden: %w", err)
	}

	outputs, err := runner.Run(ctx, map[string]*onnx.Tensor{"hidden": hiddenT})
	if err != nil {
		return 0, fmt.Errorf("eos_classifier: run: %w", err)
	}

	logit, ok := outputs["logit"]
	if !ok {
		return 0, fmt.Errorf("eos_classifier: missing 'logit' in output")
	}
	data, err := logit.Float32s()
	if err != nil {
		return 0, fmt.Errorf("eos_classifier: logit: %w", err)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("eos_classifier: empty logit tensor")
	}
	return sigmoid(float64(data[0])), nil
}

// decodeFrames batches latent frames through the acoustic decoder and
// returns PCM samples. The decoder consumes channel-major [1, V, N] input.
func (e *Engine) decodeFrames(ctx context.Context, frames [][]float32) ([]float32, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("acoustic_decoder: needs at least one frame")
	}
	runner, err := e.runner(GraphAcousticDecoder)
	if err != nil {
		return nil, err
	}

	n := len(frames)
	v := e.cfg.SpeechVAEDim
	data := make([]float32, v*n)
	for i, frame := range frames {
		if len(frame) != v {
			return nil, fmt.Errorf("acoustic_decoder: frame %d has %d values, want %d", i, len(frame), v)
		}
		for c, x := range frame {
			data[c*n+i] = x
		}
	}
	latentT, err := onnx.NewTensor(data, []int64{1, int64(v), int64(n)})
	if err != nil {
		return nil, fmt.Errorf("acoustic_decoder: build latent: %w", err)
	}

	outputs, err := runner.Run(ctx, map[string]*onnx.Tensor{"latent": latentT})
	if err != nil {
		return nil, fmt.Errorf("acoustic_decoder: run: %w", err)
	}

	waveform, ok := outputs["waveform"]
	if !ok {
		return nil, fmt.Errorf("acoustic_decoder: missing 'waveform' in output")
	}
	samples, err := waveform.Float32s()
	if err != nil {
		return nil, fmt.Errorf("acoustic_decoder: waveform: %w", err)
	}
	return samples, nil
}

func addCacheInputs(inputs map[string]*onnx.Tensor, cache *onnx.KVCache) {
	for i, layer := range cache.Layers {
		inputs[fmt.Sprintf("past_key_%d", i)] = layer.Key
		inputs[fmt.Sprintf("past_value_%d", i)] = layer.Value
	}
}

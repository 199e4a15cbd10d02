package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/example/go-vibevoice/internal/npy"
	"github.com/example/go-vibevoice/internal/onnx"
	"github.com/example/go-vibevoice/internal/voice"
)

// Fixture geometry shared by the fake graphs.
const (
	fixHidden    = 8
	fixLatent    = 4
	fixVAEDim    = 4
	fixHeads     = 2
	fixHeadDim   = 2
	fixLayers    = 2
	fixTTSLen    = 5
	fixLMLen     = 3
	fixNegLen    = 1
	fixHopLength = 3 // decoded samples per latent frame
)

type fakeRunner struct {
	name string
	fn   func(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
}

func (f *fakeRunner) Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	return f.fn(ctx, inputs)
}
func (f *fakeRunner) Name() string { return f.name }
func (f *fakeRunner) Close()       {}

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]int64, error) {
	words := strings.Fields(text)
	ids := make([]int64, len(words))
	for i := range ids {
		ids[i] = int64(i + 10)
	}
	return ids, nil
}

// fakeGraphs tracks invocation counts so tests can assert on the engine's
// call pattern, not just its output.
type fakeGraphs struct {
	mu            sync.Mutex
	eosAfter      int // EOS queries that report "keep going" before the stop fires
	eosQueries    int
	stepCalls     int
	noiseCalls    int
	stepPastLens  []int64
	predictFailAt int // 0 disables injected prediction failures
}

func (g *fakeGraphs) build() map[string]onnx.GraphRunner {
	grow := func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
		embeds, ok := inputs["inputs_embeds"]
		if !ok {
			return nil, fmt.Errorf("missing inputs_embeds")
		}
		tLen := embeds.Shape()[1]
		past := inputs["past_key_0"].Shape()[2]

		out := make(map[string]*onnx.Tensor)
		for i := range fixLayers {
			grown, err := onnx.NewZeroTensor(onnx.DTypeFloat32, []int64{1, fixHeads, past + tLen, fixHeadDim})
			if err != nil {
				return nil, err
			}
			out[fmt.Sprintf("present_key_%d", i)] = grown
			out[fmt.Sprintf("present_value_%d", i)] = grown.Clone()
		}
		hidden, _ := onnx.NewTensor(make([]float32, fixHidden), []int64{1, fixHidden})
		out["hidden"] = hidden
		return out, nil
	}

	return map[string]onnx.GraphRunner{
		GraphTextEncoder: &fakeRunner{
			name: GraphTextEncoder,
			fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				ids, ok := inputs["input_ids"]
				if !ok {
					return nil, fmt.Errorf("missing input_ids")
				}
				if _, ok := inputs["past_key_0"]; !ok {
					return nil, fmt.Errorf("missing lm prompt cache")
				}
				seq := ids.Shape()[1]
				hidden, _ := onnx.NewTensor(make([]float32, seq*fixHidden), []int64{1, seq, fixHidden})
				return map[string]*onnx.Tensor{"hidden_states": hidden}, nil
			},
		},
		GraphTTSPrefill: &fakeRunner{
			name: GraphTTSPrefill,
			fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				return grow(inputs)
			},
		},
		GraphTTSStep: &fakeRunner{
			name: GraphTTSStep,
			fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				g.mu.Lock()
				g.stepCalls++
				g.stepPastLens = append(g.stepPastLens, inputs["past_key_0"].Shape()[2])
				g.mu.Unlock()
				return grow(inputs)
			},
		},
		GraphPredictionHead: &fakeRunner{
			name: GraphPredictionHead,
			fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				g.mu.Lock()
				g.noiseCalls++
				calls := g.noiseCalls
				g.mu.Unlock()
				if g.predictFailAt > 0 && calls >= g.predictFailAt {
					return nil, fmt.Errorf("injected prediction failure")
				}
				latent := inputs["noisy_latent"]
				noise, _ := onnx.NewTensor(make([]float32, latent.Len()), latent.Shape())
				return map[string]*onnx.Tensor{"predicted_noise": noise}, nil
			},
		},
		GraphAcousticConnector: &fakeRunner{
			name: GraphAcousticConnector,
			fn: func(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				emb, _ := onnx.NewTensor(make([]float32, fixHidden), []int64{1, fixHidden})
				return map[string]*onnx.Tensor{"embedding": emb}, nil
			},
		},
		GraphAcousticDecoder: &fakeRunner{
			name: GraphAcousticDecoder,
			fn: func(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				latent := inputs["latent"]
				n := latent.Shape()[2]
				data, err := latent.Float32s()
				if err != nil {
					return nil, err
				}
				// Derive samples from the latent values so output depends on
				// the denoised frames, not just their count.
				samples := make([]float32, n*fixHopLength)
				for i := range samples {
					samples[i] = data[i%len(data)] * 0.1
				}
				wave, _ := onnx.NewTensor(samples, []int64{1, n * fixHopLength})
				return map[string]*onnx.Tensor{"waveform": wave}, nil
			},
		},
		GraphEOSClassifier: &fakeRunner{
			name: GraphEOSClassifier,
			fn: func(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
				g.mu.Lock()
				// Step calls come in pairs under guidance; EOS is queried once
				// per step, so derive the step index from its own counter.
				g.eosQueries++
				fire := g.eosQueries > g.eosAfter
				g.mu.Unlock()
				val := float32(-10)
				if fire {
					val = 10
				}
				logit, _ := onnx.NewTensor([]float32{val}, []int64{1, 1})
				return map[string]*onnx.Tensor{"logit": logit}, nil
			},
		},
	}
}

func writeVoiceFixture(t *testing.T, voicesDir, id string) {
	t.Helper()

	dir := filepath.Join(voicesDir, id)
	if err := os.MkdirAll(filepath.Join(dir, "negative"), 0o755); err != nil {
		t.Fatalf("mkdir preset: %v", err)
	}

	meta := voice.Metadata{
		Name:         id,
		LMPromptLen:  fixLMLen,
		TTSPromptLen: fixTTSLen,
		NegPromptLen: fixNegLen,
		NumTTSLayers: fixLayers,
		NumLMLayers:  fixLayers,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	writeCache := func(dir, prefix string, seq int64) {
		for i := range fixLayers {
			tensor := &npy.Tensor{
				Shape: []int64{1, fixHeads, seq, fixHeadDim},
				Data:  make([]float32, fixHeads*seq*fixHeadDim),
			}
			for _, side := range []string{"key", "value"} {
				path := filepath.Join(dir, fmt.Sprintf("%s_%s_%d.npy", prefix, side, i))
				if err := npy.WriteFile(path, tensor); err != nil {
					t.Fatalf("write %s: %v", path, err)
				}
			}
		}
	}
	writeCache(dir, "tts_kv", fixTTSLen)
	writeCache(dir, "lm_kv", fixLMLen)
	writeCache(filepath.Join(dir, "negative"), "tts_kv", fixNegLen)
}

func testStore(t *testing.T) *voice.Store {
	t.Helper()

	dir := t.TempDir()
	writeVoiceFixture(t, dir, "narrator")
	store, err := voice.Load(dir)
	if err != nil {
		t.Fatalf("load fixture store: %v", err)
	}
	return store
}

func testConfig() Config {
	return Config{
		HiddenSize:        fixHidden,
		LatentSize:        fixLatent,
		SpeechVAEDim:      fixVAEDim,
		NumTrainTimesteps: 10,
		NumInferenceSteps: 2,
		CFGScale:          1.5,
		MaxSteps:          64,
		EOSThreshold:      0.5,
		Seed:              7,
		DecodeFrameBatch:  2,
		Workers:           1,
	}
}

func fakeEngine(t *testing.T, cfg Config, graphs *fakeGraphs) *Engine {
	t.Helper()

	e, err := NewEngineWithRunners(cfg, graphs.build(), testStore(t), fakeTokenizer{}, make([]float32, fixHidden))
	if err != nil {
		t.Fatalf("NewEngineWithRunners: %v", err)
	}
	return e
}

func TestGenerate_ProducesFramesUntilEOS(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 3}
	e := fakeEngine(t, testConfig(), graphs)

	res, err := e.Generate(context.Background(), Request{Text: "hello world", Voice: "narrator"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if res.Frames != 3 {
		t.Errorf("Frames = %d; want 3 (EOS fires on the fourth step)", res.Frames)
	}
	if len(res.Samples) != 3*fixHopLength {
		t.Errorf("Samples = %d; want %d", len(res.Samples), 3*fixHopLength)
	}
	if res.Truncated || res.Incomplete {
		t.Errorf("flags Truncated=%v Incomplete=%v; want clean completion", res.Truncated, res.Incomplete)
	}
}

func TestGenerate_CacheGrowsByOnePerStep(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 4}
	e := fakeEngine(t, testConfig(), graphs)

	// "hello world" tokenizes to 2 positions.
	if _, err := e.Generate(context.Background(), Request{Text: "hello world", Voice: "narrator"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	const textLen = 2
	// Guidance is on, so step calls alternate positive/negative. The
	// positive cache enters step k holding prompt + text + k positions;
	// the minimal negative cache enters holding 1 + k.
	for k := 0; k*2+1 < len(graphs.stepPastLens); k++ {
		pos := graphs.stepPastLens[k*2]
		neg := graphs.stepPastLens[k*2+1]
		if want := int64(fixTTSLen + textLen + k); pos != want {
			t.Errorf("step %d: positive cache len %d; want %d", k, pos, want)
		}
		if want := int64(fixNegLen + k); neg != want {
			t.Errorf("step %d: negative cache len %d; want %d", k, neg, want)
		}
	}
}

func TestGenerate_DeterministicAcrossEngines(t *testing.T) {
	run := func() []float32 {
		graphs := &fakeGraphs{eosAfter: 5}
		e := fakeEngine(t, testConfig(), graphs)
		res, err := e.Generate(context.Background(), Request{Text: "same text", Voice: "narrator"})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		return res.Samples
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("sample counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("samples diverge at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestGenerate_GuidanceDisabledSkipsNegativePass(t *testing.T) {
	cfg := testConfig()
	cfg.CFGScale = 1.0
	graphs := &fakeGraphs{eosAfter: 3}
	e := fakeEngine(t, cfg, graphs)

	if _, err := e.Generate(context.Background(), Request{Text: "hello", Voice: "narrator"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// 3 frame steps plus the EOS-only step, one backbone call each.
	if graphs.stepCalls != 4 {
		t.Errorf("step calls = %d; want 4 (no negative passes at scale 1.0)", graphs.stepCalls)
	}
	// K=2 denoising iterations per frame, single conditioning each.
	if graphs.noiseCalls != 3*2 {
		t.Errorf("prediction head calls = %d; want 6", graphs.noiseCalls)
	}
}

func TestGenerate_GuidanceEnabledDoublesForwardPasses(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 3}
	e := fakeEngine(t, testConfig(), graphs)

	if _, err := e.Generate(context.Background(), Request{Text: "hello", Voice: "narrator"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if graphs.stepCalls != 2*4 {
		t.Errorf("step calls = %d; want 8 (positive and negative per step)", graphs.stepCalls)
	}
	if graphs.noiseCalls != 3*2*2 {
		t.Errorf("prediction head calls = %d; want 12", graphs.noiseCalls)
	}
}

func TestGenerate_StepBudgetTruncates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 10
	graphs := &fakeGraphs{eosAfter: 1000} // never fires
	e := fakeEngine(t, cfg, graphs)

	res, err := e.Generate(context.Background(), Request{Text: "endless", Voice: "narrator"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if res.Frames != 10 {
		t.Errorf("Frames = %d; want exactly the budget of 10", res.Frames)
	}
	if !res.Truncated {
		t.Error("Truncated flag not set after budget exhaustion")
	}
	if res.Incomplete {
		t.Error("budget exhaustion is a normal completion, not Incomplete")
	}
	if len(res.Samples) != 10*fixHopLength {
		t.Errorf("Samples = %d; want %d", len(res.Samples), 10*fixHopLength)
	}
}

func TestGenerate_InputValidation(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 3}
	e := fakeEngine(t, testConfig(), graphs)

	if _, err := e.Generate(context.Background(), Request{Text: "  ", Voice: "narrator"}); !errors.Is(err, ErrInput) {
		t.Errorf("empty text error = %v; want ErrInput", err)
	}
	if _, err := e.Generate(context.Background(), Request{Text: "hi", Voice: "nobody"}); !errors.Is(err, ErrInput) {
		t.Errorf("unknown voice error = %v; want ErrInput", err)
	}
	if graphs.stepCalls != 0 {
		t.Errorf("validation failures ran %d backbone steps; want 0", graphs.stepCalls)
	}
}

func TestGenerate_CancellationKeepsPartialOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	graphs := &fakeGraphs{eosAfter: 1000}
	cfg := testConfig()
	cfg.CFGScale = 1.0
	e := fakeEngine(t, cfg, graphs)

	// Cancel from inside the third backbone step; the in-flight step still
	// completes, so the session stops at the next boundary with 3 frames.
	inner := e.runners[GraphTTSStep].(*fakeRunner).fn
	e.runners[GraphTTSStep] = &fakeRunner{
		name: GraphTTSStep,
		fn: func(c context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			graphs.mu.Lock()
			calls := graphs.stepCalls + 1
			graphs.mu.Unlock()
			if calls == 3 {
				cancel()
			}
			return inner(c, inputs)
		},
	}

	res, err := e.Generate(ctx, Request{Text: "long text here", Voice: "narrator"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v; want ErrCancelled", err)
	}
	if res == nil {
		t.Fatal("cancelled generation must still return the partial result")
	}
	if res.Frames != 3 {
		t.Errorf("Frames = %d; want 3 completed before the cancel took effect", res.Frames)
	}
	if !res.Incomplete {
		t.Error("Incomplete flag not set on cancelled result")
	}
	if len(res.Samples) != res.Frames*fixHopLength {
		t.Errorf("Samples = %d; want %d (partial audio retained)", len(res.Samples), res.Frames*fixHopLength)
	}
}

func TestGenerate_CancelledFinalFlushStillDecodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	graphs := &fakeGraphs{eosAfter: 1000}
	cfg := testConfig()
	cfg.CFGScale = 1.0
	// No intermediate flush: every produced frame is still undecoded when
	// the cancel lands, so the partial audio depends on the final flush.
	cfg.DecodeFrameBatch = 64
	e := fakeEngine(t, cfg, graphs)

	// The real decoder runs through ONNX Runtime, which fails on a cancelled
	// context. Mirror that so the flush only succeeds if it is detached from
	// the session context.
	innerDec := e.runners[GraphAcousticDecoder].(*fakeRunner).fn
	e.runners[GraphAcousticDecoder] = &fakeRunner{
		name: GraphAcousticDecoder,
		fn: func(c context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return innerDec(c, inputs)
		},
	}

	innerStep := e.runners[GraphTTSStep].(*fakeRunner).fn
	e.runners[GraphTTSStep] = &fakeRunner{
		name: GraphTTSStep,
		fn: func(c context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			graphs.mu.Lock()
			calls := graphs.stepCalls + 1
			graphs.mu.Unlock()
			if calls == 3 {
				cancel()
			}
			return innerStep(c, inputs)
		},
	}

	res, err := e.Generate(ctx, Request{Text: "long text here", Voice: "narrator"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v; want ErrCancelled", err)
	}
	if res == nil {
		t.Fatal("cancelled generation must still return the partial result")
	}
	if res.Frames != 3 {
		t.Errorf("Frames = %d; want 3 completed before the cancel took effect", res.Frames)
	}
	if len(res.Samples) != res.Frames*fixHopLength {
		t.Errorf("Samples = %d; want %d decoded in the final flush", len(res.Samples), res.Frames*fixHopLength)
	}
	if !res.Incomplete {
		t.Error("Incomplete flag not set on cancelled result")
	}
}

func TestGenerate_InferenceFailureWrapsError(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 1000, predictFailAt: 5}
	e := fakeEngine(t, testConfig(), graphs)

	res, err := e.Generate(context.Background(), Request{Text: "hello", Voice: "narrator"})
	if !errors.Is(err, ErrInference) {
		t.Fatalf("error = %v; want ErrInference", err)
	}
	if res == nil || !res.Incomplete {
		t.Error("failed generation should return a partial, Incomplete result")
	}
}

func TestGenerate_MalformedEOSLogitFails(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 1000}
	e := fakeEngine(t, testConfig(), graphs)

	e.runners[GraphEOSClassifier] = &fakeRunner{
		name: GraphEOSClassifier,
		fn: func(_ context.Context, _ map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
			logit, _ := onnx.NewTensor([]int64{1}, []int64{1, 1})
			return map[string]*onnx.Tensor{"logit": logit}, nil
		},
	}

	res, err := e.Generate(context.Background(), Request{Text: "hello", Voice: "narrator"})
	if !errors.Is(err, ErrInference) {
		t.Fatalf("error = %v; want ErrInference", err)
	}
	if strings.Contains(err.Error(), "%!w") {
		t.Errorf("error message carries a malformed wrap verb: %q", err)
	}
	if res == nil || !res.Incomplete {
		t.Error("failed generation should return a partial, Incomplete result")
	}
}

func TestGenerate_SessionsDoNotShareCacheState(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 2}
	e := fakeEngine(t, testConfig(), graphs)

	req := Request{Text: "hello world", Voice: "narrator"}
	if _, err := e.Generate(context.Background(), req); err != nil {
		t.Fatalf("first Generate: %v", err)
	}

	firstLens := append([]int64(nil), graphs.stepPastLens...)
	graphs.mu.Lock()
	graphs.stepPastLens = nil
	graphs.eosQueries = 0
	graphs.mu.Unlock()

	if _, err := e.Generate(context.Background(), req); err != nil {
		t.Fatalf("second Generate: %v", err)
	}

	// A leaked cache from the first session would show up as inflated
	// sequence lengths in the second.
	for i := range firstLens {
		if graphs.stepPastLens[i] != firstLens[i] {
			t.Fatalf("step %d cache len %d differs from first session's %d", i, graphs.stepPastLens[i], firstLens[i])
		}
	}
}

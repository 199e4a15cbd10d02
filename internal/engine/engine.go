// Package engine implements the autoregressive VibeVoice inference loop:
// text encoding, KV-cached backbone stepping with classifier-free guidance,
// per-frame DDPM denoising, EOS detection, and acoustic decoding into a
// 24 kHz sample stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/example/go-vibevoice/internal/npy"
	"github.com/example/go-vibevoice/internal/onnx"
	"github.com/example/go-vibevoice/internal/voice"
)

// Tokenizer converts prompt text into token ids. Implementations must be
// deterministic and stateless.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

// Engine owns the loaded model graphs, the voice preset store, and the
// diffusion schedule. It is immutable after construction and safe for
// concurrent use; per-request state lives in sessions.
type Engine struct {
	cfg       Config
	runners   map[string]onnx.GraphRunner
	voices    *voice.Store
	tokenizer Tokenizer
	schedule  *Schedule
	speechEmb []float32

	// sem admits sessions to the shared forward-pass graphs. Acquisition is
	// FIFO, so excess demand queues instead of spawning unbounded compute.
	sem *semaphore.Weighted
	seq atomic.Uint64
}

// NewEngine loads every required graph named by the artifact manifest under
// modelsDir, plus the speech type embedding, and wires in the preset store
// and tokenizer. Any missing or malformed artifact fails here, not at
// generation time.
func NewEngine(cfg Config, modelsDir string, store *voice.Store, tok Tokenizer, rcfg onnx.RunnerConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	manifest, err := onnx.LoadManifest(filepath.Join(modelsDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if err := manifest.RequireGraphs(RequiredGraphs...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	runners := make(map[string]onnx.GraphRunner, len(RequiredGraphs))
	for _, name := range RequiredGraphs {
		meta, _ := manifest.Graph(name)
		runner, err := onnx.NewRunner(meta, rcfg)
		if err != nil {
			closeRunners(runners)
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		runners[name] = runner
	}

	speechEmb, err := loadSpeechTypeEmbedding(modelsDir, cfg.HiddenSize)
	if err != nil {
		closeRunners(runners)
		return nil, err
	}

	e, err := NewEngineWithRunners(cfg, runners, store, tok, speechEmb)
	if err != nil {
		closeRunners(runners)
		return nil, err
	}

	slog.Info("engine ready",
		"graphs", strings.Join(manifest.Names(), ","),
		"voices", len(store.IDs()),
		"inference_steps", cfg.NumInferenceSteps,
		"workers", cfg.Workers,
	)
	return e, nil
}

// NewEngineWithRunners builds an Engine from externally provided graph
// runners. This is the constructor tests use with fake runners.
func NewEngineWithRunners(cfg Config, runners map[string]onnx.GraphRunner, store *voice.Store, tok Tokenizer, speechEmb []float32) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: voice store is required", ErrModelLoad)
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: tokenizer is required", ErrModelLoad)
	}
	if len(speechEmb) != cfg.HiddenSize {
		return nil, fmt.Errorf("%w: speech type embedding has %d values, want %d", ErrModelLoad, len(speechEmb), cfg.HiddenSize)
	}

	schedule, err := NewSchedule(cfg.BetaStart, cfg.BetaEnd, cfg.NumTrainTimesteps, cfg.NumInferenceSteps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	return &Engine{
		cfg:       cfg,
		runners:   runners,
		voices:    store,
		tokenizer: tok,
		schedule:  schedule,
		speechEmb: append([]float32(nil), speechEmb...),
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
	}, nil
}

// Config returns the engine's validated configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Voices returns the preset store.
func (e *Engine) Voices() *voice.Store {
	return e.voices
}

// Close releases all loaded graph runners.
func (e *Engine) Close() {
	closeRunners(e.runners)
}

// Request names the text and voice for one generation session.
type Request struct {
	Text  string
	Voice string
}

// StreamOptions configures incremental delivery.
type StreamOptions struct {
	// Buffer is the consumer channel capacity in chunks (default 8).
	Buffer int
	// Policy selects backpressure (block) or drop-oldest on overflow.
	Policy OverflowPolicy
}

// Stream is a running generation session delivering audio incrementally.
type Stream struct {
	// Chunks carries decoded audio in order; it is closed after the final
	// chunk. A slow consumer blocks or drops per the configured policy.
	Chunks <-chan Chunk

	done chan struct{}
	sess *session
	out  []float32
}

// Result blocks until the session finishes and returns the collected
// outcome. The samples cover every chunk emitted, including any the
// drop-oldest policy discarded from the live channel.
func (st *Stream) Result() (*Result, error) {
	<-st.done
	return st.sess.result(st.out)
}

// Generate synthesizes speech for the request and returns the complete
// sample buffer. It validates the request, queues for a forward-pass
// worker, and runs the session to completion.
func (e *Engine) Generate(ctx context.Context, req Request) (*Result, error) {
	stream, err := e.GenerateStream(ctx, req, StreamOptions{Buffer: 8, Policy: OverflowBlock})
	if err != nil {
		return nil, err
	}
	for range stream.Chunks {
		// Drain; Result collects the samples.
	}
	return stream.Result()
}

// GenerateStream validates the request and starts a session that pushes
// decoded chunks to the returned stream. Validation failures are returned
// synchronously before any cache allocation.
func (e *Engine) GenerateStream(ctx context.Context, req Request, opts StreamOptions) (*Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", ErrInput)
	}
	preset, err := e.voices.Get(req.Voice)
	if err != nil {
		if errors.Is(err, voice.ErrNotFound) {
			return nil, fmt.Errorf("%w: voice not found: %q", ErrInput, req.Voice)
		}
		return nil, err
	}

	tokens, err := e.tokenizer.Encode(req.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenize: %v", ErrInput, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: text produced no tokens", ErrInput)
	}

	if opts.Buffer == 0 {
		opts.Buffer = 8
	}
	sink, err := newChunkSink(opts.Buffer, opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInput, err)
	}

	sess := e.newSession(preset, tokens, e.seq.Add(1))
	st := &Stream{Chunks: sink.ch, done: make(chan struct{}), sess: sess}

	go func() {
		defer close(st.done)
		defer sink.close()

		// FIFO admission to the shared graphs.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			sess.err = fmt.Errorf("%w: %v", ErrCancelled, err)
			sess.state = stateErrored
			return
		}
		defer e.sem.Release(1)

		sess.run(ctx, sink)
		st.out = sink.collected
	}()

	return st, nil
}

func loadSpeechTypeEmbedding(modelsDir string, hiddenSize int) ([]float32, error) {
	t, err := npy.ReadFileWithShape(filepath.Join(modelsDir, "speech_type_embedding.npy"), []int64{int64(hiddenSize)})
	if err != nil {
		return nil, fmt.Errorf("%w: speech type embedding: %v", ErrModelLoad, err)
	}
	return t.Data, nil
}

func closeRunners(runners map[string]onnx.GraphRunner) {
	for _, r := range runners {
		if r != nil {
			r.Close()
		}
	}
}

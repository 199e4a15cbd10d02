package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/example/go-vibevoice/internal/onnx"
	"github.com/example/go-vibevoice/internal/voice"
)

type sessionState int

const (
	statePrefill sessionState = iota
	stateStepping
	stateDone
	stateErrored
)

// Result is the outcome of one generation session.
type Result struct {
	Samples []float32
	Frames  int
	// Truncated is set when the step budget ran out before an EOS decision;
	// the audio produced so far is still returned.
	Truncated bool
	// Incomplete marks partial output retained after a cancel or a
	// mid-generation inference failure.
	Incomplete bool
}

// session owns the mutable per-request state: private cache copies cloned
// from the voice preset, the frame buffer, the step counter, and the RNG.
// Execution within a session is strictly sequential; step t+1 depends on
// the cache state produced at step t.
type session struct {
	engine  *Engine
	voiceID string
	tokens  []int64

	pos *onnx.KVCache
	neg *onnx.KVCache
	lm  *onnx.KVCache

	rng    *rand.Rand
	frames [][]float32
	step   int
	state  sessionState

	truncated bool
	err       error
}

func (e *Engine) newSession(preset *voice.Preset, tokens []int64, seq uint64) *session {
	return &session{
		engine:  e,
		voiceID: preset.ID,
		tokens:  tokens,
		pos:     preset.CloneTTS(),
		neg:     preset.CloneNegative(),
		lm:      preset.CloneLM(),
		rng:     rand.New(rand.NewPCG(e.cfg.Seed, seq)),
		state:   statePrefill,
	}
}

// run drives the state machine to completion, emitting decoded audio
// through sink as frames accumulate. Cancellation is honoured only at step
// boundaries: an in-flight forward pass always completes.
func (s *session) run(ctx context.Context, sink *chunkSink) {
	hidden, err := s.prefill(ctx)
	if err != nil {
		s.fail(err)
		return
	}
	s.state = stateStepping

	useGuidance := s.engine.cfg.CFGScale > 1.0
	decoded := 0 // frames already flushed through the acoustic decoder

	for s.step < s.engine.cfg.MaxSteps {
		if ctx.Err() != nil {
			s.err = fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
			break
		}

		embeds, err := s.stepEmbedding(ctx, hidden)
		if err != nil {
			s.fail(err)
			return
		}

		hiddenPos, err := s.engine.backboneForward(ctx, GraphTTSStep, embeds, s.pos)
		if err != nil {
			s.fail(err)
			return
		}

		var hiddenNeg []float32
		if useGuidance {
			hiddenNeg, err = s.engine.backboneForward(ctx, GraphTTSStep, embeds, s.neg)
			if err != nil {
				s.fail(err)
				return
			}
		}

		stop, err := s.engine.eosProbability(ctx, hiddenPos)
		if err != nil {
			s.fail(err)
			return
		}
		if stop > s.engine.cfg.EOSThreshold {
			// Stopping step produces no frame: the EOS decision runs before
			// the denoising subroutine.
			slog.Debug("eos reached", "voice", s.voiceID, "step", s.step, "probability", stop)
			break
		}

		frame, err := s.engine.denoiseFrame(ctx, s.rng, hiddenPos, hiddenNeg)
		if err != nil {
			s.fail(err)
			return
		}
		s.frames = append(s.frames, frame)
		s.step++
		hidden = nil // steps after the first feed the connector, not the prefill state

		if len(s.frames)-decoded >= s.engine.cfg.DecodeFrameBatch {
			if err := s.flush(ctx, sink, &decoded, false); err != nil {
				s.fail(err)
				return
			}
		}
	}

	if s.err == nil && s.step >= s.engine.cfg.MaxSteps {
		s.truncated = true
		slog.Debug("step budget exhausted", "voice", s.voiceID, "steps", s.step)
	}
	s.state = stateDone

	if err := s.flush(ctx, sink, &decoded, true); err != nil {
		s.fail(err)
		return
	}

	slog.Info("generation complete",
		"voice", s.voiceID,
		"frames", len(s.frames),
		"truncated", s.truncated,
		"cancelled", s.err != nil,
	)
}

// prefill extends the positive backbone cache with the text-conditioning
// embeddings in one combined forward call and returns the hidden state that
// seeds step 0.
func (s *session) prefill(ctx context.Context) ([]float32, error) {
	textEmbeds, err := s.engine.textEncode(ctx, s.tokens, s.lm)
	if err != nil {
		return nil, err
	}

	hidden, err := s.engine.backboneForward(ctx, GraphTTSPrefill, textEmbeds, s.pos)
	if err != nil {
		return nil, err
	}
	return hidden, nil
}

// stepEmbedding builds the [1,1,H] input for one backbone step. Step 0 uses
// the prefill hidden state directly; later steps project the previous
// frame's latent through the acoustic connector. Both add the learned
// speech type embedding.
func (s *session) stepEmbedding(ctx context.Context, prefillHidden []float32) (*onnx.Tensor, error) {
	var base []float32
	if s.step == 0 {
		base = prefillHidden
	} else {
		projected, err := s.engine.connect(ctx, s.frames[len(s.frames)-1])
		if err != nil {
			return nil, err
		}
		base = projected
	}

	data := make([]float32, len(base))
	for i := range data {
		data[i] = base[i] + s.engine.speechEmb[i]
	}
	return onnx.NewTensor(data, []int64{1, 1, int64(len(data))})
}

// flush decodes frames produced since the previous flush and emits them.
// The final flush always emits a chunk so consumers see the Final marker.
func (s *session) flush(ctx context.Context, sink *chunkSink, decoded *int, final bool) error {
	// A cancelled session still decodes and delivers its partial tail, so
	// the final flush must not fail on the session context.
	if final {
		ctx = context.WithoutCancel(ctx)
	}
	pending := s.frames[*decoded:]
	var samples []float32
	if len(pending) > 0 {
		var err error
		samples, err = s.engine.decodeFrames(ctx, pending)
		if err != nil {
			return err
		}
		*decoded = len(s.frames)
	}
	if !final && len(samples) == 0 {
		return nil
	}
	return sink.emit(ctx, samples, final)
}

func (s *session) fail(err error) {
	s.state = stateErrored
	if !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrModelLoad) {
		err = fmt.Errorf("%w: %v", ErrInference, err)
	}
	// A cancellation recorded at the step boundary takes precedence over any
	// later failure in the final flush.
	if s.err == nil {
		s.err = err
	}
	slog.Error("generation aborted", "voice", s.voiceID, "step", s.step, "error", err)
}

func (s *session) result(collected []float32) (*Result, error) {
	res := &Result{
		Samples:    collected,
		Frames:     len(s.frames),
		Truncated:  s.truncated,
		Incomplete: s.err != nil,
	}
	return res, s.err
}

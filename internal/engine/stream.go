package engine

import (
	"context"
	"fmt"
)

// Chunk is one streamed span of PCM samples. Offset is the running sample
// position of the chunk's first sample; the final chunk has Final set and
// may carry zero samples.
type Chunk struct {
	Samples []float32
	Offset  int
	Final   bool
}

// OverflowPolicy selects how a streaming producer treats a full consumer
// channel. The engine has no default of its own; callers choose.
type OverflowPolicy int

const (
	// OverflowBlock applies backpressure: the producer waits (honouring the
	// session context) until the consumer drains a slot.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest discards the oldest undelivered chunk to make room,
	// keeping the stream realtime at the cost of gaps.
	OverflowDropOldest
)

// chunkSink pushes decoded audio to the consumer channel, tracking the
// running sample offset. It also accumulates the full sample sequence so
// Result can return complete audio even under a drop-oldest channel policy.
type chunkSink struct {
	ch        chan Chunk
	policy    OverflowPolicy
	offset    int
	collected []float32
}

func newChunkSink(buffer int, policy OverflowPolicy) (*chunkSink, error) {
	if buffer < 1 {
		return nil, fmt.Errorf("stream buffer must hold at least one chunk")
	}
	if policy != OverflowBlock && policy != OverflowDropOldest {
		return nil, fmt.Errorf("unknown overflow policy %d", policy)
	}
	return &chunkSink{ch: make(chan Chunk, buffer), policy: policy}, nil
}

func (s *chunkSink) emit(ctx context.Context, samples []float32, final bool) error {
	chunk := Chunk{Samples: samples, Offset: s.offset, Final: final}
	s.offset += len(samples)
	s.collected = append(s.collected, samples...)

	switch s.policy {
	case OverflowBlock:
		select {
		case s.ch <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default: // OverflowDropOldest
		for {
			select {
			case s.ch <- chunk:
				return nil
			default:
			}
			// Full: evict the oldest queued chunk and retry. The engine is
			// the only sender, so the loop terminates once a slot frees up.
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *chunkSink) close() {
	close(s.ch)
}

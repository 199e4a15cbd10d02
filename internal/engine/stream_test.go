package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChunkSink_OffsetsAndFinalMarker(t *testing.T) {
	sink, err := newChunkSink(4, OverflowBlock)
	if err != nil {
		t.Fatalf("newChunkSink: %v", err)
	}

	ctx := context.Background()
	if err := sink.emit(ctx, []float32{1, 2, 3}, false); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := sink.emit(ctx, []float32{4, 5}, false); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := sink.emit(ctx, nil, true); err != nil {
		t.Fatalf("emit final: %v", err)
	}
	sink.close()

	var chunks []Chunk
	for c := range sink.ch {
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks; want 3", len(chunks))
	}
	if chunks[0].Offset != 0 || chunks[1].Offset != 3 || chunks[2].Offset != 5 {
		t.Errorf("offsets = %d,%d,%d; want 0,3,5", chunks[0].Offset, chunks[1].Offset, chunks[2].Offset)
	}
	if chunks[2].Final != true || chunks[0].Final || chunks[1].Final {
		t.Error("only the last chunk should carry the Final marker")
	}
	if len(sink.collected) != 5 {
		t.Errorf("collected %d samples; want 5", len(sink.collected))
	}
}

func TestChunkSink_BlockPolicyHonoursContext(t *testing.T) {
	sink, err := newChunkSink(1, OverflowBlock)
	if err != nil {
		t.Fatalf("newChunkSink: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sink.emit(ctx, []float32{1}, false); err != nil {
		t.Fatalf("first emit: %v", err)
	}

	// Channel is full and nobody is draining; the second emit must block
	// until the context is cancelled.
	errCh := make(chan error, 1)
	go func() {
		errCh <- sink.emit(ctx, []float32{2}, false)
	}()

	select {
	case err := <-errCh:
		t.Fatalf("emit returned %v before cancellation", err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("emit error = %v; want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("emit did not unblock after cancellation")
	}
}

func TestChunkSink_DropOldestKeepsNewest(t *testing.T) {
	sink, err := newChunkSink(2, OverflowDropOldest)
	if err != nil {
		t.Fatalf("newChunkSink: %v", err)
	}

	ctx := context.Background()
	for i := range 5 {
		if err := sink.emit(ctx, []float32{float32(i)}, false); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	sink.close()

	var got []int
	for c := range sink.ch {
		got = append(got, c.Offset)
	}
	if len(got) != 2 {
		t.Fatalf("channel holds %d chunks; want capacity 2", len(got))
	}
	// The two newest chunks survive; older ones were evicted.
	if got[0] != 3 || got[1] != 4 {
		t.Errorf("surviving offsets = %v; want [3 4]", got)
	}

	// The collected buffer still has every sample for Result.
	if len(sink.collected) != 5 {
		t.Errorf("collected %d samples; want all 5 despite drops", len(sink.collected))
	}
}

func TestNewChunkSink_Validation(t *testing.T) {
	if _, err := newChunkSink(0, OverflowBlock); err == nil {
		t.Error("expected error for zero buffer")
	}
	if _, err := newChunkSink(4, OverflowPolicy(9)); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestGenerateStream_DeliversOrderedChunks(t *testing.T) {
	graphs := &fakeGraphs{eosAfter: 5}
	e := fakeEngine(t, testConfig(), graphs)

	st, err := e.GenerateStream(context.Background(), Request{Text: "hello world", Voice: "narrator"}, StreamOptions{Buffer: 16})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var total int
	var sawFinal bool
	for c := range st.Chunks {
		if c.Offset != total {
			t.Errorf("chunk offset %d; want running total %d", c.Offset, total)
		}
		total += len(c.Samples)
		if c.Final {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("stream ended without a Final chunk")
	}

	res, err := st.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Frames != 5 {
		t.Errorf("Frames = %d; want 5", res.Frames)
	}
	if total != len(res.Samples) {
		t.Errorf("streamed %d samples but Result has %d", total, len(res.Samples))
	}
}

func TestGenerateStream_ResultCompleteUnderDropOldest(t *testing.T) {
	cfg := testConfig()
	cfg.DecodeFrameBatch = 1
	graphs := &fakeGraphs{eosAfter: 6}
	e := fakeEngine(t, cfg, graphs)

	// A one-slot channel with no consumer forces evictions while the
	// session runs to completion.
	st, err := e.GenerateStream(context.Background(), Request{Text: "hello", Voice: "narrator"},
		StreamOptions{Buffer: 1, Policy: OverflowDropOldest})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	res, err := st.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(res.Samples) != 6*fixHopLength {
		t.Errorf("Result samples = %d; want %d including dropped chunks", len(res.Samples), 6*fixHopLength)
	}

	for range st.Chunks {
		// Drain whatever survived the evictions.
	}
}

package onnx

import "fmt"

// LayerKV holds the attention key/value tensors for one transformer layer,
// each shaped [1, num_kv_heads, seq_len, head_dim].
type LayerKV struct {
	Key   *Tensor
	Value *Tensor
}

// KVCache is the per-layer attention cache for one transformer stack.
// SeqLen equals the number of positions fed into the stack so far; the
// cache only grows, it is never truncated or reordered.
type KVCache struct {
	Layers []LayerKV
	SeqLen int64
}

// NewKVCache validates that all layers agree on batch size 1, head count,
// sequence length, and head dimension, and returns the assembled cache.
func NewKVCache(layers []LayerKV) (*KVCache, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("kv cache needs at least one layer")
	}

	var heads, seqLen, headDim int64
	first := true
	for i, l := range layers {
		for _, side := range []struct {
			name string
			t    *Tensor
		}{{"key", l.Key}, {"value", l.Value}} {
			if side.t == nil {
				return nil, fmt.Errorf("layer %d: nil %s tensor", i, side.name)
			}
			shape := side.t.Shape()
			if len(shape) != 4 {
				return nil, fmt.Errorf("layer %d %s: rank %d, want 4", i, side.name, len(shape))
			}
			if shape[0] != 1 {
				return nil, fmt.Errorf("layer %d %s: batch dim %d, want 1", i, side.name, shape[0])
			}
			if first {
				heads, seqLen, headDim = shape[1], shape[2], shape[3]
				first = false
				continue
			}
			if shape[1] != heads || shape[2] != seqLen || shape[3] != headDim {
				return nil, fmt.Errorf(
					"layer %d %s: shape %v disagrees with [1 %d %d %d]",
					i, side.name, shape, heads, seqLen, headDim,
				)
			}
		}
	}

	return &KVCache{Layers: layers, SeqLen: seqLen}, nil
}

// Clone deep-copies the cache so a session can grow it without aliasing the
// preset's storage.
func (c *KVCache) Clone() *KVCache {
	layers := make([]LayerKV, len(c.Layers))
	for i, l := range c.Layers {
		layers[i] = LayerKV{Key: l.Key.Clone(), Value: l.Value.Clone()}
	}
	return &KVCache{Layers: layers, SeqLen: c.SeqLen}
}

// NumLayers returns the transformer layer count.
func (c *KVCache) NumLayers() int {
	return len(c.Layers)
}

// Replace swaps in the present-state tensors returned by a forward pass and
// updates SeqLen from their sequence dimension. The layer count must match.
func (c *KVCache) Replace(layers []LayerKV) error {
	next, err := NewKVCache(layers)
	if err != nil {
		return err
	}
	if next.NumLayers() != c.NumLayers() {
		return fmt.Errorf("layer count changed from %d to %d", c.NumLayers(), next.NumLayers())
	}
	if next.SeqLen < c.SeqLen {
		return fmt.Errorf("cache shrank from %d to %d positions", c.SeqLen, next.SeqLen)
	}
	c.Layers = next.Layers
	c.SeqLen = next.SeqLen
	return nil
}

// Package voice loads and serves immutable per-voice precomputed cache
// state. A preset directory holds metadata.json plus one .npy key/value
// pair per transformer layer for the TTS backbone, the text LM, and the
// minimal negative (unconditioned) backbone prompt.
package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/example/go-vibevoice/internal/npy"
	"github.com/example/go-vibevoice/internal/onnx"
)

var (
	// ErrNotFound reports an unknown voice id.
	ErrNotFound = errors.New("voice not found")
	// ErrCorrupt reports a preset whose metadata and tensors disagree.
	ErrCorrupt = errors.New("corrupt voice preset")
)

// Metadata mirrors a preset's metadata.json.
type Metadata struct {
	Name         string `json:"name"`
	LMPromptLen  int64  `json:"lm_prompt_len"`
	TTSPromptLen int64  `json:"tts_prompt_len"`
	NegPromptLen int64  `json:"neg_prompt_len"`
	NumTTSLayers int    `json:"num_tts_layers"`
	NumLMLayers  int    `json:"num_lm_layers"`
}

// Preset is an immutable per-voice record. The caches are owned by the
// store and must never be mutated; sessions obtain private deep copies via
// the Clone methods.
type Preset struct {
	ID   string
	Meta Metadata

	tts      *onnx.KVCache
	lm       *onnx.KVCache
	negative *onnx.KVCache
}

// CloneTTS returns a private copy of the positive backbone cache.
func (p *Preset) CloneTTS() *onnx.KVCache { return p.tts.Clone() }

// CloneLM returns a private copy of the text LM cache.
func (p *Preset) CloneLM() *onnx.KVCache { return p.lm.Clone() }

// CloneNegative returns a private copy of the minimal negative backbone cache.
func (p *Preset) CloneNegative() *onnx.KVCache { return p.negative.Clone() }

// Store serves immutable voice presets. It is safe for unlimited concurrent
// reads after Load returns.
type Store struct {
	dir     string
	presets map[string]*Preset
	ids     []string
}

// Load parses every voice directory under dir. Each subdirectory with a
// metadata.json is a voice; its id is the directory name. A preset whose
// cache tensors do not match the metadata is an ErrCorrupt failure for the
// whole load, never deferred to generation time.
func Load(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read voices directory: %w", err)
	}

	store := &Store{dir: dir, presets: make(map[string]*Preset)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		voiceDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(voiceDir, "metadata.json")); err != nil {
			continue
		}

		preset, err := loadPreset(entry.Name(), voiceDir)
		if err != nil {
			return nil, fmt.Errorf("voice %q: %w", entry.Name(), err)
		}
		store.presets[preset.ID] = preset
		store.ids = append(store.ids, preset.ID)

		slog.Info("loaded voice preset",
			"voice", preset.ID,
			"tts_prompt_len", preset.Meta.TTSPromptLen,
			"lm_prompt_len", preset.Meta.LMPromptLen,
			"neg_prompt_len", preset.Meta.NegPromptLen,
		)
	}

	if len(store.ids) == 0 {
		return nil, fmt.Errorf("no voice presets found under %q", dir)
	}
	sort.Strings(store.ids)

	return store, nil
}

// Get returns the immutable preset for the given id.
func (s *Store) Get(id string) (*Preset, error) {
	p, ok := s.presets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// IDs returns all voice ids in sorted order.
func (s *Store) IDs() []string {
	return append([]string(nil), s.ids...)
}

func loadPreset(id, dir string) (*Preset, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrCorrupt, err)
	}
	if meta.NumTTSLayers < 1 || meta.NumLMLayers < 1 {
		return nil, fmt.Errorf("%w: metadata layer counts %d/%d must be positive", ErrCorrupt, meta.NumTTSLayers, meta.NumLMLayers)
	}
	if meta.TTSPromptLen < 1 || meta.LMPromptLen < 1 || meta.NegPromptLen < 1 {
		return nil, fmt.Errorf("%w: metadata prompt lengths must be positive", ErrCorrupt)
	}

	tts, err := loadCache(dir, "tts_kv", meta.NumTTSLayers, meta.TTSPromptLen)
	if err != nil {
		return nil, fmt.Errorf("%w: tts cache: %v", ErrCorrupt, err)
	}
	lm, err := loadCache(dir, "lm_kv", meta.NumLMLayers, meta.LMPromptLen)
	if err != nil {
		return nil, fmt.Errorf("%w: lm cache: %v", ErrCorrupt, err)
	}
	negative, err := loadCache(filepath.Join(dir, "negative"), "tts_kv", meta.NumTTSLayers, meta.NegPromptLen)
	if err != nil {
		return nil, fmt.Errorf("%w: negative cache: %v", ErrCorrupt, err)
	}

	// Positive and negative backbone caches feed the same attention layers,
	// so their head geometry must agree.
	posShape := tts.Layers[0].Key.Shape()
	negShape := negative.Layers[0].Key.Shape()
	if posShape[1] != negShape[1] || posShape[3] != negShape[3] {
		return nil, fmt.Errorf(
			"%w: negative cache geometry %v disagrees with positive %v",
			ErrCorrupt, negShape, posShape,
		)
	}

	return &Preset{ID: id, Meta: meta, tts: tts, lm: lm, negative: negative}, nil
}

func loadCache(dir, prefix string, numLayers int, promptLen int64) (*onnx.KVCache, error) {
	layers := make([]onnx.LayerKV, numLayers)
	for i := range numLayers {
		key, err := loadCacheTensor(filepath.Join(dir, fmt.Sprintf("%s_key_%d.npy", prefix, i)), promptLen)
		if err != nil {
			return nil, fmt.Errorf("layer %d key: %w", i, err)
		}
		value, err := loadCacheTensor(filepath.Join(dir, fmt.Sprintf("%s_value_%d.npy", prefix, i)), promptLen)
		if err != nil {
			return nil, fmt.Errorf("layer %d value: %w", i, err)
		}
		layers[i] = onnx.LayerKV{Key: key, Value: value}
	}

	// NewKVCache checks cross-layer consistency of heads and head dim.
	cache, err := onnx.NewKVCache(layers)
	if err != nil {
		return nil, err
	}
	return cache, nil
}

func loadCacheTensor(path string, promptLen int64) (*onnx.Tensor, error) {
	raw, err := npy.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw.Shape) != 4 {
		return nil, fmt.Errorf("%q: rank %d, want 4", path, len(raw.Shape))
	}
	if raw.Shape[0] != 1 {
		return nil, fmt.Errorf("%q: batch dim %d, want 1", path, raw.Shape[0])
	}
	if raw.Shape[2] != promptLen {
		return nil, fmt.Errorf("%q: seq len %d, metadata says %d", path, raw.Shape[2], promptLen)
	}
	return onnx.NewTensor(raw.Data, raw.Shape)
}

package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// spaceMarker is the BPE convention for a leading space.
const spaceMarker = "Ġ"

// BPETokenizer looks words up in a tokenizer.json vocabulary, falling back
// to character-level tokens for out-of-vocabulary words. This matches the
// reference greedy lookup over the exported vocabulary.
type BPETokenizer struct {
	vocab map[string]int64
}

type tokenizerFile struct {
	Model struct {
		Vocab map[string]int64 `json:"vocab"`
	} `json:"model"`
	Vocab map[string]int64 `json:"vocab"`
}

// NewBPETokenizer loads the vocabulary from a tokenizer.json file. The
// vocabulary may live at the top level or nested under "model".
func NewBPETokenizer(path string) (*BPETokenizer, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer vocabulary: %w", err)
	}
	return NewBPETokenizerFromBytes(data)
}

// NewBPETokenizerFromBytes parses a tokenizer.json payload.
func NewBPETokenizerFromBytes(data []byte) (*BPETokenizer, error) {
	var file tokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode tokenizer vocabulary: %w", err)
	}

	vocab := file.Model.Vocab
	if len(vocab) == 0 {
		vocab = file.Vocab
	}
	if len(vocab) == 0 {
		return nil, errors.New("tokenizer vocabulary is empty")
	}

	return &BPETokenizer{vocab: vocab}, nil
}

// Encode tokenizes text and returns token ids. Words are matched with a
// leading-space marker first, then bare, then character by character.
func (t *BPETokenizer) Encode(text string) ([]int64, error) {
	words := strings.Fields(text)
	ids := make([]int64, 0, len(words))

	for _, word := range words {
		if id, ok := t.vocab[spaceMarker+word]; ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, id)
			continue
		}

		for _, r := range word {
			ch := string(r)
			// Only the very first emitted token carries the leading-space
			// marker; later fallback characters look up bare.
			if len(ids) == 0 {
				if id, ok := t.vocab[spaceMarker+ch]; ok {
					ids = append(ids, id)
					continue
				}
			}
			if id, ok := t.vocab[ch]; ok {
				ids = append(ids, id)
			}
			// Characters absent from the vocabulary are dropped.
		}
	}

	return ids, nil
}

// VocabSize returns the number of known tokens.
func (t *BPETokenizer) VocabSize() int {
	return len(t.vocab)
}

// Package tokenizer encodes prompt text into token ids using the BPE
// vocabulary shipped alongside the model artifacts (tokenizer.json).
package tokenizer

import "errors"

// ErrEmptyPath is returned when a tokenizer is constructed with an empty path.
var ErrEmptyPath = errors.New("tokenizer vocabulary path must not be empty")

// Tokenizer encodes text into token ids. Implementations are deterministic
// and stateless.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

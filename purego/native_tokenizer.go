//go:build tokenizers

package purego

import (
	"fmt"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// NativeTokenizer wraps the Rust HuggingFace tokenizers library through cgo.
// Build with -tags tokenizers and libtokenizers.a on the linker path.
type NativeTokenizer struct {
	tk      *tokenizers.Tokenizer
	special SpecialTokens
}

// LoadTokenizer picks the cgo tokenizer when built with -tags tokenizers
func LoadTokenizer(dir string) (EngineTokenizer, error) {
	return NewNativeTokenizer(dir)
}

// NewNativeTokenizer loads tokenizer.json and the special token ids from dir
func NewNativeTokenizer(dir string) (*NativeTokenizer, error) {
	t, err := tokenizers.FromFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	special := LoadSpecialTokens(dir, nil)
	if special.VocabSize == 0 {
		special.VocabSize = int(t.VocabSize())
	}

	fmt.Printf("✓ Loaded native tokenizer (vocab: %d, EOS: %d)\n", special.VocabSize, special.EOS)
	return &NativeTokenizer{tk: t, special: special}, nil
}

// Encode converts text to token IDs
func (t *NativeTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts token IDs to text, skipping special tokens
func (t *NativeTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID
func (t *NativeTokenizer) EOSTokenID() int {
	return t.special.EOS
}

// BOSTokenID returns the BOS token ID
func (t *NativeTokenizer) BOSTokenID() int {
	return t.special.BOS
}

// PadTokenID returns the padding token ID
func (t *NativeTokenizer) PadTokenID() int {
	return t.special.Pad
}

// VocabSize returns the vocabulary size
func (t *NativeTokenizer) VocabSize() int {
	return t.special.VocabSize
}

// Close releases the native tokenizer
func (t *NativeTokenizer) Close() error {
	return t.tk.Close()
}

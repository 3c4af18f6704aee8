//go:build !tokenizers

package purego

// LoadTokenizer returns the pure Go tokenizer for dir. Building with
// -tags tokenizers swaps in NativeTokenizer.
func LoadTokenizer(dir string) (EngineTokenizer, error) {
	return NewTokenizer(dir)
}

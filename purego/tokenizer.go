package purego

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// SpecialTokens holds the ids a runner needs besides the vocabulary
type SpecialTokens struct {
	BOS       int
	EOS       int
	Pad       int
	VocabSize int
}

// LoadSpecialTokens resolves special token ids for a model directory. Token
// strings from tokenizer_config.json are looked up in vocab; ids in
// config.json take precedence when present.
func LoadSpecialTokens(dir string, vocab map[string]int) SpecialTokens {
	st := SpecialTokens{BOS: -1, EOS: -1, Pad: -1, VocabSize: len(vocab)}

	if data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); err == nil {
		var config struct {
			EOSToken interface{} `json:"eos_token"`
			BOSToken interface{} `json:"bos_token"`
			PadToken interface{} `json:"pad_token"`
		}
		if err := json.Unmarshal(data, &config); err == nil {
			lookup := func(token interface{}, dst *int) {
				if id, ok := vocab[tokenString(token)]; ok {
					*dst = id
				}
			}
			lookup(config.EOSToken, &st.EOS)
			lookup(config.BOSToken, &st.BOS)
			lookup(config.PadToken, &st.Pad)
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "config.json")); err == nil {
		var config struct {
			VocabSize  *int `json:"vocab_size"`
			EOSTokenID *int `json:"eos_token_id"`
			BOSTokenID *int `json:"bos_token_id"`
			PadTokenID *int `json:"pad_token_id"`
		}
		if err := json.Unmarshal(data, &config); err == nil {
			set := func(v *int, dst *int) {
				if v != nil && *v >= 0 {
					*dst = *v
				}
			}
			set(config.VocabSize, &st.VocabSize)
			set(config.EOSTokenID, &st.EOS)
			set(config.BOSTokenID, &st.BOS)
			set(config.PadTokenID, &st.Pad)
		}
	}

	return st
}

// tokenString accepts both the plain and the AddedToken dict form
func tokenString(token interface{}) string {
	switch v := token.(type) {
	case string:
		return v
	case map[string]interface{}:
		if content, ok := v["content"].(string); ok {
			return content
		}
	}
	return ""
}

// Tokenizer is a pure Go HuggingFace tokenizer backed by tokenizer.json
type Tokenizer struct {
	tk      *tk.Tokenizer
	special SpecialTokens
}

// NewTokenizer loads tokenizer.json and the special token ids from dir
func NewTokenizer(dir string) (*Tokenizer, error) {
	t, err := pretrained.FromFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	tok := &Tokenizer{
		tk:      t,
		special: LoadSpecialTokens(dir, t.GetVocab(true)),
	}

	fmt.Printf("✓ Loaded tokenizer (vocab: %d, EOS: %d, BOS: %d)\n",
		tok.special.VocabSize, tok.special.EOS, tok.special.BOS)

	return tok, nil
}

// Encode converts text to token IDs
func (t *Tokenizer) Encode(text string) ([]int, error) {
	enc, err := t.tk.EncodeSingle(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode: %w", err)
	}
	ids := make([]int, len(enc.Ids))
	for i, id := range enc.Ids {
		ids[i] = int(id)
	}
	return ids, nil
}

// Decode converts token IDs to text, skipping special tokens
func (t *Tokenizer) Decode(tokenIDs []int) (string, error) {
	return t.tk.Decode(tokenIDs, true), nil
}

// EOSTokenID returns the EOS token ID
func (t *Tokenizer) EOSTokenID() int {
	return t.special.EOS
}

// BOSTokenID returns the BOS token ID
func (t *Tokenizer) BOSTokenID() int {
	return t.special.BOS
}

// PadTokenID returns the padding token ID
func (t *Tokenizer) PadTokenID() int {
	return t.special.Pad
}

// VocabSize returns the vocabulary size
func (t *Tokenizer) VocabSize() int {
	return t.special.VocabSize
}

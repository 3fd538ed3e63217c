//go:build hftokenizers

package purego

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// HFTokenizerFile is the HuggingFace fast tokenizer file
const HFTokenizerFile = "tokenizer.json"

func init() {
	RegisterLoader("huggingface", []string{HFTokenizerFile}, func(dir string) (Tokenizer, error) {
		return NewHFTokenizer(dir)
	})
}

// HFTokenizer wraps the Rust tokenizers library for tokenizer.json files
type HFTokenizer struct {
	tk    *tokenizers.Tokenizer
	eosID int
}

// NewHFTokenizer loads tokenizer.json from dir. The EOS token is taken from
// tokenizer_config.json when present and falls back to EndOfText.
func NewHFTokenizer(dir string) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(filepath.Join(dir, HFTokenizerFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", HFTokenizerFile, err)
	}

	eos := EndOfText
	if data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); err == nil {
		var cfg struct {
			EOSToken any `json:"eos_token"`
		}
		if json.Unmarshal(data, &cfg) == nil {
			switch v := cfg.EOSToken.(type) {
			case string:
				eos = v
			case map[string]any:
				if s, ok := v["content"].(string); ok {
					eos = s
				}
			}
		}
	}

	t := &HFTokenizer{tk: tk, eosID: -1}
	if ids, _ := tk.Encode(eos, false); len(ids) == 1 {
		t.eosID = int(ids[0])
	}
	return t, nil
}

// Encode converts text to token IDs without adding special tokens
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts token IDs to text, skipping special tokens
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id >= 0 {
			ids = append(ids, uint32(id))
		}
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID
func (t *HFTokenizer) EOSTokenID() int {
	return t.eosID
}

// VocabSize returns the tokenizer vocabulary size
func (t *HFTokenizer) VocabSize() int {
	return int(t.tk.VocabSize())
}

// Close releases the native tokenizer
func (t *HFTokenizer) Close() error {
	return t.tk.Close()
}

//go:build hftokenizers

package tokenizer

import (
	"fmt"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// HF wraps the Rust HuggingFace tokenizers library. It handles every model
// type tokenizer.json supports, not only byte-level BPE.
type HF struct {
	tk       *tokenizers.Tokenizer
	eosToken string
	eosID    int
	padID    int
}

// LoadHF loads dir/tokenizer.json with the native library. Special tokens
// are resolved the same way Load resolves them.
func LoadHF(dir string) (*HF, error) {
	tk, err := tokenizers.FromFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer from %s: %w", dir, err)
	}
	h := &HF{tk: tk, eosID: -1, padID: -1}

	special := loadSpecial(filepath.Join(dir, "tokenizer_config.json"))
	if special.EOS != "" {
		if ids, _ := tk.Encode(special.EOS, false); len(ids) == 1 {
			h.eosToken, h.eosID = special.EOS, int(ids[0])
		}
	}
	if special.Pad != "" {
		if ids, _ := tk.Encode(special.Pad, false); len(ids) == 1 {
			h.padID = int(ids[0])
		}
	}
	return h, nil
}

func (h *HF) Encode(text string) ([]int, error) {
	ids, _ := h.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (h *HF) Decode(ids []int) (string, error) {
	in := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id >= 0 {
			in = append(in, uint32(id))
		}
	}
	return h.tk.Decode(in, true), nil
}

func (h *HF) EOSToken() string { return h.eosToken }
func (h *HF) EOSTokenID() int  { return h.eosID }
func (h *HF) PadTokenID() int  { return h.padID }

// VocabSize reports the native vocabulary size.
func (h *HF) VocabSize() int {
	return int(h.tk.VocabSize())
}

func (h *HF) Close() error {
	return h.tk.Close()
}

//go:build hftokenizers

package main

import "streaminfer/tokenizer"

// loadTokenizer uses the native HuggingFace tokenizers library, which
// understands every tokenizer.json model type.
func loadTokenizer(dir string) (vocabTokenizer, error) {
	if dir == "" {
		return tokenizer.NewBytes(), nil
	}
	return tokenizer.LoadHF(dir)
}

//go:build !hftokenizers

package main

import "streaminfer/tokenizer"

// loadTokenizer reads a byte-level BPE vocabulary from dir, or falls back
// to raw bytes when dir is empty.
func loadTokenizer(dir string) (vocabTokenizer, error) {
	if dir == "" {
		return tokenizer.NewBytes(), nil
	}
	return tokenizer.Load(dir)
}

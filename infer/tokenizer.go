package infer

// Tokenizer converts between text and token ids.
//
// Decode must accept any id sequence, including ones that split a multi-byte
// character; the returned string may then hold invalid UTF-8 or U+FFFD.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)

	// EOSToken returns the textual form of the end-of-sequence token.
	EOSToken() string
	EOSTokenID() int

	// PadTokenID returns -1 when the vocabulary has no pad token.
	PadTokenID() int
}

// TokenByteReader is implemented by tokenizers that can report the raw
// bytes of one token. A token may hold part of a multi-byte character, which
// Decode cannot return intact.
type TokenByteReader interface {
	TokenBytes(id int) ([]byte, bool)
}

// padTokenID falls back to eos when the tokenizer defines no pad token.
func padTokenID(tok Tokenizer) int {
	if id := tok.PadTokenID(); id >= 0 {
		return id
	}
	return tok.EOSTokenID()
}

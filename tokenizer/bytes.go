package tokenizer

// Bytes maps every byte to its own id, shifted by one so that id 0 is the
// end-of-sequence token. It needs no vocabulary files.
type Bytes struct{}

func NewBytes() Bytes {
	return Bytes{}
}

func (Bytes) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := range len(text) {
		ids[i] = int(text[i]) + 1
	}
	return ids, nil
}

// Decode drops ids outside the byte range, including EOS.
func (Bytes) Decode(ids []int) (string, error) {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 1 && id <= 256 {
			b = append(b, byte(id-1))
		}
	}
	return string(b), nil
}

// TokenBytes returns the single byte behind id.
func (Bytes) TokenBytes(id int) ([]byte, bool) {
	if id < 1 || id > 256 {
		return nil, false
	}
	return []byte{byte(id - 1)}, true
}

func (Bytes) EOSToken() string { return "" }
func (Bytes) EOSTokenID() int  { return 0 }
func (Bytes) PadTokenID() int  { return -1 }
func (Bytes) VocabSize() int   { return 257 }

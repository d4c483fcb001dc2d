package tokenizer

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
)

func testVocab() map[string]int {
	return map[string]int{
		"<|endoftext|>": 0, "h": 1, "e": 2, "l": 3, "o": 4, "Ġ": 5, "w": 6, "r": 7, "d": 8,
		"he": 9, "ll": 10, "hell": 11, "hello": 12, "Ġw": 13, "<|im_end|>": 14, "Ã": 15, "©": 16,
	}
}

func testMerges() [][2]string {
	return [][2]string{{"h", "e"}, {"l", "l"}, {"he", "ll"}, {"hell", "o"}, {"Ġ", "w"}}
}

func newTestBPE(t *testing.T) *BPE {
	t.Helper()
	tok, err := NewBPE(testVocab(), testMerges(), []string{"<|endoftext|>", "<|im_end|>"}, Special{EOS: "<|endoftext|>"})
	if err != nil {
		t.Fatalf("NewBPE: %v", err)
	}
	return tok
}

func TestBPEEncode(t *testing.T) {
	t.Parallel()
	tok := newTestBPE(t)

	tests := []struct {
		text string
		want []int
	}{
		{text: "hello world", want: []int{12, 13, 4, 7, 3, 8}},
		{text: "he<|im_end|>ll", want: []int{9, 14, 10}},
		{text: "é", want: []int{15, 16}},
		{text: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got, err := tok.Encode(tt.text)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBPEDecode(t *testing.T) {
	t.Parallel()
	tok := newTestBPE(t)

	tests := []struct {
		name string
		ids  []int
		want string
	}{
		{name: "words", ids: []int{12, 13, 4, 7, 3, 8}, want: "hello world"},
		{name: "added token kept", ids: []int{9, 14}, want: "he<|im_end|>"},
		{name: "eos skipped", ids: []int{12, 0}, want: "hello"},
		{name: "split rune", ids: []int{15}, want: "\xc3"},
		{name: "unknown id", ids: []int{12, 999}, want: "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tok.Decode(tt.ids)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBPETokenBytes(t *testing.T) {
	t.Parallel()
	tok := newTestBPE(t)

	tests := []struct {
		name   string
		id     int
		want   []byte
		wantOK bool
	}{
		{name: "space prefixed", id: 13, want: []byte(" w"), wantOK: true},
		{name: "lead byte of a rune", id: 15, want: []byte{0xc3}, wantOK: true},
		{name: "added token", id: 14, want: []byte("<|im_end|>"), wantOK: true},
		{name: "eos", id: 0, want: []byte{}, wantOK: true},
		{name: "unknown", id: 999, want: nil, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := tok.TokenBytes(tt.id)
			if ok != tt.wantOK || !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v/%v, want %v/%v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBPESpecialTokens(t *testing.T) {
	t.Parallel()
	tok := newTestBPE(t)

	if tok.EOSToken() != "<|endoftext|>" || tok.EOSTokenID() != 0 {
		t.Fatalf("eos = %q/%d", tok.EOSToken(), tok.EOSTokenID())
	}
	if tok.PadTokenID() != -1 || tok.BOSTokenID() != -1 {
		t.Fatalf("pad/bos = %d/%d, want -1/-1", tok.PadTokenID(), tok.BOSTokenID())
	}
	if tok.VocabSize() != 17 {
		t.Fatalf("vocab size = %d, want 17", tok.VocabSize())
	}

	if _, err := NewBPE(testVocab(), nil, nil, Special{EOS: "</s>"}); err == nil {
		t.Fatalf("unknown special token accepted")
	}
	if _, err := NewBPE(testVocab(), nil, []string{"<tool>"}, Special{}); err == nil {
		t.Fatalf("unknown added token accepted")
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadTokenizerJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	vocab := testVocab()
	delete(vocab, "<|endoftext|>")
	delete(vocab, "<|im_end|>")
	writeJSON(t, filepath.Join(dir, "tokenizer.json"), map[string]any{
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": []any{"h e", []string{"l", "l"}, "he ll", "hell o", "Ġ w"},
		},
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<|endoftext|>", "special": true},
			{"id": 14, "content": "<|im_end|>", "special": true},
		},
	})
	writeJSON(t, filepath.Join(dir, "tokenizer_config.json"), map[string]any{
		"eos_token": map[string]any{"content": "<|endoftext|>"},
		"pad_token": nil,
	})

	tok, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ids, _ := tok.Encode("hello<|im_end|>")
	if want := []int{12, 14}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	if tok.EOSTokenID() != 0 || tok.PadTokenID() != -1 {
		t.Fatalf("eos/pad = %d/%d", tok.EOSTokenID(), tok.PadTokenID())
	}
}

func TestLoadVocabMergesFallback(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	writeJSON(t, filepath.Join(dir, "vocab.json"), testVocab())
	merges := "#version: 0.2\nh e\nl l\nhe ll\nhell o\nĠ w\n"
	if err := os.WriteFile(filepath.Join(dir, "merges.txt"), []byte(merges), 0o644); err != nil {
		t.Fatal(err)
	}
	writeJSON(t, filepath.Join(dir, "config.json"), map[string]any{"eos_token_id": []int{0, 14}})

	tok, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tok.EOSToken() != "<|endoftext|>" {
		t.Fatalf("eos = %q", tok.EOSToken())
	}
	text, _ := tok.Decode([]int{12, 13, 4, 7, 3, 8, 0})
	if text != "hello world" {
		t.Fatalf("got %q", text)
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("Load of an empty dir succeeded")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	t.Parallel()

	tok := NewBytes()
	ids, err := tok.Encode("h\x00é")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{'h' + 1, 1, 0xc3 + 1, 0xa9 + 1}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	text, err := tok.Decode(append(ids, tok.EOSTokenID(), 999))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "h\x00é" {
		t.Fatalf("got %q", text)
	}
	if b, ok := tok.TokenBytes(0xa9 + 1); !ok || !reflect.DeepEqual(b, []byte{0xa9}) {
		t.Fatalf("TokenBytes = %v/%v, want [169]/true", b, ok)
	}
	if _, ok := tok.TokenBytes(tok.EOSTokenID()); ok {
		t.Fatalf("eos has bytes")
	}
}

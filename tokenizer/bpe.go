// Package tokenizer provides byte-level BPE tokenizers for GPT-2 style
// vocabularies.
package tokenizer

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Pretokenization pattern (GPT-2's, simplified for RE2).
var splitPattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

// Special names the special tokens of a vocabulary. Empty means absent.
type Special struct {
	EOS string
	BOS string
	Pad string
}

type pair struct{ a, b string }

// BPE implements byte-level byte pair encoding. It is safe for concurrent
// use.
type BPE struct {
	encoder     map[string]int
	decoder     map[int]string
	ranks       map[pair]int
	byteEncoder [256]rune
	byteDecoder map[rune]byte

	// added tokens are matched verbatim before pretokenization
	added    []string
	addedIDs map[int]bool
	skip     map[int]bool

	eosID, bosID, padID int
	eosToken            string

	cache sync.Map
}

// NewBPE builds a tokenizer from a token→id vocabulary and merge rules in
// priority order. added lists tokens that are never split.
func NewBPE(vocab map[string]int, merges [][2]string, added []string, special Special) (*BPE, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	t := &BPE{
		encoder:     vocab,
		decoder:     make(map[int]string, len(vocab)),
		ranks:       make(map[pair]int, len(merges)),
		byteEncoder: buildByteEncoder(),
		byteDecoder: make(map[rune]byte, 256),
		addedIDs:    make(map[int]bool),
		skip:        make(map[int]bool),
		eosID:       -1,
		bosID:       -1,
		padID:       -1,
	}
	for b, r := range t.byteEncoder {
		t.byteDecoder[r] = byte(b)
	}
	for token, id := range vocab {
		t.decoder[id] = token
	}
	for i, m := range merges {
		if _, ok := t.ranks[pair{m[0], m[1]}]; !ok {
			t.ranks[pair{m[0], m[1]}] = i
		}
	}

	for _, a := range added {
		id, ok := vocab[a]
		if !ok {
			return nil, fmt.Errorf("added token %q not in vocabulary", a)
		}
		t.added = append(t.added, a)
		t.addedIDs[id] = true
	}
	// longest first so overlapping tokens match greedily
	slices.SortFunc(t.added, func(x, y string) int { return len(y) - len(x) })

	for _, s := range []struct {
		name string
		id   *int
	}{{special.EOS, &t.eosID}, {special.BOS, &t.bosID}, {special.Pad, &t.padID}} {
		if s.name == "" {
			continue
		}
		id, ok := vocab[s.name]
		if !ok {
			return nil, fmt.Errorf("special token %q not in vocabulary", s.name)
		}
		*s.id = id
		t.skip[id] = true
	}
	if t.eosID >= 0 {
		t.eosToken = special.EOS
	}
	return t, nil
}

// buildByteEncoder creates GPT-2's byte-to-unicode mapping
func buildByteEncoder() [256]rune {
	var enc [256]rune
	var set [256]bool
	for _, r := range [][2]int{{'!', '~'}, {'¡', '¬'}, {'®', 'ÿ'}} {
		for b := r[0]; b <= r[1]; b++ {
			enc[b] = rune(b)
			set[b] = true
		}
	}
	n := 0
	for b := range 256 {
		if !set[b] {
			enc[b] = rune(256 + n)
			n++
		}
	}
	return enc
}

// Encode converts text to token ids. Bytes without a vocabulary entry are
// dropped.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	for text != "" {
		idx, tok := t.nextAdded(text)
		if idx < 0 {
			ids = t.encodeChunk(ids, text)
			break
		}
		ids = t.encodeChunk(ids, text[:idx])
		ids = append(ids, t.encoder[tok])
		text = text[idx+len(tok):]
	}
	return ids, nil
}

// nextAdded finds the earliest added token in text.
func (t *BPE) nextAdded(text string) (int, string) {
	best, tok := -1, ""
	for _, a := range t.added {
		if i := strings.Index(text, a); i >= 0 && (best < 0 || i < best) {
			best, tok = i, a
		}
	}
	return best, tok
}

func (t *BPE) encodeChunk(ids []int, text string) []int {
	for _, piece := range splitPattern.FindAllString(text, -1) {
		var b strings.Builder
		for _, c := range []byte(piece) {
			b.WriteRune(t.byteEncoder[c])
		}
		for _, sym := range t.bpe(b.String()) {
			if id, ok := t.encoder[sym]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// bpe applies the merge rules to one pretokenized word.
func (t *BPE) bpe(token string) []string {
	if cached, ok := t.cache.Load(token); ok {
		return cached.([]string)
	}
	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	for len(word) > 1 {
		minRank, at := math.MaxInt, -1
		for i := 0; i < len(word)-1; i++ {
			if rank, ok := t.ranks[pair{word[i], word[i+1]}]; ok && rank < minRank {
				minRank, at = rank, i
			}
		}
		if at < 0 {
			break
		}
		first, second := word[at], word[at+1]
		merged := make([]string, 0, len(word))
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				merged = append(merged, first+second)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}

	t.cache.Store(token, word)
	return word
}

// Decode converts ids back to text, skipping eos, bos and pad. The result
// may hold invalid UTF-8 when ids split a multi-byte character.
func (t *BPE) Decode(ids []int) (string, error) {
	var out []byte
	for _, id := range ids {
		if t.skip[id] {
			continue
		}
		token, ok := t.decoder[id]
		if !ok {
			continue
		}
		if t.addedIDs[id] {
			out = append(out, token...)
			continue
		}
		for _, r := range token {
			if b, ok := t.byteDecoder[r]; ok {
				out = append(out, b)
			}
		}
	}
	return string(out), nil
}

// TokenBytes returns the bytes id stands for. Skipped special tokens have
// none.
func (t *BPE) TokenBytes(id int) ([]byte, bool) {
	token, ok := t.decoder[id]
	if !ok {
		return nil, false
	}
	switch {
	case t.skip[id]:
		return []byte{}, true
	case t.addedIDs[id]:
		return []byte(token), true
	}
	out := make([]byte, 0, len(token))
	for _, r := range token {
		if b, ok := t.byteDecoder[r]; ok {
			out = append(out, b)
		}
	}
	return out, true
}

// EOSToken returns the textual end-of-sequence token, or "".
func (t *BPE) EOSToken() string {
	return t.eosToken
}

func (t *BPE) EOSTokenID() int {
	return t.eosID
}

func (t *BPE) BOSTokenID() int {
	return t.bosID
}

// PadTokenID returns -1 when the vocabulary has no pad token.
func (t *BPE) PadTokenID() int {
	return t.padID
}

// VocabSize returns one past the largest token id.
func (t *BPE) VocabSize() int {
	n := 0
	for id := range t.decoder {
		n = max(n, id+1)
	}
	return n
}
